package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"mine-and-die/replication/internal/config"
	"mine-and-die/replication/internal/demo"
	"mine-and-die/replication/internal/journal"
	"mine-and-die/replication/internal/server"
	"mine-and-die/replication/internal/sim"
	"mine-and-die/replication/internal/tick"
	"mine-and-die/replication/internal/transport/loopback"
	"mine-and-die/replication/internal/transport/quic"
	"mine-and-die/replication/internal/transport/ws"
	"mine-and-die/replication/internal/world"
)

// ServerOptions carry settings that are not part of the shared config file.
type ServerOptions struct {
	World demo.Config
	// Viewers is the number of in-process clients attached when the
	// loopback transport is selected.
	Viewers int
	// StatusEvery logs a status line every that many ticks. Zero disables it.
	StatusEvery uint64
}

// HubConfig projects the replication section onto the hub settings.
func HubConfig(r config.Replication) server.Config {
	return server.Config{
		Journal:       r.JournalConfig(),
		Encoder:       r.EncoderConfig(),
		EncodeWorkers: r.EncodeWorkers,
		InboxCapacity: r.InboxCapacity,
		ResyncRate:    r.ResyncRate,
		ResyncBurst:   r.ResyncBurst,
	}
}

// RunServer runs the authoritative demo world until ctx is cancelled.
func RunServer(ctx context.Context, cfg config.Config, opts ServerOptions) error {
	rt, err := newRuntime(cfg, "server")
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	reg := demo.NewRegistry()
	authority := world.NewAuthority()
	simulation := demo.NewSimulation(authority, opts.World)

	hub := server.New(reg, authority, HubConfig(cfg.Replication), server.Deps{
		Logger:    rt.operational(),
		Metrics:   rt.metrics,
		Publisher: rt.router,
		OnEscalate: func(esc journal.Escalation) {
			rt.logger.Warnw("client keeps falling out of sync", "client", esc.Client, "summary", esc.Signal.Summary())
		},
	})

	g, gctx := errgroup.WithContext(ctx)
	switch cfg.Transport.Kind {
	case "ws":
		srv := ws.NewServer(hub, ws.Config{
			SendQueue:        cfg.Transport.SendQueue,
			HandshakeTimeout: cfg.Transport.HandshakeTimeout,
			Logger:           rt.operational(),
		})
		hub.Attach(srv)
		mux := http.NewServeMux()
		mux.Handle(cfg.Transport.Path, srv)
		httpSrv := &http.Server{Addr: cfg.Transport.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			rt.logger.Infof("replication listening on ws://%s%s", dialAddr(cfg.Transport.Addr), cfg.Transport.Path)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Close()
			return httpSrv.Shutdown(shutdownCtx)
		})
	case "quic":
		tlsConf, err := quic.LoadTLS(cfg.Transport.CertFile, cfg.Transport.KeyFile)
		if err != nil {
			return err
		}
		srv, err := quic.Listen(cfg.Transport.Addr, hub, quic.Config{
			ALPN:             cfg.Transport.ALPN,
			HandshakeTimeout: cfg.Transport.HandshakeTimeout,
			IdleTimeout:      cfg.Transport.IdleTimeout,
			SendQueue:        cfg.Transport.SendQueue,
			TLS:              tlsConf,
			Logger:           rt.operational(),
		})
		if err != nil {
			return err
		}
		hub.Attach(srv)
		g.Go(func() error {
			rt.logger.Infof("replication listening on quic://%s", srv.Addr())
			return srv.Serve(gctx)
		})
		g.Go(func() error {
			<-gctx.Done()
			return srv.Close()
		})
	case "loopback":
		network := loopback.NewNetwork(hub, loopback.Link{})
		hub.Attach(network)
		viewers := opts.Viewers
		if viewers <= 0 {
			viewers = 1
		}
		for i := 0; i < viewers; i++ {
			conn, err := network.Dial(fmt.Sprintf("viewer-%d", i+1))
			if err != nil {
				return err
			}
			v := newViewer(cfg, rt, conn.ID(), conn)
			g.Go(func() error {
				defer conn.Close()
				return v.run(gctx, opts.StatusEvery)
			})
		}
	default:
		return fmt.Errorf("unknown transport %q", cfg.Transport.Kind)
	}

	loop := sim.NewLoop(simulation, hub, sim.LoopConfig{
		TickRate:        cfg.Replication.TickRate,
		CatchupMaxTicks: cfg.Replication.CatchupMaxTicks,
	}, sim.LoopHooks{
		AfterStep: func(res sim.LoopStepResult) {
			if opts.StatusEvery == 0 || uint64(res.Step.Tick)%opts.StatusEvery != 0 {
				return
			}
			rep := res.Replication
			rt.logger.Infow("tick",
				"tick", uint64(res.Step.Tick),
				"entities", authority.Len(),
				"clients", rep.Clients,
				"records", rep.Records,
				"frames", rep.Frames,
				"bytes", rep.Bytes,
				"pruned", rep.Pruned,
				"took", rep.Duration,
			)
		},
		OnError: func(at tick.Tick, err error) {
			rt.logger.Errorf("replication step %d failed: %v", at, err)
		},
	}, sim.LoopDeps{Logger: rt.operational(), Metrics: rt.metrics})

	g.Go(func() error { return loop.Run(gctx) })
	if metricsSrv := rt.metricsServer(cfg.Metrics); metricsSrv != nil {
		g.Go(func() error { return metricsSrv.Run(gctx) })
	}
	return g.Wait()
}
