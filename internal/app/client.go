package app

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"mine-and-die/replication/internal/client"
	"mine-and-die/replication/internal/config"
	"mine-and-die/replication/internal/demo"
	"mine-and-die/replication/internal/journal"
	"mine-and-die/replication/internal/reconcile"
	"mine-and-die/replication/internal/transport"
	"mine-and-die/replication/internal/transport/quic"
	"mine-and-die/replication/internal/transport/ws"
	"mine-and-die/replication/internal/world"
)

// viewer is one mirrored client world.
type viewer struct {
	id      string
	rt      *runtime
	replica *world.Replica
	driver  *client.Driver
}

func newViewer(cfg config.Config, rt *runtime, id string, conn transport.Conn) *viewer {
	replica := world.NewReplica()
	logger := rt.logger.With("viewer", id)
	rec := reconcile.New(demo.NewRegistry(), replica, cfg.Replication.ReconcileConfig(),
		reconcile.WithMetrics(rt.metrics),
		reconcile.WithPublisher(rt.router, id),
		reconcile.WithEscalation(func(signal journal.ResyncSignal) {
			logger.Warnw("resyncs keep recurring", "summary", signal.Summary())
		}),
	)
	return &viewer{
		id:      id,
		rt:      rt,
		replica: replica,
		driver:  client.New(conn, rec, client.Deps{Logger: rt.operational()}),
	}
}

func (v *viewer) run(ctx context.Context, statusEvery uint64) error {
	if statusEvery == 0 {
		return v.driver.Run(ctx)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return v.driver.Run(gctx) })
	g.Go(func() error {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				structural, applied := v.driver.Reconciler().Ticks()
				v.rt.logger.Infow("mirror",
					"viewer", v.id,
					"state", v.driver.Reconciler().State().String(),
					"entities", v.replica.Len(),
					"structural_tick", uint64(structural),
					"applied_tick", uint64(applied),
				)
			}
		}
	})
	return g.Wait()
}

// ClientOptions carry settings that are not part of the shared config file.
type ClientOptions struct {
	// StatusEvery enables a periodic status line when non-zero.
	StatusEvery uint64
}

// RunClient connects to a replication server and mirrors its world until
// ctx is cancelled or the server goes away.
func RunClient(ctx context.Context, cfg config.Config, opts ClientOptions) error {
	rt, err := newRuntime(cfg, "client")
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	dialCtx, cancel := context.WithTimeout(ctx, cfg.Transport.HandshakeTimeout)
	defer cancel()
	conn, err := dial(dialCtx, cfg, rt)
	if err != nil {
		return err
	}
	defer conn.Close()

	v := newViewer(cfg, rt, "client-"+uuid.NewString()[:8], conn)
	rt.logger.Infow("connected", "transport", cfg.Transport.Kind, "addr", dialAddr(cfg.Transport.Addr))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return v.run(gctx, opts.StatusEvery) })
	if metricsSrv := rt.metricsServer(cfg.Metrics); metricsSrv != nil {
		g.Go(func() error { return metricsSrv.Run(gctx) })
	}
	return g.Wait()
}

func dial(ctx context.Context, cfg config.Config, rt *runtime) (transport.Conn, error) {
	addr := dialAddr(cfg.Transport.Addr)
	switch cfg.Transport.Kind {
	case "ws":
		return ws.Dial(ctx, "ws://"+addr+cfg.Transport.Path, ws.Config{
			SendQueue:        cfg.Transport.SendQueue,
			HandshakeTimeout: cfg.Transport.HandshakeTimeout,
			Logger:           rt.operational(),
		})
	case "quic":
		return quic.Dial(ctx, addr, quic.Config{
			ALPN:             cfg.Transport.ALPN,
			HandshakeTimeout: cfg.Transport.HandshakeTimeout,
			IdleTimeout:      cfg.Transport.IdleTimeout,
			SendQueue:        cfg.Transport.SendQueue,
			TLS:              &tls.Config{InsecureSkipVerify: cfg.Transport.InsecureSkipVerify},
			Logger:           rt.operational(),
		})
	default:
		return nil, fmt.Errorf("transport %q cannot be dialed from a separate process", cfg.Transport.Kind)
	}
}
