// Package observability exports the replication counters to Prometheus.
package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Prometheus implements telemetry.Metrics. Keys ending in _total become
// counters; every other key becomes a gauge. Collectors are created on first
// use.
type Prometheus struct {
	registry    *prometheus.Registry
	constLabels prometheus.Labels

	mu       sync.Mutex
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
}

// NewPrometheus builds an exporter with its own registry, preloaded with the
// Go runtime and process collectors.
func NewPrometheus(constLabels map[string]string) *Prometheus {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	labels := prometheus.Labels{}
	for k, v := range constLabels {
		labels[k] = v
	}
	return &Prometheus{
		registry:    reg,
		constLabels: labels,
		counters:    make(map[string]prometheus.Counter),
		gauges:      make(map[string]prometheus.Gauge),
	}
}

// Registry exposes the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Add implements telemetry.Metrics.
func (p *Prometheus) Add(key string, delta uint64) {
	if p == nil || key == "" {
		return
	}
	if !strings.HasSuffix(key, "_total") {
		p.gauge(key).Add(float64(delta))
		return
	}
	p.counter(key).Add(float64(delta))
}

// Store implements telemetry.Metrics.
func (p *Prometheus) Store(key string, value uint64) {
	if p == nil || key == "" {
		return
	}
	p.gauge(key).Set(float64(value))
}

func (p *Prometheus) counter(key string) prometheus.Counter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.counters[key]; ok {
		return c
	}
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        key,
		Help:        help(key),
		ConstLabels: p.constLabels,
	})
	p.counters[key] = register(p.registry, c).(prometheus.Counter)
	return p.counters[key]
}

func (p *Prometheus) gauge(key string) prometheus.Gauge {
	p.mu.Lock()
	defer p.mu.Unlock()
	if g, ok := p.gauges[key]; ok {
		return g
	}
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        key,
		Help:        help(key),
		ConstLabels: p.constLabels,
	})
	p.gauges[key] = register(p.registry, g).(prometheus.Gauge)
	return p.gauges[key]
}

func register(reg *prometheus.Registry, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return already.ExistingCollector
		}
		panic(err)
	}
	return c
}

func help(key string) string {
	return strings.ReplaceAll(strings.TrimSuffix(key, "_total"), "_", " ")
}

// Handler serves the registry in the Prometheus text format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// Server serves the metrics endpoint until its context is cancelled.
type Server struct {
	http   *http.Server
	logger *zap.SugaredLogger
}

// NewServer mounts the exporter according to cfg. It returns nil when the
// exporter is disabled.
func NewServer(cfg Config, exporter *Prometheus, logger *zap.SugaredLogger) *Server {
	if !cfg.EnablePrometheus || exporter == nil {
		return nil
	}
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, exporter.Handler())
	if cfg.EnablePprofTrace {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Server{
		http: &http.Server{
			Addr:              cfg.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Run blocks until ctx is done or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		<-ctx.Done()
		return nil
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("metrics listening on %s", s.http.Addr)
		errCh <- s.http.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}
