package logging

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"mine-and-die/replication/internal/telemetry"
)

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

type Sink interface {
	Write(Event) error
	Close(context.Context) error
}

type NamedSink struct {
	Name string
	Sink Sink
}

// RouterOption customises a Router.
type RouterOption func(*Router)

// WithClock stamps events that arrive without a time.
func WithClock(clock Clock) RouterOption {
	return func(r *Router) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithMetrics counts forwarded and dropped events.
func WithMetrics(m telemetry.Metrics) RouterOption {
	return func(r *Router) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithDiagnostics replaces the stderr logger used for the router's own
// warnings.
func WithDiagnostics(logger *zap.SugaredLogger) RouterOption {
	return func(r *Router) {
		if logger != nil {
			r.diag = logger
		}
	}
}

// Router fans published events out to sinks. Publish never blocks: events are
// queued and dropped with a rate-limited warning when the queue is full. Each
// sink runs on its own worker and backs off after write failures.
type Router struct {
	cfg     Config
	queue   chan Event
	workers []*sinkWorker
	clock   Clock
	metrics telemetry.Metrics
	diag    *zap.SugaredLogger
	fields  map[string]any

	dropWarn *rate.Limiter

	stop    chan struct{}
	closed  atomic.Bool
	wg      sync.WaitGroup
	started sync.Once

	forwarded atomic.Uint64
	dropped   atomic.Uint64
}

// RouterStats reports router-level and per-sink counters.
type RouterStats struct {
	EventsTotal  uint64
	DroppedTotal uint64
	Sinks        []SinkStats
}

type SinkStats struct {
	Name     string
	Written  uint64
	Failed   uint64
	Overflow uint64
}

func diagnosticsLogger() *zap.SugaredLogger {
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.Lock(os.Stderr),
		zap.InfoLevel,
	)
	return zap.New(core).Named("logging").Sugar()
}

// NewRouter starts the dispatch goroutine and one worker per sink.
func NewRouter(cfg Config, sinks []NamedSink, opts ...RouterOption) (*Router, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	interval := cfg.DropWarnInterval
	if interval <= 0 {
		interval = DefaultConfig().DropWarnInterval
	}
	r := &Router{
		cfg:      cfg,
		queue:    make(chan Event, cfg.BufferSize),
		clock:    ClockFunc(time.Now),
		metrics:  telemetry.NewCounters(),
		fields:   cfg.CloneFields(),
		dropWarn: rate.NewLimiter(rate.Every(interval), 1),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.diag == nil {
		r.diag = diagnosticsLogger()
	}

	backlog := min(max(cfg.BufferSize, 32), 1024)
	for _, s := range sinks {
		if s.Sink == nil {
			continue
		}
		r.workers = append(r.workers, &sinkWorker{
			name:   s.Name,
			sink:   s.Sink,
			events: make(chan Event, backlog),
			diag:   r.diag,
		})
	}

	r.started.Do(r.run)
	return r, nil
}

func (r *Router) run() {
	for _, w := range r.workers {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			w.run()
		}()
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			for _, w := range r.workers {
				close(w.events)
			}
		}()
		for {
			select {
			case event := <-r.queue:
				r.forward(event)
			case <-r.stop:
				for {
					select {
					case event := <-r.queue:
						r.forward(event)
					default:
						return
					}
				}
			}
		}
	}()
}

func (r *Router) forward(event Event) {
	if event.Severity < r.cfg.MinimumSeverity {
		return
	}
	if event.Time.IsZero() {
		event.Time = r.clock.Now()
	}
	event = mergeFields(event, r.fields)
	r.forwarded.Add(1)
	r.metrics.Add(telemetry.MetricLogEvents, 1)
	for _, w := range r.workers {
		w.offer(event)
	}
}

// Publish implements Publisher. Events without a type are ignored.
func (r *Router) Publish(_ context.Context, event Event) {
	if event.Type == "" || r.closed.Load() {
		return
	}
	select {
	case r.queue <- event:
		return
	default:
	}
	r.dropped.Add(1)
	r.metrics.Add(telemetry.MetricLogDropped, 1)
	if r.dropWarn.Allow() {
		r.diag.Warnw("event queue full, dropping", "type", event.Type, "tick", event.Tick, "dropped_total", r.dropped.Load())
	}
}

// Close stops accepting events, flushes queued events to the sinks and
// closes them.
func (r *Router) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(r.stop)
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	var firstErr error
	for _, w := range r.workers {
		if err := w.sink.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	_ = r.diag.Sync()
	return firstErr
}

func (r *Router) Stats() RouterStats {
	stats := RouterStats{
		EventsTotal:  r.forwarded.Load(),
		DroppedTotal: r.dropped.Load(),
		Sinks:        make([]SinkStats, 0, len(r.workers)),
	}
	for _, w := range r.workers {
		stats.Sinks = append(stats.Sinks, SinkStats{
			Name:     w.name,
			Written:  w.written.Load(),
			Failed:   w.failed.Load(),
			Overflow: w.overflow.Load(),
		})
	}
	return stats
}

// Sink returns the sink registered under name, or nil.
func (r *Router) Sink(name string) Sink {
	for _, w := range r.workers {
		if w.name == name {
			return w.sink
		}
	}
	return nil
}

const (
	backoffBase = 100 * time.Millisecond
	backoffCap  = 32 * backoffBase
)

type sinkWorker struct {
	name   string
	sink   Sink
	events chan Event
	diag   *zap.SugaredLogger

	streak int
	delay  time.Duration

	written  atomic.Uint64
	failed   atomic.Uint64
	overflow atomic.Uint64
}

func (w *sinkWorker) offer(event Event) {
	select {
	case w.events <- cloneEvent(event):
	default:
		if w.overflow.Add(1) == 1 {
			w.diag.Warnw("sink backlog full, dropping events", "sink", w.name, "type", event.Type)
		}
	}
}

func (w *sinkWorker) run() {
	for event := range w.events {
		if w.delay > 0 {
			time.Sleep(w.delay)
		}
		err := w.sink.Write(event)
		if err == nil {
			w.written.Add(1)
			w.streak, w.delay = 0, 0
			continue
		}
		w.failed.Add(1)
		w.streak++
		w.delay = min(backoffBase<<min(w.streak, 5), backoffCap)
		w.diag.Warnw("sink write failed", "sink", w.name, "error", err, "retry_in", w.delay)
	}
}
