package telemetry

import (
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Logger exposes the operational logging capabilities required by the
// replication components.
type Logger interface {
	Printf(format string, args ...any)
}

// LoggerFunc adapts functions into the Logger interface.
type LoggerFunc func(format string, args ...any)

// Printf implements Logger for LoggerFunc.
func (f LoggerFunc) Printf(format string, args ...any) {
	if f == nil {
		return
	}
	f(format, args...)
}

// WrapZap adapts a zap sugared logger to the Logger interface. Messages are
// logged at info level.
func WrapZap(logger *zap.SugaredLogger) Logger {
	return &zapAdapter{logger: logger}
}

type zapAdapter struct {
	logger *zap.SugaredLogger
}

func (l *zapAdapter) Printf(format string, args ...any) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.Infof(format, args...)
}

// NopLogger discards everything.
func NopLogger() Logger {
	return LoggerFunc(func(string, ...any) {})
}

// Metrics exposes the telemetry methods required by the replication
// components.
type Metrics interface {
	Add(key string, delta uint64)
	Store(key string, value uint64)
}

// Counters is an in-process Metrics implementation backed by atomic
// counters. It is used by tests and as the fallback when no exporter is
// configured.
type Counters struct {
	mu     sync.RWMutex
	values map[string]*atomic.Uint64
}

// NewCounters constructs an empty counter set.
func NewCounters() *Counters {
	return &Counters{values: make(map[string]*atomic.Uint64)}
}

func (c *Counters) slot(key string) *atomic.Uint64 {
	c.mu.RLock()
	v, ok := c.values[key]
	c.mu.RUnlock()
	if ok {
		return v
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok = c.values[key]; ok {
		return v
	}
	v = &atomic.Uint64{}
	c.values[key] = v
	return v
}

// Add implements Metrics.
func (c *Counters) Add(key string, delta uint64) {
	if c == nil || key == "" {
		return
	}
	c.slot(key).Add(delta)
}

// Store implements Metrics.
func (c *Counters) Store(key string, value uint64) {
	if c == nil || key == "" {
		return
	}
	c.slot(key).Store(value)
}

// Value returns the current value for key.
func (c *Counters) Value(key string) uint64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.values[key]; ok {
		return v.Load()
	}
	return 0
}

// Snapshot copies every counter.
func (c *Counters) Snapshot() map[string]uint64 {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]uint64, len(c.values))
	for k, v := range c.values {
		out[k] = v.Load()
	}
	return out
}

// Keys lists the recorded counter names in sorted order.
func (c *Counters) Keys() []string {
	snapshot := c.Snapshot()
	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Fanout forwards every update to each non-nil target.
func Fanout(targets ...Metrics) Metrics {
	filtered := make(fanout, 0, len(targets))
	for _, t := range targets {
		if t != nil {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

type fanout []Metrics

func (f fanout) Add(key string, delta uint64) {
	for _, m := range f {
		m.Add(key, delta)
	}
}

func (f fanout) Store(key string, value uint64) {
	for _, m := range f {
		m.Store(key, value)
	}
}
