// Package tick issues and compares simulation tick identifiers. Every
// replication message carries a tick range so receivers can order and
// deduplicate deliveries.
package tick

import (
	"fmt"
	"sync/atomic"
)

// Tick is a monotonically increasing simulation step counter. Zero means
// "no tick" and is never issued by a Synchronizer.
type Tick uint64

// Range is the half-open interval (From, To]. A message tagged with a range
// carries every change needed to move a receiver from From to To.
type Range struct {
	From Tick
	To   Tick
}

// Valid reports whether the range covers at least one tick.
func (r Range) Valid() bool {
	return r.To > r.From
}

// Len reports the number of ticks inside the range.
func (r Range) Len() uint64 {
	if !r.Valid() {
		return 0
	}
	return uint64(r.To - r.From)
}

// Contains reports whether t lies inside (From, To].
func (r Range) Contains(t Tick) bool {
	return t > r.From && t <= r.To
}

// CoveredBy reports whether state already applied through applied makes the
// range redundant.
func (r Range) CoveredBy(applied Tick) bool {
	return r.To <= applied
}

func (r Range) String() string {
	return fmt.Sprintf("(%d,%d]", r.From, r.To)
}

// Synchronizer hands out tick ids once per server step. It is safe for
// concurrent readers; Next must only be called by the step driver.
type Synchronizer struct {
	current atomic.Uint64
}

// NewSynchronizer starts issuing ticks after start. Pass zero for a fresh
// server.
func NewSynchronizer(start Tick) *Synchronizer {
	s := &Synchronizer{}
	s.current.Store(uint64(start))
	return s
}

// Next issues the next tick id.
func (s *Synchronizer) Next() Tick {
	return Tick(s.current.Add(1))
}

// Current reports the most recently issued tick, or zero before the first
// step.
func (s *Synchronizer) Current() Tick {
	return Tick(s.current.Load())
}

// Max returns the larger of two ticks.
func Max(a, b Tick) Tick {
	if a > b {
		return a
	}
	return b
}

// Min returns the smaller of two ticks.
func Min(a, b Tick) Tick {
	if a < b {
		return a
	}
	return b
}
