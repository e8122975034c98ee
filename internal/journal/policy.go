package journal

import (
	"fmt"

	"mine-and-die/replication/internal/tick"
)

// ResyncReason records why a client needed a full snapshot.
type ResyncReason struct {
	Kind string
	Tick tick.Tick
}

// ResyncSignal summarises a burst of resyncs for a single client.
type ResyncSignal struct {
	Resyncs     uint64
	TotalEvents uint64
	Window      uint64
	Reasons     []ResyncReason
}

// Policy counts resyncs for one client and raises a signal once Threshold
// resyncs land within Window ticks.
type Policy struct {
	threshold   int
	window      uint64
	totalEvents uint64
	recent      []tick.Tick
	pending     bool
	reasons     []ResyncReason
}

const resyncReasonLimit = 8

// NewPolicy constructs a policy. A threshold of zero disables escalation.
func NewPolicy(threshold int, window uint64) *Policy {
	if threshold < 0 {
		threshold = 0
	}
	return &Policy{
		threshold: threshold,
		window:    window,
		reasons:   make([]ResyncReason, 0, resyncReasonLimit),
	}
}

// NoteEvent counts a delivery to the client.
func (p *Policy) NoteEvent() {
	if p == nil {
		return
	}
	if p.totalEvents == ^uint64(0) {
		p.totalEvents = p.totalEvents / 2
	}
	p.totalEvents++
}

// NoteResync records a resync at the provided tick.
func (p *Policy) NoteResync(at tick.Tick, kind string) {
	if p == nil {
		return
	}
	p.trim(at)
	p.recent = append(p.recent, at)
	if len(p.reasons) < resyncReasonLimit {
		p.reasons = append(p.reasons, ResyncReason{Kind: kind, Tick: at})
	}
	p.evaluate()
}

func (p *Policy) trim(at tick.Tick) {
	if p.window == 0 || uint64(at) <= p.window {
		return
	}
	floor := at - tick.Tick(p.window)
	idx := 0
	for idx < len(p.recent) && p.recent[idx] <= floor {
		idx++
	}
	if idx > 0 {
		p.recent = append(p.recent[:0], p.recent[idx:]...)
	}
}

func (p *Policy) evaluate() {
	if p == nil || p.pending || p.threshold == 0 {
		return
	}
	if len(p.recent) >= p.threshold {
		p.pending = true
	}
}

// Consume returns the pending signal, if any, and resets the counters.
func (p *Policy) Consume() (ResyncSignal, bool) {
	if p == nil || !p.pending {
		return ResyncSignal{}, false
	}
	signal := ResyncSignal{
		Resyncs:     uint64(len(p.recent)),
		TotalEvents: p.totalEvents,
		Window:      p.window,
		Reasons:     append([]ResyncReason(nil), p.reasons...),
	}
	p.pending = false
	p.totalEvents = 0
	p.recent = p.recent[:0]
	if len(p.reasons) > 0 {
		p.reasons = p.reasons[:0]
	}
	return signal, true
}

// Summary renders the signal for logs.
func (s ResyncSignal) Summary() string {
	if s.Resyncs == 0 && s.TotalEvents == 0 {
		return ""
	}
	return fmt.Sprintf("resyncs=%d window=%d total_events=%d reasons=%v", s.Resyncs, s.Window, s.TotalEvents, s.Reasons)
}
