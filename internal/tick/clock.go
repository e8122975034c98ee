package tick

import "time"

// Clock abstracts wall time so fixed-step loops can be driven from tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// Step describes the timing of a single fixed simulation step.
type Step struct {
	Tick     Tick
	Now      time.Time
	Delta    float64
	Clamped  bool
	Budget   time.Duration
	MaxDelta float64
}

// Pacer converts wall-clock progress into fixed-step deltas. Large stalls are
// clamped to CatchupMaxTicks worth of simulated time so a paused server does
// not try to simulate the gap in one step.
type Pacer struct {
	rate       int
	budget     time.Duration
	maxDelta   float64
	last       time.Time
	hasStarted bool
}

// NewPacer builds a pacer for the provided tick rate (ticks per second).
func NewPacer(rate, catchupMaxTicks int) *Pacer {
	if rate <= 0 {
		rate = 15
	}
	budgetSeconds := 1.0 / float64(rate)
	maxDelta := budgetSeconds
	if catchupMaxTicks > 1 {
		maxDelta = budgetSeconds * float64(catchupMaxTicks)
	}
	return &Pacer{
		rate:     rate,
		budget:   time.Second / time.Duration(rate),
		maxDelta: maxDelta,
	}
}

// Interval reports the wall-clock duration between steps.
func (p *Pacer) Interval() time.Duration {
	return p.budget
}

// Advance computes the step timing for a tick observed at now.
func (p *Pacer) Advance(t Tick, now time.Time) Step {
	budgetSeconds := 1.0 / float64(p.rate)
	dt := budgetSeconds
	clamped := false
	if p.hasStarted {
		dt = now.Sub(p.last).Seconds()
		if dt <= 0 {
			dt = budgetSeconds
		} else if dt > p.maxDelta {
			dt = p.maxDelta
			clamped = true
		}
	}
	p.last = now
	p.hasStarted = true
	return Step{
		Tick:     t,
		Now:      now,
		Delta:    dt,
		Clamped:  clamped,
		Budget:   p.budget,
		MaxDelta: p.maxDelta,
	}
}
