// Package sim drives the fixed-timestep server loop: advance the host
// simulation, then replicate the resulting tick.
package sim

import (
	"context"
	"time"

	"mine-and-die/replication/internal/server"
	"mine-and-die/replication/internal/telemetry"
	"mine-and-die/replication/internal/tick"
)

// Simulation advances the host world by one fixed step.
type Simulation interface {
	Step(step tick.Step)
}

// SimulationFunc adapts a function to Simulation.
type SimulationFunc func(step tick.Step)

// Step implements Simulation.
func (f SimulationFunc) Step(step tick.Step) { f(step) }

// Replicator replicates the world state of a tick that was just simulated.
type Replicator interface {
	Step(ctx context.Context, t tick.Tick) (server.StepResult, error)
}

// LoopConfig tunes the tick loop.
type LoopConfig struct {
	TickRate        int
	CatchupMaxTicks int
	// StartTick resumes tick numbering after a restart.
	StartTick tick.Tick
}

// LoopHooks observe the loop.
type LoopHooks struct {
	AfterStep func(LoopStepResult)
	// OnError receives replication failures. The loop keeps running.
	OnError func(tick.Tick, error)
}

// LoopDeps carries the loop's collaborators.
type LoopDeps struct {
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Clock   tick.Clock
}

// LoopStepResult describes one completed step.
type LoopStepResult struct {
	Step        tick.Step
	Replication server.StepResult
	Duration    time.Duration
	OverBudget  bool
}

// Loop owns tick numbering and pacing.
type Loop struct {
	sim        Simulation
	replicator Replicator
	ticks      *tick.Synchronizer
	pacer      *tick.Pacer
	hooks      LoopHooks
	logger     telemetry.Logger
	metrics    telemetry.Metrics
	clock      tick.Clock

	overBudget uint64
}

// NewLoop wires a simulation to a replicator.
func NewLoop(sim Simulation, replicator Replicator, cfg LoopConfig, hooks LoopHooks, deps LoopDeps) *Loop {
	if deps.Logger == nil {
		deps.Logger = telemetry.NopLogger()
	}
	if deps.Clock == nil {
		deps.Clock = tick.SystemClock{}
	}
	return &Loop{
		sim:        sim,
		replicator: replicator,
		ticks:      tick.NewSynchronizer(cfg.StartTick),
		pacer:      tick.NewPacer(cfg.TickRate, cfg.CatchupMaxTicks),
		hooks:      hooks,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		clock:      deps.Clock,
	}
}

// Current reports the most recently completed tick.
func (l *Loop) Current() tick.Tick {
	return l.ticks.Current()
}

// Advance executes a single step observed at now.
func (l *Loop) Advance(ctx context.Context, now time.Time) (LoopStepResult, error) {
	t := l.ticks.Next()
	step := l.pacer.Advance(t, now)
	start := l.clock.Now()
	if l.sim != nil {
		l.sim.Step(step)
	}
	result := LoopStepResult{Step: step}
	var err error
	if l.replicator != nil {
		result.Replication, err = l.replicator.Step(ctx, t)
	}
	result.Duration = l.clock.Now().Sub(start)
	if result.Duration > step.Budget {
		result.OverBudget = true
		l.overBudget++
		if l.metrics != nil {
			l.metrics.Add(telemetry.MetricTickOverBudget, 1)
		}
		// Log the first overrun and then every power of two.
		if l.overBudget&(l.overBudget-1) == 0 {
			l.logger.Printf("[budget] tick %d took %s budget %s overruns=%d", t, result.Duration, step.Budget, l.overBudget)
		}
	}
	if err != nil {
		if l.hooks.OnError != nil {
			l.hooks.OnError(t, err)
		} else {
			l.logger.Printf("replication step %d failed: %v", t, err)
		}
	}
	if l.hooks.AfterStep != nil {
		l.hooks.AfterStep(result)
	}
	return result, err
}

// Run drives the fixed-timestep loop until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.pacer.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, _ = l.Advance(ctx, l.clock.Now())
		}
	}
}
