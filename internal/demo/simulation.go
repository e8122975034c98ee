package demo

import (
	"math/rand"

	"github.com/google/uuid"

	"mine-and-die/replication/internal/tick"
	"mine-and-die/replication/internal/world"
)

// Config tunes the demo world.
type Config struct {
	Population int
	// Churn is the chance per tick that one actor is replaced.
	Churn  float64
	Width  float32
	Height float32
	Speed  float32
	Seed   int64
}

// DefaultConfig returns a small lively world.
func DefaultConfig() Config {
	return Config{Population: 64, Churn: 0.05, Width: 1024, Height: 768, Speed: 60, Seed: 1}
}

// Simulation moves actors around an authoritative world. It implements
// sim.Simulation.
type Simulation struct {
	cfg   Config
	world *world.Authority
	rng   *rand.Rand
	ids   []world.EntityID
	names func() string
}

// NewSimulation populates w with cfg.Population actors.
func NewSimulation(w *world.Authority, cfg Config) *Simulation {
	if cfg.Population <= 0 {
		cfg.Population = DefaultConfig().Population
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = DefaultConfig().Width, DefaultConfig().Height
	}
	if cfg.Speed <= 0 {
		cfg.Speed = DefaultConfig().Speed
	}
	s := &Simulation{
		cfg:   cfg,
		world: w,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		names: func() string { return "actor-" + uuid.NewString()[:8] },
	}
	for len(s.ids) < cfg.Population {
		s.spawn()
	}
	return s
}

// World returns the authoritative world.
func (s *Simulation) World() *world.Authority {
	return s.world
}

func (s *Simulation) spawn() world.EntityID {
	id := s.world.Create()
	s.world.Insert(id, TagPosition, Position{X: s.rng.Float32() * s.cfg.Width, Y: s.rng.Float32() * s.cfg.Height})
	s.world.Insert(id, TagVelocity, s.heading())
	s.world.Insert(id, TagHealth, Health{Current: 100, Max: 100})
	s.world.Insert(id, TagName, Name{Label: s.names()})
	s.ids = append(s.ids, id)
	return id
}

func (s *Simulation) heading() Velocity {
	return Velocity{
		DX: (s.rng.Float32()*2 - 1) * s.cfg.Speed,
		DY: (s.rng.Float32()*2 - 1) * s.cfg.Speed,
	}
}

func (s *Simulation) despawn(idx int) {
	id := s.ids[idx]
	s.world.Destroy(id)
	s.ids = append(s.ids[:idx], s.ids[idx+1:]...)
	// Drop references to the despawned actor.
	for _, other := range s.ids {
		if v, ok := s.world.Component(other, TagTarget); ok && world.EntityID(v.(Target).Entity) == id {
			s.world.Remove(other, TagTarget)
		}
	}
}

// Step implements sim.Simulation.
func (s *Simulation) Step(step tick.Step) {
	dt := float32(step.Delta)
	for _, id := range s.ids {
		pos, _ := s.world.Component(id, TagPosition)
		vel, _ := s.world.Component(id, TagVelocity)
		p, v := pos.(Position), vel.(Velocity)
		p.X += v.DX * dt
		p.Y += v.DY * dt
		if p.X < 0 || p.X > s.cfg.Width {
			v.DX = -v.DX
			p.X = clamp(p.X, 0, s.cfg.Width)
			s.world.Insert(id, TagVelocity, v)
		}
		if p.Y < 0 || p.Y > s.cfg.Height {
			v.DY = -v.DY
			p.Y = clamp(p.Y, 0, s.cfg.Height)
			s.world.Insert(id, TagVelocity, v)
		}
		s.world.Insert(id, TagPosition, p)
	}

	if len(s.ids) > 1 && s.rng.Float64() < 0.1 {
		hunter := s.ids[s.rng.Intn(len(s.ids))]
		prey := s.ids[s.rng.Intn(len(s.ids))]
		if hunter != prey {
			s.world.Insert(hunter, TagTarget, Target{Entity: uint64(prey)})
			h, _ := s.world.Component(prey, TagHealth)
			health := h.(Health)
			health.Current -= 10
			if health.Current <= 0 {
				health.Current = health.Max
			}
			s.world.Insert(prey, TagHealth, health)
		}
	}

	if len(s.ids) > 0 && s.rng.Float64() < s.cfg.Churn {
		s.despawn(s.rng.Intn(len(s.ids)))
	}
	for len(s.ids) < s.cfg.Population {
		s.spawn()
	}
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
