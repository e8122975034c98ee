// Package demo is a small wandering-actor world used by the demo binaries to
// exercise replication end to end.
package demo

import (
	"fmt"

	"mine-and-die/replication/internal/registry"
)

// Component tags. They are part of the wire contract between the demo
// server and client.
const (
	TagPosition registry.Tag = 1
	TagVelocity registry.Tag = 2
	TagHealth   registry.Tag = 3
	TagName     registry.Tag = 4
	TagTarget   registry.Tag = 5
)

// Position is a world coordinate. It changes every tick and rides the
// unreliable channel.
type Position struct {
	X float32
	Y float32
}

// Velocity is units per second.
type Velocity struct {
	DX float32
	DY float32
}

// Health changes rarely and must not be lost, so it is pinned to the
// reliable channel.
type Health struct {
	Current int32
	Max     int32
}

// Name is a display label.
type Name struct {
	Label string `json:"label"`
}

// Target references another entity. The id is remapped into the client's id
// space on arrival.
type Target struct {
	Entity uint64 `json:"entity"`
}

// Register adds the demo components to reg.
func Register(reg *registry.Registry) error {
	descriptors := []registry.Descriptor{
		registry.Component(TagPosition, "position", registry.Binary[Position]()),
		registry.Component(TagVelocity, "velocity", registry.Binary[Velocity]()),
		registry.Component(TagHealth, "health", registry.Binary[Health](), registry.WithReliable[Health]()),
		registry.Component(TagName, "name", registry.JSON[Name](), registry.WithReliable[Name]()),
		registry.Component(TagTarget, "target", registry.JSON[Target](),
			registry.WithReliable[Target](),
			registry.WithEntityMapper(func(t Target, m registry.EntityMapper) Target {
				t.Entity = m.MapEntity(t.Entity)
				return t
			}),
		),
	}
	for _, d := range descriptors {
		if err := reg.Register(d); err != nil {
			return fmt.Errorf("register demo component %s: %w", d.Name, err)
		}
	}
	return nil
}

// NewRegistry returns a registry holding the demo components.
func NewRegistry() *registry.Registry {
	reg := registry.New()
	if err := Register(reg); err != nil {
		panic(err)
	}
	return reg
}
