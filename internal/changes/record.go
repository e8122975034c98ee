// Package changes turns successive observations of the authoritative world
// into an ordered stream of per-tick change records.
package changes

import (
	"fmt"

	"mine-and-die/replication/internal/registry"
	"mine-and-die/replication/internal/tick"
	"mine-and-die/replication/internal/world"
)

// Kind enumerates the change record categories.
type Kind uint8

const (
	KindSpawned Kind = iota + 1
	KindDespawned
	KindComponentAdded
	KindComponentChanged
	KindComponentRemoved
)

func (k Kind) String() string {
	switch k {
	case KindSpawned:
		return "spawned"
	case KindDespawned:
		return "despawned"
	case KindComponentAdded:
		return "component_added"
	case KindComponentChanged:
		return "component_changed"
	case KindComponentRemoved:
		return "component_removed"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k >= KindSpawned && k <= KindComponentRemoved
}

// Structural reports whether the kind alters the entity/component set rather
// than a value.
func (k Kind) Structural() bool {
	return k != KindComponentChanged && k.Valid()
}

// Record is a single immutable change observed at Tick. Payload holds the
// serialized Value for added and changed records so fan-out never
// re-serializes per client.
type Record struct {
	Tick    tick.Tick
	Entity  world.EntityID
	Kind    Kind
	Tag     registry.Tag
	Value   any
	Payload []byte
}

func (r Record) String() string {
	switch r.Kind {
	case KindSpawned, KindDespawned:
		return fmt.Sprintf("%s(entity=%d tick=%d)", r.Kind, r.Entity, r.Tick)
	default:
		return fmt.Sprintf("%s(entity=%d tag=%d tick=%d)", r.Kind, r.Entity, r.Tag, r.Tick)
	}
}
