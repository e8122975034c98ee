// Package world defines the narrow interfaces the replication core uses to
// observe the authoritative simulation and to mutate the client mirror.
package world

import "mine-and-die/replication/internal/registry"

// EntityID is the server-assigned entity identity. It is opaque to clients
// and never reused.
type EntityID uint64

// LocalID is a client-local entity identity allocated by a Sink.
type LocalID uint64

// Source exposes the authoritative world to the change tracker. Entities must
// return every replicated entity; Component returns false when the entity
// does not carry the tag.
type Source interface {
	Entities() []EntityID
	Component(id EntityID, tag registry.Tag) (any, bool)
}

// IgnoreReporter is an optional Source extension. A component reported as
// ignored for an entity is treated as absent by the tracker.
type IgnoreReporter interface {
	Ignored(id EntityID, tag registry.Tag) bool
}

// Sink receives the reconciled mutations on the client.
type Sink interface {
	Spawn() LocalID
	Despawn(id LocalID)
	Set(id LocalID, tag registry.Tag, value any)
	Remove(id LocalID, tag registry.Tag)
}
