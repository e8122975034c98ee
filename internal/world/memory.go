package world

import (
	"sort"
	"sync"

	"mine-and-die/replication/internal/registry"
)

// Authority is an in-memory authoritative world used by the demo simulation
// and tests. Entity ids are issued sequentially starting at 1.
type Authority struct {
	mu       sync.RWMutex
	nextID   EntityID
	entities map[EntityID]map[registry.Tag]any
	ignored  map[EntityID]map[registry.Tag]struct{}
}

// NewAuthority constructs an empty world.
func NewAuthority() *Authority {
	return &Authority{
		entities: make(map[EntityID]map[registry.Tag]any),
		ignored:  make(map[EntityID]map[registry.Tag]struct{}),
	}
}

// Create allocates a new entity.
func (a *Authority) Create() EntityID {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	id := a.nextID
	a.entities[id] = make(map[registry.Tag]any)
	return id
}

// Destroy removes an entity and all of its components. It reports whether the
// entity existed.
func (a *Authority) Destroy(id EntityID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.entities[id]; !ok {
		return false
	}
	delete(a.entities, id)
	delete(a.ignored, id)
	return true
}

// Insert sets a component value, adding the component when absent.
func (a *Authority) Insert(id EntityID, tag registry.Tag, value any) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	components, ok := a.entities[id]
	if !ok {
		return false
	}
	components[tag] = value
	return true
}

// Remove drops a component from an entity.
func (a *Authority) Remove(id EntityID, tag registry.Tag) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	components, ok := a.entities[id]
	if !ok {
		return false
	}
	if _, ok := components[tag]; !ok {
		return false
	}
	delete(components, tag)
	return true
}

// Ignore hides (or reveals) a component of a single entity from replication.
func (a *Authority) Ignore(id EntityID, tag registry.Tag, ignored bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.entities[id]; !ok {
		return
	}
	set := a.ignored[id]
	if ignored {
		if set == nil {
			set = make(map[registry.Tag]struct{})
			a.ignored[id] = set
		}
		set[tag] = struct{}{}
		return
	}
	if set != nil {
		delete(set, tag)
		if len(set) == 0 {
			delete(a.ignored, id)
		}
	}
}

// Entities implements Source. Ids are returned in ascending order.
func (a *Authority) Entities() []EntityID {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]EntityID, 0, len(a.entities))
	for id := range a.entities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Component implements Source.
func (a *Authority) Component(id EntityID, tag registry.Tag) (any, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	components, ok := a.entities[id]
	if !ok {
		return nil, false
	}
	value, ok := components[tag]
	return value, ok
}

// Ignored implements IgnoreReporter.
func (a *Authority) Ignored(id EntityID, tag registry.Tag) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.ignored[id][tag]
	return ok
}

// Len reports the number of live entities.
func (a *Authority) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entities)
}

// Replica is an in-memory client world implementing Sink.
type Replica struct {
	mu       sync.RWMutex
	nextID   LocalID
	entities map[LocalID]map[registry.Tag]any
	spawns   uint64
	despawns uint64
}

// NewReplica constructs an empty client world.
func NewReplica() *Replica {
	return &Replica{entities: make(map[LocalID]map[registry.Tag]any)}
}

// Spawn implements Sink.
func (r *Replica) Spawn() LocalID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.spawns++
	r.entities[r.nextID] = make(map[registry.Tag]any)
	return r.nextID
}

// Despawn implements Sink.
func (r *Replica) Despawn(id LocalID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entities[id]; ok {
		delete(r.entities, id)
		r.despawns++
	}
}

// Set implements Sink. Writes to unknown entities are dropped.
func (r *Replica) Set(id LocalID, tag registry.Tag, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if components, ok := r.entities[id]; ok {
		components[tag] = value
	}
}

// Remove implements Sink.
func (r *Replica) Remove(id LocalID, tag registry.Tag) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if components, ok := r.entities[id]; ok {
		delete(components, tag)
	}
}

// Exists reports whether the local entity is alive.
func (r *Replica) Exists(id LocalID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entities[id]
	return ok
}

// Get returns a component value of a local entity.
func (r *Replica) Get(id LocalID, tag registry.Tag) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	components, ok := r.entities[id]
	if !ok {
		return nil, false
	}
	value, ok := components[tag]
	return value, ok
}

// Components returns a copy of the component set of a local entity.
func (r *Replica) Components(id LocalID) map[registry.Tag]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	components, ok := r.entities[id]
	if !ok {
		return nil
	}
	out := make(map[registry.Tag]any, len(components))
	for tag, value := range components {
		out[tag] = value
	}
	return out
}

// Len reports the number of live local entities.
func (r *Replica) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entities)
}

// Counters reports how many spawns and despawns the replica has seen.
func (r *Replica) Counters() (spawns, despawns uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.spawns, r.despawns
}
