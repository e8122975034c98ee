package reconcile

import (
	"sort"

	"mine-and-die/replication/internal/registry"
	"mine-and-die/replication/internal/tick"
	"mine-and-die/replication/internal/world"
)

type mapping struct {
	local world.LocalID
	// placeholder marks an entity spawned early because a component referenced
	// it before its own spawn arrived.
	placeholder bool
	// writes holds the tick of the last structural or value write per tag.
	// Removals keep their entry so older values cannot resurrect the
	// component.
	writes  map[registry.Tag]tick.Tick
	present map[registry.Tag]struct{}
}

// EntityMap is the per-connection bidirectional server <-> local id map.
type EntityMap struct {
	toLocal  map[world.EntityID]*mapping
	toServer map[world.LocalID]world.EntityID
}

// NewEntityMap constructs an empty map.
func NewEntityMap() *EntityMap {
	return &EntityMap{
		toLocal:  make(map[world.EntityID]*mapping),
		toServer: make(map[world.LocalID]world.EntityID),
	}
}

func (m *EntityMap) insert(server world.EntityID, local world.LocalID, placeholder bool) *mapping {
	entry := &mapping{
		local:       local,
		placeholder: placeholder,
		writes:      make(map[registry.Tag]tick.Tick),
		present:     make(map[registry.Tag]struct{}),
	}
	m.toLocal[server] = entry
	m.toServer[local] = server
	return entry
}

func (m *EntityMap) get(server world.EntityID) (*mapping, bool) {
	entry, ok := m.toLocal[server]
	return entry, ok
}

func (m *EntityMap) remove(server world.EntityID) {
	entry, ok := m.toLocal[server]
	if !ok {
		return
	}
	delete(m.toServer, entry.local)
	delete(m.toLocal, server)
}

// Local returns the local id mapped to a server id.
func (m *EntityMap) Local(server world.EntityID) (world.LocalID, bool) {
	entry, ok := m.toLocal[server]
	if !ok {
		return 0, false
	}
	return entry.local, true
}

// Server returns the server id mapped to a local id.
func (m *EntityMap) Server(local world.LocalID) (world.EntityID, bool) {
	server, ok := m.toServer[local]
	return server, ok
}

// Len reports the number of mapped entities, placeholders included.
func (m *EntityMap) Len() int {
	return len(m.toLocal)
}

// ServerIDs lists mapped server ids in ascending order.
func (m *EntityMap) ServerIDs() []world.EntityID {
	ids := make([]world.EntityID, 0, len(m.toLocal))
	for id := range m.toLocal {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	return ids
}

func (m *EntityMap) clear() {
	m.toLocal = make(map[world.EntityID]*mapping)
	m.toServer = make(map[world.LocalID]world.EntityID)
}

// entityMapper resolves entity references inside component values, spawning
// placeholders for server ids the client has not seen yet.
type entityMapper struct {
	entities *EntityMap
	sink     world.Sink
	spawned  int
}

func (m *entityMapper) MapEntity(serverID uint64) uint64 {
	if serverID == 0 {
		return 0
	}
	if entry, ok := m.entities.get(world.EntityID(serverID)); ok {
		return uint64(entry.local)
	}
	local := m.sink.Spawn()
	m.entities.insert(world.EntityID(serverID), local, true)
	m.spawned++
	return uint64(local)
}
