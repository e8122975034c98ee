// Package registry declares which component types take part in replication
// and how their values travel over the wire. Registration happens once during
// setup; the registry is frozen before the first tick is processed and is
// read-only afterwards.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrDuplicateRegistration reports a tag or name registered twice.
	ErrDuplicateRegistration = errors.New("registry: duplicate registration")
	// ErrRegistryFrozen reports a registration attempted after replication
	// started.
	ErrRegistryFrozen = errors.New("registry: frozen")
	// ErrInvalidDescriptor reports a descriptor missing required functions.
	ErrInvalidDescriptor = errors.New("registry: invalid descriptor")
)

// Tag identifies a replicated component type on the wire. Tags are chosen by
// the application and must match between server and client.
type Tag uint32

// Channel selects which transport channel carries value changes for a
// component type. Structural events always travel on the reliable channel.
type Channel uint8

const (
	// ChannelUnreliable sends value changes on the unreliable channel; a lost
	// update is superseded by the next tick's value.
	ChannelUnreliable Channel = iota
	// ChannelReliable pins value changes to the reliable-ordered channel.
	ChannelReliable
)

func (c Channel) String() string {
	switch c {
	case ChannelUnreliable:
		return "unreliable"
	case ChannelReliable:
		return "reliable"
	default:
		return fmt.Sprintf("channel(%d)", uint8(c))
	}
}

// EntityMapper translates server entity ids embedded in component values into
// client-local ids.
type EntityMapper interface {
	MapEntity(serverID uint64) uint64
}

// Descriptor describes one replicated component type.
type Descriptor struct {
	Tag     Tag
	Name    string
	Channel Channel

	Serialize   func(value any) ([]byte, error)
	Deserialize func(data []byte) (any, error)
	Equal       func(a, b any) bool

	// Clone copies a value before the change tracker retains it. Nil means
	// values are immutable.
	Clone func(value any) any
	// MapEntities rewrites entity references after deserialization. Nil
	// means the component holds no entity references.
	MapEntities func(value any, mapper EntityMapper) any
}

func (d Descriptor) validate() error {
	if d.Serialize == nil || d.Deserialize == nil || d.Equal == nil {
		return fmt.Errorf("%w: tag %d (%s) needs serialize, deserialize and equal", ErrInvalidDescriptor, d.Tag, d.Name)
	}
	return nil
}

// Registry is the tag -> descriptor dispatch table.
type Registry struct {
	mu      sync.RWMutex
	byTag   map[Tag]Descriptor
	byName  map[string]Tag
	ordered []Tag
	frozen  bool
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{
		byTag:  make(map[Tag]Descriptor),
		byName: make(map[string]Tag),
	}
}

// Register adds a descriptor. It fails once the registry is frozen or when the
// tag or name is already taken.
func (r *Registry) Register(d Descriptor) error {
	if err := d.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("%w: cannot register tag %d (%s)", ErrRegistryFrozen, d.Tag, d.Name)
	}
	if existing, ok := r.byTag[d.Tag]; ok {
		return fmt.Errorf("%w: tag %d already used by %q", ErrDuplicateRegistration, d.Tag, existing.Name)
	}
	if d.Name != "" {
		if tag, ok := r.byName[d.Name]; ok {
			return fmt.Errorf("%w: name %q already used by tag %d", ErrDuplicateRegistration, d.Name, tag)
		}
		r.byName[d.Name] = d.Tag
	}
	r.byTag[d.Tag] = d
	idx := sort.Search(len(r.ordered), func(i int) bool { return r.ordered[i] >= d.Tag })
	r.ordered = append(r.ordered, 0)
	copy(r.ordered[idx+1:], r.ordered[idx:])
	r.ordered[idx] = d.Tag
	return nil
}

// MustRegister registers a descriptor and panics on failure. Intended for
// static setup code.
func (r *Registry) MustRegister(d Descriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Freeze marks the registry read-only. It is idempotent.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// IsRegistered reports whether the tag has a descriptor.
func (r *Registry) IsRegistered(tag Tag) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byTag[tag]
	return ok
}

// Lookup returns the descriptor for tag.
func (r *Registry) Lookup(tag Tag) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byTag[tag]
	return d, ok
}

// LookupName returns the descriptor registered under name.
func (r *Registry) LookupName(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tag, ok := r.byName[name]
	if !ok {
		return Descriptor{}, false
	}
	return r.byTag[tag], true
}

// Tags returns every registered tag in ascending order.
func (r *Registry) Tags() []Tag {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.ordered) == 0 {
		return nil
	}
	tags := make([]Tag, len(r.ordered))
	copy(tags, r.ordered)
	return tags
}

// Len reports the number of registered component types.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTag)
}

// ChannelOf reports the channel value changes for tag travel on. Unknown tags
// default to the unreliable channel.
func (r *Registry) ChannelOf(tag Tag) Channel {
	if r == nil {
		return ChannelUnreliable
	}
	d, ok := r.Lookup(tag)
	if !ok {
		return ChannelUnreliable
	}
	return d.Channel
}
