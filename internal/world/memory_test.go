package world

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthorityLifecycle(t *testing.T) {
	w := NewAuthority()
	a := w.Create()
	b := w.Create()
	require.Equal(t, []EntityID{a, b}, w.Entities())

	require.True(t, w.Insert(a, 1, "hello"))
	value, ok := w.Component(a, 1)
	require.True(t, ok)
	assert.Equal(t, "hello", value)

	assert.False(t, w.Remove(b, 1))
	assert.True(t, w.Remove(a, 1))
	_, ok = w.Component(a, 1)
	assert.False(t, ok)

	assert.True(t, w.Destroy(a))
	assert.False(t, w.Destroy(a))
	assert.False(t, w.Insert(a, 1, "x"))
	assert.Equal(t, []EntityID{b}, w.Entities())

	c := w.Create()
	assert.Greater(t, uint64(c), uint64(b), "ids are never reused")
}

func TestAuthorityIgnore(t *testing.T) {
	w := NewAuthority()
	id := w.Create()
	w.Insert(id, 2, 10)
	w.Ignore(id, 2, true)
	assert.True(t, w.Ignored(id, 2))
	w.Ignore(id, 2, false)
	assert.False(t, w.Ignored(id, 2))

	var _ IgnoreReporter = w
	var _ Source = w
}

func TestReplicaSink(t *testing.T) {
	r := NewReplica()
	var sink Sink = r
	id := sink.Spawn()
	sink.Set(id, 3, 1.5)
	value, ok := r.Get(id, 3)
	require.True(t, ok)
	assert.Equal(t, 1.5, value)

	sink.Remove(id, 3)
	assert.Empty(t, r.Components(id))

	sink.Despawn(id)
	assert.False(t, r.Exists(id))
	sink.Set(id, 3, 2.0)
	assert.Equal(t, 0, r.Len())

	spawns, despawns := r.Counters()
	assert.Equal(t, uint64(1), spawns)
	assert.Equal(t, uint64(1), despawns)
}
