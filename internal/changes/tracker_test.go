package changes

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mine-and-die/replication/internal/registry"
	"mine-and-die/replication/internal/telemetry"
	"mine-and-die/replication/internal/world"
)

const (
	tagHealth registry.Tag = 1
	tagName   registry.Tag = 2
	tagBag    registry.Tag = 3
)

type bag struct {
	Items []string `json:"items"`
}

type failingCodec struct{}

func (failingCodec) Marshal(int) ([]byte, error)    { return nil, errors.New("boom") }
func (failingCodec) Unmarshal([]byte) (int, error) { return 0, nil }

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	reg.MustRegister(registry.Component(tagHealth, "health", registry.JSON[int]()))
	reg.MustRegister(registry.Component(tagName, "name", registry.JSON[string]()))
	reg.MustRegister(registry.ComponentFunc(tagBag, "bag", registry.JSON[bag](),
		func(a, b bag) bool {
			if len(a.Items) != len(b.Items) {
				return false
			}
			for i := range a.Items {
				if a.Items[i] != b.Items[i] {
					return false
				}
			}
			return true
		},
		registry.WithClone(func(b bag) bag { return bag{Items: append([]string(nil), b.Items...)} }),
	))
	reg.Freeze()
	return reg
}

func kinds(records []Record) []Kind {
	out := make([]Kind, len(records))
	for i, r := range records {
		out[i] = r.Kind
	}
	return out
}

func TestCollectEmitsSpawnBeforeAdds(t *testing.T) {
	reg := newRegistry(t)
	metrics := telemetry.NewCounters()
	tracker := NewTracker(reg, metrics)
	w := world.NewAuthority()
	e := w.Create()
	w.Insert(e, tagName, "rat")
	w.Insert(e, tagHealth, 10)

	records, err := tracker.Collect(1, w)
	require.NoError(t, err)
	require.Equal(t, []Kind{KindSpawned, KindComponentAdded, KindComponentAdded}, kinds(records))
	assert.Equal(t, tagHealth, records[1].Tag, "tags are emitted in ascending order")
	assert.Equal(t, []byte("10"), records[1].Payload)
	assert.Equal(t, uint64(1), metrics.Value(telemetry.MetricRecordsSpawned))
	assert.Equal(t, uint64(2), metrics.Value(telemetry.MetricRecordsAdded))
}

func TestCollectReportsOnlyInequality(t *testing.T) {
	reg := newRegistry(t)
	tracker := NewTracker(reg, nil)
	w := world.NewAuthority()
	e := w.Create()
	w.Insert(e, tagHealth, 10)
	_, err := tracker.Collect(1, w)
	require.NoError(t, err)

	records, err := tracker.Collect(2, w)
	require.NoError(t, err)
	assert.Empty(t, records)

	w.Insert(e, tagHealth, 10)
	records, _ = tracker.Collect(3, w)
	assert.Empty(t, records, "re-setting an equal value is not a change")

	w.Insert(e, tagHealth, 7)
	records, _ = tracker.Collect(4, w)
	require.Len(t, records, 1)
	assert.Equal(t, KindComponentChanged, records[0].Kind)
	assert.Equal(t, 7, records[0].Value)
}

func TestCollectOrdersAddsChangesRemoves(t *testing.T) {
	reg := newRegistry(t)
	tracker := NewTracker(reg, nil)
	w := world.NewAuthority()
	e := w.Create()
	w.Insert(e, tagHealth, 10)
	w.Insert(e, tagName, "a")
	_, err := tracker.Collect(1, w)
	require.NoError(t, err)

	w.Remove(e, tagHealth)
	w.Insert(e, tagName, "b")
	w.Insert(e, tagBag, bag{Items: []string{"coin"}})
	records, err := tracker.Collect(2, w)
	require.NoError(t, err)
	assert.Equal(t, []Kind{KindComponentAdded, KindComponentChanged, KindComponentRemoved}, kinds(records))
}

func TestCollectDespawnSuppressesOtherRecords(t *testing.T) {
	reg := newRegistry(t)
	tracker := NewTracker(reg, nil)
	w := world.NewAuthority()
	a := w.Create()
	b := w.Create()
	w.Insert(a, tagHealth, 1)
	w.Insert(b, tagHealth, 1)
	_, err := tracker.Collect(1, w)
	require.NoError(t, err)

	w.Insert(a, tagHealth, 2)
	w.Destroy(a)
	w.Insert(b, tagHealth, 3)
	records, err := tracker.Collect(2, w)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, KindComponentChanged, records[0].Kind)
	assert.Equal(t, b, records[0].Entity)
	assert.Equal(t, KindDespawned, records[1].Kind)
	assert.Equal(t, a, records[1].Entity)
	assert.Equal(t, 1, tracker.Live())
}

func TestCollectTreatsIgnoredAsAbsent(t *testing.T) {
	reg := newRegistry(t)
	tracker := NewTracker(reg, nil)
	w := world.NewAuthority()
	e := w.Create()
	w.Insert(e, tagHealth, 10)
	w.Insert(e, tagName, "secret")
	w.Ignore(e, tagName, true)

	records, err := tracker.Collect(1, w)
	require.NoError(t, err)
	assert.Equal(t, []Kind{KindSpawned, KindComponentAdded}, kinds(records))

	w.Ignore(e, tagName, false)
	records, _ = tracker.Collect(2, w)
	require.Len(t, records, 1)
	assert.Equal(t, KindComponentAdded, records[0].Kind)
	assert.Equal(t, tagName, records[0].Tag)
}

func TestCollectClonesRetainedValues(t *testing.T) {
	reg := newRegistry(t)
	tracker := NewTracker(reg, nil)
	w := world.NewAuthority()
	e := w.Create()
	items := []string{"coin"}
	w.Insert(e, tagBag, bag{Items: items})
	_, err := tracker.Collect(1, w)
	require.NoError(t, err)

	items[0] = "gem"
	records, err := tracker.Collect(2, w)
	require.NoError(t, err)
	require.Len(t, records, 1, "in-place mutation must be detected")
	assert.Equal(t, KindComponentChanged, records[0].Kind)
}

func TestCollectRetriesAfterSerializeError(t *testing.T) {
	reg := registry.New()
	reg.MustRegister(registry.Component(9, "broken", registry.Codec[int](failingCodec{})))
	metrics := telemetry.NewCounters()
	tracker := NewTracker(reg, metrics)
	w := world.NewAuthority()
	e := w.Create()
	w.Insert(e, 9, 1)

	records, err := tracker.Collect(1, w)
	require.Error(t, err)
	assert.Equal(t, []Kind{KindSpawned}, kinds(records))
	assert.Equal(t, uint64(1), metrics.Value(telemetry.MetricSerializeErrors))

	_, err = tracker.Collect(2, w)
	assert.Error(t, err, "the add is retried every tick")
}

func TestKindStructural(t *testing.T) {
	assert.True(t, KindSpawned.Structural())
	assert.True(t, KindComponentRemoved.Structural())
	assert.False(t, KindComponentChanged.Structural())
	assert.False(t, Kind(42).Structural())
}
