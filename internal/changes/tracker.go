package changes

import (
	"errors"
	"fmt"
	"sort"

	"mine-and-die/replication/internal/registry"
	"mine-and-die/replication/internal/telemetry"
	"mine-and-die/replication/internal/tick"
	"mine-and-die/replication/internal/world"
)

type observed struct {
	value   any
	payload []byte
}

// Tracker compares the world against the previous collection and emits the
// differences. It is not safe for concurrent use; the server step calls it
// from a single goroutine.
type Tracker struct {
	registry *registry.Registry
	metrics  telemetry.Metrics
	live     map[world.EntityID]map[registry.Tag]observed
}

// NewTracker constructs a tracker for the registered component set.
func NewTracker(reg *registry.Registry, metrics telemetry.Metrics) *Tracker {
	return &Tracker{
		registry: reg,
		metrics:  metrics,
		live:     make(map[world.EntityID]map[registry.Tag]observed),
	}
}

// Live reports the number of entities known to the tracker.
func (t *Tracker) Live() int {
	return len(t.live)
}

// Reset forgets every observation. The next Collect reports the whole world
// as freshly spawned.
func (t *Tracker) Reset() {
	t.live = make(map[world.EntityID]map[registry.Tag]observed)
}

// Collect scans source and returns the records for tick. Records for one
// entity are contiguous (spawn, adds, changes, removes); entities appear in
// ascending id order and despawns come last.
//
// A component whose value fails to serialize is left out of the result and
// its previous observation is kept, so the change is retried next tick. The
// joined serialization errors are returned alongside the records.
func (t *Tracker) Collect(at tick.Tick, source world.Source) ([]Record, error) {
	if source == nil {
		return nil, nil
	}
	tags := t.registry.Tags()
	ignorer, _ := source.(world.IgnoreReporter)

	ids := append([]world.EntityID(nil), source.Entities()...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var (
		records []Record
		errs    []error
		counts  [KindComponentRemoved + 1]uint64
	)
	seen := make(map[world.EntityID]struct{}, len(ids))

	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		prev, existed := t.live[id]
		if !existed {
			prev = make(map[registry.Tag]observed)
			t.live[id] = prev
			records = append(records, Record{Tick: at, Entity: id, Kind: KindSpawned})
			counts[KindSpawned]++
		}

		var adds, changed, removes []Record
		for _, tag := range tags {
			desc, _ := t.registry.Lookup(tag)
			value, present := source.Component(id, tag)
			if present && ignorer != nil && ignorer.Ignored(id, tag) {
				present = false
			}
			old, had := prev[tag]

			switch {
			case present && !had:
				payload, err := desc.Serialize(value)
				if err != nil {
					errs = append(errs, fmt.Errorf("changes: serialize %s for entity %d: %w", desc.Name, id, err))
					continue
				}
				retained := retain(desc, value)
				prev[tag] = observed{value: retained, payload: payload}
				adds = append(adds, Record{Tick: at, Entity: id, Kind: KindComponentAdded, Tag: tag, Value: retained, Payload: payload})
			case present && had:
				if desc.Equal(old.value, value) {
					continue
				}
				payload, err := desc.Serialize(value)
				if err != nil {
					errs = append(errs, fmt.Errorf("changes: serialize %s for entity %d: %w", desc.Name, id, err))
					continue
				}
				retained := retain(desc, value)
				prev[tag] = observed{value: retained, payload: payload}
				changed = append(changed, Record{Tick: at, Entity: id, Kind: KindComponentChanged, Tag: tag, Value: retained, Payload: payload})
			case !present && had:
				delete(prev, tag)
				removes = append(removes, Record{Tick: at, Entity: id, Kind: KindComponentRemoved, Tag: tag})
			}
		}
		counts[KindComponentAdded] += uint64(len(adds))
		counts[KindComponentChanged] += uint64(len(changed))
		counts[KindComponentRemoved] += uint64(len(removes))
		records = append(records, adds...)
		records = append(records, changed...)
		records = append(records, removes...)
	}

	var gone []world.EntityID
	for id := range t.live {
		if _, ok := seen[id]; !ok {
			gone = append(gone, id)
		}
	}
	sort.Slice(gone, func(i, j int) bool { return gone[i] < gone[j] })
	for _, id := range gone {
		delete(t.live, id)
		records = append(records, Record{Tick: at, Entity: id, Kind: KindDespawned})
		counts[KindDespawned]++
	}

	t.record(counts, len(errs))
	return records, errors.Join(errs...)
}

func (t *Tracker) record(counts [KindComponentRemoved + 1]uint64, serializeErrors int) {
	if t.metrics == nil {
		return
	}
	keys := map[Kind]string{
		KindSpawned:          telemetry.MetricRecordsSpawned,
		KindDespawned:        telemetry.MetricRecordsDespawned,
		KindComponentAdded:   telemetry.MetricRecordsAdded,
		KindComponentChanged: telemetry.MetricRecordsChanged,
		KindComponentRemoved: telemetry.MetricRecordsRemoved,
	}
	for kind, key := range keys {
		if counts[kind] > 0 {
			t.metrics.Add(key, counts[kind])
		}
	}
	if serializeErrors > 0 {
		t.metrics.Add(telemetry.MetricSerializeErrors, uint64(serializeErrors))
	}
}

func retain(desc registry.Descriptor, value any) any {
	if desc.Clone == nil {
		return value
	}
	return desc.Clone(value)
}
