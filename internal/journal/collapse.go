package journal

import (
	"sort"

	"mine-and-die/replication/internal/changes"
	"mine-and-die/replication/internal/registry"
	"mine-and-die/replication/internal/world"
)

type componentWindow struct {
	atBaseline bool
	present    bool
	latest     changes.Record
}

type entityWindow struct {
	existed    bool
	alive      bool
	spawn      changes.Record
	despawn    changes.Record
	components map[registry.Tag]*componentWindow
}

// collapse folds an ordered run of records into at most one record per
// entity/component. Whether an entity or component existed before the run is
// inferred from its first record: a run can only open with Spawned or Added
// for something that did not exist yet.
func collapse(records []changes.Record) []changes.Record {
	if len(records) == 0 {
		return nil
	}
	entities := make(map[world.EntityID]*entityWindow)
	for _, rec := range records {
		ew, ok := entities[rec.Entity]
		if !ok {
			existed := rec.Kind != changes.KindSpawned
			ew = &entityWindow{existed: existed, alive: existed, components: make(map[registry.Tag]*componentWindow)}
			entities[rec.Entity] = ew
		}
		switch rec.Kind {
		case changes.KindSpawned:
			ew.alive = true
			ew.spawn = rec
		case changes.KindDespawned:
			ew.alive = false
			ew.despawn = rec
		default:
			cw, ok := ew.components[rec.Tag]
			if !ok {
				atBaseline := ew.existed && rec.Kind != changes.KindComponentAdded
				cw = &componentWindow{atBaseline: atBaseline, present: atBaseline}
				ew.components[rec.Tag] = cw
			}
			switch rec.Kind {
			case changes.KindComponentAdded, changes.KindComponentChanged:
				cw.present = true
				cw.latest = rec
			case changes.KindComponentRemoved:
				cw.present = false
				cw.latest = rec
			}
		}
	}

	ids := make([]world.EntityID, 0, len(entities))
	for id := range entities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })

	var out, despawns []changes.Record
	for _, id := range ids {
		ew := entities[id]
		switch {
		case !ew.existed && !ew.alive:
			continue
		case ew.existed && !ew.alive:
			despawns = append(despawns, ew.despawn)
			continue
		case !ew.existed:
			out = append(out, ew.spawn)
		}

		tags := make([]registry.Tag, 0, len(ew.components))
		for tag := range ew.components {
			tags = append(tags, tag)
		}
		sort.Slice(tags, func(a, b int) bool { return tags[a] < tags[b] })

		var adds, changed, removes []changes.Record
		for _, tag := range tags {
			cw := ew.components[tag]
			switch {
			case cw.atBaseline && cw.present:
				rec := cw.latest
				rec.Kind = changes.KindComponentChanged
				changed = append(changed, rec)
			case cw.atBaseline && !cw.present:
				rec := cw.latest
				rec.Kind = changes.KindComponentRemoved
				rec.Value = nil
				rec.Payload = nil
				removes = append(removes, rec)
			case !cw.atBaseline && cw.present:
				rec := cw.latest
				rec.Kind = changes.KindComponentAdded
				adds = append(adds, rec)
			}
		}
		out = append(out, adds...)
		out = append(out, changed...)
		out = append(out, removes...)
	}
	return append(out, despawns...)
}
