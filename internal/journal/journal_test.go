package journal

import (
	"errors"
	"testing"
	"time"

	"mine-and-die/replication/internal/changes"
	"mine-and-die/replication/internal/registry"
	"mine-and-die/replication/internal/telemetry"
	"mine-and-die/replication/internal/tick"
	"mine-and-die/replication/internal/world"
)

const (
	tagPos    registry.Tag = 1
	tagHealth registry.Tag = 2
	tagOwner  registry.Tag = 3
)

func newTestRegistry() *registry.Registry {
	reg := registry.New()
	reg.MustRegister(registry.Component(tagPos, "pos", registry.JSON[int]()))
	reg.MustRegister(registry.Component(tagHealth, "health", registry.JSON[int]()))
	reg.MustRegister(registry.Component(tagOwner, "owner", registry.JSON[string](), registry.WithReliable[string]()))
	reg.Freeze()
	return reg
}

func newTestJournal(cfg Config) *Journal {
	return New(newTestRegistry(), cfg)
}

func spawn(id world.EntityID) changes.Record {
	return changes.Record{Entity: id, Kind: changes.KindSpawned}
}

func despawn(id world.EntityID) changes.Record {
	return changes.Record{Entity: id, Kind: changes.KindDespawned}
}

func add(id world.EntityID, tag registry.Tag, v int) changes.Record {
	return changes.Record{Entity: id, Kind: changes.KindComponentAdded, Tag: tag, Value: v}
}

func change(id world.EntityID, tag registry.Tag, v int) changes.Record {
	return changes.Record{Entity: id, Kind: changes.KindComponentChanged, Tag: tag, Value: v}
}

func remove(id world.EntityID, tag registry.Tag) changes.Record {
	return changes.Record{Entity: id, Kind: changes.KindComponentRemoved, Tag: tag}
}

func mustAppend(t *testing.T, j *Journal, at tick.Tick, records ...changes.Record) {
	t.Helper()
	if err := j.Append(at, records); err != nil {
		t.Fatalf("append %d: %v", at, err)
	}
}

func connectSynced(t *testing.T, j *Journal, client string) {
	t.Helper()
	if err := j.Connect(client); err != nil {
		t.Fatalf("connect: %v", err)
	}
	p, err := j.Pending(client)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if p.Snapshot == nil {
		t.Fatalf("expected snapshot for new client")
	}
	if err := j.Commit(client, Delivery{Tick: p.Tick, Snapshot: true, Reason: p.Reason}); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func commitPending(t *testing.T, j *Journal, client string) Pending {
	t.Helper()
	p, err := j.Pending(client)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	d := Delivery{Tick: p.Tick, Snapshot: p.Snapshot != nil, Structural: len(p.Structural) > 0, Reason: p.Reason}
	if err := j.Commit(client, d); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return p
}

func describe(records []changes.Record) []string {
	out := make([]string, len(records))
	for i, rec := range records {
		out[i] = rec.String()
	}
	return out
}

func TestJournalAppendRejectsTickRegression(t *testing.T) {
	j := newTestJournal(DefaultConfig())
	mustAppend(t, j, 2)
	if err := j.Append(2, nil); !errors.Is(err, ErrTickRegression) {
		t.Fatalf("expected tick regression, got %v", err)
	}
	if j.Current() != 2 {
		t.Fatalf("expected current tick 2, got %d", j.Current())
	}
}

func TestJournalCollapseRules(t *testing.T) {
	j := newTestJournal(Config{})
	if err := j.Connect("c"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	// Entities 1..4 exist at tick 1.
	mustAppend(t, j, 1,
		spawn(1), add(1, tagPos, 1),
		spawn(2), add(2, tagPos, 1), add(2, tagHealth, 10),
		spawn(3), add(3, tagPos, 1),
	)
	mustAppend(t, j, 2,
		change(2, tagPos, 2), remove(2, tagHealth),
		spawn(5), add(5, tagPos, 7),
		spawn(6),
		despawn(3),
	)
	mustAppend(t, j, 3,
		change(2, tagPos, 3), add(2, tagHealth, 4), remove(2, tagHealth),
		change(5, tagPos, 8),
		despawn(6),
	)

	got, err := j.DeltasSince("c", 1)
	if err != nil {
		t.Fatalf("deltas: %v", err)
	}
	want := []changes.Record{
		{Tick: 3, Entity: 2, Kind: changes.KindComponentChanged, Tag: tagPos, Value: 3},
		{Tick: 3, Entity: 2, Kind: changes.KindComponentRemoved, Tag: tagHealth},
		{Tick: 2, Entity: 5, Kind: changes.KindSpawned},
		{Tick: 3, Entity: 5, Kind: changes.KindComponentAdded, Tag: tagPos, Value: 8},
		{Tick: 2, Entity: 3, Kind: changes.KindDespawned},
	}
	if len(got) != len(want) {
		t.Fatalf("unexpected collapse: %v", describe(got))
	}
	for i := range want {
		if got[i].String() != want[i].String() || got[i].Value != want[i].Value {
			t.Fatalf("record %d: want %s value %v, got %s value %v", i, want[i], want[i].Value, got[i], got[i].Value)
		}
	}
}

func TestJournalCollapseReAddedComponentIsChange(t *testing.T) {
	j := newTestJournal(Config{})
	_ = j.Connect("c")
	mustAppend(t, j, 1, spawn(1), add(1, tagHealth, 1))
	mustAppend(t, j, 2, remove(1, tagHealth))
	mustAppend(t, j, 3, add(1, tagHealth, 9))

	got, err := j.DeltasSince("c", 1)
	if err != nil {
		t.Fatalf("deltas: %v", err)
	}
	if len(got) != 1 || got[0].Kind != changes.KindComponentChanged || got[0].Value != 9 {
		t.Fatalf("expected a single change to 9, got %v", describe(got))
	}
}

func TestJournalNewClientGetsSnapshot(t *testing.T) {
	j := newTestJournal(DefaultConfig())
	mustAppend(t, j, 1, spawn(1), add(1, tagPos, 1), add(1, tagOwner, 0))
	mustAppend(t, j, 2, spawn(2), change(1, tagPos, 2))
	if err := j.Connect("late"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := j.Connect("late"); !errors.Is(err, ErrClientExists) {
		t.Fatalf("expected duplicate connect error, got %v", err)
	}

	p, err := j.Pending("late")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if p.Snapshot == nil || p.Reason != ReasonConnect {
		t.Fatalf("expected connect snapshot, got %+v", p)
	}
	if p.Snapshot.Tick != 2 || p.Snapshot.Entities != 2 || p.Snapshot.Components != 2 {
		t.Fatalf("unexpected snapshot shape: tick=%d entities=%d components=%d", p.Snapshot.Tick, p.Snapshot.Entities, p.Snapshot.Components)
	}
	kinds := []changes.Kind{changes.KindSpawned, changes.KindComponentAdded, changes.KindComponentAdded, changes.KindSpawned}
	for i, rec := range p.Snapshot.Records {
		if rec.Kind != kinds[i] {
			t.Fatalf("snapshot record %d: want %s, got %s", i, kinds[i], rec.Kind)
		}
	}
	if p.Snapshot.Records[1].Value != 2 {
		t.Fatalf("snapshot must carry the latest value, got %v", p.Snapshot.Records[1].Value)
	}

	if err := j.Commit("late", Delivery{Tick: 2, Snapshot: true, Reason: p.Reason}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	p, _ = j.Pending("late")
	if !p.Empty() {
		t.Fatalf("expected nothing pending after snapshot, got %+v", p)
	}
	size, oldest, newest := j.KeyframeWindow()
	if size != 1 || oldest != 1 || newest != 1 {
		t.Fatalf("unexpected keyframe window: %d %d %d", size, oldest, newest)
	}
}

func TestJournalPendingSplitsStructuralAndValues(t *testing.T) {
	j := newTestJournal(DefaultConfig())
	mustAppend(t, j, 1, spawn(1), add(1, tagPos, 1), add(1, tagOwner, 0))
	connectSynced(t, j, "c")

	mustAppend(t, j, 2, change(1, tagPos, 2))
	p := commitPending(t, j, "c")
	if len(p.Structural) != 0 {
		t.Fatalf("value-only tick must not produce structural records: %v", describe(p.Structural))
	}
	if !p.HasValues || p.ValuesRange != (tick.Range{From: 1, To: 2}) || p.RequiresStructural != 1 {
		t.Fatalf("unexpected values plan: %+v", p)
	}

	mustAppend(t, j, 3, spawn(2), add(2, tagPos, 5), change(1, tagOwner, 4))
	p = commitPending(t, j, "c")
	if p.StructuralRange != (tick.Range{From: 1, To: 3}) {
		t.Fatalf("unexpected structural range %s", p.StructuralRange)
	}
	if len(p.Structural) != 3 {
		t.Fatalf("expected spawn, add and reliable change, got %v", describe(p.Structural))
	}
	if p.Structural[2].Kind != changes.KindComponentChanged || p.Structural[2].Tag != tagOwner {
		t.Fatalf("reliable-pinned change must ride the structural channel, got %s", p.Structural[2])
	}
	if p.RequiresStructural != 3 {
		t.Fatalf("values must require the structural message just sent, got %d", p.RequiresStructural)
	}
	if p.ValuesRange != (tick.Range{From: 1, To: 3}) {
		t.Fatalf("values range must start at the unacknowledged baseline, got %s", p.ValuesRange)
	}

	state, _ := j.Client("c")
	if state.LastStructural != 3 {
		t.Fatalf("expected last structural 3, got %d", state.LastStructural)
	}
}

func TestJournalAcknowledge(t *testing.T) {
	j := newTestJournal(DefaultConfig())
	metrics := telemetry.NewCounters()
	j.AttachTelemetry(metrics)
	mustAppend(t, j, 1)
	mustAppend(t, j, 2)
	mustAppend(t, j, 3)
	connectSynced(t, j, "c")

	res, err := j.Acknowledge("c", 2)
	if err != nil || !res.Advanced {
		t.Fatalf("expected ack to advance: %+v %v", res, err)
	}
	res, _ = j.Acknowledge("c", 1)
	if !res.Regressed || res.Advanced {
		t.Fatalf("expected regression to be ignored: %+v", res)
	}
	res, _ = j.Acknowledge("c", 99)
	if !res.Clamped || res.Ack != 3 {
		t.Fatalf("expected ack to clamp to current tick: %+v", res)
	}
	state, _ := j.Client("c")
	if state.Acked != 3 {
		t.Fatalf("expected acked 3, got %d", state.Acked)
	}
	if _, err := j.Acknowledge("ghost", 1); !errors.Is(err, ErrUnknownClient) {
		t.Fatalf("expected unknown client, got %v", err)
	}
	if metrics.Value(telemetry.MetricAckRegressions) != 1 {
		t.Fatalf("expected one regression metric")
	}
}

func TestJournalPruneKeepsRecordsNeededBySlowestClient(t *testing.T) {
	j := newTestJournal(Config{})
	mustAppend(t, j, 1, spawn(1), add(1, tagPos, 1))
	connectSynced(t, j, "fast")
	connectSynced(t, j, "slow")

	for at := tick.Tick(2); at <= 10; at++ {
		mustAppend(t, j, at, change(1, tagPos, int(at)))
		commitPending(t, j, "fast")
		commitPending(t, j, "slow")
		if _, err := j.Acknowledge("fast", at); err != nil {
			t.Fatalf("ack: %v", err)
		}
		if at == 4 {
			_, _ = j.Acknowledge("slow", at)
		}
		j.Prune()
	}

	if got := j.PrunedThrough(); got != 4 {
		t.Fatalf("expected pruning to stop at the slow client's ack, got %d", got)
	}
	deltas, err := j.DeltasSince("slow", 4)
	if err != nil {
		t.Fatalf("slow client must still be served: %v", err)
	}
	if len(deltas) != 1 || deltas[0].Value != 10 {
		t.Fatalf("unexpected deltas for slow client: %v", describe(deltas))
	}

	j.Disconnect("slow")
	j.Prune()
	if j.Len() != 0 {
		t.Fatalf("expected everything acknowledged by the remaining client to be pruned, got %d", j.Len())
	}
}

func TestJournalRetentionWindowForcesSnapshot(t *testing.T) {
	cfg := Config{RetentionTicks: 4, KeyframeCapacity: 4, MaxResyncsPerWindow: 2, ResyncWindowTicks: 100}
	j := newTestJournal(cfg)
	mustAppend(t, j, 1, spawn(1), add(1, tagPos, 1))
	connectSynced(t, j, "c")

	// The client never acknowledges and nothing is sent while it is away.
	for at := tick.Tick(2); at <= 8; at++ {
		mustAppend(t, j, at, change(1, tagPos, int(at)))
		j.Prune()
	}
	if _, err := j.DeltasSince("c", 1); !errors.Is(err, ErrOutOfSync) {
		t.Fatalf("expected out of sync error, got %v", err)
	}
	p, _ := j.Pending("c")
	if p.Snapshot == nil || p.Reason != ReasonOutOfSync {
		t.Fatalf("expected out-of-sync snapshot, got %+v", p)
	}
	commitPending(t, j, "c")
	state, _ := j.Client("c")
	if state.SnapshotTick != 8 || state.OutOfSync != 1 || state.Baseline() != 8 {
		t.Fatalf("unexpected client state after resync: %+v", state)
	}
	if escalations := j.ConsumeEscalations(); len(escalations) != 0 {
		t.Fatalf("one resync must not escalate: %+v", escalations)
	}

	if err := j.RequestSnapshot("c"); err != nil {
		t.Fatalf("request snapshot: %v", err)
	}
	mustAppend(t, j, 9)
	p = commitPending(t, j, "c")
	if p.Reason != ReasonRequested {
		t.Fatalf("expected requested snapshot, got %q", p.Reason)
	}
	escalations := j.ConsumeEscalations()
	if len(escalations) != 1 || escalations[0].Client != "c" || escalations[0].Signal.Resyncs != 2 {
		t.Fatalf("expected escalation after two resyncs: %+v", escalations)
	}
	if escalations[0].Signal.Summary() == "" {
		t.Fatalf("expected escalation summary")
	}
	if again := j.ConsumeEscalations(); len(again) != 0 {
		t.Fatalf("escalations must be consumed once")
	}
}

func TestJournalIdleClientIsNotOutOfSync(t *testing.T) {
	j := newTestJournal(Config{RetentionTicks: 2})
	mustAppend(t, j, 1, spawn(1), add(1, tagPos, 1))
	connectSynced(t, j, "c")
	for at := tick.Tick(2); at <= 20; at++ {
		mustAppend(t, j, at)
		if p := commitPending(t, j, "c"); !p.Empty() {
			t.Fatalf("idle tick %d must not produce work: %+v", at, p)
		}
		j.Prune()
	}
	mustAppend(t, j, 21, change(1, tagPos, 2))
	p, err := j.Pending("c")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if p.Snapshot != nil {
		t.Fatalf("idle client must not be resynced")
	}
	if p.ValuesRange != (tick.Range{From: 1, To: 21}) {
		t.Fatalf("unexpected values range %s", p.ValuesRange)
	}
}

func TestJournalStaleAckAfterPruneIsHarmless(t *testing.T) {
	j := newTestJournal(Config{})
	mustAppend(t, j, 1, spawn(1), add(1, tagPos, 1))
	connectSynced(t, j, "c")
	for at := tick.Tick(2); at <= 100; at++ {
		mustAppend(t, j, at, change(1, tagPos, int(at)))
		commitPending(t, j, "c")
	}
	if _, err := j.Acknowledge("c", 100); err != nil {
		t.Fatalf("ack: %v", err)
	}
	j.Prune()
	res, _ := j.Acknowledge("c", 50)
	if !res.Regressed {
		t.Fatalf("expected stale ack to be ignored")
	}
	p, _ := j.Pending("c")
	if p.Snapshot != nil || !p.Empty() {
		t.Fatalf("stale ack must not force a resync: %+v", p)
	}
}

func TestJournalRecordKeyframeEvictsByCount(t *testing.T) {
	j := newTestJournal(Config{KeyframeCapacity: 2, KeyframeMaxAge: time.Hour})
	for i := 1; i <= 3; i++ {
		j.RecordKeyframe(Keyframe{Tick: tick.Tick(i)})
	}
	frames := j.Keyframes()
	if len(frames) != 2 || frames[0].Sequence != 2 || frames[1].Sequence != 3 {
		t.Fatalf("unexpected keyframe ring: %+v", frames)
	}
	if _, ok := j.KeyframeBySequence(1); ok {
		t.Fatalf("evicted keyframe must not be found")
	}
	frame, ok := j.KeyframeBySequence(3)
	if !ok || frame.Tick != 3 {
		t.Fatalf("expected keyframe 3, got %+v", frame)
	}
}

func TestJournalRecordKeyframeEvictsByAge(t *testing.T) {
	j := newTestJournal(Config{KeyframeCapacity: 8, KeyframeMaxAge: time.Second})
	base := time.Unix(100, 0)
	j.RecordKeyframe(Keyframe{Tick: 1, RecordedAt: base})
	result := j.RecordKeyframe(Keyframe{Tick: 2, RecordedAt: base.Add(5 * time.Second)})
	if result.Size != 1 || len(result.Evicted) != 1 || result.Evicted[0].Reason != "expired" {
		t.Fatalf("expected age eviction, got %+v", result)
	}
}
