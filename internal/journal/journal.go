// Package journal keeps the shared, append-only history of change records and
// the per-client cursors into it. It answers "what does this client still
// need" and prunes history every client has moved past.
package journal

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"mine-and-die/replication/internal/changes"
	"mine-and-die/replication/internal/registry"
	"mine-and-die/replication/internal/telemetry"
	"mine-and-die/replication/internal/tick"
	"mine-and-die/replication/internal/world"
)

var (
	// ErrOutOfSync reports that history a client still needs has been pruned.
	ErrOutOfSync = errors.New("journal: client out of sync")
	// ErrUnknownClient reports an operation on a client that is not connected.
	ErrUnknownClient = errors.New("journal: unknown client")
	// ErrClientExists reports a duplicate Connect.
	ErrClientExists = errors.New("journal: client already connected")
	// ErrTickRegression reports an Append for a tick that is not newer than the
	// current one.
	ErrTickRegression = errors.New("journal: tick regression")
)

// Snapshot reasons.
const (
	ReasonConnect   = "connect"
	ReasonOutOfSync = "out_of_sync"
	ReasonRequested = "requested"
)

// Config tunes retention and escalation.
type Config struct {
	// RetentionTicks bounds how far back history is kept regardless of acks.
	// Zero keeps history until every client has acknowledged it.
	RetentionTicks uint64
	// KeyframeCapacity and KeyframeMaxAge bound the diagnostic keyframe ring.
	KeyframeCapacity int
	KeyframeMaxAge   time.Duration
	// MaxResyncsPerWindow resyncs within ResyncWindowTicks raise an
	// escalation. Zero disables escalation.
	MaxResyncsPerWindow int
	ResyncWindowTicks   uint64
}

// DefaultConfig returns the stock retention settings.
func DefaultConfig() Config {
	return Config{
		RetentionTicks:      128,
		KeyframeCapacity:    8,
		KeyframeMaxAge:      30 * time.Second,
		MaxResyncsPerWindow: 3,
		ResyncWindowTicks:   600,
	}
}

// ClientState is the per-client cursor set. The zero value is not useful;
// clients are created by Connect.
type ClientState struct {
	ID             string
	Acked          tick.Tick
	SnapshotTick   tick.Tick
	LastStructural tick.Tick
	NeedsSnapshot  bool
	SnapshotReason string
	Snapshots      uint64
	OutOfSync      uint64

	// reliableCovered is the newest tick through which every reliable record
	// has been handed to the client. It can run ahead of LastStructural when
	// ticks carry no reliable records.
	reliableCovered tick.Tick
	policy          *Policy
}

// Baseline is the newest tick the client is known to hold: the later of
// its acknowledgement and the snapshot it was sent.
func (c ClientState) Baseline() tick.Tick {
	return tick.Max(c.Acked, c.SnapshotTick)
}

type liveEntity struct {
	spawned    tick.Tick
	components map[registry.Tag]changes.Record
}

// Journal is the server-side baseline history.
type Journal struct {
	mu       sync.RWMutex
	cfg      Config
	registry *registry.Registry

	records               []changes.Record
	current               tick.Tick
	prunedThrough         tick.Tick
	prunedReliableThrough tick.Tick

	live    map[world.EntityID]*liveEntity
	clients map[string]*ClientState

	snapshot atomic.Pointer[Snapshot]

	keyframes   []Keyframe
	keyframeSeq uint64

	metrics telemetry.Metrics
}

// New constructs a journal for the registered component set.
func New(reg *registry.Registry, cfg Config) *Journal {
	if cfg.KeyframeCapacity < 0 {
		cfg.KeyframeCapacity = 0
	}
	if cfg.KeyframeMaxAge < 0 {
		cfg.KeyframeMaxAge = 0
	}
	return &Journal{
		cfg:       cfg,
		registry:  reg,
		records:   make([]changes.Record, 0),
		live:      make(map[world.EntityID]*liveEntity),
		clients:   make(map[string]*ClientState),
		keyframes: make([]Keyframe, 0, cfg.KeyframeCapacity),
	}
}

// AttachTelemetry wires a metrics sink for journal gauges and counters.
func (j *Journal) AttachTelemetry(m telemetry.Metrics) {
	j.mu.Lock()
	j.metrics = m
	j.mu.Unlock()
}

// Current reports the newest appended tick.
func (j *Journal) Current() tick.Tick {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.current
}

// PrunedThrough reports the highest tick whose records have been discarded.
func (j *Journal) PrunedThrough() tick.Tick {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.prunedThrough
}

// Len reports the number of retained records.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.records)
}

// Append records the changes observed at t and advances the current tick.
// Records are stamped with t.
func (j *Journal) Append(t tick.Tick, records []changes.Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if t <= j.current {
		return fmt.Errorf("%w: append %d at current %d", ErrTickRegression, t, j.current)
	}
	for _, rec := range records {
		rec.Tick = t
		j.records = append(j.records, rec)
		j.applyLiveLocked(rec)
	}
	j.current = t
	j.snapshot.Store(nil)
	j.storeLocked(telemetry.MetricJournalRecords, uint64(len(j.records)))
	return nil
}

func (j *Journal) applyLiveLocked(rec changes.Record) {
	switch rec.Kind {
	case changes.KindSpawned:
		j.live[rec.Entity] = &liveEntity{spawned: rec.Tick, components: make(map[registry.Tag]changes.Record)}
	case changes.KindDespawned:
		delete(j.live, rec.Entity)
	case changes.KindComponentAdded, changes.KindComponentChanged:
		if entity, ok := j.live[rec.Entity]; ok {
			entity.components[rec.Tag] = rec
		}
	case changes.KindComponentRemoved:
		if entity, ok := j.live[rec.Entity]; ok {
			delete(entity.components, rec.Tag)
		}
	}
}

// Connect registers a client. The client needs a full snapshot before it
// receives deltas.
func (j *Journal) Connect(client string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.clients[client]; ok {
		return fmt.Errorf("%w: %s", ErrClientExists, client)
	}
	j.clients[client] = &ClientState{
		ID:             client,
		NeedsSnapshot:  true,
		SnapshotReason: ReasonConnect,
		policy:         NewPolicy(j.cfg.MaxResyncsPerWindow, j.cfg.ResyncWindowTicks),
	}
	j.storeLocked(telemetry.MetricJournalClients, uint64(len(j.clients)))
	return nil
}

// Disconnect discards the client's state immediately.
func (j *Journal) Disconnect(client string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.clients, client)
	j.storeLocked(telemetry.MetricJournalClients, uint64(len(j.clients)))
}

// Client returns a copy of the client's cursors.
func (j *Journal) Client(client string) (ClientState, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	state, ok := j.clients[client]
	if !ok {
		return ClientState{}, false
	}
	out := *state
	out.policy = nil
	return out, true
}

// Clients lists connected client ids in sorted order.
func (j *Journal) Clients() []string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	ids := make([]string, 0, len(j.clients))
	for id := range j.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AckResult describes how an acknowledgement changed the client's baseline.
type AckResult struct {
	Previous tick.Tick
	Ack      tick.Tick
	Advanced bool
	// Regressed is set when the ack was older than the recorded one and was
	// ignored.
	Regressed bool
	// Clamped is set when the ack claimed a tick newer than the current one.
	Clamped bool
}

// Acknowledge advances the client's acknowledged tick. Older acks are
// ignored; acks beyond the current tick are clamped.
func (j *Journal) Acknowledge(client string, ack tick.Tick) (AckResult, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	state, ok := j.clients[client]
	if !ok {
		return AckResult{}, fmt.Errorf("%w: %s", ErrUnknownClient, client)
	}
	result := AckResult{Previous: state.Acked, Ack: ack}
	if ack > j.current {
		result.Clamped = true
		ack = j.current
		result.Ack = ack
	}
	switch {
	case ack > state.Acked:
		state.Acked = ack
		result.Advanced = true
	case ack < state.Acked:
		result.Regressed = true
		j.addLocked(telemetry.MetricAckRegressions, 1)
	}
	j.addLocked(telemetry.MetricAcksReceived, 1)
	return result, nil
}

// RequestSnapshot flags the client for a full snapshot on the next encode.
func (j *Journal) RequestSnapshot(client string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	state, ok := j.clients[client]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClient, client)
	}
	if !state.NeedsSnapshot {
		state.NeedsSnapshot = true
		state.SnapshotReason = ReasonRequested
	}
	return nil
}

// reliableLocked reports whether rec travels on the reliable channel.
func (j *Journal) reliableLocked(rec changes.Record) bool {
	if rec.Kind.Structural() {
		return true
	}
	return rec.Kind == changes.KindComponentChanged && j.registry.ChannelOf(rec.Tag) == registry.ChannelReliable
}

// after returns the index of the first record with tick > t.
func (j *Journal) after(t tick.Tick) int {
	return sort.Search(len(j.records), func(i int) bool { return j.records[i].Tick > t })
}

// DeltasSince returns the collapsed changes in (baseline, current] for the
// client. Each entity/component appears at most once with its latest value.
func (j *Journal) DeltasSince(client string, baseline tick.Tick) ([]changes.Record, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if _, ok := j.clients[client]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClient, client)
	}
	if baseline < j.prunedThrough {
		return nil, fmt.Errorf("%w: baseline %d predates pruned history %d", ErrOutOfSync, baseline, j.prunedThrough)
	}
	return collapse(j.records[j.after(baseline):]), nil
}

// StructuralSince returns the uncollapsed reliable-channel records with tick >
// after: structural records plus changes of reliable-pinned components.
func (j *Journal) StructuralSince(after tick.Tick) ([]changes.Record, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.structuralSinceLocked(after)
}

func (j *Journal) structuralSinceLocked(after tick.Tick) ([]changes.Record, error) {
	if after < j.prunedReliableThrough {
		return nil, fmt.Errorf("%w: structural cursor %d predates pruned history %d", ErrOutOfSync, after, j.prunedReliableThrough)
	}
	var out []changes.Record
	for _, rec := range j.records[j.after(after):] {
		if j.reliableLocked(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Snapshot is the full live state at a tick, expressed as spawns followed by
// component adds.
type Snapshot struct {
	Tick       tick.Tick
	Records    []changes.Record
	Entities   int
	Components int
}

// Snapshot builds the full state of every live entity at the current tick.
func (j *Journal) Snapshot() Snapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return *j.snapshotLocked()
}

func (j *Journal) snapshotLocked() *Snapshot {
	if cached := j.snapshot.Load(); cached != nil && cached.Tick == j.current {
		return cached
	}
	ids := make([]world.EntityID, 0, len(j.live))
	for id := range j.live {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })

	snap := &Snapshot{Tick: j.current, Entities: len(ids)}
	for _, id := range ids {
		entity := j.live[id]
		snap.Records = append(snap.Records, changes.Record{Tick: entity.spawned, Entity: id, Kind: changes.KindSpawned})
		tags := make([]registry.Tag, 0, len(entity.components))
		for tag := range entity.components {
			tags = append(tags, tag)
		}
		sort.Slice(tags, func(a, b int) bool { return tags[a] < tags[b] })
		for _, tag := range tags {
			rec := entity.components[tag]
			rec.Kind = changes.KindComponentAdded
			snap.Records = append(snap.Records, rec)
		}
		snap.Components += len(tags)
	}
	j.snapshot.Store(snap)
	return snap
}

// Pending describes everything the client needs at the current tick.
type Pending struct {
	Client string
	Tick   tick.Tick

	// Snapshot is set when the client must be resent the full state; the
	// remaining fields are then empty.
	Snapshot *Snapshot
	Reason   string

	Structural      []changes.Record
	StructuralRange tick.Range

	Deltas             []changes.Record
	ValuesRange        tick.Range
	RequiresStructural tick.Tick
	// HasValues is set when records exist after the client's baseline, even if
	// none of them are value changes.
	HasValues bool
}

// Empty reports whether nothing needs to be sent.
func (p Pending) Empty() bool {
	return p.Snapshot == nil && len(p.Structural) == 0 && !p.HasValues
}

// Pending computes the work for client at the current tick. It only reads
// journal state and is safe to call for many clients concurrently; Commit
// records what was actually sent.
func (j *Journal) Pending(client string) (Pending, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	state, ok := j.clients[client]
	if !ok {
		return Pending{}, fmt.Errorf("%w: %s", ErrUnknownClient, client)
	}
	p := Pending{Client: client, Tick: j.current}
	if j.current == 0 {
		return p, nil
	}

	baseline := state.Baseline()
	reason := ""
	switch {
	case state.NeedsSnapshot:
		reason = state.SnapshotReason
	case baseline < j.prunedThrough, state.LastStructural < j.prunedReliableThrough:
		reason = ReasonOutOfSync
	}
	if reason != "" {
		p.Snapshot = j.snapshotLocked()
		p.Reason = reason
		return p, nil
	}

	structural, err := j.structuralSinceLocked(state.LastStructural)
	if err != nil {
		return Pending{}, err
	}
	p.RequiresStructural = state.LastStructural
	if len(structural) > 0 {
		p.Structural = structural
		p.StructuralRange = tick.Range{From: state.LastStructural, To: j.current}
		p.RequiresStructural = j.current
	}

	idx := j.after(baseline)
	if idx < len(j.records) {
		p.HasValues = true
		p.Deltas = collapse(j.records[idx:])
		p.ValuesRange = tick.Range{From: baseline, To: j.current}
	}
	return p, nil
}

// Delivery reports what the encoder handed to the transport for a client.
type Delivery struct {
	Tick       tick.Tick
	Snapshot   bool
	Structural bool
	Reason     string
}

// Commit advances the client's send cursors after a successful encode.
func (j *Journal) Commit(client string, d Delivery) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	state, ok := j.clients[client]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClient, client)
	}
	state.policy.NoteEvent()
	if d.Snapshot {
		state.SnapshotTick = d.Tick
		state.LastStructural = d.Tick
		state.reliableCovered = d.Tick
		state.NeedsSnapshot = false
		state.SnapshotReason = ""
		state.Snapshots++
		j.addLocked(telemetry.MetricSnapshotsSent, 1)
		if d.Reason == ReasonOutOfSync {
			state.OutOfSync++
			j.addLocked(telemetry.MetricOutOfSync, 1)
		}
		if d.Reason != ReasonConnect {
			state.policy.NoteResync(d.Tick, d.Reason)
		}
		snap := j.snapshotLocked()
		j.recordKeyframeLocked(Keyframe{
			Tick:       d.Tick,
			Client:     client,
			Reason:     d.Reason,
			Entities:   snap.Entities,
			Components: snap.Components,
		})
		return nil
	}
	if d.Structural {
		state.LastStructural = d.Tick
	}
	state.reliableCovered = tick.Max(state.reliableCovered, d.Tick)
	return nil
}

// Prune drops records every client has moved past, plus records older than
// the retention window. It returns the number of records dropped.
func (j *Journal) Prune() int {
	j.mu.Lock()
	defer j.mu.Unlock()

	bound := j.current
	for _, state := range j.clients {
		if state.NeedsSnapshot {
			continue
		}
		bound = tick.Min(bound, tick.Min(state.Baseline(), state.reliableCovered))
	}
	if j.cfg.RetentionTicks > 0 && uint64(j.current) > j.cfg.RetentionTicks {
		bound = tick.Max(bound, j.current-tick.Tick(j.cfg.RetentionTicks))
	}

	idx := j.after(bound)
	if idx == 0 {
		return 0
	}
	for _, rec := range j.records[:idx] {
		j.prunedThrough = tick.Max(j.prunedThrough, rec.Tick)
		if j.reliableLocked(rec) {
			j.prunedReliableThrough = tick.Max(j.prunedReliableThrough, rec.Tick)
		}
	}
	remaining := copy(j.records, j.records[idx:])
	for i := remaining; i < len(j.records); i++ {
		j.records[i] = changes.Record{}
	}
	j.records = j.records[:remaining]
	j.storeLocked(telemetry.MetricJournalRecords, uint64(len(j.records)))
	j.storeLocked(telemetry.MetricJournalPrunedThrough, uint64(j.prunedThrough))
	return idx
}

// Escalation is raised when a client keeps falling out of sync.
type Escalation struct {
	Client string
	Signal ResyncSignal
}

// ConsumeEscalations returns and clears pending escalation signals in client
// id order.
func (j *Journal) ConsumeEscalations() []Escalation {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []Escalation
	for id, state := range j.clients {
		if signal, ok := state.policy.Consume(); ok {
			out = append(out, Escalation{Client: id, Signal: signal})
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Client < out[b].Client })
	if len(out) > 0 {
		j.addLocked(telemetry.MetricEscalations, uint64(len(out)))
	}
	return out
}

func (j *Journal) addLocked(key string, delta uint64) {
	if j.metrics != nil {
		j.metrics.Add(key, delta)
	}
}

func (j *Journal) storeLocked(key string, value uint64) {
	if j.metrics != nil {
		j.metrics.Store(key, value)
	}
}
