// Package reconcile applies replication frames to the client's world. It owns
// the server-to-local entity map, the reorder buffer and the sync state
// machine, and reports which tick the client can acknowledge.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"mine-and-die/replication/internal/changes"
	"mine-and-die/replication/internal/journal"
	"mine-and-die/replication/internal/registry"
	"mine-and-die/replication/internal/telemetry"
	"mine-and-die/replication/internal/tick"
	"mine-and-die/replication/internal/wire"
	"mine-and-die/replication/internal/world"
	"mine-and-die/replication/logging"
	replicationlog "mine-and-die/replication/logging/replication"
)

var (
	// ErrUnknownEntity reports a record for a server id with no local
	// mapping. The record is skipped; the message still applies.
	ErrUnknownEntity = errors.New("reconcile: unknown entity")
	// ErrMalformedComponent reports a payload that failed to deserialize. The
	// whole message is rejected before any mutation.
	ErrMalformedComponent = errors.New("reconcile: malformed component")
	// ErrReorderWindowExceeded reports a structural gap wider than the
	// reorder window. The client falls back to a full resync.
	ErrReorderWindowExceeded = errors.New("reconcile: reorder window exceeded")
	// ErrUnexpectedMessage reports a frame type the client never receives.
	ErrUnexpectedMessage = errors.New("reconcile: unexpected message")
)

// State is the client sync state.
type State uint8

const (
	// StateWaitingForBaseline discards deltas until the first snapshot.
	StateWaitingForBaseline State = iota
	// StateSynced applies deltas.
	StateSynced
	// StateResyncing discards deltas until a snapshot arrives.
	StateResyncing
)

func (s State) String() string {
	switch s {
	case StateWaitingForBaseline:
		return "waiting_for_baseline"
	case StateSynced:
		return "synced"
	case StateResyncing:
		return "resyncing"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Config tunes buffering and escalation.
type Config struct {
	// ReorderWindow bounds, in ticks, how far ahead of the applied state a
	// message may be held waiting for its predecessors.
	ReorderWindow uint64
	// MaxBuffered bounds the number of held messages plus the part slots of
	// incomplete split messages. A split message declaring more parts than
	// this is never assembled.
	MaxBuffered int
	// MaxResyncsPerWindow resyncs within ResyncWindowTicks raise an
	// escalation. Zero disables escalation.
	MaxResyncsPerWindow int
	ResyncWindowTicks   uint64
}

// DefaultConfig returns the stock buffering settings.
func DefaultConfig() Config {
	return Config{
		ReorderWindow:       32,
		MaxBuffered:         256,
		MaxResyncsPerWindow: 3,
		ResyncWindowTicks:   600,
	}
}

// Outcome classifies what happened to a frame.
type Outcome uint8

const (
	OutcomeApplied Outcome = iota + 1
	OutcomeBuffered
	OutcomeDiscarded
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeBuffered:
		return "buffered"
	case OutcomeDiscarded:
		return "discarded"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Result reports the effect of a single Apply call.
type Result struct {
	Type    wire.Type
	Range   tick.Range
	Outcome Outcome
	// Applied counts messages applied, including buffered messages the frame
	// unblocked.
	Applied int
	// Skipped counts records dropped because their entity was unknown.
	Skipped int
	// Dropped counts buffered messages the frame unblocked that were then
	// rejected as malformed. Outcome still describes the frame itself.
	Dropped int
	// Ack is the highest fully applied tick; send it when SendAck is set.
	Ack     tick.Tick
	SendAck bool
	// RequestResync asks the driver to send a resync request on the reliable
	// channel.
	RequestResync bool
}

// Option customises a Reconciler.
type Option func(*Reconciler)

// WithMetrics reports counters through m.
func WithMetrics(m telemetry.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithPublisher routes diagnostic events to pub, attributed to client.
func WithPublisher(pub logging.Publisher, client string) Option {
	return func(r *Reconciler) {
		if pub != nil {
			r.publisher = pub
		}
		r.actor = logging.ClientRef(client)
	}
}

// WithEscalation installs the hook called when resyncs keep recurring.
func WithEscalation(fn func(journal.ResyncSignal)) Option {
	return func(r *Reconciler) { r.onEscalate = fn }
}

type partKey struct {
	typ wire.Type
	rng tick.Range
}

type assembly struct {
	parts    []*wire.Message
	received int
}

// Reconciler is the client-side decoder. It is safe for concurrent use; calls
// are serialised.
type Reconciler struct {
	mu       sync.Mutex
	registry *registry.Registry
	sink     world.Sink
	cfg      Config

	entities       *EntityMap
	state          State
	structuralTick tick.Tick
	appliedTick    tick.Tick

	structural map[tick.Tick]wire.Message
	values     []wire.Message
	partial    map[partKey]*assembly

	policy     *journal.Policy
	onEscalate func(journal.ResyncSignal)
	publisher  logging.Publisher
	actor      logging.EntityRef
	metrics    telemetry.Metrics
}

// New constructs a reconciler writing into sink.
func New(reg *registry.Registry, sink world.Sink, cfg Config, opts ...Option) *Reconciler {
	if cfg.ReorderWindow == 0 {
		cfg.ReorderWindow = DefaultConfig().ReorderWindow
	}
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = DefaultConfig().MaxBuffered
	}
	r := &Reconciler{
		registry:   reg,
		sink:       sink,
		cfg:        cfg,
		entities:   NewEntityMap(),
		structural: make(map[tick.Tick]wire.Message),
		partial:    make(map[partKey]*assembly),
		policy:     journal.NewPolicy(cfg.MaxResyncsPerWindow, cfg.ResyncWindowTicks),
		publisher:  logging.NopPublisher(),
		actor:      logging.EntityRef{Kind: logging.EntityKindClient},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// State reports the sync state.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Ticks reports the newest applied structural and value ticks.
func (r *Reconciler) Ticks() (structural, applied tick.Tick) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.structuralTick, r.appliedTick
}

// Local returns the local entity mapped to a server id.
func (r *Reconciler) Local(server world.EntityID) (world.LocalID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entities.Local(server)
}

// Mapped lists every mapped server id in ascending order.
func (r *Reconciler) Mapped() []world.EntityID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entities.ServerIDs()
}

// Buffered reports the number of held messages plus the part slots reserved
// by incomplete split messages.
func (r *Reconciler) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bufferedLocked()
}

// Reset forgets the connection: mapped entities are despawned, buffers are
// dropped and the client waits for a new baseline.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.entities.ServerIDs() {
		if entry, ok := r.entities.get(id); ok {
			r.sink.Despawn(entry.local)
		}
	}
	r.entities.clear()
	r.clearBuffers()
	r.state = StateWaitingForBaseline
	r.structuralTick = 0
	r.appliedTick = 0
}

// Apply decodes and applies a single frame. Frame bytes are retained while
// the message is buffered and must not be reused by the caller.
func (r *Reconciler) Apply(frame []byte) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registry.Freeze()

	typ, err := wire.PeekType(frame)
	if err != nil {
		return Result{Outcome: OutcomeRejected}, err
	}
	if !typ.IsDelta() {
		return Result{Type: typ, Outcome: OutcomeRejected}, fmt.Errorf("%w: %s", ErrUnexpectedMessage, typ)
	}
	res := Result{Type: typ}
	msg, err := wire.DecodeMessage(frame)
	if err != nil {
		res.Outcome = OutcomeRejected
		r.add(telemetry.MetricClientMalformed, 1)
		switch {
		case typ == wire.TypeSnapshot:
			r.enterResync(&res, "snapshot_decode_failed", true)
		case typ == wire.TypeStructural && r.state == StateSynced:
			r.enterResync(&res, "structural_decode_failed", false)
		}
		return res, err
	}
	res.Range = msg.Range

	err = r.receive(msg, &res)
	if res.Applied > 0 {
		res.SendAck = true
		r.policy.NoteEvent()
		r.add(telemetry.MetricClientFramesApplied, uint64(res.Applied))
		r.store(telemetry.MetricClientAppliedTick, uint64(r.appliedTick))
	}
	switch res.Outcome {
	case OutcomeBuffered:
		r.add(telemetry.MetricClientFramesBuffered, 1)
	case OutcomeDiscarded:
		r.add(telemetry.MetricClientFramesDiscarded, 1)
	}
	res.Ack = r.appliedTick
	return res, err
}

func (r *Reconciler) receive(msg wire.Message, res *Result) error {
	if r.discardable(msg) {
		res.Outcome = OutcomeDiscarded
		return nil
	}
	if msg.Parts > 1 {
		full, complete, overflow := r.assemble(msg)
		if overflow {
			return r.overflow(msg, res)
		}
		if !complete {
			res.Outcome = OutcomeBuffered
			return nil
		}
		msg = full
	}
	switch msg.Type {
	case wire.TypeSnapshot:
		return r.applySnapshot(msg, res)
	case wire.TypeStructural:
		return r.handleStructural(msg, res)
	default:
		return r.handleValues(msg, res)
	}
}

// discardable reports messages that can never be applied in the current
// state: deltas outside Synced, and anything already covered.
func (r *Reconciler) discardable(msg wire.Message) bool {
	switch msg.Type {
	case wire.TypeSnapshot:
		return r.state == StateSynced && msg.Range.CoveredBy(r.structuralTick)
	case wire.TypeStructural:
		return r.state != StateSynced || msg.Range.CoveredBy(r.structuralTick)
	default:
		return r.state != StateSynced || msg.Range.CoveredBy(r.appliedTick)
	}
}

func (r *Reconciler) handleStructural(msg wire.Message, res *Result) error {
	switch {
	case msg.Range.From == r.structuralTick:
		if err := r.applyStructural(msg, res); err != nil {
			return err
		}
		r.drain(res)
		return nil
	case msg.Range.From > r.structuralTick:
		if uint64(msg.Range.From-r.structuralTick) > r.cfg.ReorderWindow {
			return r.windowExceeded(msg, res)
		}
		if r.bufferedLocked() >= r.cfg.MaxBuffered {
			return r.overflow(msg, res)
		}
		r.structural[msg.Range.From] = msg
		res.Outcome = OutcomeBuffered
		return nil
	default:
		// Overlaps state already applied; only a pre-resync leftover can do this.
		res.Outcome = OutcomeDiscarded
		return nil
	}
}

func (r *Reconciler) handleValues(msg wire.Message, res *Result) error {
	if msg.Range.From > r.appliedTick || msg.RequiresStructural > r.structuralTick {
		if uint64(msg.Range.To-r.appliedTick) > r.cfg.ReorderWindow || r.bufferedLocked() >= r.cfg.MaxBuffered {
			r.add(telemetry.MetricClientReorderOverflow, 1)
			res.Outcome = OutcomeDiscarded
			return nil
		}
		r.values = append(r.values, msg)
		res.Outcome = OutcomeBuffered
		return nil
	}
	if err := r.applyValues(msg, res); err != nil {
		return err
	}
	r.drain(res)
	return nil
}

func (r *Reconciler) windowExceeded(msg wire.Message, res *Result) error {
	err := fmt.Errorf("%w: %s message %s while at structural tick %d", ErrReorderWindowExceeded, msg.Type, msg.Range, r.structuralTick)
	replicationlog.ReorderWindowExceeded(context.Background(), r.publisher, uint64(msg.Range.To), r.actor, replicationlog.RecordPayload{
		Message: msg.Type.String(),
		Range:   msg.Range.String(),
		Error:   err.Error(),
	}, nil)
	res.Outcome = OutcomeRejected
	r.enterResync(res, "reorder_window_exceeded", false)
	return err
}

// overflow handles a full reorder buffer. Lost reliable content forces a
// resync; values are simply superseded by the next tick.
func (r *Reconciler) overflow(msg wire.Message, res *Result) error {
	r.add(telemetry.MetricClientReorderOverflow, 1)
	if msg.Type == wire.TypeValues {
		res.Outcome = OutcomeDiscarded
		return nil
	}
	return r.windowExceeded(msg, res)
}

func (r *Reconciler) assemble(msg wire.Message) (wire.Message, bool, bool) {
	key := partKey{typ: msg.Type, rng: msg.Range}
	a, ok := r.partial[key]
	if !ok || len(a.parts) != int(msg.Parts) {
		held := r.bufferedLocked()
		if ok {
			held -= len(a.parts)
		}
		if int(msg.Parts) > r.cfg.MaxBuffered-held {
			return wire.Message{}, false, true
		}
		a = &assembly{parts: make([]*wire.Message, msg.Parts)}
		r.partial[key] = a
	}
	if a.parts[msg.Part] == nil {
		part := msg
		a.parts[msg.Part] = &part
		a.received++
	}
	if a.received < len(a.parts) {
		return wire.Message{}, false, false
	}
	delete(r.partial, key)
	full := wire.Message{
		Type:               msg.Type,
		Range:              msg.Range,
		RequiresStructural: msg.RequiresStructural,
		Parts:              1,
	}
	for _, part := range a.parts {
		full.Structural = append(full.Structural, part.Structural...)
		full.Components = append(full.Components, part.Components...)
	}
	return full, true, false
}

// drain applies buffered messages unblocked by the latest application.
func (r *Reconciler) drain(res *Result) {
	outcome := res.Outcome
	for {
		r.pruneBuffers()
		if next, ok := r.structural[r.structuralTick]; ok {
			delete(r.structural, r.structuralTick)
			if err := r.applyStructural(next, res); err != nil {
				res.Outcome = outcome
				res.Dropped++
				return
			}
			continue
		}
		best := -1
		for i, msg := range r.values {
			if msg.Range.From > r.appliedTick || msg.RequiresStructural > r.structuralTick {
				continue
			}
			if best < 0 || msg.Range.To > r.values[best].Range.To {
				best = i
			}
		}
		if best < 0 {
			return
		}
		next := r.values[best]
		r.values = append(r.values[:best], r.values[best+1:]...)
		if err := r.applyValues(next, res); err != nil {
			res.Outcome = outcome
			res.Dropped++
		}
	}
}

// pruneBuffers drops held messages and partial assemblies made redundant by
// applied state.
func (r *Reconciler) pruneBuffers() {
	for from, msg := range r.structural {
		if msg.Range.CoveredBy(r.structuralTick) {
			delete(r.structural, from)
		}
	}
	kept := r.values[:0]
	for _, msg := range r.values {
		if !msg.Range.CoveredBy(r.appliedTick) {
			kept = append(kept, msg)
		}
	}
	for i := len(kept); i < len(r.values); i++ {
		r.values[i] = wire.Message{}
	}
	r.values = kept
	for key := range r.partial {
		switch key.typ {
		case wire.TypeValues:
			if key.rng.CoveredBy(r.appliedTick) {
				delete(r.partial, key)
			}
		default:
			if key.rng.CoveredBy(r.structuralTick) {
				delete(r.partial, key)
			}
		}
	}
}

func (r *Reconciler) clearBuffers() {
	r.structural = make(map[tick.Tick]wire.Message)
	r.values = nil
	r.partial = make(map[partKey]*assembly)
}

func (r *Reconciler) bufferedLocked() int {
	n := len(r.structural) + len(r.values)
	for _, a := range r.partial {
		n += len(a.parts)
	}
	return n
}

func (r *Reconciler) enterResync(res *Result, reason string, always bool) {
	wasResyncing := r.state == StateResyncing
	r.state = StateResyncing
	r.clearBuffers()
	if wasResyncing && !always {
		return
	}
	res.RequestResync = true
	r.add(telemetry.MetricClientResyncs, 1)
	at := tick.Max(r.structuralTick, r.appliedTick)
	replicationlog.ClientResyncing(context.Background(), r.publisher, uint64(at), r.actor, replicationlog.ResyncPayload{
		Reason:  reason,
		Applied: uint64(r.appliedTick),
	}, nil)
	r.policy.NoteResync(at, reason)
	if signal, ok := r.policy.Consume(); ok {
		replicationlog.ResyncEscalated(context.Background(), r.publisher, uint64(at), r.actor, replicationlog.ResyncPayload{
			Reason:  reason,
			Applied: uint64(r.appliedTick),
			Summary: signal.Summary(),
		}, nil)
		if r.onEscalate != nil {
			r.onEscalate(signal)
		}
	}
}

func (r *Reconciler) add(key string, delta uint64) {
	if r.metrics != nil {
		r.metrics.Add(key, delta)
	}
}

func (r *Reconciler) store(key string, value uint64) {
	if r.metrics != nil {
		r.metrics.Store(key, value)
	}
}

// staged is a decoded record waiting to be committed.
type staged struct {
	kind   changes.Kind
	entity world.EntityID
	tag    registry.Tag
	desc   registry.Descriptor
	value  any
}

// stage decodes every payload without touching the world. Any failure
// rejects the whole message.
func (r *Reconciler) stage(msg wire.Message, records []wire.Record) ([]staged, error) {
	out := make([]staged, 0, len(records))
	for _, rec := range records {
		op := staged{kind: rec.Kind, entity: rec.Entity, tag: rec.Tag}
		switch rec.Kind {
		case changes.KindSpawned, changes.KindDespawned:
		case changes.KindComponentAdded, changes.KindComponentChanged, changes.KindComponentRemoved:
			desc, ok := r.registry.Lookup(rec.Tag)
			if !ok {
				return nil, r.malformed(msg, rec, fmt.Errorf("%w: tag %d is not registered", ErrMalformedComponent, rec.Tag))
			}
			op.desc = desc
			if rec.Kind != changes.KindComponentRemoved {
				value, err := desc.Deserialize(rec.Payload)
				if err != nil {
					return nil, r.malformed(msg, rec, fmt.Errorf("%w: %s for entity %d: %v", ErrMalformedComponent, desc.Name, rec.Entity, err))
				}
				op.value = value
			}
		default:
			return nil, r.malformed(msg, rec, fmt.Errorf("%w: record kind %d", ErrMalformedComponent, rec.Kind))
		}
		out = append(out, op)
	}
	return out, nil
}

func (r *Reconciler) malformed(msg wire.Message, rec wire.Record, err error) error {
	r.add(telemetry.MetricClientMalformed, 1)
	replicationlog.MalformedComponent(context.Background(), r.publisher, uint64(msg.Range.To), r.actor, replicationlog.RecordPayload{
		Message: msg.Type.String(),
		Range:   msg.Range.String(),
		Entity:  uint64(rec.Entity),
		Tag:     uint32(rec.Tag),
		Error:   err.Error(),
	}, nil)
	return err
}

func (r *Reconciler) unknownEntity(msg wire.Message, op staged, res *Result) {
	res.Skipped++
	r.add(telemetry.MetricClientUnknownEntity, 1)
	replicationlog.UnknownEntity(context.Background(), r.publisher, uint64(msg.Range.To), r.actor, replicationlog.RecordPayload{
		Message: msg.Type.String(),
		Range:   msg.Range.String(),
		Entity:  uint64(op.entity),
		Tag:     uint32(op.tag),
		Error:   ErrUnknownEntity.Error(),
	}, nil)
}

func (r *Reconciler) mapValue(op staged, mapper *entityMapper) any {
	if op.desc.MapEntities == nil {
		return op.value
	}
	return op.desc.MapEntities(op.value, mapper)
}

func (r *Reconciler) set(entry *mapping, op staged, at tick.Tick, mapper *entityMapper) {
	r.sink.Set(entry.local, op.tag, r.mapValue(op, mapper))
	entry.writes[op.tag] = at
	entry.present[op.tag] = struct{}{}
}

func (r *Reconciler) spawn(id world.EntityID) *mapping {
	if entry, ok := r.entities.get(id); ok {
		entry.placeholder = false
		return entry
	}
	return r.entities.insert(id, r.sink.Spawn(), false)
}

func (r *Reconciler) applyStructural(msg wire.Message, res *Result) error {
	ops, err := r.stage(msg, msg.Structural)
	if err != nil {
		res.Outcome = OutcomeRejected
		r.enterResync(res, "malformed_structural", false)
		return err
	}
	at := msg.Range.To
	mapper := &entityMapper{entities: r.entities, sink: r.sink}
	for _, op := range ops {
		switch op.kind {
		case changes.KindSpawned:
			r.spawn(op.entity)
		case changes.KindDespawned:
			entry, ok := r.entities.get(op.entity)
			if !ok {
				r.unknownEntity(msg, op, res)
				continue
			}
			r.sink.Despawn(entry.local)
			r.entities.remove(op.entity)
		case changes.KindComponentAdded, changes.KindComponentChanged:
			entry, ok := r.entities.get(op.entity)
			if !ok {
				r.unknownEntity(msg, op, res)
				continue
			}
			r.set(entry, op, at, mapper)
		case changes.KindComponentRemoved:
			entry, ok := r.entities.get(op.entity)
			if !ok {
				r.unknownEntity(msg, op, res)
				continue
			}
			r.sink.Remove(entry.local, op.tag)
			entry.writes[op.tag] = at
			delete(entry.present, op.tag)
		}
	}
	r.structuralTick = at
	res.Outcome = OutcomeApplied
	res.Applied++
	return nil
}

func (r *Reconciler) applyValues(msg wire.Message, res *Result) error {
	ops, err := r.stage(msg, msg.Components)
	if err != nil {
		res.Outcome = OutcomeRejected
		return err
	}
	at := msg.Range.To
	mapper := &entityMapper{entities: r.entities, sink: r.sink}
	for _, op := range ops {
		if op.kind != changes.KindComponentAdded && op.kind != changes.KindComponentChanged {
			continue
		}
		entry, ok := r.entities.get(op.entity)
		if !ok {
			r.unknownEntity(msg, op, res)
			continue
		}
		if at <= entry.writes[op.tag] {
			r.add(telemetry.MetricClientStaleValueSkipped, 1)
			continue
		}
		r.set(entry, op, at, mapper)
	}
	r.appliedTick = at
	res.Outcome = OutcomeApplied
	res.Applied++
	return nil
}

// applySnapshot reconciles the local world against a full snapshot in place:
// unknown entities are spawned, mapped entities missing from the snapshot are
// despawned, and components missing from a present entity are removed.
func (r *Reconciler) applySnapshot(msg wire.Message, res *Result) error {
	records := append(append([]wire.Record(nil), msg.Structural...), msg.Components...)
	ops, err := r.stage(msg, records)
	if err != nil {
		res.Outcome = OutcomeRejected
		r.enterResync(res, "malformed_snapshot", true)
		return err
	}
	at := msg.Range.To

	present := make(map[world.EntityID]map[registry.Tag]struct{})
	for _, op := range ops {
		switch op.kind {
		case changes.KindSpawned:
			if _, ok := present[op.entity]; !ok {
				present[op.entity] = make(map[registry.Tag]struct{})
			}
		case changes.KindComponentAdded, changes.KindComponentChanged:
			if tags, ok := present[op.entity]; ok {
				tags[op.tag] = struct{}{}
			}
		}
	}

	for _, id := range r.entities.ServerIDs() {
		if _, ok := present[id]; ok {
			continue
		}
		entry, _ := r.entities.get(id)
		r.sink.Despawn(entry.local)
		r.entities.remove(id)
	}

	mapper := &entityMapper{entities: r.entities, sink: r.sink}
	for _, op := range ops {
		switch op.kind {
		case changes.KindSpawned:
			r.spawn(op.entity)
		case changes.KindComponentAdded, changes.KindComponentChanged:
			entry, ok := r.entities.get(op.entity)
			if !ok {
				r.unknownEntity(msg, op, res)
				continue
			}
			r.set(entry, op, at, mapper)
		}
	}

	for id, tags := range present {
		entry, ok := r.entities.get(id)
		if !ok {
			continue
		}
		for tag := range entry.present {
			if _, keep := tags[tag]; keep {
				continue
			}
			r.sink.Remove(entry.local, tag)
			delete(entry.present, tag)
			entry.writes[tag] = at
		}
	}

	r.state = StateSynced
	r.structuralTick = at
	r.appliedTick = at
	res.Outcome = OutcomeApplied
	res.Applied++
	r.drain(res)
	return nil
}
