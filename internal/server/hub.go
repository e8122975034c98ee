// Package server runs the authoritative side of replication: it scans the
// world each tick, records the changes, fans them out to every connected
// client and folds acknowledgements back into the journal.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"mine-and-die/replication/internal/changes"
	"mine-and-die/replication/internal/encoder"
	"mine-and-die/replication/internal/journal"
	"mine-and-die/replication/internal/registry"
	"mine-and-die/replication/internal/telemetry"
	"mine-and-die/replication/internal/tick"
	"mine-and-die/replication/internal/transport"
	"mine-and-die/replication/internal/wire"
	"mine-and-die/replication/internal/world"
	"mine-and-die/replication/logging"
	replicationlog "mine-and-die/replication/logging/replication"
)

// ErrNoSender reports a Step before Attach.
var ErrNoSender = errors.New("server: no transport attached")

// Config tunes the hub.
type Config struct {
	Journal journal.Config
	Encoder encoder.Config
	// EncodeWorkers caps concurrent per-client encodes. Zero or less encodes
	// every client concurrently.
	EncodeWorkers int
	InboxCapacity int
	// ResyncRate and ResyncBurst bound accepted resync requests per client.
	// A non-positive rate disables limiting.
	ResyncRate  float64
	ResyncBurst int
}

// DefaultConfig returns the stock hub settings.
func DefaultConfig() Config {
	return Config{
		Journal:       journal.DefaultConfig(),
		Encoder:       encoder.Config{MaxMessageBytes: encoder.DefaultMaxMessageBytes},
		EncodeWorkers: 8,
		InboxCapacity: 1024,
		ResyncRate:    1,
		ResyncBurst:   2,
	}
}

// Deps carries the hub's collaborators. Nil fields fall back to no-ops.
type Deps struct {
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Publisher logging.Publisher
	Clock     tick.Clock
	// OnEscalate is called for every client the journal reports as
	// repeatedly out of sync.
	OnEscalate func(journal.Escalation)
}

// StepResult summarises one replication step.
type StepResult struct {
	Tick        tick.Tick
	Records     int
	Clients     int
	Frames      int
	Bytes       int
	Snapshots   int
	Pruned      int
	Escalations []journal.Escalation
	Duration    time.Duration
}

type resyncState struct {
	limiter  *rate.Limiter
	pending  bool
	deferred bool
	applied  tick.Tick
}

// Hub implements transport.Handler and drives the per-tick replication
// pipeline.
type Hub struct {
	registry *registry.Registry
	source   world.Source
	tracker  *changes.Tracker
	journal  *journal.Journal
	encoder  *encoder.Encoder
	inbox    *Inbox
	cfg      Config

	logger     telemetry.Logger
	metrics    telemetry.Metrics
	publisher  logging.Publisher
	clock      tick.Clock
	onEscalate func(journal.Escalation)

	senderMu sync.RWMutex
	sender   transport.Sender

	mu      sync.Mutex
	resyncs map[string]*resyncState
}

// New constructs a hub observing source.
func New(reg *registry.Registry, source world.Source, cfg Config, deps Deps) *Hub {
	if deps.Logger == nil {
		deps.Logger = telemetry.NopLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NewCounters()
	}
	if deps.Publisher == nil {
		deps.Publisher = logging.NopPublisher()
	}
	if deps.Clock == nil {
		deps.Clock = tick.SystemClock{}
	}
	j := journal.New(reg, cfg.Journal)
	j.AttachTelemetry(deps.Metrics)
	return &Hub{
		registry:   reg,
		source:     source,
		tracker:    changes.NewTracker(reg, deps.Metrics),
		journal:    j,
		encoder:    encoder.New(reg, cfg.Encoder, deps.Metrics),
		inbox:      NewInbox(cfg.InboxCapacity, deps.Metrics),
		cfg:        cfg,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		publisher:  deps.Publisher,
		clock:      deps.Clock,
		onEscalate: deps.OnEscalate,
		resyncs:    make(map[string]*resyncState),
	}
}

// Attach installs the transport frames are sent through. Transports take
// the hub as their handler, so the sender is wired after construction.
func (h *Hub) Attach(sender transport.Sender) {
	h.senderMu.Lock()
	h.sender = sender
	h.senderMu.Unlock()
}

// Journal exposes the baseline history for diagnostics.
func (h *Hub) Journal() *journal.Journal {
	return h.journal
}

// Connected implements transport.Handler.
func (h *Hub) Connected(client string) {
	if err := h.journal.Connect(client); err != nil {
		h.logger.Printf("replication: connect %s: %v", client, err)
		return
	}
	h.mu.Lock()
	h.resyncs[client] = &resyncState{limiter: h.newLimiter()}
	h.mu.Unlock()
	replicationlog.ClientConnected(context.Background(), h.publisher, uint64(h.journal.Current()), logging.ClientRef(client), nil)
}

// Disconnected implements transport.Handler. The client's cursors are
// discarded immediately.
func (h *Hub) Disconnected(client string) {
	h.journal.Disconnect(client)
	h.mu.Lock()
	delete(h.resyncs, client)
	h.mu.Unlock()
	replicationlog.ClientDisconnected(context.Background(), h.publisher, uint64(h.journal.Current()), logging.ClientRef(client), nil)
}

// Received implements transport.Handler. Control messages are staged and
// applied at the start of the next step's fan-out.
func (h *Hub) Received(client string, packet transport.Packet) {
	typ, at, err := wire.DecodeTick(packet.Payload)
	if err != nil {
		h.logger.Printf("replication: bad control frame from %s: %v", client, err)
		return
	}
	if !h.inbox.Push(control{client: client, typ: typ, tick: at}) {
		h.logger.Printf("replication: inbox full, dropping %s from %s", typ, client)
	}
}

func (h *Hub) newLimiter() *rate.Limiter {
	if h.cfg.ResyncRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := h.cfg.ResyncBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(h.cfg.ResyncRate), burst)
}

// Step runs one replication tick: collect, append, intake, fan out, prune.
// It must be called after the simulation step for t, from one goroutine.
func (h *Hub) Step(ctx context.Context, t tick.Tick) (StepResult, error) {
	h.senderMu.RLock()
	sender := h.sender
	h.senderMu.RUnlock()
	if sender == nil {
		return StepResult{}, ErrNoSender
	}
	start := h.clock.Now()
	h.registry.Freeze()

	records, err := h.tracker.Collect(t, h.source)
	if err != nil {
		h.logger.Printf("replication: tick %d serialize: %v", t, err)
	}
	if err := h.journal.Append(t, records); err != nil {
		return StepResult{}, err
	}
	h.intake(ctx, t, start)

	clients := h.journal.Clients()
	batches := make([]encoder.Batch, len(clients))
	g, gctx := errgroup.WithContext(ctx)
	if h.cfg.EncodeWorkers > 0 {
		g.SetLimit(h.cfg.EncodeWorkers)
	}
	for i, client := range clients {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			batch, err := h.deliver(gctx, sender, client)
			if err != nil {
				return err
			}
			batches[i] = batch
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return StepResult{}, err
	}

	result := StepResult{Tick: t, Records: len(records), Clients: len(clients)}
	for _, batch := range batches {
		result.Frames += len(batch.Frames)
		result.Bytes += batch.Bytes
		if batch.Delivery.Snapshot && len(batch.Frames) > 0 {
			result.Snapshots++
		}
	}
	result.Pruned = h.journal.Prune()
	result.Escalations = h.journal.ConsumeEscalations()
	for _, esc := range result.Escalations {
		replicationlog.ResyncEscalated(ctx, h.publisher, uint64(t), logging.ClientRef(esc.Client), replicationlog.ResyncPayload{
			Reason:  "server_out_of_sync",
			Summary: esc.Signal.Summary(),
		}, nil)
		if h.onEscalate != nil {
			h.onEscalate(esc)
		}
	}
	result.Duration = h.clock.Now().Sub(start)
	h.metrics.Store(telemetry.MetricTickDurationMillis, uint64(result.Duration.Milliseconds()))
	return result, nil
}

// intake applies staged acks and resync requests. Rate-limited requests stay
// pending and are retried on later steps.
func (h *Hub) intake(ctx context.Context, t tick.Tick, now time.Time) {
	for _, msg := range h.inbox.Drain() {
		switch msg.typ {
		case wire.TypeAck:
			h.acknowledge(ctx, t, msg)
		case wire.TypeResyncRequest:
			h.metrics.Add(telemetry.MetricResyncRequests, 1)
			h.mu.Lock()
			if state, ok := h.resyncs[msg.client]; ok {
				state.pending = true
				state.applied = msg.tick
			}
			h.mu.Unlock()
		}
	}

	type grant struct {
		client  string
		applied tick.Tick
	}
	var granted, limited []grant
	h.mu.Lock()
	for client, state := range h.resyncs {
		if !state.pending {
			continue
		}
		switch {
		case state.limiter.AllowN(now, 1):
			state.pending = false
			state.deferred = false
			granted = append(granted, grant{client, state.applied})
		case !state.deferred:
			state.deferred = true
			limited = append(limited, grant{client, state.applied})
		}
	}
	h.mu.Unlock()

	for _, g := range limited {
		h.metrics.Add(telemetry.MetricResyncRateLimited, 1)
		replicationlog.ResyncRateLimited(ctx, h.publisher, uint64(t), logging.ClientRef(g.client), replicationlog.ResyncPayload{
			Reason:  journal.ReasonRequested,
			Applied: uint64(g.applied),
		}, nil)
	}
	for _, g := range granted {
		if err := h.journal.RequestSnapshot(g.client); err != nil {
			continue
		}
		replicationlog.ResyncRequested(ctx, h.publisher, uint64(t), logging.ClientRef(g.client), replicationlog.ResyncPayload{
			Reason:  journal.ReasonRequested,
			Applied: uint64(g.applied),
		}, nil)
	}
}

func (h *Hub) acknowledge(ctx context.Context, t tick.Tick, msg control) {
	res, err := h.journal.Acknowledge(msg.client, msg.tick)
	if err != nil {
		return
	}
	payload := replicationlog.AckPayload{Previous: uint64(res.Previous), Ack: uint64(res.Ack), Clamped: res.Clamped}
	actor := logging.ClientRef(msg.client)
	switch {
	case res.Regressed:
		replicationlog.AckRegression(ctx, h.publisher, uint64(t), actor, payload, nil)
	case res.Advanced:
		replicationlog.AckAdvanced(ctx, h.publisher, uint64(t), actor, payload, nil)
	}
}

// deliver encodes, sends and commits the pending work of one client. A
// client that left mid-step is skipped. Only encode failures abort the step.
func (h *Hub) deliver(ctx context.Context, sender transport.Sender, client string) (encoder.Batch, error) {
	pending, err := h.journal.Pending(client)
	if err != nil {
		if errors.Is(err, journal.ErrUnknownClient) {
			return encoder.Batch{}, nil
		}
		return encoder.Batch{}, err
	}
	if pending.Empty() {
		return encoder.Batch{}, nil
	}
	batch, err := h.encoder.Encode(pending)
	if err != nil {
		return encoder.Batch{}, fmt.Errorf("encode for %s at tick %d: %w", client, pending.Tick, err)
	}

	reliableFailed := false
	for _, frame := range batch.Frames {
		if frame.Channel == transport.ReliableOrdered && reliableFailed {
			continue
		}
		if err := sender.Send(client, frame.Channel, frame.Payload); err != nil {
			h.metrics.Add(telemetry.MetricSendErrors, 1)
			replicationlog.SendFailed(ctx, h.publisher, uint64(pending.Tick), logging.ClientRef(client), replicationlog.SendPayload{
				Channel: frame.Channel.String(),
				Message: frame.Type.String(),
				Error:   err.Error(),
			}, nil)
			if frame.Channel == transport.ReliableOrdered {
				reliableFailed = true
			}
			continue
		}
		h.metrics.Add(telemetry.MetricFramesSent, 1)
		h.metrics.Add(telemetry.MetricBytesSent, uint64(len(frame.Payload)))
	}
	// Cursors only advance once every reliable frame is with the transport.
	if reliableFailed {
		return encoder.Batch{}, nil
	}
	if err := h.journal.Commit(client, batch.Delivery); err != nil && !errors.Is(err, journal.ErrUnknownClient) {
		return encoder.Batch{}, err
	}
	if batch.Delivery.Snapshot {
		snap := pending.Snapshot
		replicationlog.SnapshotSent(ctx, h.publisher, uint64(pending.Tick), logging.ClientRef(client), replicationlog.SnapshotPayload{
			Reason:     batch.Delivery.Reason,
			Entities:   snap.Entities,
			Components: snap.Components,
			Frames:     len(batch.Frames),
			Bytes:      batch.Bytes,
		}, nil)
	}
	return batch, nil
}
