package server

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mine-and-die/replication/internal/client"
	"mine-and-die/replication/internal/journal"
	"mine-and-die/replication/internal/reconcile"
	"mine-and-die/replication/internal/registry"
	"mine-and-die/replication/internal/telemetry"
	"mine-and-die/replication/internal/tick"
	"mine-and-die/replication/internal/transport"
	"mine-and-die/replication/internal/transport/loopback"
	"mine-and-die/replication/internal/transport/mocks"
	"mine-and-die/replication/internal/wire"
	"mine-and-die/replication/internal/world"
	replicationlog "mine-and-die/replication/logging/replication"
	"mine-and-die/replication/logging/sinks"
)

const (
	tagPosition registry.Tag = 1
	tagHealth   registry.Tag = 2
)

type position struct {
	X float32
	Y float32
}

func newRegistry() *registry.Registry {
	reg := registry.New()
	reg.MustRegister(registry.Component(tagPosition, "position", registry.Binary[position]()))
	reg.MustRegister(registry.Component(tagHealth, "health", registry.Binary[int32](), registry.WithReliable[int32]()))
	return reg
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type peer struct {
	conn    *loopback.Conn
	replica *world.Replica
	rec     *reconcile.Reconciler
	driver  *client.Driver
}

func dial(t testing.TB, net *loopback.Network, reg *registry.Registry, id string) *peer {
	t.Helper()
	conn, err := net.Dial(id)
	require.NoError(t, err)
	replica := world.NewReplica()
	rec := reconcile.New(reg, replica, reconcile.DefaultConfig())
	return &peer{conn: conn, replica: replica, rec: rec, driver: client.New(conn, rec, client.Deps{})}
}

func (p *peer) poll(t testing.TB) {
	t.Helper()
	_, err := p.driver.Poll()
	require.NoError(t, err)
}

// assertMirror checks every live server entity is mapped with identical
// component values and nothing else is alive on the client.
func assertMirror(t *testing.T, reg *registry.Registry, auth *world.Authority, p *peer) {
	t.Helper()
	ids := auth.Entities()
	require.Equal(t, len(ids), p.replica.Len(), "live entity count")
	for _, id := range ids {
		local, ok := p.rec.Local(id)
		require.True(t, ok, "entity %d not mapped", id)
		got := p.replica.Components(local)
		want := make(map[registry.Tag]any)
		for _, tag := range reg.Tags() {
			if v, ok := auth.Component(id, tag); ok {
				want[tag] = v
			}
		}
		assert.Equal(t, want, got, "entity %d", id)
	}
}

func mutate(rng *rand.Rand, auth *world.Authority) {
	ids := auth.Entities()
	switch roll := rng.Intn(10); {
	case roll < 3 || len(ids) < 4:
		id := auth.Create()
		auth.Insert(id, tagPosition, position{X: rng.Float32(), Y: rng.Float32()})
		if rng.Intn(2) == 0 {
			auth.Insert(id, tagHealth, int32(rng.Intn(100)))
		}
	case roll < 4:
		auth.Destroy(ids[rng.Intn(len(ids))])
	case roll < 5:
		id := ids[rng.Intn(len(ids))]
		if _, ok := auth.Component(id, tagHealth); ok {
			auth.Remove(id, tagHealth)
		} else {
			auth.Insert(id, tagHealth, int32(rng.Intn(100)))
		}
	default:
		for i := 0; i < 3; i++ {
			auth.Insert(ids[rng.Intn(len(ids))], tagPosition, position{X: rng.Float32(), Y: rng.Float32()})
		}
	}
}

func TestConvergesInOrder(t *testing.T) {
	reg := newRegistry()
	auth := world.NewAuthority()
	hub := New(reg, auth, DefaultConfig(), Deps{})
	net := loopback.NewNetwork(hub, loopback.Link{})
	hub.Attach(net)
	p := dial(t, net, reg, "client-1")

	rng := rand.New(rand.NewSource(1))
	ctx := context.Background()
	for at := tick.Tick(1); at <= 100; at++ {
		mutate(rng, auth)
		_, err := hub.Step(ctx, at)
		require.NoError(t, err)
		p.poll(t)
	}
	assertMirror(t, reg, auth, p)

	// The ack for tick 100 is only taken in on the next step.
	state, ok := hub.Journal().Client("client-1")
	require.True(t, ok)
	assert.Equal(t, tick.Tick(99), state.Acked)
}

func TestConvergesOverLossyLink(t *testing.T) {
	reg := newRegistry()
	auth := world.NewAuthority()
	cfg := DefaultConfig()
	cfg.ResyncRate = 0
	hub := New(reg, auth, cfg, Deps{})
	net := loopback.NewNetwork(hub, loopback.Link{Loss: 0.2, Duplicate: 0.1, Reorder: 0.1, Seed: 7})
	hub.Attach(net)
	peers := []*peer{dial(t, net, reg, "client-1"), dial(t, net, reg, "client-2")}

	rng := rand.New(rand.NewSource(2))
	ctx := context.Background()
	at := tick.Tick(0)
	for ; at < 200; at++ {
		if at == 60 {
			peers = append(peers, dial(t, net, reg, "late"))
		}
		mutate(rng, auth)
		_, err := hub.Step(ctx, at+1)
		require.NoError(t, err)
		for _, p := range peers {
			p.poll(t)
		}
	}
	// Quiet ticks let the unreliable channel catch up.
	net.SetLink(loopback.Link{})
	for i := 0; i < 5; i++ {
		at++
		_, err := hub.Step(ctx, at)
		require.NoError(t, err)
		for _, p := range peers {
			p.poll(t)
		}
	}
	for _, p := range peers {
		assertMirror(t, reg, auth, p)
	}
}

func TestDisconnectDiscardsClient(t *testing.T) {
	reg := newRegistry()
	auth := world.NewAuthority()
	events := sinks.NewMemory()
	hub := New(reg, auth, DefaultConfig(), Deps{Publisher: events})
	net := loopback.NewNetwork(hub, loopback.Link{})
	hub.Attach(net)
	p := dial(t, net, reg, "client-1")

	_, err := hub.Step(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, p.conn.Close())

	_, ok := hub.Journal().Client("client-1")
	assert.False(t, ok)
	res, err := hub.Step(context.Background(), 2)
	require.NoError(t, err)
	assert.Zero(t, res.Clients)

	var types []string
	for _, ev := range events.Events() {
		types = append(types, string(ev.Type))
	}
	assert.Contains(t, types, string(replicationlog.EventClientConnected))
	assert.Contains(t, types, string(replicationlog.EventClientDisconnected))
}

func TestStepWithoutSender(t *testing.T) {
	hub := New(newRegistry(), world.NewAuthority(), DefaultConfig(), Deps{})
	_, err := hub.Step(context.Background(), 1)
	assert.True(t, errors.Is(err, ErrNoSender))
}

func TestStepSendsSnapshotThenValues(t *testing.T) {
	ctrl := gomock.NewController(t)
	sender := mocks.NewMockSender(ctrl)
	reg := newRegistry()
	auth := world.NewAuthority()
	hub := New(reg, auth, DefaultConfig(), Deps{})
	hub.Attach(sender)

	id := auth.Create()
	auth.Insert(id, tagPosition, position{X: 1})
	hub.Connected("client-1")

	sender.EXPECT().Send("client-1", transport.ReliableOrdered, gomock.Any()).DoAndReturn(
		func(_ string, _ transport.Channel, payload []byte) error {
			typ, err := wire.PeekType(payload)
			assert.NoError(t, err)
			assert.Equal(t, wire.TypeSnapshot, typ)
			return nil
		})
	res, err := hub.Step(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Snapshots)

	hub.Received("client-1", transport.Packet{Channel: transport.Unreliable, Payload: wire.EncodeAck(1)})
	auth.Insert(id, tagPosition, position{X: 2})
	sender.EXPECT().Send("client-1", transport.Unreliable, gomock.Any()).DoAndReturn(
		func(_ string, _ transport.Channel, payload []byte) error {
			msg, err := wire.DecodeMessage(payload)
			assert.NoError(t, err)
			assert.Equal(t, wire.TypeValues, msg.Type)
			assert.Equal(t, tick.Range{From: 1, To: 2}, msg.Range)
			assert.Len(t, msg.Components, 1)
			return nil
		})
	res, err = hub.Step(context.Background(), 2)
	require.NoError(t, err)
	assert.Zero(t, res.Snapshots)
	assert.Equal(t, 1, res.Frames)
}

func TestReliableSendFailureKeepsCursor(t *testing.T) {
	ctrl := gomock.NewController(t)
	sender := mocks.NewMockSender(ctrl)
	reg := newRegistry()
	auth := world.NewAuthority()
	metrics := telemetry.NewCounters()
	hub := New(reg, auth, DefaultConfig(), Deps{Metrics: metrics})
	hub.Attach(sender)
	auth.Create()
	hub.Connected("client-1")

	gomock.InOrder(
		sender.EXPECT().Send("client-1", transport.ReliableOrdered, gomock.Any()).Return(transport.ErrBackpressure),
		sender.EXPECT().Send("client-1", transport.ReliableOrdered, gomock.Any()).Return(nil),
	)
	res, err := hub.Step(context.Background(), 1)
	require.NoError(t, err)
	assert.Zero(t, res.Snapshots)
	state, _ := hub.Journal().Client("client-1")
	assert.True(t, state.NeedsSnapshot)
	assert.Equal(t, uint64(1), metrics.Value(telemetry.MetricSendErrors))

	res, err = hub.Step(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Snapshots)
	state, _ = hub.Journal().Client("client-1")
	assert.False(t, state.NeedsSnapshot)
	assert.Equal(t, tick.Tick(2), state.SnapshotTick)
}

func TestResyncRequestsAreRateLimited(t *testing.T) {
	reg := newRegistry()
	auth := world.NewAuthority()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	metrics := telemetry.NewCounters()
	cfg := DefaultConfig()
	cfg.ResyncRate = 1
	cfg.ResyncBurst = 1
	hub := New(reg, auth, cfg, Deps{Metrics: metrics, Clock: clock})
	net := loopback.NewNetwork(hub, loopback.Link{})
	hub.Attach(net)
	p := dial(t, net, reg, "client-1")
	ctx := context.Background()

	step := func(at tick.Tick) StepResult {
		res, err := hub.Step(ctx, at)
		require.NoError(t, err)
		p.poll(t)
		return res
	}
	require.Equal(t, 1, step(1).Snapshots)

	require.NoError(t, p.conn.Send(transport.ReliableOrdered, wire.EncodeResyncRequest(1)))
	assert.Equal(t, 1, step(2).Snapshots)

	require.NoError(t, p.conn.Send(transport.ReliableOrdered, wire.EncodeResyncRequest(2)))
	assert.Zero(t, step(3).Snapshots)
	assert.Zero(t, step(4).Snapshots)
	assert.Equal(t, uint64(1), metrics.Value(telemetry.MetricResyncRateLimited))

	clock.now = clock.now.Add(2 * time.Second)
	assert.Equal(t, 1, step(5).Snapshots)
	assert.Equal(t, uint64(2), metrics.Value(telemetry.MetricResyncRequests))
}

func TestRepeatedResyncsEscalate(t *testing.T) {
	reg := newRegistry()
	auth := world.NewAuthority()
	cfg := DefaultConfig()
	cfg.ResyncRate = 0
	cfg.Journal.MaxResyncsPerWindow = 2
	var escalated []journal.Escalation
	hub := New(reg, auth, cfg, Deps{OnEscalate: func(e journal.Escalation) { escalated = append(escalated, e) }})
	net := loopback.NewNetwork(hub, loopback.Link{})
	hub.Attach(net)
	p := dial(t, net, reg, "client-1")
	ctx := context.Background()

	for at := tick.Tick(1); at <= 3; at++ {
		if at > 1 {
			require.NoError(t, p.conn.Send(transport.ReliableOrdered, wire.EncodeResyncRequest(at-1)))
		}
		res, err := hub.Step(ctx, at)
		require.NoError(t, err)
		p.poll(t)
		if at == 3 {
			require.Len(t, res.Escalations, 1)
		}
	}
	require.Len(t, escalated, 1)
	assert.Equal(t, "client-1", escalated[0].Client)
	assert.Equal(t, uint64(2), escalated[0].Signal.Resyncs)
}

func TestInboxDropsWhenFull(t *testing.T) {
	metrics := telemetry.NewCounters()
	inbox := NewInbox(2, metrics)
	assert.True(t, inbox.Push(control{client: "a", typ: wire.TypeAck, tick: 1}))
	assert.True(t, inbox.Push(control{client: "a", typ: wire.TypeAck, tick: 2}))
	assert.False(t, inbox.Push(control{client: "a", typ: wire.TypeAck, tick: 3}))
	assert.Equal(t, uint64(1), metrics.Value(telemetry.MetricInboxDropped))
	assert.Equal(t, uint64(2), metrics.Value(telemetry.MetricInboxDepth))

	drained := inbox.Drain()
	require.Len(t, drained, 2)
	assert.Equal(t, tick.Tick(1), drained[0].tick)
	assert.Zero(t, inbox.Len())
}

// BenchmarkLargeReplication steps 5000 entities with 1% changing per tick to
// one connected client.
func BenchmarkLargeReplication(b *testing.B) {
	const entities = 5000
	reg := newRegistry()
	auth := world.NewAuthority()
	ids := make([]world.EntityID, entities)
	for i := range ids {
		ids[i] = auth.Create()
		auth.Insert(ids[i], tagPosition, position{X: float32(i)})
		auth.Insert(ids[i], tagHealth, int32(100))
	}
	hub := New(reg, auth, DefaultConfig(), Deps{})
	net := loopback.NewNetwork(hub, loopback.Link{})
	hub.Attach(net)
	p := dial(b, net, reg, "bench")
	ctx := context.Background()

	at := tick.Tick(1)
	if _, err := hub.Step(ctx, at); err != nil {
		b.Fatal(err)
	}
	p.poll(b)

	rng := rand.New(rand.NewSource(3))
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for j := 0; j < entities/100; j++ {
			auth.Insert(ids[rng.Intn(entities)], tagPosition, position{X: rng.Float32(), Y: float32(i)})
		}
		at++
		if _, err := hub.Step(ctx, at); err != nil {
			b.Fatal(err)
		}
		p.poll(b)
	}
}
