package demo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mine-and-die/replication/internal/client"
	"mine-and-die/replication/internal/reconcile"
	"mine-and-die/replication/internal/server"
	"mine-and-die/replication/internal/sim"
	"mine-and-die/replication/internal/tick"
	"mine-and-die/replication/internal/transport/loopback"
	"mine-and-die/replication/internal/world"
)

func TestSimulationKeepsPopulation(t *testing.T) {
	w := world.NewAuthority()
	cfg := DefaultConfig()
	cfg.Population = 10
	cfg.Churn = 1
	s := NewSimulation(w, cfg)
	require.Equal(t, 10, w.Len())
	for i := 1; i <= 50; i++ {
		s.Step(tick.Step{Tick: tick.Tick(i), Delta: 1.0 / 15})
		require.Equal(t, 10, w.Len())
	}
	for _, id := range w.Entities() {
		v, ok := w.Component(id, TagPosition)
		require.True(t, ok)
		p := v.(Position)
		assert.True(t, p.X >= 0 && p.X <= cfg.Width, "x out of bounds: %v", p.X)
		assert.True(t, p.Y >= 0 && p.Y <= cfg.Height, "y out of bounds: %v", p.Y)
		if target, ok := w.Component(id, TagTarget); ok {
			_, alive := w.Component(world.EntityID(target.(Target).Entity), TagPosition)
			assert.True(t, alive, "target of %d refers to a despawned actor", id)
		}
	}
}

func TestDemoReplicatesTargetsIntoLocalIDs(t *testing.T) {
	reg := NewRegistry()
	w := world.NewAuthority()
	cfg := DefaultConfig()
	cfg.Population = 20
	s := NewSimulation(w, cfg)

	hub := server.New(reg, w, server.DefaultConfig(), server.Deps{})
	net := loopback.NewNetwork(hub, loopback.Link{})
	hub.Attach(net)
	loop := sim.NewLoop(s, hub, sim.LoopConfig{TickRate: 15}, sim.LoopHooks{}, sim.LoopDeps{})

	conn, err := net.Dial("viewer")
	require.NoError(t, err)
	replica := world.NewReplica()
	rec := reconcile.New(reg, replica, reconcile.DefaultConfig())
	driver := client.New(conn, rec, client.Deps{})

	now := time.Unix(0, 0)
	for i := 0; i < 60; i++ {
		now = now.Add(time.Second / 15)
		_, err := loop.Advance(context.Background(), now)
		require.NoError(t, err)
		_, err = driver.Poll()
		require.NoError(t, err)
	}

	require.Equal(t, w.Len(), replica.Len())
	for _, id := range w.Entities() {
		local, ok := rec.Local(id)
		require.True(t, ok)
		want, _ := w.Component(id, TagTarget)
		got, _ := replica.Get(local, TagTarget)
		if want == nil {
			assert.Nil(t, got)
			continue
		}
		targetLocal, ok := rec.Local(world.EntityID(want.(Target).Entity))
		require.True(t, ok)
		assert.Equal(t, Target{Entity: uint64(targetLocal)}, got)
	}
}
