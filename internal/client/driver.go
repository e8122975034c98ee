// Package client pumps frames from a transport connection into a reconciler
// and answers with acknowledgements and resync requests.
package client

import (
	"context"
	"errors"
	"fmt"

	"mine-and-die/replication/internal/reconcile"
	"mine-and-die/replication/internal/telemetry"
	"mine-and-die/replication/internal/tick"
	"mine-and-die/replication/internal/transport"
	"mine-and-die/replication/internal/wire"
)

// Deps carries the driver's collaborators. Nil fields fall back to no-ops.
type Deps struct {
	Logger telemetry.Logger
	// OnResult, when set, observes every applied frame.
	OnResult func(reconcile.Result)
}

// Stats counts driver activity.
type Stats struct {
	Frames         uint64
	Rejected       uint64
	AcksSent       uint64
	ResyncRequests uint64
	LastAck        tick.Tick
}

// Driver owns a client connection. Handle and Run must not be used
// concurrently.
type Driver struct {
	conn       transport.Conn
	reconciler *reconcile.Reconciler
	logger     telemetry.Logger
	onResult   func(reconcile.Result)
	stats      Stats
}

// New wires conn to rec.
func New(conn transport.Conn, rec *reconcile.Reconciler, deps Deps) *Driver {
	if deps.Logger == nil {
		deps.Logger = telemetry.NopLogger()
	}
	return &Driver{conn: conn, reconciler: rec, logger: deps.Logger, onResult: deps.OnResult}
}

// Reconciler returns the reconciler frames are applied to.
func (d *Driver) Reconciler() *reconcile.Reconciler {
	return d.reconciler
}

// Stats returns a copy of the counters.
func (d *Driver) Stats() Stats {
	return d.stats
}

// Handle applies one inbound packet and sends whatever the result calls for.
// Decode failures are logged and contained; only transport errors are
// returned.
func (d *Driver) Handle(p transport.Packet) error {
	d.stats.Frames++
	res, err := d.reconciler.Apply(p.Payload)
	if err != nil {
		d.stats.Rejected++
		d.logger.Printf("replication client: %s frame %s on %s: %v", res.Type, res.Range, p.Channel, err)
	}
	if d.onResult != nil {
		d.onResult(res)
	}
	if res.RequestResync {
		if err := d.conn.Send(transport.ReliableOrdered, wire.EncodeResyncRequest(res.Ack)); err != nil {
			return fmt.Errorf("send resync request: %w", err)
		}
		d.stats.ResyncRequests++
	}
	// Duplicates re-acknowledge so a lost ack does not stall the server's
	// baseline.
	ack := res.SendAck || (res.Outcome == reconcile.OutcomeDiscarded && res.Ack > 0)
	if ack {
		if err := d.conn.Send(transport.Unreliable, wire.EncodeAck(res.Ack)); err != nil {
			return fmt.Errorf("send ack: %w", err)
		}
		d.stats.AcksSent++
		d.stats.LastAck = res.Ack
	}
	return nil
}

// Run receives until ctx is done or the connection closes. A closed
// connection resets the reconciler and returns nil.
func (d *Driver) Run(ctx context.Context) error {
	for {
		p, err := d.conn.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, transport.ErrClosed) {
				d.reconciler.Reset()
				return nil
			}
			return err
		}
		if err := d.Handle(p); err != nil {
			if errors.Is(err, transport.ErrClosed) {
				d.reconciler.Reset()
				return nil
			}
			return err
		}
	}
}

type tryReceiver interface {
	TryRecv() (transport.Packet, bool)
}

// Poll handles every packet already queued on connections that support
// non-blocking receives, and reports how many were handled.
func (d *Driver) Poll() (int, error) {
	tr, ok := d.conn.(tryReceiver)
	if !ok {
		return 0, nil
	}
	n := 0
	for {
		p, ok := tr.TryRecv()
		if !ok {
			return n, nil
		}
		if err := d.Handle(p); err != nil {
			return n, err
		}
		n++
	}
}
