// Package loopback is an in-memory transport with a deterministic lossy link
// model. Reliable frames are always delivered in order; unreliable frames may
// be dropped, duplicated or held back behind the next frame.
package loopback

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"mine-and-die/replication/internal/transport"
)

// DefaultInboxSize bounds each direction's queue.
const DefaultInboxSize = 4096

// Link models the unreliable channel.
type Link struct {
	Loss      float64
	Duplicate float64
	Reorder   float64
	Seed      int64
	// Drop, when set, is consulted before the random model and can discard
	// specific unreliable frames.
	Drop func(client string, payload []byte) bool
}

type lossy struct {
	link Link
	rng  *rand.Rand
	held *transport.Packet
}

func newLossy(link Link, salt int64) *lossy {
	return &lossy{link: link, rng: rand.New(rand.NewSource(link.Seed + salt))}
}

// shape returns the packets to deliver now for one outbound packet.
func (l *lossy) shape(client string, p transport.Packet) []transport.Packet {
	if p.Channel == transport.ReliableOrdered {
		return []transport.Packet{p}
	}
	if l.link.Drop != nil && l.link.Drop(client, p.Payload) {
		return nil
	}
	if l.link.Loss > 0 && l.rng.Float64() < l.link.Loss {
		return nil
	}
	var out []transport.Packet
	if l.link.Reorder > 0 && l.held == nil && l.rng.Float64() < l.link.Reorder {
		held := p
		l.held = &held
		return nil
	}
	out = append(out, p)
	if l.link.Duplicate > 0 && l.rng.Float64() < l.link.Duplicate {
		out = append(out, p)
	}
	if l.held != nil {
		out = append(out, *l.held)
		l.held = nil
	}
	return out
}

// Network connects one server handler with any number of in-process
// clients. It implements transport.Sender.
type Network struct {
	handler transport.Handler

	mu    sync.Mutex
	link  Link
	conns map[string]*Conn
	salt  int64
}

// NewNetwork constructs a network delivering client frames to handler.
func NewNetwork(handler transport.Handler, link Link) *Network {
	return &Network{handler: handler, link: link, conns: make(map[string]*Conn)}
}

// SetLink replaces the link model for connections dialed afterwards and for
// existing ones.
func (n *Network) SetLink(link Link) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.link = link
	for _, c := range n.conns {
		c.mu.Lock()
		c.down = newLossy(link, c.salt)
		c.up = newLossy(link, c.salt+1)
		c.mu.Unlock()
	}
}

// Dial connects a new client and notifies the handler.
func (n *Network) Dial(client string) (*Conn, error) {
	n.mu.Lock()
	if _, ok := n.conns[client]; ok {
		n.mu.Unlock()
		return nil, fmt.Errorf("loopback: client %s already connected", client)
	}
	n.salt += 2
	c := &Conn{
		id:      client,
		network: n,
		inbox:   make(chan transport.Packet, DefaultInboxSize),
		closed:  make(chan struct{}),
		salt:    n.salt,
		down:    newLossy(n.link, n.salt),
		up:      newLossy(n.link, n.salt+1),
	}
	n.conns[client] = c
	n.mu.Unlock()
	n.handler.Connected(client)
	return c, nil
}

// Send implements transport.Sender.
func (n *Network) Send(client string, ch transport.Channel, payload []byte) error {
	n.mu.Lock()
	c, ok := n.conns[client]
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", transport.ErrUnknownClient, client)
	}
	return c.deliver(transport.Packet{Channel: ch, Payload: append([]byte(nil), payload...)})
}

// Kick disconnects a client from the server side.
func (n *Network) Kick(client string) {
	n.mu.Lock()
	c, ok := n.conns[client]
	n.mu.Unlock()
	if ok {
		_ = c.Close()
	}
}

// Clients lists connected clients.
func (n *Network) Clients() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.conns))
	for id := range n.conns {
		out = append(out, id)
	}
	return out
}

// Conn is the client end of a loopback connection.
type Conn struct {
	id      string
	network *Network
	inbox   chan transport.Packet
	closed  chan struct{}
	once    sync.Once
	salt    int64

	mu   sync.Mutex
	down *lossy
	up   *lossy
}

// ID returns the client id the connection was dialed with.
func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) deliver(p transport.Packet) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, out := range c.down.shape(c.id, p) {
		select {
		case c.inbox <- out:
		default:
			if out.Channel == transport.ReliableOrdered {
				return transport.ErrBackpressure
			}
		}
	}
	return nil
}

// Send implements transport.Conn. Frames reach the server handler
// synchronously.
func (c *Conn) Send(ch transport.Channel, payload []byte) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}
	c.mu.Lock()
	packets := c.up.shape(c.id, transport.Packet{Channel: ch, Payload: append([]byte(nil), payload...)})
	c.mu.Unlock()
	for _, p := range packets {
		c.network.handler.Received(c.id, p)
	}
	return nil
}

// Recv implements transport.Conn.
func (c *Conn) Recv(ctx context.Context) (transport.Packet, error) {
	select {
	case p := <-c.inbox:
		return p, nil
	default:
	}
	select {
	case p := <-c.inbox:
		return p, nil
	case <-c.closed:
		return transport.Packet{}, transport.ErrClosed
	case <-ctx.Done():
		return transport.Packet{}, ctx.Err()
	}
}

// TryRecv returns a queued packet without blocking.
func (c *Conn) TryRecv() (transport.Packet, bool) {
	select {
	case p := <-c.inbox:
		return p, true
	default:
		return transport.Packet{}, false
	}
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		n := c.network
		n.mu.Lock()
		delete(n.conns, c.id)
		n.mu.Unlock()
		n.handler.Disconnected(c.id)
	})
	return nil
}
