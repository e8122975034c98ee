// Package transport declares the two-channel packet contract the replication
// layer runs on. Concrete adapters live in the subpackages.
package transport

//go:generate mockgen -destination=mocks/transport.go -package=mocks mine-and-die/replication/internal/transport Sender,Handler,Conn

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrClosed reports use of a closed connection.
	ErrClosed = errors.New("transport: closed")
	// ErrUnknownClient reports a send to a client that is not connected.
	ErrUnknownClient = errors.New("transport: unknown client")
	// ErrBackpressure reports a full outbound queue.
	ErrBackpressure = errors.New("transport: outbound queue full")
)

// Channel is the delivery class of a frame.
type Channel uint8

const (
	// ReliableOrdered frames are delivered once and in order.
	ReliableOrdered Channel = iota
	// Unreliable frames may be lost, duplicated or reordered.
	Unreliable
)

func (c Channel) String() string {
	switch c {
	case ReliableOrdered:
		return "reliable"
	case Unreliable:
		return "unreliable"
	default:
		return fmt.Sprintf("channel(%d)", uint8(c))
	}
}

// Packet is an inbound frame.
type Packet struct {
	Channel Channel
	Payload []byte
}

// Sender is the server's outbound side. Send must not block on the network.
type Sender interface {
	Send(client string, ch Channel, payload []byte) error
}

// Conn is the client's connection to the server.
type Conn interface {
	Send(ch Channel, payload []byte) error
	Recv(ctx context.Context) (Packet, error)
	Close() error
}

// Handler receives server-side connection events. Implementations must be
// safe for concurrent use; adapters call them from per-connection
// goroutines.
type Handler interface {
	Connected(client string)
	Disconnected(client string)
	Received(client string, packet Packet)
}
