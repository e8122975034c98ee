package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"mine-and-die/replication/internal/transport"
)

// Each websocket binary message carries one frame prefixed with its channel
// byte. Both channels share the socket, so unreliable frames are in fact
// delivered reliably.

func encodeFrame(ch transport.Channel, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+1)
	out = append(out, byte(ch))
	return append(out, payload...)
}

var errShortFrame = errors.New("ws: frame without channel byte")

func decodeFrame(data []byte) (transport.Packet, error) {
	if len(data) < 1 {
		return transport.Packet{}, errShortFrame
	}
	ch := transport.Channel(data[0])
	if ch != transport.ReliableOrdered && ch != transport.Unreliable {
		ch = transport.ReliableOrdered
	}
	return transport.Packet{Channel: ch, Payload: data[1:]}, nil
}

// peer owns one socket's write side. Writes are queued and flushed by a
// single goroutine so callers never block on the network.
type peer struct {
	conn      *websocket.Conn
	send      chan []byte
	writeWait time.Duration
	done      chan struct{}
	closeOnce sync.Once
}

func newPeer(conn *websocket.Conn, queue int, writeWait time.Duration) *peer {
	if queue <= 0 {
		queue = 256
	}
	if writeWait <= 0 {
		writeWait = 10 * time.Second
	}
	p := &peer{
		conn:      conn,
		send:      make(chan []byte, queue),
		writeWait: writeWait,
		done:      make(chan struct{}),
	}
	go p.writePump()
	return p
}

func (p *peer) enqueue(ch transport.Channel, payload []byte) error {
	select {
	case <-p.done:
		return transport.ErrClosed
	default:
	}
	select {
	case p.send <- encodeFrame(ch, payload):
		return nil
	case <-p.done:
		return transport.ErrClosed
	default:
		return transport.ErrBackpressure
	}
}

func (p *peer) writePump() {
	for {
		select {
		case <-p.done:
			return
		case data := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeWait))
			if err := p.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				p.close()
				return
			}
		}
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		_ = p.conn.Close()
	})
}
