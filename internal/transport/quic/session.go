package quic

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/quic-go/quic-go"

	"mine-and-die/replication/internal/telemetry"
	"mine-and-die/replication/internal/transport"
)

// maxStreamFrame bounds a single length-prefixed frame on the reliable
// stream.
const maxStreamFrame = 1 << 20

var errFrameTooLarge = errors.New("quic: stream frame too large")

func writeFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxStreamFrame {
		return nil, fmt.Errorf("%w: %d bytes", errFrameTooLarge, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

type outgoing struct {
	channel transport.Channel
	payload []byte
}

// session runs the pumps of one QUIC connection: a long-lived bidirectional
// stream for reliable frames and DATAGRAM frames for unreliable ones.
type session struct {
	id      string
	conn    *quic.Conn
	stream  *quic.Stream
	send    chan outgoing
	deliver func(transport.Packet)
	logger  telemetry.Logger

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newSession(id string, conn *quic.Conn, stream *quic.Stream, queue int, logger telemetry.Logger, deliver func(transport.Packet)) *session {
	if queue <= 0 {
		queue = 256
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &session{
		id:      id,
		conn:    conn,
		stream:  stream,
		send:    make(chan outgoing, queue),
		deliver: deliver,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

func (s *session) start(ctx context.Context) {
	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		s.streamPump()
	}()
	go func() {
		defer s.wg.Done()
		s.datagramPump(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.writePump()
	}()
}

func (s *session) enqueue(ch transport.Channel, payload []byte) error {
	select {
	case <-s.done:
		return transport.ErrClosed
	default:
	}
	select {
	case s.send <- outgoing{channel: ch, payload: payload}:
		return nil
	case <-s.done:
		return transport.ErrClosed
	default:
		return transport.ErrBackpressure
	}
}

func (s *session) streamPump() {
	defer s.close("stream closed")
	for {
		payload, err := readFrame(s.stream)
		if err != nil {
			return
		}
		if len(payload) == 0 {
			continue
		}
		s.deliver(transport.Packet{Channel: transport.ReliableOrdered, Payload: payload})
	}
}

func (s *session) datagramPump(ctx context.Context) {
	defer s.close("datagram receive failed")
	for {
		payload, err := s.conn.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		s.deliver(transport.Packet{Channel: transport.Unreliable, Payload: payload})
	}
}

func (s *session) writePump() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			if err := s.write(msg); err != nil {
				s.logger.Printf("quic write to %s failed: %v", s.id, err)
				s.close("write failed")
				return
			}
		}
	}
}

func (s *session) write(msg outgoing) error {
	if msg.channel == transport.Unreliable {
		err := s.conn.SendDatagram(msg.payload)
		if err == nil {
			return nil
		}
		var tooLarge *quic.DatagramTooLargeError
		if !errors.As(err, &tooLarge) {
			return err
		}
		// Oversized values frames fall back to the stream.
	}
	return writeFrame(s.stream, msg.payload)
}

func (s *session) close(reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.stream.Close()
		_ = s.conn.CloseWithError(quic.ApplicationErrorCode(0), reason)
	})
}
