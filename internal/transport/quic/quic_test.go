package quic

import (
	"bytes"
	"context"
	"crypto/tls"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mine-and-die/replication/internal/transport"
)

type handler struct {
	connected    chan string
	disconnected chan string
	received     chan transport.Packet
}

func newHandler() *handler {
	return &handler{
		connected:    make(chan string, 4),
		disconnected: make(chan string, 4),
		received:     make(chan transport.Packet, 16),
	}
}

func (h *handler) Connected(client string)               { h.connected <- client }
func (h *handler) Disconnected(client string)            { h.disconnected <- client }
func (h *handler) Received(_ string, p transport.Packet) { h.received <- p }

func wait[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting")
	}
	var zero T
	return zero
}

func TestStreamFraming(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, []byte("hello")))
	require.NoError(t, writeFrame(&buf, nil))

	got, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
	got, err = readFrame(&buf)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = readFrame(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff}))
	assert.ErrorIs(t, err, errFrameTooLarge)
}

func TestRoundTrip(t *testing.T) {
	serverTLS, err := SelfSigned()
	require.NoError(t, err)
	h := newHandler()
	srv, err := Listen("127.0.0.1:0", h, Config{TLS: serverTLS, NewID: func() string { return "client-1" }})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()
	defer srv.Close()

	conn, err := Dial(ctx, srv.Addr().String(), Config{TLS: &tls.Config{InsecureSkipVerify: true}})
	require.NoError(t, err)
	defer conn.Close()

	id := wait(t, h.connected)
	require.Equal(t, "client-1", id)

	require.NoError(t, srv.Send(id, transport.ReliableOrdered, []byte("structural")))
	p, err := conn.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, transport.ReliableOrdered, p.Channel)
	assert.Equal(t, "structural", string(p.Payload))

	require.NoError(t, conn.Send(transport.ReliableOrdered, []byte("resync")))
	got := wait(t, h.received)
	assert.Equal(t, transport.ReliableOrdered, got.Channel)
	assert.Equal(t, "resync", string(got.Payload))

	// Datagrams are best effort even on localhost, so only the send path is
	// checked here.
	assert.NoError(t, srv.Send(id, transport.Unreliable, []byte("values")))

	srv.Kick(id)
	assert.Equal(t, id, wait(t, h.disconnected))
}
