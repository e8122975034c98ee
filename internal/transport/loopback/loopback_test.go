package loopback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mine-and-die/replication/internal/transport"
)

type recorder struct {
	mu           sync.Mutex
	connected    []string
	disconnected []string
	received     []transport.Packet
}

func (r *recorder) Connected(client string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = append(r.connected, client)
}

func (r *recorder) Disconnected(client string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, client)
}

func (r *recorder) Received(_ string, p transport.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, p)
}

func drain(c *Conn) []string {
	var out []string
	for {
		p, ok := c.TryRecv()
		if !ok {
			return out
		}
		out = append(out, string(p.Payload))
	}
}

func TestReliableFramesArriveInOrder(t *testing.T) {
	rec := &recorder{}
	n := NewNetwork(rec, Link{Loss: 1})
	c, err := n.Dial("a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, rec.connected)

	for _, s := range []string{"1", "2", "3"} {
		require.NoError(t, n.Send("a", transport.ReliableOrdered, []byte(s)))
	}
	require.NoError(t, n.Send("a", transport.Unreliable, []byte("lost")))
	assert.Equal(t, []string{"1", "2", "3"}, drain(c))
}

func TestDropHookIsDeterministic(t *testing.T) {
	n := NewNetwork(&recorder{}, Link{Drop: func(_ string, payload []byte) bool {
		return string(payload) == "6"
	}})
	c, err := n.Dial("a")
	require.NoError(t, err)
	for _, s := range []string{"5", "6", "7"} {
		require.NoError(t, n.Send("a", transport.Unreliable, []byte(s)))
	}
	assert.Equal(t, []string{"5", "7"}, drain(c))
}

func TestReorderHoldsFrameBehindNext(t *testing.T) {
	n := NewNetwork(&recorder{}, Link{Reorder: 1})
	c, err := n.Dial("a")
	require.NoError(t, err)
	require.NoError(t, n.Send("a", transport.Unreliable, []byte("1")))
	require.NoError(t, n.Send("a", transport.Unreliable, []byte("2")))
	assert.Equal(t, []string{"2", "1"}, drain(c))
}

func TestDuplicate(t *testing.T) {
	n := NewNetwork(&recorder{}, Link{Duplicate: 1})
	c, err := n.Dial("a")
	require.NoError(t, err)
	require.NoError(t, n.Send("a", transport.Unreliable, []byte("x")))
	assert.Equal(t, []string{"x", "x"}, drain(c))
}

func TestClientSendAndClose(t *testing.T) {
	rec := &recorder{}
	n := NewNetwork(rec, Link{})
	c, err := n.Dial("a")
	require.NoError(t, err)

	_, err = n.Dial("a")
	assert.Error(t, err)

	require.NoError(t, c.Send(transport.Unreliable, []byte("ack")))
	require.Len(t, rec.received, 1)
	assert.Equal(t, "ack", string(rec.received[0].Payload))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, []string{"a"}, rec.disconnected)
	assert.True(t, errors.Is(n.Send("a", transport.ReliableOrdered, nil), transport.ErrUnknownClient))
	assert.True(t, errors.Is(c.Send(transport.ReliableOrdered, nil), transport.ErrClosed))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Recv(ctx)
	assert.True(t, errors.Is(err, transport.ErrClosed))
}
