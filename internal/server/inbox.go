package server

import (
	"sync"

	"mine-and-die/replication/internal/telemetry"
	"mine-and-die/replication/internal/tick"
	"mine-and-die/replication/internal/wire"
)

// control is one decoded client-to-server message awaiting the next step.
type control struct {
	client string
	typ    wire.Type
	tick   tick.Tick
}

// Inbox stages control messages in a fixed-size ring. It is safe for
// concurrent producers and a single consumer.
type Inbox struct {
	mu      sync.Mutex
	data    []control
	head    int
	tail    int
	count   int
	metrics telemetry.Metrics
}

// NewInbox constructs a ring buffer with the provided capacity.
func NewInbox(capacity int, metrics telemetry.Metrics) *Inbox {
	if capacity < 1 {
		capacity = 1
	}
	return &Inbox{
		data:    make([]control, capacity),
		metrics: metrics,
	}
}

// Capacity reports the maximum number of staged messages.
func (b *Inbox) Capacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Push stages a message, returning false if the buffer is full.
func (b *Inbox) Push(msg control) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == len(b.data) {
		if b.metrics != nil {
			b.metrics.Add(telemetry.MetricInboxDropped, 1)
		}
		return false
	}
	b.data[b.tail] = msg
	b.tail = (b.tail + 1) % len(b.data)
	b.count++
	b.storeDepthLocked()
	return true
}

// Drain returns all staged messages in FIFO order and clears the buffer.
func (b *Inbox) Drain() []control {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return nil
	}
	out := make([]control, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.data[(b.head+i)%len(b.data)]
	}
	b.head = 0
	b.tail = 0
	b.count = 0
	b.storeDepthLocked()
	return out
}

// Len reports the number of staged messages.
func (b *Inbox) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func (b *Inbox) storeDepthLocked() {
	if b.metrics == nil {
		return
	}
	b.metrics.Store(telemetry.MetricInboxDepth, uint64(b.count))
}
