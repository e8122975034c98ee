// Package encoder turns a client's pending journal work into wire frames.
package encoder

import (
	"fmt"

	"mine-and-die/replication/internal/changes"
	"mine-and-die/replication/internal/journal"
	"mine-and-die/replication/internal/registry"
	"mine-and-die/replication/internal/telemetry"
	"mine-and-die/replication/internal/tick"
	"mine-and-die/replication/internal/transport"
	"mine-and-die/replication/internal/wire"
)

// DefaultMaxMessageBytes keeps frames under a typical path MTU.
const DefaultMaxMessageBytes = 1200

// minMessageBytes is the smallest limit that still leaves room for a header
// and a small record.
const minMessageBytes = 64

// Config tunes message sizing.
type Config struct {
	MaxMessageBytes int
}

// Frame is one encoded part ready for the transport.
type Frame struct {
	Channel transport.Channel
	Type    wire.Type
	Range   tick.Range
	Part    uint32
	Parts   uint32
	Payload []byte
}

// Batch is everything encoded for one client at one tick.
type Batch struct {
	Client   string
	Frames   []Frame
	Delivery journal.Delivery
	Bytes    int
	Records  int
}

// Encoder is stateless apart from configuration and safe for concurrent use.
type Encoder struct {
	registry *registry.Registry
	maxBytes int
	metrics  telemetry.Metrics
}

// New constructs an encoder.
func New(reg *registry.Registry, cfg Config, metrics telemetry.Metrics) *Encoder {
	maxBytes := cfg.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	if maxBytes < minMessageBytes {
		maxBytes = minMessageBytes
	}
	return &Encoder{registry: reg, maxBytes: maxBytes, metrics: metrics}
}

// MaxMessageBytes reports the effective split threshold.
func (e *Encoder) MaxMessageBytes() int {
	return e.maxBytes
}

// Encode builds the frames for p. A new or out-of-sync client receives a
// single snapshot; otherwise a structural message (reliable) and a values
// message (unreliable) are produced when they have content.
func (e *Encoder) Encode(p journal.Pending) (Batch, error) {
	batch := Batch{
		Client: p.Client,
		Delivery: journal.Delivery{
			Tick:       p.Tick,
			Snapshot:   p.Snapshot != nil,
			Structural: p.Snapshot == nil && len(p.Structural) > 0,
			Reason:     p.Reason,
		},
	}
	if p.Snapshot != nil {
		msg := wire.Message{
			Type:               wire.TypeSnapshot,
			Range:              tick.Range{From: 0, To: p.Snapshot.Tick},
			RequiresStructural: p.Snapshot.Tick,
			Structural:         toWire(p.Snapshot.Records, nil),
		}
		if err := e.emit(&batch, transport.ReliableOrdered, msg); err != nil {
			return Batch{}, err
		}
		return batch, nil
	}

	if len(p.Structural) > 0 {
		msg := wire.Message{
			Type:               wire.TypeStructural,
			Range:              p.StructuralRange,
			RequiresStructural: p.StructuralRange.To,
			Structural:         toWire(p.Structural, nil),
		}
		if err := e.emit(&batch, transport.ReliableOrdered, msg); err != nil {
			return Batch{}, err
		}
	}

	if p.HasValues {
		msg := wire.Message{
			Type:               wire.TypeValues,
			Range:              p.ValuesRange,
			RequiresStructural: p.RequiresStructural,
			Components:         toWire(p.Deltas, e.isValue),
		}
		if err := e.emit(&batch, transport.Unreliable, msg); err != nil {
			return Batch{}, err
		}
	}
	return batch, nil
}

// isValue keeps collapsed adds and changes of components that travel on the
// unreliable channel.
func (e *Encoder) isValue(rec changes.Record) bool {
	if rec.Kind != changes.KindComponentAdded && rec.Kind != changes.KindComponentChanged {
		return false
	}
	return e.registry.ChannelOf(rec.Tag) == registry.ChannelUnreliable
}

func toWire(records []changes.Record, keep func(changes.Record) bool) []wire.Record {
	out := make([]wire.Record, 0, len(records))
	for _, rec := range records {
		if keep != nil && !keep(rec) {
			continue
		}
		out = append(out, wire.FromChange(rec))
	}
	return out
}

func (e *Encoder) emit(batch *Batch, ch transport.Channel, msg wire.Message) error {
	parts := Split(msg, e.maxBytes)
	if len(parts) > 1 && e.metrics != nil {
		e.metrics.Add(telemetry.MetricMessagesSplit, 1)
	}
	for _, part := range parts {
		payload, err := wire.EncodeMessage(part)
		if err != nil {
			return fmt.Errorf("encoder: %s %s part %d/%d: %w", msg.Type, msg.Range, part.Part, part.Parts, err)
		}
		batch.Frames = append(batch.Frames, Frame{
			Channel: ch,
			Type:    part.Type,
			Range:   part.Range,
			Part:    part.Part,
			Parts:   part.Parts,
			Payload: payload,
		})
		batch.Bytes += len(payload)
		batch.Records += part.Records()
	}
	return nil
}

// Split cuts msg into parts whose encoded size stays within maxBytes. Records
// keep their order and are never dropped; a record too large for any part
// travels alone. Every part carries the same type and range.
func Split(msg wire.Message, maxBytes int) []wire.Message {
	if msg.Size() <= maxBytes {
		msg.Part, msg.Parts = 0, 1
		return []wire.Message{msg}
	}

	total := msg.Records()
	// Header budget sized for the worst case: part index, part count and both
	// list counts as large as the record count.
	worst := msg
	worst.Part = uint32(total)
	worst.Parts = uint32(total)
	worst.Structural = make([]wire.Record, total)
	worst.Components = make([]wire.Record, total)
	header := worst.HeaderSize()

	var parts []wire.Message
	current := wire.Message{Type: msg.Type, Range: msg.Range, RequiresStructural: msg.RequiresStructural}
	size := header
	flush := func() {
		parts = append(parts, current)
		current = wire.Message{Type: msg.Type, Range: msg.Range, RequiresStructural: msg.RequiresStructural}
		size = header
	}
	for _, rec := range msg.Structural {
		if current.Records() > 0 && size+rec.Size() > maxBytes {
			flush()
		}
		current.Structural = append(current.Structural, rec)
		size += rec.Size()
	}
	for _, rec := range msg.Components {
		if current.Records() > 0 && size+rec.Size() > maxBytes {
			flush()
		}
		current.Components = append(current.Components, rec)
		size += rec.Size()
	}
	if current.Records() > 0 || len(parts) == 0 {
		parts = append(parts, current)
	}
	for i := range parts {
		parts[i].Part = uint32(i)
		parts[i].Parts = uint32(len(parts))
	}
	return parts
}
