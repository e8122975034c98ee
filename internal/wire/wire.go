// Package wire defines the binary frame format exchanged between server and
// client. Every frame starts with a version byte and a message type byte;
// integers are unsigned varints and payloads are length-prefixed.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"mine-and-die/replication/internal/changes"
	"mine-and-die/replication/internal/registry"
	"mine-and-die/replication/internal/tick"
	"mine-and-die/replication/internal/world"
)

// Version is the frame format revision.
const Version byte = 1

// MaxParts bounds the number of parts a split message may declare.
const MaxParts = 1 << 12

var (
	// ErrTruncated reports a frame that ends before a field is complete.
	ErrTruncated = errors.New("wire: truncated frame")
	// ErrTrailingBytes reports bytes left after the last field.
	ErrTrailingBytes = errors.New("wire: trailing bytes")
	// ErrUnknownMessage reports an unsupported version or message type.
	ErrUnknownMessage = errors.New("wire: unknown message")
	// ErrMalformed reports a field with an impossible value.
	ErrMalformed = errors.New("wire: malformed frame")
)

// Type identifies the frame body layout.
type Type byte

const (
	TypeStructural Type = iota + 1
	TypeValues
	TypeSnapshot
	TypeAck
	TypeResyncRequest
)

func (t Type) String() string {
	switch t {
	case TypeStructural:
		return "structural"
	case TypeValues:
		return "values"
	case TypeSnapshot:
		return "snapshot"
	case TypeAck:
		return "ack"
	case TypeResyncRequest:
		return "resync_request"
	default:
		return fmt.Sprintf("type(%d)", byte(t))
	}
}

// IsDelta reports whether the type carries a Message body.
func (t Type) IsDelta() bool {
	return t == TypeStructural || t == TypeValues || t == TypeSnapshot
}

// Record is a change as it travels on the wire.
type Record struct {
	Kind    changes.Kind
	Entity  world.EntityID
	Tag     registry.Tag
	Payload []byte
}

// Size reports the encoded size of the record.
func (r Record) Size() int {
	return 1 + uvarintLen(uint64(r.Entity)) + uvarintLen(uint64(r.Tag)) + uvarintLen(uint64(len(r.Payload))) + len(r.Payload)
}

// FromChange converts a tracked change into its wire form.
func FromChange(rec changes.Record) Record {
	return Record{Kind: rec.Kind, Entity: rec.Entity, Tag: rec.Tag, Payload: rec.Payload}
}

// Message is a structural, values or snapshot delta. A message split for
// size travels as Parts frames sharing the same Range and Type.
type Message struct {
	Type               Type
	Range              tick.Range
	RequiresStructural tick.Tick
	Part               uint32
	Parts              uint32

	Structural []Record
	Components []Record
}

// Records reports the number of records in the message.
func (m Message) Records() int {
	return len(m.Structural) + len(m.Components)
}

// HeaderSize reports the encoded size of the message without its records.
func (m Message) HeaderSize() int {
	return 2 +
		uvarintLen(uint64(m.Range.From)) +
		uvarintLen(uint64(m.Range.To)) +
		uvarintLen(uint64(m.RequiresStructural)) +
		uvarintLen(uint64(m.Part)) +
		uvarintLen(uint64(m.Parts)) +
		uvarintLen(uint64(len(m.Structural))) +
		uvarintLen(uint64(len(m.Components)))
}

// Size reports the encoded size of the message.
func (m Message) Size() int {
	size := m.HeaderSize()
	for _, rec := range m.Structural {
		size += rec.Size()
	}
	for _, rec := range m.Components {
		size += rec.Size()
	}
	return size
}

// EncodeMessage serialises a delta message.
func EncodeMessage(m Message) ([]byte, error) {
	if !m.Type.IsDelta() {
		return nil, fmt.Errorf("%w: %s is not a delta", ErrUnknownMessage, m.Type)
	}
	parts := m.Parts
	if parts == 0 {
		parts = 1
	}
	if m.Part >= parts || parts > MaxParts {
		return nil, fmt.Errorf("%w: part %d of %d", ErrMalformed, m.Part, parts)
	}
	if m.Range.To < m.Range.From {
		return nil, fmt.Errorf("%w: range %s", ErrMalformed, m.Range)
	}
	buf := make([]byte, 0, m.Size())
	buf = append(buf, Version, byte(m.Type))
	buf = binary.AppendUvarint(buf, uint64(m.Range.From))
	buf = binary.AppendUvarint(buf, uint64(m.Range.To))
	buf = binary.AppendUvarint(buf, uint64(m.RequiresStructural))
	buf = binary.AppendUvarint(buf, uint64(m.Part))
	buf = binary.AppendUvarint(buf, uint64(parts))
	var err error
	if buf, err = appendRecords(buf, m.Structural); err != nil {
		return nil, err
	}
	if buf, err = appendRecords(buf, m.Components); err != nil {
		return nil, err
	}
	return buf, nil
}

func appendRecords(buf []byte, records []Record) ([]byte, error) {
	buf = binary.AppendUvarint(buf, uint64(len(records)))
	for _, rec := range records {
		if !rec.Kind.Valid() {
			return nil, fmt.Errorf("%w: record kind %d", ErrMalformed, rec.Kind)
		}
		buf = append(buf, byte(rec.Kind))
		buf = binary.AppendUvarint(buf, uint64(rec.Entity))
		buf = binary.AppendUvarint(buf, uint64(rec.Tag))
		buf = binary.AppendUvarint(buf, uint64(len(rec.Payload)))
		buf = append(buf, rec.Payload...)
	}
	return buf, nil
}

// EncodeAck serialises an acknowledgement of the highest applied tick.
func EncodeAck(t tick.Tick) []byte {
	return encodeTick(TypeAck, t)
}

// EncodeResyncRequest serialises a client's request for a full snapshot.
func EncodeResyncRequest(applied tick.Tick) []byte {
	return encodeTick(TypeResyncRequest, applied)
}

func encodeTick(typ Type, t tick.Tick) []byte {
	buf := make([]byte, 0, 2+binary.MaxVarintLen64)
	buf = append(buf, Version, byte(typ))
	return binary.AppendUvarint(buf, uint64(t))
}

// PeekType validates the frame header and returns the message type.
func PeekType(frame []byte) (Type, error) {
	if len(frame) < 2 {
		return 0, ErrTruncated
	}
	if frame[0] != Version {
		return 0, fmt.Errorf("%w: version %d", ErrUnknownMessage, frame[0])
	}
	typ := Type(frame[1])
	switch typ {
	case TypeStructural, TypeValues, TypeSnapshot, TypeAck, TypeResyncRequest:
		return typ, nil
	default:
		return 0, fmt.Errorf("%w: type %d", ErrUnknownMessage, frame[1])
	}
}

// DecodeMessage parses a delta frame. Record payloads alias frame.
func DecodeMessage(frame []byte) (Message, error) {
	typ, err := PeekType(frame)
	if err != nil {
		return Message{}, err
	}
	if !typ.IsDelta() {
		return Message{}, fmt.Errorf("%w: %s is not a delta", ErrUnknownMessage, typ)
	}
	r := reader{buf: frame, pos: 2}
	m := Message{Type: typ}
	var from, to, requires, part, parts uint64
	for _, field := range []*uint64{&from, &to, &requires, &part, &parts} {
		if *field, err = r.uvarint(); err != nil {
			return Message{}, err
		}
	}
	m.Range = tick.Range{From: tick.Tick(from), To: tick.Tick(to)}
	m.RequiresStructural = tick.Tick(requires)
	if to < from {
		return Message{}, fmt.Errorf("%w: range %s", ErrMalformed, m.Range)
	}
	if parts == 0 || part >= parts || parts > MaxParts {
		return Message{}, fmt.Errorf("%w: part %d of %d", ErrMalformed, part, parts)
	}
	m.Part = uint32(part)
	m.Parts = uint32(parts)
	if m.Structural, err = r.records(); err != nil {
		return Message{}, err
	}
	if m.Components, err = r.records(); err != nil {
		return Message{}, err
	}
	if r.pos != len(frame) {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrTrailingBytes, len(frame)-r.pos)
	}
	return m, nil
}

// DecodeTick parses an ack or resync request frame.
func DecodeTick(frame []byte) (Type, tick.Tick, error) {
	typ, err := PeekType(frame)
	if err != nil {
		return 0, 0, err
	}
	if typ != TypeAck && typ != TypeResyncRequest {
		return 0, 0, fmt.Errorf("%w: %s does not carry a tick", ErrUnknownMessage, typ)
	}
	r := reader{buf: frame, pos: 2}
	value, err := r.uvarint()
	if err != nil {
		return 0, 0, err
	}
	if r.pos != len(frame) {
		return 0, 0, fmt.Errorf("%w: %d bytes", ErrTrailingBytes, len(frame)-r.pos)
	}
	return typ, tick.Tick(value), nil
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) uvarint() (uint64, error) {
	value, n := binary.Uvarint(r.buf[r.pos:])
	if n == 0 {
		return 0, ErrTruncated
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: varint overflow", ErrMalformed)
	}
	r.pos += n
	return value, nil
}

func (r *reader) records() ([]Record, error) {
	count, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	// Every record needs at least four bytes; reject counts the frame cannot
	// possibly hold before allocating.
	if count > uint64(len(r.buf)-r.pos)/4 {
		return nil, fmt.Errorf("%w: %d records declared", ErrTruncated, count)
	}
	if count == 0 {
		return nil, nil
	}
	out := make([]Record, 0, count)
	for i := uint64(0); i < count; i++ {
		if r.pos >= len(r.buf) {
			return nil, ErrTruncated
		}
		kind := changes.Kind(r.buf[r.pos])
		r.pos++
		if !kind.Valid() {
			return nil, fmt.Errorf("%w: record kind %d", ErrMalformed, kind)
		}
		entity, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		tag, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		if tag > uint64(^uint32(0)) {
			return nil, fmt.Errorf("%w: tag %d", ErrMalformed, tag)
		}
		size, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		if size > uint64(len(r.buf)-r.pos) {
			return nil, ErrTruncated
		}
		rec := Record{Kind: kind, Entity: world.EntityID(entity), Tag: registry.Tag(tag)}
		if size > 0 {
			rec.Payload = r.buf[r.pos : r.pos+int(size) : r.pos+int(size)]
		}
		r.pos += int(size)
		out = append(out, rec)
	}
	return out, nil
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}
