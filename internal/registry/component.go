package registry

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Codec converts typed component values to and from bytes.
type Codec[T any] interface {
	Marshal(value T) ([]byte, error)
	Unmarshal(data []byte) (T, error)
}

// Option customises a typed descriptor.
type Option[T any] func(*Descriptor)

// WithReliable pins value changes of the component to the reliable channel.
func WithReliable[T any]() Option[T] {
	return func(d *Descriptor) {
		d.Channel = ChannelReliable
	}
}

// WithClone installs a copy function for values holding shared memory
// (slices, maps, pointers).
func WithClone[T any](clone func(T) T) Option[T] {
	return func(d *Descriptor) {
		d.Clone = func(value any) any {
			typed, ok := value.(T)
			if !ok {
				return value
			}
			return clone(typed)
		}
	}
}

// WithEntityMapper installs a function rewriting embedded entity references.
func WithEntityMapper[T any](mapFn func(T, EntityMapper) T) Option[T] {
	return func(d *Descriptor) {
		d.MapEntities = func(value any, mapper EntityMapper) any {
			typed, ok := value.(T)
			if !ok {
				return value
			}
			return mapFn(typed, mapper)
		}
	}
}

// Component builds a descriptor for a comparable value type using == for
// change detection.
func Component[T comparable](tag Tag, name string, codec Codec[T], opts ...Option[T]) Descriptor {
	return ComponentFunc(tag, name, codec, func(a, b T) bool { return a == b }, opts...)
}

// ComponentFunc builds a descriptor with a caller-supplied equality function.
func ComponentFunc[T any](tag Tag, name string, codec Codec[T], equal func(a, b T) bool, opts ...Option[T]) Descriptor {
	d := Descriptor{
		Tag:  tag,
		Name: name,
		Serialize: func(value any) ([]byte, error) {
			typed, ok := value.(T)
			if !ok {
				return nil, fmt.Errorf("registry: %s: unexpected value type %T", name, value)
			}
			return codec.Marshal(typed)
		},
		Deserialize: func(data []byte) (any, error) {
			value, err := codec.Unmarshal(data)
			if err != nil {
				return nil, err
			}
			return value, nil
		},
		Equal: func(a, b any) bool {
			ta, okA := a.(T)
			tb, okB := b.(T)
			if !okA || !okB {
				return false
			}
			return equal(ta, tb)
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&d)
		}
	}
	return d
}

// JSONCodec encodes values with encoding/json.
type JSONCodec[T any] struct{}

// JSON returns a JSON codec for T.
func JSON[T any]() Codec[T] {
	return JSONCodec[T]{}
}

// Marshal implements Codec.
func (JSONCodec[T]) Marshal(value T) ([]byte, error) {
	return json.Marshal(value)
}

// Unmarshal implements Codec.
func (JSONCodec[T]) Unmarshal(data []byte) (T, error) {
	var value T
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&value); err != nil {
		return value, err
	}
	if dec.More() {
		return value, fmt.Errorf("registry: trailing json data")
	}
	return value, nil
}

// BinaryCodec encodes fixed-size values (structs of numeric fields, arrays)
// little-endian with encoding/binary.
type BinaryCodec[T any] struct{}

// Binary returns a fixed-size binary codec for T.
func Binary[T any]() Codec[T] {
	return BinaryCodec[T]{}
}

// Marshal implements Codec.
func (BinaryCodec[T]) Marshal(value T) ([]byte, error) {
	size := binary.Size(value)
	if size < 0 {
		return nil, fmt.Errorf("registry: %T is not fixed-size", value)
	}
	buf := bytes.NewBuffer(make([]byte, 0, size))
	if err := binary.Write(buf, binary.LittleEndian, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal implements Codec. The payload length must match the type size
// exactly.
func (BinaryCodec[T]) Unmarshal(data []byte) (T, error) {
	var value T
	size := binary.Size(value)
	if size < 0 {
		return value, fmt.Errorf("registry: %T is not fixed-size", value)
	}
	if len(data) != size {
		return value, fmt.Errorf("registry: %T payload is %d bytes, want %d", value, len(data), size)
	}
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &value); err != nil {
		return value, err
	}
	return value, nil
}
