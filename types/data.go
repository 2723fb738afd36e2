package types

import "errors"

var errEmptyData = errors.New("data holds neither an object nor a buffer")

// Data carries a payload either as a decoded object or as the raw bytes it
// arrived in. Buffers are decoded lazily by Deserialize.
type Data[T any] struct {
	object *T
	buffer []byte
}

func NewObjectData[T any](object *T) Data[T] {
	return Data[T]{object: object}
}

func NewBufferData[T any](buffer []byte) Data[T] {
	return Data[T]{buffer: buffer}
}

func (d Data[T]) IsObject() bool {
	return d.object != nil
}

// Deserialize returns the object, decoding the buffer when needed.
func (d Data[T]) Deserialize() (*T, error) {
	if d.object != nil {
		return d.object, nil
	}
	if d.buffer == nil {
		return nil, errEmptyData
	}
	obj := new(T)
	if err := Decode(d.buffer, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// Bytes returns the serialized payload, encoding the object when needed.
func (d Data[T]) Bytes() ([]byte, error) {
	if d.buffer != nil {
		return d.buffer, nil
	}
	if d.object == nil {
		return nil, errEmptyData
	}
	return Encode(d.object)
}

// ToChecksum is the hash of the serialized payload.
func (d Data[T]) ToChecksum() (Hash, error) {
	b, err := d.Bytes()
	if err != nil {
		return Hash{}, err
	}
	return HashBytes(b), nil
}
