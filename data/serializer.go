package data

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// The config record is persisted with a fixed binary layout: little-endian
// fixed-width integers, uint32-length-prefixed strings, uint64-length-prefixed
// byte blobs, and an optional unprefixed tail blob whose size is implied by
// the end of the stream.

var (
	ErrSerializationOverflow  = errors.New("serialization overflow")
	ErrSerializationUnderrun  = errors.New("serialization did not fill the buffer")
	ErrDeserializationShort   = errors.New("deserialization input too short")
	ErrDeserializationTrailer = errors.New("deserialization input has trailing bytes")
)

// Serializer writes into a pre-sized buffer and fails if the writes do not
// exactly fill it. Sizing mistakes surface as errors instead of silently
// producing a config record other versions cannot read.
type Serializer struct {
	buf Data
	pos int
	err error
}

func NewSerializer(size uint64) *Serializer {
	return &Serializer{buf: NewData(size)}
}

func (s *Serializer) reserve(n int) []byte {
	if s.err != nil {
		return nil
	}
	if s.pos+n > len(s.buf) {
		s.err = ErrSerializationOverflow
		return nil
	}
	out := s.buf[s.pos : s.pos+n]
	s.pos += n
	return out
}

func (s *Serializer) WriteUint8(v uint8) {
	if b := s.reserve(1); b != nil {
		b[0] = v
	}
}

func (s *Serializer) WriteUint32(v uint32) {
	if b := s.reserve(4); b != nil {
		binary.LittleEndian.PutUint32(b, v)
	}
}

func (s *Serializer) WriteUint64(v uint64) {
	if b := s.reserve(8); b != nil {
		binary.LittleEndian.PutUint64(b, v)
	}
}

func (s *Serializer) WriteString(v string) {
	s.WriteUint32(uint32(len(v)))
	if b := s.reserve(len(v)); b != nil {
		copy(b, v)
	}
}

func (s *Serializer) WriteData(v Data) {
	s.WriteUint64(v.Size())
	if b := s.reserve(len(v)); b != nil {
		copy(b, v)
	}
}

// WriteTailData writes v without a length prefix. It must be the last write;
// the deserializer recovers the size from the end of the stream.
func (s *Serializer) WriteTailData(v Data) {
	if b := s.reserve(len(v)); b != nil {
		copy(b, v)
	}
}

// Finished hands out the filled buffer. It fails unless the writes used the
// buffer exactly.
func (s *Serializer) Finished() (Data, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.pos != len(s.buf) {
		return nil, ErrSerializationUnderrun
	}
	return s.buf, nil
}

// StringSize returns the serialized size of a string.
func StringSize(v string) uint64 {
	return 4 + uint64(len(v))
}

// DataSize returns the serialized size of a length-prefixed blob.
func DataSize(v Data) uint64 {
	return 8 + v.Size()
}

// Deserializer reads the layout written by Serializer.
type Deserializer struct {
	buf Data
	pos int
}

func NewDeserializer(source Data) *Deserializer {
	return &Deserializer{buf: source}
}

func (d *Deserializer) take(n int) ([]byte, error) {
	if d.pos+n > len(d.buf) {
		return nil, ErrDeserializationShort
	}
	out := d.buf[d.pos : d.pos+n]
	d.pos += n
	return out, nil
}

func (d *Deserializer) ReadUint8() (uint8, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *Deserializer) ReadUint32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *Deserializer) ReadUint64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (d *Deserializer) ReadString() (string, error) {
	size, err := d.ReadUint32()
	if err != nil {
		return "", err
	}
	b, err := d.take(int(size))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *Deserializer) ReadData() (Data, error) {
	size, err := d.ReadUint64()
	if err != nil {
		return nil, err
	}
	if size > uint64(len(d.buf)-d.pos) {
		return nil, fmt.Errorf("%w: blob size %d exceeds remaining input", ErrDeserializationShort, size)
	}
	b, err := d.take(int(size))
	if err != nil {
		return nil, err
	}
	return NewDataFromBytes(b), nil
}

// ReadTailData consumes everything up to the end of the stream.
func (d *Deserializer) ReadTailData() Data {
	out := NewDataFromBytes(d.buf[d.pos:])
	d.pos = len(d.buf)
	return out
}

// Finished fails if input bytes remain unread. Trailing garbage in a config
// record means the record was not written by this codec.
func (d *Deserializer) Finished() error {
	if d.pos != len(d.buf) {
		return ErrDeserializationTrailer
	}
	return nil
}
