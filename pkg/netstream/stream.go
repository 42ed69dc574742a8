package netstream

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrUnderflow is returned when a read would pass the written length of the stream.
var ErrUnderflow = errors.New("netstream: read past written data")

// ErrStringTooLong is returned when a string or byte blob exceeds the wire length limit.
var ErrStringTooLong = errors.New("netstream: blob exceeds length limit")

// MaxBlobLen bounds the length prefix of strings and byte blobs.
const MaxBlobLen = 1 << 24

// Stream is a growable byte buffer with independent typed read and write
// cursors. The same buffer can be filled once and replayed many times.
// All numeric encodings are little-endian and untagged: both sides must
// agree on the shape out of band.
type Stream struct {
	buf  []byte
	rpos int
}

// New returns an empty stream with a small preallocated buffer.
func New() *Stream {
	return &Stream{buf: make([]byte, 0, 256)}
}

// FromBytes returns a stream that replays b. The buffer is not copied.
func FromBytes(b []byte) *Stream {
	return &Stream{buf: b}
}

// Reset clears both cursors, keeping the allocated capacity.
func (s *Stream) Reset() {
	s.buf = s.buf[:0]
	s.rpos = 0
}

// ResetBytes makes the stream replay b, discarding any previous content.
func (s *Stream) ResetBytes(b []byte) {
	s.buf = b
	s.rpos = 0
}

// Bytes returns the written portion of the buffer.
func (s *Stream) Bytes() []byte { return s.buf }

// Len returns the number of written bytes.
func (s *Stream) Len() int { return len(s.buf) }

// Pos returns the read cursor position.
func (s *Stream) Pos() int { return s.rpos }

// Remaining returns the number of unread bytes.
func (s *Stream) Remaining() int { return len(s.buf) - s.rpos }

func (s *Stream) take(n int) ([]byte, error) {
	if s.rpos+n > len(s.buf) {
		return nil, ErrUnderflow
	}
	b := s.buf[s.rpos : s.rpos+n]
	s.rpos += n
	return b, nil
}

// WriteBool writes a bool as a single byte.
func (s *Stream) WriteBool(v bool) {
	if v {
		s.buf = append(s.buf, 1)
	} else {
		s.buf = append(s.buf, 0)
	}
}

// ReadBool reads a single-byte bool.
func (s *Stream) ReadBool() (bool, error) {
	b, err := s.take(1)
	if err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

// WriteUint8 writes a single byte.
func (s *Stream) WriteUint8(v uint8) {
	s.buf = append(s.buf, v)
}

// ReadUint8 reads a single byte.
func (s *Stream) ReadUint8() (uint8, error) {
	b, err := s.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// WriteUint16 writes a little-endian uint16.
func (s *Stream) WriteUint16(v uint16) {
	s.buf = binary.LittleEndian.AppendUint16(s.buf, v)
}

// ReadUint16 reads a little-endian uint16.
func (s *Stream) ReadUint16() (uint16, error) {
	b, err := s.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// WriteUint32 writes a little-endian uint32.
func (s *Stream) WriteUint32(v uint32) {
	s.buf = binary.LittleEndian.AppendUint32(s.buf, v)
}

// ReadUint32 reads a little-endian uint32.
func (s *Stream) ReadUint32() (uint32, error) {
	b, err := s.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// WriteUint64 writes a little-endian uint64.
func (s *Stream) WriteUint64(v uint64) {
	s.buf = binary.LittleEndian.AppendUint64(s.buf, v)
}

// ReadUint64 reads a little-endian uint64.
func (s *Stream) ReadUint64() (uint64, error) {
	b, err := s.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// WriteInt32 writes a little-endian int32.
func (s *Stream) WriteInt32(v int32) { s.WriteUint32(uint32(v)) }

// ReadInt32 reads a little-endian int32.
func (s *Stream) ReadInt32() (int32, error) {
	v, err := s.ReadUint32()
	return int32(v), err
}

// WriteInt64 writes a little-endian int64.
func (s *Stream) WriteInt64(v int64) { s.WriteUint64(uint64(v)) }

// ReadInt64 reads a little-endian int64.
func (s *Stream) ReadInt64() (int64, error) {
	v, err := s.ReadUint64()
	return int64(v), err
}

// WriteFloat writes v with per-call precision: 8 bytes when wide, else 4.
// Wide and narrow payloads interoperate as long as both sides pass the
// same flag for the same field.
func (s *Stream) WriteFloat(v float64, wide bool) {
	if wide {
		s.WriteUint64(math.Float64bits(v))
	} else {
		s.WriteUint32(math.Float32bits(float32(v)))
	}
}

// ReadFloat reads a float written with the same precision flag.
func (s *Stream) ReadFloat(wide bool) (float64, error) {
	if wide {
		bits, err := s.ReadUint64()
		if err != nil {
			return 0, err
		}
		return math.Float64frombits(bits), nil
	}
	bits, err := s.ReadUint32()
	if err != nil {
		return 0, err
	}
	return float64(math.Float32frombits(bits)), nil
}

// WriteVector writes len(v) float components with the given precision.
func (s *Stream) WriteVector(v []float64, wide bool) {
	for _, c := range v {
		s.WriteFloat(c, wide)
	}
}

// ReadVector reads n float components into a new slice.
func (s *Stream) ReadVector(n int, wide bool) ([]float64, error) {
	v := make([]float64, n)
	for i := range v {
		c, err := s.ReadFloat(wide)
		if err != nil {
			return nil, err
		}
		v[i] = c
	}
	return v, nil
}

// WriteBytes writes a length-prefixed byte blob.
func (s *Stream) WriteBytes(b []byte) error {
	if len(b) > MaxBlobLen {
		return ErrStringTooLong
	}
	s.WriteUint32(uint32(len(b)))
	s.buf = append(s.buf, b...)
	return nil
}

// ReadBytes reads a length-prefixed byte blob. The returned slice aliases
// the stream buffer.
func (s *Stream) ReadBytes() ([]byte, error) {
	n, err := s.ReadUint32()
	if err != nil {
		return nil, err
	}
	if n > MaxBlobLen {
		return nil, ErrStringTooLong
	}
	return s.take(int(n))
}

// WriteString writes a length-prefixed UTF-8 string.
func (s *Stream) WriteString(v string) error {
	if len(v) > MaxBlobLen {
		return ErrStringTooLong
	}
	s.WriteUint32(uint32(len(v)))
	s.buf = append(s.buf, v...)
	return nil
}

// ReadString reads a length-prefixed UTF-8 string.
func (s *Stream) ReadString() (string, error) {
	b, err := s.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// WriteRaw appends b without a length prefix.
func (s *Stream) WriteRaw(b []byte) {
	s.buf = append(s.buf, b...)
}

// ReadRaw reads n bytes without a length prefix.
func (s *Stream) ReadRaw(n int) ([]byte, error) {
	return s.take(n)
}
