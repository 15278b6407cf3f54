package midi

import (
	"errors"
	"fmt"
)

// MaxDeltaTime is the largest delta-time four VLQ bytes can hold.
const MaxDeltaTime = 0x0FFFFFFF

// maxVLQBytes is the longest delta-time encoding MIDI allows.
const maxVLQBytes = 4

var (
	// ErrShortBuffer means the stream ends part way through an event. More
	// data may arrive later.
	ErrShortBuffer = errors.New("stream ends mid-event")
	// ErrDeltaTimeTooLong is returned for a delta-time with a continuation
	// bit set on its fourth byte.
	ErrDeltaTimeTooLong = errors.New("delta-time longer than 4 bytes")
)

// Source is random access to stream bytes: the playback buffer View, or
// Bytes.
type Source interface {
	At(off int) (byte, error)
	Len() int
}

// Bytes is a Source over a plain slice.
type Bytes []byte

func (b Bytes) Len() int { return len(b) }

func (b Bytes) At(off int) (byte, error) {
	if off < 0 || off >= len(b) {
		return 0, fmt.Errorf("offset %d, length %d: %w", off, len(b), ErrShortBuffer)
	}
	return b[off], nil
}

// at reads one byte, reporting running off the end of the stream as
// ErrShortBuffer.
func at(src Source, off int) (byte, error) {
	if off >= src.Len() {
		return 0, fmt.Errorf("offset %d, length %d: %w", off, src.Len(), ErrShortBuffer)
	}
	return src.At(off)
}

// DecodeDeltaTime reads a variable-length delta-time starting at off. Each
// byte contributes its low 7 bits, most significant first, and a set high bit
// means another byte follows. It returns the value and the number of bytes
// consumed.
func DecodeDeltaTime(src Source, off int) (uint32, int, error) {
	var v uint32
	for n := 1; n <= maxVLQBytes; n++ {
		b, err := at(src, off+n-1)
		if err != nil {
			return 0, 0, err
		}
		v = v<<7 | uint32(b&0x7F)
		if b&0x80 == 0 {
			return v, n, nil
		}
	}
	return 0, 0, fmt.Errorf("at offset %d: %w", off, ErrDeltaTimeTooLong)
}

// AppendDeltaTime appends the VLQ encoding of v to dst.
func AppendDeltaTime(dst []byte, v uint32) ([]byte, error) {
	if v > MaxDeltaTime {
		return dst, fmt.Errorf("delta-time %d exceeds %d", v, MaxDeltaTime)
	}
	var tmp [maxVLQBytes]byte
	i := len(tmp) - 1
	tmp[i] = byte(v & 0x7F)
	for v >>= 7; v != 0; v >>= 7 {
		i--
		tmp[i] = byte(v&0x7F) | 0x80
	}
	return append(dst, tmp[i:]...), nil
}
