// package buffer provides the playback arena: one fixed block of memory that
// the transport writes streams into and the playback loop reads them out of.
package buffer

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// DefaultSize is the arena size used by the device.
const DefaultSize = 1 << 20

var (
	// ErrOverflow is returned for writes past the end of the arena.
	ErrOverflow = errors.New("playback buffer overflow")
	// ErrRegionClaimed is returned for writes into bytes currently being
	// played back.
	ErrRegionClaimed = errors.New("write overlaps region claimed by playback")
	// ErrRegionBusy is returned by Claim and Extend when a write is in
	// flight over the requested region. Try again later.
	ErrRegionBusy = errors.New("region is being written")
	// ErrConcurrentWrite is returned if two writers use the arena at once.
	ErrConcurrentWrite = errors.New("concurrent write to playback buffer")
	// ErrAlreadyClaimed is returned by Claim while another View is live.
	ErrAlreadyClaimed = errors.New("playback buffer already claimed")
	// ErrOutOfRange is returned for reads at or past the end of a View.
	ErrOutOfRange = errors.New("read past end of playback data")
	// ErrReleased is returned by a View after Release.
	ErrReleased = errors.New("playback view released")
)

// Arena is the playback buffer. It has a single writer, which calls WriteAt,
// and a single reader, which reads through a View obtained from Claim. The
// two never touch the same bytes at the same time: writes into the claimed
// region are refused, and claims over an in-flight write are refused. Neither
// side blocks.
type Arena struct {
	buf []byte

	// claimed is the length of the prefix readable through the live View,
	// 0 if there is none.
	claimed atomic.Int64
	// writing is the offset of the in-flight write, or -1.
	writing atomic.Int64
	held    atomic.Bool
}

// New allocates an arena of size bytes.
func New(size int) *Arena {
	if size <= 0 {
		panic(fmt.Errorf("arena size %d", size))
	}
	a := &Arena{buf: make([]byte, size)}
	a.writing.Store(-1)
	return a
}

// Size is the capacity of the arena in bytes.
func (a *Arena) Size() int { return len(a.buf) }

// WriteAt copies p into the arena at off.
func (a *Arena) WriteAt(p []byte, off int) error {
	if off < 0 || off+len(p) > len(a.buf) {
		return fmt.Errorf("%d bytes at offset %d, capacity %d: %w", len(p), off, len(a.buf), ErrOverflow)
	}
	if len(p) == 0 {
		return nil
	}
	if !a.writing.CompareAndSwap(-1, int64(off)) {
		return ErrConcurrentWrite
	}
	defer a.writing.Store(-1)
	if c := a.claimed.Load(); int64(off) < c {
		return fmt.Errorf("offset %d, claimed %d: %w", off, c, ErrRegionClaimed)
	}
	copy(a.buf[off:], p)
	return nil
}

// Claim hands out the read side of the arena over its first n bytes. Only one
// View may be live at a time.
func (a *Arena) Claim(n int) (*View, error) {
	if n < 0 || n > len(a.buf) {
		return nil, fmt.Errorf("claim of %d bytes, capacity %d: %w", n, len(a.buf), ErrOverflow)
	}
	if !a.held.CompareAndSwap(false, true) {
		return nil, ErrAlreadyClaimed
	}
	if err := a.publish(0, n); err != nil {
		a.held.Store(false)
		return nil, err
	}
	return &View{a: a, n: n}, nil
}

// publish moves the claimed length from old to n unless that would cover an
// in-flight write. The store happens before the load, and the writer does
// the same in the other order, so at least one side always sees the other.
func (a *Arena) publish(old, n int) error {
	a.claimed.Store(int64(n))
	if w := a.writing.Load(); w >= 0 && w < int64(n) {
		a.claimed.Store(int64(old))
		return ErrRegionBusy
	}
	return nil
}

// View is the read side of an Arena. It is not safe for concurrent use; the
// playback loop owns it.
type View struct {
	a        *Arena
	n        int
	released bool
}

// Len is the number of readable bytes.
func (v *View) Len() int {
	if v.released {
		return 0
	}
	return v.n
}

// Extend grows the readable prefix to n bytes, which is never less than the
// current length.
func (v *View) Extend(n int) error {
	if v.released {
		return ErrReleased
	}
	if n > len(v.a.buf) {
		return fmt.Errorf("extend to %d bytes, capacity %d: %w", n, len(v.a.buf), ErrOverflow)
	}
	if n <= v.n {
		return nil
	}
	if err := v.a.publish(v.n, n); err != nil {
		return err
	}
	v.n = n
	return nil
}

// At returns the byte at off.
func (v *View) At(off int) (byte, error) {
	if v.released {
		return 0, ErrReleased
	}
	if off < 0 || off >= v.n {
		return 0, fmt.Errorf("offset %d, length %d: %w", off, v.n, ErrOutOfRange)
	}
	return v.a.buf[off], nil
}

// Slice returns the n bytes at off. The slice aliases the arena and is only
// valid until Release.
func (v *View) Slice(off, n int) ([]byte, error) {
	if v.released {
		return nil, ErrReleased
	}
	if off < 0 || n < 0 || off+n > v.n {
		return nil, fmt.Errorf("%d bytes at offset %d, length %d: %w", n, off, v.n, ErrOutOfRange)
	}
	return v.a.buf[off : off+n : off+n], nil
}

// Release gives the region back to the writer. Calling it more than once is
// fine.
func (v *View) Release() {
	if v.released {
		return
	}
	v.released = true
	v.a.claimed.Store(0)
	v.a.held.Store(false)
}
