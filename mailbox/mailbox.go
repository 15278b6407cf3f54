// package mailbox carries events from the transport to the playback loop.
package mailbox

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Capacity is the number of items a mailbox holds before it starts dropping.
const Capacity = 10

// InlineSize is the largest payload an Inline item can carry.
const InlineSize = 18

// Opcode identifies what a mailbox item asks the playback loop to do.
type Opcode byte

const (
	OpStart  Opcode = 1
	OpAppend Opcode = 2
	OpStop   Opcode = 3

	// Reserved, no behaviour.
	OpReserved4  Opcode = 4
	OpReserved5  Opcode = 5
	OpReservedFF Opcode = 0xFF
)

func (o Opcode) String() string {
	switch o {
	case OpStart:
		return "start"
	case OpAppend:
		return "append"
	case OpStop:
		return "stop"
	}
	return fmt.Sprintf("opcode(%#02x)", byte(o))
}

// Item is a single mailbox entry. It is either a Control item, referencing
// bytes already written to the playback buffer, or an Inline item, which
// carries its payload by value. Items are immutable once sent.
type Item struct {
	kind   kind
	opcode Opcode
	length int
	n      uint8
	data   [InlineSize]byte
}

type kind byte

const (
	kindNone kind = iota
	kindControl
	kindInline
)

// Control makes an item announcing length bytes placed in the playback buffer.
func Control(op Opcode, length int) Item {
	return Item{kind: kindControl, opcode: op, length: length}
}

// Inline makes an item carrying p directly. It returns an error if p does not
// fit.
func Inline(op Opcode, p []byte) (Item, error) {
	if len(p) > InlineSize {
		return Item{}, fmt.Errorf("inline payload of %d bytes exceeds %d", len(p), InlineSize)
	}
	it := Item{kind: kindInline, opcode: op, n: uint8(len(p))}
	copy(it.data[:], p)
	return it, nil
}

func (it Item) Opcode() Opcode { return it.opcode }

// IsInline reports whether the item carries its own payload.
func (it Item) IsInline() bool { return it.kind == kindInline }

// Length is the number of bytes the item refers to: the buffer bytes for a
// Control item, the payload size for an Inline one.
func (it Item) Length() int {
	if it.kind == kindInline {
		return int(it.n)
	}
	return it.length
}

// Payload returns a copy of an Inline item's bytes, nil for Control items.
func (it Item) Payload() []byte {
	if it.kind != kindInline {
		return nil
	}
	return append([]byte(nil), it.data[:it.n]...)
}

func (it Item) String() string {
	switch it.kind {
	case kindControl:
		return fmt.Sprintf("Control(%v, %d)", it.opcode, it.length)
	case kindInline:
		return fmt.Sprintf("Inline(%v, % x)", it.opcode, it.data[:it.n])
	}
	return "Item()"
}

// Result is the outcome of TrySend.
type Result bool

const (
	Enqueued Result = true
	Dropped  Result = false
)

func (r Result) String() string {
	if r {
		return "enqueued"
	}
	return "dropped"
}

// Mailbox is a bounded FIFO. Senders never block; when it is full the item
// being sent is dropped. There is no redelivery.
type Mailbox struct {
	c       chan Item
	dropped atomic.Uint64
}

// New makes a mailbox holding up to capacity items.
func New(capacity int) *Mailbox {
	if capacity <= 0 {
		panic(fmt.Errorf("mailbox capacity %d", capacity))
	}
	return &Mailbox{c: make(chan Item, capacity)}
}

// TrySend enqueues it if there is room. It is safe to call from any goroutine,
// including callbacks that must not block.
func (m *Mailbox) TrySend(it Item) Result {
	select {
	case m.c <- it:
		return Enqueued
	default:
		m.dropped.Add(1)
		return Dropped
	}
}

// Receive waits up to timeout for an item. The bool is false if nothing
// arrived in time or ctx was cancelled.
func (m *Mailbox) Receive(ctx context.Context, timeout time.Duration) (Item, bool) {
	if it, ok := m.TryReceive(); ok {
		return it, true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case it := <-m.c:
		return it, true
	case <-t.C:
	case <-ctx.Done():
	}
	return Item{}, false
}

// TryReceive returns the oldest pending item without waiting.
func (m *Mailbox) TryReceive() (Item, bool) {
	select {
	case it := <-m.c:
		return it, true
	default:
		return Item{}, false
	}
}

// Len is the number of items currently queued.
func (m *Mailbox) Len() int { return len(m.c) }

// Cap is the mailbox capacity.
func (m *Mailbox) Cap() int { return cap(m.c) }

// Dropped is the number of items dropped because the mailbox was full.
func (m *Mailbox) Dropped() uint64 { return m.dropped.Load() }
