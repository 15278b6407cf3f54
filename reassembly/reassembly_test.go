package reassembly

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/pfcm/midistream/internal/buffer"
	"github.com/pfcm/midistream/internal/retry"
	"github.com/pfcm/midistream/mailbox"
)

var ctx = context.Background()

func newTest(size int) (*Reassembler, *buffer.Arena, *mailbox.Mailbox) {
	a := buffer.New(size)
	mb := mailbox.New(mailbox.Capacity)
	return New(a, mb, WithLogger(log.New(io.Discard))), a, mb
}

func chunk(flag byte, op mailbox.Opcode, payload []byte) []byte {
	return append([]byte{flag, byte(op)}, payload...)
}

func pattern(n int, seed byte) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = seed + byte(i)
	}
	return p
}

func TestReassemblesInOrder(t *testing.T) {
	r, a, mb := newTest(4 * Stride)
	parts := [][]byte{pattern(Stride, 1), pattern(Stride, 50), pattern(100, 99)}
	if err := r.Handle(ctx, chunk(FlagStart, mailbox.OpStart, parts[0])); err != nil {
		t.Fatal(err)
	}
	for _, p := range parts[1:] {
		if err := r.Handle(ctx, chunk(FlagContinue, mailbox.OpAppend, p)); err != nil {
			t.Fatal(err)
		}
	}
	want := bytes.Join(parts, nil)
	v, err := a.Claim(len(want))
	if err != nil {
		t.Fatal(err)
	}
	got, err := v.Slice(0, len(want))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Error("buffer does not hold the payloads back to back")
	}

	for i, wantLen := range []int{Stride, Stride, 100} {
		it, ok := mb.TryReceive()
		if !ok {
			t.Fatalf("item %d missing", i)
		}
		wantOp := mailbox.OpAppend
		if i == 0 {
			wantOp = mailbox.OpStart
		}
		if it.IsInline() || it.Opcode() != wantOp || it.Length() != wantLen {
			t.Errorf("item %d = %v, want: Control(%v, %d)", i, it, wantOp, wantLen)
		}
	}
	if s := r.Stats(); s.Accepted != 3 || s.Rejected != 0 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestStartResetsCursor(t *testing.T) {
	r, _, _ := newTest(4 * Stride)
	for _, c := range [][]byte{
		chunk(FlagStart, mailbox.OpStart, pattern(10, 0)),
		chunk(FlagContinue, mailbox.OpAppend, pattern(10, 0)),
		chunk(FlagStart, mailbox.OpStart, pattern(4, 0)),
	} {
		if err := r.Handle(ctx, c); err != nil {
			t.Fatal(err)
		}
	}
	if r.Cursor() != 4 {
		t.Errorf("Cursor() = %d, want: 4", r.Cursor())
	}
}

func TestMalformed(t *testing.T) {
	for _, c := range []struct {
		name  string
		chunk []byte
	}{
		{"empty", nil},
		{"short", []byte{FlagStart, 1, 0}},
		{"long", chunk(FlagStart, mailbox.OpStart, make([]byte, Stride+1))},
		{"continue first", chunk(FlagContinue, mailbox.OpAppend, []byte{0, 0})},
		{"inline too big", chunk(0x00, mailbox.OpStart, make([]byte, mailbox.InlineSize+1))},
	} {
		r, _, mb := newTest(4 * Stride)
		if err := r.Handle(ctx, c.chunk); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: Handle = %v, want: %v", c.name, err, ErrMalformed)
		}
		if mb.Len() != 0 {
			t.Errorf("%s: posted %d items", c.name, mb.Len())
		}
		if s := r.Stats(); s.Rejected != 1 || s.Accepted != 0 {
			t.Errorf("%s: Stats() = %+v", c.name, s)
		}
	}
}

func TestOverflow(t *testing.T) {
	r, _, mb := newTest(16)
	if err := r.Handle(ctx, chunk(FlagStart, mailbox.OpStart, pattern(12, 0))); err != nil {
		t.Fatal(err)
	}
	if err := r.Handle(ctx, chunk(FlagContinue, mailbox.OpAppend, pattern(8, 0))); !errors.Is(err, buffer.ErrOverflow) {
		t.Errorf("Handle past the end = %v, want: %v", err, buffer.ErrOverflow)
	}
	if mb.Len() != 1 {
		t.Errorf("mailbox holds %d items, want: 1", mb.Len())
	}
	if r.Cursor() != 12 {
		t.Errorf("Cursor() = %d after overflow, want: 12", r.Cursor())
	}
}

func TestInline(t *testing.T) {
	r, a, mb := newTest(16)
	if err := r.Handle(ctx, chunk(0x00, mailbox.OpStart, []byte{0x00, 0x90, 0x3C, 0x64})); err != nil {
		t.Fatal(err)
	}
	it, ok := mb.TryReceive()
	if !ok {
		t.Fatal("no item posted")
	}
	if !it.IsInline() || !bytes.Equal(it.Payload(), []byte{0x00, 0x90, 0x3C, 0x64}) {
		t.Errorf("item = %v", it)
	}
	v, err := a.Claim(4)
	if err != nil {
		t.Fatal(err)
	}
	if b, _ := v.At(1); b != 0 {
		t.Error("inline payload was written to the buffer")
	}
}

func TestFullMailboxIsNotAnError(t *testing.T) {
	r, _, mb := newTest(64)
	for i := 0; i < mb.Cap()+1; i++ {
		if err := r.Handle(ctx, chunk(0x00, mailbox.OpStop, []byte{0, 0})); err != nil {
			t.Fatal(err)
		}
	}
	if s := r.Stats(); s.Dropped != 1 || s.Accepted != uint64(mb.Cap()+1) {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestStartWhilePlaying(t *testing.T) {
	a := buffer.New(64)
	mb := mailbox.New(mailbox.Capacity)
	policy := DefaultRestartPolicy
	policy.Attempts = 5000
	r := New(a, mb, WithLogger(log.New(io.Discard)), WithRestartPolicy(policy))

	v, err := a.Claim(16)
	if err != nil {
		t.Fatal(err)
	}
	stopped := make(chan mailbox.Item, 1)
	go func() {
		it, _ := mb.Receive(context.Background(), 5*time.Second)
		stopped <- it
		v.Release()
	}()

	if err := r.Handle(ctx, chunk(FlagStart, mailbox.OpStart, pattern(8, 1))); err != nil {
		t.Fatalf("Handle(start) while playing = %v", err)
	}
	if it := <-stopped; it.Opcode() != mailbox.OpStop {
		t.Errorf("first item = %v, want a stop", it)
	}
	if it, ok := mb.TryReceive(); !ok || it.Opcode() != mailbox.OpStart || it.Length() != 8 {
		t.Errorf("second item = %v, %v", it, ok)
	}
}

func TestStartGivesUp(t *testing.T) {
	a := buffer.New(64)
	mb := mailbox.New(mailbox.Capacity)
	r := New(a, mb, WithLogger(log.New(io.Discard)), WithRestartPolicy(retry.Policy{Attempts: 2}))
	if _, err := a.Claim(16); err != nil {
		t.Fatal(err)
	}
	if err := r.Handle(ctx, chunk(FlagStart, mailbox.OpStart, pattern(8, 1))); !errors.Is(err, buffer.ErrRegionClaimed) {
		t.Errorf("Handle = %v, want: %v", err, buffer.ErrRegionClaimed)
	}
	if mb.Len() != 1 {
		t.Errorf("mailbox holds %d items, want just the stop", mb.Len())
	}
}
