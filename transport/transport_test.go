package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/pfcm/midistream/internal/buffer"
	"github.com/pfcm/midistream/mailbox"
	"github.com/pfcm/midistream/reassembly"
)

func stream(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i * 7)
	}
	return p
}

func TestChunks(t *testing.T) {
	for _, c := range []struct {
		n     int
		sizes []int
	}{
		{2, []int{2}},
		{510, []int{510}},
		{511, []int{509, 2}},
		{512, []int{510, 2}},
		{1020, []int{510, 510}},
		{1500, []int{510, 510, 480}},
	} {
		chunks, err := Chunks(stream(c.n))
		if err != nil {
			t.Errorf("Chunks(%d bytes) = %v", c.n, err)
			continue
		}
		if len(chunks) != len(c.sizes) {
			t.Errorf("Chunks(%d bytes) made %d chunks, want: %d", c.n, len(chunks), len(c.sizes))
			continue
		}
		var joined []byte
		for i, ch := range chunks {
			wantFlag, wantOp := byte(reassembly.FlagContinue), byte(mailbox.OpAppend)
			if i == 0 {
				wantFlag, wantOp = reassembly.FlagStart, byte(mailbox.OpStart)
			}
			if ch[0] != wantFlag || ch[1] != wantOp || len(ch)-2 != c.sizes[i] {
				t.Errorf("%d bytes, chunk %d: flag %#x op %d payload %d", c.n, i, ch[0], ch[1], len(ch)-2)
			}
			joined = append(joined, ch[2:]...)
		}
		if !bytes.Equal(joined, stream(c.n)) {
			t.Errorf("%d bytes: chunks do not add back up to the stream", c.n)
		}
	}
	if _, err := Chunks([]byte{0}); !errors.Is(err, ErrStreamTooShort) {
		t.Errorf("Chunks(1 byte) = %v, want: %v", err, ErrStreamTooShort)
	}
}

func TestEventChunk(t *testing.T) {
	if _, err := EventChunk(make([]byte, mailbox.InlineSize+1)); err == nil {
		t.Error("EventChunk accepted an oversized payload")
	}
	c, err := EventChunk([]byte{0x00, 0x90, 0x3C, 0x64})
	if err != nil {
		t.Fatal(err)
	}
	if c[0] == reassembly.FlagStart || c[0] == reassembly.FlagContinue {
		t.Errorf("EventChunk flag %#x is not inline", c[0])
	}
}

func TestOverUDP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	quiet := log.New(io.Discard)

	arena := buffer.New(4096)
	mb := mailbox.New(64)
	r := reassembly.New(arena, mb, reassembly.WithLogger(quiet))
	srv, err := ListenUDP(ctx, "127.0.0.1:0", r, quiet)
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error)
	go func() { done <- srv.Serve(ctx) }()

	conn, err := net.Dial("udp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	want := stream(1500)
	if err := Send(ctx, conn, want, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(StopChunk()); err != nil {
		t.Fatal(err)
	}

	var items []mailbox.Item
	deadline := time.Now().Add(5 * time.Second)
	for len(items) < 4 {
		if time.Now().After(deadline) {
			t.Fatalf("got %d items, want: 4", len(items))
		}
		if it, ok := mb.Receive(ctx, 10*time.Millisecond); ok {
			items = append(items, it)
		}
	}
	total := 0
	for _, it := range items[:3] {
		total += it.Length()
	}
	if total != len(want) || items[3].Opcode() != mailbox.OpStop {
		t.Errorf("items = %v", items)
	}
	v, err := arena.Claim(total)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := v.Slice(0, total)
	if !bytes.Equal(got, want) {
		t.Error("arena does not hold the stream")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Serve = %v", err)
	}
}
