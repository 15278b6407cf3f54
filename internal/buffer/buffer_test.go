package buffer

import (
	"bytes"
	"errors"
	"sync"
	"testing"
)

func TestWriteAtBounds(t *testing.T) {
	a := New(8)
	for _, c := range []struct {
		n, off int
		want   error
	}{
		{4, 0, nil},
		{4, 4, nil},
		{8, 0, nil},
		{1, 8, ErrOverflow},
		{9, 0, ErrOverflow},
		{4, 5, ErrOverflow},
		{1, -1, ErrOverflow},
	} {
		err := a.WriteAt(make([]byte, c.n), c.off)
		if !errors.Is(err, c.want) {
			t.Errorf("WriteAt(%d bytes, %d) = %v, want: %v", c.n, c.off, err, c.want)
		}
	}
}

func TestViewReads(t *testing.T) {
	a := New(16)
	if err := a.WriteAt([]byte{1, 2, 3, 4}, 0); err != nil {
		t.Fatal(err)
	}
	v, err := a.Claim(3)
	if err != nil {
		t.Fatal(err)
	}
	if b, err := v.At(2); err != nil || b != 3 {
		t.Errorf("At(2) = %d, %v, want: 3, nil", b, err)
	}
	if _, err := v.At(3); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("At(3) = %v, want: %v", err, ErrOutOfRange)
	}
	if _, err := v.At(-1); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("At(-1) = %v, want: %v", err, ErrOutOfRange)
	}
	if s, err := v.Slice(1, 2); err != nil || !bytes.Equal(s, []byte{2, 3}) {
		t.Errorf("Slice(1, 2) = %v, %v", s, err)
	}
	if _, err := v.Slice(2, 2); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Slice(2, 2) = %v, want: %v", err, ErrOutOfRange)
	}
	if err := v.Extend(4); err != nil {
		t.Fatal(err)
	}
	if b, err := v.At(3); err != nil || b != 4 {
		t.Errorf("At(3) after Extend = %d, %v", b, err)
	}
	v.Release()
	v.Release()
	if _, err := v.At(0); !errors.Is(err, ErrReleased) {
		t.Errorf("At after Release = %v, want: %v", err, ErrReleased)
	}
	if v.Len() != 0 {
		t.Errorf("Len after Release = %d", v.Len())
	}
}

func TestClaimedRegionRejectsWrites(t *testing.T) {
	a := New(16)
	v, err := a.Claim(8)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.WriteAt([]byte{1}, 0); !errors.Is(err, ErrRegionClaimed) {
		t.Errorf("WriteAt into claimed region = %v, want: %v", err, ErrRegionClaimed)
	}
	if err := a.WriteAt([]byte{1}, 8); err != nil {
		t.Errorf("WriteAt past claimed region = %v", err)
	}
	if _, err := a.Claim(4); !errors.Is(err, ErrAlreadyClaimed) {
		t.Errorf("second Claim = %v, want: %v", err, ErrAlreadyClaimed)
	}
	v.Release()
	if err := a.WriteAt([]byte{1}, 0); err != nil {
		t.Errorf("WriteAt after Release = %v", err)
	}
	if _, err := a.Claim(4); err != nil {
		t.Errorf("Claim after Release = %v", err)
	}
}

func TestClaimOverInFlightWrite(t *testing.T) {
	a := New(16)
	// simulate a writer that has published its offset but not finished.
	a.writing.Store(2)
	if _, err := a.Claim(4); !errors.Is(err, ErrRegionBusy) {
		t.Fatalf("Claim over in-flight write = %v, want: %v", err, ErrRegionBusy)
	}
	if a.claimed.Load() != 0 || a.held.Load() {
		t.Error("failed Claim left state behind")
	}
	v, err := a.Claim(2)
	if err != nil {
		t.Fatalf("Claim below in-flight write = %v", err)
	}
	if err := v.Extend(3); !errors.Is(err, ErrRegionBusy) {
		t.Errorf("Extend over in-flight write = %v, want: %v", err, ErrRegionBusy)
	}
	if v.Len() != 2 {
		t.Errorf("Len after failed Extend = %d, want: 2", v.Len())
	}
	a.writing.Store(-1)
	if err := v.Extend(3); err != nil {
		t.Errorf("Extend = %v", err)
	}
}

func TestWriterAndReaderNeverOverlap(t *testing.T) {
	const size = 4096
	a := New(size)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p := bytes.Repeat([]byte{0xAA}, 64)
		for i := 0; i < 2000; i++ {
			_ = a.WriteAt(p, (i*64)%size)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			v, err := a.Claim(1024)
			if err != nil {
				continue
			}
			for off := 0; off < v.Len(); off++ {
				if _, err := v.At(off); err != nil {
					t.Error(err)
					return
				}
			}
			v.Release()
		}
	}()
	wg.Wait()
}
