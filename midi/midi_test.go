package midi

import (
	"testing"
)

func voice(status, d1, d2 byte) Event {
	return Event{
		Kind:   KindVoice,
		Status: status,
		Type:   CV1MessageType(status >> 4),
		Bytes:  []byte{status, d1, d2},
	}
}

func TestDispatcherFilters(t *testing.T) {
	var d Dispatcher
	all := d.Subscribe()
	ch0 := d.Subscribe(WithChannelMask(Channels(0)))
	noOff := d.Subscribe(WithoutCV1Type(CV1NoteOff))
	meta := d.Subscribe(WithMeta())

	d.Dispatch(voice(0x90, 60, 100))
	d.Dispatch(voice(0x81, 60, 0))
	d.Dispatch(Event{Kind: KindMeta, Meta: MetaTempo})
	d.Close()

	count := func(c <-chan Event) int {
		n := 0
		for range c {
			n++
		}
		return n
	}
	for _, c := range []struct {
		name string
		c    <-chan Event
		want int
	}{
		{"all", all, 2},
		{"channel 0", ch0, 1},
		{"without note off", noOff, 1},
		{"with meta", meta, 3},
	} {
		if got := count(c.c); got != c.want {
			t.Errorf("%s got %d events, want: %d", c.name, got, c.want)
		}
	}
}

func TestDispatchNeverBlocks(t *testing.T) {
	var d Dispatcher
	c := d.Subscribe()
	for i := 0; i < 150; i++ {
		d.Dispatch(voice(0x90, 60, 100))
	}
	if len(c) != cap(c) {
		t.Errorf("subscriber holds %d events, want: %d", len(c), cap(c))
	}
	if got, want := d.Dropped(), uint64(150-cap(c)); got != want {
		t.Errorf("Dropped() = %d, want: %d", got, want)
	}
}

func TestSubscribeAfterClose(t *testing.T) {
	var d Dispatcher
	d.Close()
	if _, ok := <-d.Subscribe(); ok {
		t.Error("subscription after Close is open")
	}
}

func TestCV1MessageType(t *testing.T) {
	for _, c := range []struct {
		t    CV1MessageType
		n    int
		name string
	}{
		{CV1NoteOff, 2, "NoteOff"},
		{CV1NoteOn, 2, "NoteOn"},
		{CV1ProgramChange, 1, "ProgramChange"},
		{CV1ChannelPressure, 1, "ChannelPressure"},
		{CV1PitchBend, 2, "PitchWheel"},
		{CV1MessageType(0xF), 0, "CV1MessageType(0xf)"},
	} {
		if got := c.t.DataLen(); got != c.n {
			t.Errorf("%v.DataLen() = %d, want: %d", c.t, got, c.n)
		}
		if got := c.t.String(); got != c.name {
			t.Errorf("String() = %q, want: %q", got, c.name)
		}
	}
}
