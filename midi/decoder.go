package midi

import (
	"errors"
	"fmt"
	"strings"

	gomidi "gitlab.com/gomidi/midi/v2"
)

var (
	// ErrUnrecognizedStatus is returned for status bytes the device cannot
	// play, and for data bytes with no running status to continue.
	ErrUnrecognizedStatus = errors.New("unrecognized status byte")
	// ErrUnrecognizedMeta is returned for meta event types outside the
	// supported set.
	ErrUnrecognizedMeta = errors.New("unrecognized meta event")
	// ErrSequencerSpecific is returned for sequencer-specific meta events,
	// which are not supported.
	ErrSequencerSpecific = errors.New("sequencer-specific meta event")
)

// Kind separates channel voice events from meta events.
type Kind byte

const (
	KindVoice Kind = iota
	KindMeta
)

// Event is one decoded stream event.
type Event struct {
	// Offset is where the event, delta-time included, starts in the stream.
	Offset int
	Delta  uint32
	Kind   Kind

	// Status is the effective status byte, which for a running status event
	// was carried over from an earlier event.
	Status  byte
	Type    CV1MessageType
	Running bool
	// Bytes is what goes out on the wire: the status byte and data bytes, or
	// only the data bytes under running status. It is nil for meta events.
	Bytes []byte

	Meta MetaType
	// Tempo is microseconds per quarter note, set for MetaTempo.
	Tempo uint32
}

// Channel is the 0-based channel of a voice event.
func (e Event) Channel() byte { return e.Status & 0xF }

// End reports whether e is End-Of-Track.
func (e Event) End() bool { return e.Kind == KindMeta && e.Meta == MetaEndOfTrack }

// Data returns the data bytes of a voice event.
func (e Event) Data() []byte {
	if e.Kind != KindVoice {
		return nil
	}
	if e.Running {
		return e.Bytes
	}
	return e.Bytes[1:]
}

// Message is the complete voice message with its status byte restored, for
// outputs that cannot use running status. It is nil for meta events.
func (e Event) Message() gomidi.Message {
	if e.Kind != KindVoice {
		return nil
	}
	return append(gomidi.Message{e.Status}, e.Data()...)
}

func (e Event) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "+%d ", e.Delta)
	switch e.Kind {
	case KindMeta:
		sb.WriteString("Meta")
		sb.WriteString(e.Meta.String())
		if e.Meta == MetaTempo {
			fmt.Fprintf(&sb, " %dus/qn", e.Tempo)
		}
	default:
		sb.WriteString(e.Message().String())
		if e.Running {
			sb.WriteString(" (running)")
		}
	}
	return sb.String()
}

// Cursor is the decoder position.
type Cursor struct {
	Offset int
	// RunningStatus reports whether the last event reused an earlier status.
	RunningStatus bool
	// PreviousStatus is the last literal status byte read, 0 if none.
	PreviousStatus byte
	// DeltaTime of the last event.
	DeltaTime uint32
}

// Decoder walks a stream of delta-time prefixed MIDI events. It decodes one
// event per call to Next.
type Decoder struct {
	src Source
	cur Cursor
}

// NewDecoder returns a decoder positioned at the start of src.
func NewDecoder(src Source) *Decoder {
	return &Decoder{src: src}
}

// Cursor returns the current position.
func (d *Decoder) Cursor() Cursor { return d.cur }

// Reset moves back to the start of the stream and forgets running status.
func (d *Decoder) Reset() { d.cur = Cursor{} }

// SetSource swaps the stream being decoded and resets the cursor.
func (d *Decoder) SetSource(src Source) {
	d.src = src
	d.Reset()
}

// Next decodes the event at the cursor. The cursor only moves if it returns
// no error: on ErrShortBuffer the same event can be retried once more of the
// stream is readable. After End-Of-Track the cursor is back at the start.
//
// FF 2F 00 where a delta-time is expected is End-Of-Track with no delta-time,
// not a two byte delta-time.
func (d *Decoder) Next() (Event, error) {
	c := d.cur
	ev := Event{Offset: c.Offset}

	if bareEndOfTrack(d.src, c.Offset) {
		d.cur = Cursor{}
		ev.Kind = KindMeta
		ev.Status = StatusMeta
		ev.Meta = MetaEndOfTrack
		return ev, nil
	}

	delta, n, err := DecodeDeltaTime(d.src, c.Offset)
	if err != nil {
		return Event{}, err
	}
	ev.Delta = delta
	off := c.Offset + n

	b, err := at(d.src, off)
	if err != nil {
		return Event{}, err
	}
	running := false
	status := b
	if b < 0x80 {
		if c.PreviousStatus < 0x80 || c.PreviousStatus >= statusRealtime {
			return Event{}, fmt.Errorf("data byte %#02x at offset %d with no running status: %w", b, off, ErrUnrecognizedStatus)
		}
		status = c.PreviousStatus
		running = true
	} else {
		off++
	}

	switch {
	case status == StatusMeta:
		ev.Kind = KindMeta
		if off, err = d.meta(&ev, off); err != nil {
			return Event{}, err
		}
	case status >= 0x80 && status < 0xF0:
		ev.Kind = KindVoice
		ev.Type = CV1MessageType(status >> 4)
		start := off - 1
		if running {
			start = off
		}
		end := off + ev.Type.DataLen()
		if end > d.src.Len() {
			return Event{}, fmt.Errorf("%s at offset %d: %w", ev.Type, ev.Offset, ErrShortBuffer)
		}
		ev.Bytes = make([]byte, 0, end-start)
		for i := start; i < end; i++ {
			b, err := d.src.At(i)
			if err != nil {
				return Event{}, err
			}
			ev.Bytes = append(ev.Bytes, b)
		}
		off = end
	default:
		return Event{}, fmt.Errorf("status %#02x at offset %d: %w", status, off-1, ErrUnrecognizedStatus)
	}

	ev.Status = status
	ev.Running = running
	if !running {
		c.PreviousStatus = status
	}
	c.RunningStatus = running
	c.DeltaTime = delta
	c.Offset = off
	if ev.End() {
		c = Cursor{}
	}
	d.cur = c
	return ev, nil
}

// meta decodes the body of a meta event starting just after its 0xFF and
// returns the offset after it.
func (d *Decoder) meta(ev *Event, off int) (int, error) {
	t, err := at(d.src, off)
	if err != nil {
		return 0, err
	}
	ev.Meta = MetaType(t)
	switch {
	case ev.Meta == MetaSequencerSpecific:
		return 0, fmt.Errorf("at offset %d: %w", ev.Offset, ErrSequencerSpecific)
	case !ev.Meta.playable():
		return 0, fmt.Errorf("type %#02x at offset %d: %w", t, ev.Offset, ErrUnrecognizedMeta)
	}
	l, err := at(d.src, off+1)
	if err != nil {
		return 0, err
	}
	body := off + 2
	end := body + int(l)
	if end > d.src.Len() {
		return 0, fmt.Errorf("%s at offset %d: %w", ev.Meta, ev.Offset, ErrShortBuffer)
	}
	if ev.Meta == MetaTempo {
		p := make([]byte, 0, 4)
		for i := body; i < end && len(p) < cap(p); i++ {
			b, err := d.src.At(i)
			if err != nil {
				return 0, err
			}
			p = append(p, b)
		}
		ev.Tempo = beUint[uint32](p)
	}
	return end, nil
}

var endOfTrack = [...]byte{StatusMeta, byte(MetaEndOfTrack), 0x00}

// bareEndOfTrack reports whether End-Of-Track without a delta-time starts at
// off.
func bareEndOfTrack(src Source, off int) bool {
	if off+len(endOfTrack) > src.Len() {
		return false
	}
	for i, want := range endOfTrack {
		if b, err := src.At(off + i); err != nil || b != want {
			return false
		}
	}
	return true
}
