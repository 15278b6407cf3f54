package midi

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"gitlab.com/gomidi/midi/v2/smf"
)

// ErrNoTrack is returned when a file has no track to stream.
var ErrNoTrack = errors.New("no playable track")

// defaultBPM applies until the first tempo change.
const defaultBPM = 120

// StreamOptions control how a Standard MIDI File becomes a stream.
type StreamOptions struct {
	// Track is the index of the track to stream. A negative Track picks the
	// first track with any channel voice events.
	Track int
	// Tick, when set, rescales delta-times from file ticks to units of Tick,
	// following the tempo changes in the file. Otherwise delta-times are
	// copied as they are.
	Tick time.Duration
}

// TrackStream reads a Standard MIDI File and flattens one of its tracks into
// a stream Decoder can play. Events the decoder would refuse, like sysex or
// sequencer-specific meta events, are left out and their delta-times folded
// into the next event. The stream always ends with End-Of-Track.
func TrackStream(r io.Reader, opts StreamOptions) ([]byte, error) {
	s, err := smf.ReadFrom(r)
	if err != nil {
		return nil, fmt.Errorf("reading SMF: %w", err)
	}
	idx := opts.Track
	if idx < 0 {
		idx = firstVoiceTrack(s.Tracks)
	}
	if idx < 0 || idx >= len(s.Tracks) {
		return nil, fmt.Errorf("track %d of %d: %w", opts.Track, len(s.Tracks), ErrNoTrack)
	}

	retime := func(abs uint64) uint64 { return abs }
	if opts.Tick > 0 {
		mt, ok := s.TimeFormat.(smf.MetricTicks)
		if !ok {
			return nil, fmt.Errorf("rescaling needs metric ticks, file has %v", s.TimeFormat)
		}
		retime = tempoMap(mt, s.Tracks, opts.Tick)
	}

	var (
		out       []byte
		abs, prev uint64
		ended     bool
	)
	for _, ev := range s.Tracks[idx] {
		abs += uint64(ev.Delta)
		msg := []byte(ev.Message)
		if !streamable(msg) {
			continue
		}
		at := retime(abs)
		if out, err = AppendDeltaTime(out, uint32(min(at-prev, MaxDeltaTime))); err != nil {
			return nil, err
		}
		prev = at
		out = append(out, msg...)
		if msg[0] == StatusMeta && MetaType(msg[1]) == MetaEndOfTrack {
			ended = true
			break
		}
	}
	if !ended {
		out = append(out, 0x00, StatusMeta, byte(MetaEndOfTrack), 0x00)
	}
	return out, nil
}

func firstVoiceTrack(tracks []smf.Track) int {
	for i, tr := range tracks {
		for _, ev := range tr {
			if b := []byte(ev.Message); len(b) > 0 && b[0] >= 0x80 && b[0] < 0xF0 {
				return i
			}
		}
	}
	return -1
}

// streamable reports whether msg is a complete event the decoder accepts.
func streamable(msg []byte) bool {
	if len(msg) == 0 {
		return false
	}
	switch s := msg[0]; {
	case s >= 0x80 && s < 0xF0:
		return len(msg) == 1+CV1MessageType(s>>4).DataLen()
	case s == StatusMeta:
		// the decoder reads one length byte, so longer bodies cannot pass.
		return len(msg) >= 3 && msg[2] < 0x80 && len(msg) == 3+int(msg[2]) &&
			MetaType(msg[1]).playable()
	}
	return false
}

type tempoChange struct {
	tick uint64
	bpm  float64
}

// tempoMap returns a function from absolute file ticks to absolute units of
// tick, honouring tempo changes from every track.
func tempoMap(mt smf.MetricTicks, tracks []smf.Track, tick time.Duration) func(uint64) uint64 {
	changes := []tempoChange{{0, defaultBPM}}
	for _, tr := range tracks {
		var abs uint64
		for _, ev := range tr {
			abs += uint64(ev.Delta)
			var bpm float64
			if ev.Message.GetMetaTempo(&bpm) && bpm > 0 {
				changes = append(changes, tempoChange{abs, bpm})
			}
		}
	}
	sort.SliceStable(changes, func(i, j int) bool { return changes[i].tick < changes[j].tick })

	return func(abs uint64) uint64 {
		var d time.Duration
		for i, c := range changes {
			if c.tick >= abs {
				break
			}
			end := abs
			if i+1 < len(changes) && changes[i+1].tick < abs {
				end = changes[i+1].tick
			}
			d += mt.Duration(c.bpm, uint32(end-c.tick))
		}
		return uint64((d + tick/2) / tick)
	}
}
