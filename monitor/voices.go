// package monitor plays what the scheduler sends through the local sound
// card, so a stream can be checked without MIDI hardware.
package monitor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/pfcm/midistream/midi"
)

type envState byte

const (
	idle envState = iota
	attack
	sustain
	release
)

func (e envState) String() string {
	return []string{
		idle:    "x",
		attack:  "A",
		sustain: "S",
		release: "R",
	}[e]
}

type voice struct {
	note  byte
	velo  float32
	when  uint64
	phase float64
	state envState
	level float32
}

// Voices polyphonically tracks note on and off events and renders each
// sounding note as a sine wave with a short attack and release.
type Voices struct {
	samplerate  float32
	attackStep  float32
	releaseStep float32

	mu     sync.Mutex
	voices []voice
	events uint64
}

// NewVoices makes n voices rendering at samplerate.
func NewVoices(n int, samplerate float32) *Voices {
	return &Voices{
		samplerate:  samplerate,
		attackStep:  step(5*time.Millisecond, samplerate),
		releaseStep: step(80*time.Millisecond, samplerate),
		voices:      make([]voice, n),
	}
}

// step is the per sample level change of a linear ramp lasting d.
func step(d time.Duration, samplerate float32) float32 {
	n := float32(d.Seconds()) * samplerate
	if n < 1 {
		return 1
	}
	return 1 / n
}

func (v *Voices) String() string { return fmt.Sprintf("Voices(%d)", len(v.voices)) }

// Follow feeds note events from d into v until ctx is done or d closes.
func (v *Voices) Follow(ctx context.Context, d *midi.Dispatcher) {
	c := d.Subscribe(
		midi.WithoutCV1Type(midi.CV1PolyPressure),
		midi.WithoutCV1Type(midi.CV1ControlChange),
		midi.WithoutCV1Type(midi.CV1ProgramChange),
		midi.WithoutCV1Type(midi.CV1ChannelPressure),
		midi.WithoutCV1Type(midi.CV1PitchBend),
	)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c:
			if !ok {
				return
			}
			v.Handle(ev)
		}
	}
}

// Handle applies one event. Note on with velocity 0 is a note off.
func (v *Voices) Handle(ev midi.Event) {
	data := ev.Data()
	if len(data) < 2 {
		return
	}
	switch {
	case ev.Type == midi.CV1NoteOn && data[1] > 0:
		v.noteOn(data[0], data[1])
	case ev.Type == midi.CV1NoteOn, ev.Type == midi.CV1NoteOff:
		v.noteOff(data[0])
	}
}

func (v *Voices) noteOn(n, velo byte) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.events++
	i, w := -1, v.events
	for j, vc := range v.voices {
		// always pick an idle voice
		if vc.state == idle {
			i = j
			break
		}
		// otherwise, the oldest
		if vc.when < w {
			w = vc.when
			i = j
		}
	}
	vc := &v.voices[i]
	if vc.note != n {
		vc.phase = 0
	}
	vc.note = n
	vc.velo = float32(velo) / 127
	vc.when = v.events
	vc.state = attack
}

func (v *Voices) noteOff(n byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.voices {
		vc := &v.voices[i]
		if vc.note == n && (vc.state == attack || vc.state == sustain) {
			vc.state = release
			break
		}
	}
}

// Sounding counts voices that are not idle.
func (v *Voices) Sounding() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for _, vc := range v.voices {
		if vc.state != idle {
			n++
		}
	}
	return n
}

// frequency of a MIDI note in equal temperament, A4 = 440Hz.
func frequency(n byte) float64 {
	return 440 * math.Pow(2, (float64(n)-69)/12)
}

// Render fills out with mono samples, overwriting what was there.
func (v *Voices) Render(out []float32) {
	clear(out)
	v.mu.Lock()
	defer v.mu.Unlock()
	gain := 1 / float32(max(len(v.voices), 1))
	for i := range v.voices {
		vc := &v.voices[i]
		if vc.state == idle {
			continue
		}
		inc := 2 * math.Pi * frequency(vc.note) / float64(v.samplerate)
		for j := range out {
			switch vc.state {
			case attack:
				vc.level += v.attackStep
				if vc.level >= 1 {
					vc.level = 1
					vc.state = sustain
				}
			case release:
				vc.level -= v.releaseStep
				if vc.level <= 0 {
					vc.level = 0
					vc.state = idle
				}
			}
			out[j] += gain * vc.velo * vc.level * float32(math.Sin(vc.phase))
			vc.phase += inc
			if vc.phase >= 2*math.Pi {
				vc.phase -= 2 * math.Pi
			}
			if vc.state == idle {
				break
			}
		}
	}
}
