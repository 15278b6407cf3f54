// package output sends played events to MIDI hardware.
package output

import (
	"errors"
	"fmt"
	"io"
	"sync"

	gomidi "gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"go.bug.st/serial"

	"github.com/pfcm/midistream/midi"
)

// BaudRate is the MIDI 1.0 DIN wire speed.
const BaudRate = 31250

// Output receives voice events. Meta events are ignored.
type Output interface {
	Emit(midi.Event) error
}

// Writer writes events as raw MIDI bytes. Events keep their running status
// as long as the wire agrees: if something else went out in between, the
// status byte is put back.
type Writer struct {
	mu   sync.Mutex
	w    io.Writer
	last byte
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) Emit(ev midi.Event) error {
	if ev.Kind != midi.KindVoice {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	p := ev.Bytes
	if ev.Running && w.last != ev.Status {
		p = ev.Message()
	}
	w.last = ev.Status
	if _, err := w.w.Write(p); err != nil {
		w.last = 0
		return fmt.Errorf("writing %v: %w", ev, err)
	}
	return nil
}

// AllNotesOff sends All Notes Off on every channel.
func (w *Writer) AllNotesOff() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var p []byte
	for ch := uint8(0); ch < 16; ch++ {
		p = append(p, gomidi.ControlChange(ch, gomidi.AllNotesOff, 0)...)
	}
	w.last = 0
	_, err := w.w.Write(p)
	return err
}

// Serial is a Writer on a serial port running at the MIDI baud rate.
type Serial struct {
	*Writer
	port serial.Port
}

// OpenSerial opens the named serial device at 31250 baud, 8N1.
func OpenSerial(name string) (*Serial, error) {
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("opening serial port %q: %w", name, err)
	}
	return &Serial{Writer: NewWriter(port), port: port}, nil
}

func (s *Serial) Close() error {
	return errors.Join(s.AllNotesOff(), s.port.Close())
}

// SerialPorts lists the serial devices on this machine.
func SerialPorts() ([]string, error) {
	return serial.GetPortsList()
}

// Port sends events to a system MIDI output. Ports take whole messages, so
// running status is always expanded.
type Port struct {
	out  drivers.Out
	send func(gomidi.Message) error
}

// OpenPort opens the first output port whose name contains name.
func OpenPort(name string) (*Port, error) {
	out, err := gomidi.FindOutPort(name)
	if err != nil {
		return nil, fmt.Errorf("finding MIDI output %q: %w", name, err)
	}
	return NewPort(out)
}

// NewPort sends to an already chosen driver port.
func NewPort(out drivers.Out) (*Port, error) {
	send, err := gomidi.SendTo(out)
	if err != nil {
		return nil, fmt.Errorf("opening MIDI output %v: %w", out, err)
	}
	return &Port{out: out, send: send}, nil
}

func (p *Port) Emit(ev midi.Event) error {
	if ev.Kind != midi.KindVoice {
		return nil
	}
	return p.send(ev.Message())
}

func (p *Port) AllNotesOff() error {
	var errs []error
	for ch := uint8(0); ch < 16; ch++ {
		errs = append(errs, p.send(gomidi.ControlChange(ch, gomidi.AllNotesOff, 0)))
	}
	return errors.Join(errs...)
}

func (p *Port) String() string { return p.out.String() }

func (p *Port) Close() error {
	return errors.Join(p.AllNotesOff(), p.out.Close())
}

// Ports lists the system MIDI outputs.
func Ports() []string {
	var names []string
	for _, out := range gomidi.GetOutPorts() {
		names = append(names, out.String())
	}
	return names
}

// Multi sends every event to all of its outputs.
type Multi []Output

func (m Multi) Emit(ev midi.Event) error {
	var errs []error
	for _, o := range m {
		errs = append(errs, o.Emit(ev))
	}
	return errors.Join(errs...)
}

// AllNotesOff silences every output that can be silenced.
func (m Multi) AllNotesOff() error {
	var errs []error
	for _, o := range m {
		if s, ok := o.(interface{ AllNotesOff() error }); ok {
			errs = append(errs, s.AllNotesOff())
		}
	}
	return errors.Join(errs...)
}
