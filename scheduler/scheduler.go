// package scheduler plays streams out of the playback buffer in time.
//
// A Scheduler owns all playback state and is driven by a single goroutine,
// either through Run or by calling Tick directly. Everything it learns about
// incoming data arrives through the mailbox.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/pfcm/midistream/internal/buffer"
	"github.com/pfcm/midistream/mailbox"
	"github.com/pfcm/midistream/midi"
	"github.com/pfcm/midistream/timer"
)

// State is where the scheduler is in a playback session.
type State uint32

const (
	// Idle is the initial state: nothing to play.
	Idle State = iota
	// Playing decodes and sends events.
	Playing
	// AwaitingTimer holds an event until its delta-time has passed.
	AwaitingTimer
	// Stopped is reached through Stop, End-Of-Track or an error, and left
	// by the next Start.
	Stopped
)

var stateNames = [...]string{
	Idle:          "idle",
	Playing:       "playing",
	AwaitingTimer: "awaiting-timer",
	Stopped:       "stopped",
}

func (s State) String() string {
	if int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", uint32(s))
	}
	return stateNames[s]
}

// Output receives every channel voice event as it falls due.
type Output interface {
	Emit(midi.Event) error
}

// silencer is an Output that can release hanging notes. It is used when
// playback is cut short.
type silencer interface {
	AllNotesOff() error
}

// Config holds the timing knobs.
type Config struct {
	// PollTimeout is how long Run waits for a mailbox item before ticking
	// anyway. It bounds how late a fired timer is noticed.
	PollTimeout time.Duration
	// DeltaTick is the length of one delta-time unit.
	DeltaTick time.Duration
	// MaxEventsPerTick bounds how many events one Tick sends, so a long run
	// of zero delta events cannot starve the mailbox.
	MaxEventsPerTick int
}

// DefaultConfig returns the timings of the device.
func DefaultConfig() Config {
	return Config{
		PollTimeout:      time.Millisecond,
		DeltaTick:        timer.DefaultTick,
		MaxEventsPerTick: 256,
	}
}

// Stats are counters safe to read from any goroutine.
type Stats struct {
	State     State
	Session   uuid.UUID
	Sessions  uint64
	Events    uint64
	Inline    uint64
	Underruns uint64
	Errors    uint64
}

// Scheduler is the playback loop.
type Scheduler struct {
	cfg    Config
	mb     *mailbox.Mailbox
	arena  *buffer.Arena
	out    Output
	disp   *midi.Dispatcher
	clock  timer.Source
	timer  *timer.Timer
	logger *log.Logger

	state   atomic.Uint32
	session atomic.Pointer[uuid.UUID]

	// length is the number of stream bytes announced so far.
	length int
	// starting is set while a Start waits for the buffer.
	starting bool
	view     *buffer.View
	dec      *midi.Decoder
	held     midi.Event
	starved  bool

	sessions, events, inline, underruns, errs atomic.Uint64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithConfig(cfg Config) Option {
	return func(s *Scheduler) { s.cfg = cfg }
}

func WithLogger(l *log.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithDispatcher publishes every sent event, meta events included, to d.
func WithDispatcher(d *midi.Dispatcher) Option {
	return func(s *Scheduler) { s.disp = d }
}

// WithTimerSource sets the clock behind delta-times, timer.Realtime by
// default.
func WithTimerSource(src timer.Source) Option {
	return func(s *Scheduler) { s.clock = src }
}

// New returns an idle scheduler reading items from mb and stream bytes from
// arena, and sending events to out.
func New(mb *mailbox.Mailbox, arena *buffer.Arena, out Output, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:   DefaultConfig(),
		mb:    mb,
		arena: arena,
		out:   out,
		dec:   midi.NewDecoder(midi.Bytes(nil)),
	}
	for _, o := range opts {
		o(s)
	}
	if s.cfg.MaxEventsPerTick <= 0 {
		s.cfg.MaxEventsPerTick = DefaultConfig().MaxEventsPerTick
	}
	if s.cfg.PollTimeout <= 0 {
		s.cfg.PollTimeout = DefaultConfig().PollTimeout
	}
	s.timer = timer.New(s.clock, s.cfg.DeltaTick)
	if s.logger == nil {
		s.logger = log.Default()
	}
	s.logger = s.logger.WithPrefix("scheduler")
	none := uuid.Nil
	s.session.Store(&none)
	return s
}

// State is the current state. It may be called from any goroutine.
func (s *Scheduler) State() State { return State(s.state.Load()) }

func (s *Scheduler) setState(st State) {
	if old := State(s.state.Swap(uint32(st))); old != st {
		s.logger.Debug("state", "from", old, "to", st, "session", s.session.Load())
	}
}

// Cursor is the decoder position. Only call it from the goroutine driving
// the scheduler.
func (s *Scheduler) Cursor() midi.Cursor { return s.dec.Cursor() }

// Stats returns a snapshot of the counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		State:     s.State(),
		Session:   *s.session.Load(),
		Sessions:  s.sessions.Load(),
		Events:    s.events.Load(),
		Inline:    s.inline.Load(),
		Underruns: s.underruns.Load(),
		Errors:    s.errs.Load(),
	}
}

// Run ticks until ctx is done, waiting up to PollTimeout for mailbox items in
// between.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("running", "poll", s.cfg.PollTimeout, "tick", s.timer.Tick())
	for {
		if it, ok := s.mb.Receive(ctx, s.cfg.PollTimeout); ok {
			s.handle(it)
		}
		if ctx.Err() != nil {
			s.end()
			s.logger.Info("shut down", "stats", s.Stats())
			return nil
		}
		s.Tick()
	}
}

// Tick drains the mailbox and then plays whatever has fallen due.
func (s *Scheduler) Tick() {
	for {
		it, ok := s.mb.TryReceive()
		if !ok {
			break
		}
		s.handle(it)
	}
	if s.starting {
		s.begin()
	}
	s.play()
}

func (s *Scheduler) handle(it mailbox.Item) {
	if it.IsInline() {
		switch it.Opcode() {
		case mailbox.OpStart, mailbox.OpAppend:
			s.playInline(it)
			return
		case mailbox.OpStop:
		default:
			s.logger.Debug("ignoring reserved opcode", "item", it)
			return
		}
	}
	switch it.Opcode() {
	case mailbox.OpStart:
		s.end()
		s.setState(Idle)
		s.length = it.Length()
		s.starting = true
	case mailbox.OpAppend:
		s.length += it.Length()
	case mailbox.OpStop:
		s.starting = false
		if st := s.State(); st == Playing || st == AwaitingTimer {
			s.silence()
		}
		s.end()
		s.setState(Stopped)
		s.logger.Info("stopped", "session", s.session.Load())
	default:
		s.logger.Debug("ignoring reserved opcode", "item", it)
	}
}

// begin claims the announced stream and starts a session. If the buffer is
// still being written it leaves starting set and tries again next tick.
func (s *Scheduler) begin() {
	v, err := s.arena.Claim(s.length)
	switch {
	case errors.Is(err, buffer.ErrRegionBusy), errors.Is(err, buffer.ErrAlreadyClaimed):
		s.logger.Debug("buffer busy, start deferred", "err", err)
		return
	case err != nil:
		s.starting = false
		s.fail(err)
		return
	}
	s.starting = false
	s.view = v
	s.dec.SetSource(v)
	id := uuid.New()
	s.session.Store(&id)
	s.sessions.Add(1)
	s.setState(Playing)
	s.logger.Info("playing", "session", id, "bytes", s.length)
}

// end drops the current session, if any: the view goes back to the arena
// and any countdown is abandoned.
func (s *Scheduler) end() {
	if s.view != nil {
		s.view.Release()
		s.view = nil
	}
	s.timer.Cancel()
	s.held = midi.Event{}
	s.starved = false
	s.dec.Reset()
}

func (s *Scheduler) fail(err error) {
	s.errs.Add(1)
	s.logger.Error("playback failed", "err", err, "offset", s.dec.Cursor().Offset, "session", s.session.Load())
	s.silence()
	s.end()
	s.setState(Stopped)
}

func (s *Scheduler) silence() {
	o, ok := s.out.(silencer)
	if !ok {
		return
	}
	if err := o.AllNotesOff(); err != nil {
		s.logger.Error("all notes off", "err", err)
	}
}

func (s *Scheduler) play() {
	for n := 0; n < s.cfg.MaxEventsPerTick; n++ {
		switch s.State() {
		case AwaitingTimer:
			if !s.timer.PollFired() {
				return
			}
			ev := s.held
			s.held = midi.Event{}
			s.setState(Playing)
			if !s.dispatch(ev) {
				return
			}
		case Playing:
			ev, ok := s.next()
			if !ok {
				return
			}
			if ev.Delta > 0 {
				if err := s.timer.Arm(ev.Delta); err != nil {
					s.fail(err)
					return
				}
				s.held = ev
				s.setState(AwaitingTimer)
				return
			}
			if !s.dispatch(ev) {
				return
			}
		default:
			return
		}
	}
}

// next decodes the next event. It reports false if there is nothing to play
// yet or playback just failed.
func (s *Scheduler) next() (midi.Event, bool) {
	if s.view.Len() < s.length {
		if err := s.view.Extend(s.length); err != nil && !errors.Is(err, buffer.ErrRegionBusy) {
			s.fail(err)
			return midi.Event{}, false
		}
	}
	ev, err := s.dec.Next()
	switch {
	case errors.Is(err, midi.ErrShortBuffer):
		if !s.starved {
			s.starved = true
			s.underruns.Add(1)
			s.logger.Warn("underrun, waiting for data", "offset", s.dec.Cursor().Offset, "have", s.view.Len())
		}
		return midi.Event{}, false
	case err != nil:
		s.fail(err)
		return midi.Event{}, false
	}
	s.starved = false
	return ev, true
}

// dispatch sends ev on its way. It reports false once the session is over.
func (s *Scheduler) dispatch(ev midi.Event) bool {
	if s.disp != nil {
		s.disp.Dispatch(ev)
	}
	if ev.Kind == midi.KindMeta {
		switch {
		case ev.End():
			s.logger.Info("end of track", "session", s.session.Load(), "events", s.events.Load())
			s.end()
			s.setState(Stopped)
			return false
		case ev.Meta == midi.MetaTempo:
			s.logger.Debug("tempo change ignored", "us_per_quarter", ev.Tempo)
		}
		return true
	}
	s.emit(ev)
	return true
}

func (s *Scheduler) emit(ev midi.Event) {
	s.logger.Debug("event", "ev", ev)
	s.events.Add(1)
	if s.out == nil {
		return
	}
	if err := s.out.Emit(ev); err != nil {
		s.errs.Add(1)
		s.logger.Error("output", "err", err, "ev", ev)
	}
}

// playInline sends the events carried by an inline item straight away,
// ignoring their delta-times. Playback state is untouched.
func (s *Scheduler) playInline(it mailbox.Item) {
	p := it.Payload()
	dec := midi.NewDecoder(midi.Bytes(p))
	for dec.Cursor().Offset < len(p) {
		ev, err := dec.Next()
		if err != nil {
			s.logger.Warn("bad inline event", "item", it, "err", err)
			return
		}
		if ev.End() {
			return
		}
		if ev.Kind == midi.KindVoice {
			s.inline.Add(1)
			s.emit(ev)
		}
	}
}
