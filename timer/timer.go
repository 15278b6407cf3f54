// package timer provides the one-shot delta-time timer that paces playback.
package timer

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// DefaultTick is the length of one delta-time unit. Tempo is not applied:
// ticks are raw timer units.
const DefaultTick = time.Millisecond

// ErrAlreadyArmed is returned by Arm while a countdown is running.
var ErrAlreadyArmed = errors.New("delta timer already armed")

// Stopper stops a pending callback. It reports whether it prevented the call.
type Stopper interface {
	Stop() bool
}

// Source schedules callbacks, like time.AfterFunc. f may run on any goroutine.
type Source interface {
	AfterFunc(d time.Duration, f func()) Stopper
}

type realtime struct{}

func (realtime) AfterFunc(d time.Duration, f func()) Stopper { return time.AfterFunc(d, f) }

// Realtime is the wall-clock Source.
var Realtime Source = realtime{}

// Timer is a one-shot countdown. Arm, PollFired and Cancel are called by the
// playback loop; the completion callback runs wherever the Source runs it and
// only touches atomics.
//
// Every Arm starts a new generation, and the armed and fired flags record the
// generation they belong to. Cancel moves on to the next generation without
// waiting for the old countdown, so a stale fire can never leak into a new
// session.
type Timer struct {
	src  Source
	tick time.Duration

	gen   atomic.Uint64
	armed atomic.Uint64 // generation of the running countdown, 0 if none
	fired atomic.Uint64 // generation of the completed countdown, 0 if none
	stop  Stopper
}

// New makes a timer where one delta-time unit lasts tick.
func New(src Source, tick time.Duration) *Timer {
	if src == nil {
		src = Realtime
	}
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Timer{src: src, tick: tick}
}

// Tick is the duration of one delta-time unit.
func (t *Timer) Tick() time.Duration { return t.tick }

// Arm starts a countdown of ticks units.
func (t *Timer) Arm(ticks uint32) error {
	if t.armed.Load() != 0 {
		return fmt.Errorf("arming for %d ticks: %w", ticks, ErrAlreadyArmed)
	}
	gen := t.gen.Add(1)
	t.fired.Store(0)
	t.armed.Store(gen)
	t.stop = t.src.AfterFunc(time.Duration(ticks)*t.tick, func() {
		t.fire(gen)
	})
	return nil
}

func (t *Timer) fire(gen uint64) {
	if t.armed.CompareAndSwap(gen, 0) {
		t.fired.Store(gen)
	}
}

// PollFired reports whether the current countdown has completed since the
// last call.
func (t *Timer) PollFired() bool {
	gen := t.gen.Load()
	return gen != 0 && t.fired.CompareAndSwap(gen, 0)
}

// Armed reports whether a countdown is running.
func (t *Timer) Armed() bool { return t.armed.Load() != 0 }

// Generation identifies the most recent Arm or Cancel.
func (t *Timer) Generation() uint64 { return t.gen.Load() }

// Cancel abandons the current countdown, if any.
func (t *Timer) Cancel() {
	t.gen.Add(1)
	t.armed.Store(0)
	t.fired.Store(0)
	if t.stop != nil {
		t.stop.Stop()
		t.stop = nil
	}
}
