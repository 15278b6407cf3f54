package timer

import (
	"sort"
	"sync"
	"time"
)

// Manual is a Source driven by Advance instead of the wall clock. Callbacks
// run synchronously inside Advance.
type Manual struct {
	mu      sync.Mutex
	now     time.Duration
	pending []*manualTimer
}

type manualTimer struct {
	m    *Manual
	at   time.Duration
	f    func()
	done bool
}

func (mt *manualTimer) Stop() bool {
	mt.m.mu.Lock()
	defer mt.m.mu.Unlock()
	if mt.done {
		return false
	}
	mt.done = true
	return true
}

func (m *Manual) AfterFunc(d time.Duration, f func()) Stopper {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt := &manualTimer{m: m, at: m.now + d, f: f}
	m.pending = append(m.pending, mt)
	return mt
}

// Advance moves the clock forward by d, running every callback that falls
// due, oldest deadline first.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now += d
	var due, keep []*manualTimer
	for _, mt := range m.pending {
		switch {
		case mt.done:
		case mt.at <= m.now:
			mt.done = true
			due = append(due, mt)
		default:
			keep = append(keep, mt)
		}
	}
	m.pending = keep
	m.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at < due[j].at })
	for _, mt := range due {
		mt.f()
	}
}

// Pending is the number of callbacks waiting to run.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, mt := range m.pending {
		if !mt.done {
			n++
		}
	}
	return n
}

// Now is the total time advanced so far.
func (m *Manual) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}
