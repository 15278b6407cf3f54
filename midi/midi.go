// package midi decodes delta-time prefixed MIDI streams and fans the decoded
// events out to listeners.
package midi

import (
	"sync"
	"sync/atomic"
)

// ChannelMask has bit n set to select channel n.
type ChannelMask uint16

const AllChannels ChannelMask = 0xFFFF

// Channels builds a mask selecting the given 0-based channels.
func Channels(chans ...byte) ChannelMask {
	var m ChannelMask
	for _, c := range chans {
		m |= 1 << (c & 0xF)
	}
	return m
}

type sub struct {
	f filter
	c chan Event
}

// Dispatcher routes played events to a set of channels. Dispatch never
// blocks: a subscriber that falls behind misses events.
type Dispatcher struct {
	mu      sync.Mutex
	subs    []sub
	closed  bool
	dropped atomic.Uint64
}

// Dispatch hands ev to every matching subscriber.
func (d *Dispatcher) Dispatch(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.subs {
		if !s.f.match(ev) {
			continue
		}
		select {
		case s.c <- ev:
		default:
			d.dropped.Add(1)
		}
	}
}

// Dropped counts events not delivered because a subscriber was full.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Close closes every subscription channel. Later subscriptions get a closed
// channel.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.subs {
		close(s.c)
	}
	d.subs = d.subs[:0]
	d.closed = true
}

// Subscribe returns a channel of the events that pass all of opts.
func (d *Dispatcher) Subscribe(opts ...SubscriptionFilter) <-chan Event {
	f := defaultFilter()
	for _, o := range opts {
		o(&f)
	}

	c := make(chan Event, 100)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		close(c)
		return c
	}
	d.subs = append(d.subs, sub{f: f, c: c})
	return c
}

type filter struct {
	channels ChannelMask
	cv1Types [7]bool
	meta     bool
}

func defaultFilter() filter {
	f := filter{
		channels: AllChannels,
	}
	for i := range f.cv1Types {
		f.cv1Types[i] = true
	}
	return f
}

func (f *filter) match(ev Event) bool {
	if ev.Kind == KindMeta {
		return f.meta
	}
	if f.channels&(1<<ev.Channel()) == 0 {
		return false
	}
	return f.cv1Types[int(ev.Type&0x7)]
}

type SubscriptionFilter func(f *filter)

func WithChannelMask(cm ChannelMask) SubscriptionFilter {
	return func(f *filter) { f.channels = cm }
}

func WithoutCV1Type(t CV1MessageType) SubscriptionFilter {
	return func(f *filter) {
		f.cv1Types[int(t&0x7)] = false
	}
}

// WithMeta also delivers meta events, which are left out by default.
func WithMeta() SubscriptionFilter {
	return func(f *filter) { f.meta = true }
}
