package proc

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/tetherdbg/tether/pkg/logflags"
)

// Broadcaster is a publish-subscribe channel keyed by event-type bitmask.
// Each event-type bit is granted to at most one listener at a time, first
// claimant wins. A hijack stack can temporarily divert all events matching
// a mask to a single listener.
type Broadcaster struct {
	name string

	mu        sync.Mutex
	listeners map[*Listener]EventType
	hijacks   []hijackEntry

	log *logrus.Entry
}

type hijackEntry struct {
	listener *Listener
	mask     EventType
}

// NewBroadcaster returns a broadcaster with the given diagnostic name.
func NewBroadcaster(name string) *Broadcaster {
	return &Broadcaster{
		name:      name,
		listeners: make(map[*Listener]EventType),
		log:       logflags.EventsLogger(),
	}
}

// Name returns the broadcaster's diagnostic name.
func (b *Broadcaster) Name() string { return b.name }

// Subscribe grants listener every bit of mask not already owned by a
// different listener, merging with any prior grant, and returns the bits
// actually granted. Bits claimed by another listener are silently dropped.
func (b *Broadcaster) Subscribe(listener *Listener, mask EventType) EventType {
	b.mu.Lock()
	defer b.mu.Unlock()

	var taken EventType
	for other, m := range b.listeners {
		if other != listener {
			taken |= m
		}
	}
	granted := mask &^ taken
	if granted != 0 {
		b.listeners[listener] |= granted
	}
	b.log.Debugf("%s: subscribe %s mask=%s granted=%s", b.name, listener.Name(), mask, granted)
	return granted
}

// Unsubscribe clears the given bits from the listener's grant, removing
// the listener entirely if its grant becomes empty.
func (b *Broadcaster) Unsubscribe(listener *Listener, mask EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.listeners[listener]
	if !ok {
		return
	}
	m &^= mask
	if m == 0 {
		delete(b.listeners, listener)
	} else {
		b.listeners[listener] = m
	}
}

// Hijack pushes (listener, mask) onto the hijack stack. While the entry is
// on top of the stack every broadcast event whose type intersects mask is
// delivered only to listener.
func (b *Broadcaster) Hijack(listener *Listener, mask EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hijacks = append(b.hijacks, hijackEntry{listener, mask})
	b.log.Debugf("%s: hijacked by %s mask=%s depth=%d", b.name, listener.Name(), mask, len(b.hijacks))
}

// Unhijack pops the top of the hijack stack, restoring the previous
// delivery rules. It reports whether an entry was removed.
func (b *Broadcaster) Unhijack() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.hijacks) == 0 {
		return false
	}
	b.hijacks = b.hijacks[:len(b.hijacks)-1]
	return true
}

// IsHijacked reports whether the hijack stack is non-empty.
func (b *Broadcaster) IsHijacked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.hijacks) > 0
}

// EventTypeHasListeners reports whether any event matching mask would
// currently be delivered, either to an active hijacker or to an ordinary
// subscriber.
func (b *Broadcaster) EventTypeHasListeners(mask EventType) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if top := b.topHijackLocked(); top != nil && top.mask&mask != 0 {
		return true
	}
	for _, m := range b.listeners {
		if m&mask != 0 {
			return true
		}
	}
	return false
}

func (b *Broadcaster) topHijackLocked() *hijackEntry {
	if len(b.hijacks) == 0 {
		return nil
	}
	return &b.hijacks[len(b.hijacks)-1]
}

// Broadcast delivers ev to every listener whose granted mask intersects
// the event's type, or only to the active hijacker if one matches.
func (b *Broadcaster) Broadcast(ev *Event) {
	b.broadcast(ev, false)
}

// BroadcastIfUnique is like Broadcast but suppresses delivery to a
// listener whose queue already contains an undelivered event of the same
// type from this broadcaster.
func (b *Broadcaster) BroadcastIfUnique(ev *Event) {
	b.broadcast(ev, true)
}

// broadcast delivers ev while holding the broadcaster mutex; pushing onto
// a listener queue is append-only and never blocks.
func (b *Broadcaster) broadcast(ev *Event, unique bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev.source = b
	var targets []*Listener
	if top := b.topHijackLocked(); top != nil && top.mask&ev.Type != 0 {
		targets = append(targets, top.listener)
	} else {
		for l, m := range b.listeners {
			if m&ev.Type != 0 {
				targets = append(targets, l)
			}
		}
	}

	for _, l := range targets {
		if unique && l.hasUnconsumed(b, ev.Type) {
			atomic.AddUint64(&l.coalesced, 1)
			b.log.Debugf("%s: coalesced %s for %s", b.name, ev, l.Name())
			continue
		}
		b.log.Debugf("%s: %s -> %s", b.name, ev, l.Name())
		l.push(ev)
	}
}

// RemoveListener drops every grant held by listener.
func (b *Broadcaster) RemoveListener(listener *Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, listener)
}
