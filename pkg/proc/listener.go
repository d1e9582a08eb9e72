package proc

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrListenerClosed is returned by waits on a listener that has been
// closed.
var ErrListenerClosed = errors.New("listener closed")

// Listener receives events from the broadcasters it is subscribed to.
// Events are queued in FIFO order per listener; pushing never blocks the
// broadcaster.
type Listener struct {
	name string

	mu     sync.Mutex
	queue  []*Event
	closed bool

	// notify has capacity 1 and carries "queue may be non-empty"
	// wakeups to a blocked wait.
	notify chan struct{}

	received  uint64 // atomic
	coalesced uint64 // atomic
}

// NewListener returns a listener with the given diagnostic name.
func NewListener(name string) *Listener {
	return &Listener{
		name:   name,
		notify: make(chan struct{}, 1),
	}
}

// NewListenerWithCapacity returns a listener whose queue is preallocated
// to hold capacity events.
func NewListenerWithCapacity(name string, capacity int) *Listener {
	l := NewListener(name)
	if capacity > 0 {
		l.queue = make([]*Event, 0, capacity)
	}
	return l
}

// Name returns the listener's diagnostic name.
func (l *Listener) Name() string { return l.name }

// push appends ev to the queue. It never blocks: notification is a
// non-blocking send on a buffered channel.
func (l *Listener) push(ev *Event) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, ev)
	l.mu.Unlock()
	atomic.AddUint64(&l.received, 1)
	l.wake()
}

func (l *Listener) wake() {
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// hasUnconsumed reports whether the queue holds an undelivered event of
// the given type from the given broadcaster. Used by BroadcastIfUnique to
// coalesce events.
func (l *Listener) hasUnconsumed(source *Broadcaster, typ EventType) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.queue {
		if ev.source == source && ev.Type&typ != 0 {
			return true
		}
	}
	return false
}

// popLocked removes and returns the next event, preferring events whose
// type intersects priority. Returns nil if the queue is empty.
func (l *Listener) popLocked(priority EventType) *Event {
	if len(l.queue) == 0 {
		return nil
	}
	idx := 0
	if priority != 0 {
		for i, ev := range l.queue {
			if ev.Type&priority != 0 {
				idx = i
				break
			}
		}
	}
	ev := l.queue[idx]
	l.queue = append(l.queue[:idx], l.queue[idx+1:]...)
	return ev
}

func (l *Listener) consume(priority EventType) *Event {
	l.mu.Lock()
	ev := l.popLocked(priority)
	pending := len(l.queue) > 0
	l.mu.Unlock()
	if pending {
		l.wake()
	}
	if ev != nil && ev.OnConsumed != nil {
		ev.OnConsumed(ev)
	}
	return ev
}

// GetNextEvent removes and returns the next queued event without
// blocking. It returns nil if the queue is empty.
func (l *Listener) GetNextEvent() *Event {
	return l.consume(0)
}

// WaitForEvent blocks until an event is available, the timeout expires or
// the listener is closed. A timeout of 0 or less waits forever.
func (l *Listener) WaitForEvent(timeout time.Duration) (*Event, error) {
	return l.WaitForEventMask(timeout, 0)
}

// WaitForEventMask is like WaitForEvent but events whose type intersects
// priority are delivered before older events of other types.
func (l *Listener) WaitForEventMask(timeout time.Duration, priority EventType) (*Event, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		l.mu.Lock()
		if l.closed && len(l.queue) == 0 {
			l.mu.Unlock()
			// Propagate the wakeup to any other blocked waiter.
			l.wake()
			return nil, ErrListenerClosed
		}
		l.mu.Unlock()
		if ev := l.consume(priority); ev != nil {
			return ev, nil
		}
		select {
		case <-l.notify:
		case <-deadline:
			return nil, ErrWaitTimeout
		}
	}
}

// Clear drops all queued events.
func (l *Listener) Clear() {
	l.mu.Lock()
	l.queue = nil
	l.mu.Unlock()
}

// Close marks the listener closed and wakes any blocked wait. Queued
// events can still be drained with GetNextEvent.
func (l *Listener) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()
	l.wake()
}

// EventsReceived returns the total number of events pushed onto the
// listener's queue.
func (l *Listener) EventsReceived() uint64 {
	return atomic.LoadUint64(&l.received)
}

// EventsCoalesced returns the number of events suppressed by
// BroadcastIfUnique because an identical event was already queued.
func (l *Listener) EventsCoalesced() uint64 {
	return atomic.LoadUint64(&l.coalesced)
}
