package proc

import (
	"fmt"
	"strings"
)

// EventType is a bitmask identifying the broadcaster channels an event
// belongs to. Each bit can be granted to at most one listener at a time.
type EventType uint32

const (
	// EventStateChanged marks events carrying a process state transition.
	EventStateChanged EventType = 1 << iota
	// EventInterrupt marks asynchronous interrupt requests.
	EventInterrupt
	// EventSTDOUT marks events carrying bytes read from the target's
	// standard output.
	EventSTDOUT
	// EventSTDERR marks events carrying bytes read from the target's
	// standard error.
	EventSTDERR
	// EventProfileData is reserved for backends that stream profiling
	// data alongside execution control.
	EventProfileData

	// EventControlStop tells the control thread to terminate its loop.
	EventControlStop
	// EventControlPause tells the control thread to pause event
	// processing.
	EventControlPause
	// EventControlResume tells the control thread to resume event
	// processing.
	EventControlResume
)

// eventControlAny covers all control channel bits.
const eventControlAny = EventControlStop | EventControlPause | EventControlResume

func (t EventType) String() string {
	names := []struct {
		bit  EventType
		name string
	}{
		{EventStateChanged, "state-changed"},
		{EventInterrupt, "interrupt"},
		{EventSTDOUT, "stdout"},
		{EventSTDERR, "stderr"},
		{EventProfileData, "profile-data"},
		{EventControlStop, "control-stop"},
		{EventControlPause, "control-pause"},
		{EventControlResume, "control-resume"},
	}
	r := []string{}
	for _, n := range names {
		if t&n.bit != 0 {
			r = append(r, n.name)
		}
	}
	if len(r) == 0 {
		return fmt.Sprintf("event-type(%#x)", uint32(t))
	}
	return strings.Join(r, "|")
}

// StateChangedPayload describes a process state transition.
type StateChangedPayload struct {
	State State

	// Restarted is true if the stop this event describes was handled
	// internally and the process was restarted without surfacing a
	// public stop.
	Restarted bool
	// Interrupted is true if the stop was caused by a Halt request
	// rather than occurring naturally.
	Interrupted bool
	// RestartReasons lists why the process was silently restarted.
	RestartReasons []string

	// ExitStatus and ExitDescription are valid when State is
	// StateExited or StateCrashed.
	ExitStatus      int
	ExitDescription string
}

// IODataPayload carries bytes captured from one of the target's output
// streams.
type IODataPayload struct {
	Stream EventType // EventSTDOUT or EventSTDERR
	Bytes  []byte
}

// InterruptPayload is the payload of an asynchronous interrupt event.
type InterruptPayload struct{}

// Event is an immutable value delivered through broadcasters. The same
// Event is shared by reference across every listener queue it is pushed
// onto.
type Event struct {
	Type EventType

	// StateChanged, IOData and Interrupt form a closed union; exactly
	// one is non-nil depending on Type.
	StateChanged *StateChangedPayload
	IOData       *IODataPayload
	Interrupt    *InterruptPayload

	// OnConsumed, if set, is invoked once when a listener pops the
	// event from its queue.
	OnConsumed func(*Event)

	source *Broadcaster
}

// NewStateChangedEvent returns an event describing a state transition.
func NewStateChangedEvent(state State, payload *StateChangedPayload) *Event {
	if payload == nil {
		payload = &StateChangedPayload{}
	}
	payload.State = state
	return &Event{Type: EventStateChanged, StateChanged: payload}
}

// NewIODataEvent returns an event carrying target output bytes.
func NewIODataEvent(stream EventType, data []byte) *Event {
	return &Event{Type: stream, IOData: &IODataPayload{Stream: stream, Bytes: data}}
}

// NewInterruptEvent returns an asynchronous interrupt event.
func NewInterruptEvent() *Event {
	return &Event{Type: EventInterrupt, Interrupt: &InterruptPayload{}}
}

// Source returns the broadcaster that delivered the event, or nil if the
// event has not been broadcast yet.
func (ev *Event) Source() *Broadcaster {
	return ev.source
}

func (ev *Event) String() string {
	if ev.StateChanged != nil {
		return fmt.Sprintf("event %s state=%s restarted=%v interrupted=%v", ev.Type, ev.StateChanged.State, ev.StateChanged.Restarted, ev.StateChanged.Interrupted)
	}
	return fmt.Sprintf("event %s", ev.Type)
}
