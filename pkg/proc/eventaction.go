package proc

// EventActionResult is the three-way verdict an EventAction returns for
// each private event it is shown.
type EventActionResult int

const (
	// ActionSuccess completes the action; the current event proceeds to
	// public visibility as usual.
	ActionSuccess EventActionResult = iota
	// ActionRetry resumes the process privately and waits for the next
	// event; nothing is surfaced publicly this round.
	ActionRetry
	// ActionAbort fails the operation the action was driving; the
	// process surfaces an exited/error state.
	ActionAbort
)

func (r EventActionResult) String() string {
	switch r {
	case ActionSuccess:
		return "success"
	case ActionRetry:
		return "retry"
	case ActionAbort:
		return "abort"
	}
	return "unknown"
}

// EventAction is a one-shot state machine consulted by the control thread
// for every incoming private event until it reports success or abort. It
// drives multi-step operations, like an attach that must observe the
// initial stop before the public attach completes. At most one action is
// registered at a time; registering a new one discards the previous one.
type EventAction interface {
	// Perform is invoked with each private event, on the control
	// thread.
	Perform(ev *Event) EventActionResult
	// AbortReason returns the failure after Perform returned
	// ActionAbort.
	AbortReason() error
	// Discarded notifies the action it was replaced or dropped before
	// completing.
	Discarded()
}

// attachAction completes an attach operation: it swallows private events
// until the target reports its first stop, then lets the stop surface
// publicly as the attach result.
type attachAction struct {
	info *AttachInfo
	err  error
}

func (a *attachAction) Perform(ev *Event) EventActionResult {
	if ev.StateChanged == nil {
		return ActionRetry
	}
	switch ev.StateChanged.State {
	case StateStopped, StateCrashed:
		return ActionSuccess
	case StateExited, StateDetached:
		a.err = ErrProcessExited{Status: ev.StateChanged.ExitStatus}
		return ActionAbort
	}
	return ActionRetry
}

func (a *attachAction) AbortReason() error { return a.err }

func (a *attachAction) Discarded() {}
