package proc

import (
	"fmt"
	"sync"
)

// State is the execution state of a debugged process.
type State int

const (
	// StateUnloaded means no process has been loaded yet.
	StateUnloaded State = iota
	// StateConnected means a backend connection exists but no process
	// has been launched or attached to.
	StateConnected
	// StateAttaching means an attach operation is in flight.
	StateAttaching
	// StateLaunching means a launch operation is in flight.
	StateLaunching
	// StateStopped means the process is stopped and can be inspected.
	StateStopped
	// StateRunning means the process is executing.
	StateRunning
	// StateStepping means the process is executing a single step.
	StateStepping
	// StateCrashed means the process stopped because of a fatal fault.
	StateCrashed
	// StateDetached means the debugger released the process.
	StateDetached
	// StateExited means the process terminated.
	StateExited
	// StateSuspended means the process exists but its execution has been
	// suspended by an external agent.
	StateSuspended
)

var stateNames = map[State]string{
	StateUnloaded:  "unloaded",
	StateConnected: "connected",
	StateAttaching: "attaching",
	StateLaunching: "launching",
	StateStopped:   "stopped",
	StateRunning:   "running",
	StateStepping:  "stepping",
	StateCrashed:   "crashed",
	StateDetached:  "detached",
	StateExited:    "exited",
	StateSuspended: "suspended",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("unknown state %d", int(s))
}

// IsRunning returns true for states in which the process is executing and
// cannot be inspected.
func (s State) IsRunning() bool {
	switch s {
	case StateAttaching, StateLaunching, StateRunning, StateStepping:
		return true
	}
	return false
}

// IsStopped returns true for states in which the process exists and can be
// inspected.
func (s State) IsStopped() bool {
	switch s {
	case StateStopped, StateCrashed, StateSuspended:
		return true
	}
	return false
}

// IsAlive returns true if a process in this state still exists.
func (s State) IsAlive() bool {
	switch s {
	case StateUnloaded, StateDetached, StateExited:
		return false
	}
	return true
}

// stateHolder holds a State readable from any goroutine while written only
// by the control thread.
type stateHolder struct {
	mu sync.RWMutex
	s  State
}

func (h *stateHolder) get() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.s
}

func (h *stateHolder) set(s State) {
	h.mu.Lock()
	h.s = s
	h.mu.Unlock()
}
