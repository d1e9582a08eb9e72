package proc

import (
	"errors"
	"fmt"
)

// UnsupportedError is returned by every backend primitive the selected
// backend does not implement.
type UnsupportedError struct {
	Capability string
	Backend    string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("%s not supported by %s", e.Capability, e.Backend)
}

// ErrProcessExited indicates that the process has exited and contains both
// process id and exit status.
type ErrProcessExited struct {
	Pid    int
	Status int
}

func (pe ErrProcessExited) Error() string {
	return fmt.Sprintf("Process %d has exited with status %d", pe.Pid, pe.Status)
}

// ProcessDetachedError indicates that the process was detached from.
type ProcessDetachedError struct{}

func (pe ProcessDetachedError) Error() string {
	return "detached from the process"
}

// ErrProcessRunning is returned by operations that require a stopped
// process when the process is running.
var ErrProcessRunning = errors.New("process is running")

// ErrProcessNotRunning is returned by operations that require a running
// process when the process is stopped.
var ErrProcessNotRunning = errors.New("process is not running")

// ErrNoProcess is returned by operations invoked before a process has been
// launched or attached to.
var ErrNoProcess = errors.New("no process loaded")

// ErrWaitTimeout is returned when a wait for a process event exceeded its
// deadline without any event arriving.
var ErrWaitTimeout = errors.New("timed out waiting for process event")

// BackendError wraps an opaque failure reported by the OS or protocol
// layer underneath a backend primitive.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// InvalidAddressError represents an out-of-range or otherwise malformed
// address passed to a memory operation.
type InvalidAddressError struct {
	Address uint64
}

func (iae InvalidAddressError) Error() string {
	return fmt.Sprintf("invalid address %#x", iae.Address)
}

// MemoryReadError is returned when the backend stops making progress
// before a memory read request is satisfied.
type MemoryReadError struct {
	Addr      uint64
	Requested int
	Read      int
}

func (e MemoryReadError) Error() string {
	return fmt.Sprintf("could not read %d bytes at %#x (read %d)", e.Requested, e.Addr, e.Read)
}
