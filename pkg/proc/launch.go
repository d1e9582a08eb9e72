package proc

import (
	"os"

	"github.com/creack/pty"
)

// LaunchInfo describes how to launch a target process.
type LaunchInfo struct {
	// Path is the executable to launch.
	Path string
	// Args is the full argument vector, Args[0] included.
	Args []string
	// WorkingDir is the working directory for the new process, or ""
	// for the debugger's.
	WorkingDir string
	// Env is the environment for the new process; nil inherits the
	// debugger's environment.
	Env []string
	// StopAtEntry keeps the process stopped at its entry point after
	// launch instead of resuming it.
	StopAtEntry bool

	ptmx *os.File
	tts  *os.File
}

// AllocatePTY opens a pseudo terminal pair for the target's standard
// streams. The backend should hand the slave side to the new process; the
// core pumps master output into IOData events.
func (li *LaunchInfo) AllocatePTY() error {
	p, t, err := pty.Open()
	if err != nil {
		return err
	}
	li.ptmx = p
	li.tts = t
	return nil
}

// PTY returns the master side of the allocated pseudo terminal, or nil.
func (li *LaunchInfo) PTY() *os.File { return li.ptmx }

// TTY returns the slave side of the allocated pseudo terminal, or nil.
// Backends pass it as stdin/stdout/stderr of the launched process.
func (li *LaunchInfo) TTY() *os.File { return li.tts }

// ClosePTY closes both sides of the allocated pseudo terminal.
func (li *LaunchInfo) ClosePTY() {
	if li.ptmx != nil {
		li.ptmx.Close()
		li.ptmx = nil
	}
	if li.tts != nil {
		li.tts.Close()
		li.tts = nil
	}
}

// AttachInfo describes how to attach to an existing process.
type AttachInfo struct {
	// WaitForLaunch makes attach-by-name wait for a process with the
	// given name to appear instead of failing when none exists.
	WaitForLaunch bool
	// KeepStopped leaves the process stopped if the attach is aborted.
	KeepStopped bool
	// ContinueOnAttach resumes the process as soon as the attach
	// sequence completes.
	ContinueOnAttach bool
}
