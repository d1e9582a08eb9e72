package proc

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tetherdbg/tether/pkg/logflags"
)

// Process is the process control core. It owns a backend plugin, the
// private/public event broadcasters and the control thread that moves
// events between them, and layers the synchronous-looking public control
// operations on top.
type Process struct {
	backend    Backend
	props      *Properties
	log        *logrus.Entry
	memlog     *logrus.Entry
	backendLog *logrus.Entry

	// privateBroadcaster carries raw backend events to the control
	// thread; controlBroadcaster carries control signals to it; the
	// public broadcaster fans out to external listeners.
	privateBroadcaster *Broadcaster
	controlBroadcaster *Broadcaster
	broadcaster        *Broadcaster

	controlListener *Listener

	publicState  stateHolder
	privateState stateHolder

	mod     modIDTracker
	runLock *RunLock

	sites *BreakpointSiteList

	allocMu     sync.Mutex
	allocations map[uint64]uint64 // addr -> size

	actionMu sync.Mutex
	action   EventAction

	flagMu                 sync.Mutex
	interruptRequested     bool
	clearThreadPlansOnStop bool
	forceNextEventDelivery bool

	exitMu     sync.Mutex
	exited     bool
	exitStatus int
	exitDesc   string

	streamMu  sync.Mutex
	streamErr error

	launched bool // launched, not attached to

	resumeMu   sync.Mutex
	resumeChan chan<- struct{}

	ptmx *os.File

	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// NewProcess constructs a process around the backend produced by
// newBackend and starts its control thread. The process itself is the
// EventSink handed to the backend. props may be nil to use the
// process-wide defaults installed with Initialize.
func NewProcess(newBackend func(EventSink) Backend, props *Properties) *Process {
	if props == nil {
		props = currentProperties()
	}
	p := &Process{
		props:              props,
		log:                logflags.ControlLogger(),
		memlog:             logflags.MemoryLogger(),
		backendLog:         logflags.BackendLogger(),
		privateBroadcaster: NewBroadcaster("process.private"),
		controlBroadcaster: NewBroadcaster("process.control"),
		broadcaster:        NewBroadcaster("process.public"),
		controlListener:    NewListenerWithCapacity("control-thread", props.EventQueueCapacity),
		runLock:            NewRunLock(),
		sites:              NewBreakpointSiteList(),
		allocations:        make(map[uint64]uint64),
	}
	p.publicState.set(StateUnloaded)
	p.privateState.set(StateUnloaded)
	p.privateBroadcaster.Subscribe(p.controlListener, EventStateChanged)
	p.controlBroadcaster.Subscribe(p.controlListener, eventControlAny)
	p.backend = newBackend(p)
	p.wg.Add(1)
	go p.run()
	return p
}

// Backend returns the backend plugin driving this process.
func (p *Process) Backend() Backend { return p.backend }

// Broadcaster returns the public event broadcaster. External consumers
// subscribe their listeners here.
func (p *Process) Broadcaster() *Broadcaster { return p.broadcaster }

// Pid returns the target process id reported by the backend.
func (p *Process) Pid() int { return p.backend.Pid() }

// GetState returns the externally visible execution state.
func (p *Process) GetState() State { return p.publicState.get() }

// GetPrivateState returns the state tracked by the control thread. The
// two diverge during multi-step internal operations.
func (p *Process) GetPrivateState() State { return p.privateState.get() }

// GetModID returns a snapshot of the modification identity counters.
func (p *Process) GetModID() ModID { return p.mod.Snapshot() }

// GetStopID returns the current stop generation counter.
func (p *Process) GetStopID() uint64 { return p.mod.Snapshot().StopID }

// GetMemoryID returns the current memory generation counter.
func (p *Process) GetMemoryID() uint64 { return p.mod.Snapshot().MemoryID }

// IsAlive reports whether a target process currently exists.
func (p *Process) IsAlive() bool { return p.publicState.get().IsAlive() }

// GetExitStatus returns the exit status and description of an exited
// process, or -1 and "" if the process has not exited.
func (p *Process) GetExitStatus() (int, string) {
	p.exitMu.Lock()
	defer p.exitMu.Unlock()
	if !p.exited {
		return -1, ""
	}
	return p.exitStatus, p.exitDesc
}

// RunLock returns the lock arbitrating stopped/running access to process
// state. Callers that want access to a running process release their read
// side explicitly instead of waiting for a stop.
func (p *Process) RunLock() *RunLock { return p.runLock }

// SetRunningUserExpression brackets a user expression evaluation context.
// Calls nest.
func (p *Process) SetRunningUserExpression(on bool) {
	p.mod.SetRunningUserExpression(on)
}

// ResumeNotify specifies a channel that will be closed the next time the
// process transitions from a non-running to a running state.
func (p *Process) ResumeNotify(ch chan<- struct{}) {
	p.resumeMu.Lock()
	p.resumeChan = ch
	p.resumeMu.Unlock()
}

// HijackProcessEvents diverts all public state-changed events to the
// given listener until RestoreProcessEvents is called. Hijacks nest.
func (p *Process) HijackProcessEvents(listener *Listener) {
	p.broadcaster.Hijack(listener, EventStateChanged|EventInterrupt)
}

// RestoreProcessEvents undoes the most recent HijackProcessEvents.
func (p *Process) RestoreProcessEvents() {
	p.broadcaster.Unhijack()
}

// PauseEventProcessing tells the control thread to stop handling backend
// events. Events arriving while paused are queued in order; control
// requests are still honored. Teardown paths use this so a late stop
// cannot surface while the target is being dismantled.
func (p *Process) PauseEventProcessing() {
	p.controlBroadcaster.Broadcast(&Event{Type: EventControlPause})
}

// ResumeEventProcessing undoes PauseEventProcessing and replays any
// events deferred while paused, in arrival order.
func (p *Process) ResumeEventProcessing() {
	p.controlBroadcaster.Broadcast(&Event{Type: EventControlResume})
}

// RegisterEventAction installs a one-shot action consulted by the control
// thread for every private event until it completes. A previously
// registered action is discarded and notified.
func (p *Process) RegisterEventAction(a EventAction) {
	p.actionMu.Lock()
	prev := p.action
	p.action = a
	p.actionMu.Unlock()
	if prev != nil {
		prev.Discarded()
	}
}

func (p *Process) takeEventAction() EventAction {
	p.actionMu.Lock()
	defer p.actionMu.Unlock()
	return p.action
}

func (p *Process) clearEventAction(a EventAction) {
	p.actionMu.Lock()
	if p.action == a {
		p.action = nil
	}
	p.actionMu.Unlock()
}

// PostState implements EventSink. Backends push raw state transitions
// here from their monitoring goroutines.
func (p *Process) PostState(state State, payload *StateChangedPayload) {
	p.privateBroadcaster.Broadcast(NewStateChangedEvent(state, payload))
}

// PostIOData implements EventSink; target output bytes go straight to the
// public broadcaster.
func (p *Process) PostIOData(stream EventType, data []byte) {
	p.broadcaster.Broadcast(NewIODataEvent(stream, data))
}

// StreamFailed implements EventSink. An unexpected end of the backend
// event stream is fatal for this process instance: the control thread
// synthesizes an exited state and terminates.
func (p *Process) StreamFailed(err error) {
	p.streamMu.Lock()
	p.streamErr = err
	p.streamMu.Unlock()
	p.PostState(StateExited, &StateChangedPayload{
		ExitStatus:      -1,
		ExitDescription: fmt.Sprintf("backend event stream failed: %v", err),
	})
}

func (p *Process) streamFailure() error {
	p.streamMu.Lock()
	defer p.streamMu.Unlock()
	return p.streamErr
}

// run is the control thread. It is the sole authority over private state
// transitions and runs for the lifetime of the process object.
func (p *Process) run() {
	defer p.wg.Done()
	paused := false
	var deferred []*Event
	for {
		ev, err := p.controlListener.WaitForEventMask(0, eventControlAny)
		if err != nil {
			return
		}
		if ev.Type&eventControlAny != 0 {
			switch ev.Type {
			case EventControlStop:
				p.log.Debug("control thread stopping")
				return
			case EventControlPause:
				paused = true
			case EventControlResume:
				paused = false
				for _, dev := range deferred {
					if p.handlePrivateEvent(dev) {
						return
					}
				}
				deferred = nil
			}
			continue
		}
		if paused {
			deferred = append(deferred, ev)
			continue
		}
		if p.handlePrivateEvent(ev) {
			return
		}
	}
}

// handlePrivateEvent processes one raw backend event. It reports whether
// the control thread should terminate.
func (p *Process) handlePrivateEvent(ev *Event) bool {
	payload := ev.StateChanged
	if payload == nil {
		return false
	}
	oldPrivate := p.privateState.get()
	newPrivate := payload.State
	p.privateState.set(newPrivate)
	p.log.Debugf("private state %s -> %s", oldPrivate, newPrivate)

	if newPrivate.IsRunning() && !oldPrivate.IsRunning() {
		p.notifyResume()
	}

	if action := p.takeEventAction(); action != nil {
		switch res := action.Perform(ev); res {
		case ActionSuccess:
			p.clearEventAction(action)
		case ActionRetry:
			p.log.Debugf("event action retry on %s", ev)
			if newPrivate.IsStopped() {
				if err := p.backend.DoResume(); err != nil {
					p.log.Errorf("private resume for event action failed: %v", err)
					p.clearEventAction(action)
					action.Discarded()
					return p.surfaceEvent(NewStateChangedEvent(StateExited, &StateChangedPayload{
						ExitStatus:      -1,
						ExitDescription: fmt.Sprintf("could not resume: %v", err),
					}))
				}
				p.privateState.set(StateRunning)
			}
			return false
		case ActionAbort:
			reason := action.AbortReason()
			p.clearEventAction(action)
			p.log.Errorf("event action aborted: %v", reason)
			desc := ""
			if reason != nil {
				desc = reason.Error()
			}
			return p.surfaceEvent(NewStateChangedEvent(StateExited, &StateChangedPayload{
				ExitStatus:      -1,
				ExitDescription: desc,
			}))
		}
	}

	if !p.shouldBroadcastEvent(ev) {
		p.log.Debugf("suppressing %s", ev)
		return false
	}
	return p.surfaceEvent(ev)
}

// shouldBroadcastEvent decides public visibility for a private event.
// Internal steps (restarted stops, private single-steps) are suppressed
// unless a policy flag forces delivery.
func (p *Process) shouldBroadcastEvent(ev *Event) bool {
	payload := ev.StateChanged
	p.flagMu.Lock()
	force := p.forceNextEventDelivery || p.clearThreadPlansOnStop
	p.forceNextEventDelivery = false
	p.flagMu.Unlock()
	if force {
		return true
	}
	if payload.Restarted {
		return false
	}
	if payload.State == StateStepping {
		return false
	}
	return true
}

// surfaceEvent makes a private event publicly visible: it runs the
// pre-stop hook, bumps the modification identity, updates public state and
// broadcasts. It reports whether the control thread should terminate.
func (p *Process) surfaceEvent(ev *Event) bool {
	payload := ev.StateChanged
	state := payload.State

	if state.IsStopped() || state == StateExited || state == StateDetached {
		if state.IsStopped() {
			p.backend.WillPublicStop()
		}
		p.flagMu.Lock()
		if p.interruptRequested {
			payload.Interrupted = true
			p.interruptRequested = false
		}
		p.clearThreadPlansOnStop = false
		p.flagMu.Unlock()

		if state == StateExited {
			p.recordExit(payload.ExitStatus, payload.ExitDescription)
		}
		p.mod.BumpStop()
		p.runLock.SetStopped()
	}

	p.publicState.set(state)
	p.log.Debugf("public state -> %s", state)
	p.broadcaster.BroadcastIfUnique(ev)

	if state == StateExited && p.streamFailure() != nil {
		// Fatal backend stream loss: no coherent snapshot remains.
		p.mod.SetInvalid()
		return true
	}
	return false
}

func (p *Process) recordExit(status int, desc string) {
	p.exitMu.Lock()
	p.exited = true
	p.exitStatus = status
	p.exitDesc = desc
	p.exitMu.Unlock()
}

func (p *Process) notifyResume() {
	p.resumeMu.Lock()
	ch := p.resumeChan
	p.resumeChan = nil
	p.resumeMu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// Launch starts a new target process and waits for it to stop at entry.
func (p *Process) Launch(info *LaunchInfo) error {
	if st := p.publicState.get(); st != StateUnloaded && st != StateConnected {
		return fmt.Errorf("cannot launch: process state is %s", st)
	}
	if err := p.willLaunch(info); err != nil {
		return err
	}
	p.publicState.set(StateLaunching)
	p.privateState.set(StateLaunching)
	p.launched = true

	hijacker := NewListener("launch-wait")
	p.HijackProcessEvents(hijacker)
	defer p.RestoreProcessEvents()

	if err := p.backend.DoLaunch(info); err != nil {
		p.publicState.set(StateUnloaded)
		p.privateState.set(StateUnloaded)
		info.ClosePTY()
		return err
	}
	p.didLaunch(info)

	st, err := p.waitForStop(hijacker, p.props.HaltTimeout)
	if err != nil {
		return err
	}
	if st == StateExited {
		status, _ := p.GetExitStatus()
		return ErrProcessExited{Pid: p.Pid(), Status: status}
	}
	if st == StateDetached {
		return ProcessDetachedError{}
	}
	return nil
}

func (p *Process) willLaunch(info *LaunchInfo) error {
	if info == nil || info.Path == "" {
		return fmt.Errorf("no executable specified")
	}
	return nil
}

func (p *Process) didLaunch(info *LaunchInfo) {
	if info.PTY() != nil {
		p.ptmx = info.PTY()
		p.wg.Add(1)
		go p.pumpPTY(info.PTY())
	}
}

// pumpPTY forwards target output from the pty master into IOData events.
func (p *Process) pumpPTY(master *os.File) {
	defer p.wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := master.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			p.PostIOData(EventSTDOUT, data)
		}
		if err != nil {
			return
		}
	}
}

// AttachToPID attaches to an existing process. The attach completes when
// the control thread observes the target's initial stop; intermediate
// events are consumed by a registered event action.
func (p *Process) AttachToPID(pid int, info *AttachInfo) error {
	return p.attach(info, func() error {
		return p.backend.DoAttachToProcessWithID(pid, info)
	})
}

// AttachToName attaches to an existing process found by name.
func (p *Process) AttachToName(name string, info *AttachInfo) error {
	return p.attach(info, func() error {
		return p.backend.DoAttachToProcessWithName(name, info)
	})
}

func (p *Process) attach(info *AttachInfo, do func() error) error {
	if st := p.publicState.get(); st != StateUnloaded && st != StateConnected {
		return fmt.Errorf("cannot attach: process state is %s", st)
	}
	if info == nil {
		info = &AttachInfo{}
	}
	p.publicState.set(StateAttaching)
	p.privateState.set(StateAttaching)
	p.launched = false

	p.RegisterEventAction(&attachAction{info: info})

	hijacker := NewListener("attach-wait")
	p.HijackProcessEvents(hijacker)
	defer p.RestoreProcessEvents()

	if err := do(); err != nil {
		p.RegisterEventAction(nil)
		p.publicState.set(StateUnloaded)
		p.privateState.set(StateUnloaded)
		return err
	}

	st, err := p.waitForStop(hijacker, p.props.HaltTimeout)
	if err != nil {
		return err
	}
	if st == StateExited {
		status, _ := p.GetExitStatus()
		return ErrProcessExited{Pid: p.Pid(), Status: status}
	}
	if info.ContinueOnAttach {
		return p.Resume()
	}
	return nil
}

// Resume continues execution of the target. It acquires the run lock's
// write side; the lock is released when the control thread surfaces the
// next public stop event. The running state is published before the
// backend is invoked: a stop that surfaces while DoResume is still in
// flight must never be overwritten by the resume path.
func (p *Process) Resume() error {
	if err := p.willResume(); err != nil {
		return err
	}
	if !p.runLock.SetRunning() {
		return ErrProcessRunning
	}
	p.mod.BumpResume()
	p.didResume()
	p.backendLog.Debug("DoResume")
	if err := p.backend.DoResume(); err != nil {
		p.resumeFailed()
		return err
	}
	return nil
}

func (p *Process) willResume() error {
	st := p.publicState.get()
	if st == StateExited {
		status, _ := p.GetExitStatus()
		return ErrProcessExited{Pid: p.Pid(), Status: status}
	}
	if st == StateDetached {
		return ProcessDetachedError{}
	}
	if st.IsRunning() {
		return ErrProcessRunning
	}
	if !st.IsStopped() {
		return ErrNoProcess
	}
	return nil
}

func (p *Process) didResume() {
	p.privateState.set(StateRunning)
	p.publicState.set(StateRunning)
	p.notifyResume()
	p.broadcaster.BroadcastIfUnique(NewStateChangedEvent(StateRunning, nil))
}

// resumeFailed rolls back didResume after the backend refused to resume.
// The stop generation is not bumped: the target never actually ran.
func (p *Process) resumeFailed() {
	p.privateState.set(StateStopped)
	p.publicState.set(StateStopped)
	p.runLock.SetStopped()
	p.broadcaster.BroadcastIfUnique(NewStateChangedEvent(StateStopped, nil))
}

// ResumeSynchronous resumes the target and blocks until the next public
// stop or terminal event, forwarding intermediate target output to w. A
// timeout of zero uses the configured resume timeout; if that is zero too
// the wait is unbounded.
func (p *Process) ResumeSynchronous(w io.Writer, timeout time.Duration) (State, error) {
	if timeout == 0 {
		timeout = p.props.ResumeTimeout
	}
	hijacker := NewListener("resume-sync")
	p.broadcaster.Hijack(hijacker, EventStateChanged|EventInterrupt|EventSTDOUT|EventSTDERR)
	defer p.broadcaster.Unhijack()

	if err := p.Resume(); err != nil {
		return p.publicState.get(), err
	}

	for {
		ev, err := hijacker.WaitForEvent(timeout)
		if err != nil {
			return p.publicState.get(), err
		}
		if ev.IOData != nil {
			if w != nil {
				w.Write(ev.IOData.Bytes)
			}
			continue
		}
		if sc := ev.StateChanged; sc != nil {
			switch sc.State {
			case StateStopped, StateCrashed, StateSuspended:
				return sc.State, nil
			case StateExited:
				return sc.State, ErrProcessExited{Pid: p.Pid(), Status: sc.ExitStatus}
			case StateDetached:
				return sc.State, ProcessDetachedError{}
			}
		}
	}
}

// Halt stops a running target. It is idempotent: a process that is
// already stopped returns success with no spurious stop event. The stop
// caused by Halt is marked interrupted, distinguishable from a natural
// stop. clearThreadPlans additionally forces the resulting event through
// any internal suppression.
func (p *Process) Halt(clearThreadPlans bool) error {
	st := p.publicState.get()
	if st.IsStopped() {
		return nil
	}
	if !st.IsRunning() {
		if st == StateExited {
			return nil
		}
		return ErrNoProcess
	}

	p.flagMu.Lock()
	p.interruptRequested = true
	if clearThreadPlans {
		p.clearThreadPlansOnStop = true
	}
	p.flagMu.Unlock()
	p.broadcaster.Broadcast(NewInterruptEvent())

	hijacker := NewListener("halt-wait")
	p.HijackProcessEvents(hijacker)
	defer p.RestoreProcessEvents()

	p.backendLog.Debug("DoHalt")
	causedStop, err := p.backend.DoHalt()
	if err != nil {
		p.flagMu.Lock()
		p.interruptRequested = false
		p.clearThreadPlansOnStop = false
		p.flagMu.Unlock()
		return &BackendError{Op: "halt", Err: err}
	}
	_ = causedStop // a racing natural stop satisfies the wait just as well

	_, err = p.waitForStop(hijacker, p.props.HaltTimeout)
	return err
}

// Detach releases the target process. If keepStopped is true the process
// is left stopped instead of resuming on its own. Event processing is
// paused while the backend detaches so a stop racing the detach cannot
// surface mid-teardown; on failure processing resumes and any deferred
// events are replayed.
func (p *Process) Detach(keepStopped bool) error {
	if !p.IsAlive() {
		return ErrNoProcess
	}
	p.PauseEventProcessing()
	p.backendLog.Debug("DoDetach")
	if err := p.backend.DoDetach(keepStopped); err != nil {
		p.ResumeEventProcessing()
		return &BackendError{Op: "detach", Err: err}
	}
	p.didDetach()
	return nil
}

func (p *Process) didDetach() {
	p.privateState.set(StateDetached)
	p.publicState.set(StateDetached)
	p.mod.SetInvalid()
	p.broadcaster.Broadcast(NewStateChangedEvent(StateDetached, nil))
	p.shutdown()
}

// Destroy tears the target down: launched processes are killed, attached
// processes are detached from, unless force requests a kill either way.
func (p *Process) Destroy(force bool) error {
	if !p.IsAlive() {
		p.shutdown()
		return nil
	}
	p.PauseEventProcessing()
	if p.launched || force {
		p.backendLog.Debug("DoDestroy")
		if err := p.backend.DoDestroy(); err != nil {
			p.ResumeEventProcessing()
			return &BackendError{Op: "destroy", Err: err}
		}
		p.recordExit(-1, "killed by debugger")
		p.privateState.set(StateExited)
		p.publicState.set(StateExited)
		p.mod.SetInvalid()
		p.broadcaster.Broadcast(NewStateChangedEvent(StateExited, &StateChangedPayload{
			ExitStatus:      -1,
			ExitDescription: "killed by debugger",
		}))
		p.shutdown()
		return nil
	}
	p.backendLog.Debug("DoDetach")
	if err := p.backend.DoDetach(false); err != nil {
		p.ResumeEventProcessing()
		return &BackendError{Op: "detach", Err: err}
	}
	p.didDetach()
	return nil
}

// Signal delivers a signal to the target process.
func (p *Process) Signal(sig int) error {
	if !p.IsAlive() {
		return ErrNoProcess
	}
	p.backendLog.Debugf("DoSignal %s", signalName(sig))
	return p.backend.DoSignal(sig)
}

// WaitForStateChangedEvents blocks on the given listener until a
// state-changed event arrives or the timeout expires. The listener must be
// subscribed to (or hijacking) the public broadcaster.
func (p *Process) WaitForStateChangedEvents(timeout time.Duration, listener *Listener) (*Event, error) {
	for {
		ev, err := listener.WaitForEvent(timeout)
		if err != nil {
			return nil, err
		}
		if ev.Type&EventStateChanged != 0 {
			return ev, nil
		}
	}
}

// WaitForProcessToStop hijacks the public event stream and blocks until
// the process reaches a stopped or terminal state. The consumed events are
// not re-delivered to ordinary listeners.
func (p *Process) WaitForProcessToStop(timeout time.Duration) (State, error) {
	st := p.publicState.get()
	if st.IsStopped() || st == StateExited || st == StateDetached {
		return st, nil
	}
	if !st.IsRunning() {
		return st, ErrProcessNotRunning
	}
	hijacker := NewListener("stop-wait")
	p.HijackProcessEvents(hijacker)
	defer p.RestoreProcessEvents()
	return p.waitForStop(hijacker, timeout)
}

// waitForStop consumes state events from listener until a stopped or
// terminal state arrives.
func (p *Process) waitForStop(listener *Listener, timeout time.Duration) (State, error) {
	for {
		ev, err := p.WaitForStateChangedEvents(timeout, listener)
		if err != nil {
			return p.publicState.get(), err
		}
		st := ev.StateChanged.State
		if st.IsStopped() || st == StateExited || st == StateDetached {
			return st, nil
		}
	}
}

// shutdown terminates the control thread and tears down process
// resources. Safe to call more than once.
func (p *Process) shutdown() {
	p.shutdownOnce.Do(func() {
		if a := p.takeEventAction(); a != nil {
			p.clearEventAction(a)
			a.Discarded()
		}
		p.controlBroadcaster.Broadcast(&Event{Type: EventControlStop})
		if p.ptmx != nil {
			p.ptmx.Close()
		}
		p.wg.Wait()
		p.controlListener.Close()
	})
}
