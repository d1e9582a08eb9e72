package proc

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// scriptedBackend is an in-memory backend used by the tests in this
// package: a flat memory image plus counters for every primitive, with
// stops posted through the EventSink the way a real backend's monitoring
// goroutine would.
type scriptedBackend struct {
	StubBackend
	sink EventSink

	mu       sync.Mutex
	mem      []byte
	base     uint64
	nextAddr uint64

	launched bool
	attached bool
	detached bool
	killed   bool

	resumes int
	halts   int
	signals []int

	// maxChunk limits how many bytes a single DoReadMemory or
	// DoWriteMemory call transfers, to exercise partial transfers.
	maxChunk int

	// stopOnResume makes every DoResume immediately report a stop.
	stopOnResume bool
}

func newScriptedBackend(sink EventSink) *scriptedBackend {
	return &scriptedBackend{
		StubBackend: StubBackend{BackendName: "scripted backend"},
		sink:        sink,
		mem:         make([]byte, 4096),
		base:        0x1000,
		nextAddr:    0x20000,
	}
}

func (b *scriptedBackend) Pid() int { return 1234 }

func (b *scriptedBackend) DoLaunch(info *LaunchInfo) error {
	b.mu.Lock()
	b.launched = true
	b.mu.Unlock()
	b.sink.PostState(StateStopped, nil)
	return nil
}

func (b *scriptedBackend) DoAttachToProcessWithID(pid int, info *AttachInfo) error {
	b.mu.Lock()
	b.attached = true
	b.mu.Unlock()
	b.sink.PostState(StateStopped, nil)
	return nil
}

func (b *scriptedBackend) DoResume() error {
	b.mu.Lock()
	b.resumes++
	stop := b.stopOnResume
	b.mu.Unlock()
	if stop {
		b.sink.PostState(StateStopped, nil)
	}
	return nil
}

func (b *scriptedBackend) DoHalt() (bool, error) {
	b.mu.Lock()
	b.halts++
	b.mu.Unlock()
	b.sink.PostState(StateStopped, nil)
	return true, nil
}

func (b *scriptedBackend) DoDetach(keepStopped bool) error {
	b.mu.Lock()
	b.detached = true
	b.mu.Unlock()
	return nil
}

func (b *scriptedBackend) DoDestroy() error {
	b.mu.Lock()
	b.killed = true
	b.mu.Unlock()
	return nil
}

func (b *scriptedBackend) DoSignal(sig int) error {
	b.mu.Lock()
	b.signals = append(b.signals, sig)
	b.mu.Unlock()
	return nil
}

func (b *scriptedBackend) inRange(addr uint64, size int) bool {
	return addr >= b.base && addr+uint64(size) <= b.base+uint64(len(b.mem))
}

func (b *scriptedBackend) DoReadMemory(addr uint64, buf []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.inRange(addr, 1) {
		return 0, InvalidAddressError{Address: addr}
	}
	n := len(buf)
	if max := int(b.base + uint64(len(b.mem)) - addr); n > max {
		n = max
	}
	if b.maxChunk > 0 && n > b.maxChunk {
		n = b.maxChunk
	}
	copy(buf[:n], b.mem[addr-b.base:])
	return n, nil
}

func (b *scriptedBackend) DoWriteMemory(addr uint64, data []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.inRange(addr, 1) {
		return 0, InvalidAddressError{Address: addr}
	}
	n := len(data)
	if max := int(b.base + uint64(len(b.mem)) - addr); n > max {
		n = max
	}
	if b.maxChunk > 0 && n > b.maxChunk {
		n = b.maxChunk
	}
	copy(b.mem[addr-b.base:], data[:n])
	return n, nil
}

func (b *scriptedBackend) DoAllocateMemory(size uint64, perms MemPerms) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	addr := b.nextAddr
	b.nextAddr += size
	return addr, nil
}

func (b *scriptedBackend) DoDeallocateMemory(addr uint64) error {
	return nil
}

func (b *scriptedBackend) postStop() {
	b.sink.PostState(StateStopped, nil)
}

func (b *scriptedBackend) resumeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resumes
}

func assertNoError(err error, t testing.TB, s string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", s, err)
	}
}

// startTestProcess launches a process over a scripted backend and waits
// for the entry stop.
func startTestProcess(t testing.TB) (*Process, *scriptedBackend) {
	t.Helper()
	var b *scriptedBackend
	p := NewProcess(func(sink EventSink) Backend {
		b = newScriptedBackend(sink)
		return b
	}, DefaultProperties())
	err := p.Launch(&LaunchInfo{Path: "/bin/target", Args: []string{"/bin/target"}})
	assertNoError(err, t, "Launch")
	t.Cleanup(func() { p.Destroy(false) })
	return p, b
}

func TestStubBackendReportsUnsupported(t *testing.T) {
	stub := &StubBackend{BackendName: "null backend"}
	err := stub.DoResume()
	var uerr *UnsupportedError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected UnsupportedError, got %v", err)
	}
	if uerr.Error() != "resuming not supported by null backend" {
		t.Errorf("unexpected message: %q", uerr.Error())
	}
}

func TestSelectBackendPriorityOrder(t *testing.T) {
	backendRegistryMu.Lock()
	saved := backendRegistry
	backendRegistry = nil
	backendRegistryMu.Unlock()
	defer func() {
		backendRegistryMu.Lock()
		backendRegistry = saved
		backendRegistryMu.Unlock()
	}()

	RegisterBackendFactory(BackendFactory{
		Name:     "picky",
		CanDebug: func(target string) bool { return target == "special" },
		New:      func(sink EventSink) Backend { return newScriptedBackend(sink) },
	})
	RegisterBackendFactory(BackendFactory{
		Name:     "general",
		CanDebug: func(target string) bool { return true },
		New:      func(sink EventSink) Backend { return newScriptedBackend(sink) },
	})

	f, err := SelectBackend("default", "special")
	assertNoError(err, t, "SelectBackend(special)")
	if f.Name != "picky" {
		t.Errorf("expected first matching factory, got %q", f.Name)
	}

	f, err = SelectBackend("default", "anything")
	assertNoError(err, t, "SelectBackend(anything)")
	if f.Name != "general" {
		t.Errorf("expected fallback factory, got %q", f.Name)
	}

	f, err = SelectBackend("picky", "anything")
	assertNoError(err, t, "SelectBackend by name")
	if f.Name != "picky" {
		t.Errorf("explicit selection ignored CanDebug, got %q", f.Name)
	}

	if _, err := SelectBackend("missing", "x"); err == nil {
		t.Error("expected error for unknown backend name")
	}
}

func TestProcessLifetimeShutdown(t *testing.T) {
	p, _ := startTestProcess(t)
	if !p.IsAlive() {
		t.Fatal("process should be alive after launch")
	}
	assertNoError(p.Destroy(false), t, "Destroy")
	if p.IsAlive() {
		t.Error("process should not be alive after destroy")
	}
	if p.mod.IsValid() {
		t.Error("mod id should be invalid after destroy")
	}
	// Destroy is safe to repeat.
	assertNoError(p.Destroy(false), t, "second Destroy")
}

func TestDestroyDetachesAttachedProcess(t *testing.T) {
	var b *scriptedBackend
	p := NewProcess(func(sink EventSink) Backend {
		b = newScriptedBackend(sink)
		return b
	}, DefaultProperties())
	assertNoError(p.AttachToPID(1234, nil), t, "AttachToPID")
	if p.GetState() != StateStopped {
		t.Fatalf("expected stopped after attach, got %s", p.GetState())
	}
	assertNoError(p.Destroy(false), t, "Destroy")
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.killed {
		t.Error("attached process should be detached, not killed")
	}
	if !b.detached {
		t.Error("attached process should have been detached")
	}
}

func TestDestroyKillsLaunchedProcess(t *testing.T) {
	p, b := startTestProcess(t)
	assertNoError(p.Destroy(false), t, "Destroy")
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.killed {
		t.Error("launched process should be killed on destroy")
	}
	status, desc := p.GetExitStatus()
	if status != -1 || desc == "" {
		t.Errorf("unexpected exit status %d %q", status, desc)
	}
}

func TestSignalForwardsToBackend(t *testing.T) {
	p, b := startTestProcess(t)
	assertNoError(p.Signal(2), t, "Signal")
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.signals) != 1 || b.signals[0] != 2 {
		t.Errorf("expected signal 2 delivered, got %v", b.signals)
	}
}

func TestStreamFailureIsFatal(t *testing.T) {
	p, _ := startTestProcess(t)
	sub := NewListener("sub")
	p.Broadcaster().Subscribe(sub, EventStateChanged)

	p.StreamFailed(errors.New("connection reset"))

	ev, err := p.WaitForStateChangedEvents(time.Second, sub)
	assertNoError(err, t, "WaitForStateChangedEvents")
	if ev.StateChanged.State != StateExited {
		t.Fatalf("expected exited state, got %s", ev.StateChanged.State)
	}
	if p.GetModID().IsValid() {
		t.Error("mod id should be invalid after stream failure")
	}
	if p.GetState() != StateExited {
		t.Errorf("public state should be exited, got %s", p.GetState())
	}
}
