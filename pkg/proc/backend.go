package proc

import (
	"fmt"
	"sync"
)

// MemPerms describes the permissions of an allocated memory region.
type MemPerms uint8

const (
	// MemRead marks the region readable.
	MemRead MemPerms = 1 << iota
	// MemWrite marks the region writable.
	MemWrite
	// MemExec marks the region executable.
	MemExec
)

// EventSink is the narrow interface a backend uses to push raw
// state-change events into the process's private broadcaster. Backends
// call it from their own monitoring goroutines; the control thread
// consumes on the other side.
type EventSink interface {
	// PostState reports a raw state transition observed in the target.
	PostState(state State, payload *StateChangedPayload)
	// PostIOData forwards bytes captured from the target's stdout or
	// stderr.
	PostIOData(stream EventType, data []byte)
	// StreamFailed reports that the backend's event stream terminated
	// unexpectedly. This is fatal for the process instance.
	StreamFailed(err error)
}

// Backend is the contract an OS- or protocol-specific plugin must satisfy
// for the process control core to drive it. Every primitive a backend does
// not implement must return an UnsupportedError; embedding StubBackend
// provides that default.
type Backend interface {
	// Name identifies the backend in errors and logs.
	Name() string

	DoLaunch(info *LaunchInfo) error
	DoAttachToProcessWithID(pid int, info *AttachInfo) error
	DoAttachToProcessWithName(name string, info *AttachInfo) error
	DoResume() error
	// DoHalt requests a stop. causedStop reports whether the request
	// will generate a stop event; a request racing a natural stop must
	// report false.
	DoHalt() (causedStop bool, err error)
	DoDetach(keepStopped bool) error
	DoDestroy() error
	DoSignal(sig int) error

	DoReadMemory(addr uint64, buf []byte) (int, error)
	DoWriteMemory(addr uint64, data []byte) (int, error)
	DoAllocateMemory(size uint64, perms MemPerms) (uint64, error)
	DoDeallocateMemory(addr uint64) error

	// WillPublicStop is invoked by the control thread right before a
	// stop event becomes publicly visible.
	WillPublicStop()

	// Pid returns the target process id, or 0 if no process exists yet.
	Pid() int
	// Arch returns the target architecture.
	Arch() Arch
}

// StubBackend provides the default behavior for every backend primitive:
// fail with an unsupported-operation result naming the capability.
// Concrete backends embed it and override what they support.
type StubBackend struct {
	BackendName string
}

func (s *StubBackend) unsupported(capability string) error {
	return &UnsupportedError{Capability: capability, Backend: s.Name()}
}

// Name returns the backend name used in unsupported-operation messages.
func (s *StubBackend) Name() string {
	if s.BackendName == "" {
		return "stub backend"
	}
	return s.BackendName
}

func (s *StubBackend) DoLaunch(info *LaunchInfo) error {
	return s.unsupported("launching")
}

func (s *StubBackend) DoAttachToProcessWithID(pid int, info *AttachInfo) error {
	return s.unsupported("attaching by pid")
}

func (s *StubBackend) DoAttachToProcessWithName(name string, info *AttachInfo) error {
	return s.unsupported("attaching by name")
}

func (s *StubBackend) DoResume() error {
	return s.unsupported("resuming")
}

func (s *StubBackend) DoHalt() (bool, error) {
	return false, s.unsupported("halting")
}

func (s *StubBackend) DoDetach(keepStopped bool) error {
	return s.unsupported("detaching")
}

func (s *StubBackend) DoDestroy() error {
	return s.unsupported("destroying")
}

func (s *StubBackend) DoSignal(sig int) error {
	return s.unsupported("sending signals")
}

func (s *StubBackend) DoReadMemory(addr uint64, buf []byte) (int, error) {
	return 0, s.unsupported("reading memory")
}

func (s *StubBackend) DoWriteMemory(addr uint64, data []byte) (int, error) {
	return 0, s.unsupported("writing memory")
}

func (s *StubBackend) DoAllocateMemory(size uint64, perms MemPerms) (uint64, error) {
	return 0, s.unsupported("allocating memory")
}

func (s *StubBackend) DoDeallocateMemory(addr uint64) error {
	return s.unsupported("deallocating memory")
}

// WillPublicStop is a no-op by default.
func (s *StubBackend) WillPublicStop() {}

// Pid returns 0; backends that track a target override this.
func (s *StubBackend) Pid() int { return 0 }

// Arch defaults to the amd64 descriptor.
func (s *StubBackend) Arch() Arch { return AMD64Arch() }

// BackendFactory describes a registered backend plugin. Factories are
// probed in registration order; the first whose CanDebug accepts the
// target wins.
type BackendFactory struct {
	// Name is the identifier used for explicit backend selection.
	Name string
	// CanDebug reports whether this backend can debug the given target
	// (an executable path, a pid spec or a connection string).
	CanDebug func(target string) bool
	// New constructs the backend. The sink must receive every raw
	// state-change event the backend observes.
	New func(sink EventSink) Backend
}

var (
	backendRegistryMu sync.Mutex
	backendRegistry   []BackendFactory
)

// RegisterBackendFactory appends a factory to the registry. Registration
// order is priority order for capability probing.
func RegisterBackendFactory(f BackendFactory) {
	backendRegistryMu.Lock()
	defer backendRegistryMu.Unlock()
	backendRegistry = append(backendRegistry, f)
}

// SelectBackend returns the factory matching name, or, when name is
// "default" or empty, the first registered factory whose CanDebug accepts
// target.
func SelectBackend(name, target string) (*BackendFactory, error) {
	backendRegistryMu.Lock()
	defer backendRegistryMu.Unlock()
	if name != "" && name != "default" {
		for i := range backendRegistry {
			if backendRegistry[i].Name == name {
				return &backendRegistry[i], nil
			}
		}
		return nil, fmt.Errorf("unknown backend %q", name)
	}
	for i := range backendRegistry {
		f := &backendRegistry[i]
		if f.CanDebug == nil || f.CanDebug(target) {
			return f, nil
		}
	}
	return nil, fmt.Errorf("no backend can debug %q", target)
}
