package proc

import (
	"sync"
	"time"
)

// Properties is the process-wide read-only configuration injected into
// each Process at construction. It is initialized once at program start
// and torn down at shutdown; instances never look it up through ambient
// globals.
type Properties struct {
	// EventQueueCapacity is the initial capacity of listener queues.
	EventQueueCapacity int
	// ResumeTimeout bounds how long a synchronous resume waits for the
	// next public stop event. Zero means wait forever.
	ResumeTimeout time.Duration
	// HaltTimeout bounds how long Halt waits for the interrupt stop.
	HaltTimeout time.Duration
	// VerifyBreakpointWrites makes breakpoint enabling re-read the trap
	// opcode after writing it.
	VerifyBreakpointWrites bool
}

// DefaultProperties returns the built-in defaults.
func DefaultProperties() *Properties {
	return &Properties{
		EventQueueCapacity:     16,
		ResumeTimeout:          0,
		HaltTimeout:            20 * time.Second,
		VerifyBreakpointWrites: true,
	}
}

var (
	propertiesMu sync.Mutex
	properties   *Properties
)

// Initialize installs the process-wide default properties. It must be
// called once before any Process is constructed; calling it again replaces
// the defaults for processes constructed afterwards.
func Initialize(p *Properties) {
	propertiesMu.Lock()
	defer propertiesMu.Unlock()
	if p == nil {
		p = DefaultProperties()
	}
	properties = p
}

// Terminate tears down the process-wide default properties.
func Terminate() {
	propertiesMu.Lock()
	properties = nil
	propertiesMu.Unlock()
}

func currentProperties() *Properties {
	propertiesMu.Lock()
	defer propertiesMu.Unlock()
	if properties == nil {
		return DefaultProperties()
	}
	return properties
}
