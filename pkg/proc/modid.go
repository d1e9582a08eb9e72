package proc

import (
	"fmt"
	"sync"
)

// invalidStopID is the sentinel stop ID meaning "no coherent snapshot".
const invalidStopID = ^uint64(0)

// ModID is a snapshot of the modification identity counters of a process.
// Caches elsewhere in the system tag their entries with a ModID and treat
// them as stale as soon as the live counters diverge.
type ModID struct {
	StopID                     uint64
	ResumeID                   uint64
	MemoryID                   uint64
	LastNaturalStopID          uint64
	LastUserExpressionResumeID uint64
	RunningUserExpression      int
}

// Equal reports whether two snapshots describe the same process
// generation. Only the stop and memory counters participate: a cache built
// at a given (stop, memory) pair remains valid while both match.
func (m ModID) Equal(other ModID) bool {
	return m.StopID == other.StopID && m.MemoryID == other.MemoryID
}

// IsValid reports whether the snapshot describes a coherent process state.
func (m ModID) IsValid() bool {
	return m.StopID != invalidStopID
}

func (m ModID) String() string {
	return fmt.Sprintf("{stop=%d resume=%d memory=%d natural=%d uexpr-resume=%d uexpr-depth=%d}",
		m.StopID, m.ResumeID, m.MemoryID, m.LastNaturalStopID, m.LastUserExpressionResumeID, m.RunningUserExpression)
}

// modIDTracker owns the live modification identity counters. Counters are
// bumped only from the control thread; Snapshot may be called from any
// goroutine.
type modIDTracker struct {
	mu sync.Mutex
	id ModID
}

// Snapshot returns a copy of the current counters.
func (t *modIDTracker) Snapshot() ModID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

// BumpStop increments the stop counter. The natural stop counter advances
// too unless the immediately preceding resume was flagged as being for a
// user expression.
func (t *modIDTracker) BumpStop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.id.StopID++
	if !t.lastResumeForUserExpressionLocked() {
		t.id.LastNaturalStopID++
	}
}

// BumpMemory increments the memory counter. Called on every successful
// write to target memory, breakpoint opcode writes included.
func (t *modIDTracker) BumpMemory() {
	t.mu.Lock()
	t.id.MemoryID++
	t.mu.Unlock()
}

// BumpResume increments the resume counter, recording it as a
// user-expression resume when inside a user expression context.
func (t *modIDTracker) BumpResume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.id.ResumeID++
	if t.id.RunningUserExpression > 0 {
		t.id.LastUserExpressionResumeID = t.id.ResumeID
	}
}

// SetRunningUserExpression adjusts the nesting depth of user expression
// evaluation contexts.
func (t *modIDTracker) SetRunningUserExpression(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if on {
		t.id.RunningUserExpression++
	} else if t.id.RunningUserExpression > 0 {
		t.id.RunningUserExpression--
	}
}

func (t *modIDTracker) lastResumeForUserExpressionLocked() bool {
	return t.id.ResumeID > 0 && t.id.ResumeID == t.id.LastUserExpressionResumeID
}

// IsLastResumeForUserExpression reports whether the most recent resume was
// issued on behalf of a user expression evaluation.
func (t *modIDTracker) IsLastResumeForUserExpression() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastResumeForUserExpressionLocked()
}

// SetInvalid moves the tracker to the sentinel state used during process
// teardown; every cache keyed by the ModID treats it as always stale.
func (t *modIDTracker) SetInvalid() {
	t.mu.Lock()
	t.id.StopID = invalidStopID
	t.mu.Unlock()
}

// IsValid reports whether the tracker still describes a coherent process.
func (t *modIDTracker) IsValid() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id.IsValid()
}
