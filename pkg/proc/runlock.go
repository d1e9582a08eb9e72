package proc

import "sync"

// RunLock arbitrates access to process state between callers that need the
// process stopped (readers) and the resume path (writer). Any number of
// readers may hold the stopped side concurrently; moving to running
// excludes readers until SetStopped. The read side never blocks so
// inspection code can poll a running process without deadlocking.
type RunLock struct {
	mu      sync.Mutex
	cond    *sync.Cond
	readers int
	running bool
}

// NewRunLock returns a RunLock in the stopped state.
func NewRunLock() *RunLock {
	l := &RunLock{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// TryRLock acquires the stopped side if the process is not running. It
// never blocks; callers that receive false must not touch process state.
func (l *RunLock) TryRLock() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return false
	}
	l.readers++
	return true
}

// RUnlock releases a read acquisition obtained with TryRLock.
func (l *RunLock) RUnlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.readers > 0 {
		l.readers--
		if l.readers == 0 {
			l.cond.Broadcast()
		}
	}
}

// SetRunning moves the lock into the running state, blocking until all
// outstanding readers release. It returns false if the lock was already in
// the running state.
func (l *RunLock) SetRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return false
	}
	for l.readers > 0 {
		l.cond.Wait()
		if l.running {
			return false
		}
	}
	l.running = true
	return true
}

// TrySetRunning is like SetRunning but fails instead of waiting when
// readers are outstanding.
func (l *RunLock) TrySetRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running || l.readers > 0 {
		return false
	}
	l.running = true
	return true
}

// SetStopped moves the lock back into the stopped state, admitting
// readers again.
func (l *RunLock) SetStopped() {
	l.mu.Lock()
	l.running = false
	l.mu.Unlock()
	l.cond.Broadcast()
}

// IsRunning reports whether the lock is in the running state.
func (l *RunLock) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}
