package registry

import "sync"

// Locks hands out one mutex per capability name so that deployment and
// rollback of the same capability never interleave. Locks for distinct
// names are independent.
type Locks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

// NewLocks creates an empty lock set.
func NewLocks() *Locks {
	return &Locks{m: make(map[string]*sync.Mutex)}
}

// Acquire blocks until the named lock is held and returns its release
// function.
func (l *Locks) Acquire(name string) func() {
	l.mu.Lock()
	mu, ok := l.m[name]
	if !ok {
		mu = &sync.Mutex{}
		l.m[name] = mu
	}
	l.mu.Unlock()

	mu.Lock()
	return mu.Unlock
}
