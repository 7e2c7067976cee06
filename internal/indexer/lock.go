package indexer

import "sync"

// ProjectLocks hands out non-blocking per-project locks so at most one job
// runs for a project inside this process.
type ProjectLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewProjectLocks returns an empty lock set.
func NewProjectLocks() *ProjectLocks {
	return &ProjectLocks{held: make(map[string]struct{})}
}

// TryAcquire takes the lock for projectID without blocking.
// Returns true if the lock was acquired, false if another job holds it.
func (l *ProjectLocks) TryAcquire(projectID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[projectID]; ok {
		return false
	}
	l.held[projectID] = struct{}{}
	return true
}

// Release frees the lock for projectID.
// Must only be called by the holder.
func (l *ProjectLocks) Release(projectID string) {
	l.mu.Lock()
	delete(l.held, projectID)
	l.mu.Unlock()
}

// Held reports whether a job currently holds projectID.
func (l *ProjectLocks) Held(projectID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[projectID]
	return ok
}
