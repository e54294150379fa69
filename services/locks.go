package services

import "sync"

// userLocks hands out one mutex per user id. Entries are reference counted
// and dropped once nobody holds or waits on them.
type userLocks struct {
	mu      sync.Mutex
	entries map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{entries: make(map[string]*userLock)}
}

// lock blocks until the caller owns userID and returns the release func.
func (l *userLocks) lock(userID string) func() {
	l.mu.Lock()
	e, ok := l.entries[userID]
	if !ok {
		e = &userLock{}
		l.entries[userID] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.entries, userID)
		}
		l.mu.Unlock()
	}
}

func (l *userLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
