package engine

import "sync"

// keyedLock serializes mutating operations per trade id while letting
// independent ids proceed in parallel. Entries are reference-counted so the
// map does not grow with the historical id space.
type keyedLock struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLock() *keyedLock {
	return &keyedLock{locks: make(map[string]*lockEntry)}
}

func (l *keyedLock) lock(key string) {
	l.mu.Lock()
	entry, ok := l.locks[key]
	if !ok {
		entry = new(lockEntry)
		l.locks[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
}

func (l *keyedLock) unlock(key string) {
	l.mu.Lock()
	entry, ok := l.locks[key]
	if ok {
		entry.refs--
		if entry.refs <= 0 {
			delete(l.locks, key)
		}
	}
	l.mu.Unlock()

	if ok {
		entry.mu.Unlock()
	}
}
