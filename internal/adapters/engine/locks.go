package engine

import "sync"

// nodeLocks serializes transitions per (run, node key) pair. Entries are
// created on first use and dropped once the last holder releases, so the map
// tracks in-flight work rather than run history.
type nodeLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newNodeLocks() *nodeLocks {
	return &nodeLocks{entries: make(map[string]*lockEntry)}
}

func (l *nodeLocks) lock(runID, nodeKey string) {
	key := runID + "/" + nodeKey

	l.mu.Lock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &lockEntry{}
		l.entries[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
}

func (l *nodeLocks) unlock(runID, nodeKey string) {
	key := runID + "/" + nodeKey

	l.mu.Lock()
	entry, ok := l.entries[key]
	if !ok {
		l.mu.Unlock()
		panic("unlock of unheld node lock: " + key)
	}
	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, key)
	}
	l.mu.Unlock()

	entry.mu.Unlock()
}
