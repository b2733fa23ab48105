package patch

import (
	"path/filepath"
	"sync"
)

const lockSuffix = ".lock"

// pathLocks serialises writers of the same artifact path within one
// process. lockFile extends that to other processes.
type pathLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newPathLocks() *pathLocks {
	return &pathLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *pathLocks) lock(path string) (unlock func()) {
	key := filepath.Clean(path)
	if abs, err := filepath.Abs(key); err == nil {
		key = abs
	}

	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
