package cache

import (
	"sort"
	"sync"
)

// keyedLocks serializes writers per partition bucket. Lock keys are acquired
// in sorted order so writers spanning multiple buckets cannot deadlock.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*sync.Mutex)}
}

// acquire locks every key and returns the release function. Duplicate keys
// are collapsed; release unlocks in reverse acquisition order.
func (l *keyedLocks) acquire(keys ...string) func() {
	seen := make(map[string]bool, len(keys))
	sorted := make([]string, 0, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			sorted = append(sorted, k)
		}
	}
	sort.Strings(sorted)

	held := make([]*sync.Mutex, 0, len(sorted))
	for _, k := range sorted {
		l.mu.Lock()
		m, ok := l.locks[k]
		if !ok {
			m = &sync.Mutex{}
			l.locks[k] = m
		}
		l.mu.Unlock()

		m.Lock()
		held = append(held, m)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}
