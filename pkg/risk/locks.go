package risk

import (
	"sort"
	"sync"
)

type keyLock struct {
	mutex sync.Mutex
	refs  int
}

// KeyLocks hands out one mutex per key. Entries live only while referenced.
type KeyLocks struct {
	mutex sync.Mutex
	locks map[string]*keyLock
}

func NewKeyLocks() *KeyLocks {
	return &KeyLocks{locks: make(map[string]*keyLock)}
}

func (l *KeyLocks) Lock(key string) {
	l.mutex.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{}
		l.locks[key] = kl
	}
	kl.refs++
	l.mutex.Unlock()

	kl.mutex.Lock()
}

func (l *KeyLocks) Unlock(key string) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	kl := l.locks[key]
	kl.mutex.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// LockAll locks the distinct keys in sorted order and returns the release func.
// Sorted acquisition keeps two callers sharing several keys from deadlocking.
func (l *KeyLocks) LockAll(keys []string) func() {
	uniq := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		uniq[k] = struct{}{}
	}
	sorted := make([]string, 0, len(uniq))
	for k := range uniq {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	for _, k := range sorted {
		l.Lock(k)
	}
	return func() {
		for i := len(sorted) - 1; i >= 0; i-- {
			l.Unlock(sorted[i])
		}
	}
}

// Len reports how many keys are currently referenced.
func (l *KeyLocks) Len() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return len(l.locks)
}
