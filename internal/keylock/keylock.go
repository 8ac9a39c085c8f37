// Package keylock provides per-key mutual exclusion. The broker uses it to
// serialize token refreshes for the same (user, service) credential while
// leaving unrelated credentials fully concurrent.
package keylock

import "sync"

// KeyLock is a set of named mutexes. The zero value is not usable; use New.
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// New creates an empty KeyLock.
func New() *KeyLock {
	return &KeyLock{
		locks: make(map[string]*entry),
	}
}

// Lock acquires the mutex for key, creating it on first use. It returns an
// unlock function that must be called exactly once. Entries are removed when
// their last holder or waiter releases, so the map does not grow with the
// number of keys ever seen.
func (k *KeyLock) Lock(key string) (unlock func()) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()

			k.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(k.locks, key)
			}
			k.mu.Unlock()
		})
	}
}
