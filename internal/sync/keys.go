package sync

import "sync"

// KeyedMutex provides per-key mutual exclusion. The reconciler and the
// outbound controller share one instance so a merge and a send for the
// same conversation never interleave, while different conversations run
// fully in parallel.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// Lock blocks until the key is exclusively held and returns the unlock
// function. Entries are removed once the last waiter releases, so the map
// does not grow with the number of conversations ever seen.
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	kl := k.locks[key]
	if kl == nil {
		kl = &keyLock{}
		k.locks[key] = kl
	}
	kl.refs++
	k.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		k.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// SyncKey is the mutual-exclusion key for one conversation.
func SyncKey(tenantID, address string) string {
	return tenantID + "|" + address
}
