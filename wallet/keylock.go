package wallet

import "sync"

// keyedMutex serializes engine mutations per wallet so two concurrent
// operations on the same wallet never observe the same unspent set.
// Entries are reference counted and removed once unused.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[int64]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[int64]*lockEntry)}
}

func (k *keyedMutex) lock(walletId int64) {
	k.mu.Lock()
	entry, ok := k.entries[walletId]
	if !ok {
		entry = &lockEntry{}
		k.entries[walletId] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
}

func (k *keyedMutex) unlock(walletId int64) {
	k.mu.Lock()
	entry := k.entries[walletId]
	entry.refs--
	if entry.refs == 0 {
		delete(k.entries, walletId)
	}
	k.mu.Unlock()

	entry.mu.Unlock()
}
