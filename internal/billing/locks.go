// Package billing implements the reconciliation core: webhook event
// dispatch, the invoice payment orchestrator, lifecycle synchronization,
// and subscription provisioning.
package billing

import (
	"sync"
)

// keyedMutex serializes work per subscription. Webhook deliveries for
// different subscriptions run concurrently; deliveries for the same
// subscription queue behind one another, which is what makes check-ledger-
// then-capture safe inside a single process. Entries are reference-counted
// and removed when the last holder releases, so the map does not grow with
// the total number of subscriptions ever seen.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*lockEntry)}
}

// Lock acquires the mutex for key, blocking until it is free. The returned
// function releases it.
func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
