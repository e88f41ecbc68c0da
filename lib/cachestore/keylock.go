// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cachestore

import (
	"sync"

	"github.com/bureau-foundation/assetcache/lib/cachekey"
)

// keyLocks hands out one RWMutex per key with reference counting, so
// locks exist only for keys with an operation in progress. Readers of
// a key hold its read lock for the whole file read; writers (insert,
// remove, eviction) hold the write lock. Different keys never contend.
type keyLocks struct {
	mu    sync.Mutex
	locks map[cachekey.Key]*keyLock
}

type keyLock struct {
	sync.RWMutex
	key        cachekey.Key
	references int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[cachekey.Key]*keyLock)}
}

// get returns the lock for key with its reference count raised. The
// caller locks it and must call put when finished.
func (k *keyLocks) get(key cachekey.Key) *keyLock {
	k.mu.Lock()
	defer k.mu.Unlock()
	lock, ok := k.locks[key]
	if !ok {
		lock = &keyLock{key: key}
		k.locks[key] = lock
	}
	lock.references++
	return lock
}

// put drops a reference taken by get or tryLock.
func (k *keyLocks) put(lock *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	lock.references--
	if lock.references == 0 {
		delete(k.locks, lock.key)
	}
}

// tryLock write-locks key without blocking. It returns nil if the key
// is being read or written. Eviction uses it while holding the index
// lock, which is what keeps eviction from ever waiting on a key.
func (k *keyLocks) tryLock(key cachekey.Key) *keyLock {
	lock := k.get(key)
	if !lock.TryLock() {
		k.put(lock)
		return nil
	}
	return lock
}
