// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package olm

import (
	"sync"

	"github.com/loom-im/loom/lib/ref"
)

// LockSet is a mutex table keyed by peer sender key. The sync cycle
// holds the locks for every sender appearing in a response's to-device
// section while it decrypts; an outgoing encrypt for the same peer
// takes the same lock, so a pairwise session is never read mid-ratchet.
type LockSet struct {
	mu    sync.Mutex
	locks map[ref.Curve25519]*sync.Mutex
}

// NewLockSet creates an empty lock table.
func NewLockSet() *LockSet {
	return &LockSet{locks: make(map[ref.Curve25519]*sync.Mutex)}
}

// Lock acquires the mutex for one sender key, creating it on first
// use, and returns the release function. Callers release in defer so
// the lock drops on every path, including errors.
func (l *LockSet) Lock(senderKey ref.Curve25519) (unlock func()) {
	l.mu.Lock()
	lock, ok := l.locks[senderKey]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[senderKey] = lock
	}
	l.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// LockAll acquires the mutexes for a set of sender keys in sorted
// order (a fixed order prevents lock-cycle deadlocks between a sync
// cycle and concurrent encrypts) and returns one release function.
func (l *LockSet) LockAll(senderKeys []ref.Curve25519) (unlock func()) {
	sorted := append([]ref.Curve25519{}, senderKeys...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] < sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	// Dedup after sorting so a repeated sender key doesn't self-deadlock.
	unlocks := make([]func(), 0, len(sorted))
	var previous ref.Curve25519
	for i, key := range sorted {
		if i > 0 && key == previous {
			continue
		}
		previous = key
		unlocks = append(unlocks, l.Lock(key))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}
