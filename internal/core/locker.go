package core

import (
	"CustodyBank/internal/address"
	"bytes"
	"context"
	"sort"
	"sync"
)

// AccountLocker serialises invocations that reference the same account.
// Keys are always acquired in ascending order so two invocations can never
// wait on each other.
type AccountLocker struct {
	mu    sync.Mutex
	locks map[address.Address]*accountLock
}

type accountLock struct {
	ch   chan struct{}
	refs int
}

func NewAccountLocker() *AccountLocker {
	return &AccountLocker{
		locks: make(map[address.Address]*accountLock),
	}
}

// Lock acquires every key and returns the matching unlock func.
// On context cancellation the keys already held are released.
func (l *AccountLocker) Lock(ctx context.Context, keys []address.Address) (func(), error) {
	ordered := sortedUnique(keys)
	held := make([]*accountLock, 0, len(ordered))

	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i].ch
		}
		l.mu.Lock()
		for _, key := range ordered {
			l.unref(key)
		}
		l.mu.Unlock()
	}

	l.mu.Lock()
	entries := make([]*accountLock, len(ordered))
	for i, key := range ordered {
		entries[i] = l.ref(key)
	}
	l.mu.Unlock()

	for _, entry := range entries {
		select {
		case entry.ch <- struct{}{}:
			held = append(held, entry)
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

// Len returns the number of keys currently locked or waited on.
func (l *AccountLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *AccountLocker) ref(key address.Address) *accountLock {
	entry, ok := l.locks[key]
	if !ok {
		entry = &accountLock{ch: make(chan struct{}, 1)}
		l.locks[key] = entry
	}
	entry.refs++
	return entry
}

func (l *AccountLocker) unref(key address.Address) {
	entry := l.locks[key]
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, key)
	}
}

func sortedUnique(keys []address.Address) []address.Address {
	out := make([]address.Address, 0, len(keys))
	seen := make(map[address.Address]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}
