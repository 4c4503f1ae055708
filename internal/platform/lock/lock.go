// Package lock provides per-key critical sections. Keys are acquired in
// sorted order so callers locking overlapping key sets cannot deadlock.
package lock

import (
	"context"
	"sort"
	"sync"
)

// Locker acquires every key or none. The returned release function is safe
// to call more than once.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (func(), error)
}

// Normalize sorts and de-duplicates keys.
func Normalize(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type slot struct {
	ch   chan struct{}
	refs int
}

// KeyedLocker is an in-process Locker. Waiting honours context cancellation.
type KeyedLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{slots: make(map[string]*slot)}
}

func (l *KeyedLocker) ref(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *KeyedLocker) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.slots[key]
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

func (l *KeyedLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = Normalize(keys)
	held := make([]*slot, 0, len(keys))
	heldKeys := make([]string, 0, len(keys))

	releaseHeld := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i].ch
			l.unref(heldKeys[i])
		}
	}

	for _, k := range keys {
		s := l.ref(k)
		select {
		case s.ch <- struct{}{}:
			held = append(held, s)
			heldKeys = append(heldKeys, k)
		case <-ctx.Done():
			l.unref(k)
			releaseHeld()
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() { once.Do(releaseHeld) }, nil
}

// Held reports the number of keys currently tracked. Used by tests.
func (l *KeyedLocker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
