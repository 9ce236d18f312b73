package booking

import (
	"context"
	"sort"
	"sync"
)

// MemoryLocker serializes slot operations with in-process keyed mutexes. It
// pairs with MemoryStore for embedded deployments and tests; multi-instance
// deployments use the Redis locker instead.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*sync.Mutex)}
}

func (l *MemoryLocker) lockFor(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	return m
}

// WithSlotLocks acquires the keys in sorted order so concurrent two-slot
// operations cannot deadlock each other.
func (l *MemoryLocker) WithSlotLocks(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	ordered := append([]string(nil), keys...)
	sort.Strings(ordered)

	held := make([]*sync.Mutex, 0, len(ordered))
	for _, key := range ordered {
		m := l.lockFor(key)
		m.Lock()
		held = append(held, m)
	}
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}()

	return fn(ctx)
}
