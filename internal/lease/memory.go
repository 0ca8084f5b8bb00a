package lease

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryLocker is an in-process Locker for single-node runs and tests.
type MemoryLocker struct {
	mu      sync.Mutex
	holders map[string]memoryHolder
	seq     uint64
	now     func() time.Time
}

type memoryHolder struct {
	owner   string
	token   uint64
	expires time.Time
}

var _ Locker = (*MemoryLocker)(nil)

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{holders: make(map[string]memoryHolder), now: time.Now}
}

// WithClock replaces the time source.
func (m *MemoryLocker) WithClock(now func() time.Time) *MemoryLocker {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
	return m
}

func (m *MemoryLocker) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, errors.New("lease ttl must be positive")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if h, ok := m.holders[key]; ok && now.Before(h.expires) {
		return nil, ErrHeld
	}
	m.seq++
	m.holders[key] = memoryHolder{owner: owner, token: m.seq, expires: now.Add(ttl)}
	return &memoryLease{m: m, key: key, owner: owner, token: m.seq}, nil
}

// Holder returns the current owner of key, if the lease is live.
func (m *MemoryLocker) Holder(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.holders[key]
	if !ok || !m.now().Before(h.expires) {
		return "", false
	}
	return h.owner, true
}

// Revoke drops key regardless of owner, as if it had expired.
func (m *MemoryLocker) Revoke(key string) {
	m.mu.Lock()
	delete(m.holders, key)
	m.mu.Unlock()
}

type memoryLease struct {
	m     *MemoryLocker
	key   string
	owner string
	token uint64
}

func (l *memoryLease) Key() string   { return l.key }
func (l *memoryLease) Owner() string { return l.owner }

func (l *memoryLease) Renew(ctx context.Context, ttl time.Duration) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()

	now := l.m.now()
	h, ok := l.m.holders[l.key]
	if !ok || h.token != l.token || !now.Before(h.expires) {
		return ErrLost
	}
	h.expires = now.Add(ttl)
	l.m.holders[l.key] = h
	return nil
}

func (l *memoryLease) Release(ctx context.Context) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()

	if h, ok := l.m.holders[l.key]; ok && h.token == l.token {
		delete(l.m.holders, l.key)
	}
	return nil
}
