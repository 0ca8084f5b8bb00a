package lease

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryLockerExclusive(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	m := NewMemoryLocker().WithClock(func() time.Time { return now })

	a, err := m.Acquire(ctx, "stream:wallets", "projector-a", 10*time.Second)
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	if _, err := m.Acquire(ctx, "stream:wallets", "projector-b", 10*time.Second); !errors.Is(err, ErrHeld) {
		t.Fatalf("acquire b err = %v, want ErrHeld", err)
	}
	if owner, ok := m.Holder("stream:wallets"); !ok || owner != "projector-a" {
		t.Fatalf("holder = %q %v", owner, ok)
	}

	now = now.Add(5 * time.Second)
	if err := a.Renew(ctx, 10*time.Second); err != nil {
		t.Fatalf("renew: %v", err)
	}
	now = now.Add(8 * time.Second)
	if _, err := m.Acquire(ctx, "stream:wallets", "projector-b", 10*time.Second); !errors.Is(err, ErrHeld) {
		t.Fatal("renewed lease was taken over")
	}

	if err := a.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := m.Acquire(ctx, "stream:wallets", "projector-b", 10*time.Second); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestMemoryLockerExpiryAndTakeover(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	m := NewMemoryLocker().WithClock(func() time.Time { return now })

	a, err := m.Acquire(ctx, "k", "a", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Second)
	b, err := m.Acquire(ctx, "k", "b", time.Second)
	if err != nil {
		t.Fatalf("expired lease should be acquirable: %v", err)
	}

	if err := a.Renew(ctx, time.Second); !errors.Is(err, ErrLost) {
		t.Fatalf("renew of superseded lease = %v, want ErrLost", err)
	}
	// releasing the stale lease must not free b's claim
	_ = a.Release(ctx)
	if owner, ok := m.Holder("k"); !ok || owner != "b" {
		t.Fatalf("holder = %q %v, want b", owner, ok)
	}
	_ = b.Release(ctx)
	if _, ok := m.Holder("k"); ok {
		t.Fatal("lease still held after release")
	}
}
