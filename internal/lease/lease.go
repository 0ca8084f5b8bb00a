// Package lease provides renewable, time-bounded exclusive claims used to keep
// a single active projector per stream.
package lease

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrHeld is returned by Acquire when another owner holds the key.
	ErrHeld = errors.New("lease held by another owner")
	// ErrLost is returned by Renew when the lease expired or was taken over.
	ErrLost = errors.New("lease lost")
)

type Lease interface {
	Key() string
	Owner() string
	// Renew extends the lease to ttl from now, if still held.
	Renew(ctx context.Context, ttl time.Duration) error
	// Release gives the lease up. Releasing a lease that is no longer held is a no-op.
	Release(ctx context.Context) error
}

type Locker interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (Lease, error)
}
