package ledger

import (
	"testing"
	"time"
)

func TestBreakerOpensAndAllowsTrialCall(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := NewBreaker(2, time.Second)
	b.now = func() time.Time { return now }

	b.OnFailure()
	if !b.TryAcquire() {
		t.Fatal("breaker opened before threshold")
	}
	b.OnFailure()
	if b.TryAcquire() {
		t.Fatal("breaker should be open after threshold")
	}

	now = now.Add(2 * time.Second)
	if !b.TryAcquire() {
		t.Fatal("trial call should be allowed once openFor elapsed")
	}
	if b.TryAcquire() {
		t.Fatal("only one trial call may be in flight")
	}

	b.OnFailure()
	if b.TryAcquire() {
		t.Fatal("failed trial call must re-open the breaker")
	}

	now = now.Add(2 * time.Second)
	if !b.TryAcquire() {
		t.Fatal("second trial call should be allowed")
	}
	b.OnSuccess()
	if !b.TryAcquire() || !b.TryAcquire() {
		t.Fatal("successful trial call must close the breaker")
	}
}
