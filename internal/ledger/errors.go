package ledger

import "fmt"

// Kinds reported by the ledger client.
const (
	KindUnavailable = "unavailable" // network, timeout, consensus busy
	KindRateLimited = "rate_limited"
	KindBreakerOpen = "breaker_open"
	KindRejected    = "rejected" // endorsement or validation failure
	KindMalformed   = "malformed"
)

// Error is the ledger's Error{kind, retryable}.
type Error struct {
	Kind      string
	Status    int
	Message   string
	retryable bool
}

func NewError(kind string, retryable bool, msg string) *Error {
	return &Error{Kind: kind, Message: msg, retryable: retryable}
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("ledger %s (status=%d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("ledger %s: %s", e.Kind, e.Message)
}

func (e *Error) Retryable() bool { return e.retryable }
