package failure

import (
	"errors"
	"fmt"
	"testing"
)

type classified bool

func (c classified) Error() string   { return "classified" }
func (c classified) Retryable() bool { return bool(c) }

func TestClassification(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		permanent bool
		transient bool
	}{
		{"nil", nil, false, false},
		{"plain io error", errors.New("connection reset"), false, true},
		{"marked transient", Transient(errors.New("busy")), false, true},
		{"marked permanent", Permanent(errors.New("bad payload")), true, false},
		{"wrapped permanent", fmt.Errorf("submit: %w", Permanentf("bad %s", "payload")), true, false},
		{"schema", fmt.Errorf("handle: %w", &SchemaError{EventName: "FundsDeposited", Reason: "missing walletId"}), true, false},
		{"retryable classified", classified(true), false, true},
		{"non-retryable classified", fmt.Errorf("ledger: %w", classified(false)), true, false},
		{"conflict", fmt.Errorf("commit: %w", ErrConcurrencyConflict), false, false},
		{"lease lost", ErrLeaseLost, false, false},
		{"lease expired", ErrLeaseExpired, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsPermanent(tc.err); got != tc.permanent {
				t.Errorf("IsPermanent = %v, want %v", got, tc.permanent)
			}
			if got := IsTransient(tc.err); got != tc.transient {
				t.Errorf("IsTransient = %v, want %v", got, tc.transient)
			}
		})
	}
}

func TestPermanentKeepsCause(t *testing.T) {
	cause := errors.New("root")
	err := Permanent(cause)
	if !errors.Is(err, cause) {
		t.Fatal("errors.Is lost the cause")
	}
	if Permanent(nil) != nil || Transient(nil) != nil {
		t.Fatal("wrapping nil must stay nil")
	}
}
