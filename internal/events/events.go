// Package events defines the ledger events the projector understands. Each
// event name maps to exactly one payload type; anything else is rejected.
package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/jmehdipour/ledger-bridge/internal/failure"
)

const (
	NameWalletOpened     = "WalletOpened"
	NameFundsDeposited   = "FundsDeposited"
	NameFundsWithdrawn   = "FundsWithdrawn"
	NameFundsTransferred = "FundsTransferred"
	NameProfileUpdated   = "ProfileUpdated"
)

// Event is a decoded, validated ledger event payload.
type Event interface {
	EventName() string
	validate() error
}

type WalletOpened struct {
	WalletID string `json:"walletId"`
	OwnerID  string `json:"ownerId"`
	Currency string `json:"currency"`
}

type FundsDeposited struct {
	WalletID string `json:"walletId"`
	Amount   int64  `json:"amount"`
}

type FundsWithdrawn struct {
	WalletID string `json:"walletId"`
	Amount   int64  `json:"amount"`
}

type FundsTransferred struct {
	FromWalletID string `json:"fromWalletId"`
	ToWalletID   string `json:"toWalletId"`
	Amount       int64  `json:"amount"`
}

type ProfileUpdated struct {
	OwnerID     string `json:"ownerId"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
}

func (*WalletOpened) EventName() string     { return NameWalletOpened }
func (*FundsDeposited) EventName() string   { return NameFundsDeposited }
func (*FundsWithdrawn) EventName() string   { return NameFundsWithdrawn }
func (*FundsTransferred) EventName() string { return NameFundsTransferred }
func (*ProfileUpdated) EventName() string   { return NameProfileUpdated }

func (e *WalletOpened) validate() error {
	if err := required("walletId", e.WalletID, "ownerId", e.OwnerID); err != nil {
		return err
	}
	if len(e.Currency) != 3 {
		return fmt.Errorf("currency must be a 3-letter code")
	}
	return nil
}

func (e *FundsDeposited) validate() error {
	if err := required("walletId", e.WalletID); err != nil {
		return err
	}
	return positive(e.Amount)
}

func (e *FundsWithdrawn) validate() error {
	if err := required("walletId", e.WalletID); err != nil {
		return err
	}
	return positive(e.Amount)
}

func (e *FundsTransferred) validate() error {
	if err := required("fromWalletId", e.FromWalletID, "toWalletId", e.ToWalletID); err != nil {
		return err
	}
	if e.FromWalletID == e.ToWalletID {
		return fmt.Errorf("transfer to the same wallet")
	}
	return positive(e.Amount)
}

func (e *ProfileUpdated) validate() error {
	if err := required("ownerId", e.OwnerID); err != nil {
		return err
	}
	if e.Email != "" && !strings.Contains(e.Email, "@") {
		return fmt.Errorf("email %q is not an address", e.Email)
	}
	return nil
}

var constructors = map[string]func() Event{
	NameWalletOpened:     func() Event { return &WalletOpened{} },
	NameFundsDeposited:   func() Event { return &FundsDeposited{} },
	NameFundsWithdrawn:   func() Event { return &FundsWithdrawn{} },
	NameFundsTransferred: func() Event { return &FundsTransferred{} },
	NameProfileUpdated:   func() Event { return &ProfileUpdated{} },
}

// Names lists the known event names, sorted.
func Names() []string {
	out := make([]string, 0, len(constructors))
	for n := range constructors {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Decode turns a raw payload into its tagged variant. Unknown names are a
// permanent error; payloads that do not fit the variant are a *failure.SchemaError.
func Decode(name string, payload []byte) (Event, error) {
	mk, ok := constructors[name]
	if !ok {
		return nil, failure.Permanentf("unknown event %q", name)
	}

	ev := mk()
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(ev); err != nil {
		return nil, &failure.SchemaError{EventName: name, Reason: err.Error()}
	}
	if dec.More() {
		return nil, &failure.SchemaError{EventName: name, Reason: "trailing data after payload"}
	}
	if err := ev.validate(); err != nil {
		return nil, &failure.SchemaError{EventName: name, Reason: err.Error()}
	}
	return ev, nil
}

func required(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return fmt.Errorf("%s is required", pairs[i])
		}
	}
	return nil
}

func positive(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("amount must be positive, got %d", amount)
	}
	return nil
}
