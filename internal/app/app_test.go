package app

import (
	"testing"
	"time"

	"github.com/jmehdipour/ledger-bridge/internal/config"
	"github.com/jmehdipour/ledger-bridge/internal/events"
	"github.com/jmehdipour/ledger-bridge/internal/projector"
)

func TestEventPolicies(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.ProjectorConfig
		def     projector.OnError
		want    map[string]projector.OnError
		wantErr bool
	}{
		{
			name: "skip by default",
			cfg:  config.ProjectorConfig{},
			def:  projector.Skip,
			want: map[string]projector.OnError{},
		},
		{
			name: "halt default with lower-cased override",
			cfg: config.ProjectorConfig{
				HaltOnError:   true,
				EventPolicies: map[string]string{"fundstransferred": "skip"},
			},
			def:  projector.Halt,
			want: map[string]projector.OnError{events.NameFundsTransferred: projector.Skip},
		},
		{
			name:    "unknown event",
			cfg:     config.ProjectorConfig{EventPolicies: map[string]string{"walletclosed": "halt"}},
			wantErr: true,
		},
		{
			name:    "unknown policy",
			cfg:     config.ProjectorConfig{EventPolicies: map[string]string{"walletopened": "retry"}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, got, err := EventPolicies(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if def != tt.def || len(got) != len(tt.want) {
				t.Fatalf("def = %s, got = %v", def, got)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Fatalf("%s = %s, want %s", k, got[k], v)
				}
			}
		})
	}
}

func TestRetryPolicyFromConfig(t *testing.T) {
	p := RetryPolicy(config.RetryConfig{MaxAttempts: 4, Base: time.Second, Cap: 8 * time.Second})
	if p.MaxAttempts != 4 || p.Backoff(1) != time.Second || p.Backoff(10) != 8*time.Second {
		t.Fatalf("policy = %+v, backoff(1)=%s backoff(10)=%s", p, p.Backoff(1), p.Backoff(10))
	}
}

func TestClickHouseDisabled(t *testing.T) {
	ch, err := OpenClickHouse(config.ClickHouseConfig{Enabled: false})
	if ch != nil || err != nil {
		t.Fatalf("ch = %v, err = %v", ch, err)
	}
}
