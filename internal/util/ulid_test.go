package util

import (
	"strings"
	"testing"
)

func TestNewIDMonotonic(t *testing.T) {
	prev := NewID()
	for i := 0; i < 1000; i++ {
		next := NewID()
		if next <= prev {
			t.Fatalf("id %s not after %s", next, prev)
		}
		prev = next
	}
}

func TestNewWorkerID(t *testing.T) {
	a, b := NewWorkerID("dispatcher"), NewWorkerID("dispatcher")
	if a == b {
		t.Fatal("worker ids must be unique")
	}
	if !strings.HasPrefix(a, "dispatcher-") {
		t.Fatalf("worker id %q lacks role prefix", a)
	}
}
