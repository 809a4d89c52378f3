package fluxq

import (
	"testing"
	"time"

	"github.com/petrijr/fluxq/pkg/api"
)

// Ensure a negative budget is normalized to 0.
func TestRetry_NegativeMaxRetriesDefaultsToZero(t *testing.T) {
	if got := Retry(-3).MaxRetries(); got != 0 {
		t.Fatalf("expected MaxRetries=0 for Retry(-3), got %d", got)
	}
}

func TestRetry_WithExponentialBackoff(t *testing.T) {
	r := Retry(3).WithExponentialBackoff(100*time.Millisecond, 2*time.Second)

	b := r.Backoff()
	if b.Base != 100*time.Millisecond || b.Max != 2*time.Second {
		t.Fatalf("unexpected backoff %+v", b)
	}
	// 100ms, 200ms, 400ms, ... capped at 2s.
	if got := b.Countdown(2); got != 400*time.Millisecond {
		t.Fatalf("Countdown(2) = %v", got)
	}
	if got := b.Countdown(10); got != 2*time.Second {
		t.Fatalf("Countdown(10) = %v", got)
	}
}

func TestRetry_WithConstantBackoff(t *testing.T) {
	b := Retry(2).WithConstantBackoff(time.Second).Backoff()
	for n := 0; n < 5; n++ {
		if got := b.Countdown(n); got != time.Second {
			t.Fatalf("Countdown(%d) = %v, want 1s", n, got)
		}
	}
}

func TestRetry_ApplyConfiguresBroker(t *testing.T) {
	cfg := DefaultBrokerConfig()
	Retry(5).WithExponentialBackoff(time.Second, time.Minute).DeadLetterTo("graveyard").Apply(&cfg)

	if cfg.DefaultMaxRetries != 5 {
		t.Fatalf("DefaultMaxRetries = %d", cfg.DefaultMaxRetries)
	}
	if cfg.Backoff.Max != time.Minute {
		t.Fatalf("Backoff = %+v", cfg.Backoff)
	}
	if cfg.DeadLetter.Queue() != "graveyard" {
		t.Fatalf("DeadLetter queue = %q", cfg.DeadLetter.Queue())
	}

	Retry(1).Discard().Apply(&cfg)
	if !cfg.DeadLetter.Discard() {
		t.Fatalf("expected discard policy")
	}
}

func TestRetry_OptionSetsTaskBudget(t *testing.T) {
	o := api.ApplyOptions(Retry(7).Option())
	if o.MaxRetries == nil || *o.MaxRetries != 7 {
		t.Fatalf("expected MaxRetries=7, got %v", o.MaxRetries)
	}
}
