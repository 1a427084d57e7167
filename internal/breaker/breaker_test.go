package breaker

import (
	"testing"
	"time"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3, CooldownMs: 50}, nil)

	if got := b.State(); got != Closed {
		t.Fatalf("initial state = %v, want Closed", got)
	}

	b.RecordFailure()
	b.RecordFailure()
	if got := b.State(); got != Closed {
		t.Fatalf("state after 2 failures = %v, want Closed", got)
	}

	b.RecordFailure()
	if got := b.State(); got != Open {
		t.Fatalf("state after 3 failures = %v, want Open", got)
	}
}

func TestBreakerClosesOnSuccessBeforeThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 3, CooldownMs: 50}, nil)
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()

	if got := b.FailureCount(); got != 0 {
		t.Fatalf("failure count after success = %d, want 0", got)
	}
	if got := b.State(); got != Closed {
		t.Fatalf("state after success = %v, want Closed", got)
	}
}

func TestBreakerCooldownMovesToHalfOpen(t *testing.T) {
	b := New(Config{FailureThreshold: 1, CooldownMs: 20}, nil)
	b.RecordFailure()
	if got := b.State(); got != Open {
		t.Fatalf("state = %v, want Open", got)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if b.State() == HalfOpen {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("breaker did not reach HalfOpen after cooldown, state = %v", b.State())
}

func TestBreakerHalfOpenFailureReopensImmediately(t *testing.T) {
	b := New(Config{FailureThreshold: 1, CooldownMs: 10 * 1000}, nil)
	b.TransitionToHalfOpen()
	b.RecordFailure()
	if got := b.State(); got != Open {
		t.Fatalf("state after half-open failure = %v, want Open", got)
	}
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	b := New(Config{FailureThreshold: 1, CooldownMs: 10 * 1000}, nil)
	b.TransitionToHalfOpen()
	b.RecordSuccess()
	if got := b.State(); got != Closed {
		t.Fatalf("state after half-open success = %v, want Closed", got)
	}
}

func TestBreakerOnStateChangeNotifiesAfterTransition(t *testing.T) {
	b := New(Config{FailureThreshold: 1, CooldownMs: 10 * 1000}, nil)

	var seen []State
	b.OnStateChange(func(s State) {
		seen = append(seen, s)
	})

	b.RecordFailure()
	b.TransitionToHalfOpen()
	b.Reset()

	want := []State{Open, HalfOpen, Closed}
	if len(seen) != len(want) {
		t.Fatalf("notifications = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("notification[%d] = %v, want %v", i, seen[i], want[i])
		}
	}
}

func TestBreakerMonotoneFailureCountInClosed(t *testing.T) {
	b := New(Config{FailureThreshold: 100, CooldownMs: 50}, nil)
	for i := 1; i <= 5; i++ {
		b.RecordFailure()
		if got := b.FailureCount(); got != i {
			t.Fatalf("failure count after %d failures = %d, want %d", i, got, i)
		}
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{Closed: "closed", Open: "open", HalfOpen: "half-open"}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
