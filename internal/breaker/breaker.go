// Package breaker implements the three-state circuit breaker that drives
// write routing between the remote queue and the durable fallback store
// (spec §4.2). The state machine shape — an enum with a String() method,
// recordSuccess/recordFailure, and an injectable clock for tests — is
// grounded on the wormsign analyzer's circuit breaker, generalized here
// with an explicit transitionToHalfOpen for the failover-detector signal
// that analyzer has no equivalent of.
package breaker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the circuit breaker's current state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Config holds the breaker's fixed parameters.
type Config struct {
	FailureThreshold int
	CooldownMs       int
}

func DefaultConfig() Config {
	return Config{FailureThreshold: 5, CooldownMs: 2000}
}

// Breaker is a mutex-guarded three-state machine. All transitions are
// applied and visible to subsequent Get/State calls before the triggering
// method returns, and timer cancellation is idempotent and safe to call
// from any goroutine, per spec §4.2's contracts.
type Breaker struct {
	mu     sync.Mutex
	state  State
	cfg    Config
	logger *slog.Logger

	failureCount int
	cooldown     *time.Timer

	nowFunc func() time.Time

	// onStateChange, if set, is invoked with the new state after every
	// transition (outside the lock). Used by main wiring to mirror state
	// into the Prometheus gauge without coupling this package to metrics.
	onStateChange func(State)
}

func New(cfg Config, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.CooldownMs <= 0 {
		cfg.CooldownMs = 2000
	}
	return &Breaker{
		state:   Closed,
		cfg:     cfg,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// OnStateChange registers a callback invoked after every state transition.
func (b *Breaker) OnStateChange(fn func(State)) {
	b.mu.Lock()
	b.onStateChange = fn
	b.mu.Unlock()
}

func (b *Breaker) notify(s State) {
	b.mu.Lock()
	fn := b.onStateChange
	b.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount returns the current Closed-state failure count (for tests
// and metrics; meaningless outside Closed but returned regardless).
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// RecordSuccess handles a successful remote attempt.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	switch b.state {
	case Closed:
		b.failureCount = 0
	case HalfOpen:
		b.cancelCooldownLocked()
		b.state = Closed
		b.failureCount = 0
		b.logger.Info("circuit breaker closed after successful probe")
	case Open:
		// A success while Open should not normally happen (writes are
		// routed to the durable store while Open); ignore defensively.
	}
	final := b.state
	b.mu.Unlock()
	b.notify(final)
}

// RecordFailure handles a failed remote attempt.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	switch b.state {
	case Closed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.openLocked()
		}
	case HalfOpen:
		b.openLocked()
	case Open:
		// Already open; nothing to do.
	}
	final := b.state
	b.mu.Unlock()
	b.notify(final)
}

// TransitionToHalfOpen forces a move to HalfOpen, canceling any pending
// cooldown timer and clearing the failure count. Used when the failover
// detector announces a new master or the transport reports readiness.
func (b *Breaker) TransitionToHalfOpen() {
	b.mu.Lock()
	b.cancelCooldownLocked()
	b.failureCount = 0
	prev := b.state
	b.state = HalfOpen
	if prev != HalfOpen {
		b.logger.Info("circuit breaker forced to half-open", "from", prev)
	}
	b.mu.Unlock()
	b.notify(HalfOpen)
}

// Reset returns to Closed(0) and cancels any pending timer.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.cancelCooldownLocked()
	b.state = Closed
	b.failureCount = 0
	b.mu.Unlock()
	b.notify(Closed)
}

// openLocked transitions to Open and arms a one-shot cooldown timer. Caller
// must hold b.mu.
func (b *Breaker) openLocked() {
	b.cancelCooldownLocked()
	b.state = Open
	b.logger.Warn("circuit breaker opened", "failure_count", b.failureCount)

	cooldown := time.Duration(b.cfg.CooldownMs) * time.Millisecond
	b.cooldown = time.AfterFunc(cooldown, func() {
		b.mu.Lock()
		fired := false
		if b.state == Open {
			b.state = HalfOpen
			b.failureCount = 0
			b.logger.Info("circuit breaker cooldown elapsed, moving to half-open")
			fired = true
		}
		b.mu.Unlock()
		if fired {
			b.notify(HalfOpen)
		}
	})
}

// cancelCooldownLocked idempotently cancels any pending cooldown timer.
// Caller must hold b.mu.
func (b *Breaker) cancelCooldownLocked() {
	if b.cooldown != nil {
		b.cooldown.Stop()
		b.cooldown = nil
	}
}
