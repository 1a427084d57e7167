// Package writehandler implements the per-record routing decision (spec
// §4.5): remote attempt vs durable fallback, with error classification.
// The routing switch shape is grounded on the wormsign circuit breaker's
// Analyze method (switch on circuit state to choose primary vs fallback
// path), generalized to the spec's three-way decision and explicit
// classify.Classify-driven error handling.
package writehandler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fluxorio/carseeder/internal/breaker"
	"github.com/fluxorio/carseeder/internal/carmodel"
	"github.com/fluxorio/carseeder/internal/classify"
	"github.com/fluxorio/carseeder/internal/durablestore"
	"github.com/fluxorio/carseeder/internal/metrics"
	"github.com/fluxorio/carseeder/internal/queueclient"
	"github.com/fluxorio/carseeder/internal/stateseeder"
)

// durableRetryBackoffs is spec §4.3's retry loop: two retries, 100ms then
// 200ms, before the write handler reports data loss.
var durableRetryBackoffs = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}

// Handler routes each car to the remote queue or the durable store.
type Handler struct {
	queue   *queueclient.Client
	store   *durablestore.Store
	breaker *breaker.Breaker
	state   *stateseeder.Manager
	metrics *metrics.SessionTracker
	logger  *slog.Logger
}

func New(queue *queueclient.Client, store *durablestore.Store, b *breaker.Breaker, state *stateseeder.Manager, m *metrics.SessionTracker, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{queue: queue, store: store, breaker: b, state: state, metrics: m, logger: logger}
}

// WriteCar is the handler's single public operation. See spec §4.5 for the
// routing decision and error-classification rules this implements exactly.
func (h *Handler) WriteCar(ctx context.Context, car carmodel.Car) error {
	if h.breaker.State() == breaker.HalfOpen {
		return h.attemptRemote(ctx, car)
	}
	if h.state.Get() == stateseeder.RedisMode {
		return h.attemptRemote(ctx, car)
	}
	return h.writeDurable(ctx, car)
}

func (h *Handler) attemptRemote(ctx context.Context, car carmodel.Car) error {
	// Race with the HalfOpen/RedisMode check above: the breaker may have
	// opened between the decision and this call.
	if h.breaker.State() == breaker.Open {
		h.state.Set(stateseeder.SqliteMode)
		return h.writeDurable(ctx, car)
	}

	jobID, err := h.queue.EnqueueCar(ctx, car)
	if err == nil {
		wasProbe := h.breaker.State() == breaker.HalfOpen
		wasFallback := h.state.Get() == stateseeder.SqliteMode
		h.breaker.RecordSuccess()
		if wasFallback {
			h.state.Set(stateseeder.RedisMode)
			if wasProbe {
				h.logger.Info("remote write succeeded, probe passed, returning to redis mode", "job_id", jobID)
			} else {
				h.logger.Info("remote write succeeded, returning to redis mode", "job_id", jobID)
			}
			h.metrics.RecordStateTransitionToRedis()
		}
		metrics.RegistryCarsWrittenTotal.WithLabelValues("remote").Inc()
		return nil
	}

	kind := classify.Classify(err)
	if kind != classify.Transport {
		// Non-transport errors are surfaced, not swallowed, and are not
		// counted against the breaker (spec §4.5, §7, scenario E6).
		return fmt.Errorf("writehandler: non-transport enqueue error: %w", err)
	}

	wasOpenBefore := h.breaker.State() == breaker.Open
	h.breaker.RecordFailure()
	if h.breaker.State() == breaker.Open {
		if !wasOpenBefore {
			h.metrics.RecordMasterFailure()
		}
		if h.state.Get() != stateseeder.SqliteMode {
			h.state.Set(stateseeder.SqliteMode)
			h.metrics.RecordStateTransitionToSqlite()
		}
	}

	return h.writeDurable(ctx, car)
}

// writeDurable persists car to the durable store, retrying transient
// failures up to twice with 100ms/200ms backoff before reporting data loss
// (spec §4.3, §7).
func (h *Handler) writeDurable(ctx context.Context, car carmodel.Car) error {
	err := h.store.SaveCar(ctx, car)
	if err == nil {
		metrics.RegistryCarsWrittenTotal.WithLabelValues("durable").Inc()
		return nil
	}

	for _, backoff := range durableRetryBackoffs {
		if classify.Classify(err) != classify.DurableTransient {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		err = h.store.SaveCar(ctx, car)
		if err == nil {
			metrics.RegistryCarsWrittenTotal.WithLabelValues("durable").Inc()
			return nil
		}
	}

	h.logger.Error("durable store write exhausted retries, data will be lost", "error", err)
	return fmt.Errorf("writehandler: durable store write failed after retries: %w", err)
}
