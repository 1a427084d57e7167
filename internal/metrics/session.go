// Package metrics implements the failover session tracker (spec §4.7): a
// JSON event log that stitches together the distributed failover timeline,
// plus a Prometheus registry of process-wide counters/gauges observing the
// same transitions. The append-mode, one-JSON-object-per-line log format
// is grounded on the teacher's appendlog package
// (pkg/appendlog/fs_store.go); the session-lifecycle bookkeeping (open on
// first event, close on recovery, nulls for missing timestamps) has no
// direct teacher analogue and is built from spec §4.7 and §3 directly.
package metrics

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType enumerates the failover timeline events spec §4.7 requires.
type EventType string

const (
	EventMasterFailureDetected   EventType = "MasterFailureDetected"
	EventSentinelPromotion       EventType = "SentinelPromotion"
	EventStateTransitionToSqlite EventType = "StateTransitionToSqlite"
	EventStateTransitionToRedis  EventType = "StateTransitionToRedis"
	EventRecoveryStarted         EventType = "RecoveryStarted"
	EventRecoveryCompleted       EventType = "RecoveryCompleted"
)

// Event is one line of the failover-metrics log.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp string                 `json:"timestamp"`
	Type      EventType              `json:"type"`
	SessionID string                 `json:"sessionId"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// session accumulates the wall-clock timestamps and counters for one
// failover timeline, per spec §3 FailoverSession.
type session struct {
	id                        string
	masterFailureDetectedAt   *time.Time
	quorumPromotionDetectedAt *time.Time
	transitionToDurableAt     *time.Time
	transitionToRemoteAt      *time.Time
	recoveryStartedAt         *time.Time
	recoveryCompletedAt       *time.Time
	fallbackCount             int
}

// SessionTracker maintains one active FailoverSession at a time and writes
// one JSON object per event, separated by a blank line, to a daily log
// file under the configured directory.
type SessionTracker struct {
	mu       sync.Mutex
	logDir   string
	logger   *slog.Logger
	current  *session
	sessionN int

	sqliteFallbackCount int

	nowFunc  func() time.Time
	openFile func(path string) (*os.File, error)
}

func NewSessionTracker(logDir string, logger *slog.Logger) *SessionTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionTracker{
		logDir:  logDir,
		logger:  logger,
		nowFunc: time.Now,
		openFile: func(path string) (*os.File, error) {
			return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		},
	}
}

func (t *SessionTracker) ensureSessionLocked(warnIfLate bool) *session {
	if t.current != nil {
		return t.current
	}
	t.sessionN++
	now := t.nowFunc()
	s := &session{id: fmt.Sprintf("failover-%d-%d", t.sessionN, now.UnixMilli())}
	t.current = s
	RegistryFailoverSessionsTotal.Inc()
	if warnIfLate {
		t.logger.Warn("failover session opened late; earlier timestamps recorded as null", "session_id", s.id)
	}
	return s
}

// RecordMasterFailure opens a session if none is active.
func (t *SessionTracker) RecordMasterFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.ensureSessionLocked(false)
	now := t.nowFunc()
	s.masterFailureDetectedAt = &now
	t.emitLocked(EventMasterFailureDetected, s, nil)
}

// RecordSentinelPromotion opens a session if none is active (late-open).
func (t *SessionTracker) RecordSentinelPromotion() {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.ensureSessionLocked(t.current == nil)
	now := t.nowFunc()
	s.quorumPromotionDetectedAt = &now
	t.emitLocked(EventSentinelPromotion, s, nil)
}

// RecordStateTransitionToSqlite opens a session if none is active and
// increments the fallback counter.
func (t *SessionTracker) RecordStateTransitionToSqlite() {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.ensureSessionLocked(t.current == nil)
	now := t.nowFunc()
	s.transitionToDurableAt = &now
	s.fallbackCount++
	t.sqliteFallbackCount++
	RegistryFallbackTotal.Inc()
	t.emitLocked(EventStateTransitionToSqlite, s, map[string]interface{}{"fallbackCount": s.fallbackCount})
}

// RecordStateTransitionToRedis closes the active session, reporting and
// resetting the process-wide fallback counter, and emits the three derived
// durations spec §4.7 requires.
func (t *SessionTracker) RecordStateTransitionToRedis() {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.ensureSessionLocked(t.current == nil)
	now := t.nowFunc()
	s.transitionToRemoteAt = &now

	details := map[string]interface{}{
		"sqliteFallbackCount": t.sqliteFallbackCount,
	}
	if s.masterFailureDetectedAt != nil {
		details["durationSinceMasterFailureMs"] = now.Sub(*s.masterFailureDetectedAt).Milliseconds()
	}
	if s.transitionToDurableAt != nil {
		details["durationInDurableModeMs"] = now.Sub(*s.transitionToDurableAt).Milliseconds()
	}
	if s.recoveryStartedAt != nil {
		details["durationSinceRecoveryStartedMs"] = now.Sub(*s.recoveryStartedAt).Milliseconds()
	}

	t.emitLocked(EventStateTransitionToRedis, s, details)

	t.sqliteFallbackCount = 0
	t.current = nil
}

// RecordRecoveryStarted.
func (t *SessionTracker) RecordRecoveryStarted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.ensureSessionLocked(t.current == nil)
	now := t.nowFunc()
	s.recoveryStartedAt = &now
	t.emitLocked(EventRecoveryStarted, s, nil)
}

// RecordRecoveryCompleted.
func (t *SessionTracker) RecordRecoveryCompleted(entriesRecovered, entriesFailed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.ensureSessionLocked(t.current == nil)
	now := t.nowFunc()
	s.recoveryCompletedAt = &now
	details := map[string]interface{}{"entriesRecovered": entriesRecovered}
	if entriesFailed > 0 {
		details["entriesFailed"] = entriesFailed
	}
	t.emitLocked(EventRecoveryCompleted, s, details)
}

func (t *SessionTracker) emitLocked(typ EventType, s *session, details map[string]interface{}) {
	now := t.nowFunc()
	ev := Event{
		ID:        fmt.Sprintf("event-%d-%d", now.UnixMilli(), rand.Int63()),
		Timestamp: now.Format(time.RFC3339Nano),
		Type:      typ,
		SessionID: s.id,
		Details:   details,
	}
	if err := t.appendLocked(ev); err != nil {
		t.logger.Error("failed to append failover metrics event", "error", err, "type", typ)
	}
}

func (t *SessionTracker) appendLocked(ev Event) error {
	if err := os.MkdirAll(t.logDir, 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("failover-metrics-%s.log", t.nowFunc().Format("2006-01-02"))
	f, err := t.openFile(filepath.Join(t.logDir, name))
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	if err := enc.Encode(ev); err != nil {
		return err
	}
	_, err = f.WriteString("\n")
	return err
}
