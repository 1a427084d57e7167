// Package stateseeder holds the single piece of global mode state the rest
// of the write pipeline routes on: whether the producer currently believes
// the remote queue is reachable (RedisMode) or is falling back to the
// durable store (SqliteMode). Kept deliberately tiny and isolated, per
// spec §4.1, so no other component reads or writes the enum directly.
package stateseeder

import (
	"log/slog"
	"sync"
)

// Mode is the producer's current write-routing mode. The names keep the
// spec's Redis/SQLite vocabulary even though this rewrite realizes the
// remote queue over NATS JetStream and the fallback over SQLite, because
// the mode names are a protocol-level concept (spec §3 SeederState), not a
// literal backend reference.
type Mode int

const (
	// RedisMode is the default: writes are routed to the remote queue.
	RedisMode Mode = iota
	// SqliteMode: writes are routed to the durable fallback store.
	SqliteMode
)

func (m Mode) String() string {
	switch m {
	case RedisMode:
		return "redis"
	case SqliteMode:
		return "sqlite"
	default:
		return "unknown"
	}
}

// Manager is a mutex-guarded holder for the current Mode.
type Manager struct {
	mu     sync.RWMutex
	mode   Mode
	logger *slog.Logger
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{mode: RedisMode, logger: logger}
}

// Get returns the current mode.
func (m *Manager) Get() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// Set atomically replaces the current mode and logs the transition. Setting
// the mode that is already current changes nothing and logs nothing.
func (m *Manager) Set(next Mode) {
	m.mu.Lock()
	prev := m.mode
	m.mode = next
	m.mu.Unlock()

	if prev != next {
		m.logger.Info("state transition", "from", prev, "to", next)
	}
}
