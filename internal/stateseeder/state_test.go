package stateseeder

import "testing"

func TestManagerDefaultsToRedisMode(t *testing.T) {
	m := NewManager(nil)
	if got := m.Get(); got != RedisMode {
		t.Fatalf("initial mode = %v, want RedisMode", got)
	}
}

func TestManagerSetAndGet(t *testing.T) {
	m := NewManager(nil)
	m.Set(SqliteMode)
	if got := m.Get(); got != SqliteMode {
		t.Fatalf("mode after Set(SqliteMode) = %v, want SqliteMode", got)
	}
	m.Set(RedisMode)
	if got := m.Get(); got != RedisMode {
		t.Fatalf("mode after Set(RedisMode) = %v, want RedisMode", got)
	}
}

func TestManagerSetIsIdempotent(t *testing.T) {
	m := NewManager(nil)
	m.Set(SqliteMode)
	m.Set(SqliteMode)
	if got := m.Get(); got != SqliteMode {
		t.Fatalf("mode = %v, want SqliteMode", got)
	}
}

func TestModeString(t *testing.T) {
	if got := RedisMode.String(); got != "redis" {
		t.Errorf("RedisMode.String() = %q, want redis", got)
	}
	if got := SqliteMode.String(); got != "sqlite" {
		t.Errorf("SqliteMode.String() = %q, want sqlite", got)
	}
}
