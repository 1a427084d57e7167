package classify

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
)

func TestClassifyTransportSubstrings(t *testing.T) {
	cases := []string{
		"dial tcp: connection refused",
		"read: connection reset by peer",
		"write: broken pipe",
		"dial tcp: no route to host",
		"nats: no servers available for connection",
		"nats: connection closed",
		"context deadline exceeded (client timed out)",
		"i/o timeout",
		"no such host",
	}
	for _, msg := range cases {
		err := errors.New(msg)
		if got := Classify(err); got != Transport {
			t.Errorf("Classify(%q) = %v, want Transport", msg, got)
		}
	}
}

func TestClassifyDurableTransientSubstrings(t *testing.T) {
	cases := []string{
		"database is locked",
		"database table is busy",
		"SQLITE_BUSY: database is locked",
	}
	for _, msg := range cases {
		err := errors.New(msg)
		if got := Classify(err); got != DurableTransient {
			t.Errorf("Classify(%q) = %v, want DurableTransient", msg, got)
		}
	}
}

func TestClassifyOtherForUnrelatedErrors(t *testing.T) {
	err := errors.New("invalid car price: must be positive")
	if got := Classify(err); got != Other {
		t.Errorf("Classify(%q) = %v, want Other", err, got)
	}
}

func TestClassifyWalksWrappedErrors(t *testing.T) {
	inner := errors.New("connection refused")
	wrapped := fmt.Errorf("queueclient: enqueue: %w", inner)
	if got := Classify(wrapped); got != Transport {
		t.Errorf("Classify(wrapped) = %v, want Transport", got)
	}
}

func TestClassifyWalksJoinedErrors(t *testing.T) {
	joined := errors.Join(errors.New("unrelated"), errors.New("connection reset by peer"))
	if got := Classify(joined); got != Transport {
		t.Errorf("Classify(joined) = %v, want Transport", got)
	}
}

func TestClassifySyscallErrno(t *testing.T) {
	err := &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}
	if got := Classify(err); got != Transport {
		t.Errorf("Classify(syscall errno) = %v, want Transport", got)
	}
}

func TestIsTransportAndIsDurableTransientWrappers(t *testing.T) {
	if !IsTransport(errors.New("connection refused")) {
		t.Error("IsTransport(connection refused) = false, want true")
	}
	if IsTransport(errors.New("database is locked")) {
		t.Error("IsTransport(database is locked) = true, want false")
	}
	if !IsDurableTransient(errors.New("database is locked")) {
		t.Error("IsDurableTransient(database is locked) = false, want true")
	}
}
