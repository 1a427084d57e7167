// Package classify implements the error-shape union check required by
// spec §7: transport/connection errors must be recognized by a union of
// sentinel error codes, substring matches on the message, and the same
// checks applied recursively to any wrapped cause. This replaces the
// source system's dynamic error-shape duck-typing with Go's errors.Is/
// errors.As/errors.Unwrap idiom, per the re-architecture note in spec §9.
package classify

import (
	"errors"
	"strings"
	"syscall"
)

// Kind is the error taxonomy from spec §7.
type Kind int

const (
	// Other covers validation errors, library misuse, and anything not
	// recognized as transport or durable-transient. Not counted against
	// the breaker; surfaced to the caller for logging.
	Other Kind = iota
	// Transport covers connection refused/timeout/reset/DNS failures and
	// the NATS "no responders"/"not writable" conditions. Counted against
	// the breaker; triggers fallback to the durable store.
	Transport
	// DurableTransient covers SQLite "database is locked"/"database is
	// busy" errors. Retried inside the write handler, not counted against
	// the breaker.
	DurableTransient
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case DurableTransient:
		return "durable-transient"
	default:
		return "other"
	}
}

// transportSubstrings are matched case-insensitively against an error's
// message (and, recursively, any wrapped cause's message).
var transportSubstrings = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no route to host",
	"timed out",
	"i/o timeout",
	"no such host",
	"dns failure",
	"stream not writable",
	"offline queue",
	"no responders available",
	"nats: connection closed",
	"nats: no servers available",
	"not connected",
}

var durableTransientSubstrings = []string{
	"database is locked",
	"database table is locked",
	"database is busy",
	"busy",
	"locked",
}

// Classify inspects err, and every cause reachable by repeated
// errors.Unwrap, for a syscall error code or a substring match, returning
// the first matching Kind. An error with no recognizable shape is Other.
func Classify(err error) Kind {
	if err == nil {
		return Other
	}
	for cur := err; cur != nil; cur = errors.Unwrap(cur) {
		if k := classifyOne(cur); k != Other {
			return k
		}
		// errors.Join produces a tree, not a chain; walk any joined
		// errors too, since errors.Unwrap only follows a single Unwrap().
		if joined, ok := cur.(interface{ Unwrap() []error }); ok {
			for _, sub := range joined.Unwrap() {
				if k := Classify(sub); k != Other {
					return k
				}
			}
		}
	}
	return Other
}

func classifyOne(err error) Kind {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ETIMEDOUT, syscall.ECONNRESET, syscall.EPIPE:
			return Transport
		}
	}

	msg := strings.ToLower(err.Error())
	for _, s := range transportSubstrings {
		if strings.Contains(msg, s) {
			return Transport
		}
	}
	for _, s := range durableTransientSubstrings {
		if strings.Contains(msg, s) {
			return DurableTransient
		}
	}
	return Other
}

// IsTransport is a convenience wrapper.
func IsTransport(err error) bool { return Classify(err) == Transport }

// IsDurableTransient is a convenience wrapper.
func IsDurableTransient(err error) bool { return Classify(err) == DurableTransient }
