// Package carmodel defines the payload record produced by the generator and
// carried through the write pipeline, the remote queue and the durable store.
package carmodel

// Car is the immutable payload produced by the generator. Field names match
// the wire contract's JSON keys exactly (normalizedMake, normalizedModel,
// year, price, location).
type Car struct {
	NormalizedMake  string  `json:"normalizedMake"`
	NormalizedModel string  `json:"normalizedModel"`
	Year            int     `json:"year"`
	Price           float64 `json:"price"`
	Location        string  `json:"location"`
}

// Status is one of the three lifecycle states a PendingRecord may occupy.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRecovering Status = "recovering"
	StatusSent       Status = "sent"
)

// PendingRecord is a Car persisted to the durable store while the remote
// queue is unavailable. See spec §3 for the invariants this type must
// uphold; they are enforced by internal/durablestore, not by this type.
type PendingRecord struct {
	ID                 string
	Car                Car
	CreatedAt          int64 // ms epoch
	Status             Status
	RetryCount         int
	RecoveryInstance   *string
	RecoveryStartedAt  *int64 // ms epoch
	RemoteJobID        *string
}
