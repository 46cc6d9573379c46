package idempotency

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

type State string

const (
	StateInFlight  State = "in_flight"
	StateCompleted State = "completed"
)

var (
	ErrNotFound = errors.New("idempotency: record not found")
	// ErrNotOwner means the key is held by a different, unexpired transaction.
	ErrNotOwner = errors.New("idempotency: key held by another transaction")
)

// Record is the state kept per idempotency key. Response holds the cached PaymentResponse
// JSON once the first caller reached a final outcome.
type Record struct {
	Key           string    `json:"key"`
	Fingerprint   string    `json:"fingerprint"`
	State         State     `json:"state"`
	TransactionID string    `json:"transaction_id"`
	Response      []byte    `json:"response,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
}

func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Store deduplicates payment requests by key. Claim is the atomic conditional insert that
// keeps two concurrent callers from both reaching a provider.
type Store interface {
	// Lookup has no side effects. Expired records read as ErrNotFound.
	Lookup(ctx context.Context, key string) (*Record, error)
	// Claim inserts rec as in-flight unless an unexpired record holds the key, in which
	// case the holder is returned with false.
	Claim(ctx context.Context, rec Record) (*Record, bool, error)
	// Complete stores the final response once. It succeeds when the key is free or held
	// in-flight by transactionID, and is a no-op when that transaction already completed it.
	Complete(ctx context.Context, key, transactionID string, response []byte, expiresAt time.Time) error
	// Release drops an in-flight claim so the key can be retried.
	Release(ctx context.Context, key, transactionID string) error
	PurgeExpired(ctx context.Context) (int64, error)
}

// Fingerprint hashes the request fields that must match for a key to be replayed.
func Fingerprint(parts ...string) string {
	sum := blake2b.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}
