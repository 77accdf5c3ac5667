// Package idempotency guards mutating operations against duplicate execution.
//
// A caller-supplied key scopes "the same logical operation" across retries.
// The first call claims the key with a pending record; later calls see that
// record and either replay its stored result (completed), back off (pending),
// or take the key over (failed or expired).
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/go-faster/errors"
)

// MaxKeyLength bounds caller-supplied keys.
const MaxKeyLength = 128

// Status is the lifecycle state of a record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var (
	// ErrInProgress is returned when another request holding the same key has
	// not finished yet.
	ErrInProgress = errors.New("request with this idempotency key is in progress")
	// ErrKeyReused is returned when a key is replayed with a different payload.
	ErrKeyReused = errors.New("idempotency key reused with a different request")
	// ErrInvalidKey is returned for empty or oversized keys.
	ErrInvalidKey = errors.New("invalid idempotency key")
	// ErrNotFound is returned when a record id does not exist.
	ErrNotFound = errors.New("idempotency record not found")
)

// Record is one claimed idempotency key.
type Record struct {
	ID            string
	OperationType string
	KeyHash       string
	Fingerprint   string
	Status        Status
	// Result is the stored snapshot replayed for completed records.
	Result    []byte
	ExpiresAt time.Time
	CreatedAt time.Time
	// Owned is true when this call inserted the record or superseded an
	// expired or failed one. The owner must finish it with MarkCompleted or
	// MarkFailed.
	Owned bool
}

// Store persists records for the tenant bound to the current transaction.
type Store interface {
	// CheckAndBegin claims (operationType, keyHash) with one atomic insert. A
	// live record held by someone else is returned unchanged with Owned=false.
	CheckAndBegin(ctx context.Context, operationType, keyHash, fingerprint string, ttl time.Duration) (*Record, error)
	MarkCompleted(ctx context.Context, id string, result []byte) error
	MarkFailed(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	// Cleanup deletes records that expired before the given instant and
	// returns how many were removed.
	Cleanup(ctx context.Context, before time.Time) (int64, error)
}

// HashKey returns the stored form of a caller key.
func HashKey(key string) (string, error) {
	if key == "" || len(key) > MaxKeyLength {
		return "", ErrInvalidKey
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:]), nil
}

// Fingerprint hashes the canonical request parts, separated so that adjacent
// parts cannot run together.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
