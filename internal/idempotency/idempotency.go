// Package idempotency guarantees that a provider-reported status is applied
// at most once, however many times the provider delivers it.
package idempotency

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/aliuwahab/kitua-sub001/internal/core/datamodel/idempotency"
	"github.com/aliuwahab/kitua-sub001/internal/provider"
)

var (
	ErrNotFound = errors.New("idempotency record not found")
	// ErrNotPending means another worker already settled the record.
	ErrNotPending = errors.New("idempotency record is not pending")
)

type Key struct {
	Provider          string
	ProviderReference string
	Fingerprint       string
}

func (k Key) String() string {
	return strings.ToLower(k.Provider) + ":" + k.ProviderReference + ":" + k.Fingerprint
}

type ClaimResult string

const (
	Claimed        ClaimResult = "claimed"
	AlreadyClaimed ClaimResult = "already_claimed"
)

// Store is durable: claims survive restarts because providers retry for hours.
type Store interface {
	// TryClaim inserts the key atomically. Exactly one concurrent caller gets Claimed.
	// notBefore keeps the retry sweeper away while the claimer is still working.
	TryClaim(ctx context.Context, key Key, payload []byte, notBefore time.Time) (ClaimResult, *idempotency.Record, error)
	// Settle moves a pending record to applied or discarded. It returns
	// ErrNotPending when the record was settled by someone else.
	Settle(ctx context.Context, id int64, state idempotency.State, resultStatus string) error
	// MarkFailed records a failed attempt. A zero retryAt marks the record dead.
	MarkFailed(ctx context.Context, id int64, cause string, retryAt time.Time) error
	// Due returns pending records whose next attempt is due, oldest first.
	Due(ctx context.Context, now time.Time, limit int) ([]*idempotency.Record, error)
	// HasOlderPending reports whether an earlier claim for the same provider
	// reference is still unsettled.
	HasOlderPending(ctx context.Context, rec *idempotency.Record) (bool, error)
	Get(ctx context.Context, key Key) (*idempotency.Record, error)
}

// Fingerprint hashes the normalized fields of a status so identical
// deliveries collide and distinct transitions do not.
func Fingerprint(ns *provider.NormalizedStatus) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(ns.Provider))
	b.WriteByte(0)
	b.WriteString(ns.ProviderReference)
	b.WriteByte(0)
	b.WriteString(string(ns.Status))
	b.WriteByte(0)
	if !ns.Amount.IsZero() {
		b.WriteString(ns.Amount.String())
	}
	b.WriteByte(0)
	b.WriteString(strings.ToUpper(ns.Currency))
	b.WriteByte(0)
	if !ns.OccurredAt.IsZero() {
		b.WriteString(ns.OccurredAt.UTC().Format(time.RFC3339Nano))
	}

	sum := blake2b.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// KeyFor builds the claim key for a normalized status.
func KeyFor(ns *provider.NormalizedStatus) Key {
	return Key{
		Provider:          strings.ToLower(ns.Provider),
		ProviderReference: ns.ProviderReference,
		Fingerprint:       Fingerprint(ns),
	}
}
