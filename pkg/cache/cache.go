// Package cache holds hot mandates so validation rarely touches the store.
// The cache is authoritative for a mandate's signed content but never for
// its revocation state: entries past the staleness window get their
// revocation rechecked against the store by the engine. Misses are never
// cached.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Garudex-Labs/caracal/pkg/contracts"
)

// ErrMiss is returned by Lookup when the id has no live entry.
var ErrMiss = errors.New("cache miss")

// StalenessWindow is how old a cached entry may be before its revocation
// state must be rechecked against the store.
const StalenessWindow = time.Second

// Entry is a cached mandate plus the instant it was cached, which drives
// the staleness-window recheck.
type Entry struct {
	Mandate  *contracts.Mandate
	StoredAt time.Time
}

// Stale reports whether the entry has outlived the staleness window at now.
func (e *Entry) Stale(now time.Time) bool {
	return now.Sub(e.StoredAt) > StalenessWindow
}

// MandateCache is the engine's read-through cache contract.
type MandateCache interface {
	// Store caches m under mandate:<id> with TTL max(1s, valid_until-now).
	// Revoked mandates are evicted instead of stored.
	Store(ctx context.Context, m *contracts.Mandate, now time.Time) error
	// Lookup returns the entry for id, or ErrMiss.
	Lookup(ctx context.Context, id string) (*Entry, error)
	// Invalidate evicts one mandate, typically on revocation.
	Invalidate(ctx context.Context, id string) error
	// InvalidateBySubject evicts every cached mandate held by the subject,
	// used when a cascade revocation fans out.
	InvalidateBySubject(ctx context.Context, subjectID string) error
	Ping(ctx context.Context) error
	Close() error
}

// ttlFor computes the entry TTL: the remaining validity, floored at the
// staleness window so entries for nearly expired mandates still land.
func ttlFor(m *contracts.Mandate, now time.Time) time.Duration {
	ttl := m.ValidUntil.Sub(now)
	if ttl < StalenessWindow {
		ttl = StalenessWindow
	}
	return ttl
}

func mandateKey(id string) string      { return "mandate:" + id }
func subjectKey(subject string) string { return "mandate:by-subject:" + subject }

// envelope is the stored wire form: the mandate plus its cache timestamp.
type envelope struct {
	StoredAtMillis int64              `json:"stored_at_millis"`
	Mandate        *contracts.Mandate `json:"mandate"`
}

func encodeEntry(m *contracts.Mandate, now time.Time) ([]byte, error) {
	b, err := json.Marshal(envelope{StoredAtMillis: now.UnixMilli(), Mandate: m})
	if err != nil {
		return nil, fmt.Errorf("failed to encode cache entry: %w", err)
	}
	return b, nil
}

func decodeEntry(raw []byte) (*Entry, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Mandate == nil {
		return nil, fmt.Errorf("corrupt cache entry: %w", err)
	}
	return &Entry{
		Mandate:  env.Mandate,
		StoredAt: time.UnixMilli(env.StoredAtMillis).UTC(),
	}, nil
}
