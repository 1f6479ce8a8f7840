package memory

import (
	"context"
	"time"
)

// Filter narrows a durable store query. Zero-valued fields match everything.
type Filter struct {
	Kinds         []Kind
	MinImportance float64
	Since         time.Time
	TurnID        string
	// Contains restricts results to records whose content contains the
	// given substring (case-insensitive).
	Contains string
	Limit    int
}

// PrunePolicy selects which records Prune removes. Pinned records are
// always retained.
type PrunePolicy struct {
	// MaxAge removes records older than this. Zero disables the age check.
	MaxAge time.Duration
	// MinImportance removes records scoring below this.
	MinImportance float64
}

// DurableStore persists memory records across sessions.
type DurableStore interface {
	// Store inserts or replaces a record.
	Store(ctx context.Context, rec *Record) error
	// Query returns records matching the filter, most recent first.
	Query(ctx context.Context, f Filter) ([]*Record, error)
	// Prune removes records matching the policy and returns how many
	// were removed.
	Prune(ctx context.Context, p PrunePolicy) (int, error)
	Close() error
}
