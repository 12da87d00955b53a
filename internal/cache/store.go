package cache

import (
	"context"
	"errors"
	"time"
)

// Category is the payload-kind tag stored as the first line of every entry
// file. The on-disk strings are part of the store format; changing them
// invalidates existing caches.
type Category string

const (
	// CategoryRequest is the original render query, stored while pending so
	// a restarted process can replay the render.
	CategoryRequest Category = "api_request"
	// CategoryError is a persisted upstream failure (status code + messages).
	CategoryError Category = "api_error"
	// CategoryResult is a successfully rendered image.
	CategoryResult Category = "image"
	// CategoryInvalid marks an unrecognized on-disk tag. Never written.
	CategoryInvalid Category = "invalid"
)

// ParseCategory maps an on-disk tag line to a Category, falling back to
// CategoryInvalid for anything unrecognized rather than failing the read.
func ParseCategory(tag string) Category {
	switch Category(tag) {
	case CategoryRequest, CategoryError, CategoryResult:
		return Category(tag)
	default:
		return CategoryInvalid
	}
}

// State is the entry lifecycle state, named after the directory holding it.
type State string

const (
	StatePending State = "pending"
	StateActive  State = "active"
)

// CreateResult reports the outcome of a Create call.
type CreateResult string

const (
	CreateResultCreated  CreateResult = "created"
	CreateResultExisting CreateResult = "existing"
)

// Entry is one cached object as observed at lookup time.
type Entry struct {
	ID       string
	Category Category
	State    State
	Payload  []byte
}

// Counts summarizes store occupancy for diagnostics.
type Counts struct {
	Active  int `json:"active"`
	Pending int `json:"pending"`
}

var (
	// ErrNotFound means the identifier is absent from both directories.
	ErrNotFound = errors.New("cache entry not found")
	// ErrAlreadyActive rejects promotion of an entry that already completed.
	// Promotion is deliberately not idempotent so protocol violations
	// surface instead of being silently absorbed.
	ErrAlreadyActive = errors.New("cache entry already active")
)

// Store is the directory-pair object cache. An identifier lives in at most
// one of {pending, active} at any instant; the only cross-directory
// transition is the atomic rename performed by Promote.
type Store interface {
	// Lookup returns the entry for id, checking active first (the common
	// cache-hit path) and then pending. Returns ErrNotFound when absent.
	Lookup(ctx context.Context, id string) (*Entry, error)

	// Create atomically creates a pending entry unless the identifier
	// already exists in either state. Two producers racing on the same
	// identifier get exactly one CreateResultCreated; the first payload
	// wins and is never overwritten by the loser.
	Create(ctx context.Context, id string, category Category, payload []byte) (CreateResult, error)

	// Promote replaces the pending record with the final content and
	// atomically moves it pending -> active. Fails with ErrNotFound when
	// the entry is absent and ErrAlreadyActive when it already completed.
	Promote(ctx context.Context, id string, category Category, payload []byte) error

	// Prune removes every entry whose identifier the predicate marks
	// expired, in both states. The predicate sees identifiers only; no
	// entry file is opened. Individual deletion failures are logged and
	// skipped. Returns the number of entries removed.
	Prune(ctx context.Context, isExpired func(id string) bool) (int, error)

	// Enumerate reads all entries currently in the given state. Entries
	// removed mid-listing are skipped.
	Enumerate(ctx context.Context, state State) ([]Entry, error)

	// Counts reports how many entries each directory holds.
	Counts(ctx context.Context) (Counts, error)

	// WaitFor blocks until the entry is active, absent (ErrNotFound), the
	// timeout elapses, or ctx is canceled. A timeout is a result, not a
	// failure: the last observed pending entry is returned with nil error
	// and callers inspect Entry.State.
	WaitFor(ctx context.Context, id string, timeout time.Duration) (*Entry, error)
}
