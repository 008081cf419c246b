package sessions

import (
	"context"
	"time"

	"github.com/jrsteele09/go-smart-fhir-app/internal/errors"
)

// NowTimeFunc returns the current time. It can be overridden in tests.
var NowTimeFunc = time.Now

// ErrDuplicateToken is returned by Store.Create when the token is already taken.
var ErrDuplicateToken = errors.ErrDuplicateToken

// ErrSessionExpired is logged by stores when a lookup removes an expired record.
var ErrSessionExpired = errors.ErrSessionExpired

// Timestamp is t in UTC at millisecond precision, the resolution BSON datetimes keep.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// Now is NowTimeFunc as a Timestamp.
func Now() time.Time {
	return Timestamp(NowTimeFunc())
}

// Store is a token keyed session repository. Implementations hold no business logic
// and must be safe for concurrent use.
type Store interface {
	// Get returns the record when it exists and has not expired. An expired record
	// found by the lookup is deleted before returning absent.
	Get(ctx context.Context, token string) (*Record, bool, error)
	// Create inserts a new record and fails with ErrDuplicateToken if the token exists.
	Create(ctx context.Context, record *Record) error
	// Put upserts the record and stamps LastAccessed.
	Put(ctx context.Context, token string, record *Record) error
	// Delete is a no-op for unknown tokens.
	Delete(ctx context.Context, token string) error
	ListActive(ctx context.Context) ([]*Record, error)
	// FindByOAuthState returns the token of an active record carrying state.
	FindByOAuthState(ctx context.Context, state string) (string, bool, error)
	// PurgeExpired removes every record with ExpiresAt <= now.
	PurgeExpired(ctx context.Context) (int, error)
	Kind() string
	Close(ctx context.Context) error
}

// Touched returns the LastAccessed value a store writes on Put. It never moves backwards.
func Touched(previous time.Time) time.Time {
	now := Now()
	if now.Before(previous) {
		return Timestamp(previous)
	}
	return now
}
