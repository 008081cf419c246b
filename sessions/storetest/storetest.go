// Package storetest is the behavioural contract every sessions.Store must satisfy.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-smart-fhir-app/sessions"
)

// Epoch is the clock reading at the start of every contract test.
var Epoch = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

// Clock drives sessions.NowTimeFunc for the duration of a test.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// InstallClock replaces sessions.NowTimeFunc until the test ends.
func InstallClock(t *testing.T) *Clock {
	t.Helper()
	return InstallClockAt(t, Epoch)
}

// InstallClockAt is InstallClock starting at start.
func InstallClockAt(t *testing.T, start time.Time) *Clock {
	t.Helper()
	clock := &Clock{now: start}
	previous := sessions.NowTimeFunc
	sessions.NowTimeFunc = clock.Now
	t.Cleanup(func() { sessions.NowTimeFunc = previous })
	return clock
}

// NewRecord builds a record issued at the current clock reading.
func NewRecord(token string, ttl time.Duration) *sessions.Record {
	now := sessions.Now()
	return &sessions.Record{
		Token:        token,
		SessionID:    "sid-" + token,
		CreatedAt:    now,
		LastAccessed: now,
		ExpiresAt:    now.Add(ttl),
	}
}

// RequireSameRecord compares records field by field, ignoring LastAccessed.
func RequireSameRecord(t *testing.T, want, got *sessions.Record) {
	t.Helper()
	require.NotNil(t, got)
	require.Equal(t, want.Token, got.Token)
	require.Equal(t, want.SessionID, got.SessionID)
	require.Equal(t, want.OAuthState, got.OAuthState)
	require.Equal(t, want.ProtocolState, got.ProtocolState)
	require.Equal(t, want.AccessToken, got.AccessToken)
	require.Equal(t, want.RefreshToken, got.RefreshToken)
	require.Equal(t, want.PatientID, got.PatientID)
	require.Equal(t, want.PatientData, got.PatientData)
	require.True(t, want.CreatedAt.Equal(got.CreatedAt), "created_at %s != %s", want.CreatedAt, got.CreatedAt)
	require.True(t, want.ExpiresAt.Equal(got.ExpiresAt), "expires_at %s != %s", want.ExpiresAt, got.ExpiresAt)
	if want.TokenExpiresAt == nil {
		require.Nil(t, got.TokenExpiresAt)
	} else {
		require.NotNil(t, got.TokenExpiresAt)
		require.True(t, want.TokenExpiresAt.Equal(*got.TokenExpiresAt))
	}
}

// Run exercises store behaviour against fresh stores built by newStore.
func Run(t *testing.T, newStore func(t *testing.T) sessions.Store) {
	ctx := context.Background()

	t.Run("create then get", func(t *testing.T) {
		InstallClock(t)
		store := newStore(t)

		record := NewRecord("tok-create", time.Hour)
		require.NoError(t, store.Create(ctx, record))

		got, found, err := store.Get(ctx, "tok-create")
		require.NoError(t, err)
		require.True(t, found)
		RequireSameRecord(t, record, got)
		require.Empty(t, got.ProtocolState)
		require.True(t, got.ExpiresAt.After(sessions.NowTimeFunc()))
	})

	t.Run("create rejects duplicate token", func(t *testing.T) {
		InstallClock(t)
		store := newStore(t)

		require.NoError(t, store.Create(ctx, NewRecord("tok-dup", time.Hour)))
		err := store.Create(ctx, NewRecord("tok-dup", time.Hour))
		require.ErrorIs(t, err, sessions.ErrDuplicateToken)
	})

	t.Run("concurrent creates of one token admit exactly one", func(t *testing.T) {
		InstallClock(t)
		store := newStore(t)

		var wg sync.WaitGroup
		var ok atomic.Int32
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if store.Create(ctx, NewRecord("tok-race", time.Hour)) == nil {
					ok.Add(1)
				}
			}()
		}
		wg.Wait()
		require.Equal(t, int32(1), ok.Load())
	})

	t.Run("get of unknown token is absent", func(t *testing.T) {
		InstallClock(t)
		store := newStore(t)

		got, found, err := store.Get(ctx, "missing")
		require.NoError(t, err)
		require.False(t, found)
		require.Nil(t, got)
	})

	t.Run("put round trip", func(t *testing.T) {
		clock := InstallClock(t)
		store := newStore(t)

		record := NewRecord("tok-put", time.Hour)
		require.NoError(t, store.Create(ctx, record))

		clock.Advance(time.Minute)
		expiry := sessions.Now().Add(time.Hour)
		record.ProtocolState = `{"client_id":"c","state":"s1"}`
		record.OAuthState = "s1"
		record.AccessToken = "at"
		record.RefreshToken = "rt"
		record.TokenExpiresAt = &expiry
		record.PatientID = "p1"
		record.PatientData = `{"patient_id":"p1"}`
		require.NoError(t, store.Put(ctx, record.Token, record))

		got, found, err := store.Get(ctx, record.Token)
		require.NoError(t, err)
		require.True(t, found)
		RequireSameRecord(t, record, got)
		require.False(t, got.LastAccessed.Before(record.LastAccessed))
		require.True(t, got.LastAccessed.Equal(sessions.Now()))
	})

	t.Run("put round trip with a sub-millisecond clock", func(t *testing.T) {
		clock := InstallClockAt(t, Epoch.Add(123456789))
		store := newStore(t)

		record := NewRecord("tok-precise", time.Hour)
		require.NoError(t, store.Create(ctx, record))

		clock.Advance(1500 * time.Microsecond)
		expiry := sessions.Timestamp(sessions.NowTimeFunc().Add(90 * time.Second))
		record.TokenExpiresAt = &expiry
		require.NoError(t, store.Put(ctx, record.Token, record))

		got, found, err := store.Get(ctx, record.Token)
		require.NoError(t, err)
		require.True(t, found)
		RequireSameRecord(t, record, got)
		require.True(t, got.LastAccessed.Equal(sessions.Now()))
	})

	t.Run("put upserts unknown token", func(t *testing.T) {
		InstallClock(t)
		store := newStore(t)

		record := NewRecord("tok-upsert", time.Hour)
		require.NoError(t, store.Put(ctx, record.Token, record))

		_, found, err := store.Get(ctx, record.Token)
		require.NoError(t, err)
		require.True(t, found)
	})

	t.Run("expired record is absent and deleted on get", func(t *testing.T) {
		clock := InstallClock(t)
		store := newStore(t)

		require.NoError(t, store.Create(ctx, NewRecord("tok-exp", time.Minute)))
		clock.Advance(time.Minute)

		_, found, err := store.Get(ctx, "tok-exp")
		require.NoError(t, err)
		require.False(t, found)

		// Already removed by the lookup
		removed, err := store.PurgeExpired(ctx)
		require.NoError(t, err)
		require.Zero(t, removed)

		_, found, err = store.Get(ctx, "tok-exp")
		require.NoError(t, err)
		require.False(t, found)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		InstallClock(t)
		store := newStore(t)

		require.NoError(t, store.Create(ctx, NewRecord("tok-del", time.Hour)))
		require.NoError(t, store.Delete(ctx, "tok-del"))
		require.NoError(t, store.Delete(ctx, "tok-del"))
		require.NoError(t, store.Delete(ctx, "never-existed"))

		_, found, err := store.Get(ctx, "tok-del")
		require.NoError(t, err)
		require.False(t, found)
	})

	t.Run("find by oauth state", func(t *testing.T) {
		clock := InstallClock(t)
		store := newStore(t)

		a := NewRecord("tok-a", time.Hour)
		a.OAuthState = "abc123"
		b := NewRecord("tok-b", time.Hour)
		b.OAuthState = "def456"
		stale := NewRecord("tok-stale", time.Minute)
		stale.OAuthState = "old999"
		for _, r := range []*sessions.Record{a, b, stale} {
			require.NoError(t, store.Put(ctx, r.Token, r))
		}

		token, found, err := store.FindByOAuthState(ctx, "abc123")
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, "tok-a", token)

		_, found, err = store.FindByOAuthState(ctx, "unknown")
		require.NoError(t, err)
		require.False(t, found)

		_, found, err = store.FindByOAuthState(ctx, "")
		require.NoError(t, err)
		require.False(t, found)

		clock.Advance(2 * time.Minute)
		_, found, err = store.FindByOAuthState(ctx, "old999")
		require.NoError(t, err)
		require.False(t, found)
	})

	t.Run("find by oauth state follows updates", func(t *testing.T) {
		InstallClock(t)
		store := newStore(t)

		r := NewRecord("tok-move", time.Hour)
		r.OAuthState = "first"
		require.NoError(t, store.Put(ctx, r.Token, r))
		r.OAuthState = "second"
		require.NoError(t, store.Put(ctx, r.Token, r))

		_, found, err := store.FindByOAuthState(ctx, "first")
		require.NoError(t, err)
		require.False(t, found)

		token, found, err := store.FindByOAuthState(ctx, "second")
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, r.Token, token)
	})

	t.Run("list active and purge expired", func(t *testing.T) {
		clock := InstallClock(t)
		store := newStore(t)

		require.NoError(t, store.Create(ctx, NewRecord("tok-short", time.Minute)))
		require.NoError(t, store.Create(ctx, NewRecord("tok-long", time.Hour)))
		clock.Advance(5 * time.Minute)

		active, err := store.ListActive(ctx)
		require.NoError(t, err)
		require.Len(t, active, 1)
		require.Equal(t, "tok-long", active[0].Token)

		removed, err := store.PurgeExpired(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, removed)

		removed, err = store.PurgeExpired(ctx)
		require.NoError(t, err)
		require.Zero(t, removed)

		_, found, err := store.Get(ctx, "tok-long")
		require.NoError(t, err)
		require.True(t, found)
	})

	t.Run("concurrent puts on distinct tokens", func(t *testing.T) {
		InstallClock(t)
		store := newStore(t)

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				r := NewRecord(fmt.Sprintf("tok-%02d", i), time.Hour)
				assert.NoError(t, store.Put(ctx, r.Token, r))
			}(i)
		}
		wg.Wait()

		active, err := store.ListActive(ctx)
		require.NoError(t, err)
		require.Len(t, active, 20)
	})
}
