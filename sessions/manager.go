package sessions

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"github.com/jrsteele09/go-smart-fhir-app/internal/errors"
	"github.com/jrsteele09/go-smart-fhir-app/internal/metrics"
)

const (
	tokenBytes        = 32
	maxCreateAttempts = 5
	oauthStateKey     = "state"
)

// TokenGeneratorFunc produces new session tokens. It can be overridden in tests.
var TokenGeneratorFunc = generateToken

// Options bound the sessions a Manager keeps alive.
type Options struct {
	SessionTTL  time.Duration
	MaxSessions int
}

// Manager owns the session lifecycle on top of a Store and builds protocol clients
// from the persisted state of each session.
type Manager[C ProtocolClient] struct {
	store       Store
	factory     ClientFactory[C]
	ttl         time.Duration
	maxSessions int

	genMu      sync.Mutex
	recoveries singleflight.Group
}

var _ StateObserver = (*Manager[ProtocolClient])(nil)

func NewManager[C ProtocolClient](store Store, factory ClientFactory[C], opts Options) *Manager[C] {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultTTL
	}
	return &Manager[C]{
		store:       store,
		factory:     factory,
		ttl:         opts.SessionTTL,
		maxSessions: opts.MaxSessions,
	}
}

func (m *Manager[C]) StoreKind() string {
	return m.store.Kind()
}

func (m *Manager[C]) MaxSessions() int {
	return m.maxSessions
}

// ResolveToken returns the first candidate that names a live session, in the order
// given (header, cookie, query). When none does a new session is issued.
func (m *Manager[C]) ResolveToken(ctx context.Context, candidates ...string) (token string, created bool, err error) {
	if token, ok := m.Lookup(ctx, candidates...); ok {
		return token, false, nil
	}
	token, err = m.CreateSession(ctx)
	if err != nil {
		return "", false, err
	}
	return token, true, nil
}

// Lookup is ResolveToken without issuing a new session.
func (m *Manager[C]) Lookup(ctx context.Context, candidates ...string) (string, bool) {
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if _, ok := m.get(ctx, candidate); ok {
			return candidate, true
		}
	}
	return "", false
}

// Session returns a copy of the live record for token.
func (m *Manager[C]) Session(ctx context.Context, token string) (*Record, bool) {
	return m.get(ctx, token)
}

// CreateSession purges expired sessions, makes room under MaxSessions and persists
// a fresh record under a new random token.
func (m *Manager[C]) CreateSession(ctx context.Context) (string, error) {
	m.Sweep(ctx)
	m.enforceCapacity(ctx)

	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		token, err := m.nextToken()
		if err != nil {
			return "", fmt.Errorf("[sessions CreateSession] failed to generate token: %w", err)
		}

		now := Now()
		record := &Record{
			Token:        token,
			SessionID:    uuid.NewString(),
			CreatedAt:    now,
			LastAccessed: now,
			ExpiresAt:    now.Add(m.ttl),
		}
		err = m.store.Create(ctx, record)
		if errors.Is(err, ErrDuplicateToken) {
			log.Warn().Str("token", ShortToken(token)).Msg("Session token collision, regenerating")
			continue
		}
		if err != nil {
			metrics.StoreErrors.WithLabelValues("create").Inc()
			return "", fmt.Errorf("[sessions CreateSession] %w: %w", errors.ErrStoreOperationFailed, err)
		}

		metrics.SessionsCreated.Inc()
		log.Debug().Str("token", ShortToken(token)).Str("session_id", record.SessionID).Msg("Session created")
		return token, nil
	}
	return "", fmt.Errorf("[sessions CreateSession] no unique token after %d attempts: %w", maxCreateAttempts, ErrDuplicateToken)
}

// nextToken serializes token generation. The lock is never held across store I/O.
func (m *Manager[C]) nextToken() (string, error) {
	m.genMu.Lock()
	defer m.genMu.Unlock()
	return TokenGeneratorFunc()
}

// enforceCapacity evicts the sessions closest to expiry so that one more fits.
func (m *Manager[C]) enforceCapacity(ctx context.Context) {
	if m.maxSessions <= 0 {
		return
	}
	active, err := m.store.ListActive(ctx)
	if err != nil {
		m.storeError("list_active", err)
		return
	}
	excess := len(active) - m.maxSessions + 1
	if excess <= 0 {
		return
	}

	sort.Slice(active, func(i, j int) bool {
		return active[i].ExpiresAt.Before(active[j].ExpiresAt)
	})
	for _, record := range active[:excess] {
		if err := m.store.Delete(ctx, record.Token); err != nil {
			m.storeError("delete", err)
			continue
		}
		metrics.SessionsEvicted.Inc()
		log.Info().Str("token", ShortToken(record.Token)).Time("expires_at", record.ExpiresAt).Msg("Session evicted, session limit reached")
	}
}

// GetProtocolClient rebuilds the client for a live session. Persisted state is used
// unless forceNew is set or it cannot be decoded, in which case a fresh client seeded
// with "<session_id>|<token>" is returned.
func (m *Manager[C]) GetProtocolClient(ctx context.Context, token string, forceNew bool) (C, bool) {
	var zero C

	record, ok := m.get(ctx, token)
	if !ok {
		return zero, false
	}

	if !forceNew && record.ProtocolState != "" {
		client, err := m.factory.Rehydrate(token, []byte(record.ProtocolState), m)
		if err == nil {
			metrics.ClientBuilds.WithLabelValues("rehydrated").Inc()
			return client, true
		}
		log.Warn().Err(fmt.Errorf("%w: %w", errors.ErrStateReconstructionFailed, err)).
			Str("token", ShortToken(token)).Msg("Discarding unusable protocol state")
	}

	client, err := m.factory.New(token, record.SessionID+"|"+token, m)
	if err != nil {
		metrics.ClientBuilds.WithLabelValues("failed").Inc()
		log.Err(err).Str("token", ShortToken(token)).Msg("Failed to build protocol client")
		return zero, false
	}
	metrics.ClientBuilds.WithLabelValues("fresh").Inc()
	return client, true
}

// OnStateChanged persists state reported by a client and re-indexes its OAuth state.
func (m *Manager[C]) OnStateChanged(ctx context.Context, token string, state []byte) {
	record, ok := m.get(ctx, token)
	if !ok {
		log.Warn().Str("token", ShortToken(token)).Msg("Protocol state changed for an unknown session")
		return
	}

	record.ProtocolState = string(state)
	if gjson.ValidBytes(state) {
		if value := gjson.GetBytes(state, oauthStateKey); value.Type == gjson.String {
			record.OAuthState = value.String()
		}
	}
	m.put(ctx, record)
}

// RecoverByOAuthState finds the session that started the authorization carrying state.
// Concurrent recoveries for the same state share one lookup, which is detached from
// the cancellation of the caller that started it. State values are expected to be
// unique across live sessions; the store only logs when they are not.
func (m *Manager[C]) RecoverByOAuthState(ctx context.Context, state string) (string, bool) {
	if state == "" {
		return "", false
	}

	v, _, _ := m.recoveries.Do(state, func() (interface{}, error) {
		ctx := context.WithoutCancel(ctx)
		token, found, err := m.store.FindByOAuthState(ctx, state)
		if err != nil {
			m.storeError("find_by_oauth_state", err)
			return "", nil
		}
		if !found {
			return "", nil
		}
		m.Touch(ctx, token)
		return token, nil
	})

	token, _ := v.(string)
	if token == "" {
		metrics.StateRecoveries.WithLabelValues("missing").Inc()
		log.Warn().Err(errors.ErrOAuthStateRecoveryFailed).Msg("No session matches OAuth state")
		return "", false
	}
	metrics.StateRecoveries.WithLabelValues("found").Inc()
	log.Info().Str("token", ShortToken(token)).Msg("Session recovered from OAuth state")
	return token, true
}

// ResetSession returns a session to its just-issued shape without deleting it.
func (m *Manager[C]) ResetSession(ctx context.Context, token string) bool {
	record, ok := m.get(ctx, token)
	if !ok {
		return false
	}
	record.Clear()
	return m.put(ctx, record)
}

// Logout deletes the session. It reports whether a live session was removed.
func (m *Manager[C]) Logout(ctx context.Context, token string) bool {
	if _, ok := m.get(ctx, token); !ok {
		return false
	}
	if err := m.store.Delete(ctx, token); err != nil {
		m.storeError("delete", err)
		return false
	}
	log.Debug().Str("token", ShortToken(token)).Msg("Session logged out")
	return true
}

// Touch bumps LastAccessed.
func (m *Manager[C]) Touch(ctx context.Context, token string) bool {
	record, ok := m.get(ctx, token)
	if !ok {
		return false
	}
	return m.put(ctx, record)
}

// StoreTokens caches the tokens of an authorized client on the record.
func (m *Manager[C]) StoreTokens(ctx context.Context, token, accessToken, refreshToken string, expiresIn time.Duration) bool {
	record, ok := m.get(ctx, token)
	if !ok {
		return false
	}
	record.AccessToken = accessToken
	record.RefreshToken = refreshToken
	record.TokenExpiresAt = nil
	if expiresIn > 0 {
		expiresAt := Timestamp(NowTimeFunc().Add(expiresIn))
		record.TokenExpiresAt = &expiresAt
	}
	return m.put(ctx, record)
}

// CachePatientData keeps the last fetched patient summary with the session.
func (m *Manager[C]) CachePatientData(ctx context.Context, token, patientID string, data []byte) bool {
	record, ok := m.get(ctx, token)
	if !ok {
		return false
	}
	record.PatientID = patientID
	record.PatientData = string(data)
	return m.put(ctx, record)
}

// ActiveSessions lists live sessions.
func (m *Manager[C]) ActiveSessions(ctx context.Context) ([]*Record, error) {
	records, err := m.store.ListActive(ctx)
	if err != nil {
		m.storeError("list_active", err)
		return nil, fmt.Errorf("[sessions ActiveSessions] %w: %w", errors.ErrStoreOperationFailed, err)
	}
	return records, nil
}

// Sweep removes expired sessions and returns how many were deleted.
func (m *Manager[C]) Sweep(ctx context.Context) int {
	removed, err := m.store.PurgeExpired(ctx)
	if err != nil {
		m.storeError("purge_expired", err)
		return 0
	}
	if removed > 0 {
		metrics.SessionsPurged.Add(float64(removed))
		log.Info().Int("removed", removed).Msg("Expired sessions purged")
	}
	return removed
}

// RunJanitor sweeps every interval until ctx is cancelled.
func (m *Manager[C]) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
			if active, err := m.store.ListActive(ctx); err == nil {
				metrics.ActiveSessions.Set(float64(len(active)))
			}
		}
	}
}

func (m *Manager[C]) get(ctx context.Context, token string) (*Record, bool) {
	if token == "" {
		return nil, false
	}
	record, found, err := m.store.Get(ctx, token)
	if err != nil {
		m.storeError("get", err)
		return nil, false
	}
	return record, found
}

func (m *Manager[C]) put(ctx context.Context, record *Record) bool {
	if err := m.store.Put(ctx, record.Token, record); err != nil {
		m.storeError("put", err)
		return false
	}
	return true
}

func (m *Manager[C]) storeError(op string, err error) {
	metrics.StoreErrors.WithLabelValues(op).Inc()
	log.Err(err).Str("op", op).Str("store", m.store.Kind()).Msg(errors.ErrStoreOperationFailed.Error())
}

func generateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
