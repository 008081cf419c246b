package sessions

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// KindMemory identifies the process local store.
const KindMemory = "memory"

// InMemoryStore is a thread-safe in-memory implementation of the Store interface
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates a new in-memory session store
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[string]*Record),
	}
}

// Get retrieves a live session by token, deleting it if it has expired
func (s *InMemoryStore) Get(_ context.Context, token string) (*Record, bool, error) {
	if token == "" {
		return nil, false, nil
	}

	s.mu.RLock()
	record, exists := s.records[token]
	s.mu.RUnlock()
	if !exists {
		return nil, false, nil
	}

	if record.Expired(NowTimeFunc()) {
		s.mu.Lock()
		// Re-check under the write lock; a concurrent Put may have replaced it
		if current, ok := s.records[token]; ok && current.Expired(NowTimeFunc()) {
			delete(s.records, token)
		}
		s.mu.Unlock()
		log.Debug().Err(ErrSessionExpired).Str("token", ShortToken(token)).Str("store", KindMemory).Msg("Expired session removed on lookup")
		return nil, false, nil
	}

	// Return a copy to prevent external modifications
	return record.Clone(), true, nil
}

// Create inserts a new session
func (s *InMemoryStore) Create(_ context.Context, record *Record) error {
	if record == nil {
		return errors.New("record cannot be nil")
	}
	if record.Token == "" {
		return errors.New("token cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.Token]; exists {
		return ErrDuplicateToken
	}
	s.records[record.Token] = record.Clone()
	return nil
}

// Put stores or replaces a session
func (s *InMemoryStore) Put(_ context.Context, token string, record *Record) error {
	if token == "" {
		return errors.New("token cannot be empty")
	}
	if record == nil {
		return errors.New("record cannot be nil")
	}

	stored := record.Clone()
	stored.Token = token
	stored.LastAccessed = Touched(record.LastAccessed)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[token] = stored
	return nil
}

// Delete removes a session
func (s *InMemoryStore) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, token)
	return nil
}

// ListActive returns copies of every session that has not expired
func (s *InMemoryStore) ListActive(_ context.Context) ([]*Record, error) {
	now := NowTimeFunc()

	s.mu.RLock()
	defer s.mu.RUnlock()

	active := make([]*Record, 0, len(s.records))
	for _, record := range s.records {
		if !record.Expired(now) {
			active = append(active, record.Clone())
		}
	}
	return active, nil
}

// FindByOAuthState scans live sessions for a matching provider state
func (s *InMemoryStore) FindByOAuthState(_ context.Context, state string) (string, bool, error) {
	if state == "" {
		return "", false, nil
	}
	now := NowTimeFunc()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var found string
	matches := 0
	for token, record := range s.records {
		if record.OAuthState != state || record.Expired(now) {
			continue
		}
		if matches == 0 {
			found = token
		}
		matches++
	}
	if matches > 1 {
		log.Warn().Int("matches", matches).Str("store", KindMemory).Msg("OAuth state shared by more than one live session")
	}
	return found, matches > 0, nil
}

// PurgeExpired deletes every expired session
func (s *InMemoryStore) PurgeExpired(_ context.Context) (int, error) {
	now := NowTimeFunc()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for token, record := range s.records {
		if record.Expired(now) {
			delete(s.records, token)
			removed++
		}
	}
	return removed, nil
}

func (s *InMemoryStore) Kind() string {
	return KindMemory
}

func (s *InMemoryStore) Close(context.Context) error {
	return nil
}
