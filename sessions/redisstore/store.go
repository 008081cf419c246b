// Package redisstore keeps sessions in Redis. Each record is a JSON value under
// <prefix>session:<token>, and <prefix>oauthstate:<state> is a set of tokens used
// for OAuth state lookups.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-smart-fhir-app/sessions"
)

// Kind identifies the Redis backend.
const Kind = "redis"

const (
	sessionSegment = "session:"
	stateSegment   = "oauthstate:"
	scanCount      = 200
)

type Config struct {
	URL            string
	KeyPrefix      string
	ConnectTimeout time.Duration
}

// Store implements sessions.Store over Redis.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
}

var _ sessions.Store = (*Store)(nil)

// Open parses the redis:// URL, connects and pings.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("[redisstore Open] invalid url: %w", err)
	}
	if cfg.ConnectTimeout > 0 {
		opts.DialTimeout = cfg.ConnectTimeout
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("[redisstore Open] ping: %w", err)
	}

	log.Info().Str("addr", opts.Addr).Int("db", opts.DB).Msg("Connected to Redis session store")
	return NewWithClient(client, cfg.KeyPrefix), nil
}

// NewWithClient wraps a pre-configured client, e.g. one pointing at miniredis.
func NewWithClient(client redis.UniversalClient, keyPrefix string) *Store {
	return &Store{client: client, keyPrefix: keyPrefix}
}

func (s *Store) sessionKey(token string) string {
	return s.keyPrefix + sessionSegment + token
}

func (s *Store) stateKeyPrefix() string {
	return s.keyPrefix + stateSegment
}

// ttl is the remaining lifetime of a record. Records already past expiry are kept
// without a TTL so that lookups and purges still see and delete them.
func ttl(record *sessions.Record) int64 {
	remaining := record.ExpiresAt.Sub(sessions.NowTimeFunc())
	if remaining <= 0 {
		return 0
	}
	return remaining.Milliseconds()
}

func (s *Store) Get(ctx context.Context, token string) (*sessions.Record, bool, error) {
	if token == "" {
		return nil, false, nil
	}

	record, err := s.load(ctx, s.sessionKey(token))
	if err != nil {
		return nil, false, fmt.Errorf("[redisstore Get] %w", err)
	}
	if record == nil {
		return nil, false, nil
	}
	if record.Expired(sessions.NowTimeFunc()) {
		if err := s.Delete(ctx, token); err != nil {
			return nil, false, err
		}
		log.Debug().Err(sessions.ErrSessionExpired).Str("token", sessions.ShortToken(token)).Str("store", Kind).Msg("Expired session removed on lookup")
		return nil, false, nil
	}
	return record, true, nil
}

func (s *Store) Create(ctx context.Context, record *sessions.Record) error {
	if record == nil || record.Token == "" {
		return errors.New("[redisstore Create] record with a token is required")
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("[redisstore Create] marshal: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.sessionKey(record.Token), data, time.Duration(ttl(record))*time.Millisecond).Result()
	if err != nil {
		return fmt.Errorf("[redisstore Create] %w", err)
	}
	if !ok {
		return sessions.ErrDuplicateToken
	}

	if record.OAuthState != "" {
		if err := s.client.SAdd(ctx, s.stateKeyPrefix()+record.OAuthState, record.Token).Err(); err != nil {
			return fmt.Errorf("[redisstore Create] index state: %w", err)
		}
	}
	return nil
}

// putScript writes a record and moves its token between OAuth state index sets.
//
// KEYS[1] = session key
// ARGV[1] = record JSON
// ARGV[2] = TTL in milliseconds, 0 for none
// ARGV[3] = new OAuth state ("" if none)
// ARGV[4] = state index key prefix
// ARGV[5] = token
var putScript = redis.NewScript(`
local oldState = ""
local existing = redis.call('GET', KEYS[1])
if existing then
    local ok, decoded = pcall(cjson.decode, existing)
    if ok and type(decoded) == "table" and type(decoded.oauth_state) == "string" then
        oldState = decoded.oauth_state
    end
end

local ttlMs = tonumber(ARGV[2])
if ttlMs > 0 then
    redis.call('SET', KEYS[1], ARGV[1], 'PX', ttlMs)
else
    redis.call('SET', KEYS[1], ARGV[1])
end

if oldState ~= "" and oldState ~= ARGV[3] then
    redis.call('SREM', ARGV[4] .. oldState, ARGV[5])
end
if ARGV[3] ~= "" then
    redis.call('SADD', ARGV[4] .. ARGV[3], ARGV[5])
end
return 1
`)

func (s *Store) Put(ctx context.Context, token string, record *sessions.Record) error {
	if token == "" || record == nil {
		return errors.New("[redisstore Put] token and record are required")
	}

	stored := record.Clone()
	stored.Token = token
	stored.LastAccessed = sessions.Touched(record.LastAccessed)

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("[redisstore Put] marshal: %w", err)
	}

	err = putScript.Run(ctx, s.client,
		[]string{s.sessionKey(token)},
		string(data), ttl(stored), stored.OAuthState, s.stateKeyPrefix(), token,
	).Err()
	if err != nil {
		return fmt.Errorf("[redisstore Put] %w", err)
	}
	return nil
}

// deleteScript removes a record and its OAuth state index entry.
//
// KEYS[1] = session key
// ARGV[1] = state index key prefix
// ARGV[2] = token
var deleteScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
    local ok, decoded = pcall(cjson.decode, existing)
    if ok and type(decoded) == "table" and type(decoded.oauth_state) == "string" and decoded.oauth_state ~= "" then
        redis.call('SREM', ARGV[1] .. decoded.oauth_state, ARGV[2])
    end
end
return redis.call('DEL', KEYS[1])
`)

func (s *Store) Delete(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := deleteScript.Run(ctx, s.client, []string{s.sessionKey(token)}, s.stateKeyPrefix(), token).Err(); err != nil {
		return fmt.Errorf("[redisstore Delete] %w", err)
	}
	return nil
}

func (s *Store) ListActive(ctx context.Context) ([]*sessions.Record, error) {
	now := sessions.NowTimeFunc()
	var active []*sessions.Record
	err := s.scanRecords(ctx, func(record *sessions.Record) error {
		if !record.Expired(now) {
			active = append(active, record)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("[redisstore ListActive] %w", err)
	}
	return active, nil
}

func (s *Store) FindByOAuthState(ctx context.Context, state string) (string, bool, error) {
	if state == "" {
		return "", false, nil
	}

	indexKey := s.stateKeyPrefix() + state
	tokens, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return "", false, fmt.Errorf("[redisstore FindByOAuthState] %w", err)
	}

	now := sessions.NowTimeFunc()
	var matches []string
	for _, token := range tokens {
		record, err := s.load(ctx, s.sessionKey(token))
		if err != nil {
			return "", false, fmt.Errorf("[redisstore FindByOAuthState] %w", err)
		}
		if record != nil && record.OAuthState == state && !record.Expired(now) {
			matches = append(matches, token)
			continue
		}
		// Best-effort cleanup of index entries whose record moved on or expired
		if err := s.client.SRem(ctx, indexKey, token).Err(); err != nil {
			log.Debug().Err(err).Str("token", sessions.ShortToken(token)).Msg("Failed to remove stale OAuth state index entry")
		}
	}

	if len(matches) == 0 {
		return "", false, nil
	}
	if len(matches) > 1 {
		log.Warn().Int("matches", len(matches)).Str("store", Kind).Msg("OAuth state shared by more than one live session")
	}
	return matches[0], true, nil
}

func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	now := sessions.NowTimeFunc()
	var expired []string
	err := s.scanRecords(ctx, func(record *sessions.Record) error {
		if record.Expired(now) {
			expired = append(expired, record.Token)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("[redisstore PurgeExpired] %w", err)
	}

	for _, token := range expired {
		if err := s.Delete(ctx, token); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

func (s *Store) Kind() string {
	return Kind
}

func (s *Store) Close(context.Context) error {
	return s.client.Close()
}

// load returns nil without error when the key does not exist.
func (s *Store) load(ctx context.Context, key string) (*sessions.Record, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var record sessions.Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &record, nil
}

// scanRecords visits every record under the session key prefix. Keys that vanish
// or fail to decode between SCAN and MGET are skipped.
func (s *Store) scanRecords(ctx context.Context, visit func(*sessions.Record) error) error {
	pattern := escapePattern(s.sessionKey("")) + "*"
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return err
		}

		if len(keys) > 0 {
			values, err := s.client.MGet(ctx, keys...).Result()
			if err != nil {
				return err
			}
			for i, value := range values {
				raw, ok := value.(string)
				if !ok {
					continue
				}
				var record sessions.Record
				if err := json.Unmarshal([]byte(raw), &record); err != nil {
					log.Warn().Err(err).Str("key", strings.TrimPrefix(keys[i], s.keyPrefix)).Msg("Skipping undecodable session")
					continue
				}
				if err := visit(&record); err != nil {
					return err
				}
			}
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// escapePattern quotes the glob characters SCAN MATCH would interpret so the key
// prefix matches literally.
func escapePattern(prefix string) string {
	var b strings.Builder
	for _, r := range prefix {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
