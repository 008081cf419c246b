package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	sessionStoreVar        = "SESSION_STORE"
	mongoURIVar            = "MONGODB_URI"
	mongoDatabaseVar       = "MONGODB_DATABASE"
	mongoCollectionVar     = "MONGODB_COLLECTION"
	redisURLVar            = "REDIS_URL"
	redisKeyPrefixVar      = "REDIS_KEY_PREFIX"
	sessionTTLVar          = "SESSION_TTL"
	maxSessionsVar         = "MAX_SESSIONS"
	sweepIntervalVar       = "SESSION_SWEEP_INTERVAL"
	secretKeyVar           = "SECRET_KEY"
	cookieSecureVar        = "COOKIE_SECURE"
	storeConnectTimeoutVar = "STORE_CONNECT_TIMEOUT"
)

// Session store backends
const (
	StoreMongoDB = "mongodb"
	StoreRedis   = "redis"
	StoreMemory  = "memory"
)

// Bounds for MAX_SESSIONS
const (
	MinMaxSessions = 1
	MaxMaxSessions = 10_000_000
)

type SessionConfig interface {
	GetSessionStore() string
	GetMongoURI() string
	GetMongoDatabase() string
	GetMongoCollection() string
	GetRedisURL() string
	GetRedisKeyPrefix() string
	GetSessionTTL() time.Duration
	GetMaxSessions() int
	GetSweepInterval() time.Duration
	GetSecretKey() string
	GetCookieSecure() bool
	GetStoreConnectTimeout() time.Duration
}

type Sessions struct {
	v *viper.Viper
}

var _ SessionConfig = Sessions{}

func (s Sessions) GetSessionStore() string {
	return strings.ToLower(strings.TrimSpace(s.v.GetString(sessionStoreVar)))
}

func (s Sessions) GetMongoURI() string {
	return s.v.GetString(mongoURIVar)
}

func (s Sessions) GetMongoDatabase() string {
	return s.v.GetString(mongoDatabaseVar)
}

func (s Sessions) GetMongoCollection() string {
	return s.v.GetString(mongoCollectionVar)
}

func (s Sessions) GetRedisURL() string {
	return s.v.GetString(redisURLVar)
}

func (s Sessions) GetRedisKeyPrefix() string {
	return s.v.GetString(redisKeyPrefixVar)
}

func (s Sessions) GetSessionTTL() time.Duration {
	return s.v.GetDuration(sessionTTLVar)
}

func (s Sessions) GetMaxSessions() int {
	return s.v.GetInt(maxSessionsVar)
}

func (s Sessions) GetSweepInterval() time.Duration {
	return s.v.GetDuration(sweepIntervalVar)
}

// GetSecretKey signs session cookies. Empty means a random per-process key.
func (s Sessions) GetSecretKey() string {
	return s.v.GetString(secretKeyVar)
}

func (s Sessions) GetCookieSecure() bool {
	return s.v.GetBool(cookieSecureVar)
}

func (s Sessions) GetStoreConnectTimeout() time.Duration {
	return durationOr(s.v, storeConnectTimeoutVar, 5*time.Second)
}
