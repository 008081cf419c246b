// Package storage picks the session store for the process at startup.
package storage

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-smart-fhir-app/internal/config"
	"github.com/jrsteele09/go-smart-fhir-app/internal/errors"
	"github.com/jrsteele09/go-smart-fhir-app/sessions"
	"github.com/jrsteele09/go-smart-fhir-app/sessions/mongostore"
	"github.com/jrsteele09/go-smart-fhir-app/sessions/redisstore"
)

// Opener connects to one backend.
type Opener func(ctx context.Context, cfg config.SessionConfig) (sessions.Store, error)

// openers maps SESSION_STORE values to their constructors.
var openers = map[string]Opener{
	config.StoreMongoDB: openMongo,
	config.StoreRedis:   openRedis,
}

// Open connects to the configured backend. When that fails the process falls back to
// the in-memory store for its lifetime; there is no later retry.
func Open(ctx context.Context, cfg config.SessionConfig) sessions.Store {
	kind := cfg.GetSessionStore()
	if kind == config.StoreMemory {
		log.Info().Msg("Using in-memory session store")
		return sessions.NewInMemoryStore()
	}

	opener, ok := openers[kind]
	if !ok {
		log.Warn().Str("store", kind).Msg("Unknown session store, using in-memory storage")
		return sessions.NewInMemoryStore()
	}

	store, err := opener(ctx, cfg)
	if err != nil {
		log.Warn().Err(fmt.Errorf("%w: %w", errors.ErrStoreUnavailable, err)).
			Str("store", kind).Msg("Falling back to in-memory session storage")
		return sessions.NewInMemoryStore()
	}
	return store
}

func openMongo(ctx context.Context, cfg config.SessionConfig) (sessions.Store, error) {
	return mongostore.Open(ctx, mongostore.Config{
		URI:            cfg.GetMongoURI(),
		Database:       cfg.GetMongoDatabase(),
		Collection:     cfg.GetMongoCollection(),
		ConnectTimeout: cfg.GetStoreConnectTimeout(),
	})
}

func openRedis(ctx context.Context, cfg config.SessionConfig) (sessions.Store, error) {
	return redisstore.Open(ctx, redisstore.Config{
		URL:            cfg.GetRedisURL(),
		KeyPrefix:      cfg.GetRedisKeyPrefix(),
		ConnectTimeout: cfg.GetStoreConnectTimeout(),
	})
}
