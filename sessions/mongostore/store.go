// Package mongostore keeps sessions in a MongoDB collection, one flat document per token.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/jrsteele09/go-smart-fhir-app/sessions"
)

// Kind identifies the MongoDB backend.
const Kind = "mongodb"

const (
	fieldToken      = "token"
	fieldOAuthState = "oauth_state"
	fieldExpiresAt  = "expires_at"
)

type Config struct {
	URI            string
	Database       string
	Collection     string
	ConnectTimeout time.Duration
}

// Store implements sessions.Store over a MongoDB collection.
type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
}

var _ sessions.Store = (*Store)(nil)

// Open connects, pings the primary and makes sure the indexes exist.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	client, err := mongo.Connect(options.Client().
		ApplyURI(cfg.URI).
		SetServerSelectionTimeout(cfg.ConnectTimeout).
		SetConnectTimeout(cfg.ConnectTimeout))
	if err != nil {
		return nil, fmt.Errorf("[mongostore Open] connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("[mongostore Open] ping: %w", err)
	}

	s := New(client.Database(cfg.Database).Collection(cfg.Collection))
	s.client = client
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	log.Info().Str("database", cfg.Database).Str("collection", cfg.Collection).Msg("Connected to MongoDB session store")
	return s, nil
}

// New wraps an existing collection. The caller owns the client.
func New(collection *mongo.Collection) *Store {
	return &Store{collection: collection}
}

// EnsureIndexes creates the unique token index and the lookup indexes.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: fieldToken, Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: fieldExpiresAt, Value: 1}}},
		{Keys: bson.D{{Key: fieldOAuthState, Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("[mongostore EnsureIndexes] %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, token string) (*sessions.Record, bool, error) {
	if token == "" {
		return nil, false, nil
	}

	var record sessions.Record
	err := s.collection.FindOne(ctx, bson.D{{Key: fieldToken, Value: token}}).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("[mongostore Get] %w", err)
	}

	if record.Expired(sessions.NowTimeFunc()) {
		if err := s.Delete(ctx, token); err != nil {
			return nil, false, err
		}
		log.Debug().Err(sessions.ErrSessionExpired).Str("token", sessions.ShortToken(token)).Str("store", Kind).Msg("Expired session removed on lookup")
		return nil, false, nil
	}
	return &record, true, nil
}

func (s *Store) Create(ctx context.Context, record *sessions.Record) error {
	if record == nil || record.Token == "" {
		return errors.New("[mongostore Create] record with a token is required")
	}

	_, err := s.collection.InsertOne(ctx, record)
	if mongo.IsDuplicateKeyError(err) {
		return sessions.ErrDuplicateToken
	}
	if err != nil {
		return fmt.Errorf("[mongostore Create] %w", err)
	}
	return nil
}

func (s *Store) Put(ctx context.Context, token string, record *sessions.Record) error {
	if token == "" || record == nil {
		return errors.New("[mongostore Put] token and record are required")
	}

	stored := record.Clone()
	stored.Token = token
	stored.LastAccessed = sessions.Touched(record.LastAccessed)

	_, err := s.collection.ReplaceOne(ctx,
		bson.D{{Key: fieldToken, Value: token}},
		stored,
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("[mongostore Put] %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, token string) error {
	if _, err := s.collection.DeleteOne(ctx, bson.D{{Key: fieldToken, Value: token}}); err != nil {
		return fmt.Errorf("[mongostore Delete] %w", err)
	}
	return nil
}

func (s *Store) ListActive(ctx context.Context) ([]*sessions.Record, error) {
	cursor, err := s.collection.Find(ctx, activeFilter())
	if err != nil {
		return nil, fmt.Errorf("[mongostore ListActive] %w", err)
	}

	var records []*sessions.Record
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("[mongostore ListActive] decode: %w", err)
	}
	return records, nil
}

func (s *Store) FindByOAuthState(ctx context.Context, state string) (string, bool, error) {
	if state == "" {
		return "", false, nil
	}

	filter := append(activeFilter(), bson.E{Key: fieldOAuthState, Value: state})
	cursor, err := s.collection.Find(ctx, filter, options.Find().
		SetLimit(2).
		SetProjection(bson.D{{Key: fieldToken, Value: 1}}))
	if err != nil {
		return "", false, fmt.Errorf("[mongostore FindByOAuthState] %w", err)
	}

	var matches []struct {
		Token string `bson:"token"`
	}
	if err := cursor.All(ctx, &matches); err != nil {
		return "", false, fmt.Errorf("[mongostore FindByOAuthState] decode: %w", err)
	}
	if len(matches) == 0 {
		return "", false, nil
	}
	if len(matches) > 1 {
		log.Warn().Str("store", Kind).Msg("OAuth state shared by more than one live session")
	}
	return matches[0].Token, true, nil
}

func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	res, err := s.collection.DeleteMany(ctx, bson.D{
		{Key: fieldExpiresAt, Value: bson.D{{Key: "$lte", Value: sessions.NowTimeFunc()}}},
	})
	if err != nil {
		return 0, fmt.Errorf("[mongostore PurgeExpired] %w", err)
	}
	return int(res.DeletedCount), nil
}

func (s *Store) Kind() string {
	return Kind
}

// Close disconnects the client when the store opened it.
func (s *Store) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

func activeFilter() bson.D {
	return bson.D{{Key: fieldExpiresAt, Value: bson.D{{Key: "$gt", Value: sessions.NowTimeFunc()}}}}
}
