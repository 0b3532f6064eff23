// Package mongodb implements kv.Store on a MongoDB collection.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"

	"github.com/pilab-dev/shadow-bridge/kv"
)

// KVCollection holds one document per key.
const KVCollection = "bridge_kv"

type document struct {
	Key       string     `bson:"_id"`
	Value     []byte     `bson:"value"`
	ExpiresAt *time.Time `bson:"expires_at,omitempty"`
}

// Store implements kv.Store. The unique _id index makes PutIfAbsent atomic
// across every instance connected to the same database.
type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
	now        func() time.Time
}

// Connect dials uri, pings the primary and prepares the collection indexes.
func Connect(ctx context.Context, uri, dbName string) (*Store, error) {
	clientOptions := options.Client().ApplyURI(uri)
	clientOptions.SetConnectTimeout(10 * time.Second)
	clientOptions.SetMonitor(otelmongo.NewMonitor())

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB primary: %w", err)
	}

	store, err := NewStore(ctx, client.Database(dbName))
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	store.client = client

	return store, nil
}

// NewStore wraps db and ensures the TTL index on expires_at exists.
func NewStore(ctx context.Context, db *mongo.Database) (*Store, error) {
	s := &Store{
		collection: db.Collection(KVCollection),
		now:        time.Now,
	}

	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ttl index for %s: %w", KVCollection, err)
	}
	log.Debug().Str("collection", KVCollection).Msg("mongodb kv indexes ensured")

	return s, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var doc document
	err := s.collection.FindOne(ctx, s.liveFilter(key)).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, kv.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb get %q: %w", key, err)
	}

	return doc.Value, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.collection.ReplaceOne(ctx,
		bson.M{"_id": key},
		s.newDocument(key, value, ttl),
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongodb put %q: %w", key, err)
	}

	return nil
}

// PutIfAbsent inserts the document and treats a duplicate key as "already
// present". The TTL monitor only runs once a minute, so an expired document
// that is still on disk is removed first.
func (s *Store) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	_, err := s.collection.DeleteOne(ctx, bson.M{
		"_id":        key,
		"expires_at": bson.M{"$lte": s.now()},
	})
	if err != nil {
		return false, fmt.Errorf("mongodb purge expired %q: %w", key, err)
	}

	_, err = s.collection.InsertOne(ctx, s.newDocument(key, value, ttl))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("mongodb insert %q: %w", key, err)
	}

	return true, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.collection.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return fmt.Errorf("mongodb delete %q: %w", key, err)
	}

	return nil
}

// Close disconnects the client when the Store owns it.
func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.client.Disconnect(ctx)
}

func (s *Store) newDocument(key string, value []byte, ttl time.Duration) document {
	doc := document{Key: key, Value: value}
	if ttl > 0 {
		expiresAt := s.now().Add(ttl).UTC()
		doc.ExpiresAt = &expiresAt
	}

	return doc
}

func (s *Store) liveFilter(key string) bson.M {
	return bson.M{
		"_id": key,
		"$or": bson.A{
			bson.M{"expires_at": bson.M{"$exists": false}},
			bson.M{"expires_at": bson.M{"$gt": s.now()}},
		},
	}
}

var _ kv.Store = (*Store)(nil)
