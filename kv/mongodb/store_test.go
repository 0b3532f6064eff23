package mongodb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/pilab-dev/shadow-bridge/kv"
)

func TestNewDocument(t *testing.T) {
	now := time.Date(2025, 1, 3, 3, 8, 6, 0, time.UTC)
	s := &Store{now: func() time.Time { return now }}

	doc := s.newDocument("keys", []byte("v"), 0)
	assert.Equal(t, "keys", doc.Key)
	assert.Nil(t, doc.ExpiresAt)

	doc = s.newDocument("debug:1", []byte("v"), 24*time.Hour)
	if assert.NotNil(t, doc.ExpiresAt) {
		assert.Equal(t, now.Add(24*time.Hour), *doc.ExpiresAt)
	}

	raw, err := bson.Marshal(s.newDocument("keys", []byte("v"), 0))
	assert.NoError(t, err)
	var m bson.M
	assert.NoError(t, bson.Unmarshal(raw, &m))
	assert.NotContains(t, m, "expires_at")
}

func TestLiveFilter(t *testing.T) {
	now := time.Date(2025, 1, 3, 3, 8, 6, 0, time.UTC)
	s := &Store{now: func() time.Time { return now }}

	f := s.liveFilter("keys")
	assert.Equal(t, "keys", f["_id"])
	or, ok := f["$or"].(bson.A)
	if assert.True(t, ok) {
		assert.Len(t, or, 2)
		assert.Equal(t, bson.M{"expires_at": bson.M{"$gt": now}}, or[1])
	}
}

func newMockStore(mt *mtest.T) *Store {
	now := time.Date(2025, 1, 3, 3, 8, 6, 0, time.UTC)
	return &Store{collection: mt.Coll, now: func() time.Time { return now }}
}

func startedCommands(mt *mtest.T) []string {
	var names []string
	for _, evt := range mt.GetAllStartedEvents() {
		names = append(names, evt.CommandName)
	}

	return names
}

func TestStore_MockDeployment(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	ctx := context.Background()

	mt.Run("new store ensures ttl index", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse())

		_, err := NewStore(ctx, mt.DB)
		require.NoError(mt, err)
		assert.Equal(mt, []string{"createIndexes"}, startedCommands(mt))
	})

	mt.Run("get returns stored value", func(mt *mtest.T) {
		ns := mt.Coll.Database().Name() + "." + mt.Coll.Name()
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, bson.D{
			{Key: "_id", Value: "keys"},
			{Key: "value", Value: []byte("record")},
		}))

		value, err := newMockStore(mt).Get(ctx, "keys")
		require.NoError(mt, err)
		assert.Equal(mt, []byte("record"), value)
	})

	mt.Run("get maps no documents to not found", func(mt *mtest.T) {
		ns := mt.Coll.Database().Name() + "." + mt.Coll.Name()
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch))

		_, err := newMockStore(mt).Get(ctx, "keys")
		assert.ErrorIs(mt, err, kv.ErrNotFound)
	})

	mt.Run("get wraps server errors", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code:    13,
			Message: "not authorized",
			Name:    "Unauthorized",
		}))

		_, err := newMockStore(mt).Get(ctx, "keys")
		require.Error(mt, err)
		assert.NotErrorIs(mt, err, kv.ErrNotFound)
	})

	mt.Run("put upserts", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}))

		require.NoError(mt, newMockStore(mt).Put(ctx, "keys", []byte("record"), 0))
		assert.Equal(mt, []string{"update"}, startedCommands(mt))
	})

	mt.Run("put if absent purges expired then inserts", func(mt *mtest.T) {
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}),
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}),
		)

		stored, err := newMockStore(mt).PutIfAbsent(ctx, "keys", []byte("record"), 0)
		require.NoError(mt, err)
		assert.True(mt, stored)
		assert.Equal(mt, []string{"delete", "insert"}, startedCommands(mt))
	})

	mt.Run("put if absent treats duplicate key as present", func(mt *mtest.T) {
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}),
			mtest.CreateWriteErrorsResponse(mtest.WriteError{
				Index:   0,
				Code:    11000,
				Message: "E11000 duplicate key error",
			}),
		)

		stored, err := newMockStore(mt).PutIfAbsent(ctx, "keys", []byte("record"), 0)
		require.NoError(mt, err)
		assert.False(mt, stored)
	})

	mt.Run("put if absent stops when purge fails", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code:    13,
			Message: "not authorized",
			Name:    "Unauthorized",
		}))

		stored, err := newMockStore(mt).PutIfAbsent(ctx, "keys", []byte("record"), 0)
		require.Error(mt, err)
		assert.False(mt, stored)
		assert.Equal(mt, []string{"delete"}, startedCommands(mt))
	})

	mt.Run("put if absent surfaces other write errors", func(mt *mtest.T) {
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}),
			mtest.CreateWriteErrorsResponse(mtest.WriteError{
				Index:   0,
				Code:    121,
				Message: "Document failed validation",
			}),
		)

		stored, err := newMockStore(mt).PutIfAbsent(ctx, "keys", []byte("record"), 0)
		require.Error(mt, err)
		assert.False(mt, stored)
	})

	mt.Run("delete", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}))

		require.NoError(mt, newMockStore(mt).Delete(ctx, "keys"))
		assert.Equal(mt, []string{"delete"}, startedCommands(mt))
	})
}
