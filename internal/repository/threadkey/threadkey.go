package threadkey

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sealed_chat/internal/keystore"
	"sealed_chat/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ErrMalformedKey means a key record exists but cannot be used.
var ErrMalformedKey = errors.New("malformed thread key")

type (
	ThreadKeyRepo struct {
		collection *mongo.Collection
	}
)

func NewThreadKeyRepo(db *mongo.Database) *ThreadKeyRepo {
	return &ThreadKeyRepo{
		collection: db.Collection("thread_keys"),
	}
}

func (r *ThreadKeyRepo) GetByThread(ctx context.Context, threadID string) (*model.ThreadKeyRecord, error) {
	filter := bson.M{
		"thread_id": threadID,
	}

	var rec model.ThreadKeyRecord
	err := r.collection.FindOne(ctx, filter).Decode(&rec)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &rec, nil
}

// CreateIfAbsent stores key for threadID unless a key already exists. It
// reports whether this call created the record.
func (r *ThreadKeyRepo) CreateIfAbsent(ctx context.Context, threadID string, key *keystore.Key) (bool, error) {
	filter := bson.M{
		"thread_id": threadID,
	}
	update := bson.M{
		"$setOnInsert": bson.M{
			"thread_id":  threadID,
			"key":        key[:],
			"version":    1,
			"created_at": time.Now().UTC(),
		},
	}

	res, err := r.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return false, err
	}
	return res.UpsertedCount == 1, nil
}

// Refresh loads the key for threadID into store. It reports whether the
// store changed, which bumps the store version.
func (r *ThreadKeyRepo) Refresh(ctx context.Context, store *keystore.Memory, threadID string) (bool, error) {
	rec, err := r.GetByThread(ctx, threadID)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}
	if len(rec.Key) != keystore.KeySize {
		return false, fmt.Errorf("%w %s: want %d bytes, got %d", ErrMalformedKey, threadID, keystore.KeySize, len(rec.Key))
	}

	var key keystore.Key
	copy(key[:], rec.Key)
	return store.Put(threadID, &key), nil
}
