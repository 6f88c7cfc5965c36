package attachment

import (
	"context"
	"testing"
	"time"

	"sealed_chat/internal/cryptographic/envelope"
	"sealed_chat/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

const ns = "sealed_chat.attachments"

func TestGetByID(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("enveloped", func(mt *mtest.T) {
		repo := &AttachmentRepo{collection: mt.Coll}
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch, bson.D{
			{Key: "_id", Value: "a1"},
			{Key: "payload", Value: []byte("EBP1....")},
			{Key: "meta", Value: bson.D{
				{Key: "alg", Value: envelope.Algorithm},
				{Key: "v", Value: envelope.FormatVersion},
			}},
			{Key: "size", Value: 8},
		}))

		obj, err := repo.GetByID(context.Background(), "a1")
		require.NoError(mt, err)
		require.NotNil(mt, obj)
		assert.Equal(mt, "a1", obj.ID)
		assert.Equal(mt, 8, obj.Size)
		require.NotNil(mt, obj.Meta)
		assert.Equal(mt, envelope.Algorithm, obj.Meta.Alg)
	})

	mt.Run("missing", func(mt *mtest.T) {
		repo := &AttachmentRepo{collection: mt.Coll}
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns, mtest.FirstBatch))

		obj, err := repo.GetByID(context.Background(), "a1")
		require.NoError(mt, err)
		assert.Nil(mt, obj)
	})
}

func TestPut(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("upsert", func(mt *mtest.T) {
		repo := &AttachmentRepo{collection: mt.Coll}
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}))

		err := repo.Put(context.Background(), &model.AttachmentObject{
			ID:        "a1",
			Payload:   []byte{1, 2, 3},
			Size:      3,
			CreatedAt: time.Now(),
		})
		require.NoError(mt, err)
	})

	mt.Run("write error", func(mt *mtest.T) {
		repo := &AttachmentRepo{collection: mt.Coll}
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{
			Index:   0,
			Code:    11000,
			Message: "duplicate key error",
		}))

		err := repo.Put(context.Background(), &model.AttachmentObject{ID: "a1"})
		assert.Error(mt, err)
	})
}
