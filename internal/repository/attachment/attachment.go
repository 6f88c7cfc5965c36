package attachment

import (
	"context"

	"sealed_chat/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	AttachmentRepo struct {
		collection *mongo.Collection
	}
)

func NewAttachmentRepo(db *mongo.Database) *AttachmentRepo {
	return &AttachmentRepo{
		collection: db.Collection("attachments"),
	}
}

func (r *AttachmentRepo) GetByID(ctx context.Context, id string) (*model.AttachmentObject, error) {
	filter := bson.M{
		"_id": id,
	}

	var obj model.AttachmentObject
	err := r.collection.FindOne(ctx, filter).Decode(&obj)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &obj, nil
}

// Put creates or replaces the object with obj.ID.
func (r *AttachmentRepo) Put(ctx context.Context, obj *model.AttachmentObject) error {
	filter := bson.M{
		"_id": obj.ID,
	}
	_, err := r.collection.ReplaceOne(ctx, filter, obj, options.Replace().SetUpsert(true))
	return err
}
