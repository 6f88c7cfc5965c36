package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type (
	// ThreadKeyRecord is written by the device-linking/key-exchange process.
	// This module only ever reads it.
	ThreadKeyRecord struct {
		ID        primitive.ObjectID `bson:"_id,omitempty"`
		ThreadID  string             `bson:"thread_id"`
		Key       []byte             `bson:"key"`
		Version   int                `bson:"version"`
		CreatedAt time.Time          `bson:"created_at"`
	}
)
