package model

import (
	"time"

	"sealed_chat/internal/cryptographic/envelope"
)

type (
	// AttachmentObject is an uploaded attachment as the relay stores it.
	// Payload is the client's secretbox ciphertext, wrapped in the at-rest
	// envelope when Meta is set.
	AttachmentObject struct {
		ID        string         `bson:"_id"`
		Payload   []byte         `bson:"payload"`
		Meta      *envelope.Meta `bson:"meta,omitempty"`
		Size      int            `bson:"size"`
		CreatedAt time.Time      `bson:"created_at"`
	}
)
