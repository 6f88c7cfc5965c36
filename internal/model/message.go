package model

import (
	"errors"
	"fmt"
	"time"
)

type FrameKind string

const (
	FrameText FrameKind = "text"
	FrameAck  FrameKind = "ack"
)

type (
	// OutgoingMessage is what the composer hands over on send.
	OutgoingMessage struct {
		PeerID    string
		Text      string
		ReplyToID string
	}

	// QueuedMessage waits in exactly one thread's outbound queue until it is
	// sent or the thread is torn down.
	QueuedMessage struct {
		PendingID  string
		ThreadID   string
		PeerID     string
		Text       string
		ReplyToID  string
		EnqueuedAt time.Time
	}

	// LocalMessage is the sender's own copy of a message that left the device.
	LocalMessage struct {
		ID        string    `json:"id"`
		ThreadID  string    `json:"thread_id"`
		SenderID  string    `json:"sender_id"`
		Text      string    `json:"text"`
		ReplyToID string    `json:"reply_to_id,omitempty"`
		Nonce     []byte    `json:"nonce"`
		CreatedAt time.Time `json:"created_at"`
	}

	// Frame is the unit carried by the relay. Text frames are sealed with the
	// thread session key; the relay only sees routing fields.
	Frame struct {
		Kind       FrameKind `json:"kind"`
		ID         string    `json:"id"`
		From       string    `json:"from"`
		To         string    `json:"to"`
		ThreadID   string    `json:"thread_id"`
		Ciphertext []byte    `json:"ciphertext,omitempty"`
		Nonce      []byte    `json:"nonce,omitempty"`
		ReplyToID  string    `json:"reply_to_id,omitempty"`
		CreatedAt  time.Time `json:"created_at"`
	}
)

func (q QueuedMessage) Outgoing() OutgoingMessage {
	return OutgoingMessage{PeerID: q.PeerID, Text: q.Text, ReplyToID: q.ReplyToID}
}

var ErrInvalidFrame = errors.New("invalid frame")

// Validate checks the routing fields the relay depends on.
func (f *Frame) Validate() error {
	switch {
	case f.Kind != FrameText && f.Kind != FrameAck:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidFrame, f.Kind)
	case f.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidFrame)
	case f.From == "" || f.To == "":
		return fmt.Errorf("%w: missing sender or recipient", ErrInvalidFrame)
	case f.Kind == FrameText && (len(f.Ciphertext) == 0 || len(f.Nonce) == 0):
		return fmt.Errorf("%w: text frame without ciphertext", ErrInvalidFrame)
	}
	return nil
}
