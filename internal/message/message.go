// Package message defines the conversation message model, its PostgreSQL
// store, and the ordered in-memory view each session keeps of one
// conversation. The store is the single source of truth: it assigns ids and
// timestamps, and fans every insert and read-state change out through the
// realtime broker.
package message

import (
	"encoding/json"
	"time"
)

// Type discriminates message payloads.
type Type string

const (
	TypeText     Type = "text"
	TypeImage    Type = "image"
	TypeLocation Type = "location"
	TypeSystem   Type = "system"
)

// Message is one entry in a conversation. Immutable once created except for
// the read flag and the soft-delete timestamp.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	SenderID       string          `json:"sender_id"`
	Type           Type            `json:"type"`
	Body           string          `json:"body"`
	Metadata       json.RawMessage `json:"metadata,omitempty"` // coordinates etc. for non-text types
	Read           bool            `json:"read"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ReadEvent is the payload carried on chat.read.<conversation_id> when a
// participant acknowledges the other's messages.
type ReadEvent struct {
	ConversationID string   `json:"conversation_id"`
	ReaderID       string   `json:"reader_id"`
	MessageIDs     []string `json:"message_ids"`
}
