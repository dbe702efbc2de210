package message

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
)

// Publisher fans store changes out to the realtime layer. Fan-out is best
// effort: the database write is the authority, and a publish failure only
// delays delivery until the next history load.
type Publisher interface {
	PublishMessage(conversationID string, data []byte) error
	PublishRead(conversationID string, data []byte) error
}

// Store manages conversation messages in PostgreSQL.
type Store struct {
	db  *sql.DB
	pub Publisher
}

// NewStore creates a message store backed by the given database handle and
// realtime publisher.
func NewStore(db *sql.DB, pub Publisher) *Store {
	return &Store{db: db, pub: pub}
}

// Insert appends a message to the conversation. The database assigns the id
// and creation timestamp, which define the conversation's total order. On
// success the full message is published as an insert event.
func (s *Store) Insert(ctx context.Context, conversationID, senderID string, typ Type, body string, metadata json.RawMessage) (*Message, error) {
	m := &Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Type:           typ,
		Body:           body,
		Metadata:       metadata,
	}

	const query = `
		INSERT INTO messages (conversation_id, sender_id, type, body, metadata)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	var meta interface{}
	if len(metadata) > 0 {
		meta = []byte(metadata)
	}
	err := s.db.QueryRowContext(ctx, query,
		conversationID, senderID, string(typ), body, meta,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("message: insert: %w", err)
	}

	if data, err := json.Marshal(m); err != nil {
		log.Printf("[message] marshal insert event id=%s: %v", m.ID, err)
	} else if err := s.pub.PublishMessage(conversationID, data); err != nil {
		log.Printf("[message] publish insert event id=%s: %v", m.ID, err)
	}

	return m, nil
}

// History returns all live messages of a conversation in creation order.
func (s *Store) History(ctx context.Context, conversationID string) ([]Message, error) {
	const query = `
		SELECT id, conversation_id, sender_id, type, body, metadata, read, created_at
		FROM messages
		WHERE conversation_id = $1 AND deleted_at IS NULL
		ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("message: history: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var (
			m    Message
			typ  string
			meta []byte
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &typ, &m.Body, &meta, &m.Read, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("message: history scan: %w", err)
		}
		m.Type = Type(typ)
		if len(meta) > 0 {
			m.Metadata = json.RawMessage(meta)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message: history rows: %w", err)
	}
	return msgs, nil
}

// MarkRead flips read=false to true on every message of the conversation
// authored by someone other than readerID. The transition is one-way and the
// WHERE guard makes repeated invocation idempotent. Affected ids are
// published as a read event so the author sees delivery confirmation.
func (s *Store) MarkRead(ctx context.Context, conversationID, readerID string) ([]string, error) {
	const query = `
		UPDATE messages
		SET read = TRUE
		WHERE conversation_id = $1 AND sender_id <> $2 AND read = FALSE AND deleted_at IS NULL
		RETURNING id`

	rows, err := s.db.QueryContext(ctx, query, conversationID, readerID)
	if err != nil {
		return nil, fmt.Errorf("message: mark read: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("message: mark read scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message: mark read rows: %w", err)
	}

	if len(ids) > 0 {
		event := ReadEvent{
			ConversationID: conversationID,
			ReaderID:       readerID,
			MessageIDs:     ids,
		}
		if data, err := json.Marshal(event); err != nil {
			log.Printf("[message] marshal read event conv=%s: %v", conversationID, err)
		} else if err := s.pub.PublishRead(conversationID, data); err != nil {
			log.Printf("[message] publish read event conv=%s: %v", conversationID, err)
		}
	}

	return ids, nil
}

// SoftDelete stamps deleted_at on a message. Only the author can delete, and
// the row itself is retained for audit.
func (s *Store) SoftDelete(ctx context.Context, messageID, senderID string) error {
	const query = `
		UPDATE messages
		SET deleted_at = NOW()
		WHERE id = $1 AND sender_id = $2 AND deleted_at IS NULL`

	res, err := s.db.ExecContext(ctx, query, messageID, senderID)
	if err != nil {
		return fmt.Errorf("message: soft delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("message: soft delete result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("message: soft delete: no such live message %s for sender", messageID)
	}
	return nil
}
