package incident

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// validSeverities matches the CHECK constraint on the security_incidents
// table.
var validSeverities = map[string]bool{
	"low":    true,
	"medium": true,
	"high":   true,
}

// Store appends incidents to PostgreSQL. Used by the auditor service only.
type Store struct {
	db *sql.DB
}

// NewStore creates an incident store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert appends one incident row. Violations are marshalled to JSONB and
// the severity is validated against the allowed set before insertion.
func (s *Store) Insert(ctx context.Context, inc *Incident) error {
	if !validSeverities[inc.Severity] {
		return fmt.Errorf("incident: invalid severity %q", inc.Severity)
	}
	if inc.Confidence < 0 || inc.Confidence > 100 {
		return fmt.Errorf("incident: confidence %d out of range", inc.Confidence)
	}

	violationsJSON, err := json.Marshal(inc.Violations)
	if err != nil {
		return fmt.Errorf("incident: marshal violations: %w", err)
	}

	const query = `
		INSERT INTO security_incidents (conversation_id, sender_id, violations, severity, confidence, original_text, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = s.db.ExecContext(ctx, query,
		inc.ConversationID,
		inc.SenderID,
		violationsJSON,
		inc.Severity,
		inc.Confidence,
		inc.OriginalText,
		inc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("incident: insert: %w", err)
	}
	return nil
}
