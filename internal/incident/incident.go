// Package incident records blocked send attempts for later human review.
// The dispatcher reports incidents fire-and-forget over NATS so the denial
// response is never delayed by storage; the auditor service consumes the
// stream and appends rows to PostgreSQL. Nothing in the chat service ever
// reads an incident back.
package incident

import "time"

// Incident is one blocked send attempt: who tried to send what, in which
// conversation, and why the filter refused it. The original text is kept
// unredacted for the review team.
type Incident struct {
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Violations     []string  `json:"violations"`
	Severity       string    `json:"severity"`   // low | medium | high
	Confidence     int       `json:"confidence"` // 0-100
	OriginalText   string    `json:"original_text"`
	CreatedAt      time.Time `json:"created_at"`
}
