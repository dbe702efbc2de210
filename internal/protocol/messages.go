// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/jobi/chat-service/internal/message"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeAuth          = "auth"
	TypeJoin          = "join"
	TypeMessage       = "message"
	TypeTyping        = "typing"
	TypeMarkRead      = "mark_read"
	TypeDeleteMessage = "delete_message"
	TypeRetry         = "retry"
	TypeLeave         = "leave"
	TypePing          = "ping"
)

// Server -> Client message types.
const (
	TypeAuthenticated  = "authenticated"
	TypeSessionReady   = "session_ready"
	TypeAccessDenied   = "access_denied"
	TypeLoadError      = "load_error"
	TypeMessageBlocked = "message_blocked"
	TypeMessageFailed  = "message_failed"
	TypeRead           = "read"
	TypeDeleted        = "deleted"
	TypeConnection     = "connection"
	TypeRateLimited    = "rate_limited"
	TypeError          = "error"
	TypePong           = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// AuthMsg is sent by the client as the first frame on a new connection to
// bind its platform identity to the socket.
type AuthMsg struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// JoinMsg is sent by the client to open the conversation attached to an
// order. The server verifies that the authenticated user is a participant
// before loading any history.
type JoinMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// ChatMsg is a text message sent by the client within a conversation.
type ChatMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Body           string `json:"body"`
}

// TypingMsg indicates whether the client is currently typing.
type TypingMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

// MarkReadMsg is sent by the client when the conversation gains focus so the
// partner's unread messages flip to read.
type MarkReadMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// DeleteMessageMsg is sent by the client to soft-delete one of its own
// messages.
type DeleteMessageMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// RetryMsg is sent by the client after a retryable load_error to re-run the
// conversation load sequence on the same session.
type RetryMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// LeaveMsg is sent by the client to close the conversation view without
// dropping the connection.
type LeaveMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// AuthenticatedMsg confirms the connection's identity binding.
type AuthenticatedMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// SessionReadyMsg is sent once the conversation history has loaded and the
// realtime subscriptions are live.
type SessionReadyMsg struct {
	Type            string            `json:"type"`
	ConversationID  string            `json:"conversation_id"`
	PartnerID       string            `json:"partner_id"`
	Messages        []message.Message `json:"messages"`
	ConnectionState string            `json:"connection_state"`
}

// AccessDeniedMsg is sent when the authenticated user is not a participant
// of the requested conversation.
type AccessDeniedMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// LoadErrorMsg is sent when conversation history could not be loaded.
type LoadErrorMsg struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ServerChatMsg relays a stored message to the client, either an echo of its
// own send or a delivery from the partner.
type ServerChatMsg struct {
	Type    string          `json:"type"`
	Message message.Message `json:"message"`
}

// MessageBlockedMsg is sent when a message was rejected by the content
// filter. The redacted preview shows the sender what tripped the check; the
// original text is never delivered.
type MessageBlockedMsg struct {
	Type            string `json:"type"`
	Severity        string `json:"severity"`
	Explanation     string `json:"explanation"`
	RedactedPreview string `json:"redacted_preview"`
	ClearInput      bool   `json:"clear_input"`
}

// MessageFailedMsg is sent on a transient send failure. The body is echoed
// back so the client can restore it into the input for retry.
type MessageFailedMsg struct {
	Type string `json:"type"`
	Body string `json:"body"`
}

// ReadMsg notifies that the partner has read a batch of messages.
type ReadMsg struct {
	Type           string   `json:"type"`
	ConversationID string   `json:"conversation_id"`
	ReaderID       string   `json:"reader_id"`
	MessageIDs     []string `json:"message_ids"`
}

// ServerTypingMsg relays the partner's typing indicator to the client.
type ServerTypingMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
}

// DeletedMsg confirms a soft-delete to both participants.
type DeletedMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// ConnectionMsg reports a change of the realtime link state so the client
// can surface connecting/connected/disconnected.
type ConnectionMsg struct {
	Type  string `json:"type"`
	State string `json:"state"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeAuth:
		var m AuthMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoin:
		var m JoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkRead:
		var m MarkReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDeleteMessage:
		var m DeleteMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRetry:
		var m RetryMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeave:
		var m LeaveMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the Server*Msg structs; this function marshals it to JSON,
// injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
