package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jobi/chat-service/internal/message"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid join message
// ---------------------------------------------------------------------------

func TestParseClientMessage_Join(t *testing.T) {
	input := []byte(`{"type":"join","conversation_id":"order-42"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeJoin {
		t.Fatalf("expected type %q, got %q", TypeJoin, msgType)
	}

	jm, ok := msg.(JoinMsg)
	if !ok {
		t.Fatalf("expected JoinMsg, got %T", msg)
	}
	if jm.ConversationID != "order-42" {
		t.Errorf("expected conversation_id %q, got %q", "order-42", jm.ConversationID)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a valid message (chat) message
// ---------------------------------------------------------------------------

func TestParseClientMessage_ChatMsg(t *testing.T) {
	input := []byte(`{"type":"message","conversation_id":"order-42","body":"Bonjour !"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeMessage {
		t.Fatalf("expected type %q, got %q", TypeMessage, msgType)
	}

	cm, ok := msg.(ChatMsg)
	if !ok {
		t.Fatalf("expected ChatMsg, got %T", msg)
	}
	if cm.ConversationID != "order-42" {
		t.Errorf("expected conversation_id %q, got %q", "order-42", cm.ConversationID)
	}
	if cm.Body != "Bonjour !" {
		t.Errorf("expected body %q, got %q", "Bonjour !", cm.Body)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a session_ready server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_SessionReady(t *testing.T) {
	payload := SessionReadyMsg{
		ConversationID: "order-42",
		PartnerID:      "provider-7",
		Messages: []message.Message{
			{
				ID:             "m1",
				ConversationID: "order-42",
				SenderID:       "client-3",
				Type:           message.TypeText,
				Body:           "Bonjour",
				CreatedAt:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
			},
		},
		ConnectionState: "connected",
	}

	data, err := NewServerMessage(TypeSessionReady, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Decode back and verify structure.
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeSessionReady {
		t.Errorf("expected type %q, got %v", TypeSessionReady, result["type"])
	}
	if result["conversation_id"] != "order-42" {
		t.Errorf("expected conversation_id %q, got %v", "order-42", result["conversation_id"])
	}
	if result["partner_id"] != "provider-7" {
		t.Errorf("expected partner_id %q, got %v", "provider-7", result["partner_id"])
	}
	if result["connection_state"] != "connected" {
		t.Errorf("expected connection_state %q, got %v", "connected", result["connection_state"])
	}

	msgs, ok := result["messages"].([]interface{})
	if !ok {
		t.Fatalf("expected messages to be an array, got %T", result["messages"])
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	first, ok := msgs[0].(map[string]interface{})
	if !ok {
		t.Fatalf("expected message object, got %T", msgs[0])
	}
	if first["id"] != "m1" {
		t.Errorf("expected message id %q, got %v", "m1", first["id"])
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a message_blocked server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_MessageBlocked(t *testing.T) {
	payload := MessageBlockedMsg{
		Severity:        "high",
		Explanation:     "Le partage de coordonnées n'est pas autorisé.",
		RedactedPreview: "Appelle-moi au [masqué]",
		ClearInput:      true,
	}

	data, err := NewServerMessage(TypeMessageBlocked, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeMessageBlocked {
		t.Errorf("expected type %q, got %v", TypeMessageBlocked, result["type"])
	}
	if result["severity"] != "high" {
		t.Errorf("expected severity %q, got %v", "high", result["severity"])
	}
	if result["redacted_preview"] != "Appelle-moi au [masqué]" {
		t.Errorf("unexpected redacted_preview: %v", result["redacted_preview"])
	}
	if result["clear_input"] != true {
		t.Errorf("expected clear_input true, got %v", result["clear_input"])
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", msgType)
	}
}

// ---------------------------------------------------------------------------
// Test: Server-only types are rejected on the client path
// ---------------------------------------------------------------------------

func TestParseClientMessage_ServerOnlyType(t *testing.T) {
	input := []byte(`{"type":"session_ready","conversation_id":"order-42"}`)

	if _, _, err := ParseClientMessage(input); err == nil {
		t.Fatal("expected an error for server-only message type, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Round-trip fidelity (marshal -> unmarshal)
// ---------------------------------------------------------------------------

func TestRoundTrip_Auth(t *testing.T) {
	original := AuthMsg{
		Type:  TypeAuth,
		Token: "tok-abc123",
	}

	// Marshal to JSON.
	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	// Parse back through the protocol parser.
	msgType, msg, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeAuth {
		t.Fatalf("expected type %q, got %q", TypeAuth, msgType)
	}

	decoded, ok := msg.(AuthMsg)
	if !ok {
		t.Fatalf("expected AuthMsg, got %T", msg)
	}
	if decoded.Token != original.Token {
		t.Errorf("token mismatch: expected %q, got %q", original.Token, decoded.Token)
	}
}

func TestRoundTrip_ReadMsg(t *testing.T) {
	original := ReadMsg{
		Type:           TypeRead,
		ConversationID: "order-42",
		ReaderID:       "provider-7",
		MessageIDs:     []string{"m1", "m2"},
	}

	// Create server message bytes.
	data, err := NewServerMessage(TypeRead, original)
	if err != nil {
		t.Fatalf("failed to create server message: %v", err)
	}

	// Unmarshal back into the struct.
	var decoded ReadMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}

	if decoded.Type != TypeRead {
		t.Errorf("type mismatch: expected %q, got %q", TypeRead, decoded.Type)
	}
	if decoded.ConversationID != original.ConversationID {
		t.Errorf("conversation_id mismatch: expected %q, got %q", original.ConversationID, decoded.ConversationID)
	}
	if decoded.ReaderID != original.ReaderID {
		t.Errorf("reader_id mismatch: expected %q, got %q", original.ReaderID, decoded.ReaderID)
	}
	if len(decoded.MessageIDs) != len(original.MessageIDs) {
		t.Fatalf("message_ids length mismatch: expected %d, got %d", len(original.MessageIDs), len(decoded.MessageIDs))
	}
	for i := range original.MessageIDs {
		if decoded.MessageIDs[i] != original.MessageIDs[i] {
			t.Errorf("message_ids[%d] mismatch: expected %q, got %q", i, original.MessageIDs[i], decoded.MessageIDs[i])
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"auth", `{"type":"auth","token":"tok-1"}`, TypeAuth},
		{"join", `{"type":"join","conversation_id":"id1"}`, TypeJoin},
		{"message", `{"type":"message","conversation_id":"id1","body":"salut"}`, TypeMessage},
		{"typing", `{"type":"typing","conversation_id":"id1","is_typing":true}`, TypeTyping},
		{"mark_read", `{"type":"mark_read","conversation_id":"id1"}`, TypeMarkRead},
		{"delete_message", `{"type":"delete_message","conversation_id":"id1","message_id":"m1"}`, TypeDeleteMessage},
		{"retry", `{"type":"retry","conversation_id":"id1"}`, TypeRetry},
		{"leave", `{"type":"leave","conversation_id":"id1"}`, TypeLeave},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
