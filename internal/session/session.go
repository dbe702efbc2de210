// Package session manages the per-conversation state machine: participant
// authorization, history loading, realtime subscriptions, typing presence,
// and read receipts. One Session exists per (connection, conversation) pair
// and owns its subscription handles; closing the session releases every
// handle so no callback fires into a dead session.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jobi/chat-service/internal/message"
	"github.com/jobi/chat-service/internal/order"
	"github.com/jobi/chat-service/internal/presence"
	"github.com/jobi/chat-service/internal/protocol"
	"github.com/jobi/chat-service/internal/realtime"
)

// State is the session lifecycle state. Ready is the only state in which
// sending and receiving are active.
type State int

const (
	Uninitialized State = iota
	Loading
	Ready
	AccessDenied
	LoadError
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case AccessDenied:
		return "access_denied"
	case LoadError:
		return "load_error"
	default:
		return "unknown"
	}
}

// Connection states surfaced to the client.
const (
	ConnConnecting   = "connecting"
	ConnConnected    = "connected"
	ConnDisconnected = "disconnected"
)

// ErrNotReady is returned by operations that require the Ready state.
var ErrNotReady = errors.New("session: not ready")

// OrderSource resolves the order backing a conversation.
type OrderSource interface {
	Get(ctx context.Context, id string) (*order.Order, error)
}

// HistorySource loads and updates persisted messages.
type HistorySource interface {
	History(ctx context.Context, conversationID string) ([]message.Message, error)
	MarkRead(ctx context.Context, conversationID, readerID string) ([]string, error)
}

// Broker is the realtime fabric the session subscribes to.
type Broker interface {
	SubscribeMessages(conversationID string, handler func(data []byte)) (realtime.Subscription, error)
	SubscribeReads(conversationID string, handler func(data []byte)) (realtime.Subscription, error)
	SubscribeTyping(conversationID string, handler func(data []byte)) (realtime.Subscription, error)
	PublishTyping(conversationID string, data []byte) error
	Connected() bool
}

// Emitter delivers a server frame to the session's client. Implementations
// must be safe for concurrent use; subscription callbacks fire from broker
// goroutines.
type Emitter func(msgType string, payload interface{})

// pendingEvent is a realtime event that arrived between subscribing and the
// Ready flip. It is replayed through the normal handler once the history
// snapshot has been emitted.
type pendingEvent struct {
	handle func(data []byte)
	data   []byte
}

// Session is the conversation state machine for one authenticated user on
// one connection.
type Session struct {
	UserID         string
	ConversationID string

	orders OrderSource
	store  HistorySource
	broker Broker
	emit   Emitter

	mu        sync.Mutex
	state     State
	connState string
	partnerID string
	view      *message.View
	subs      []realtime.Subscription
	pending   []pendingEvent
	focused   bool
	closed    bool

	local  *presence.Tracker // own typing flag, idle expiry
	remote *presence.Tracker // partner typing flag, auto-clear
}

// New creates a session in the Uninitialized state. Call Start to run the
// authorization and loading sequence.
func New(userID, conversationID string, orders OrderSource, store HistorySource, broker Broker, emit Emitter) *Session {
	s := &Session{
		UserID:         userID,
		ConversationID: conversationID,
		orders:         orders,
		store:          store,
		broker:         broker,
		emit:           emit,
		state:          Uninitialized,
		connState:      ConnConnecting,
		view:           message.NewView(),
	}
	s.local = presence.NewTracker(presence.SenderIdleTTL, func(conversationID, userID string) {
		s.publishTyping(false)
	})
	s.remote = presence.NewTracker(presence.RemoteAutoClear, func(conversationID, userID string) {
		s.emit(protocol.TypeTyping, protocol.ServerTypingMsg{
			ConversationID: conversationID,
			UserID:         userID,
			IsTyping:       false,
		})
	})
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PartnerID returns the other participant's identifier. Empty until Ready.
func (s *Session) PartnerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partnerID
}

// Start runs Uninitialized → Loading → {Ready | AccessDenied | LoadError}.
// A non-participant never reaches the subscription step and the session
// emits access_denied; lookup and history failures emit a retryable
// load_error. Start returns an error only for terminal failures so the
// caller can log them; the client-facing outcome is always emitted.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Uninitialized {
		s.mu.Unlock()
		return fmt.Errorf("session: start from state %s", s.state)
	}
	s.state = Loading
	s.mu.Unlock()

	ord, err := s.orders.Get(ctx, s.ConversationID)
	if err != nil {
		s.fail("Impossible de charger la conversation. Veuillez réessayer.", true)
		return fmt.Errorf("session: resolve order %s: %w", s.ConversationID, err)
	}
	if !ord.IsParticipant(s.UserID) {
		s.mu.Lock()
		s.state = AccessDenied
		s.mu.Unlock()
		s.emit(protocol.TypeAccessDenied, protocol.AccessDeniedMsg{ConversationID: s.ConversationID})
		return nil
	}

	s.mu.Lock()
	s.partnerID = ord.Partner(s.UserID)
	s.mu.Unlock()

	// Subscribe before reading history so nothing fanned out during the
	// load window is lost; events arriving pre-Ready are buffered and
	// replayed after the ready snapshot.
	subs, err := s.subscribe()
	if err != nil {
		s.fail("La connexion temps réel a échoué. Veuillez réessayer.", true)
		return fmt.Errorf("session: subscribe %s: %w", s.ConversationID, err)
	}

	history, err := s.store.History(ctx, s.ConversationID)
	if err != nil {
		for _, sub := range subs {
			sub.Close()
		}
		s.fail("Impossible de charger l'historique des messages. Veuillez réessayer.", true)
		return fmt.Errorf("session: load history %s: %w", s.ConversationID, err)
	}

	s.mu.Lock()
	if s.closed {
		s.pending = nil
		s.mu.Unlock()
		for _, sub := range subs {
			sub.Close()
		}
		return errors.New("session: closed during start")
	}
	for _, m := range history {
		s.view.Insert(m)
	}
	s.subs = subs
	if s.broker.Connected() {
		s.connState = ConnConnected
	} else {
		s.connState = ConnDisconnected
	}
	s.state = Ready
	s.focused = true
	snapshot := s.view.Messages()
	partnerID := s.partnerID
	connState := s.connState
	s.mu.Unlock()

	// Opening the conversation reads everything the partner sent.
	s.markRead()

	s.emit(protocol.TypeSessionReady, protocol.SessionReadyMsg{
		ConversationID:  s.ConversationID,
		PartnerID:       partnerID,
		Messages:        snapshot,
		ConnectionState: connState,
	})

	// Replay events buffered while loading. The view dedups anything the
	// snapshot already carried.
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, ev := range pending {
		ev.handle(ev.data)
	}
	return nil
}

// Retry re-enters Loading after a LoadError. It is a no-op in any other
// state.
func (s *Session) Retry(ctx context.Context) error {
	s.mu.Lock()
	if s.state != LoadError {
		s.mu.Unlock()
		return nil
	}
	s.state = Uninitialized
	s.mu.Unlock()
	return s.Start(ctx)
}

func (s *Session) fail(msg string, retryable bool) {
	s.mu.Lock()
	s.state = LoadError
	s.pending = nil
	s.mu.Unlock()
	s.emit(protocol.TypeLoadError, protocol.LoadErrorMsg{Message: msg, Retryable: retryable})
}

func (s *Session) subscribe() ([]realtime.Subscription, error) {
	var subs []realtime.Subscription
	closeAll := func() {
		for _, sub := range subs {
			sub.Close()
		}
	}

	sub, err := s.broker.SubscribeMessages(s.ConversationID, s.handleMessage)
	if err != nil {
		return nil, err
	}
	subs = append(subs, sub)

	sub, err = s.broker.SubscribeReads(s.ConversationID, s.handleRead)
	if err != nil {
		closeAll()
		return nil, err
	}
	subs = append(subs, sub)

	sub, err = s.broker.SubscribeTyping(s.ConversationID, s.handleTyping)
	if err != nil {
		closeAll()
		return nil, err
	}
	subs = append(subs, sub)

	return subs, nil
}

// handleMessage appends a fanned-out message insert to the local view.
// Duplicate deliveries of the same id are ignored.
func (s *Session) handleMessage(data []byte) {
	var m message.Message
	if err := json.Unmarshal(data, &m); err != nil {
		log.Printf("[session] bad message event conversation=%s: %v", s.ConversationID, err)
		return
	}

	s.mu.Lock()
	if s.closed || (s.state != Ready && s.state != Loading) {
		s.mu.Unlock()
		return
	}
	if s.state == Loading {
		// A send racing the join; replayed once Ready.
		s.pending = append(s.pending, pendingEvent{s.handleMessage, data})
		s.mu.Unlock()
		return
	}
	inserted := s.view.Insert(m)
	fromPartner := m.SenderID == s.partnerID
	focused := s.focused
	s.mu.Unlock()

	if !inserted {
		return
	}
	s.emit(protocol.TypeMessage, protocol.ServerChatMsg{Message: m})

	// A focused conversation reads incoming messages immediately.
	if fromPartner && focused {
		go s.markRead()
	}
}

// handleRead applies a fanned-out read-state update. Reads flow one way:
// the flag never reverts.
func (s *Session) handleRead(data []byte) {
	var ev message.ReadEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("[session] bad read event conversation=%s: %v", s.ConversationID, err)
		return
	}

	s.mu.Lock()
	if s.closed || (s.state != Ready && s.state != Loading) {
		s.mu.Unlock()
		return
	}
	if s.state == Loading {
		s.pending = append(s.pending, pendingEvent{s.handleRead, data})
		s.mu.Unlock()
		return
	}
	s.view.MarkRead(ev.MessageIDs)
	own := ev.ReaderID == s.UserID
	s.mu.Unlock()

	// Only the partner's reads are receipts worth showing.
	if own {
		return
	}
	s.emit(protocol.TypeRead, protocol.ReadMsg{
		ConversationID: ev.ConversationID,
		ReaderID:       ev.ReaderID,
		MessageIDs:     ev.MessageIDs,
	})
}

// handleTyping relays the partner's typing presence. The remote tracker
// auto-clears the indicator if the explicit stop broadcast is lost.
func (s *Session) handleTyping(data []byte) {
	var ev realtime.TypingEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}
	if ev.UserID == s.UserID {
		return
	}

	s.mu.Lock()
	if s.closed || s.state != Ready {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if ev.IsTyping {
		if s.remote.Touch(ev.ConversationID, ev.UserID) {
			s.emit(protocol.TypeTyping, protocol.ServerTypingMsg{
				ConversationID: ev.ConversationID,
				UserID:         ev.UserID,
				IsTyping:       true,
			})
		}
		return
	}
	if s.remote.Clear(ev.ConversationID, ev.UserID) {
		s.emit(protocol.TypeTyping, protocol.ServerTypingMsg{
			ConversationID: ev.ConversationID,
			UserID:         ev.UserID,
			IsTyping:       false,
		})
	}
}

// StartTyping records a keystroke from the local user. The first keystroke
// of a burst broadcasts typing=true; continued keystrokes only push the idle
// expiry forward.
func (s *Session) StartTyping() {
	s.mu.Lock()
	if s.closed || s.state != Ready {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if s.local.Touch(s.ConversationID, s.UserID) {
		s.publishTyping(true)
	}
}

// StopTyping clears the local typing flag and broadcasts the stop if the
// flag was set. Called on explicit stop events and after a successful send.
func (s *Session) StopTyping() {
	if s.local.Clear(s.ConversationID, s.UserID) {
		s.publishTyping(false)
	}
}

func (s *Session) publishTyping(isTyping bool) {
	data, err := json.Marshal(realtime.TypingEvent{
		ConversationID: s.ConversationID,
		UserID:         s.UserID,
		IsTyping:       isTyping,
	})
	if err != nil {
		return
	}
	// Best effort. Typing presence is ephemeral.
	if err := s.broker.PublishTyping(s.ConversationID, data); err != nil {
		log.Printf("[session] publish typing conversation=%s: %v", s.ConversationID, err)
	}
}

// Focus marks the conversation as foregrounded and reads any pending
// partner messages.
func (s *Session) Focus() {
	s.mu.Lock()
	if s.closed || s.state != Ready {
		s.mu.Unlock()
		return
	}
	s.focused = true
	s.mu.Unlock()
	s.markRead()
}

// Blur marks the conversation as backgrounded; incoming messages stay
// unread until the next Focus.
func (s *Session) Blur() {
	s.mu.Lock()
	s.focused = false
	s.mu.Unlock()
}

// markRead flips the partner's unread messages to read. The store publishes
// the resulting read event; failures are logged and dropped since the next
// focus retries naturally.
func (s *Session) markRead() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ids, err := s.store.MarkRead(ctx, s.ConversationID, s.UserID)
	if err != nil {
		log.Printf("[session] mark read conversation=%s user=%s: %v", s.ConversationID, s.UserID, err)
		return
	}
	if len(ids) == 0 {
		return
	}
	s.mu.Lock()
	s.view.MarkRead(ids)
	s.mu.Unlock()
}

// SetConnectionState records a broker link transition and surfaces it to
// the client. The session does not retry subscriptions in a loop; NATS
// reconnects the underlying link and subscriptions survive it.
func (s *Session) SetConnectionState(connected bool) {
	state := ConnDisconnected
	if connected {
		state = ConnConnected
	}

	s.mu.Lock()
	if s.closed || s.connState == state {
		s.mu.Unlock()
		return
	}
	s.connState = state
	s.mu.Unlock()

	s.emit(protocol.TypeConnection, protocol.ConnectionMsg{State: state})
}

// ConnectionState returns the current broker link state as seen by this
// session.
func (s *Session) ConnectionState() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connState
}

// Messages returns a snapshot of the local ordered view.
func (s *Session) Messages() []message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view.Messages()
}

// Close releases every subscription handle and cancels presence timers.
// Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			log.Printf("[session] close subscription conversation=%s: %v", s.ConversationID, err)
		}
	}
	s.local.Stop()
	s.remote.Stop()
}
