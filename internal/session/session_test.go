package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jobi/chat-service/internal/message"
	"github.com/jobi/chat-service/internal/order"
	"github.com/jobi/chat-service/internal/protocol"
	"github.com/jobi/chat-service/internal/realtime"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeOrders struct {
	mu     sync.Mutex
	orders map[string]*order.Order
	err    error
}

func (f *fakeOrders) Get(_ context.Context, id string) (*order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	o, ok := f.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return o, nil
}

type fakeHistory struct {
	mu            sync.Mutex
	history       []message.Message
	historyErr    error
	markReadIDs   []string
	markReadCalls int
}

func (f *fakeHistory) History(context.Context, string) ([]message.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return f.history, nil
}

func (f *fakeHistory) MarkRead(context.Context, string, string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReadCalls++
	return f.markReadIDs, nil
}

func (f *fakeHistory) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.markReadCalls
}

type fakeSub struct {
	mu     sync.Mutex
	closed bool
}

func (s *fakeSub) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeBroker struct {
	mu            sync.Mutex
	msgHandler    func([]byte)
	readHandler   func([]byte)
	typingHandler func([]byte)
	subs          []*fakeSub
	typingOut     []realtime.TypingEvent
	subscribeErr  error
}

func (b *fakeBroker) track(h func([]byte), slot *func([]byte)) (realtime.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribeErr != nil {
		return nil, b.subscribeErr
	}
	*slot = h
	sub := &fakeSub{}
	b.subs = append(b.subs, sub)
	return sub, nil
}

func (b *fakeBroker) SubscribeMessages(_ string, h func([]byte)) (realtime.Subscription, error) {
	return b.track(h, &b.msgHandler)
}

func (b *fakeBroker) SubscribeReads(_ string, h func([]byte)) (realtime.Subscription, error) {
	return b.track(h, &b.readHandler)
}

func (b *fakeBroker) SubscribeTyping(_ string, h func([]byte)) (realtime.Subscription, error) {
	return b.track(h, &b.typingHandler)
}

func (b *fakeBroker) PublishTyping(_ string, data []byte) error {
	var ev realtime.TypingEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	b.mu.Lock()
	b.typingOut = append(b.typingOut, ev)
	b.mu.Unlock()
	return nil
}

func (b *fakeBroker) Connected() bool { return true }

func (b *fakeBroker) subCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *fakeBroker) deliverMessage(t *testing.T, m message.Message) {
	t.Helper()
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal message: %v", err)
	}
	b.mu.Lock()
	h := b.msgHandler
	b.mu.Unlock()
	if h == nil {
		t.Fatal("no message handler subscribed")
	}
	h(data)
}

func (b *fakeBroker) deliverRead(t *testing.T, ev message.ReadEvent) {
	t.Helper()
	data, _ := json.Marshal(ev)
	b.mu.Lock()
	h := b.readHandler
	b.mu.Unlock()
	if h == nil {
		t.Fatal("no read handler subscribed")
	}
	h(data)
}

func (b *fakeBroker) deliverTyping(t *testing.T, ev realtime.TypingEvent) {
	t.Helper()
	data, _ := json.Marshal(ev)
	b.mu.Lock()
	h := b.typingHandler
	b.mu.Unlock()
	if h == nil {
		t.Fatal("no typing handler subscribed")
	}
	h(data)
}

type emitted struct {
	typ     string
	payload interface{}
}

type emitRecorder struct {
	mu     sync.Mutex
	events []emitted
}

func (r *emitRecorder) emit(typ string, payload interface{}) {
	r.mu.Lock()
	r.events = append(r.events, emitted{typ, payload})
	r.mu.Unlock()
}

func (r *emitRecorder) count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.typ == typ {
			n++
		}
	}
	return n
}

func (r *emitRecorder) last(typ string) (interface{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].typ == typ {
			return r.events[i].payload, true
		}
	}
	return nil, false
}

func testOrder() *order.Order {
	return &order.Order{ID: "order-1", ClientID: "client-a", ProviderID: "provider-b", Status: "in_progress"}
}

func newReadySession(t *testing.T) (*Session, *fakeBroker, *fakeHistory, *emitRecorder) {
	t.Helper()
	orders := &fakeOrders{orders: map[string]*order.Order{"order-1": testOrder()}}
	store := &fakeHistory{}
	broker := &fakeBroker{}
	rec := &emitRecorder{}

	s := New("client-a", "order-1", orders, store, broker, rec.emit)
	t.Cleanup(s.Close)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if s.State() != Ready {
		t.Fatalf("expected Ready, got %s", s.State())
	}
	return s, broker, store, rec
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestStart_Ready(t *testing.T) {
	orders := &fakeOrders{orders: map[string]*order.Order{"order-1": testOrder()}}
	store := &fakeHistory{history: []message.Message{
		{ID: "m1", ConversationID: "order-1", SenderID: "provider-b", Body: "Bonjour", CreatedAt: time.Unix(100, 0)},
		{ID: "m2", ConversationID: "order-1", SenderID: "client-a", Body: "Salut", CreatedAt: time.Unix(200, 0)},
	}}
	broker := &fakeBroker{}
	rec := &emitRecorder{}

	s := New("client-a", "order-1", orders, store, broker, rec.emit)
	defer s.Close()

	if s.State() != Uninitialized {
		t.Fatalf("expected Uninitialized before Start, got %s", s.State())
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if s.State() != Ready {
		t.Fatalf("expected Ready, got %s", s.State())
	}
	if s.PartnerID() != "provider-b" {
		t.Errorf("expected partner provider-b, got %q", s.PartnerID())
	}
	if broker.subCount() != 3 {
		t.Errorf("expected 3 subscriptions, got %d", broker.subCount())
	}
	if store.calls() == 0 {
		t.Error("opening the conversation should mark partner messages read")
	}

	payload, ok := rec.last(protocol.TypeSessionReady)
	if !ok {
		t.Fatal("expected a session_ready frame")
	}
	ready := payload.(protocol.SessionReadyMsg)
	if len(ready.Messages) != 2 {
		t.Errorf("expected 2 history messages, got %d", len(ready.Messages))
	}
	if ready.Messages[0].ID != "m1" || ready.Messages[1].ID != "m2" {
		t.Errorf("history out of order: %v, %v", ready.Messages[0].ID, ready.Messages[1].ID)
	}
	if ready.ConnectionState != ConnConnected {
		t.Errorf("expected connected, got %q", ready.ConnectionState)
	}
}

func TestStart_AccessDenied(t *testing.T) {
	orders := &fakeOrders{orders: map[string]*order.Order{"order-1": testOrder()}}
	broker := &fakeBroker{}
	rec := &emitRecorder{}

	s := New("intruder", "order-1", orders, &fakeHistory{}, broker, rec.emit)
	defer s.Close()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if s.State() != AccessDenied {
		t.Fatalf("expected AccessDenied, got %s", s.State())
	}
	if broker.subCount() != 0 {
		t.Errorf("a denied session must never subscribe, got %d subscriptions", broker.subCount())
	}
	if rec.count(protocol.TypeAccessDenied) != 1 {
		t.Error("expected an access_denied frame")
	}
	if rec.count(protocol.TypeSessionReady) != 0 {
		t.Error("a denied session must not emit session_ready")
	}
}

func TestStart_LookupErrorThenRetry(t *testing.T) {
	orders := &fakeOrders{err: errors.New("pq: connection refused")}
	broker := &fakeBroker{}
	rec := &emitRecorder{}

	s := New("client-a", "order-1", orders, &fakeHistory{}, broker, rec.emit)
	defer s.Close()

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected an error from Start")
	}
	if s.State() != LoadError {
		t.Fatalf("expected LoadError, got %s", s.State())
	}
	payload, ok := rec.last(protocol.TypeLoadError)
	if !ok {
		t.Fatal("expected a load_error frame")
	}
	if le := payload.(protocol.LoadErrorMsg); !le.Retryable {
		t.Error("lookup failures should be retryable")
	}

	// The backend recovers; a retry re-enters Loading and reaches Ready.
	orders.mu.Lock()
	orders.err = nil
	orders.orders = map[string]*order.Order{"order-1": testOrder()}
	orders.mu.Unlock()

	if err := s.Retry(context.Background()); err != nil {
		t.Fatalf("Retry() error: %v", err)
	}
	if s.State() != Ready {
		t.Fatalf("expected Ready after retry, got %s", s.State())
	}
}

func TestStart_HistoryError(t *testing.T) {
	orders := &fakeOrders{orders: map[string]*order.Order{"order-1": testOrder()}}
	store := &fakeHistory{historyErr: errors.New("pq: timeout")}
	broker := &fakeBroker{}
	rec := &emitRecorder{}

	s := New("client-a", "order-1", orders, store, broker, rec.emit)
	defer s.Close()

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected an error from Start")
	}
	if s.State() != LoadError {
		t.Fatalf("expected LoadError, got %s", s.State())
	}
	for i, sub := range broker.subs {
		if !sub.isClosed() {
			t.Errorf("subscription %d leaked after history failure", i)
		}
	}
}

// loadHookHistory delivers realtime events in the middle of the history
// read, the window in which a partner's send can race the join.
type loadHookHistory struct {
	fakeHistory
	onHistory func()
}

func (f *loadHookHistory) History(ctx context.Context, conversationID string) ([]message.Message, error) {
	if f.onHistory != nil {
		f.onHistory()
	}
	return f.fakeHistory.History(ctx, conversationID)
}

func TestStart_MessageDuringHistoryLoadNotLost(t *testing.T) {
	orders := &fakeOrders{orders: map[string]*order.Order{"order-1": testOrder()}}
	broker := &fakeBroker{}
	rec := &emitRecorder{}

	live := message.Message{ID: "m-live", ConversationID: "order-1", SenderID: "provider-b", Body: "pendant le chargement", CreatedAt: time.Unix(300, 0)}
	store := &loadHookHistory{
		fakeHistory: fakeHistory{history: []message.Message{
			{ID: "m1", ConversationID: "order-1", SenderID: "provider-b", Body: "Bonjour", CreatedAt: time.Unix(100, 0)},
		}},
	}
	store.onHistory = func() { broker.deliverMessage(t, live) }

	s := New("client-a", "order-1", orders, store, broker, rec.emit)
	defer s.Close()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if s.State() != Ready {
		t.Fatalf("expected Ready, got %s", s.State())
	}

	if s.view.Len() != 2 {
		t.Fatalf("expected the in-flight message in the view, got %d messages", s.view.Len())
	}
	if got := rec.count(protocol.TypeMessage); got != 1 {
		t.Fatalf("expected the in-flight message replayed as 1 frame, got %d", got)
	}
	payload, _ := rec.last(protocol.TypeMessage)
	if chat := payload.(protocol.ServerChatMsg); chat.Message.ID != "m-live" {
		t.Errorf("replayed frame carries %q, want m-live", chat.Message.ID)
	}

	// A duplicate fan-out delivery after Ready changes nothing.
	broker.deliverMessage(t, live)
	if got := rec.count(protocol.TypeMessage); got != 1 {
		t.Errorf("expected no duplicate message frame, got %d", got)
	}
}

func TestStart_ReadDuringHistoryLoadApplied(t *testing.T) {
	orders := &fakeOrders{orders: map[string]*order.Order{"order-1": testOrder()}}
	broker := &fakeBroker{}
	rec := &emitRecorder{}

	store := &loadHookHistory{
		fakeHistory: fakeHistory{history: []message.Message{
			{ID: "m1", ConversationID: "order-1", SenderID: "client-a", Body: "Salut", CreatedAt: time.Unix(100, 0)},
		}},
	}
	store.onHistory = func() {
		broker.deliverRead(t, message.ReadEvent{ConversationID: "order-1", ReaderID: "provider-b", MessageIDs: []string{"m1"}})
	}

	s := New("client-a", "order-1", orders, store, broker, rec.emit)
	defer s.Close()

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	msgs := s.Messages()
	if len(msgs) != 1 || !msgs[0].Read {
		t.Error("view should carry the read flag delivered during the load")
	}
	if got := rec.count(protocol.TypeRead); got != 1 {
		t.Errorf("expected the buffered receipt replayed as 1 frame, got %d", got)
	}
}

func TestStart_SubscribeError(t *testing.T) {
	orders := &fakeOrders{orders: map[string]*order.Order{"order-1": testOrder()}}
	broker := &fakeBroker{subscribeErr: errors.New("nats: connection closed")}
	rec := &emitRecorder{}

	s := New("client-a", "order-1", orders, &fakeHistory{}, broker, rec.emit)
	defer s.Close()

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected an error from Start")
	}
	if s.State() != LoadError {
		t.Fatalf("expected LoadError, got %s", s.State())
	}
}

func TestClose_ReleasesSubscriptions(t *testing.T) {
	s, broker, _, _ := newReadySession(t)

	s.Close()
	for i, sub := range broker.subs {
		if !sub.isClosed() {
			t.Errorf("subscription %d not closed", i)
		}
	}

	// Close is idempotent.
	s.Close()
}

// ---------------------------------------------------------------------------
// Message delivery
// ---------------------------------------------------------------------------

func TestHandleMessage_DeliveredOnce(t *testing.T) {
	s, broker, _, rec := newReadySession(t)

	m := message.Message{ID: "m1", ConversationID: "order-1", SenderID: "provider-b", Body: "Bonjour", CreatedAt: time.Unix(100, 0)}
	broker.deliverMessage(t, m)
	broker.deliverMessage(t, m) // duplicate fan-out delivery

	if got := rec.count(protocol.TypeMessage); got != 1 {
		t.Errorf("expected 1 message frame, got %d", got)
	}
	if s.view.Len() != 1 {
		t.Errorf("expected 1 message in view, got %d", s.view.Len())
	}
}

func TestHandleMessage_FocusedReadsImmediately(t *testing.T) {
	_, broker, store, _ := newReadySession(t)
	before := store.calls()

	broker.deliverMessage(t, message.Message{ID: "m1", ConversationID: "order-1", SenderID: "provider-b", Body: "Bonjour", CreatedAt: time.Unix(100, 0)})

	deadline := time.Now().Add(time.Second)
	for store.calls() <= before {
		if time.Now().After(deadline) {
			t.Fatal("focused session never marked the incoming message read")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandleMessage_BlurredDoesNotRead(t *testing.T) {
	s, broker, store, _ := newReadySession(t)
	s.Blur()
	before := store.calls()

	broker.deliverMessage(t, message.Message{ID: "m1", ConversationID: "order-1", SenderID: "provider-b", Body: "Bonjour", CreatedAt: time.Unix(100, 0)})

	time.Sleep(50 * time.Millisecond)
	if store.calls() != before {
		t.Error("blurred session must not mark messages read")
	}

	// Refocusing reads the backlog.
	s.Focus()
	if store.calls() != before+1 {
		t.Errorf("expected one mark-read call after focus, got %d", store.calls()-before)
	}
}

func TestHandleMessage_IgnoredAfterClose(t *testing.T) {
	s, broker, _, rec := newReadySession(t)
	s.Close()

	broker.deliverMessage(t, message.Message{ID: "m1", ConversationID: "order-1", SenderID: "provider-b", Body: "tard", CreatedAt: time.Unix(100, 0)})

	if got := rec.count(protocol.TypeMessage); got != 0 {
		t.Errorf("closed session must drop events, got %d frames", got)
	}
}

// ---------------------------------------------------------------------------
// Read receipts
// ---------------------------------------------------------------------------

func TestHandleRead_PartnerReceipt(t *testing.T) {
	s, broker, _, rec := newReadySession(t)

	broker.deliverMessage(t, message.Message{ID: "m1", ConversationID: "order-1", SenderID: "client-a", Body: "Salut", CreatedAt: time.Unix(100, 0)})
	broker.deliverRead(t, message.ReadEvent{ConversationID: "order-1", ReaderID: "provider-b", MessageIDs: []string{"m1"}})

	payload, ok := rec.last(protocol.TypeRead)
	if !ok {
		t.Fatal("expected a read frame")
	}
	read := payload.(protocol.ReadMsg)
	if read.ReaderID != "provider-b" {
		t.Errorf("expected reader provider-b, got %q", read.ReaderID)
	}
	if len(read.MessageIDs) != 1 || read.MessageIDs[0] != "m1" {
		t.Errorf("unexpected read ids: %v", read.MessageIDs)
	}
	msgs := s.Messages()
	if len(msgs) != 1 || !msgs[0].Read {
		t.Error("view should reflect the read flag")
	}
}

func TestHandleRead_OwnReadNotEchoed(t *testing.T) {
	_, broker, _, rec := newReadySession(t)

	broker.deliverRead(t, message.ReadEvent{ConversationID: "order-1", ReaderID: "client-a", MessageIDs: []string{"m1"}})

	if got := rec.count(protocol.TypeRead); got != 0 {
		t.Errorf("own reads are not receipts, got %d frames", got)
	}
}

// ---------------------------------------------------------------------------
// Typing presence
// ---------------------------------------------------------------------------

func TestHandleTyping_OncePerBurst(t *testing.T) {
	_, broker, _, rec := newReadySession(t)

	for i := 0; i < 5; i++ {
		broker.deliverTyping(t, realtime.TypingEvent{ConversationID: "order-1", UserID: "provider-b", IsTyping: true})
	}

	if got := rec.count(protocol.TypeTyping); got != 1 {
		t.Errorf("expected 1 typing frame per burst, got %d", got)
	}

	broker.deliverTyping(t, realtime.TypingEvent{ConversationID: "order-1", UserID: "provider-b", IsTyping: false})

	payload, _ := rec.last(protocol.TypeTyping)
	if tp := payload.(protocol.ServerTypingMsg); tp.IsTyping {
		t.Error("expected the final frame to be a stop")
	}
	if got := rec.count(protocol.TypeTyping); got != 2 {
		t.Errorf("expected 2 typing frames total, got %d", got)
	}
}

func TestHandleTyping_OwnEventsIgnored(t *testing.T) {
	_, broker, _, rec := newReadySession(t)

	broker.deliverTyping(t, realtime.TypingEvent{ConversationID: "order-1", UserID: "client-a", IsTyping: true})

	if got := rec.count(protocol.TypeTyping); got != 0 {
		t.Errorf("own typing echo must be ignored, got %d frames", got)
	}
}

func TestStartTyping_BroadcastsOncePerBurst(t *testing.T) {
	s, broker, _, _ := newReadySession(t)

	for i := 0; i < 5; i++ {
		s.StartTyping()
	}
	s.StopTyping()

	broker.mu.Lock()
	defer broker.mu.Unlock()
	if len(broker.typingOut) != 2 {
		t.Fatalf("expected 2 typing broadcasts, got %d", len(broker.typingOut))
	}
	if !broker.typingOut[0].IsTyping || broker.typingOut[1].IsTyping {
		t.Errorf("expected start then stop, got %+v", broker.typingOut)
	}
	if broker.typingOut[0].UserID != "client-a" {
		t.Errorf("broadcast should carry the local user, got %q", broker.typingOut[0].UserID)
	}
}

func TestStopTyping_NoBroadcastWhenIdle(t *testing.T) {
	s, broker, _, _ := newReadySession(t)

	s.StopTyping()

	broker.mu.Lock()
	defer broker.mu.Unlock()
	if len(broker.typingOut) != 0 {
		t.Errorf("stop without a prior start must not broadcast, got %d", len(broker.typingOut))
	}
}

// ---------------------------------------------------------------------------
// Connection state
// ---------------------------------------------------------------------------

func TestSetConnectionState(t *testing.T) {
	s, _, _, rec := newReadySession(t)

	s.SetConnectionState(false)
	payload, ok := rec.last(protocol.TypeConnection)
	if !ok {
		t.Fatal("expected a connection frame")
	}
	if cm := payload.(protocol.ConnectionMsg); cm.State != ConnDisconnected {
		t.Errorf("expected disconnected, got %q", cm.State)
	}

	// No frame for a repeated state.
	s.SetConnectionState(false)
	if got := rec.count(protocol.TypeConnection); got != 1 {
		t.Errorf("expected 1 connection frame, got %d", got)
	}

	s.SetConnectionState(true)
	if s.ConnectionState() != ConnConnected {
		t.Errorf("expected connected, got %q", s.ConnectionState())
	}
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

func TestRegistry(t *testing.T) {
	orders := &fakeOrders{orders: map[string]*order.Order{"order-1": testOrder()}}
	reg := NewRegistry()

	s1 := New("client-a", "order-1", orders, &fakeHistory{}, &fakeBroker{}, func(string, interface{}) {})
	reg.Put("conn-1", s1)

	if reg.Get("conn-1") != s1 {
		t.Fatal("expected to find the registered session")
	}
	if reg.Find("order-1", "client-a") != s1 {
		t.Error("expected Find to locate the session by conversation and user")
	}
	if reg.Find("order-1", "provider-b") != nil {
		t.Error("Find must match the user, not just the conversation")
	}
	if reg.Len() != 1 {
		t.Errorf("expected 1 session, got %d", reg.Len())
	}

	// Replacing closes the previous session.
	s2 := New("client-a", "order-1", orders, &fakeHistory{}, &fakeBroker{}, func(string, interface{}) {})
	reg.Put("conn-1", s2)
	s1.mu.Lock()
	closed := s1.closed
	s1.mu.Unlock()
	if !closed {
		t.Error("replaced session should be closed")
	}

	reg.Remove("conn-1")
	if reg.Get("conn-1") != nil {
		t.Error("expected session removed")
	}
	if reg.Len() != 0 {
		t.Errorf("expected 0 sessions, got %d", reg.Len())
	}
	reg.Remove("conn-1") // idempotent
}
