package message

import (
	"sort"
	"sync"
)

// View is the in-memory message list a session keeps for one conversation.
// Realtime events arrive in delivery order, not creation order, and may be
// duplicated across reconnects, so insertion is idempotent by id and the
// list is kept sorted by (created_at, id), the store's total order.
type View struct {
	mu   sync.Mutex
	seen map[string]struct{}
	msgs []Message
}

// NewView returns an empty view.
func NewView() *View {
	return &View{seen: make(map[string]struct{})}
}

// Insert adds a message at its ordered position. Returns false if a message
// with the same id is already present.
func (v *View) Insert(m Message) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, dup := v.seen[m.ID]; dup {
		return false
	}
	v.seen[m.ID] = struct{}{}

	i := sort.Search(len(v.msgs), func(i int) bool {
		if !v.msgs[i].CreatedAt.Equal(m.CreatedAt) {
			return v.msgs[i].CreatedAt.After(m.CreatedAt)
		}
		return v.msgs[i].ID > m.ID
	})
	v.msgs = append(v.msgs, Message{})
	copy(v.msgs[i+1:], v.msgs[i:])
	v.msgs[i] = m
	return true
}

// MarkRead flips the read flag on the given ids. The transition is
// monotonic: a read message never reverts. Returns how many messages were
// newly marked.
func (v *View) MarkRead(ids []string) int {
	v.mu.Lock()
	defer v.mu.Unlock()

	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	marked := 0
	for i := range v.msgs {
		if _, ok := want[v.msgs[i].ID]; ok && !v.msgs[i].Read {
			v.msgs[i].Read = true
			marked++
		}
	}
	return marked
}

// Messages returns a snapshot of the view in conversation order.
func (v *View) Messages() []Message {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]Message, len(v.msgs))
	copy(out, v.msgs)
	return out
}

// Len returns the number of messages in the view.
func (v *View) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.msgs)
}
