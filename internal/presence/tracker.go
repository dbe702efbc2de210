// Package presence tracks the ephemeral "is typing" flag per conversation
// participant. State lives in memory only and auto-reverts after a TTL, so a
// lost "stopped typing" broadcast can never leave an indicator stuck. The
// chat server runs one tracker for local senders (2s idle window) and each
// session runs one for the remote partner (3s auto-clear).
package presence

import (
	"sync"
	"time"
)

// Default windows from the presence protocol.
const (
	SenderIdleTTL   = 2 * time.Second // local user stopped typing
	RemoteAutoClear = 3 * time.Second // auto-clear a remote indicator
)

type key struct {
	conversationID string
	userID         string
}

// Tracker holds typing flags with per-entry expiry timers. A fresh touch
// cancels and reschedules the entry's timer rather than stacking a new one.
type Tracker struct {
	ttl      time.Duration
	onExpire func(conversationID, userID string)

	mu     sync.Mutex
	timers map[key]*time.Timer
	closed bool
}

// NewTracker creates a tracker whose entries expire after ttl. onExpire is
// called (outside the tracker lock, from the timer goroutine) when an entry
// auto-reverts to not-typing; it may be nil.
func NewTracker(ttl time.Duration, onExpire func(conversationID, userID string)) *Tracker {
	return &Tracker{
		ttl:      ttl,
		onExpire: onExpire,
		timers:   make(map[key]*time.Timer),
	}
}

// Touch marks the user as typing and reschedules expiry. It returns true
// only on the not-typing → typing transition, which is what lets callers
// broadcast at most once per keystroke burst.
func (t *Tracker) Touch(conversationID, userID string) bool {
	k := key{conversationID, userID}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false
	}
	if timer, ok := t.timers[k]; ok {
		timer.Reset(t.ttl)
		return false
	}
	t.timers[k] = time.AfterFunc(t.ttl, func() { t.expire(k) })
	return true
}

// Clear cancels the user's typing state. Returns true if the user was
// typing, so callers know whether a "stopped typing" broadcast is due.
func (t *Tracker) Clear(conversationID, userID string) bool {
	k := key{conversationID, userID}

	t.mu.Lock()
	defer t.mu.Unlock()

	timer, ok := t.timers[k]
	if !ok {
		return false
	}
	timer.Stop()
	delete(t.timers, k)
	return true
}

// IsTyping reports the current flag for the user.
func (t *Tracker) IsTyping(conversationID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[key{conversationID, userID}]
	return ok
}

// Stop cancels every pending timer. The tracker accepts no further touches;
// expiry callbacks scheduled but not yet fired are suppressed.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	for k, timer := range t.timers {
		timer.Stop()
		delete(t.timers, k)
	}
}

func (t *Tracker) expire(k key) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if _, ok := t.timers[k]; !ok {
		// Cleared between the timer firing and acquiring the lock.
		t.mu.Unlock()
		return
	}
	delete(t.timers, k)
	fn := t.onExpire
	t.mu.Unlock()

	if fn != nil {
		fn(k.conversationID, k.userID)
	}
}
