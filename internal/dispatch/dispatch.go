// Package dispatch implements the message send pipeline: authorization and
// validation preconditions, content filtering, incident reporting, and
// persistence. The dispatcher never stores or forwards a blocked message;
// the sender gets back a denial with a redacted preview instead.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jobi/chat-service/internal/filter"
	"github.com/jobi/chat-service/internal/incident"
	"github.com/jobi/chat-service/internal/message"
	"github.com/jobi/chat-service/internal/metrics"
	"github.com/jobi/chat-service/internal/order"
	"github.com/jobi/chat-service/internal/ratelimit"
)

// MaxBodyLength is the maximum message length in runes.
const MaxBodyLength = 1000

// Sentinel errors for precondition failures. The WebSocket layer maps these
// to protocol error frames.
var (
	ErrNotParticipant = errors.New("dispatch: sender is not a participant of the conversation")
	ErrEmptyBody      = errors.New("dispatch: message body is empty")
	ErrBodyTooLong    = errors.New("dispatch: message body exceeds maximum length")
	ErrRateLimited    = errors.New("dispatch: sender is rate limited")
)

// Denial describes a message rejected by the content filter. It is a designed
// outcome, not an error: the sender sees the explanation and the redacted
// preview, and the compose field is cleared to discourage resubmission.
type Denial struct {
	Severity        string
	Explanation     string
	RedactedPreview string
	ClearInput      bool
}

// User-facing denial explanations, scaled to severity.
var explanations = map[filter.Severity]string{
	filter.SeverityLow:    "Votre message semble contenir des coordonnées personnelles. Pour votre sécurité, les échanges doivent rester sur la plateforme.",
	filter.SeverityMedium: "Le partage de coordonnées ou de profils externes n'est pas autorisé. Les échanges doivent rester sur la plateforme pour bénéficier de la protection jobi.",
	filter.SeverityHigh:   "Le partage de coordonnées personnelles (téléphone, email) est interdit. Tout échange hors plateforme annule la garantie et l'assurance jobi.",
}

// OrderSource resolves the order backing a conversation.
type OrderSource interface {
	Get(ctx context.Context, id string) (*order.Order, error)
}

// MessageInserter persists an outgoing message and fans it out.
type MessageInserter interface {
	Insert(ctx context.Context, conversationID, senderID string, typ message.Type, body string, metadata json.RawMessage) (*message.Message, error)
}

// IncidentRecorder records a security incident, best effort.
type IncidentRecorder interface {
	Record(inc incident.Incident)
}

// Limiter throttles message sends per user.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) int
}

// Dispatcher runs the send pipeline. Construct once per process and share
// across sessions; it holds no per-conversation state.
type Dispatcher struct {
	orders    OrderSource
	filter    *filter.Filter
	limiter   Limiter
	store     MessageInserter
	incidents IncidentRecorder

	// ClearTyping, when set, is invoked on the allowed path before the
	// message is persisted so the partner never sees a typing indicator
	// alongside the just-sent message.
	ClearTyping func(conversationID, senderID string)
}

// New creates a Dispatcher. limiter may be nil to disable throttling.
func New(orders OrderSource, f *filter.Filter, limiter Limiter, store MessageInserter, incidents IncidentRecorder) *Dispatcher {
	return &Dispatcher{
		orders:    orders,
		filter:    f,
		limiter:   limiter,
		store:     store,
		incidents: incidents,
	}
}

// RetryAfter returns the seconds until the sender may retry after a rate
// limit rejection.
func (d *Dispatcher) RetryAfter(ctx context.Context, senderID string) int {
	if d.limiter == nil {
		return 0
	}
	return d.limiter.RetryAfter(ctx, senderID, ratelimit.RuleMessage)
}

// Send runs the full pipeline for one outgoing text message.
//
// Exactly one of the three results is meaningful: a non-nil *message.Message
// when the message was persisted, a non-nil *Denial when the content filter
// blocked it, or a non-nil error for precondition and persistence failures.
// On a persistence failure the body is never consumed; the caller echoes it
// back so the user can retry.
func (d *Dispatcher) Send(ctx context.Context, conversationID, senderID, body string) (*message.Message, *Denial, error) {
	start := time.Now()

	// Preconditions: participant check first so a revoked party learns
	// nothing about the conversation, not even validation outcomes.
	ord, err := d.orders.Get(ctx, conversationID)
	if err != nil {
		return nil, nil, fmt.Errorf("dispatch: resolve order %s: %w", conversationID, err)
	}
	if !ord.IsParticipant(senderID) {
		return nil, nil, ErrNotParticipant
	}

	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return nil, nil, ErrEmptyBody
	}
	if utf8.RuneCountInString(trimmed) > MaxBodyLength {
		return nil, nil, ErrBodyTooLong
	}

	if d.limiter != nil {
		ok, err := d.limiter.Allow(ctx, senderID, ratelimit.RuleMessage)
		if err == nil && !ok {
			metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
			return nil, nil, ErrRateLimited
		}
	}

	filterStart := time.Now()
	verdict := d.filter.Check(trimmed)
	metrics.FilterLatency.Observe(time.Since(filterStart).Seconds())

	if !verdict.Allowed {
		severity := verdict.Severity.String()
		log.Printf("[dispatch] message blocked conversation=%s sender=%s severity=%s confidence=%d",
			conversationID, senderID, severity, verdict.Confidence)
		metrics.MessagesTotal.WithLabelValues("blocked").Inc()
		metrics.IncidentsTotal.WithLabelValues(severity).Inc()

		// Fire and forget. A failed incident write must not block the
		// denial response.
		d.incidents.Record(incident.Incident{
			ConversationID: conversationID,
			SenderID:       senderID,
			Violations:     verdict.Violations,
			Severity:       severity,
			Confidence:     verdict.Confidence,
			OriginalText:   trimmed,
		})

		return nil, &Denial{
			Severity:        severity,
			Explanation:     explanations[verdict.Severity],
			RedactedPreview: verdict.RedactedBody,
			ClearInput:      true,
		}, nil
	}

	// Clear the typing flag before the insert fans out so the partner never
	// sees "typing" next to the delivered message.
	if d.ClearTyping != nil {
		d.ClearTyping(conversationID, senderID)
	}

	m, err := d.store.Insert(ctx, conversationID, senderID, message.TypeText, trimmed, nil)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		return nil, nil, fmt.Errorf("dispatch: persist message: %w", err)
	}

	metrics.MessagesTotal.WithLabelValues("delivered").Inc()
	metrics.MessageLatency.Observe(time.Since(start).Seconds())
	return m, nil, nil
}
