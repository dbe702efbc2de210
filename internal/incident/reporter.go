package incident

import (
	"encoding/json"
	"log"
	"time"
)

// IncidentPublisher is the slice of the realtime client the reporter needs.
type IncidentPublisher interface {
	PublishIncident(data []byte) error
}

// Reporter publishes incidents to the audit stream. Best effort: a publish
// failure is logged once and swallowed, so a broker outage can never block
// the denial path or surface to the sender.
type Reporter struct {
	pub IncidentPublisher
}

// NewReporter creates a Reporter on the given publisher.
func NewReporter(pub IncidentPublisher) *Reporter {
	return &Reporter{pub: pub}
}

// Record stamps and publishes an incident. It never returns an error.
func (r *Reporter) Record(inc Incident) {
	if inc.CreatedAt.IsZero() {
		inc.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(inc)
	if err != nil {
		log.Printf("[incident] marshal conv=%s sender=%s: %v", inc.ConversationID, inc.SenderID, err)
		return
	}
	if err := r.pub.PublishIncident(data); err != nil {
		log.Printf("[incident] publish conv=%s sender=%s: %v", inc.ConversationID, inc.SenderID, err)
	}
}
