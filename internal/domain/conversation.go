package domain

import (
	"time"
)

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerUser Speaker = "user"
	SpeakerBot  Speaker = "bot"
)

// QuestionKind distinguishes slot-filling questions from confirmations.
type QuestionKind string

const (
	QuestionSlot         QuestionKind = "slot"
	QuestionConfirmation QuestionKind = "confirmation"
)

// OpenQuestion records what the bot asked so later short replies can be
// resolved without classifying them from scratch.
type OpenQuestion struct {
	Kind   QuestionKind      `json:"kind"`
	Domain string            `json:"domain"`
	Action string            `json:"action"`
	Slot   string            `json:"slot,omitempty"`
	Prompt string            `json:"prompt"`
	Slots  map[string]string `json:"slots,omitempty"`
	// Signature ties a confirmation question to its PendingAction.
	Signature string    `json:"signature,omitempty"`
	AskedAt   time.Time `json:"asked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the question can no longer be answered at now.
func (q *OpenQuestion) Expired(now time.Time) bool {
	if q == nil {
		return true
	}
	return !q.ExpiresAt.IsZero() && !now.Before(q.ExpiresAt)
}

// Turn is a single persisted conversation entry.
type Turn struct {
	ConversationID string
	Speaker        Speaker
	Text           string
	Timestamp      time.Time
	OpenQuestion   *OpenQuestion
}

// InboundMessage is what the transport hands to the core.
type InboundMessage struct {
	MessageID    string
	TenantID     string
	UserIdentity string
	ContactName  string
	Text         string
	// QuickAction is the id of a tapped interactive button, if any.
	QuickAction string
	ReceivedAt  time.Time
}

// Segment is one piece of an outbound reply.
type Segment struct {
	Text string `json:"text"`
}

// Reply is the ordered output for one inbound message.
type Reply struct {
	TenantID       string
	ConversationID string
	UserIdentity   string
	Segments       []Segment
	// Superseded is set when a newer inbound message arrived while this one
	// was in flight. The segments are carried over into the next reply.
	Superseded bool
}

// Text joins all segments the way a single-message transport would send them.
func (r Reply) Text() string {
	out := ""
	for i, s := range r.Segments {
		if i > 0 {
			out += "\n\n"
		}
		out += s.Text
	}
	return out
}

// ConversationID derives the conversation key for a (tenant, user) pair.
func ConversationID(tenantID, userIdentity string) string {
	return tenantID + "#" + NormalizePhone(userIdentity)
}
