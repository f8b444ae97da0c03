package events

import (
	"context"
	"time"
)

const (
	TypeReply      = "homeai.reply.outbound.v1"
	TypeTransition = "homeai.tenant.lifecycle.v1"
)

// Meta describes one emitted event.
type Meta struct {
	// Trace / request correlation ID
	CorrelationID *string `json:"correlation_id,omitempty"`
	// Unique event ID
	ID string `json:"id"`
	// Emitting service
	Producer *string   `json:"producer,omitempty"`
	Time     time.Time `json:"time"`
	// Event name and version, e.g. homeai.reply.outbound.v1
	Type string `json:"type"`
}

type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// ReplyData is the payload of TypeReply. The transport sends the segments
// in order as separate messages.
type ReplyData struct {
	TenantID       string   `json:"tenant_id"`
	ConversationID string   `json:"conversation_id"`
	To             string   `json:"to"`
	Segments       []string `json:"segments"`
	InReplyTo      string   `json:"in_reply_to,omitempty"`
}

// TransitionData is the payload of TypeTransition.
type TransitionData struct {
	TenantID string    `json:"tenant_id"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	Event    string    `json:"event"`
	At       time.Time `json:"at"`
}

type correlationKey struct{}

// WithCorrelationID attaches the request correlation id to ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the id set by WithCorrelationID, or "".
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
