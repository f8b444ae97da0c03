package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// Confirmation marks an intent that answers a confirmation question.
type Confirmation struct {
	Signature string
	Approve   bool
}

// Intent is one classified, actionable request. It is never persisted
// beyond the turn that produced it, except as a deferred onboarding payload.
type Intent struct {
	Domain               string            `json:"domain"`
	Action               string            `json:"action"`
	Slots                map[string]string `json:"slots,omitempty"`
	RequiresConfirmation bool              `json:"requires_confirmation,omitempty"`
	Confidence           float64           `json:"confidence"`
	Confirmation         *Confirmation     `json:"-"`
	// Replay is set when a deferred intent is re-dispatched after onboarding.
	Replay bool `json:"-"`
}

// Signature returns the stable slot signature of the intent.
func (i Intent) Signature() string {
	return Signature(i.Domain, i.Action, i.Slots)
}

// Signature hashes domain, action and the sorted slot set.
func Signature(domainName, action string, slots map[string]string) string {
	keys := make([]string, 0, len(slots))
	for k := range slots {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(strings.ToLower(domainName))
	b.WriteByte('|')
	b.WriteString(strings.ToLower(action))
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strings.TrimSpace(slots[k]))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}

// CopySlots returns a copy of slots that is safe to mutate.
func CopySlots(slots map[string]string) map[string]string {
	out := make(map[string]string, len(slots))
	for k, v := range slots {
		out[k] = v
	}
	return out
}

// PendingAction is a gated action waiting for an explicit affirmative.
type PendingAction struct {
	TenantID       string
	ConversationID string
	Domain         string
	Action         string
	Slots          map[string]string
	Signature      string
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// Expired reports whether the pending action is stale at now.
func (p PendingAction) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// DispatchStatus is the outcome of one dispatched intent.
type DispatchStatus string

const (
	StatusSucceeded         DispatchStatus = "succeeded"
	StatusFailed            DispatchStatus = "failed"
	StatusNeedsConfirmation DispatchStatus = "needs_confirmation"
	StatusNeedsInput        DispatchStatus = "needs_input"
	StatusClarification     DispatchStatus = "clarification"
	StatusBlocked           DispatchStatus = "blocked"
	StatusDeferred          DispatchStatus = "deferred"
	StatusCancelled         DispatchStatus = "cancelled"
	StatusUnconfirmed       DispatchStatus = "unconfirmed"
)

// ErrorKind is the closed error taxonomy surfaced per intent.
type ErrorKind string

const (
	ErrNone                      ErrorKind = ""
	ErrClassificationAmbiguous   ErrorKind = "classification_ambiguous"
	ErrUnknownDomain             ErrorKind = "unknown_domain"
	ErrStalePendingAction        ErrorKind = "stale_pending_action"
	ErrAdapterTimeout            ErrorKind = "adapter_timeout"
	ErrAdapterError              ErrorKind = "adapter_error"
	ErrLifecycleBlocked          ErrorKind = "lifecycle_blocked"
	ErrExternalSignalUnavailable ErrorKind = "external_signal_unavailable"
)

// DispatchResult is the per-intent result collected into one reply.
type DispatchResult struct {
	Index        int
	Domain       string
	Action       string
	Status       DispatchStatus
	ErrorKind    ErrorKind
	Text         string
	OpenQuestion *OpenQuestion
}

// DeferredIntent is an intent held while its domain is onboarding. It is
// replayed at most once, to the conversation that produced it.
type DeferredIntent struct {
	TenantID       string
	Domain         string
	ConversationID string
	UserIdentity   string
	Intent         Intent
	CreatedAt      time.Time
}
