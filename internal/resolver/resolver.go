// Package resolver turns short follow-up replies into self-describing
// requests using the last question the bot recorded in the conversation.
package resolver

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"homeai-bot/internal/domain"
)

const (
	DefaultMaxShortWords    = 3
	DefaultMaxShortRunes    = 32
	DefaultMaxMessageLength = 2000
)

// Kind is the outcome of resolving a message.
type Kind int

const (
	// Passthrough means the message is self-contained and goes to the classifier.
	Passthrough Kind = iota
	// Answered means the message answers the recorded open question.
	Answered
	// ClarificationNeeded means the message is ambiguous and must not be guessed.
	ClarificationNeeded
)

func (k Kind) String() string {
	switch k {
	case Passthrough:
		return "passthrough"
	case Answered:
		return "answered"
	case ClarificationNeeded:
		return "clarification_needed"
	}
	return "unknown"
}

// Answer links a short reply to the question it answers.
type Answer struct {
	Kind   domain.QuestionKind
	Domain string
	Action string
	Slot   string
	Value  string
	// Slots holds the slots gathered before the question plus the answered one.
	Slots     map[string]string
	Signature string
	// Approve is the polarity of a confirmation answer. Declined is set when
	// the user said no to a slot question.
	Approve  bool
	Declined bool
}

// Resolved is the result of Resolve.
type Resolved struct {
	Kind Kind
	// Text is the sanitised message or, for answers, a self-describing
	// instruction that never degenerates into a bare "sí".
	Text          string
	Raw           string
	Answer        *Answer
	Clarification string
	Truncated     bool
}

// Config tunes the short reply heuristic.
type Config struct {
	MaxShortWords    int
	MaxShortRunes    int
	MaxMessageLength int
	// RequestCues adds words that send a short slot reply to the classifier
	// as a new request, typically the catalog's domain names.
	RequestCues []string
	Now         func() time.Time
}

// Resolver is stateless; all state comes from the turns passed in.
type Resolver struct {
	cfg  Config
	cues map[string]struct{}
}

// New returns a Resolver with defaults applied to zero fields.
func New(cfg Config) *Resolver {
	if cfg.MaxShortWords <= 0 {
		cfg.MaxShortWords = DefaultMaxShortWords
	}
	if cfg.MaxShortRunes <= 0 {
		cfg.MaxShortRunes = DefaultMaxShortRunes
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = DefaultMaxMessageLength
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cues := make(map[string]struct{}, len(cfg.RequestCues))
	for _, c := range cfg.RequestCues {
		if c = canonical(c); c != "" {
			cues[c] = struct{}{}
		}
	}
	return &Resolver{cfg: cfg, cues: cues}
}

// Resolve inspects message against the last turns of the conversation
// (oldest first). Only the most recent bot turn is consulted.
func (r *Resolver) Resolve(message string, lastTurns []domain.Turn) Resolved {
	text, truncated := sanitize(message, r.cfg.MaxMessageLength)
	out := Resolved{Kind: Passthrough, Text: text, Raw: text, Truncated: truncated}

	class := classify(text, r.cfg.MaxShortWords, r.cfg.MaxShortRunes)
	if class == classLong {
		return out
	}

	q := lastOpenQuestion(lastTurns)
	if q != nil && q.Expired(r.cfg.Now()) {
		q = nil
	}

	if q == nil {
		if class.closed() {
			out.Kind = ClarificationNeeded
			out.Clarification = clarifyWithoutQuestion(text)
		}
		return out
	}

	switch q.Kind {
	case domain.QuestionConfirmation:
		return r.resolveConfirmation(out, class, q)
	case domain.QuestionSlot:
		return r.resolveSlot(out, class, q)
	}
	return out
}

func (r *Resolver) resolveConfirmation(out Resolved, class replyClass, q *domain.OpenQuestion) Resolved {
	switch class {
	case classAffirmative, classNegative:
		approve := class == classAffirmative
		out.Kind = Answered
		out.Answer = &Answer{
			Kind:      domain.QuestionConfirmation,
			Domain:    q.Domain,
			Action:    q.Action,
			Slots:     domain.CopySlots(q.Slots),
			Signature: q.Signature,
			Approve:   approve,
		}
		verb := "confirma"
		if !approve {
			verb = "rechaza"
		}
		out.Text = fmt.Sprintf("El usuario %s la acción %s.%s (firma %s) en respuesta a %q.",
			verb, q.Domain, q.Action, q.Signature, q.Prompt)
	case classBareValue:
		out.Kind = ClarificationNeeded
		out.Clarification = fmt.Sprintf("No me quedó claro si confirmás. %s Respondé sí o no.", q.Prompt)
	}
	return out
}

func (r *Resolver) resolveSlot(out Resolved, class replyClass, q *domain.OpenQuestion) Resolved {
	switch class {
	case classAffirmative:
		out.Kind = ClarificationNeeded
		out.Clarification = fmt.Sprintf("Necesito un dato concreto. %s", q.Prompt)
		return out
	case classNegative:
		out.Kind = Answered
		out.Answer = &Answer{
			Kind:     domain.QuestionSlot,
			Domain:   q.Domain,
			Action:   q.Action,
			Slot:     q.Slot,
			Slots:    domain.CopySlots(q.Slots),
			Declined: true,
		}
		out.Text = fmt.Sprintf("El usuario no quiere responder %q (%s.%s).", q.Prompt, q.Domain, q.Action)
		return out
	}
	if class == classShort && hasRequestCue(out.Raw, r.cues) {
		return out
	}

	value := strings.Trim(out.Raw, "!¡.?¿ ")
	slots := domain.CopySlots(q.Slots)
	slots[q.Slot] = value
	out.Kind = Answered
	out.Answer = &Answer{
		Kind:   domain.QuestionSlot,
		Domain: q.Domain,
		Action: q.Action,
		Slot:   q.Slot,
		Value:  value,
		Slots:  slots,
	}
	out.Text = fmt.Sprintf("Respuesta a %q para %s.%s: %s=%s.%s",
		q.Prompt, q.Domain, q.Action, q.Slot, value, describePrior(q.Slots))
	return out
}

// lastOpenQuestion returns the open question of the most recent bot turn.
// Older bot turns are never consulted, even when they asked something.
func lastOpenQuestion(turns []domain.Turn) *domain.OpenQuestion {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Speaker == domain.SpeakerBot {
			return turns[i].OpenQuestion
		}
	}
	return nil
}

func describePrior(slots map[string]string) string {
	if len(slots) == 0 {
		return ""
	}
	keys := make([]string, 0, len(slots))
	for k := range slots {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+slots[k])
	}
	return " Datos ya indicados: " + strings.Join(parts, ", ") + "."
}

func clarifyWithoutQuestion(text string) string {
	return fmt.Sprintf("No tengo ninguna pregunta pendiente, así que no sé a qué se refiere %q. ¿Me contás qué necesitás?", text)
}
