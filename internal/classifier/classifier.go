// Package classifier maps a resolved message to an ordered list of intents.
//
// The LLM only proposes intents. Every proposal still flows through the
// router, the lifecycle gate and the action gate before anything executes.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"homeai-bot/internal/catalog"
	"homeai-bot/internal/domain"
	"homeai-bot/internal/integrations/openai"
)

// ErrRateLimit is returned when the upstream model is throttling or timed out.
// The request was understood but cannot be served right now.
var ErrRateLimit = errors.New("classifier: upstream rate limit exceeded")

// ErrMalformedOutput is returned when the model answered with a payload that
// does not satisfy the intents contract.
var ErrMalformedOutput = errors.New("classifier: malformed model output")

const DefaultTimeout = 15 * time.Second

// Request is the input of one classification.
type Request struct {
	TenantID string
	Stage    domain.Lifecycle
	Message  string
	History  []domain.Turn
	Now      time.Time
}

// Classifier is the capability consumed by the orchestrator.
type Classifier interface {
	Classify(ctx context.Context, req Request) ([]domain.Intent, error)
}

// Completer is the chat completion call the LLM classifier depends on.
type Completer interface {
	Chat(ctx context.Context, req openai.ChatRequest) (string, error)
}

// LLMClassifier classifies with a chat model constrained to a JSON schema.
type LLMClassifier struct {
	llm      Completer
	catalog  *catalog.Catalog
	model    string
	timeout  time.Duration
	location *time.Location
	logger   *slog.Logger
}

type Option func(*LLMClassifier)

func WithTimeout(d time.Duration) Option {
	return func(c *LLMClassifier) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLocation sets the zone used to tell the model what day it is.
func WithLocation(loc *time.Location) Option {
	return func(c *LLMClassifier) {
		if loc != nil {
			c.location = loc
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *LLMClassifier) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewLLMClassifier(llm Completer, cat *catalog.Catalog, model string, opts ...Option) (*LLMClassifier, error) {
	if llm == nil {
		return nil, errors.New("classifier: completer must not be nil")
	}
	if cat == nil {
		return nil, errors.New("classifier: catalog must not be nil")
	}
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("classifier: model must not be empty")
	}
	c := &LLMClassifier{
		llm:      llm,
		catalog:  cat,
		model:    model,
		timeout:  DefaultTimeout,
		location: time.UTC,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Classify returns one intent per independent action in the message, in the
// order the user stated them. An empty list means nothing actionable.
func (c *LLMClassifier) Classify(ctx context.Context, req Request) ([]domain.Intent, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	raw, err := c.llm.Chat(ctx, openai.ChatRequest{
		Model:       c.model,
		Messages:    buildMessages(c.catalog, req, now.In(c.location)),
		Temperature: temperature(0),
		Schema:      &openai.Schema{Name: schemaName, Definition: intentsSchemaJSON},
	})
	if err != nil {
		if isThrottled(ctx, err) {
			return nil, fmt.Errorf("%w: %v", ErrRateLimit, err)
		}
		return nil, fmt.Errorf("classifier: chat: %w", err)
	}

	proposals, err := parseIntents(raw)
	if err != nil {
		c.logger.Warn("classifier output rejected",
			"tenant_id", req.TenantID,
			"err", err,
		)
		return nil, err
	}

	intents := make([]domain.Intent, 0, len(proposals))
	for _, p := range proposals {
		in := domain.Intent{
			Domain:     strings.ToLower(strings.TrimSpace(p.Domain)),
			Action:     strings.ToLower(strings.TrimSpace(p.Action)),
			Slots:      sanitiseSlots(p.Slots),
			Confidence: clamp(p.Confidence),
		}
		if act, ok := c.catalog.Action(in.Domain, in.Action); ok {
			in.RequiresConfirmation = act.Policy.RequiresConfirmation()
		}
		intents = append(intents, in)
	}
	return intents, nil
}

// FromAnswer builds the intent for a reply the resolver already linked to an
// open question. It never reaches the model.
func FromAnswer(domainName, action string, slots map[string]string, conf *domain.Confirmation) domain.Intent {
	return domain.Intent{
		Domain:       domainName,
		Action:       action,
		Slots:        domain.CopySlots(slots),
		Confidence:   1,
		Confirmation: conf,
	}
}

func isThrottled(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		return statusErr.HTTPStatusCode() == 429
	}
	return false
}

// sanitiseSlots drops internal-looking keys and empty values.
func sanitiseSlots(in []slotPair) map[string]string {
	out := make(map[string]string, len(in))
	for _, s := range in {
		name := strings.TrimSpace(s.Name)
		value := strings.TrimSpace(s.Value)
		if name == "" || value == "" || strings.HasPrefix(name, "_") {
			continue
		}
		out[name] = value
	}
	return out
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

func temperature(v float64) *float64 {
	return &v
}
