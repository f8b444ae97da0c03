// Package adapter defines the uniform interface every domain handler
// implements. The core never looks inside Result.Payload.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"homeai-bot/internal/domain"
)

// ErrUnknownDomain is returned when no handler is bound to a domain.
var ErrUnknownDomain = errors.New("adapter: unknown domain")

// Status is the outcome reported by a domain handler.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// TenantContext is the slice of tenant state a handler receives per call.
type TenantContext struct {
	TenantID       string
	ConversationID string
	UserIdentity   string
	Plan           string
	Stage          domain.Lifecycle
	HomeName       string
}

// Call is one invocation of a domain action.
type Call struct {
	Domain string
	Action string
	Slots  map[string]string
	Tenant TenantContext
	// Onboarding routes the call to the domain's first-time setup flow
	// instead of executing Action.
	Onboarding bool
}

// Result is what a handler returns. Summary is the only field shown to users.
type Result struct {
	Status  Status          `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Summary string          `json:"user_facing_summary"`
}

// OK reports whether the handler reported success.
func (r Result) OK() bool {
	return r.Status == StatusSuccess
}

// DomainHandler is implemented by every domain.
type DomainHandler interface {
	Invoke(ctx context.Context, call Call) (Result, error)
}

// HandlerFunc adapts a function to DomainHandler.
type HandlerFunc func(ctx context.Context, call Call) (Result, error)

func (f HandlerFunc) Invoke(ctx context.Context, call Call) (Result, error) {
	return f(ctx, call)
}

// Registry binds domain names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]DomainHandler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]DomainHandler)}
}

// Register binds h to domain, replacing any previous binding.
func (r *Registry) Register(domainName string, h DomainHandler) error {
	domainName = strings.ToLower(strings.TrimSpace(domainName))
	if domainName == "" {
		return errors.New("adapter: domain must not be empty")
	}
	if h == nil {
		return errors.New("adapter: handler must not be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[domainName] = h
	return nil
}

// Handler returns the handler bound to domain.
func (r *Registry) Handler(domainName string) (DomainHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[strings.ToLower(domainName)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDomain, domainName)
	}
	return h, nil
}

// Domains lists the bound domains in sorted order.
func (r *Registry) Domains() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
