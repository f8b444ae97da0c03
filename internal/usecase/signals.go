package usecase

import (
	"context"
	"errors"
	"strings"

	"homeai-bot/internal/domain"
	"homeai-bot/internal/lifecycle"
	"homeai-bot/internal/repository"
)

// ConfirmPayment runs the payment check for a tenant on behalf of the
// payment collaborator and notifies the household owner.
func (s *Service) ConfirmPayment(ctx context.Context, tenantID string) (lifecycle.Outcome, error) {
	return s.signal(ctx, tenantID, func(ctx context.Context) (lifecycle.Outcome, error) {
		return s.lifecycle.ConfirmPayment(ctx, tenantID)
	})
}

// CompleteSetup marks the household setup complete.
func (s *Service) CompleteSetup(ctx context.Context, tenantID string, attrs map[string]string) (lifecycle.Outcome, error) {
	return s.signal(ctx, tenantID, func(ctx context.Context) (lifecycle.Outcome, error) {
		return s.lifecycle.CompleteSetup(ctx, tenantID, attrs)
	})
}

// CompleteOnboarding marks a domain onboarded and replays the intent that
// was held while it onboarded, in the conversation that sent it.
func (s *Service) CompleteOnboarding(ctx context.Context, tenantID, domainName string) (lifecycle.Outcome, error) {
	return s.signal(ctx, tenantID, func(ctx context.Context) (lifecycle.Outcome, error) {
		return s.lifecycle.CompleteOnboarding(ctx, tenantID, strings.ToLower(strings.TrimSpace(domainName)))
	})
}

func (s *Service) signal(ctx context.Context, tenantID string, fn func(context.Context) (lifecycle.Outcome, error)) (lifecycle.Outcome, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return lifecycle.Outcome{}, newError(ErrorInvalidInput, "missing_tenant", nil)
	}
	unlock, err := s.locker.Lock(ctx, tenantID)
	if err != nil {
		return lifecycle.Outcome{}, newError(ErrorInternal, "tenant_lock_error", err)
	}
	defer unlock()

	out, err := fn(ctx)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return lifecycle.Outcome{}, newError(ErrorNotFound, "tenant_not_found", err)
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return lifecycle.Outcome{}, newError(ErrorConflict, "invalid_transition", err)
	case errors.Is(err, lifecycle.ErrNoOnboarding):
		return lifecycle.Outcome{}, newError(ErrorInvalidInput, "domain_without_onboarding", err)
	case err != nil:
		return lifecycle.Outcome{}, newError(ErrorInternal, "lifecycle_error", err)
	}

	t, err := s.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return out, newError(ErrorInternal, "dynamodb_tenant_error", err)
	}
	lead := []domain.Segment{{Text: out.Text}}
	if out.Replay != nil {
		s.deliverHandoff(ctx, &t, *out.Replay, lead)
		return out, nil
	}
	if len(t.Members) == 0 || strings.TrimSpace(out.Text) == "" {
		return out, nil
	}
	owner := domain.NormalizePhone(t.Members[0])
	conv := domain.ConversationID(t.ID, owner)
	log := s.logger.With("tenant_id", t.ID, "conversation_id", conv)
	if _, err := s.deliver(ctx, log, t, conv, owner, "", turn{segments: lead}); err != nil {
		return out, err
	}
	return out, nil
}
