package adapter

import (
	"context"
	"errors"
	"fmt"

	"homeai-bot/internal/integrations/backend"
)

// ActionInvoker performs a domain action on the household backend.
type ActionInvoker interface {
	InvokeAction(ctx context.Context, domainName, action string, req backend.ActionRequest) (backend.ActionResponse, error)
}

// BackendHandler serves a domain by forwarding calls to the household backend.
type BackendHandler struct {
	api ActionInvoker
}

func NewBackendHandler(api ActionInvoker) (*BackendHandler, error) {
	if api == nil {
		return nil, errors.New("adapter: backend invoker must not be nil")
	}
	return &BackendHandler{api: api}, nil
}

func (h *BackendHandler) Invoke(ctx context.Context, call Call) (Result, error) {
	req := backend.ActionRequest{
		TenantID:       call.Tenant.TenantID,
		ConversationID: call.Tenant.ConversationID,
		UserIdentity:   call.Tenant.UserIdentity,
		Plan:           call.Tenant.Plan,
		Stage:          string(call.Tenant.Stage),
		Slots:          call.Slots,
	}
	action := call.Action
	if call.Onboarding {
		action = backend.OnboardingAction
		req.RequestedAction = call.Action
	}
	resp, err := h.api.InvokeAction(ctx, call.Domain, action, req)
	if err != nil {
		return Result{}, fmt.Errorf("adapter: %s.%s: %w", call.Domain, action, err)
	}

	status := StatusError
	if resp.Status == backend.StatusSuccess {
		status = StatusSuccess
	}
	return Result{Status: status, Payload: resp.Payload, Summary: resp.Summary}, nil
}
