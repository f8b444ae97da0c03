package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"homeai-bot/internal/lifecycle"
	"homeai-bot/internal/usecase"
)

const (
	signalPaymentCheck       = "payment-check"
	signalSetupComplete      = "setup-complete"
	signalOnboardingComplete = "onboarding-complete"
)

type signalRequest struct {
	TenantID string            `json:"tenantId"`
	Domain   string            `json:"domain,omitempty"`
	HomeName string            `json:"homeName,omitempty"`
	Attrs    map[string]string `json:"attrs,omitempty"`
}

type signalResponse struct {
	Status    string `json:"status"`
	ErrorKind string `json:"errorKind,omitempty"`
	Text      string `json:"text"`
	Replayed  bool   `json:"replayed"`
}

// lifecycleSignal serves the callbacks the household backend sends when a
// payment clears, a setup finishes or a domain completes onboarding.
func (h *Handler) lifecycleSignal(ctx context.Context, log *slog.Logger, req events.APIGatewayProxyRequest, signal, correlationID string) events.APIGatewayProxyResponse {
	if !h.authorized(ctx, log, req) {
		return jsonResponse(http.StatusUnauthorized, errorResponse{Error: errorUnauthorized}, correlationID)
	}

	var in signalRequest
	if err := json.Unmarshal([]byte(req.Body), &in); err != nil {
		return jsonResponse(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Message: "invalid_json"}, correlationID)
	}
	in.TenantID = strings.TrimSpace(in.TenantID)
	log = log.With("tenant_id", in.TenantID, "signal", signal)

	var (
		out lifecycle.Outcome
		err error
	)
	switch signal {
	case signalPaymentCheck:
		out, err = h.svc.ConfirmPayment(ctx, in.TenantID)
	case signalSetupComplete:
		attrs := make(map[string]string, len(in.Attrs)+1)
		for k, v := range in.Attrs {
			attrs[k] = v
		}
		if in.HomeName != "" {
			attrs["home_name"] = in.HomeName
		}
		out, err = h.svc.CompleteSetup(ctx, in.TenantID, attrs)
	case signalOnboardingComplete:
		if strings.TrimSpace(in.Domain) == "" {
			return jsonResponse(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Message: "missing_domain"}, correlationID)
		}
		out, err = h.svc.CompleteOnboarding(ctx, in.TenantID, in.Domain)
	default:
		return jsonResponse(http.StatusNotFound, errorResponse{Error: errorNotFound}, correlationID)
	}
	if err != nil {
		log.Warn("lifecycle signal failed", "err", err)
		return errorToResponse(err, correlationID)
	}

	log.Info("lifecycle signal handled", "status", string(out.Status), "replayed", out.Replay != nil)
	return jsonResponse(http.StatusOK, signalResponse{
		Status:    string(out.Status),
		ErrorKind: string(out.ErrorKind),
		Text:      out.Text,
		Replayed:  out.Replay != nil,
	}, correlationID)
}
