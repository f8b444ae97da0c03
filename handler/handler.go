// Package handler is the API Gateway boundary of the bot. It serves the
// WhatsApp Cloud webhook and the internal routes the household backend and
// operators call.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"

	"homeai-bot/internal/domain"
	"homeai-bot/internal/integrations/paramstore"
	"homeai-bot/internal/lifecycle"
	"homeai-bot/internal/metrics"
	"homeai-bot/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	defaultDedupSize  = 2048
	defaultFanOut     = 8

	pathWebhook   = "/webhook"
	pathLifecycle = "/internal/lifecycle/"
	pathMetrics   = "/internal/metrics"

	errorUnauthorized = "UNAUTHORIZED"
	errorNotFound     = "NOT_FOUND"
)

// Service is the slice of the orchestrator the transport calls.
type Service interface {
	HandleMessage(ctx context.Context, msg domain.InboundMessage) (usecase.MessageResult, error)
	ConfirmPayment(ctx context.Context, tenantID string) (lifecycle.Outcome, error)
	CompleteSetup(ctx context.Context, tenantID string, attrs map[string]string) (lifecycle.Outcome, error)
	CompleteOnboarding(ctx context.Context, tenantID, domainName string) (lifecycle.Outcome, error)
}

// TokenVerifier authenticates calls on the internal routes.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, presented string) (bool, error)
}

type Handler struct {
	svc         Service
	tokens      TokenVerifier
	params      paramstore.Getter
	paramPrefix string
	gatherer    prometheus.Gatherer
	seen        *lru.Cache[string, time.Time]
	fanOut      int
	now         func() time.Time
	logger      *slog.Logger

	secretMu     sync.Mutex
	secretLoaded bool
	secret       string
}

type Option func(*Handler)

func WithGatherer(g prometheus.Gatherer) Option {
	return func(h *Handler) {
		if g != nil {
			h.gatherer = g
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// WithFanOut bounds how many senders of one webhook batch run at once.
func WithFanOut(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.fanOut = n
		}
	}
}

func NewHandler(svc Service, tokens TokenVerifier, params paramstore.Getter, paramPrefix string, opts ...Option) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("handler: service must not be nil")
	}
	if tokens == nil {
		return nil, errors.New("handler: token verifier must not be nil")
	}
	if params == nil {
		return nil, errors.New("handler: parameter store must not be nil")
	}
	seen, err := lru.New[string, time.Time](defaultDedupSize)
	if err != nil {
		return nil, err
	}
	h := &Handler{
		svc:         svc,
		tokens:      tokens,
		params:      params,
		paramPrefix: paramPrefix,
		gatherer:    prometheus.DefaultGatherer,
		seen:        seen,
		fanOut:      defaultFanOut,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Handle routes one API Gateway proxy request.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := header(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	log := h.logger.With("correlation_id", correlationID, "method", req.HTTPMethod, "path", req.Path)

	path := strings.TrimSuffix(req.Path, "/")
	switch {
	case path == pathWebhook && req.HTTPMethod == http.MethodGet:
		return h.verifyWebhook(ctx, log, req, correlationID), nil
	case path == pathWebhook && req.HTTPMethod == http.MethodPost:
		return h.receiveWebhook(ctx, log, req, correlationID), nil
	case strings.HasPrefix(path, pathLifecycle) && req.HTTPMethod == http.MethodPost:
		return h.lifecycleSignal(ctx, log, req, strings.TrimPrefix(path, pathLifecycle), correlationID), nil
	case path == pathMetrics && req.HTTPMethod == http.MethodGet:
		return h.serveMetrics(ctx, log, req, correlationID), nil
	}
	return jsonResponse(http.StatusNotFound, errorResponse{Error: errorNotFound}, correlationID), nil
}

// authorized checks the bearer token of an internal route.
func (h *Handler) authorized(ctx context.Context, log *slog.Logger, req events.APIGatewayProxyRequest) bool {
	presented := header(req.Headers, "Authorization")
	if presented == "" {
		return false
	}
	ok, err := h.tokens.VerifyToken(ctx, presented)
	if err != nil {
		log.Error("token verification failed", "err", err)
		return false
	}
	return ok
}

func (h *Handler) serveMetrics(ctx context.Context, log *slog.Logger, req events.APIGatewayProxyRequest, correlationID string) events.APIGatewayProxyResponse {
	if !h.authorized(ctx, log, req) {
		return jsonResponse(http.StatusUnauthorized, errorResponse{Error: errorUnauthorized}, correlationID)
	}
	body, contentType, err := metrics.Render(h.gatherer)
	if err != nil {
		log.Error("render metrics failed", "err", err)
		return jsonResponse(http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)}, correlationID)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusOK,
		Headers:    map[string]string{"Content-Type": contentType, correlationHeader: correlationID},
		Body:       body,
	}
}

func errorToResponse(err error, correlationID string) events.APIGatewayProxyResponse {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		return jsonResponse(http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)}, correlationID)
	}
	status := http.StatusInternalServerError
	switch ue.Code {
	case usecase.ErrorInvalidInput:
		status = http.StatusBadRequest
	case usecase.ErrorNotFound:
		status = http.StatusNotFound
	case usecase.ErrorConflict:
		status = http.StatusConflict
	case usecase.ErrorRateLimited:
		status = http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		status = http.StatusBadGateway
	}
	return jsonResponse(status, errorResponse{Error: string(ue.Code), Message: ue.Reason}, correlationID)
}

func jsonResponse(status int, body any, correlationID string) events.APIGatewayProxyResponse {
	b, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		b = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(b),
	}
}

func textResponse(status int, body, correlationID string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "text/plain", correlationHeader: correlationID},
		Body:       body,
	}
}

// header looks a header up case-insensitively.
func header(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
