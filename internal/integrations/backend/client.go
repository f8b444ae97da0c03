// Package backend is the HTTP client for the household backend that owns
// domain data, payments and tenant setup.
package backend

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// OnboardingAction is the action path used for a domain's first-time flow.
const OnboardingAction = "onboarding"

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ActionRequest is the body sent for every domain action.
type ActionRequest struct {
	TenantID        string            `json:"tenant_id"`
	ConversationID  string            `json:"conversation_id"`
	UserIdentity    string            `json:"user_identity"`
	Plan            string            `json:"plan,omitempty"`
	Stage           string            `json:"stage"`
	RequestedAction string            `json:"requested_action,omitempty"`
	Slots           map[string]string `json:"slots"`
}

// ActionResponse is the uniform answer of the backend.
type ActionResponse struct {
	Status  string          `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Summary string          `json:"user_facing_summary"`
}

type paymentStatusResponse struct {
	Confirmed bool `json:"confirmed"`
}

type setupRequest struct {
	Attributes map[string]string `json:"attributes"`
}

type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx backend responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("backend: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client calls the backend with the service bearer token kept in SSM.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string

	tokenOnce sync.Once
	token     string
	tokenErr  error
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func NewClient(baseURL string, ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("backend: base URL must not be empty")
	}
	if ps == nil {
		return nil, errors.New("backend: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("backend: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolveToken(ctx context.Context) (string, error) {
	c.tokenOnce.Do(func() {
		c.token, c.tokenErr = fetchToken(ctx, c.getter, c.paramPrefix+"/backend-token")
	})
	return c.token, c.tokenErr
}

// VerifyToken reports whether presented equals the service token. It is used
// to authenticate signals the backend sends back to the bot.
func (c *Client) VerifyToken(ctx context.Context, presented string) (bool, error) {
	token, err := c.resolveToken(ctx)
	if err != nil {
		return false, err
	}
	presented = strings.TrimSpace(strings.TrimPrefix(presented, "Bearer "))
	return subtle.ConstantTimeCompare([]byte(token), []byte(presented)) == 1, nil
}

// InvokeAction runs one domain action.
func (c *Client) InvokeAction(ctx context.Context, domainName, action string, req ActionRequest) (ActionResponse, error) {
	if domainName == "" || action == "" {
		return ActionResponse{}, errors.New("backend: domain and action must not be empty")
	}
	if req.Slots == nil {
		req.Slots = map[string]string{}
	}
	var out ActionResponse
	path := "/api/v1/bot/" + url.PathEscape(domainName) + "/" + url.PathEscape(action)
	if err := c.do(ctx, http.MethodPost, path, req, &out); err != nil {
		return ActionResponse{}, err
	}
	if out.Status != StatusSuccess && out.Status != StatusError {
		return ActionResponse{}, fmt.Errorf("backend: unknown action status %q", out.Status)
	}
	return out, nil
}

// CheckPaymentStatus asks whether the tenant's checkout has been paid.
func (c *Client) CheckPaymentStatus(ctx context.Context, tenantID string) (bool, error) {
	var out paymentStatusResponse
	path := "/api/v1/tenants/" + url.PathEscape(tenantID) + "/payment-status"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return false, err
	}
	return out.Confirmed, nil
}

// MarkSetupComplete records the household attributes gathered during setup.
func (c *Client) MarkSetupComplete(ctx context.Context, tenantID string, attrs map[string]string) error {
	path := "/api/v1/tenants/" + url.PathEscape(tenantID) + "/setup-complete"
	return c.do(ctx, http.MethodPost, path, setupRequest{Attributes: attrs}, nil)
}

// MarkOnboardingComplete records that a domain finished its first-time flow.
func (c *Client) MarkOnboardingComplete(ctx context.Context, tenantID, domainName string) error {
	path := "/api/v1/tenants/" + url.PathEscape(tenantID) + "/onboarding/" + url.PathEscape(domainName) + "/complete"
	return c.do(ctx, http.MethodPost, path, struct{}{}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	token, err := c.resolveToken(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("backend: marshal request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	endpoint := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("backend: create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &HTTPStatusError{StatusCode: res.StatusCode, URL: endpoint, Body: string(buf)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("backend: decode response: %w", err)
	}
	return nil
}

func fetchToken(ctx context.Context, getter Getter, name string) (string, error) {
	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("backend: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("backend: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", errors.New("backend: service token is empty")
	}
	return tp.Token, nil
}
