package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeGetter struct {
	val   string
	err   error
	calls int
}

func (f *fakeGetter) GetParameter(_ context.Context, _ string) (string, error) {
	f.calls++
	return f.val, f.err
}

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *fakeGetter) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	g := &fakeGetter{val: `{"token":"svc-token"}`}
	c, err := NewClient(srv.URL+"/", g, "/homeai-bot")
	require.NoError(t, err)
	return c, g
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient("", &fakeGetter{}, "/p")
	require.Error(t, err)
	_, err = NewClient("http://x", nil, "/p")
	require.Error(t, err)
	_, err = NewClient("http://x", &fakeGetter{}, "")
	require.Error(t, err)
}

func TestInvokeAction_PostsSlotsWithBearer(t *testing.T) {
	c, g := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/bot/finance/registrar_gasto", r.URL.Path)
		require.Equal(t, "Bearer svc-token", r.Header.Get("Authorization"))

		var body ActionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "t1", body.TenantID)
		require.Equal(t, "5000", body.Slots["amount"])

		_, _ = w.Write([]byte(`{"status":"success","payload":{"id":"e1"},"user_facing_summary":"Anoté $5000 en nafta."}`))
	})

	for i := 0; i < 2; i++ {
		out, err := c.InvokeAction(context.Background(), "finance", "registrar_gasto", ActionRequest{
			TenantID: "t1",
			Slots:    map[string]string{"amount": "5000"},
		})
		require.NoError(t, err)
		require.Equal(t, StatusSuccess, out.Status)
		require.Equal(t, "Anoté $5000 en nafta.", out.Summary)
		require.JSONEq(t, `{"id":"e1"}`, string(out.Payload))
	}
	require.Equal(t, 1, g.calls)
}

func TestInvokeAction_UnknownStatus(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"maybe"}`))
	})
	_, err := c.InvokeAction(context.Background(), "finance", "x", ActionRequest{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown action status")
}

func TestInvokeAction_Non2xx(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	})
	_, err := c.InvokeAction(context.Background(), "finance", "x", ActionRequest{})
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusBadGateway, statusErr.HTTPStatusCode())
}

func TestCheckPaymentStatus(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/api/v1/tenants/t1/payment-status", r.URL.Path)
		_, _ = w.Write([]byte(`{"confirmed":true}`))
	})
	ok, err := c.CheckPaymentStatus(context.Background(), "t1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMarkSetupAndOnboardingComplete(t *testing.T) {
	var paths []string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.URL.Path == "/api/v1/tenants/t1/setup-complete" {
			var body setupRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.Equal(t, "Casa Pérez", body.Attributes["home_name"])
		}
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, c.MarkSetupComplete(context.Background(), "t1", map[string]string{"home_name": "Casa Pérez"}))
	require.NoError(t, c.MarkOnboardingComplete(context.Background(), "t1", "finance"))
	require.Equal(t, []string{
		"/api/v1/tenants/t1/setup-complete",
		"/api/v1/tenants/t1/onboarding/finance/complete",
	}, paths)
}

func TestVerifyToken(t *testing.T) {
	c, _ := newTestClient(t, func(http.ResponseWriter, *http.Request) {})

	ok, err := c.VerifyToken(context.Background(), "Bearer svc-token")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.VerifyToken(context.Background(), "wrong")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTokenErrors(t *testing.T) {
	c, err := NewClient("http://127.0.0.1:1", &fakeGetter{err: errors.New("ssm down")}, "/p")
	require.NoError(t, err)
	_, err = c.CheckPaymentStatus(context.Background(), "t1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "ssm down")

	c, err = NewClient("http://127.0.0.1:1", &fakeGetter{val: `{"token":""}`}, "/p")
	require.NoError(t, err)
	_, err = c.VerifyToken(context.Background(), "x")
	require.Error(t, err)
	require.Contains(t, err.Error(), "empty")
}
