package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestMustNewMetrics_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := MustNewMetrics(reg)
	b := MustNewMetrics(reg)

	a.ObserveDispatch("finance", "succeeded", "")
	b.ObserveDispatch("finance", "succeeded", "")
	a.ObserveAdapter("finance", "success", 20*time.Millisecond)
	a.ObserveClassifier("ok", time.Second)
	a.IncInbound("processed")
	a.IncTransition("payment_confirmed")

	body, contentType, err := Render(reg)
	require.NoError(t, err)
	require.Contains(t, contentType, "text/plain")
	require.Contains(t, body, `homeai_bot_router_dispatch_results_total{domain="finance",error_kind="",status="succeeded"} 2`)
	require.Contains(t, body, `homeai_bot_lifecycle_transitions_total{event="payment_confirmed"} 1`)
	require.Contains(t, body, `homeai_bot_inbound_messages_total{outcome="processed"} 1`)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveDispatch("finance", "failed", "adapter_error")
	m.ObserveAdapter("finance", "error", time.Second)
	m.ObserveClassifier("error", time.Second)
	m.IncInbound("duplicate")
	m.IncTransition("cancelled")
}

func TestRender_GatherError(t *testing.T) {
	failing := prometheus.GathererFunc(func() ([]*dto.MetricFamily, error) {
		return nil, errors.New("collector failed")
	})

	_, _, err := Render(failing)
	require.ErrorContains(t, err, "collector failed")
}
