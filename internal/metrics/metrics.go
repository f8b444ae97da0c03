// Package metrics holds the Prometheus collectors of the orchestration core.
package metrics

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

const namespace = "homeai_bot"

// Metrics is safe to use as a nil receiver; every method is then a no-op.
type Metrics struct {
	dispatches  *prometheus.CounterVec
	adapterTime *prometheus.HistogramVec
	classifier  *prometheus.HistogramVec
	inbound     *prometheus.CounterVec
	transitions *prometheus.CounterVec
}

var (
	defaultOnce sync.Once
	shared      *Metrics
)

// Default returns the instance registered with the global registerer.
func Default() *Metrics {
	defaultOnce.Do(func() {
		shared = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return shared
}

// MustNewMetrics registers the collectors with reg and panics on conflicts
// other than an identical collector already being registered.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "dispatch_results_total",
			Help:      "Dispatch results by domain, status and error kind.",
		}, []string{"domain", "status", "error_kind"}),
		adapterTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "adapter_duration_seconds",
			Help:      "Latency of domain handler invocations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"domain", "outcome"}),
		classifier: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "duration_seconds",
			Help:      "Latency of intent classification.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "inbound",
			Name:      "messages_total",
			Help:      "Inbound messages by outcome.",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Subscription lifecycle transitions by event.",
		}, []string{"event"}),
	}

	m.dispatches = register(reg, m.dispatches)
	m.adapterTime = register(reg, m.adapterTime)
	m.classifier = register(reg, m.classifier)
	m.inbound = register(reg, m.inbound)
	m.transitions = register(reg, m.transitions)
	return m
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) ObserveDispatch(domainName, status, errorKind string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(domainName, status, errorKind).Inc()
}

func (m *Metrics) ObserveAdapter(domainName, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.adapterTime.WithLabelValues(domainName, outcome).Observe(d.Seconds())
}

func (m *Metrics) ObserveClassifier(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.classifier.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) IncInbound(outcome string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncTransition(event string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(event).Inc()
}

// Render returns the text exposition of g and its content type, used by the
// internal metrics route.
func Render(g prometheus.Gatherer) (string, string, error) {
	families, err := g.Gather()
	if err != nil {
		return "", "", fmt.Errorf("metrics: gather: %w", err)
	}
	format := expfmt.NewFormat(expfmt.TypeTextPlain)
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, format)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return "", "", fmt.Errorf("metrics: encode %s: %w", mf.GetName(), err)
		}
	}
	return buf.String(), string(format), nil
}
