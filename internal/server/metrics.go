package server

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/matheuscscp/oidc-pkce-client/internal/flow"
)

// flowMetrics counts the transitions of the authentication flow.
type flowMetrics struct {
	transitions *prometheus.CounterVec
}

func newFlowMetrics(promRegisterer prometheus.Registerer) *flowMetrics {
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_flow_transitions_total",
		Help: "Number of authentication flow transitions by phase and failure reason",
	}, []string{"phase", "reason"})
	promRegisterer.MustRegister(transitions)
	return &flowMetrics{transitions: transitions}
}

func (m *flowMetrics) Transition(_ context.Context, s flow.State) {
	var reason string
	if f, ok := s.(flow.Failed); ok {
		reason = string(f.Reason)
	}
	m.transitions.WithLabelValues(s.Phase().String(), reason).Inc()
}
