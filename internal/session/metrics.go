package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts hub activity. All counters are optional; a nil *Metrics
// disables collection.
type Metrics struct {
	Messages          prometheus.Counter
	Invocations       *prometheus.CounterVec
	AgentResponses    *prometheus.CounterVec
	SelectorRuns      prometheus.Counter
	PermissionPrompts prometheus.Counter
	PermissionCached  prometheus.Counter
	SaveErrors        prometheus.Counter
}

// NewMetrics registers the hub counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Messages: factory.NewCounter(prometheus.CounterOpts{
			Name: "grouphub_messages_total",
			Help: "Messages appended to session logs.",
		}),
		Invocations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "grouphub_invocations_total",
			Help: "Agent invocations by outcome.",
		}, []string{"outcome"}),
		AgentResponses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "grouphub_agent_responses_total",
			Help: "Agent responses delivered, by agent.",
		}, []string{"agent"}),
		SelectorRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "grouphub_selector_runs_total",
			Help: "Selector model calls.",
		}),
		PermissionPrompts: factory.NewCounter(prometheus.CounterOpts{
			Name: "grouphub_permission_prompts_total",
			Help: "Permission requests forwarded to a user.",
		}),
		PermissionCached: factory.NewCounter(prometheus.CounterOpts{
			Name: "grouphub_permission_cached_total",
			Help: "Permission requests answered from the store.",
		}),
		SaveErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "grouphub_save_errors_total",
			Help: "Failed session checkpoint writes.",
		}),
	}
}
