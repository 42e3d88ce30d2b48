// ABOUTME: Prometheus metrics for authorization decisions and lock transitions.
// ABOUTME: Exposed on /metrics via promhttp in the server wiring.
package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// authzDecisions counts gate outcomes. outcome is one of
	// allow, allow_superuser, deny, not_found, error.
	authzDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowdeck_authz_decisions_total",
		Help: "Authorization gate decisions by outcome.",
	}, []string{"outcome"})

	// lockTransitions counts flow lock state changes. transition is one of
	// acquire, release, conflict.
	lockTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowdeck_flow_lock_transitions_total",
		Help: "Flow edit-lock transitions by result.",
	}, []string{"transition"})
)
