package reconciler

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_transitions_total",
		Help: "Content status transitions written by reconciliation.",
	}, []string{"status"})
	deferrals = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconcile_deferred_total",
		Help: "Reconcile passes deferred by the provider rate limit.",
	})
	providerCalls = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "reconcile_provider_calls_total",
		Help: "Batched status calls issued to the provider.",
	})
	providerErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_provider_errors_total",
		Help: "Provider call failures by classified category.",
	}, []string{"category"})
	sweepRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_sweep_runs_total",
		Help: "Bulk sweep runs by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(transitions, deferrals, providerCalls, providerErrors, sweepRuns)
}
