// SPDX-License-Identifier: MIT

// Package metrics exposes prometheus instruments for the control plane.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ticketsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "factoryd_tickets_created_total",
		Help: "Total number of tickets accepted into the backlog",
	})

	claimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factoryd_ticket_claims_total",
		Help: "Ticket claim attempts by outcome",
	}, []string{"outcome"}) // outcome=won|lost

	runsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factoryd_runs_dispatched_total",
		Help: "Runs created per harness",
	}, []string{"harness"})

	runTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factoryd_run_transitions_total",
		Help: "Run state transitions by edge",
	}, []string{"from", "to"})

	budgetExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factoryd_run_budget_exceeded_total",
		Help: "Runs timed out by budget enforcement, by reason",
	}, []string{"reason"}) // reason=max_minutes|max_tokens

	staleRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "factoryd_stale_runs_recovered_total",
		Help: "Runs timed out by the stale-heartbeat sweep",
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "factoryd_queue_pending",
		Help: "Depth of the readiness-hint queue (last observed)",
	})

	dispatchPaused = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "factoryd_dispatch_paused",
		Help: "Whether dispatching is paused (1) or running (0)",
	})
)

// TicketCreated counts an accepted backlog ticket.
func TicketCreated() { ticketsCreated.Inc() }

// ClaimOutcome counts a claim attempt; outcome is "won" or "lost".
func ClaimOutcome(outcome string) { claimsTotal.WithLabelValues(outcome).Inc() }

// RunDispatched counts a run created for the given harness.
func RunDispatched(harness string) { runsDispatched.WithLabelValues(harness).Inc() }

// RunTransition counts a successful run state transition.
func RunTransition(from, to string) { runTransitions.WithLabelValues(from, to).Inc() }

// BudgetExceeded counts a budget-driven timeout.
func BudgetExceeded(reason string) { budgetExceeded.WithLabelValues(reason).Inc() }

// StaleRunRecovered counts one run timed out by the recovery sweep.
func StaleRunRecovered() { staleRecovered.Inc() }

// SetQueueDepth records the last observed queue-hint depth.
func SetQueueDepth(n int64) { queueDepth.Set(float64(n)) }

// SetDispatchPaused records the control-plane pause flag.
func SetDispatchPaused(paused bool) {
	if paused {
		dispatchPaused.Set(1)
		return
	}
	dispatchPaused.Set(0)
}
