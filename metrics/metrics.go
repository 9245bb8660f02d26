// Package metrics holds the Prometheus collectors of the tontine engine.
// Collectors register on the default registry; /metrics exposes them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Ledger ─────────────────────────────────────────────────────────────────

var TransactionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tontine",
	Name:      "transactions_created_total",
	Help:      "Transactions created, by type and initial status.",
}, []string{"type", "status"})

var TransactionsTransitioned = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tontine",
	Name:      "transactions_transitioned_total",
	Help:      "Transaction status transitions, by type and target status.",
}, []string{"type", "status"})

var ValidationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tontine",
	Name:      "validation_failures_total",
	Help:      "Validation units that were rolled back, by reason.",
}, []string{"reason"})

var FeesAccrued = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tontine",
	Name:      "fees_accrued_units_total",
	Help:      "Currency units reserved as tontinier fees, by earning type.",
}, []string{"earning_type"})

var EarningsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tontine",
	Name:      "earnings_recorded_total",
	Help:      "Earnings appended to the earnings ledger, by earning type.",
}, []string{"earning_type"})

var SubscriptionRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tontine",
	Name:      "subscription_billing_runs_total",
	Help:      "Subscription billing runs, by outcome.",
}, []string{"outcome"})

// ─── HTTP ───────────────────────────────────────────────────────────────────

var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tontine",
	Name:      "http_requests_total",
	Help:      "HTTP requests processed, by method, route and status code.",
}, []string{"method", "route", "status"})

var HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "tontine",
	Name:      "http_request_duration_seconds",
	Help:      "Latency distribution of HTTP requests.",
	Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
}, []string{"method", "route"})
