// Package obs carries the bot's observability surface: Prometheus
// metrics registered at init and a readiness checker served on
// /healthz. Metrics are package-level so any component can record
// without plumbing a registry through every constructor.
package obs

import "github.com/prometheus/client_golang/prometheus"

var (
	ordersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_orders_total",
			Help: "Orders counted at each state transition",
		},
		[]string{"state"},
	)

	fillsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_fills_total",
			Help: "Confirmed fills applied to the ledger",
		},
	)

	riskRejectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_risk_rejects_total",
			Help: "Intents rejected by the risk gate, by reason",
		},
		[]string{"reason"},
	)

	submitRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_submit_retries_total",
			Help: "Order submissions retried after a transient failure",
		},
	)

	reconcileMismatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_reconcile_mismatches_total",
			Help: "Divergences between local and exchange order state found during reconciliation",
		},
	)

	invariantDefects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_invariant_defects_total",
			Help: "Internal invariant violations (overfills and the like); each one halts its symbol",
		},
	)

	ticksDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_ticks_dropped_total",
			Help: "Market data ticks dropped before reaching a strategy",
		},
		[]string{"reason"},
	)

	eventsPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bot_events_published_total",
			Help: "Outbox events delivered to the message broker",
		},
	)

	openOrdersGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_open_orders",
			Help: "Orders currently in a non-terminal state",
		},
	)

	equityGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_equity_usd",
			Help: "Equity snapshot: cash plus marked positions",
		},
	)

	committedExposure = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_committed_exposure_usd",
			Help: "Notional reserved by approved but unfilled orders",
		},
	)
)

func init() {
	prometheus.MustRegister(ordersTotal, fillsTotal, riskRejectsTotal)
	prometheus.MustRegister(submitRetriesTotal, reconcileMismatches, invariantDefects)
	prometheus.MustRegister(ticksDropped, eventsPublished)
	prometheus.MustRegister(openOrdersGauge, equityGauge, committedExposure)
}

func IncOrderState(state string)     { ordersTotal.WithLabelValues(state).Inc() }
func IncFill()                       { fillsTotal.Inc() }
func IncRiskReject(reason string)    { riskRejectsTotal.WithLabelValues(reason).Inc() }
func IncSubmitRetry()                { submitRetriesTotal.Inc() }
func IncReconcileMismatch()          { reconcileMismatches.Inc() }
func IncInvariantDefect()            { invariantDefects.Inc() }
func IncTickDropped(reason string)   { ticksDropped.WithLabelValues(reason).Inc() }
func IncEventPublished()             { eventsPublished.Inc() }
func SetOpenOrders(n int)            { openOrdersGauge.Set(float64(n)) }
func SetEquity(v float64)            { equityGauge.Set(v) }
func SetCommittedExposure(v float64) { committedExposure.Set(v) }
