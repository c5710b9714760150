// Package metrics exposes prometheus instrumentation for the order pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OrdersAccepted counts orders accepted into a market's book, by market.
	OrdersAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forecastex",
		Name:      "orders_accepted_total",
		Help:      "Orders accepted into the book",
	}, []string{"market"})

	// OrdersRejected counts orders rejected at intake, by error kind.
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forecastex",
		Name:      "orders_rejected_total",
		Help:      "Orders rejected at validation or collateral check",
	}, []string{"kind"})

	// TradesExecuted counts fills produced by matching, by market.
	TradesExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forecastex",
		Name:      "trades_executed_total",
		Help:      "Trades produced by the matching engine",
	}, []string{"market"})

	// JobTransitions counts consensus job status transitions.
	JobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forecastex",
		Name:      "consensus_job_transitions_total",
		Help:      "Consensus job status transitions",
	}, []string{"status"})

	// JobsPending gauges the current pending job backlog.
	JobsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "forecastex",
		Name:      "consensus_jobs_pending",
		Help:      "Jobs waiting for a worker claim",
	})

	// MirrorChecks counts mirror confirmation checks by outcome.
	MirrorChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forecastex",
		Name:      "mirror_checks_total",
		Help:      "Read-replica confirmation checks",
	}, []string{"outcome"})

	// BatchesCreated counts settlement batches created.
	BatchesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "forecastex",
		Name:      "settlement_batches_created_total",
		Help:      "Settlement batches created by the aggregator",
	})

	// SweepDuration observes background sweep durations by component.
	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "forecastex",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of background sweeps",
		Buckets:   prometheus.DefBuckets,
	}, []string{"component"})
)
