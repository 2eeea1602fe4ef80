// Package metrics defines the Prometheus collectors exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequests counts inbound HTTP requests by route and status.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accounting_http_requests_total",
			Help: "Total HTTP requests processed.",
		},
		[]string{"method", "route", "status"},
	)

	// ConsumedMessages counts queue messages by queue and outcome.
	ConsumedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accounting_consumed_messages_total",
			Help: "Total queue messages consumed.",
		},
		[]string{"queue", "status"},
	)

	// ChargedJobs counts jobs processed by the periodic chargers.
	ChargedJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accounting_charged_jobs_total",
			Help: "Total jobs processed by the periodic chargers.",
		},
		[]string{"service_type", "status"},
	)

	// TransactionAmounts observes the posted ledger amounts.
	TransactionAmounts = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "accounting_transaction_amount",
			Help:    "Amounts posted to the ledger.",
			Buckets: prometheus.ExponentialBuckets(0.000001, 10, 12),
		},
		[]string{"transaction_type"},
	)
)
