package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CheckoutSessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_sessions_started_total",
		Help: "Total number of checkout sessions created",
	})

	CheckoutStepFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_step_failures_total",
		Help: "Validation failures per checkout step",
	}, []string{"step"})

	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of failed order creations",
	}, []string{"reason"})

	OrderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_transitions_total",
		Help: "Order status transitions applied",
	}, []string{"to"})

	OrderTransitionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "order_transition_conflicts_total",
		Help: "Status transitions rejected by concurrent modification",
	})

	PaymentAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_attempts_total",
		Help: "Payment confirmations attempted, by provider",
	}, []string{"provider"})

	PaymentOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_outcomes_total",
		Help: "Payment outcomes, by provider and result",
	}, []string{"provider", "outcome"})

	PaymentLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payment_latency_seconds",
		Help:    "Latency of payment provider calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	ReconciliationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_reconciliations_total",
		Help: "Reconciliation outcomes for unknown payment results",
	}, []string{"result"})

	RecoveriesOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "payment_recoveries_open",
		Help: "Captured payments awaiting order reconciliation",
	})

	OversellsFlagged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_oversells_flagged_total",
		Help: "Stock decrements clamped at zero and flagged for restock",
	})

	ShippingFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shipping_rate_fallbacks_total",
		Help: "Rate lookups served by the conservative fallback method",
	})

	ShippingLookupLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shipping_lookup_latency_seconds",
		Help:    "Latency of shipping rate lookups",
		Buckets: prometheus.DefBuckets,
	})

	FulfillmentTasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_tasks_completed_total",
		Help: "Fulfillment tasks completed, by type",
	}, []string{"type"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
