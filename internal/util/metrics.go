package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	OrdersCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_completed_total",
		Help: "Total number of orders fully or partially fulfilled",
	})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of failed orders",
	}, []string{"reason"})

	OrdersRefundedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_refunded_total",
		Help: "Total number of orders refunded during compensation",
	})

	KeysIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "game_keys_issued_total",
		Help: "Total number of game keys retrieved and stored",
	})

	FulfillmentUnitErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_unit_errors_total",
		Help: "Per-unit fulfillment errors by category",
	}, []string{"category"})

	FulfillmentLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fulfillment_latency_seconds",
		Help:    "Latency of the full order fulfillment workflow",
		Buckets: prometheus.DefBuckets,
	})

	G2ARequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "g2a_requests_total",
		Help: "Total reseller API requests by operation and outcome",
	}, []string{"operation", "outcome"})

	G2ARequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "g2a_request_latency_seconds",
		Help:    "Latency of reseller API requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	G2ARetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "g2a_retries_total",
		Help: "Total retried reseller API requests",
	}, []string{"operation"})

	SyncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_sync_runs_total",
		Help: "Total catalog sync runs by outcome",
	}, []string{"outcome"})

	SyncProductsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_sync_products_total",
		Help: "Products processed by the catalog sync engine",
	}, []string{"action"})

	SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "catalog_sync_duration_seconds",
		Help:    "Duration of catalog sync runs",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})

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
