package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransfersCreated counts transfer records created through the API.
	TransfersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hypergate_transfers_created_total",
		Help: "Total number of transfer records created",
	})

	// TransfersCompleted counts transfers that reached COMPLETED.
	TransfersCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hypergate_transfers_completed_total",
		Help: "Total number of transfers that reached COMPLETED",
	})

	// TransferStatusUpdates counts status updates by resulting status.
	TransferStatusUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hypergate_transfer_status_updates_total",
		Help: "Total number of transfer status updates by resulting status",
	}, []string{"status"})

	// LifecycleFailures counts lifecycle error outcomes by error kind.
	LifecycleFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hypergate_lifecycle_failures_total",
		Help: "Total number of lifecycle failures by error kind",
	}, []string{"kind"})

	// DepositEventsObserved counts on-chain deposit events seen by the watcher.
	DepositEventsObserved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hypergate_deposit_events_observed_total",
		Help: "Total number of on-chain deposit events observed",
	})

	// DepositEventsReconciled counts watcher reconciliation outcomes.
	DepositEventsReconciled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hypergate_deposit_events_reconciled_total",
		Help: "Total number of reconciled deposit events by outcome",
	}, []string{"outcome"})

	// StaleTransfersFailed counts transfers the sweep marked FAILED.
	StaleTransfersFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hypergate_stale_transfers_failed_total",
		Help: "Total number of stale transfers the sweep marked FAILED",
	})

	// WatcherReconnects counts chain subscription reconnect attempts.
	WatcherReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hypergate_watcher_reconnects_total",
		Help: "Total number of chain watcher reconnect attempts",
	})

	// RateLimitDecisions counts rate limiter verdicts by limiter name and verdict.
	RateLimitDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hypergate_rate_limit_decisions_total",
		Help: "Total rate limit decisions by limiter and verdict",
	}, []string{"limiter", "verdict"})

	// RateLimitFallbacks counts requests served by the in-memory fallback
	// because the shared store was unreachable.
	RateLimitFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hypergate_rate_limit_fallbacks_total",
		Help: "Total rate limit checks served by the local fallback",
	})

	// HTTPRequestDuration observes request latency by route and status code.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hypergate_http_request_duration_seconds",
		Help:    "HTTP request latency by route and status",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method", "status"})

	// NATSConnectionStatus is 1 while the event bus connection is up.
	NATSConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hypergate_nats_connection_status",
		Help: "Event bus connection status (1 connected, 0 disconnected)",
	})

	// WebsocketClients tracks currently connected push subscribers.
	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hypergate_websocket_clients",
		Help: "Currently connected websocket subscribers",
	})
)
