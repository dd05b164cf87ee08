package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TPCRequestsAccepted counts third-party-copy requests admitted by the
	// Manager across every label.
	TPCRequestsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "xrdtpc",
		Name:      "requests_accepted_total",
		Help:      "Total number of TPC requests accepted by the request manager",
	})

	// TPCRequestsRejected counts requests turned away for backpressure
	// (per-label queue full) or because the manager is draining.
	TPCRequestsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "xrdtpc",
		Name:      "requests_rejected_total",
		Help:      "Total number of TPC requests rejected (queue full or manager draining)",
	})

	// TPCTransfersCompleted counts Requests that reached a terminal status
	// of 0 (success).
	TPCTransfersCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "xrdtpc",
		Name:      "transfers_completed_total",
		Help:      "Total number of TPC transfers that completed successfully",
	})

	// TPCTransfersFailed counts Requests that reached a non-zero terminal
	// status, including engine errors and cancellation.
	TPCTransfersFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "xrdtpc",
		Name:      "transfers_failed_total",
		Help:      "Total number of TPC transfers that failed, were cancelled, or errored",
	})

	// TPCQueueDepth tracks the current number of queued-but-undispatched
	// requests, broken out by label.
	TPCQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "xrdtpc",
		Name:      "queue_depth",
		Help:      "Current number of pending TPC requests, by label",
	}, []string{"label"})

	// TPCActiveWorkers tracks the total number of live workers across every
	// label's queue.
	TPCActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "xrdtpc",
		Name:      "active_workers",
		Help:      "Current number of TPC workers running across all labels",
	})
)
