// Package metrics exposes Prometheus instrumentation for the kernel core:
// queue depths, comm counts, and request/error tallies a front end's own
// monitoring can scrape. It never influences the recovery policy in
// internal/wire's error handling, it only counts it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	iopubQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kernelcore_iopub_queue_depth",
		Help: "Number of messages currently buffered in the IOPub broadcaster.",
	})

	openComms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kernelcore_open_comms",
		Help: "Number of currently open comms.",
	})

	pendingRPCs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kernelcore_pending_rpcs",
		Help: "Number of outstanding comm RPC requests awaiting a reply.",
	})

	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kernelcore_requests_total",
			Help: "Total number of Shell/Control requests handled, by socket and message type.",
		},
		[]string{"socket", "msg_type"},
	)

	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kernelcore_errors_total",
			Help: "Total number of errors encountered, by kind (see internal/wire and internal/kernel error classification).",
		},
		[]string{"kind"},
	)
)

// SetIOPubQueueDepth records the current IOPub channel backlog.
func SetIOPubQueueDepth(n int) {
	iopubQueueDepth.Set(float64(n))
}

// SetOpenComms records the current number of open comms.
func SetOpenComms(n int) {
	openComms.Set(float64(n))
}

// SetPendingRPCs records the current pending-RPC table size.
func SetPendingRPCs(n int) {
	pendingRPCs.Set(float64(n))
}

// RecordRequest increments the request counter for a given socket ("shell", "control") and msg_type.
func RecordRequest(socket, msgType string) {
	requestsTotal.WithLabelValues(socket, msgType).Inc()
}

// RecordError increments the error counter for a given error kind (e.g. "bad_signature", "malformed").
func RecordError(kind string) {
	errorsTotal.WithLabelValues(kind).Inc()
}
