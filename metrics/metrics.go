package metrics

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics for the custody engine
var (
	TelemetryReadingsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_readings_total",
			Help: "Total number of telemetry readings received",
		},
	)

	TelemetryReadingsInvalidTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "telemetry_readings_invalid_total",
			Help: "Total number of telemetry readings rejected by validation",
		},
	)

	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_alerts_total",
			Help: "Total number of threshold alerts raised",
		},
		[]string{"kind"},
	)

	TransfersInitiatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "custody_transfers_initiated_total",
			Help: "Total number of custody transfers initiated",
		},
	)

	TransfersConfirmedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "custody_transfers_confirmed_total",
			Help: "Total number of custody transfers confirmed on the ledger",
		},
	)

	OperationsQueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pending_operations_queued_total",
			Help: "Total number of mutations accepted optimistically into the pending queue",
		},
	)

	PendingOperations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pending_operations",
			Help: "Current depth of the pending-operation queue",
		},
	)

	DeadLetterTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pending_operations_dead_letter_total",
			Help: "Total number of pending operations moved to the dead-letter list",
		},
	)

	DrainRunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pending_queue_drain_runs_total",
			Help: "Total number of queue drain passes",
		},
	)

	ProbeFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "connection_probe_failures_total",
			Help: "Total number of failed connectivity probes",
		},
	)
)

// Register registers all Prometheus metrics
func Register() {
	prometheus.MustRegister(TelemetryReadingsTotal)
	prometheus.MustRegister(TelemetryReadingsInvalidTotal)
	prometheus.MustRegister(AlertsTotal)
	prometheus.MustRegister(TransfersInitiatedTotal)
	prometheus.MustRegister(TransfersConfirmedTotal)
	prometheus.MustRegister(OperationsQueuedTotal)
	prometheus.MustRegister(PendingOperations)
	prometheus.MustRegister(DeadLetterTotal)
	prometheus.MustRegister(DrainRunsTotal)
	prometheus.MustRegister(ProbeFailuresTotal)
}
