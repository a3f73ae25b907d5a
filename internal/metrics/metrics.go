// Package metrics registers the engine's Prometheus collectors on the
// default registry, exposed by the /metrics handler.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ObservationsProcessed counts observations accepted by the session
	// manager, labeled by the verdict-derived outcome.
	ObservationsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eduvision_observations_processed_total",
		Help: "Observations processed by the session manager.",
	}, []string{"outcome"})

	// ObservationsDropped counts observations rejected before a session
	// transition, labeled by drop reason.
	ObservationsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eduvision_observations_dropped_total",
		Help: "Observations dropped before reaching a session.",
	}, []string{"reason"})

	// OpenSessions tracks the live session count.
	OpenSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "eduvision_open_sessions",
		Help: "Sessions currently in the active or absent-grace state.",
	})

	// SyncRuns counts reconciliation passes, labeled by direction and
	// result.
	SyncRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eduvision_sync_runs_total",
		Help: "Reconciliation passes by direction and result.",
	}, []string{"direction", "result"})

	// RecordsSynced counts attendance records successfully pushed.
	RecordsSynced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "eduvision_records_synced_total",
		Help: "Attendance records pushed to the central database.",
	})

	// PendingRecords tracks the local pending-sync backlog.
	PendingRecords = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "eduvision_pending_records",
		Help: "Attendance records awaiting push.",
	})
)

func init() {
	prometheus.MustRegister(
		ObservationsProcessed,
		ObservationsDropped,
		OpenSessions,
		SyncRuns,
		RecordsSynced,
		PendingRecords,
	)
}
