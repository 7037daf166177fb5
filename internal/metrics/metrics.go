package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Telemetry core counters and histograms. Registered once at init;
// /metrics is wired in the router via Handler().
var (
	HeartbeatsIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "unitymdm_heartbeats_ingested_total",
		Help: "Heartbeat rows inserted into the historical log.",
	})
	HeartbeatsDeduplicated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "unitymdm_heartbeats_deduplicated_total",
		Help: "Heartbeats collapsed by the (device_id, dedup_bucket) unique key.",
	})
	HeartbeatsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "unitymdm_heartbeats_rejected_total",
		Help: "Heartbeats rejected before insert, by reason.",
	}, []string{"reason"}) // validation / no_partition

	ProjectionRepairs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "unitymdm_projection_repairs_total",
		Help: "Fast-status rows repaired by the reconciliation job.",
	})

	PartitionTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "unitymdm_partition_transitions_total",
		Help: "Partition lifecycle transitions, by outcome.",
	}, []string{"outcome"}) // created / archived / archive_failed / pruned

	DispatchCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "unitymdm_dispatch_records_created_total",
		Help: "Dispatch ledger rows created (first attempt per request_id).",
	})
	DispatchFinalized = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "unitymdm_dispatch_records_finalized_total",
		Help: "Dispatch ledger rows finalized, by terminal status.",
	}, []string{"status"}) // sent / failed

	IngestLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "unitymdm_ingest_write_seconds",
		Help:    "Latency of the log insert + projection upsert pair.",
		Buckets: prometheus.DefBuckets,
	})
	MaintenanceDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "unitymdm_maintenance_run_seconds",
		Help:    "Wall-clock duration of a full maintenance run.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	})
	ReconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "unitymdm_reconcile_run_seconds",
		Help:    "Wall-clock duration of a reconciliation run.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	})
)

func init() {
	prometheus.MustRegister(
		HeartbeatsIngested,
		HeartbeatsDeduplicated,
		HeartbeatsRejected,
		ProjectionRepairs,
		PartitionTransitions,
		DispatchCreated,
		DispatchFinalized,
		IngestLatency,
		MaintenanceDuration,
		ReconcileDuration,
	)
}

// Handler exposes the default prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
