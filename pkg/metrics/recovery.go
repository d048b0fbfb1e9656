package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RecoveriesStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_recoveries_started_total",
		Help: "Total number of master recoveries started",
	})

	RecoveriesFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_recoveries_finished_total",
		Help: "Total number of master recoveries finished, by outcome",
	}, []string{"outcome"})

	RecoveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "coordinator_recovery_duration_seconds",
		Help:    "Wall time from recovery start to completion",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	ReplicasGathered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_recovery_replicas_gathered_total",
		Help: "Total segment replicas reported by backups during recovery",
	})

	ReplicasFiltered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_recovery_replicas_filtered_total",
		Help: "Total stale open replicas filtered out during recovery",
	})

	RecoveryMastersStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_recovery_masters_started_total",
		Help: "Total recover RPCs issued to recovery masters",
	})

	BackupFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "master_backup_failures_total",
		Help: "Total backup failures handled by the backup failure monitor",
	})

	HeadRollovers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "master_log_head_rollovers_total",
		Help: "Total log head rollovers forced by backup failures",
	})
)
