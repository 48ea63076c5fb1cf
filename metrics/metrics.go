package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CommitAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "delta_commit_attempts_total",
		Help: "Total number of commit attempts, including retried ones.",
	})

	CommitsSucceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "delta_commits_succeeded_total",
		Help: "Total number of commits that claimed a version slot.",
	})

	CommitConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "delta_commit_conflicts_total",
		Help: "Total number of detected commit conflicts, by rule.",
	}, []string{"rule"})

	CommitVersionRaces = promauto.NewCounter(prometheus.CounterOpts{
		Name: "delta_commit_version_races_total",
		Help: "Total number of lost version races that passed conflict checking.",
	})

	CommitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "delta_commit_duration_seconds",
		Help:    "Duration of the full commit loop, retries included.",
		Buckets: prometheus.DefBuckets,
	})

	CheckpointsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "delta_checkpoints_written_total",
		Help: "Total number of checkpoints written.",
	})

	CheckpointFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "delta_checkpoint_failures_total",
		Help: "Total number of failed checkpoint writes.",
	})

	ChecksumVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "delta_checksum_verifications_total",
		Help: "Total number of checksum verifications, by result.",
	}, []string{"result"})

	SnapshotCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "delta_snapshot_cache_hits_total",
		Help: "Total number of snapshot cache hits.",
	})

	SnapshotCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "delta_snapshot_cache_misses_total",
		Help: "Total number of snapshot cache misses.",
	})
)
