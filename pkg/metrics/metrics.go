// Package metrics exposes the Prometheus counters and histograms named in
// §6 Observability: elections, RPCs sent/received with latency and
// failure-by-kind, commit index, apply lag, and snapshot rate.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Role/term state
	Role = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "raftcore_role",
			Help: "Whether this node currently holds a given role (1 = current role, 0 = other)",
		},
		[]string{"role"},
	)

	CurrentTerm = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raftcore_current_term",
			Help: "Current Raft term observed by this node",
		},
	)

	// Elections
	ElectionsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "raftcore_elections_started_total",
			Help: "Total number of elections this node has started",
		},
	)

	ElectionsWon = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "raftcore_elections_won_total",
			Help: "Total number of elections this node has won",
		},
	)

	ElectionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "raftcore_election_duration_seconds",
			Help:    "Time from election start to a win or to the election timer expiring with no winner",
			Buckets: prometheus.DefBuckets,
		},
	)

	// RPCs
	RPCSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raftcore_rpc_sent_total",
			Help: "Total number of RPCs sent by verb and outcome",
		},
		[]string{"verb", "outcome"},
	)

	RPCReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raftcore_rpc_received_total",
			Help: "Total number of RPCs received by verb",
		},
		[]string{"verb"},
	)

	RPCLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "raftcore_rpc_latency_seconds",
			Help:    "Latency of outgoing RPCs by verb",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"verb"},
	)

	RPCFailuresByKind = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raftcore_rpc_failures_total",
			Help: "Total number of RPC send failures by error-handler classification",
		},
		[]string{"kind"},
	)

	PartitionSuspected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "raftcore_partition_suspected_total",
			Help: "Total number of times the partition-suspected heuristic fired",
		},
	)

	// Log / commit / apply
	CommitIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raftcore_commit_index",
			Help: "Highest log index known committed on this node",
		},
	)

	LastApplied = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raftcore_last_applied",
			Help: "Highest log index applied to the state machine on this node",
		},
	)

	ApplyLag = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raftcore_apply_lag",
			Help: "commit_index - last_applied on this node",
		},
	)

	ApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "raftcore_apply_duration_seconds",
			Help:    "Time taken to apply a single log entry to the state machine",
			Buckets: prometheus.DefBuckets,
		},
	)

	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "raftcore_commit_duration_seconds",
			Help:    "Time from a leader appending an entry to that entry committing",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Snapshots
	SnapshotsTaken = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "raftcore_snapshots_taken_total",
			Help: "Total number of snapshots taken by this node",
		},
	)

	SnapshotsInstalled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "raftcore_snapshots_installed_total",
			Help: "Total number of snapshots installed by this node acting as a follower",
		},
	)

	SnapshotBytesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "raftcore_snapshot_bytes_sent_total",
			Help: "Total number of snapshot chunk bytes sent to followers",
		},
	)

	// Waiters / configuration sync
	WaitersPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raftcore_waiters_pending",
			Help: "Number of client promises currently awaiting commit+apply",
		},
	)

	ConfigChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raftcore_config_changes_total",
			Help: "Total number of configuration changes by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		Role,
		CurrentTerm,
		ElectionsStarted,
		ElectionsWon,
		ElectionDuration,
		RPCSentTotal,
		RPCReceivedTotal,
		RPCLatency,
		RPCFailuresByKind,
		PartitionSuspected,
		CommitIndex,
		LastApplied,
		ApplyLag,
		ApplyDuration,
		CommitDuration,
		SnapshotsTaken,
		SnapshotsInstalled,
		SnapshotBytesSent,
		WaitersPending,
		ConfigChangesTotal,
	)
}

// Handler returns the Prometheus scrape handler for the CLI harness to
// mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing operations and observing the result
// into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new running Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time into a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time into a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
