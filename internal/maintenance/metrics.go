package maintenance

import "github.com/prometheus/client_golang/prometheus"

var (
	leaseSweepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaseq_lease_sweeps_total",
			Help: "Total number of expired-lease sweeps by status.",
		},
		[]string{"status"},
	)
	leasesReleasedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "leaseq_leases_released_total",
			Help: "Total number of lapsed leases cleared by sweeps.",
		},
	)
	snapshotsPrunedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "leaseq_snapshots_pruned_total",
			Help: "Total number of snapshot objects deleted by retention.",
		},
	)
	integrityRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaseq_snapshot_integrity_runs_total",
			Help: "Total number of snapshot integrity checks by status.",
		},
		[]string{"status"},
	)
	integrityIssuesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaseq_snapshot_integrity_issues_total",
			Help: "Total number of snapshot integrity issues by kind.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		leaseSweepsTotal,
		leasesReleasedTotal,
		snapshotsPrunedTotal,
		integrityRunsTotal,
		integrityIssuesTotal,
	)
}
