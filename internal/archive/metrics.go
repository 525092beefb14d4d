package archive

import "github.com/prometheus/client_golang/prometheus"

var (
	snapshotsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaseq_snapshots_total",
			Help: "Total number of snapshot exports and imports by status.",
		},
		[]string{"operation", "status"},
	)
	snapshotRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaseq_snapshot_rows_total",
			Help: "Total number of rows written to or restored from snapshots.",
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(snapshotsTotal, snapshotRowsTotal)
}
