// Package metrics holds the Prometheus collectors for snapshot distribution
// and the personal store.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Keys for atlas metrics.
const (
	SnapshotRefreshTotalKey       = "atlas_snapshot_refresh_total"
	SnapshotDownloadBytesTotalKey = "atlas_snapshot_download_bytes_total"
	SnapshotInstallSecondsKey     = "atlas_snapshot_install_seconds"
	SearchTotalKey                = "atlas_search_total"
	MirrorWritesTotalKey          = "atlas_mirror_writes_total"
	OutboxPendingKey              = "atlas_outbox_pending"
	ReconciledProposalsTotalKey   = "atlas_reconciled_proposals_total"
)

// Collectors for atlas metrics.
var (
	SnapshotRefreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: SnapshotRefreshTotalKey,
		Help: "Snapshot refresh attempts by outcome (updated, unchanged, failed).",
	}, []string{"outcome"})
	SnapshotDownloadBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: SnapshotDownloadBytesTotalKey,
		Help: "Cumulative number of snapshot bytes downloaded.",
	})
	SnapshotInstallSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    SnapshotInstallSecondsKey,
		Help:    "Duration of snapshot installs, from seed or remote.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"source"})
	SearchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: SearchTotalKey,
		Help: "Searches by entity kind and the path that served them (local, remote, empty).",
	}, []string{"kind", "path"})
	MirrorWritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: MirrorWritesTotalKey,
		Help: "Mirror writes to the remote store by result (ok, queued, replayed, dropped).",
	}, []string{"result"})
	OutboxPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: OutboxPendingKey,
		Help: "Mirror writes waiting in the outbox of the open personal database.",
	})
	ReconciledProposalsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: ReconciledProposalsTotalKey,
		Help: "Cumulative number of local proposals removed by reconciliation.",
	})
)

// AtlasCollectors returns every collector defined here
func AtlasCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		SnapshotRefreshTotal,
		SnapshotDownloadBytesTotal,
		SnapshotInstallSeconds,
		SearchTotal,
		MirrorWritesTotal,
		OutboxPending,
		ReconciledProposalsTotal,
	}
}

// Handler returns an HTTP handler exposing the collectors on a private registry
func Handler() (http.Handler, error) {
	reg := prometheus.NewRegistry()
	for _, c := range AtlasCollectors() {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}
