package download

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the per-torrent set of counters/gauges DownloadMain exports,
// mirroring the teacher's style of handing a caller-supplied
// prometheus.Registerer to each long-lived component rather than using
// the global default registry. Grounded on choke.Queue's own
// UnchokedGauge field and original_source/libtorrent/src/torrent/download/download_main.cc's
// chunk-statistics counters.
type Metrics struct {
	ChunksCompleted  prometheus.Counter
	ChunksRedundant  prometheus.Counter
	ChunksUnexpected prometheus.Counter

	HashSuccess prometheus.Counter
	HashFailure prometheus.Counter

	PeersConnected   prometheus.Gauge
	UploadUnchoked   prometheus.Gauge
	DownloadUnchoked prometheus.Gauge

	BanCandidates prometheus.Counter
}

// NewMetrics registers a fresh Metrics set under reg, namespaced by name
// (typically the torrent's info-hash hex or a display name) so multiple
// torrents in one process don't collide on label values.
func NewMetrics(reg prometheus.Registerer, name string) *Metrics {
	labels := prometheus.Labels{"torrent": name}
	factory := promauto.With(reg)
	m := &Metrics{
		ChunksCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name:        "swarmd_chunks_completed_total",
			Help:        "Pieces that finished hash verification successfully.",
			ConstLabels: labels,
		}),
		ChunksRedundant: factory.NewCounter(prometheus.CounterOpts{
			Name:        "swarmd_chunks_redundant_bytes_total",
			Help:        "Bytes discarded because a non-leader transfer agreed with an already-stored leader.",
			ConstLabels: labels,
		}),
		ChunksUnexpected: factory.NewCounter(prometheus.CounterOpts{
			Name:        "swarmd_chunks_unexpected_total",
			Help:        "PIECE messages that arrived with no matching outstanding request.",
			ConstLabels: labels,
		}),
		HashSuccess: factory.NewCounter(prometheus.CounterOpts{
			Name:        "swarmd_hash_success_total",
			Help:        "Pieces whose SHA-1 matched the expected digest.",
			ConstLabels: labels,
		}),
		HashFailure: factory.NewCounter(prometheus.CounterOpts{
			Name:        "swarmd_hash_failure_total",
			Help:        "Pieces whose SHA-1 did not match the expected digest.",
			ConstLabels: labels,
		}),
		PeersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "swarmd_peers_connected",
			Help:        "Currently connected peer count.",
			ConstLabels: labels,
		}),
		UploadUnchoked: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "swarmd_upload_unchoked",
			Help:        "Peers currently unchoked for upload.",
			ConstLabels: labels,
		}),
		DownloadUnchoked: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "swarmd_download_interested",
			Help:        "Peers we currently declare interest in.",
			ConstLabels: labels,
		}),
		BanCandidates: factory.NewCounter(prometheus.CounterOpts{
			Name:        "swarmd_ban_candidates_total",
			Help:        "Peers flagged for sending bytes that disagreed with a block's leader.",
			ConstLabels: labels,
		}),
	}
	return m
}
