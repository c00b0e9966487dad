package download

import "time"

// Config carries every tunable DownloadMain needs: unchoke budgets,
// connection-count bounds, hash-pipeline concurrency, and the periodic
// maintenance cadence. A single flat struct, matching the teacher's
// ClientConfig style (no functional options) per SPEC_FULL.md §3.
type Config struct {
	// MinPeers/MaxPeers bound ConnectionList's size, the thresholds
	// receiveConnectPeers checks (spec.md §4.7).
	MinPeers int
	MaxPeers int

	// MaxUnchokedUpload/MaxUnchokedDownload seed the upload and download
	// ChokeQueues' MaxUnchoked (spec.md §4.5).
	MaxUnchokedUpload   int
	MaxUnchokedDownload int

	// MaxOutstandingHash bounds HashTorrent's concurrent initial-hash
	// enqueue depth (spec.md §4.6).
	MaxOutstandingHash int
	// HashLookahead is how many queued pieces ahead get an early
	// Advise(WillNeed) (spec.md §4.6).
	HashLookahead int
	// HashSliceSize bounds how many bytes of a chunk are hashed per
	// scheduler turn (spec.md §4.6).
	HashSliceSize int64

	// SyncTimeout/DiskSpaceFloor feed chunk.List.SyncChunks's
	// USE_TIMEOUT short-circuit and disk-space SAFE upgrade (spec.md
	// §4.1).
	SyncTimeout    time.Duration
	DiskSpaceFloor uint64

	// EndgameSlack is the "+5" term in the endgame-switch formula
	// (spec.md §4.7): chunks_completed + pieces_in_transfer + Slack >=
	// total_chunks flips the Delegator aggressive.
	EndgameSlack int

	// MaintenanceInterval is how often the reactor runs keepalive checks,
	// request-pump bookkeeping, and interest reconciliation.
	MaintenanceInterval time.Duration
	// ChokeCycleInterval is how often Balance/Cycle run on both
	// ChokeQueues, matching the 10s floor spec.md §4.5 imposes on a
	// single peer's choke-state flip rate.
	ChokeCycleInterval time.Duration
	// HungPieceTimeout is the no-progress duration after which
	// TransferList.Hung resubmits a piece for delegation (SPEC_FULL.md
	// §5's transfer_list.cc-derived supplement).
	HungPieceTimeout time.Duration

	// TrackerRetryInterval is the cadence of trackerRequestTick,
	// grounded on download_main.cc's 30-second m_taskTrackerRequest
	// re-arm (spec.md §4.7's tracker-interaction collaborator).
	TrackerRetryInterval time.Duration
	// TrackerMinGrowth is the connection-count growth
	// trackerRequestTick requires before it re-asks the same tracker
	// instead of moving to the next one (spec.md §4.7).
	TrackerMinGrowth int
}

// DefaultConfig returns the defaults every field above takes unless
// overridden, mirroring version.go's plain var+init() defaulting idiom
// rather than a functional-options constructor (SPEC_FULL.md §3).
func DefaultConfig() Config {
	return Config{
		MinPeers:             20,
		MaxPeers:             55,
		MaxUnchokedUpload:    4,
		MaxUnchokedDownload:  4,
		MaxOutstandingHash:   4,
		HashLookahead:        2,
		HashSliceSize:        64 << 10,
		SyncTimeout:          0,
		DiskSpaceFloor:       0,
		EndgameSlack:         5,
		MaintenanceInterval:  time.Second,
		ChokeCycleInterval:   10 * time.Second,
		HungPieceTimeout:     2 * time.Minute,
		TrackerRetryInterval: 30 * time.Second,
		TrackerMinGrowth:     10,
	}
}
