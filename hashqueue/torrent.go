package hashqueue

import (
	"github.com/RoaringBitmap/roaring"

	"github.com/briskhold/swarmd/chunk"
)

// Getter is what HashTorrent needs from the piece store: a read-only
// handle it can hand straight to Queue.Add.
type Getter interface {
	Get(index chunk.NodeIndex, writable bool) (*chunk.Handle, error)
}

// HashTorrent drives full-torrent open-time verification: it walks a
// pending-index set, enqueues up to MaxOutstanding at a time, and fires
// InitialHash once every index has come back through OnResult. Grounded on
// original_source/libtorrent/src/data/hash_torrent.h.
type HashTorrent struct {
	queue   *Queue
	store   Getter
	pending *roaring.Bitmap

	// MaxOutstanding bounds how many pieces are enqueued concurrently
	// during initial verification (spec.md §4.6).
	MaxOutstanding int
	// OnResult receives every piece's completed digest for comparison
	// against the torrent's metainfo; the caller marks the piece
	// complete or re-queues it for download accordingly.
	OnResult func(index chunk.NodeIndex, sum Sum)
	// InitialHash fires once, after the last pending index's digest has
	// been delivered to OnResult.
	InitialHash func()

	outstanding int
	fired       bool
}

const defaultMaxOutstanding = 4

// NewHashTorrent builds a verifier over the given pending index set.
func NewHashTorrent(queue *Queue, store Getter, pending *roaring.Bitmap, onResult func(index chunk.NodeIndex, sum Sum)) *HashTorrent {
	return &HashTorrent{
		queue:          queue,
		store:          store,
		pending:        pending,
		MaxOutstanding: defaultMaxOutstanding,
		OnResult:       onResult,
	}
}

// Start begins filling the queue up to MaxOutstanding.
func (ht *HashTorrent) Start() {
	ht.fill()
}

func (ht *HashTorrent) fill() {
	for ht.outstanding < ht.MaxOutstanding && !ht.pending.IsEmpty() {
		index := chunk.NodeIndex(ht.pending.Minimum())
		ht.pending.Remove(uint32(index))
		h, err := ht.store.Get(index, false)
		if err != nil {
			// Treat an unreadable piece as a zero digest: it will never
			// match metainfo, so the caller re-downloads it.
			ht.OnResult(index, Sum{})
			continue
		}
		ht.outstanding++
		ht.queue.Add(h, "initial-hash", func(idx chunk.NodeIndex, sum Sum, handle *chunk.Handle) {
			handle.Release()
			ht.outstanding--
			ht.OnResult(idx, sum)
			ht.fill()
			ht.maybeFireInitialHash()
		})
	}
	ht.maybeFireInitialHash()
}

func (ht *HashTorrent) maybeFireInitialHash() {
	if ht.fired || !ht.pending.IsEmpty() || ht.outstanding > 0 {
		return
	}
	ht.fired = true
	if ht.InitialHash != nil {
		ht.InitialHash()
	}
}
