package delegator

import (
	"sort"
	"time"

	"github.com/briskhold/swarmd/chunk"
)

// BlockList is an ordered sequence of Blocks for one piece, plus the
// attempt and failed counters spec.md §4.2's hash-outcome rules track.
type BlockList struct {
	PieceIndex chunk.NodeIndex
	Blocks     []*Block
	Attempt    int
	Failed     int

	// lastProgress is touched by TransferList.Touch whenever a block makes
	// forward progress, feeding the "hung" detection supplement described
	// in SPEC_FULL.md §5 (grounded on
	// original_source/libtorrent/src/torrent/transfer_list.cc).
	lastProgress time.Time
}

// AllFinished reports whether every block in the list has finished,
// meaning the piece is ready for hashing.
func (bl *BlockList) AllFinished() bool {
	for _, b := range bl.Blocks {
		if !b.Finished() {
			return false
		}
	}
	return len(bl.Blocks) > 0
}

// TransferList is the set of in-progress BlockLists, keyed by piece index.
type TransferList struct {
	lists map[chunk.NodeIndex]*BlockList
}

func NewTransferList() *TransferList {
	return &TransferList{lists: make(map[chunk.NodeIndex]*BlockList)}
}

// Get returns the BlockList for index, or nil if none is in progress.
func (tl *TransferList) Get(index chunk.NodeIndex) *BlockList {
	return tl.lists[index]
}

// Insert adds a freshly constructed BlockList, as Delegator does when a
// piece's first block is delegated.
func (tl *TransferList) Insert(bl *BlockList) {
	bl.lastProgress = time.Now()
	tl.lists[bl.PieceIndex] = bl
}

// Touch records that index's BlockList made forward progress, resetting
// its hung-detection clock. Delegator.Receive calls this after every byte
// range Block.Receive stores or discards.
func (tl *TransferList) Touch(index chunk.NodeIndex, now time.Time) {
	if bl, ok := tl.lists[index]; ok {
		bl.lastProgress = now
	}
}

// Hung returns the piece indices whose BlockList has seen no forward
// progress for at least timeout, oldest first. download.Main's periodic
// maintenance tick resubmits these for delegation rather than waiting on
// RequestList's per-peer stall detection alone, a supplement drawn from
// transfer_list.cc's own hung-chunk sweep (SPEC_FULL.md §5).
func (tl *TransferList) Hung(timeout time.Duration, now time.Time) []chunk.NodeIndex {
	var out []chunk.NodeIndex
	cutoff := now.Add(-timeout)
	for index, bl := range tl.lists {
		if bl.lastProgress.Before(cutoff) {
			out = append(out, index)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return tl.lists[out[i]].lastProgress.Before(tl.lists[out[j]].lastProgress)
	})
	return out
}

// Remove drops a BlockList without running any hash-outcome bookkeeping
// (used for cleanup on torrent close, not the hash-success path).
func (tl *TransferList) Remove(index chunk.NodeIndex) {
	delete(tl.lists, index)
}

// ResetPiece clears every block's leader/transfer state for index without
// blaming any peer or touching Attempt/Failed, so Delegate offers its
// blocks to new peers again. download.Main's hung-piece sweep calls this
// on the indices TransferList.Hung reports; it is the same per-block reset
// HashFailure's second-failure branch applies.
func (tl *TransferList) ResetPiece(index chunk.NodeIndex, now time.Time) {
	bl, ok := tl.lists[index]
	if !ok {
		return
	}
	for _, blk := range bl.Blocks {
		blk.resetForRetry()
	}
	bl.lastProgress = now
}

func (tl *TransferList) Len() int { return len(tl.lists) }

// HashSuccess implements the success branch of spec.md §4.2: simply
// remove the BlockList.
func (tl *TransferList) HashSuccess(index chunk.NodeIndex) {
	delete(tl.lists, index)
}

// HashFailure implements the failure branch of spec.md §4.2. On a block
// list's first failed attempt it votes each block's current bytes against
// its failed-list, writes back the most-popular variant, and leaves the
// list in TransferList for a retry hash. On a second-or-later failure it
// resets every block's leader state so peers re-delegate from scratch,
// without blaming any specific peer. c must be the piece's writable
// Chunk. Returns true if this was a first-attempt failure (retry queued
// immediately), false if blocks were reset for re-delegation.
func (tl *TransferList) HashFailure(index chunk.NodeIndex, c *chunk.Chunk) (firstAttempt bool, err error) {
	bl, ok := tl.lists[index]
	if !ok {
		return false, nil
	}
	bl.Failed++

	if bl.Attempt == 0 {
		bl.Attempt = 1
		for _, blk := range bl.Blocks {
			buf := make([]byte, blk.Piece.Length)
			if err := c.ToBuffer(buf, int64(blk.Piece.Offset), int64(len(buf))); err != nil {
				return true, err
			}
			if popular := blk.recordFailure(buf); popular != nil {
				if err := c.FromBuffer(popular, int64(blk.Piece.Offset), int64(len(popular))); err != nil {
					return true, err
				}
			}
		}
		return true, nil
	}

	bl.Attempt = 0
	for _, blk := range bl.Blocks {
		blk.resetForRetry()
	}
	return false, nil
}
