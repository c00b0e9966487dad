// Package reqlist implements the per-peer outstanding request FIFO (C5):
// queued REQUESTs, the one currently "downloading" once its PIECE starts
// arriving, and stall detection. Grounded on spec.md §4.3; deliberately
// kept as a plain slice-backed FIFO rather than a bitmap or btree, since a
// peer's outstanding request count is small and bounded (PeerMaxRequests
// in the teacher's peer.go) and the only operations are push/pop-from-
// head/match-head.
package reqlist

import "github.com/briskhold/swarmd/delegator"

// List is the RequestList (C5): a FIFO of queued Pieces plus a current
// "downloading" Piece.
type List struct {
	queue       []delegator.Piece
	downloading *delegator.Piece
	stalls      int
}

// StallThreshold is how many consecutive stall() calls without progress
// flags the owning connection to the choke/unchoke heuristics.
const StallThreshold = 3

// Push appends an outbound request.
func (l *List) Push(p delegator.Piece) {
	l.queue = append(l.queue, p)
}

// Downloading is called when a PIECE message starts arriving. It matches
// (index, offset, length) against the head of the queue; on a match it
// moves that entry into the "current downloading" slot and returns true.
// On a mismatch the caller must skip the incoming bytes (the peer sent
// something it wasn't asked for, or no longer wants).
func (l *List) Downloading(p delegator.Piece) bool {
	if len(l.queue) == 0 || l.queue[0] != p {
		return false
	}
	head := l.queue[0]
	l.queue = l.queue[1:]
	l.downloading = &head
	l.stalls = 0
	return true
}

// Current returns the piece currently downloading, if any.
func (l *List) Current() (delegator.Piece, bool) {
	if l.downloading == nil {
		return delegator.Piece{}, false
	}
	return *l.downloading, true
}

// Finished closes out the current downloading slot once its PIECE is
// fully received.
func (l *List) Finished() {
	l.downloading = nil
}

// Skip closes out the current downloading slot without having used its
// bytes (e.g. the block was completed by another peer mid-transfer).
func (l *List) Skip() {
	l.downloading = nil
}

// Cancel clears the entire queue and the current downloading slot, e.g.
// on disconnect or an explicit peer cancel of everything outstanding.
func (l *List) Cancel() {
	l.queue = nil
	l.downloading = nil
	l.stalls = 0
}

// Remove drops a single queued (not yet downloading) request, e.g. a
// CANCEL for a specific block, leaving the rest of the FIFO order intact.
func (l *List) Remove(p delegator.Piece) bool {
	for i, q := range l.queue {
		if q == p {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Stall bumps the stall counter and reports whether it has now crossed
// StallThreshold, at which point the caller should flag this connection
// to the choke/unchoke heuristics as unproductive.
func (l *List) Stall() bool {
	l.stalls++
	return l.stalls >= StallThreshold
}

// Len reports how many requests are queued, not counting the one
// currently downloading.
func (l *List) Len() int { return len(l.queue) }

// Outstanding reports the total number of requests in flight: queued
// plus the one downloading.
func (l *List) Outstanding() int {
	n := len(l.queue)
	if l.downloading != nil {
		n++
	}
	return n
}
