// Package delegator implements piece/block delegation and endgame
// reconciliation (C4): Delegator picks the next block a peer can serve,
// TransferList tracks in-progress BlockLists, and Block/BlockTransfer
// implement the multi-leader byte-for-byte reconciliation and failed-list
// voting described in spec.md §4.2. Grounded on
// original_source/libtorrent/torrent/delegator.h and
// original_source/libtorrent/src/torrent/transfer_list.cc.
package delegator

import (
	"bytes"

	"github.com/briskhold/swarmd/chunk"
)

// PeerID identifies a peer for leadership bookkeeping. Callers typically
// use their connection's remote address or a connection-local counter.
type PeerID string

// Piece is a block request: (index, offset, length). length is bounded
// by the caller to the wire protocol's 2^17 ceiling.
type Piece struct {
	Index  chunk.NodeIndex
	Offset uint32
	Length uint32
}

// TransferState is a BlockTransfer's lifecycle state.
type TransferState int

const (
	Queued TransferState = iota
	Leader
	NotLeader
	Erased
	Finished
)

func (s TransferState) String() string {
	switch s {
	case Queued:
		return "queued"
	case Leader:
		return "leader"
	case NotLeader:
		return "not-leader"
	case Erased:
		return "erased"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// BlockTransfer is one peer's in-flight attempt at a Block. Position
// counts bytes already received for this transfer; leadership is a
// monotone scalar compared by position (spec.md §4.2).
type BlockTransfer struct {
	Peer     PeerID
	Position uint32
	State    TransferState
}

type failedEntry struct {
	buf        []byte
	popularity int
}

// Block is the state of one block inside a piece: the set of transfers
// currently attempting it, the unique leader (if any), whether it has
// finished, and the failed-list of previously-rejected contents.
type Block struct {
	Piece     Piece
	transfers map[PeerID]*BlockTransfer
	leader    *BlockTransfer
	finished  bool
	failed    []failedEntry
}

// NewBlock constructs an empty Block for piece.
func NewBlock(piece Piece) *Block {
	return &Block{Piece: piece, transfers: make(map[PeerID]*BlockTransfer)}
}

func (b *Block) Finished() bool { return b.finished }

func (b *Block) Leader() *BlockTransfer { return b.leader }

// Delegate starts a new transfer for peer, returning it.
func (b *Block) Delegate(peer PeerID) *BlockTransfer {
	t := &BlockTransfer{Peer: peer, State: Queued}
	b.transfers[peer] = t
	return t
}

// Cancel removes peer's transfer, freeing leadership if it held it.
func (b *Block) Cancel(peer PeerID) {
	t, ok := b.transfers[peer]
	if !ok {
		return
	}
	t.State = Erased
	delete(b.transfers, peer)
	if b.leader == t {
		b.leader = nil
	}
}

// ReceiveResult reports what a byte-range receipt did to the block.
type ReceiveResult int

const (
	// ReceiveStored: bytes were written into the chunk (this transfer
	// was, or became, leader).
	ReceiveStored ReceiveResult = iota
	// ReceiveDiscarded: bytes were compared but not stored (non-leader
	// agreeing with the leader).
	ReceiveDiscarded
	// ReceiveDissimilar: a non-leader's bytes disagreed with the
	// leader's; the peer is a ban candidate.
	ReceiveDissimilar
)

// Receive processes bytes arriving for peer's transfer at the transfer's
// current position, writing them into c (the piece's Chunk, at this
// block's Piece.Offset) if this transfer is, or becomes, leader, or
// comparing them against what the leader already wrote otherwise.
func (b *Block) Receive(peer PeerID, buf []byte, c *chunk.Chunk) (ReceiveResult, error) {
	blockOffset := b.Piece.Offset
	t, ok := b.transfers[peer]
	if !ok {
		t = b.Delegate(peer)
	}

	if b.leader == nil {
		b.leader = t
		t.State = Leader
	} else if t != b.leader && t.Position > b.leader.Position {
		// A non-leader that has overtaken the leader's position becomes
		// the new leader (spec.md §4.2).
		b.leader.State = NotLeader
		b.leader = t
		t.State = Leader
	}

	result := ReceiveStored
	if t == b.leader {
		if err := c.FromBuffer(buf, int64(blockOffset)+int64(t.Position), int64(len(buf))); err != nil {
			return result, err
		}
	} else {
		t.State = NotLeader
		equal, err := c.CompareBuffer(buf, int64(blockOffset)+int64(t.Position), int64(len(buf)))
		if err != nil {
			return ReceiveDissimilar, err
		}
		if equal {
			result = ReceiveDiscarded
		} else {
			result = ReceiveDissimilar
			t.State = Erased
		}
	}

	if result != ReceiveDissimilar {
		t.Position += uint32(len(buf))
		if t.Position >= b.Piece.Length && t == b.leader {
			b.finished = true
			t.State = Finished
		}
	}
	return result, nil
}

// MarkDissimilar flags peer as having sent disagreeing bytes for this
// block (spec.md §7 Open Question: exposed as a ban candidate, no ban
// policy implemented here).
func (b *Block) MarkDissimilar(peer PeerID) {
	if t, ok := b.transfers[peer]; ok {
		t.State = Erased
	}
}

// resetForRetry clears finished state and forces every transfer's leader
// status to fail so peers re-delegate, used on a second-or-later hash
// failure (spec.md §4.2).
func (b *Block) resetForRetry() {
	b.finished = false
	b.leader = nil
	b.transfers = make(map[PeerID]*BlockTransfer)
}

// recordFailure compares buf against this block's failed-list, bumping
// the matching entry's popularity or inserting a novel one. Returns the
// current most-popular buffer.
func (b *Block) recordFailure(buf []byte) []byte {
	for i := range b.failed {
		if bytes.Equal(b.failed[i].buf, buf) {
			b.failed[i].popularity++
			return b.mostPopular()
		}
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	b.failed = append(b.failed, failedEntry{buf: cp, popularity: 1})
	return b.mostPopular()
}

func (b *Block) mostPopular() []byte {
	if len(b.failed) == 0 {
		return nil
	}
	best := b.failed[0]
	for _, e := range b.failed[1:] {
		if e.popularity > best.popularity {
			best = e
		}
	}
	return best.buf
}
