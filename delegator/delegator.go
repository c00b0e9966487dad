package delegator

import (
	"fmt"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/ajwerner/btree"

	"github.com/briskhold/swarmd/chunk"
)

// DefaultBlockSize is the block granularity a piece is split into for
// individual REQUEST/PIECE exchanges (the wire protocol's 2^17 ceiling
// notwithstanding, 16 KiB is the practical default every client uses).
const DefaultBlockSize = 16 << 10

// PieceSizer tells the Delegator how big each piece is, so it can split
// pieces into Blocks of BlockSize (the last block in a piece is usually
// shorter).
type PieceSizer interface {
	PieceLength(index chunk.NodeIndex) uint32
	NumPieces() int
}

// pieceOrderItem is the btree key: higher priority first, then rarer
// (lower availability) first, then lowest index first, matching the
// "respecting priorities" ordering spec.md §4.2 calls for. Adapted from
// the teacher's PieceRequestOrderItem/pieceOrderLess shape in
// torrent-piece-request-order.go and client-piece-request-order.go.
type pieceOrderItem struct {
	index    chunk.NodeIndex
	priority int
	rarity   int
}

func pieceOrderLess(a, b pieceOrderItem) int {
	switch {
	case a.priority != b.priority:
		if a.priority > b.priority {
			return -1
		}
		return 1
	case a.rarity != b.rarity:
		if a.rarity < b.rarity {
			return -1
		}
		return 1
	case a.index != b.index:
		if a.index < b.index {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// Delegator owns the TransferList and a piece selector ordered by
// priority then rarity, and picks the next block a given peer can serve
// (C4). Grounded on original_source/libtorrent/torrent/delegator.h, with
// the btree-backed selector adapted from the teacher's
// request-strategy/ajwerner-btree.go.
type Delegator struct {
	transfers *TransferList
	selector  btree.Set[pieceOrderItem]
	items     map[chunk.NodeIndex]pieceOrderItem
	sizer     PieceSizer
	completed *roaring.Bitmap

	// BlockSize is the split granularity for freshly delegated pieces.
	BlockSize uint32
	// AggressionLevel bounds how many simultaneous transfers a single
	// Block may have outside endgame; Aggressive raises it.
	AggressionLevel int
	AggressiveLevel int
	aggressive      bool

	// banCandidates carries peers whose bytes disagreed with a block's
	// leader (spec.md §9 open question: no ban policy lives in core,
	// just the signal). Buffered so a burst of dissimilar receipts in
	// one scheduler turn never blocks the caller; while the buffer is
	// full, further candidates are dropped and the unread ones are kept.
	banCandidates chan PeerID

	failedDB *FailedDB
	infoHash [20]byte
}

// UseFailedDB wires a durable failed-list store into the Delegator: freshly
// seeded blocks load any failed-list a previous process run persisted for
// them, and a first-attempt hash failure's rewritten failed-list is saved
// back before the next verify attempt. Pass a nil db to disable (the
// default), e.g. for in-memory-only torrents.
func (d *Delegator) UseFailedDB(db *FailedDB, infoHash [20]byte) {
	d.failedDB = db
	d.infoHash = infoHash
}

// BanCandidates exposes the channel download.Main listens on to learn
// about peers worth disconnecting or blocklisting. No policy decision
// is made here.
func (d *Delegator) BanCandidates() <-chan PeerID { return d.banCandidates }

// NewDelegator builds a Delegator over sizer's pieces, with completed
// tracking which indices are already verified and therefore never
// delegated again.
func NewDelegator(sizer PieceSizer, completed *roaring.Bitmap) *Delegator {
	return &Delegator{
		transfers: NewTransferList(),
		selector: btree.MakeSet(func(a, b pieceOrderItem) int {
			return pieceOrderLess(a, b)
		}),
		items:           make(map[chunk.NodeIndex]pieceOrderItem),
		sizer:           sizer,
		completed:       completed,
		BlockSize:       DefaultBlockSize,
		AggressionLevel: 1,
		AggressiveLevel: 3,
		banCandidates:   make(chan PeerID, 16),
	}
}

// Receive locates the Block at (index, offset) among the piece's
// in-progress transfers and applies peer's bytes to it, touching the
// BlockList's hung-detection clock on any stored/discarded outcome and
// publishing a ban candidate when the bytes disagree with the leader's.
// Returns (ReceiveResult, blockFinished, error); blockFinished tells the
// caller to ask the TransferList whether the whole piece is now
// AllFinished and ready for hashing.
func (d *Delegator) Receive(peer PeerID, index chunk.NodeIndex, offset uint32, buf []byte, c *chunk.Chunk) (ReceiveResult, bool, error) {
	bl := d.transfers.Get(index)
	if bl == nil {
		return ReceiveDiscarded, false, fmt.Errorf("delegator: no in-progress transfer for piece %d", index)
	}
	var blk *Block
	for _, b := range bl.Blocks {
		if b.Piece.Offset == offset {
			blk = b
			break
		}
	}
	if blk == nil {
		return ReceiveDiscarded, false, fmt.Errorf("delegator: no in-progress block at piece %d offset %d", index, offset)
	}
	result, err := blk.Receive(peer, buf, c)
	if err != nil {
		return result, false, err
	}
	switch result {
	case ReceiveDissimilar:
		blk.MarkDissimilar(peer)
		select {
		case d.banCandidates <- peer:
		default:
		}
	default:
		d.transfers.Touch(index, time.Now())
	}
	return result, blk.Finished(), nil
}

// Transfers exposes the underlying TransferList for hash-outcome wiring.
func (d *Delegator) Transfers() *TransferList { return d.transfers }

// SetPriority (re)inserts index into the selector at the given priority
// and rarity (peers-have count; lower is rarer).
func (d *Delegator) SetPriority(index chunk.NodeIndex, priority, rarity int) {
	if old, ok := d.items[index]; ok {
		d.selector.Delete(old)
	}
	item := pieceOrderItem{index: index, priority: priority, rarity: rarity}
	d.items[index] = item
	d.selector.Upsert(item)
}

// RemovePriority drops index from the selector, e.g. once it completes.
func (d *Delegator) RemovePriority(index chunk.NodeIndex) {
	if old, ok := d.items[index]; ok {
		d.selector.Delete(old)
		delete(d.items, index)
	}
}

// orderItem looks up index's current priority/rarity key, falling back to a
// zero-priority, zero-rarity key ordered by index alone if the piece was
// never assigned one (shouldn't happen for an in-progress transfer, but
// Delegate's ordering must stay total regardless).
func (d *Delegator) orderItem(index chunk.NodeIndex) pieceOrderItem {
	if item, ok := d.items[index]; ok {
		return item
	}
	return pieceOrderItem{index: index}
}

// SetAggressive flips the endgame switch DownloadMain drives; monotone in
// practice (the caller only ever sets it true until close), but the
// Delegator itself just reflects the current value.
func (d *Delegator) SetAggressive(v bool) { d.aggressive = v }

func (d *Delegator) Aggressive() bool { return d.aggressive }

func (d *Delegator) aggressionLevel() int {
	if d.aggressive {
		return d.AggressiveLevel
	}
	return d.AggressionLevel
}

// Delegate implements delegate(peer_bitfield) -> Option<Piece>: first it
// looks for a block of a partially-downloaded piece the peer has that is
// still missing or under the current aggression level; failing that, it
// asks the selector for a new piece the peer has and seeds a fresh
// BlockList.
func (d *Delegator) Delegate(peer PeerID, peerBitfield *roaring.Bitmap) (Piece, bool) {
	level := d.aggressionLevel()
	indices := make([]chunk.NodeIndex, 0, len(d.transfers.lists))
	for index := range d.transfers.lists {
		indices = append(indices, index)
	}
	sort.Slice(indices, func(i, j int) bool {
		return pieceOrderLess(d.orderItem(indices[i]), d.orderItem(indices[j])) < 0
	})
	for _, index := range indices {
		if !peerBitfield.Contains(uint32(index)) {
			continue
		}
		bl := d.transfers.lists[index]
		for _, blk := range bl.Blocks {
			if blk.Finished() {
				continue
			}
			if _, already := blk.transfers[peer]; already {
				continue
			}
			if len(blk.transfers) >= level {
				continue
			}
			blk.Delegate(peer)
			return blk.Piece, true
		}
	}

	it := d.selector.Iterator()
	for it.First(); it.Valid(); it.Next() {
		item := it.Cur()
		if d.completed.Contains(uint32(item.index)) {
			continue
		}
		if d.transfers.Get(item.index) != nil {
			continue
		}
		if !peerBitfield.Contains(uint32(item.index)) {
			continue
		}
		return d.seed(item.index, peer), true
	}
	return Piece{}, false
}

func (d *Delegator) seed(index chunk.NodeIndex, peer PeerID) Piece {
	bl := &BlockList{PieceIndex: index}
	length := d.sizer.PieceLength(index)
	for off := uint32(0); off < length; off += d.BlockSize {
		l := d.BlockSize
		if off+l > length {
			l = length - off
		}
		bl.Blocks = append(bl.Blocks, NewBlock(Piece{Index: index, Offset: off, Length: l}))
	}
	if d.failedDB != nil {
		for _, blk := range bl.Blocks {
			_ = d.failedDB.Load(d.infoHash, blk)
		}
	}
	d.transfers.Insert(bl)
	first := bl.Blocks[0]
	first.Delegate(peer)
	return first.Piece
}

// HashSuccess implements the success branch of spec.md §4.2, additionally
// dropping any persisted failed-list for the piece's blocks now that they
// verified clean.
func (d *Delegator) HashSuccess(index chunk.NodeIndex) {
	if d.failedDB != nil {
		if bl := d.transfers.Get(index); bl != nil {
			for _, blk := range bl.Blocks {
				_ = d.failedDB.Delete(d.infoHash, blk)
			}
		}
	}
	d.transfers.HashSuccess(index)
}

// HashFailure implements the failure branch of spec.md §4.2, persisting
// each block's rewritten failed-list so a process restart doesn't re-learn
// it from scratch. Returns the same (firstAttempt, error) as
// TransferList.HashFailure.
func (d *Delegator) HashFailure(index chunk.NodeIndex, c *chunk.Chunk) (bool, error) {
	bl := d.transfers.Get(index)
	firstAttempt, err := d.transfers.HashFailure(index, c)
	if err != nil {
		return firstAttempt, err
	}
	if d.failedDB != nil && firstAttempt && bl != nil {
		for _, blk := range bl.Blocks {
			if err := d.failedDB.Save(d.infoHash, blk); err != nil {
				return firstAttempt, err
			}
		}
	}
	return firstAttempt, nil
}

// CancelPeer erases every transfer peer holds across every in-progress
// BlockList, e.g. on disconnect.
func (d *Delegator) CancelPeer(peer PeerID) {
	for _, bl := range d.transfers.lists {
		for _, blk := range bl.Blocks {
			blk.Cancel(peer)
		}
	}
}
