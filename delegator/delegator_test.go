package delegator

import (
	"testing"

	"github.com/RoaringBitmap/roaring"
	qt "github.com/frankban/quicktest"

	"github.com/briskhold/swarmd/chunk"
)

type fixedSizer struct {
	n      int
	length uint32
}

func (s fixedSizer) PieceLength(chunk.NodeIndex) uint32 { return s.length }
func (s fixedSizer) NumPieces() int                     { return s.n }

func bitmapOf(indexes ...uint32) *roaring.Bitmap {
	return roaring.BitmapOf(indexes...)
}

func TestDelegatorPicksHighestPriorityFirst(t *testing.T) {
	c := qt.New(t)
	d := NewDelegator(fixedSizer{n: 4, length: 16}, roaring.New())
	d.SetPriority(0, 1, 0)
	d.SetPriority(1, 5, 0) // higher priority, should win

	have := bitmapOf(0, 1)
	piece, ok := d.Delegate("peer1", have)
	c.Assert(ok, qt.Equals, true)
	c.Assert(piece.Index, qt.Equals, chunk.NodeIndex(1))
}

func TestDelegatorSkipsCompletedAndMissingPieces(t *testing.T) {
	c := qt.New(t)
	completed := bitmapOf(0)
	d := NewDelegator(fixedSizer{n: 4, length: 16}, completed)
	d.SetPriority(0, 1, 0)
	d.SetPriority(1, 1, 0)

	have := bitmapOf(0, 2) // peer lacks piece 1, has completed piece 0
	_, ok := d.Delegate("peer1", have)
	c.Assert(ok, qt.Equals, false)
}

func TestDelegatorReusesInProgressBlockListBelowAggressionLevel(t *testing.T) {
	c := qt.New(t)
	d := NewDelegator(fixedSizer{n: 2, length: 32}, roaring.New())
	d.BlockSize = 16
	d.SetPriority(0, 1, 0)

	have := bitmapOf(0)
	p1, ok := d.Delegate("peerA", have)
	c.Assert(ok, qt.Equals, true)
	c.Assert(p1.Index, qt.Equals, chunk.NodeIndex(0))
	c.Assert(p1.Offset, qt.Equals, uint32(0))

	// Second block of the same piece, still below aggression level 1,
	// should come from the SAME in-progress BlockList rather than seed a
	// fresh one — a different peer asking for work on a piece already in
	// flight picks up the next incomplete block.
	p2, ok := d.Delegate("peerB", have)
	c.Assert(ok, qt.Equals, true)
	c.Assert(p2.Index, qt.Equals, chunk.NodeIndex(0))
	c.Assert(p2.Offset, qt.Equals, uint32(16))
	c.Assert(d.Transfers().Len(), qt.Equals, 1)
}

func TestDelegatorAggressiveRaisesLevel(t *testing.T) {
	c := qt.New(t)
	d := NewDelegator(fixedSizer{n: 1, length: 16}, roaring.New())
	d.SetPriority(0, 1, 0)
	have := bitmapOf(0)

	p1, ok := d.Delegate("peerA", have)
	c.Assert(ok, qt.Equals, true)
	c.Assert(p1.Index, qt.Equals, chunk.NodeIndex(0))

	// Not aggressive: same single block already has 1 transfer, at the
	// default aggression level of 1, so no second delegation is offered.
	_, ok = d.Delegate("peerB", have)
	c.Assert(ok, qt.Equals, false)

	d.SetAggressive(true)
	p2, ok := d.Delegate("peerB", have)
	c.Assert(ok, qt.Equals, true)
	c.Assert(p2.Index, qt.Equals, chunk.NodeIndex(0))
}

func TestDelegatorCancelPeerErasesTransfers(t *testing.T) {
	c := qt.New(t)
	d := NewDelegator(fixedSizer{n: 1, length: 16}, roaring.New())
	d.SetPriority(0, 1, 0)
	have := bitmapOf(0)

	_, ok := d.Delegate("peerA", have)
	c.Assert(ok, qt.Equals, true)

	bl := d.Transfers().Get(0)
	c.Assert(bl, qt.Not(qt.IsNil))
	bl.Blocks[0].leader = bl.Blocks[0].transfers["peerA"]
	bl.Blocks[0].leader.State = Leader
	c.Assert(bl.Blocks[0].Leader(), qt.Not(qt.IsNil))

	d.CancelPeer("peerA")
	c.Assert(bl.Blocks[0].Leader(), qt.IsNil)
	c.Assert(len(bl.Blocks[0].transfers), qt.Equals, 0)
}

func TestDelegatorReceiveFinishesBlockAndTouchesTransferList(t *testing.T) {
	c := qt.New(t)
	d := NewDelegator(fixedSizer{n: 1, length: 8}, roaring.New())
	d.BlockSize = 8
	d.SetPriority(0, 1, 0)
	have := bitmapOf(0)

	_, ok := d.Delegate("peerA", have)
	c.Assert(ok, qt.Equals, true)

	ch := newTestChunk(c, 8)
	defer ch.Close()

	result, finished, err := d.Receive("peerA", 0, 0, []byte("deadbeef"), ch)
	c.Assert(err, qt.IsNil)
	c.Assert(result, qt.Equals, ReceiveStored)
	c.Assert(finished, qt.Equals, true)
}

func TestDelegatorReceiveDissimilarPublishesBanCandidate(t *testing.T) {
	c := qt.New(t)
	d := NewDelegator(fixedSizer{n: 1, length: 8}, roaring.New())
	d.BlockSize = 8
	d.SetPriority(0, 1, 0)
	have := bitmapOf(0)

	_, ok := d.Delegate("peerA", have)
	c.Assert(ok, qt.Equals, true)
	_, ok = d.Delegate("peerB", have)
	c.Assert(ok, qt.Equals, false) // block already at the default aggression level; force a second transfer directly
	bl := d.Transfers().Get(0)
	bl.Blocks[0].Delegate("peerB")

	ch := newTestChunk(c, 8)
	defer ch.Close()

	_, _, err := d.Receive("peerA", 0, 0, []byte("deadbeef"), ch)
	c.Assert(err, qt.IsNil)

	_, _, err = d.Receive("peerB", 0, 0, []byte("FFFFFFFF"), ch)
	c.Assert(err, qt.IsNil)

	select {
	case peer := <-d.BanCandidates():
		c.Assert(peer, qt.Equals, PeerID("peerB"))
	default:
		c.Fatal("expected a ban candidate on the channel")
	}
}
