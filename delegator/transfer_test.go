package delegator

import (
	"os"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/briskhold/swarmd/chunk"
)

func TestTransferListHashSuccessRemoves(t *testing.T) {
	c := qt.New(t)
	tl := NewTransferList()
	bl := &BlockList{PieceIndex: 0, Blocks: []*Block{NewBlock(Piece{Index: 0, Length: 4})}}
	tl.Insert(bl)
	c.Assert(tl.Len(), qt.Equals, 1)

	tl.HashSuccess(0)
	c.Assert(tl.Len(), qt.Equals, 0)
}

func TestTransferListHashFailureFirstAttemptVotes(t *testing.T) {
	c := qt.New(t)
	f, err := os.CreateTemp(c.TempDir(), "transfer-test")
	c.Assert(err, qt.IsNil)
	defer f.Close()
	c.Assert(f.Truncate(8), qt.IsNil)
	part, err := chunk.NewPart(f, 0, 8, chunk.ReadWrite)
	c.Assert(err, qt.IsNil)
	ch := chunk.NewChunk([]*chunk.Part{part}, true)
	defer ch.Close()
	c.Assert(ch.FromBuffer([]byte("CORRUPT!"), 0, 8), qt.IsNil)

	tl := NewTransferList()
	blk := NewBlock(Piece{Index: 0, Offset: 0, Length: 8})
	bl := &BlockList{PieceIndex: 0, Blocks: []*Block{blk}}
	tl.Insert(bl)

	first, err := tl.HashFailure(0, ch)
	c.Assert(err, qt.IsNil)
	c.Assert(first, qt.Equals, true)
	c.Assert(bl.Attempt, qt.Equals, 1)
	c.Assert(bl.Failed, qt.Equals, 1)
	c.Assert(len(blk.failed), qt.Equals, 1)
	// a single novel entry is trivially "most popular"; written back unchanged.
	out := make([]byte, 8)
	c.Assert(ch.ToBuffer(out, 0, 8), qt.IsNil)
	c.Assert(out, qt.DeepEquals, []byte("CORRUPT!"))
	c.Assert(tl.Len(), qt.Equals, 1) // still present, queued for retry hash
}

func TestTransferListHungReportsStalledPieces(t *testing.T) {
	c := qt.New(t)
	tl := NewTransferList()
	bl := &BlockList{PieceIndex: 5, Blocks: []*Block{NewBlock(Piece{Index: 5, Length: 4})}}
	tl.Insert(bl)

	now := bl.lastProgress
	c.Assert(tl.Hung(time.Minute, now.Add(30*time.Second)), qt.HasLen, 0)
	c.Assert(tl.Hung(time.Minute, now.Add(90*time.Second)), qt.DeepEquals, []chunk.NodeIndex{5})

	tl.Touch(5, now.Add(89*time.Second))
	c.Assert(tl.Hung(time.Minute, now.Add(90*time.Second)), qt.HasLen, 0)
}

func TestTransferListHashFailureSecondAttemptResets(t *testing.T) {
	c := qt.New(t)
	f, err := os.CreateTemp(c.TempDir(), "transfer-test2")
	c.Assert(err, qt.IsNil)
	defer f.Close()
	c.Assert(f.Truncate(8), qt.IsNil)
	part, err := chunk.NewPart(f, 0, 8, chunk.ReadWrite)
	c.Assert(err, qt.IsNil)
	ch := chunk.NewChunk([]*chunk.Part{part}, true)
	defer ch.Close()

	tl := NewTransferList()
	blk := NewBlock(Piece{Index: 0, Offset: 0, Length: 8})
	blk.Delegate("p1")
	blk.leader = blk.transfers["p1"]
	blk.leader.State = Leader
	blk.finished = true
	bl := &BlockList{PieceIndex: 0, Blocks: []*Block{blk}, Attempt: 1}
	tl.Insert(bl)

	first, err := tl.HashFailure(0, ch)
	c.Assert(err, qt.IsNil)
	c.Assert(first, qt.Equals, false)
	c.Assert(bl.Attempt, qt.Equals, 0)
	c.Assert(bl.Failed, qt.Equals, 1)
	c.Assert(blk.Finished(), qt.Equals, false)
	c.Assert(blk.Leader(), qt.IsNil)
	c.Assert(len(blk.transfers), qt.Equals, 0)
}
