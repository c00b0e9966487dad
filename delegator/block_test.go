package delegator

import (
	"os"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/briskhold/swarmd/chunk"
)

func newTestChunk(c *qt.C, size int64) *chunk.Chunk {
	f, err := os.CreateTemp(c.TempDir(), "block-test")
	c.Assert(err, qt.IsNil)
	c.Assert(f.Truncate(size), qt.IsNil)
	c.Cleanup(func() { f.Close() })
	part, err := chunk.NewPart(f, 0, size, chunk.ReadWrite)
	c.Assert(err, qt.IsNil)
	return chunk.NewChunk([]*chunk.Part{part}, true)
}

func TestBlockFirstReceiverBecomesLeader(t *testing.T) {
	c := qt.New(t)
	ch := newTestChunk(c, 16)
	defer ch.Close()

	b := NewBlock(Piece{Index: 0, Offset: 0, Length: 16})
	res, err := b.Receive("peerA", []byte("0123456789abcdef"), ch)
	c.Assert(err, qt.IsNil)
	c.Assert(res, qt.Equals, ReceiveStored)
	c.Assert(b.Leader().Peer, qt.Equals, PeerID("peerA"))
	c.Assert(b.Finished(), qt.Equals, true)
}

func TestBlockNonLeaderAgreeingIsDiscarded(t *testing.T) {
	c := qt.New(t)
	ch := newTestChunk(c, 16)
	defer ch.Close()

	b := NewBlock(Piece{Index: 0, Offset: 0, Length: 16})
	_, err := b.Receive("leader", []byte("01234567"), ch)
	c.Assert(err, qt.IsNil)

	res, err := b.Receive("follower", []byte("01234567"), ch)
	c.Assert(err, qt.IsNil)
	c.Assert(res, qt.Equals, ReceiveDiscarded)
	c.Assert(b.Leader().Peer, qt.Equals, PeerID("leader"))
}

func TestBlockNonLeaderDisagreeingIsDissimilar(t *testing.T) {
	c := qt.New(t)
	ch := newTestChunk(c, 16)
	defer ch.Close()

	b := NewBlock(Piece{Index: 0, Offset: 0, Length: 16})
	_, err := b.Receive("leader", []byte("01234567"), ch)
	c.Assert(err, qt.IsNil)

	res, err := b.Receive("rogue", []byte("XXXXXXXX"), ch)
	c.Assert(err, qt.IsNil)
	c.Assert(res, qt.Equals, ReceiveDissimilar)
	c.Assert(b.transfers["rogue"].State, qt.Equals, Erased)
}

func TestBlockOvertakingPositionBecomesLeader(t *testing.T) {
	c := qt.New(t)
	ch := newTestChunk(c, 16)
	defer ch.Close()

	b := NewBlock(Piece{Index: 0, Offset: 0, Length: 16})
	_, err := b.Receive("slow", []byte("0123"), ch) // position 4
	c.Assert(err, qt.IsNil)
	c.Assert(b.Leader().Peer, qt.Equals, PeerID("slow"))

	// fast peer delegates but hasn't sent anything yet; simulate it
	// receiving a larger chunk directly, overtaking slow's position.
	fast := b.Delegate("fast")
	fast.Position = 8
	res, err := b.Receive("fast", []byte("89ab"), ch) // pushes position to 12, 12>4
	c.Assert(err, qt.IsNil)
	c.Assert(res, qt.Equals, ReceiveStored)
	c.Assert(b.Leader().Peer, qt.Equals, PeerID("fast"))
	c.Assert(b.transfers["slow"].State, qt.Equals, NotLeader)
}

func TestBlockFailedListVoting(t *testing.T) {
	c := qt.New(t)
	b := NewBlock(Piece{Index: 0, Offset: 0, Length: 4})

	p1 := b.recordFailure([]byte("AAAA"))
	c.Assert(p1, qt.DeepEquals, []byte("AAAA"))

	p2 := b.recordFailure([]byte("BBBB"))
	// still a tie (1 vs 1); mostPopular returns the first seen on ties.
	c.Assert(p2, qt.DeepEquals, []byte("AAAA"))

	p3 := b.recordFailure([]byte("BBBB"))
	c.Assert(p3, qt.DeepEquals, []byte("BBBB")) // BBBB now has popularity 2
}
