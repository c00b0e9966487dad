package peerconn

import (
	"bytes"
	"testing"
	"time"

	"github.com/anacrolix/log"
	qt "github.com/frankban/quicktest"

	"github.com/briskhold/swarmd/delegator"
	pp "github.com/briskhold/swarmd/peer_protocol"
)

// stubView is a minimal TorrentView recording the calls Conn makes into
// download.Main's territory, for asserting wiring without a full orchestrator.
type stubView struct {
	numPieces    int
	pieceLength  uint32
	haves        []uint32
	bitfieldBits []uint32
	bitfieldDone bool
	received     []byte
	readBlockErr error
	requestErr   error
	tryRequested []delegator.PeerID
}

func (v *stubView) NumPieces() int                 { return v.numPieces }
func (v *stubView) PieceLength(index uint32) uint32 { return v.pieceLength }

func (v *stubView) BeginBlock(peer delegator.PeerID, index, offset, length uint32) error {
	return nil
}
func (v *stubView) ReceiveBlock(peer delegator.PeerID, index, offset uint32, buf []byte) error {
	v.received = append(v.received, buf...)
	return nil
}
func (v *stubView) EndBlock(peer delegator.PeerID, index, offset uint32) {}
func (v *stubView) TryRequest(peer delegator.PeerID) {
	v.tryRequested = append(v.tryRequested, peer)
}
func (v *stubView) ReadBlock(index, offset, length uint32) ([]byte, error) {
	if v.readBlockErr != nil {
		return nil, v.readBlockErr
	}
	return make([]byte, length), nil
}
func (v *stubView) HandleHave(peer delegator.PeerID, index uint32) {
	v.haves = append(v.haves, index)
}
func (v *stubView) HandleBitfieldBit(peer delegator.PeerID, index uint32) {
	v.bitfieldBits = append(v.bitfieldBits, index)
}
func (v *stubView) HandleBitfieldDone(peer delegator.PeerID) { v.bitfieldDone = true }
func (v *stubView) OnRequestFromPeer(index, offset, length uint32) error {
	return v.requestErr
}

type loopbackConn struct {
	bytes.Buffer
}

func newTestConn(view TorrentView) (*Conn, *loopbackConn) {
	nc := &loopbackConn{}
	c := NewConn("peer-a", nc, view, log.Default, time.Unix(0, 0))
	return c, nc
}

func TestPipeSizeAndShouldRequest(t *testing.T) {
	c := qt.New(t)
	c.Assert(PipeSize(0), qt.Equals, 2)
	c.Assert(PipeSize(0) < PipeSize(1<<20), qt.IsTrue)
	c.Assert(AggressivePipeSize(0), qt.Equals, PipeSize(0)*2+2)

	c.Assert(ShouldRequest(false, true, 0), qt.IsTrue)
	c.Assert(ShouldRequest(true, false, 0), qt.IsTrue)
	c.Assert(ShouldRequest(true, true, 0), qt.IsTrue, qt.Commentf("below endgame threshold, still request"))
	c.Assert(ShouldRequest(true, true, EndgameDownloadRateThreshold+1), qt.IsFalse)
}

func TestConnFillWriteBufPriorityOrder(t *testing.T) {
	c := qt.New(t)
	view := &stubView{numPieces: 4}
	conn, _ := newTestConn(view)

	now := time.Unix(0, 0)
	conn.PeerChoking = false
	conn.SetInterested(true)
	conn.SetChoking(false)
	conn.QueueHave(2)
	conn.QueueRequest(delegator.Piece{Index: 1, Offset: 0, Length: 16384})

	conn.FillWriteBuf(now)

	c.Assert(conn.Writer.Len() > 0, qt.IsTrue)

	var buf bytes.Buffer
	_, err := conn.Writer.Flush(&buf, now)
	c.Assert(err, qt.IsNil)

	out := buf.Bytes()
	// first message: unchoke (type byte 1) length-prefixed as 00000001 01
	c.Assert(out[4], qt.Equals, byte(1)) // pp.Unchoke
}

func TestConnFillRequestRespectsChokeAndInterest(t *testing.T) {
	c := qt.New(t)
	view := &stubView{numPieces: 4}
	conn, _ := newTestConn(view)
	conn.QueueRequest(delegator.Piece{Index: 0, Offset: 0, Length: 16384})

	conn.PeerChoking = true
	c.Assert(conn.fillRequest(time.Unix(0, 0)), qt.IsFalse)

	conn.PeerChoking = false
	conn.amInterested = false
	c.Assert(conn.fillRequest(time.Unix(0, 0)), qt.IsFalse)

	conn.amInterested = true
	c.Assert(conn.fillRequest(time.Unix(0, 0)), qt.IsTrue)
	c.Assert(conn.inFlight, qt.Equals, 1)
}

func TestConnOnRequestQueuesUploadAndFillPieceServesIt(t *testing.T) {
	c := qt.New(t)
	view := &stubView{numPieces: 4}
	conn, _ := newTestConn(view)
	conn.AmChoking = false

	c.Assert(conn.OnRequest(0, 0, 16384), qt.IsNil)
	c.Assert(conn.uploads, qt.HasLen, 1)

	ok := conn.fillPiece(time.Unix(0, 0))
	c.Assert(ok, qt.IsTrue)
	c.Assert(conn.uploads, qt.HasLen, 0)
	c.Assert(conn.Writer.Len() > 0, qt.IsTrue)
}

func TestConnOnCancelRemovesMatchingUpload(t *testing.T) {
	c := qt.New(t)
	view := &stubView{numPieces: 4}
	conn, _ := newTestConn(view)
	c.Assert(conn.OnRequest(0, 0, 16384), qt.IsNil)
	c.Assert(conn.OnRequest(1, 0, 16384), qt.IsNil)

	conn.OnCancel(0, 0, 16384)
	c.Assert(conn.uploads, qt.HasLen, 1)
	c.Assert(conn.uploads[0].Index, qt.Equals, uint32(1))
}

func TestConnPieceDataRoutesToViewAndUpdatesRate(t *testing.T) {
	c := qt.New(t)
	view := &stubView{numPieces: 4}
	conn, _ := newTestConn(view)
	conn.inFlight = 1

	payload := []byte("abcdefgh")
	msg := pp.Message{Type: pp.Piece, Index: 0, Offset: 0, Piece: payload}
	n, err := conn.Reader.Feed(msg.Marshal())
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, len(msg.Marshal()))

	c.Assert(view.received, qt.DeepEquals, payload)
	c.Assert(conn.downloadEWMA > 0, qt.IsTrue)
	c.Assert(conn.inFlight, qt.Equals, 0)
	c.Assert(view.tryRequested, qt.DeepEquals, []delegator.PeerID{conn.ID})
}

func TestConnCloseIsIdempotent(t *testing.T) {
	c := qt.New(t)
	view := &stubView{numPieces: 4}
	conn, _ := newTestConn(view)
	c.Assert(conn.Closed(), qt.IsFalse)
	conn.Close("test")
	conn.Close("test-again")
	c.Assert(conn.Closed(), qt.IsTrue)
}

func TestConnCheckKeepAliveTimesOut(t *testing.T) {
	c := qt.New(t)
	view := &stubView{numPieces: 4}
	conn, _ := newTestConn(view)
	start := time.Unix(0, 0)
	conn.lastReadAt = start

	err := conn.CheckKeepAlive(start.Add(KeepAliveTimeout - time.Second))
	c.Assert(err, qt.IsNil)

	err = conn.CheckKeepAlive(start.Add(KeepAliveTimeout))
	c.Assert(err, qt.Not(qt.IsNil))
	c.Assert(conn.Closed(), qt.IsTrue)
}
