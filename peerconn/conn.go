package peerconn

import (
	"fmt"
	"io"
	"math"
	"time"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"golang.org/x/time/rate"

	"github.com/briskhold/swarmd/delegator"
	pp "github.com/briskhold/swarmd/peer_protocol"
)

// ChokeChangeInterval throttles outbound choke/unchoke flips to at most
// one per interval (spec.md §4.4 fillWriteBuf step 1; spec.md §4.5 and
// SPEC_FULL.md §5 apply the same 10s floor to the choke.Queue side).
const ChokeChangeInterval = 10 * time.Second

// EndgameDownloadRateThreshold is the overall download rate below which
// ShouldRequest keeps requesting a stalled peer during aggressive mode
// (spec.md §4.4's should_request(stall)).
const EndgameDownloadRateThreshold = 2 << 10 // 2 KiB/s

// PipeSize returns the target number of outstanding requests for a peer
// downloading at rateBps, floored at 2 and growing with rate (spec.md
// §4.4's pipe_size(rate)).
func PipeSize(rateBps float64) int {
	n := int(rateBps/float64(delegator.DefaultBlockSize)) + 2
	if n < 2 {
		return 2
	}
	return n
}

// AggressivePipeSize is pipe_size's endgame curve: requests pipeline
// deeper since blocks are deliberately multi-sourced.
func AggressivePipeSize(rateBps float64) int {
	return PipeSize(rateBps)*2 + 2
}

// ShouldRequest implements should_request(stall): outside aggressive mode
// it's always true (once the caller has already gated on unchoked and
// interested); in aggressive mode a stalled peer is skipped unless the
// overall swarm download rate has dropped below the endgame threshold.
func ShouldRequest(aggressive, stalled bool, overallRateBps float64) bool {
	if !aggressive {
		return true
	}
	return !stalled || overallRateBps < EndgameDownloadRateThreshold
}

// BlockReader serves an upload: the bytes at (index,offset,length).
type BlockReader func(index, offset, length uint32) ([]byte, error)

// TorrentView is the narrow collaborator Conn needs from download.Main:
// piece sizing and routing received/served bytes through the delegator
// and chunk pipeline. It keeps peerconn ignorant of chunk/delegator's
// internals, matching spec.md §6's collaborator-interface style.
type TorrentView interface {
	NumPieces() int
	PieceLength(index uint32) uint32

	// BeginBlock validates a PIECE header (down_chunk_start in spec.md
	// §4.4's Piece row) and records that peer is now receiving it.
	// ErrSkipBlock tells the Reader to discard the bytes unsent.
	BeginBlock(peer delegator.PeerID, index, offset, length uint32) error
	// ReceiveBlock streams bytes for an in-progress block (down_chunk /
	// down_chunk_from_buffer).
	ReceiveBlock(peer delegator.PeerID, index, offset uint32, buf []byte) error
	// EndBlock is called once a PIECE message is fully received,
	// regardless of whether it was stored or skipped.
	EndBlock(peer delegator.PeerID, index, offset uint32)
	// TryRequest lets the caller delegate this peer's next block once a
	// block finishes (spec.md §4.4's "trigger try-request").
	TryRequest(peer delegator.PeerID)

	// ReadBlock serves an upload reply.
	ReadBlock(index, offset, length uint32) ([]byte, error)

	HandleHave(peer delegator.PeerID, index uint32)
	HandleBitfieldBit(peer delegator.PeerID, index uint32)
	HandleBitfieldDone(peer delegator.PeerID)

	// OnRequestFromPeer validates an incoming REQUEST (index in range,
	// chunk present, offset+length within it) before it's queued for
	// upload (fillWriteBuf step 5's validity gate).
	OnRequestFromPeer(index, offset, length uint32) error
}

type pendingUpload struct {
	Index, Offset, Length uint32
}

// Conn is the PeerConnection state machine (C6): Reader + Writer bound to
// one peer, plus the request/choke/interest bookkeeping fillWriteBuf's
// priority order (spec.md §4.4) needs. Per SPEC_FULL.md §7 open-question
// #4, Conn is driven by OnReadable/OnWritable readiness callbacks posted
// from sched.Scheduler, not a blocking goroutine pair.
type Conn struct {
	ID     delegator.PeerID
	nc     io.ReadWriter
	logger log.Logger
	view   TorrentView

	Reader *Reader
	Writer *Writer

	closed g.Option[string] // reason, once closed

	AmChoking      bool
	pendingChoke   g.Option[bool]
	lastChokeSent  time.Time
	amInterested   bool
	interestDirty  bool
	PeerChoking    bool
	PeerInterested bool

	toSend    []delegator.Piece // requests decided but not yet written
	inFlight  int               // requests written, awaiting a PIECE reply
	haveQueue []uint32
	uploads   []pendingUpload

	Aggressive   bool
	Stalled      bool
	downloadEWMA float64
	lastDataAt   time.Time

	UploadLimiter *rate.Limiter

	lastReadAt time.Time
}

// NewConn wires a Reader/Writer pair around nc for a freshly handshook
// peer connection. now should be the time the handshake completed, so
// keepalive bookkeeping starts fresh.
func NewConn(id delegator.PeerID, nc io.ReadWriter, view TorrentView, logger log.Logger, now time.Time) *Conn {
	c := &Conn{
		ID:         id,
		nc:         nc,
		logger:     logger,
		view:       view,
		AmChoking:  true, // spec.md: connections start choked/not-interested
		lastReadAt: now,
	}
	c.Reader = NewReader(c)
	c.Writer = NewWriter(now)
	return c
}

func (c *Conn) Closed() bool { return c.closed.Ok }

// Close marks the connection closed with reason; idempotent (spec.md §6).
func (c *Conn) Close(reason string) {
	if c.closed.Ok {
		return
	}
	c.closed = g.Some(reason)
}

// OnReadable is called when sched.Poll reports the socket readable. It
// performs one non-blocking read and feeds the bytes to Reader.
func (c *Conn) OnReadable(now time.Time) error {
	var buf [64 << 10]byte
	n, err := c.nc.Read(buf[:])
	if n > 0 {
		c.lastReadAt = now
		if _, ferr := c.Reader.Feed(buf[:n]); ferr != nil {
			c.Close("protocol error: " + ferr.Error())
			return ferr
		}
	}
	if err != nil && err != io.EOF {
		return err
	}
	if err == io.EOF {
		c.Close("peer closed connection")
		return err
	}
	return nil
}

// OnWritable is called when sched.Poll reports the socket writable. It
// fills the write buffer per fillWriteBuf's priority order, then flushes
// whatever fits.
func (c *Conn) OnWritable(now time.Time) error {
	c.FillWriteBuf(now)
	if c.Writer.NeedsKeepalive(now) {
		c.Writer.EnqueueKeepalive()
	}
	_, err := c.Writer.Flush(c.nc, now)
	return err
}

// CheckKeepAlive enforces the 240s read timeout (spec.md §4.4, §8
// scenario 6): call periodically from the scheduler's maintenance timer.
func (c *Conn) CheckKeepAlive(now time.Time) error {
	if now.Sub(c.lastReadAt) >= KeepAliveTimeout {
		c.Close("keepalive timeout")
		return fmt.Errorf("peerconn: %s: no data for %s", c.ID, now.Sub(c.lastReadAt))
	}
	return nil
}

// FillWriteBuf implements spec.md §4.4's write priority order.
func (c *Conn) FillWriteBuf(now time.Time) {
	for c.Writer.HasSpace() {
		switch {
		case c.fillChoke(now):
		case c.fillInterested():
		case c.fillRequest(now):
		case c.fillHave():
		case c.fillPiece(now):
		default:
			return
		}
	}
}

func (c *Conn) fillChoke(now time.Time) bool {
	if !c.pendingChoke.Ok {
		return false
	}
	if !c.lastChokeSent.IsZero() && now.Sub(c.lastChokeSent) < ChokeChangeInterval {
		return false
	}
	choke := c.pendingChoke.Value
	c.pendingChoke = g.None[bool]()
	c.AmChoking = choke
	c.lastChokeSent = now
	id := pp.Unchoke
	if choke {
		id = pp.Choke
	}
	c.Writer.Enqueue(pp.Message{Type: id})
	return true
}

func (c *Conn) fillInterested() bool {
	if !c.interestDirty {
		return false
	}
	c.interestDirty = false
	id := pp.NotInterested
	if c.amInterested {
		id = pp.Interested
	}
	c.Writer.Enqueue(pp.Message{Type: id})
	return true
}

func (c *Conn) fillRequest(now time.Time) bool {
	if c.PeerChoking || !c.amInterested || len(c.toSend) == 0 {
		return false
	}
	if !ShouldRequest(c.Aggressive, c.Stalled, c.downloadEWMA) {
		return false
	}
	limit := PipeSize(c.downloadEWMA)
	if c.Aggressive {
		limit = AggressivePipeSize(c.downloadEWMA)
	}
	if c.outstanding() >= limit {
		return false
	}
	p := c.toSend[0]
	c.toSend = c.toSend[1:]
	c.inFlight++
	c.Writer.Enqueue(pp.Message{Type: pp.Request, Index: uint32(p.Index), Offset: p.Offset, Length: p.Length})
	return true
}

func (c *Conn) fillHave() bool {
	if len(c.haveQueue) == 0 {
		return false
	}
	idx := c.haveQueue[0]
	c.haveQueue = c.haveQueue[1:]
	c.Writer.Enqueue(pp.Message{Type: pp.Have, Index: idx})
	return true
}

func (c *Conn) fillPiece(now time.Time) bool {
	if c.AmChoking || len(c.uploads) == 0 {
		return false
	}
	up := c.uploads[0]
	if c.UploadLimiter != nil && !c.UploadLimiter.AllowN(now, int(up.Length)) {
		return false
	}
	c.uploads = c.uploads[1:]
	buf, err := c.view.ReadBlock(up.Index, up.Offset, up.Length)
	if err != nil {
		c.logger.WithDefaultLevel(log.Warning).Printf("peerconn: %s: upload piece %d: %v", c.ID, up.Index, err)
		return true
	}
	c.Writer.Enqueue(pp.Message{Type: pp.Piece, Index: up.Index, Offset: up.Offset, Piece: buf})
	return true
}

// outstanding is requests queued-but-not-yet-written plus requests
// already on the wire awaiting a PIECE reply (spec.md §4.4's pipe depth).
// reqlist.List, owned by download.Main, remains the authoritative
// per-peer request ledger; this count only gates wire pacing.
func (c *Conn) outstanding() int {
	return len(c.toSend) + c.inFlight
}

// QueueRequest schedules a REQUEST for p to be written as soon as
// fillWriteBuf's priority order reaches it.
func (c *Conn) QueueRequest(p delegator.Piece) {
	c.toSend = append(c.toSend, p)
}

// FinishRequest marks one previously-sent request as answered (a PIECE
// arrived, or it was cancelled), freeing a pipe slot.
func (c *Conn) FinishRequest() {
	if c.inFlight > 0 {
		c.inFlight--
	}
}

// SetChoking requests a choke/unchoke transition; the actual message is
// throttled to ChokeChangeInterval by fillChoke.
func (c *Conn) SetChoking(choke bool) {
	if c.AmChoking == choke && !c.pendingChoke.Ok {
		return
	}
	c.pendingChoke = g.Some(choke)
}

// SetInterested updates whether we report interest in this peer.
func (c *Conn) SetInterested(interested bool) {
	if c.amInterested == interested {
		return
	}
	c.amInterested = interested
	c.interestDirty = true
}

// QueueHave appends a HAVE broadcast for index.
func (c *Conn) QueueHave(index uint32) {
	c.haveQueue = append(c.haveQueue, index)
}

// recordData folds n freshly received data bytes into the download-rate
// EWMA feeding pipe_size/should_request, decaying with a 4s half-life.
func (c *Conn) recordData(now time.Time, n int) {
	const halflife = 4 * time.Second
	if c.lastDataAt.IsZero() {
		c.downloadEWMA = float64(n)
	} else if dt := now.Sub(c.lastDataAt); dt > 0 {
		decay := math.Exp2(-float64(dt) / float64(halflife))
		c.downloadEWMA = c.downloadEWMA*decay + float64(n)
	}
	c.lastDataAt = now
}

// DownloadRate reports the current download-rate EWMA (bytes/sec,
// approximately, given the 4s half-life recordData decays on) download.Main
// surfaces through choke.Stats.
func (c *Conn) DownloadRate() float64 { return c.downloadEWMA }

// UploadTotals exposes the Writer's cumulative byte counters so
// download.Main can derive an upload-rate EWMA between maintenance ticks
// without peerconn owning any rate-window state of its own.
func (c *Conn) UploadTotals() (total, data int64) { return c.Writer.Stats() }

// --- Handler implementation (Reader calls these) ---

func (c *Conn) OnKeepalive() {}

func (c *Conn) OnChoke() { c.PeerChoking = true }

func (c *Conn) OnUnchoke() { c.PeerChoking = false }

func (c *Conn) OnInterested() { c.PeerInterested = true }

func (c *Conn) OnNotInterested() { c.PeerInterested = false }

func (c *Conn) OnHave(index uint32) { c.view.HandleHave(c.ID, index) }

func (c *Conn) NumPieces() int { return c.view.NumPieces() }

func (c *Conn) OnBitfieldBit(index uint32) { c.view.HandleBitfieldBit(c.ID, index) }

func (c *Conn) OnBitfieldDone() { c.view.HandleBitfieldDone(c.ID) }

func (c *Conn) OnRequest(index, offset, length uint32) error {
	if err := c.view.OnRequestFromPeer(index, offset, length); err != nil {
		return err
	}
	c.uploads = append(c.uploads, pendingUpload{Index: index, Offset: offset, Length: length})
	return nil
}

func (c *Conn) OnCancel(index, offset, length uint32) {
	kept := c.uploads[:0]
	for _, u := range c.uploads {
		if u.Index == index && u.Offset == offset && u.Length == length {
			continue
		}
		kept = append(kept, u)
	}
	c.uploads = kept
}

func (c *Conn) PieceStart(index, offset, length uint32) error {
	return c.view.BeginBlock(c.ID, index, offset, length)
}

func (c *Conn) PieceData(buf []byte) error {
	c.recordData(c.lastReadAt, len(buf))
	p := c.Reader.piece
	return c.view.ReceiveBlock(c.ID, p.index, p.offset+p.pos, buf)
}

func (c *Conn) PieceDone() {
	c.view.EndBlock(c.ID, c.Reader.piece.index, c.Reader.piece.offset)
	c.FinishRequest()
	c.view.TryRequest(c.ID)
}

func (c *Conn) ProtocolError(err error) {
	c.logger.WithDefaultLevel(log.Warning).Printf("peerconn: %s: protocol error: %v", c.ID, err)
}
