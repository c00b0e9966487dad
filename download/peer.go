package download

import (
	"math"
	"time"

	"github.com/RoaringBitmap/roaring"

	"github.com/briskhold/swarmd/chunk"
	"github.com/briskhold/swarmd/peerconn"
	"github.com/briskhold/swarmd/reqlist"
)

// uploadRateHalflife matches peerconn.Conn's own download-rate EWMA decay,
// so both directions age at the same rate for the choke weight functions.
const uploadRateHalflife = 4 * time.Second

// peerEntry is DownloadMain's per-connection bookkeeping: the wire Conn,
// the pieces it claims to have, its outstanding-request ledger, and the
// fixed begin-offset of whatever block it is currently streaming in.
// Grounded on the teacher's Peer type (pieceRequestOrder/connectionState
// fields), narrowed to what fillWriteBuf's collaborators actually need.
type peerEntry struct {
	id   PeerID
	conn *peerconn.Conn

	fd   int
	addr string

	has *roaring.Bitmap

	requests reqlist.List

	// activeIndex/activeOffset/activeChunk track the block a PIECE message
	// is currently streaming into: Conn.PieceData (conn.go) forwards the
	// wire's advancing absolute position, not the block's fixed start, so
	// ReceiveBlock must use the offset BeginBlock captured instead of the
	// one it's handed.
	activeIndex  chunk.NodeIndex
	activeOffset uint32
	activeChunk  *chunk.Handle

	uploadData   int64
	uploadEWMA   float64
	lastSampleAt time.Time
}

func newPeerEntry(id PeerID, conn *peerconn.Conn) *peerEntry {
	return &peerEntry{id: id, conn: conn, fd: -1, has: roaring.New()}
}

// sampleUpload folds the delta in Writer.Stats() since the last sample
// into an upload-rate EWMA, decaying on the same halflife as
// peerconn.Conn's download-side one. download.Main drives this every
// MaintenanceInterval, since upload rate only feeds the choke queues'
// 10s-floor decisions, not per-packet pacing.
func (pe *peerEntry) sampleUpload(now time.Time) {
	_, data := pe.conn.UploadTotals()
	if pe.lastSampleAt.IsZero() {
		pe.uploadData, pe.lastSampleAt = data, now
		return
	}
	dt := now.Sub(pe.lastSampleAt)
	if dt <= 0 {
		return
	}
	rate := float64(data-pe.uploadData) / dt.Seconds()
	decay := math.Exp2(-float64(dt) / float64(uploadRateHalflife))
	pe.uploadEWMA = pe.uploadEWMA*decay + rate*(1-decay)
	pe.uploadData, pe.lastSampleAt = data, now
}

// wantsFrom reports whether peer has any piece we don't already have,
// i.e. whether we should currently declare interest.
func (pe *peerEntry) wantsFrom(completed *roaring.Bitmap) bool {
	return !roaring.AndNot(pe.has, completed).IsEmpty()
}
