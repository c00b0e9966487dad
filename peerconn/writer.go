package peerconn

import (
	"bytes"
	"io"
	"time"

	pp "github.com/briskhold/swarmd/peer_protocol"
)

// writeBufferHighWaterLen caps how much FillWriteBuf accumulates before a
// Flush is required to drain it, mirroring the teacher's
// peerConnMsgWriterBuffer coalescing in peer-conn-msg-writer.go — except
// here the drain is triggered by a readiness callback from sched.Poll
// instead of a dedicated writer goroutine.
const writeBufferHighWaterLen = 1 << 15

// KeepAliveInterval is how long the write direction waits with nothing
// else queued before sending an empty keepalive message (spec.md §4.4).
const KeepAliveInterval = 120 * time.Second

// KeepAliveTimeout is how long the read direction tolerates silence from
// the peer before the connection is treated as dead (spec.md §4.4,
// communication_error per spec.md §7).
const KeepAliveTimeout = 240 * time.Second

// Writer is the write-direction framer (C6): a coalesced outbound byte
// buffer, flushed non-blocking onto the wire, plus keepalive bookkeeping.
// Adapted from the teacher's peerConnMsgWriter/peerConnMsgWriterBuffer,
// trimmed to a single-goroutine reactor: FillWriteBuf (conn.go) decides
// what to enqueue, Flush is called from Conn.OnWritable.
type Writer struct {
	buf        bytes.Buffer
	pieceBytes int // bytes in buf belonging to in-flight PIECE payloads

	lastWrite             time.Time
	totalBytesWritten     int64
	totalDataBytesWritten int64
}

// NewWriter builds an empty Writer, treating "now" as the last write so a
// freshly opened connection doesn't immediately think it's starved for a
// keepalive.
func NewWriter(now time.Time) *Writer {
	return &Writer{lastWrite: now}
}

// Enqueue appends msg's wire encoding to the buffer.
func (w *Writer) Enqueue(msg pp.Message) {
	w.buf.Write(msg.Marshal())
	if msg.Type == pp.Piece {
		w.pieceBytes += len(msg.Piece)
	}
}

// EnqueueKeepalive appends the bare 4-byte keepalive.
func (w *Writer) EnqueueKeepalive() { w.buf.Write(pp.Keepalive) }

// Len reports how many bytes are buffered but not yet written.
func (w *Writer) Len() int { return w.buf.Len() }

// HasSpace reports whether the buffer is below the high-water mark and
// FillWriteBuf should be asked for more.
func (w *Writer) HasSpace() bool { return w.buf.Len() < writeBufferHighWaterLen }

// NeedsKeepalive reports whether the write direction has been idle for
// KeepAliveInterval with nothing queued.
func (w *Writer) NeedsKeepalive(now time.Time) bool {
	return w.buf.Len() == 0 && now.Sub(w.lastWrite) >= KeepAliveInterval
}

// Flush performs one non-blocking write attempt onto nc. Safe to call
// with an empty buffer (a no-op). Partial writes leave the remainder
// buffered for the next readiness callback.
func (w *Writer) Flush(nc io.Writer, now time.Time) (int, error) {
	if w.buf.Len() == 0 {
		return 0, nil
	}
	full := w.buf.Len()
	n, err := nc.Write(w.buf.Bytes())
	if n > 0 {
		w.lastWrite = now
		w.totalBytesWritten += int64(n)
		// Only credited once the whole buffered write lands, matching the
		// teacher's own approximation in peerConnMsgWriterBuffer.
		if n == full {
			w.totalDataBytesWritten += int64(w.pieceBytes)
			w.pieceBytes = 0
		}
		w.buf.Next(n)
	}
	return n, err
}

// Stats reports cumulative bytes written and how much of that was PIECE
// payload, for upload-rate estimation feeding the choke weight functions.
func (w *Writer) Stats() (total, data int64) {
	return w.totalBytesWritten, w.totalDataBytesWritten
}
