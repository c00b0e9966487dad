package peerconn

import (
	"bytes"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	pp "github.com/briskhold/swarmd/peer_protocol"
)

func TestWriterEnqueueAndFlush(t *testing.T) {
	c := qt.New(t)
	now := time.Unix(0, 0)
	w := NewWriter(now)

	w.Enqueue(pp.Message{Type: pp.Unchoke})
	w.Enqueue(pp.Message{Type: pp.Interested})
	c.Assert(w.Len(), qt.Not(qt.Equals), 0)

	var buf bytes.Buffer
	n, err := w.Flush(&buf, now.Add(time.Second))
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, buf.Len())
	c.Assert(w.Len(), qt.Equals, 0)

	total, data := w.Stats()
	c.Assert(total, qt.Equals, int64(n))
	c.Assert(data, qt.Equals, int64(0))
}

func TestWriterPieceBytesCreditedOnlyOnFullFlush(t *testing.T) {
	c := qt.New(t)
	now := time.Unix(0, 0)
	w := NewWriter(now)

	payload := bytes.Repeat([]byte{0xAB}, 128)
	w.Enqueue(pp.Message{Type: pp.Piece, Index: 0, Offset: 0, Piece: payload})

	pw := &partialWriter{limit: 5}
	n, err := w.Flush(pw, now.Add(time.Second))
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, 5)
	_, data := w.Stats()
	c.Assert(data, qt.Equals, int64(0), qt.Commentf("partial write must not credit piece bytes yet"))
	c.Assert(w.Len(), qt.Not(qt.Equals), 0)

	pw.limit = 1 << 20
	_, err = w.Flush(pw, now.Add(2*time.Second))
	c.Assert(err, qt.IsNil)
	_, data = w.Stats()
	c.Assert(data, qt.Equals, int64(len(payload)))
	c.Assert(w.Len(), qt.Equals, 0)
}

func TestWriterNeedsKeepalive(t *testing.T) {
	c := qt.New(t)
	start := time.Unix(0, 0)
	w := NewWriter(start)
	c.Assert(w.NeedsKeepalive(start), qt.IsFalse)
	c.Assert(w.NeedsKeepalive(start.Add(KeepAliveInterval)), qt.IsTrue)

	w.Enqueue(pp.Message{Type: pp.Unchoke})
	c.Assert(w.NeedsKeepalive(start.Add(KeepAliveInterval)), qt.IsFalse, qt.Commentf("keepalive only fires with nothing else queued"))
}

func TestWriterHasSpace(t *testing.T) {
	c := qt.New(t)
	w := NewWriter(time.Unix(0, 0))
	c.Assert(w.HasSpace(), qt.IsTrue)
	w.Enqueue(pp.Message{Type: pp.Piece, Index: 0, Offset: 0, Piece: make([]byte, writeBufferHighWaterLen+1)})
	c.Assert(w.HasSpace(), qt.IsFalse)
}

// partialWriter writes at most limit bytes per call, to exercise Flush's
// partial-write accounting.
type partialWriter struct {
	limit int
	buf   bytes.Buffer
}

func (p *partialWriter) Write(b []byte) (int, error) {
	n := len(b)
	if n > p.limit {
		n = p.limit
	}
	return p.buf.Write(b[:n])
}
