// Package hashqueue implements the async SHA-1 verification pipeline (C3):
// Queue processes one piece at a time, streaming the hash in bounded
// slices and yielding to the reactor between them so verification never
// stalls the rest of a torrent's I/O. Grounded on
// original_source/src/data/hash_queue.h and hash_chunk.h.
package hashqueue

import (
	"context"
	"crypto/sha1"
	"fmt"
	"hash"

	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/perf"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/briskhold/swarmd/chunk"
)

// Sum is a completed SHA-1 digest.
type Sum [sha1.Size]byte

// DoneFunc is invoked once a queued chunk has been fully hashed. The
// handle is still held open; the callback must Release it.
type DoneFunc func(index chunk.NodeIndex, sum Sum, h *chunk.Handle)

// DefaultSliceSize bounds how many bytes of a chunk are hashed per
// scheduler turn, per spec.md §4.6.
const DefaultSliceSize = 64 << 10

// DefaultLookahead is how many queued pieces ahead get an early
// Advise(WillNeed), per spec.md §4.6.
const DefaultLookahead = 2

var tracer = otel.Tracer("github.com/briskhold/swarmd/hashqueue")

type entry struct {
	handle   *chunk.Handle
	id       string
	done     DoneFunc
	willneed bool
}

// inflight tracks a partially hashed head-of-queue entry across scheduler
// turns.
type inflight struct {
	h      hash.Hash
	offset int64
	span   trace.Span
	timer  *perf.Timer
}

// Scheduler is the cooperative yield point Queue needs: Post queues fn for
// the reactor's next turn. sched.Scheduler satisfies this.
type Scheduler interface {
	Post(fn func())
}

// Queue is the HashQueue (C3).
type Queue struct {
	sched     Scheduler
	sliceSize int64
	lookahead int
	logger    log.Logger

	entries []*entry
	current *inflight
}

// NewQueue builds a Queue driven by sched. sliceSize <= 0 selects
// DefaultSliceSize, lookahead < 0 selects DefaultLookahead.
func NewQueue(sched Scheduler, sliceSize int64, lookahead int, logger log.Logger) *Queue {
	if sliceSize <= 0 {
		sliceSize = DefaultSliceSize
	}
	if lookahead < 0 {
		lookahead = DefaultLookahead
	}
	return &Queue{sched: sched, sliceSize: sliceSize, lookahead: lookahead, logger: logger}
}

// Add enqueues a chunk for hashing. Ownership of handle passes to the
// Queue; done is responsible for releasing it.
func (q *Queue) Add(h *chunk.Handle, id string, done DoneFunc) {
	q.entries = append(q.entries, &entry{handle: h, id: id, done: done})
	q.applyLookahead()
	if len(q.entries) == 1 {
		q.sched.Post(q.step)
	}
}

// Has reports whether index is queued under id.
func (q *Queue) Has(index chunk.NodeIndex, id string) bool {
	for _, e := range q.entries {
		if e.id == id && e.handle.Index() == index {
			return true
		}
	}
	return false
}

// Remove drops every queued entry tagged with id without invoking its
// callback, releasing each handle.
func (q *Queue) Remove(id string) {
	kept := q.entries[:0]
	for _, e := range q.entries {
		if e.id == id {
			if q.current != nil && len(q.entries) > 0 && q.entries[0] == e {
				q.current = nil
			}
			e.handle.Release()
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
}

// Clear drops every queued entry, releasing its handle without invoking
// callbacks.
func (q *Queue) Clear() {
	for _, e := range q.entries {
		e.handle.Release()
	}
	q.entries = nil
	q.current = nil
}

// Len reports the number of entries still queued, including the one in
// flight.
func (q *Queue) Len() int { return len(q.entries) }

func (q *Queue) applyLookahead() {
	n := q.lookahead
	if n > len(q.entries) {
		n = len(q.entries)
	}
	for i := 0; i < n; i++ {
		e := q.entries[i]
		if e.willneed {
			continue
		}
		e.willneed = true
		e.handle.Chunk().Advise(chunk.AdviseWillNeed)
	}
}

// step runs one bounded slice of work on the head-of-queue entry, then
// reposts itself if there's more to do — the cooperative yield spec.md
// §4.6 calls for.
func (q *Queue) step() {
	if len(q.entries) == 0 {
		return
	}
	e := q.entries[0]
	if q.current == nil {
		_, span := tracer.Start(context.Background(), "hashqueue.verify")
		q.current = &inflight{
			h:     sha1.New(),
			span:  span,
			timer: perf.NewTimer(perf.InterestedOf(fmt.Sprintf("hashqueue piece %d", e.handle.Index()))),
		}
	}

	c := e.handle.Chunk()
	remaining := c.Size() - q.current.offset
	take := q.sliceSize
	if take > remaining {
		take = remaining
	}
	if take > 0 {
		buf := make([]byte, take)
		if err := c.ToBuffer(buf, q.current.offset, take); err != nil {
			q.logger.WithDefaultLevel(log.Warning).Printf("hashqueue: piece %d: %v", e.handle.Index(), err)
			q.finishErr(e, err)
			return
		}
		q.current.h.Write(buf)
		q.current.offset += take
	}

	if q.current.offset < c.Size() {
		q.sched.Post(q.step)
		return
	}

	var sum Sum
	q.current.h.Sum(sum[:0])
	q.current.span.End()
	q.current.timer.Mark("done")
	q.entries = q.entries[1:]
	q.current = nil

	e.done(e.handle.Index(), sum, e.handle)

	if len(q.entries) > 0 {
		q.applyLookahead()
		q.sched.Post(q.step)
	}
}

func (q *Queue) finishErr(e *entry, err error) {
	q.current = nil
	q.entries = q.entries[1:]
	e.handle.Release()
	if len(q.entries) > 0 {
		q.sched.Post(q.step)
	}
}
