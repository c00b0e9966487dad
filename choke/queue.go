// Package choke implements the weighted unchoke-slot allocator (C7):
// ChokeQueue. Two disjoint peer sets, queued and unchoked, are rebalanced by
// scoring every peer with a pluggable weight function, bucketing by score,
// and distributing slots across buckets proportional to per-bucket weights.
// Grounded on spec.md §4.5 and
// original_source/libtorrent/src/torrent/download/choke_queue.cc's
// choke_manager_allocate_slots/adjust_choke_range/balance/cycle.
package choke

import (
	"math/rand"
	"sort"
	"time"

	"github.com/anacrolix/multiless"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/briskhold/swarmd/delegator"
)

// PeerID identifies a peer across both connection-management and choke
// bookkeeping; shared with delegator/peerconn rather than redefined.
type PeerID = delegator.PeerID

// OrderMaxSize is the number of score buckets, matching the original's
// order_max_size (its four-entry weight tables: { 1, 1, 1, 1 } and
// { 1, 3, 9, 0 }).
const OrderMaxSize = 4

// OrderBase divides raw scores into buckets: bucket i covers
// [i*OrderBase, (i+1)*OrderBase). Scores are rates in bytes/sec plus a
// fixed multiple of OrderBase to rank reciprocating/optimistic peers above
// plain download-rate order, so OrderBase must exceed any realistic rate.
const OrderBase = 1 << 20

// MinChokeChangeInterval is the 10s floor on how often a single peer may
// flip between queued and unchoked (spec.md §4.5).
const MinChokeChangeInterval = 10 * time.Second

// Stats is the narrow collaborator Queue needs to score peers: current
// transfer rates and upload-direction reciprocity. download.Main implements
// it by reading peerconn.Conn/Writer counters.
type Stats interface {
	// DownloadRate is the rate, in bytes/sec, at which we are receiving
	// from id.
	DownloadRate(id PeerID) float64
	// UploadRate is the rate, in bytes/sec, at which we are sending to id.
	UploadRate(id PeerID) float64
	// PeerUnchokedUs reports whether id currently permits us to download
	// (the reciprocity signal calculate_upload_unchoke keys off).
	PeerUnchokedUs(id PeerID) bool
}

// ScoreFunc assigns one peer a bucket score; higher sorts toward being kept
// unchoked (for an unchoke-direction score) or kept choked (for a choke-
// direction score) — AllocateSlots always takes the highest-scoring peers
// first within whichever bucket receives slots.
type ScoreFunc func(id PeerID, stats Stats) uint32

// UploadChokeScore ranks peers for the upload-choke direction: the peers
// sending us data slowest are the first candidates to choke (spec.md
// §4.5's "slow peers choked first"), grounded on choke_queue.cc's
// calculate_upload_choke.
func UploadChokeScore(id PeerID, stats Stats) uint32 {
	return chokeScore(stats.DownloadRate(id))
}

// UploadUnchokeScore ranks peers for the upload-unchoke direction:
// reciprocating peers rank by their download rate to us (a stingy peer
// under 1kB/s ranks by raw rate so it sorts to the bottom), non-
// reciprocating peers get a randomized optimistic-unchoke score. Grounded
// on choke_queue.cc's calculate_upload_unchoke.
func UploadUnchokeScore(id PeerID, stats Stats) uint32 {
	if stats.PeerUnchokedUs(id) {
		dr := stats.DownloadRate(id)
		if dr < 1000 {
			return uint32(dr)
		}
		return 2*OrderBase + uint32(dr)
	}
	return OrderBase + uint32(rand.Intn(1<<10))
}

// DownloadChokeScore and DownloadUnchokeScore are the download-direction
// analogues; choke_queue.cc's own calculate_download_* are a placeholder
// ("Fix this, but for now just use something simple") reusing the same
// rate variable, so this keeps the same simplicity rather than inventing
// unjustified precision.
func DownloadChokeScore(id PeerID, stats Stats) uint32 {
	return chokeScore(stats.UploadRate(id))
}

func DownloadUnchokeScore(id PeerID, stats Stats) uint32 {
	return uint32(stats.UploadRate(id))
}

func chokeScore(rateBps float64) uint32 {
	r := uint32(rateBps)
	if r >= OrderBase-1 {
		return 0
	}
	return OrderBase - 1 - r
}

// Weights is a per-bucket weight table, e.g. {1, 1, 1, 1} (flat) or
// {1, 3, 9, 0} (upload-unchoke's bias toward reciprocating/optimistic
// buckets over the stingy one).
type Weights [OrderMaxSize]int

var (
	// FlatWeights gives every bucket equal share, used for both choke
	// directions and download-unchoke.
	FlatWeights = Weights{1, 1, 1, 1}
	// UploadUnchokeWeights is choke_queue.cc's upload-unchoke table: the
	// stingy bucket (index 0, scores under 1kB/s) gets the smallest share,
	// the optimistic (1) and reciprocating (2) buckets progressively more,
	// and bucket 3 none at all.
	UploadUnchokeWeights = Weights{1, 3, 9, 0}
)

type peerState struct {
	snubbed       bool
	unchoked      bool
	lastChangeAt  time.Time
	hasLastChange bool
}

// Queue is ChokeQueue (C7): the queued/unchoked peer sets for one
// direction (upload or download) of one torrent, plus the weight functions
// used to score them.
type Queue struct {
	MaxUnchoked int

	ChokeScore     ScoreFunc
	UnchokeScore   ScoreFunc
	ChokeWeights   Weights
	UnchokeWeights Weights

	Stats Stats

	// ChangeLimiter, if set, caps how many choke/unchoke flips a single
	// Balance/Cycle call will make, spreading a thundering-herd rebalance
	// across several scheduler ticks instead of flipping every peer's
	// socket state in one pass.
	ChangeLimiter *rate.Limiter

	// UnchokedGauge, if set, is updated to len(unchoked) after every
	// mutation, for the per-torrent metrics download.Main exports.
	UnchokedGauge prometheus.Gauge

	queued   []PeerID
	unchoked []PeerID
	states   map[PeerID]*peerState

	// OnUnchoke/OnChoke notify the caller (download.Main, wiring into
	// peerconn.Conn.SetChoking) that a peer crossed between the sets.
	OnUnchoke func(id PeerID)
	OnChoke   func(id PeerID)
}

// NewQueue builds an empty Queue. chokeScore/unchokeScore and their weight
// tables are typically choke.UploadChokeScore/choke.UploadUnchokeScore (or
// the Download equivalents) paired with choke.FlatWeights/
// choke.UploadUnchokeWeights.
func NewQueue(maxUnchoked int, chokeScore, unchokeScore ScoreFunc, chokeWeights, unchokeWeights Weights, stats Stats) *Queue {
	return &Queue{
		MaxUnchoked:    maxUnchoked,
		ChokeScore:     chokeScore,
		UnchokeScore:   unchokeScore,
		ChokeWeights:   chokeWeights,
		UnchokeWeights: unchokeWeights,
		Stats:          stats,
		states:         make(map[PeerID]*peerState),
	}
}

func (q *Queue) state(id PeerID) *peerState {
	st, ok := q.states[id]
	if !ok {
		st = &peerState{}
		q.states[id] = st
	}
	return st
}

// Len reports the number of peers currently unchoked.
func (q *Queue) Len() int { return len(q.unchoked) }

// Queued reports the number of peers waiting, choked, for a slot.
func (q *Queue) Queued() int { return len(q.queued) }

func (q *Queue) isFull() bool { return q.MaxUnchoked >= 0 && len(q.unchoked) >= q.MaxUnchoked }

// maxAlternate mirrors choke_queue.cc's max_alternate(): how many peers
// Cycle is willing to swap in a single call: about one in eight of the
// unchoked peers below 31 of them, one in ten from there on.
func (q *Queue) maxAlternate() int {
	n := len(q.unchoked)
	if n < 31 {
		return (n + 7) / 8
	}
	return (n + 9) / 10
}

// SetQueued registers a newly-interested peer. It is immediately unchoked
// if there's a free slot and it hasn't flipped within MinChokeChangeInterval;
// otherwise it joins the queued set to wait for Balance/Cycle.
func (q *Queue) SetQueued(id PeerID, now time.Time) {
	st := q.state(id)
	if st.unchoked || contains(q.queued, id) {
		return
	}
	if st.snubbed {
		q.queued = append(q.queued, id)
		return
	}
	if !q.isFull() && q.changeAllowed(st, now) {
		q.moveToUnchoked(id, st, now)
		return
	}
	q.queued = append(q.queued, id)
}

// SetNotQueued withdraws interest: a peer leaves whichever set it's in.
func (q *Queue) SetNotQueued(id PeerID) {
	st, ok := q.states[id]
	if !ok {
		return
	}
	if st.unchoked {
		q.unchoked = remove(q.unchoked, id)
		q.notify(q.OnChoke, id)
		st.unchoked = false
		q.updateGauge()
	} else {
		q.queued = remove(q.queued, id)
	}
}

// SetSnubbed marks a peer unproductive; it's forced back to queued (or
// stays there) until SetNotSnubbed.
func (q *Queue) SetSnubbed(id PeerID, now time.Time) {
	st := q.state(id)
	if st.snubbed {
		return
	}
	st.snubbed = true
	if st.unchoked {
		q.unchoked = remove(q.unchoked, id)
		q.notify(q.OnChoke, id)
		st.unchoked = false
		q.queued = append(q.queued, id)
		q.updateGauge()
	}
}

// SetNotSnubbed clears the snubbed flag, letting the peer compete for a
// slot again on the next Balance/Cycle (or immediately, if one's free).
func (q *Queue) SetNotSnubbed(id PeerID, now time.Time) {
	st, ok := q.states[id]
	if !ok || !st.snubbed {
		return
	}
	st.snubbed = false
	if !contains(q.queued, id) {
		return
	}
	if !q.isFull() && q.changeAllowed(st, now) {
		q.queued = remove(q.queued, id)
		q.moveToUnchoked(id, st, now)
	}
}

// Disconnected drops a peer from both sets, e.g. on connection close.
func (q *Queue) Disconnected(id PeerID) {
	st, ok := q.states[id]
	if !ok {
		return
	}
	if st.unchoked {
		q.unchoked = remove(q.unchoked, id)
	} else {
		q.queued = remove(q.queued, id)
	}
	delete(q.states, id)
	q.updateGauge()
}

func (q *Queue) changeAllowed(st *peerState, now time.Time) bool {
	return !st.hasLastChange || now.Sub(st.lastChangeAt) >= MinChokeChangeInterval
}

func (q *Queue) moveToUnchoked(id PeerID, st *peerState, now time.Time) {
	st.unchoked = true
	st.lastChangeAt = now
	st.hasLastChange = true
	q.unchoked = append(q.unchoked, id)
	q.notify(q.OnUnchoke, id)
	q.updateGauge()
}

func (q *Queue) notify(fn func(PeerID), id PeerID) {
	if fn != nil {
		fn(id)
	}
}

func (q *Queue) updateGauge() {
	if q.UnchokedGauge != nil {
		q.UnchokedGauge.Set(float64(len(q.unchoked)))
	}
}

// Balance implements balance(): if the unchoked set has drifted from
// MaxUnchoked (a config change, or slots freed by disconnects), move peers
// across to restore it in one step.
func (q *Queue) Balance(now time.Time) {
	adjust := q.MaxUnchoked - len(q.unchoked)
	if adjust == 0 {
		return
	}
	if adjust > 0 {
		q.unchokeN(adjust, now)
	} else {
		q.chokeN(-adjust, now)
	}
}

// Cycle implements cycle(quota): bring the unchoked set toward quota
// (clamped to MaxUnchoked), alternating up to maxAlternate peers in and out
// even when already at quota, so long-unchoked peers periodically compete
// against the queue (spec.md §4.5's guaranteed convergence). Peers that
// flipped within MinChokeChangeInterval are neither unchoked nor choked by
// Cycle. Returns the net change in unchoked count.
func (q *Queue) Cycle(quota int, now time.Time) int {
	if quota > q.MaxUnchoked {
		quota = q.MaxUnchoked
	}
	before := len(q.unchoked)

	adjust := q.maxAlternate()
	if need := quota - len(q.unchoked); need > adjust {
		adjust = need
	}
	if adjust < 0 {
		adjust = 0
	}

	unchoked := q.unchokeN(adjust, now)

	if over := len(q.unchoked) - quota; over > 0 {
		for _, id := range q.unchoked {
			if !q.changeAllowed(q.state(id), now) {
				unchoked[id] = true
			}
		}
		q.chokeNExcluding(over, now, unchoked)
	}
	return len(q.unchoked) - before
}

// unchokeN moves up to n peers from queued to unchoked using
// UnchokeScore/UnchokeWeights, respecting the per-peer change floor and
// skipping snubbed peers. It returns the set of peers it moved.
func (q *Queue) unchokeN(n int, now time.Time) map[PeerID]bool {
	moved := make(map[PeerID]bool)
	if n <= 0 || len(q.queued) == 0 {
		return moved
	}
	room := q.MaxUnchoked - len(q.unchoked)
	if room < n {
		n = room
	}
	if n <= 0 {
		return moved
	}
	var candidates []PeerID
	for _, id := range q.queued {
		if st := q.state(id); !st.snubbed && q.changeAllowed(st, now) {
			candidates = append(candidates, id)
		}
	}
	entries := q.score(candidates, q.UnchokeScore)
	chosen := allocateSlots(entries, n, q.UnchokeWeights)
	for _, id := range chosen {
		if !q.tokenAvailable(now) {
			break
		}
		st := q.state(id)
		q.queued = remove(q.queued, id)
		q.moveToUnchoked(id, st, now)
		moved[id] = true
	}
	return moved
}

// tokenAvailable consults ChangeLimiter, if set, so a single Balance/Cycle
// call spreads a large rebalance across several scheduler ticks instead of
// flipping every peer's socket state in one pass.
func (q *Queue) tokenAvailable(now time.Time) bool {
	if q.ChangeLimiter == nil {
		return true
	}
	return q.ChangeLimiter.AllowN(now, 1)
}

// chokeN moves up to n peers from unchoked to queued using ChokeScore/
// ChokeWeights (slowest peers chosen first: ChokeScore is inverted so "slow"
// maps to "high", and allocateSlots always picks the highest scorers inside
// a bucket).
func (q *Queue) chokeN(n int, now time.Time) {
	q.chokeNExcluding(n, now, nil)
}

func (q *Queue) chokeNExcluding(n int, now time.Time, exclude map[PeerID]bool) {
	if n <= 0 || len(q.unchoked) == 0 {
		return
	}
	var candidates []PeerID
	for _, id := range q.unchoked {
		if exclude[id] {
			continue
		}
		candidates = append(candidates, id)
	}
	if n > len(candidates) {
		n = len(candidates)
	}
	entries := q.score(candidates, q.ChokeScore)
	chosen := allocateSlots(entries, n, q.ChokeWeights)
	for _, id := range chosen {
		if !q.tokenAvailable(now) {
			break
		}
		st := q.state(id)
		q.unchoked = remove(q.unchoked, id)
		st.unchoked = false
		st.lastChangeAt = now
		st.hasLastChange = true
		q.queued = append(q.queued, id)
		q.notify(q.OnChoke, id)
	}
	q.updateGauge()
}

func (q *Queue) score(ids []PeerID, fn ScoreFunc) []entry {
	entries := make([]entry, len(ids))
	for i, id := range ids {
		entries[i] = entry{id: id, score: fn(id, q.Stats)}
	}
	return entries
}

type entry struct {
	id    PeerID
	score uint32
}

// allocateSlots mirrors choke_manager_allocate_slots/adjust_choke_range:
// sort entries ascending by score, bucket by score/OrderBase, and
// distribute max slots across non-empty buckets proportional to weights —
// first an equal-share round for every bucket that still has candidates,
// then the remainder starting from a weighted-random bucket so repeated
// calls spread the remainder evenly over time. Within a bucket the
// highest-scoring entries are always chosen, matching adjust_choke_range's
// habit of taking from a sorted range's upper end.
func allocateSlots(entries []entry, max int, weights Weights) []PeerID {
	if max <= 0 || len(entries) == 0 {
		return nil
	}
	sort.Slice(entries, func(i, j int) bool {
		return multiless.New().Int(int(entries[i].score), int(entries[j].score)).MustLess()
	})

	var lo, hi [OrderMaxSize]int
	pos := 0
	for i := 0; i < OrderMaxSize; i++ {
		lo[i] = pos
		if i == OrderMaxSize-1 {
			hi[i] = len(entries)
			pos = len(entries)
			continue
		}
		ceil := uint32(i)*OrderBase + (OrderBase - 1)
		for pos < len(entries) && entries[pos].score <= ceil {
			pos++
		}
		hi[i] = pos
	}

	taken := [OrderMaxSize]int{}
	weightTotal := 0
	for i := 0; i < OrderMaxSize; i++ {
		if hi[i] > lo[i] {
			weightTotal += weights[i]
		}
	}

	unchoke := max
	for weightTotal > 0 && unchoke/weightTotal > 0 {
		base := unchoke / weightTotal
		for i := 0; i < OrderMaxSize; i++ {
			size := hi[i] - lo[i]
			if weights[i] == 0 || taken[i] >= size {
				continue
			}
			u := base * weights[i]
			if room := size - taken[i]; u > room {
				u = room
			}
			unchoke -= u
			taken[i] += u
			if taken[i] >= size {
				weightTotal -= weights[i]
			}
		}
	}

	if weightTotal > 0 && unchoke > 0 {
		start := rand.Intn(weightTotal)
		i := 0
		for {
			size := hi[i] - lo[i]
			if weights[i] != 0 && taken[i] < size {
				if start < weights[i] {
					break
				}
				start -= weights[i]
			}
			i = (i + 1) % OrderMaxSize
		}
		for weightTotal > 0 && unchoke > 0 {
			size := hi[i] - lo[i]
			if weights[i] != 0 && taken[i] < size {
				room := size - taken[i]
				u := weights[i] - start
				if u > unchoke {
					u = unchoke
				}
				if u > room {
					u = room
				}
				start = 0
				unchoke -= u
				taken[i] += u
				if taken[i] >= size {
					weightTotal -= weights[i]
				}
			}
			i = (i + 1) % OrderMaxSize
		}
	}

	var chosen []PeerID
	for i := 0; i < OrderMaxSize; i++ {
		for k := 0; k < taken[i]; k++ {
			chosen = append(chosen, entries[hi[i]-1-k].id)
		}
	}
	return chosen
}

func contains(ids []PeerID, id PeerID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func remove(ids []PeerID, id PeerID) []PeerID {
	for i, x := range ids {
		if x == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
