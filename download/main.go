// Package download implements DownloadMain (C8): the per-torrent
// orchestrator binding ChunkList, Delegator, HashQueue, the two
// ChokeQueues, and every PeerConnection into the single-threaded
// reactor described in spec.md §5 (SPEC_FULL.md §7's departure from the
// teacher's goroutine-per-connection model). Grounded on
// original_source/libtorrent/src/download/download_main.cc.
package download

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math/rand"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/briskhold/swarmd"
	"github.com/briskhold/swarmd/chunk"
	"github.com/briskhold/swarmd/choke"
	"github.com/briskhold/swarmd/delegator"
	"github.com/briskhold/swarmd/hashqueue"
	"github.com/briskhold/swarmd/peerconn"
	pp "github.com/briskhold/swarmd/peer_protocol"
	"github.com/briskhold/swarmd/sched"
)

var tracer = otel.Tracer("github.com/briskhold/swarmd/download")

// PieceSizer is the sizing collaborator Main needs, identical to
// delegator's (kept as its own alias so callers outside delegator don't
// need to import it just to build a Main).
type PieceSizer = delegator.PieceSizer

// defaultPriority is every piece's priority until a caller-facing
// priority scheme is wired in; spec.md's priority ordering is exercised
// entirely through rarity in the current build.
const defaultPriority = 1

// pieceLocatorAdapter satisfies chunk.PieceLocator over a PieceSizer,
// assuming the standard BitTorrent convention that every piece but the
// last is PieceLength(0) bytes — the only layout fact a PieceSizer alone
// can't express, but one every real torrent upholds.
type pieceLocatorAdapter struct{ sizer PieceSizer }

func (a pieceLocatorAdapter) standardLength() int64 {
	if a.sizer.NumPieces() == 0 {
		return 0
	}
	return int64(a.sizer.PieceLength(0))
}

func (a pieceLocatorAdapter) PieceForOffset(off int64) (chunk.NodeIndex, int64) {
	std := a.standardLength()
	if std <= 0 {
		return 0, off
	}
	index := chunk.NodeIndex(off / std)
	return index, off - int64(index)*std
}

func (a pieceLocatorAdapter) PieceLength(index chunk.NodeIndex) int64 {
	return int64(a.sizer.PieceLength(index))
}

func (a pieceLocatorAdapter) NumPieces() int { return a.sizer.NumPieces() }

func (a pieceLocatorAdapter) Length() int64 {
	n := a.sizer.NumPieces()
	if n == 0 {
		return 0
	}
	std := a.standardLength()
	last := int64(a.sizer.PieceLength(chunk.NodeIndex(n - 1)))
	return std*int64(n-1) + last
}

// Main is DownloadMain (C8). One Main owns exactly one torrent's state
// and must be driven entirely from its Scheduler's goroutine.
type Main struct {
	cfg    Config
	logger log.Logger
	sched  *sched.Scheduler

	sizer       PieceSizer
	chunks      *chunk.List
	delegator   *delegator.Delegator
	hashQueue   *hashqueue.Queue
	hashTorrent *hashqueue.HashTorrent
	pieceReader *chunk.PieceReader

	chokeUpload   *choke.Queue
	chokeDownload *choke.Queue

	completed *roaring.Bitmap
	rarity    []int

	peers          map[PeerID]*peerEntry
	connectedAddrs map[string]struct{}
	excludedHash   *roaring.Bitmap
	available      []PeerInfo

	tracker              Tracker
	handshaker           Handshaker
	expected             ExpectedHashes
	lastTrackerPeerCount int
	infoHash             [20]byte

	metrics *Metrics

	running bool
}

// NewMain wires a fresh Main. factory/manager back the ChunkList;
// expected/tracker/handshaker are the narrow out-of-scope collaborators
// (spec.md §6); reg/name feed the per-torrent metrics namespace.
func NewMain(cfg Config, sizer PieceSizer, factory chunk.Factory, manager chunk.MemoryManager,
	expected ExpectedHashes, tracker Tracker, handshaker Handshaker,
	poll sched.Poll, reg prometheus.Registerer, name string, logger log.Logger) *Main {

	m := &Main{
		cfg:            cfg,
		logger:         logger,
		sched:          sched.New(poll),
		sizer:          sizer,
		expected:       expected,
		tracker:        tracker,
		handshaker:     handshaker,
		peers:          make(map[PeerID]*peerEntry),
		connectedAddrs: make(map[string]struct{}),
		excludedHash:   roaring.New(),
		metrics:        NewMetrics(reg, name),
	}

	m.chunks = chunk.NewList(factory, manager, logger)
	m.chunks.SyncTimeout = cfg.SyncTimeout
	m.chunks.DiskSpaceFloor = cfg.DiskSpaceFloor

	m.hashQueue = hashqueue.NewQueue(m.sched, cfg.HashSliceSize, cfg.HashLookahead, logger)
	m.pieceReader = chunk.NewPieceReader(m.chunks, pieceLocatorAdapter{sizer})

	m.chokeUpload = choke.NewQueue(cfg.MaxUnchokedUpload, choke.UploadChokeScore, choke.UploadUnchokeScore,
		choke.FlatWeights, choke.UploadUnchokeWeights, m)
	m.chokeUpload.UnchokedGauge = m.metrics.UploadUnchoked
	m.chokeUpload.OnUnchoke = func(id PeerID) {
		if pe := m.peers[id]; pe != nil {
			pe.conn.SetChoking(false)
		}
	}
	m.chokeUpload.OnChoke = func(id PeerID) {
		if pe := m.peers[id]; pe != nil {
			pe.conn.SetChoking(true)
		}
	}

	// chokeDownload repurposes the download-direction scoring (a
	// placeholder in the original, per choke/queue.go's own comment) as
	// an interest throttle: the peers we're most productively receiving
	// from stay the ones we declare interest in, bounding how many
	// peers we keep asking at once (spec.md §9 open question #2).
	m.chokeDownload = choke.NewQueue(cfg.MaxUnchokedDownload, choke.DownloadChokeScore, choke.DownloadUnchokeScore,
		choke.FlatWeights, choke.FlatWeights, m)
	m.chokeDownload.UnchokedGauge = m.metrics.DownloadUnchoked
	m.chokeDownload.OnUnchoke = func(id PeerID) {
		if pe := m.peers[id]; pe != nil {
			pe.conn.SetInterested(true)
			m.TryRequest(id)
		}
	}
	m.chokeDownload.OnChoke = func(id PeerID) {
		if pe := m.peers[id]; pe != nil {
			pe.conn.SetInterested(false)
		}
	}

	return m
}

// Open resizes the piece store and primes the delegator's priority
// selector and hash-verification plan. completed may be nil (a fresh
// download) or carry pieces already known good from a resumed session.
func (m *Main) Open(completed *roaring.Bitmap) error {
	if completed == nil {
		completed = roaring.New()
	}
	m.completed = completed
	// Delegator shares this exact bitmap (not a copy): pieces onVerifyResult
	// adds to m.completed must immediately stop being offered by Delegate.
	m.delegator = delegator.NewDelegator(m.sizer, m.completed)
	n := m.sizer.NumPieces()
	if err := m.chunks.Resize(n); err != nil {
		return err
	}
	m.rarity = make([]int, n)
	for i := 0; i < n; i++ {
		if !completed.Contains(uint32(i)) {
			m.delegator.SetPriority(chunk.NodeIndex(i), defaultPriority, 0)
		}
	}

	pending := roaring.New()
	pending.AddRange(0, uint64(n))
	pending.AndNot(completed)
	m.hashTorrent = hashqueue.NewHashTorrent(m.hashQueue, m.chunks, pending, m.onInitialHashResult)
	m.hashTorrent.MaxOutstanding = m.cfg.MaxOutstandingHash
	m.hashTorrent.InitialHash = m.onInitialHashComplete
	return nil
}

// SetInfoHash records the torrent's info-hash, the key UseFailedDB
// persists block failed-lists under. Safe to call any time before
// UseFailedDB.
func (m *Main) SetInfoHash(h [20]byte) { m.infoHash = h }

// UseFailedDB enables durable persistence of each block's failed-list
// across process restarts (delegator.FailedDB), keyed by the info-hash set
// via SetInfoHash. Call after Open; pass a nil db to disable.
func (m *Main) UseFailedDB(db *delegator.FailedDB) {
	m.delegator.UseFailedDB(db, m.infoHash)
}

// Start begins initial hash verification and arms the periodic
// maintenance/choke-cycle/tracker timers. Call once, after Open.
func (m *Main) Start(now time.Time) {
	m.running = true
	m.hashTorrent.Start()
	m.sched.PostDelayed(m.cfg.MaintenanceInterval, func() { m.maintenanceTick(time.Now()) })
	m.sched.PostDelayed(m.cfg.ChokeCycleInterval, func() { m.chokeCycleTick(time.Now()) })
	m.sched.PostDelayed(m.cfg.TrackerRetryInterval, func() { m.trackerRequestTick(time.Now()) })
}

// Run drives the Scheduler until stop is closed. It must run on exactly
// one goroutine for the lifetime of this Main.
func (m *Main) Run(stop <-chan struct{}) error {
	return m.sched.Run(stop)
}

// Stop announces to the tracker, then concurrently drains and closes every
// connection's pending write buffer and waits for all of them; ctx does not
// cut that wait short. It does not release piece storage; call Close for
// that once Stop returns.
func (m *Main) Stop(ctx context.Context) error {
	if m.tracker != nil {
		m.tracker.SendStop()
	}
	g, _ := errgroup.WithContext(ctx)
	for _, pe := range m.peers {
		pe := pe
		g.Go(func() error {
			_ = pe.conn.OnWritable(time.Now())
			pe.conn.Close("torrent stopped")
			return nil
		})
	}
	return g.Wait()
}

// Close releases every piece still held open and disconnects any
// remaining peers. Idempotent.
func (m *Main) Close() {
	if !m.running {
		return
	}
	m.running = false
	for id := range m.peers {
		m.disconnect(id, errors.New("torrent closed"))
	}
	m.hashQueue.Clear()
	m.chunks.SyncChunks(chunk.SyncAll | chunk.SyncForce | chunk.SyncSafe)
}

// --- peerconn.TorrentView ---

func (m *Main) NumPieces() int { return m.sizer.NumPieces() }

func (m *Main) PieceLength(index uint32) uint32 { return m.sizer.PieceLength(chunk.NodeIndex(index)) }

func (m *Main) BeginBlock(peer PeerID, index, offset, length uint32) error {
	pe := m.peers[peer]
	if pe == nil {
		return peerconn.ErrSkipBlock
	}
	piece := delegator.Piece{Index: chunk.NodeIndex(index), Offset: offset, Length: length}
	if !pe.requests.Downloading(piece) {
		m.metrics.ChunksUnexpected.Inc()
		return peerconn.ErrSkipBlock
	}
	h, err := m.chunks.Get(chunk.NodeIndex(index), true)
	if err != nil {
		pe.requests.Skip()
		return peerconn.ErrSkipBlock
	}
	pe.activeIndex = chunk.NodeIndex(index)
	pe.activeOffset = offset
	pe.activeChunk = h
	return nil
}

func (m *Main) ReceiveBlock(peer PeerID, index, offset uint32, buf []byte) error {
	pe := m.peers[peer]
	if pe == nil || pe.activeChunk == nil {
		return nil
	}
	// offset is the advancing absolute position within the PIECE message
	// (peerconn.Conn.PieceData), not the block's fixed start; the
	// delegator locates the Block by its fixed offset, captured in
	// pe.activeOffset at BeginBlock time.
	result, finished, err := m.delegator.Receive(peer, pe.activeIndex, pe.activeOffset, buf, pe.activeChunk.Chunk())
	if err != nil {
		return err
	}
	if result == delegator.ReceiveDiscarded {
		m.metrics.ChunksRedundant.Add(float64(len(buf)))
	}
	if finished {
		m.onBlockFinished(pe.activeIndex)
	}
	return nil
}

func (m *Main) EndBlock(peer PeerID, index, offset uint32) {
	pe := m.peers[peer]
	if pe == nil {
		return
	}
	if pe.activeChunk != nil {
		pe.activeChunk.Release()
		pe.activeChunk = nil
	}
	pe.requests.Finished()
}

func (m *Main) TryRequest(peer PeerID) {
	pe := m.peers[peer]
	if pe == nil {
		return
	}
	limit := peerconn.PipeSize(pe.conn.DownloadRate())
	if m.delegator.Aggressive() {
		limit = peerconn.AggressivePipeSize(pe.conn.DownloadRate())
	}
	for pe.requests.Outstanding() < limit {
		piece, ok := m.delegator.Delegate(peer, pe.has)
		if !ok {
			break
		}
		pe.requests.Push(piece)
		pe.conn.QueueRequest(piece)
	}
}

func (m *Main) ReadBlock(index, offset, length uint32) ([]byte, error) {
	std := pieceLocatorAdapter{m.sizer}.standardLength()
	abs := int64(index)*std + int64(offset)
	buf := make([]byte, length)
	n, err := m.pieceReader.ReadAt(buf, abs)
	if err != nil && err != io.EOF {
		return nil, err
	}
	if n < int(length) {
		return nil, fmt.Errorf("download: short read for piece %d offset %d", index, offset)
	}
	return buf, nil
}

func (m *Main) HandleHave(peer PeerID, index uint32) {
	pe := m.peers[peer]
	if pe == nil {
		return
	}
	pe.has.Add(index)
	m.bumpRarity(index, 1)
}

func (m *Main) HandleBitfieldBit(peer PeerID, index uint32) {
	pe := m.peers[peer]
	if pe == nil {
		return
	}
	pe.has.Add(index)
	m.bumpRarity(index, 1)
}

func (m *Main) HandleBitfieldDone(peer PeerID) {
	// Interest is reconciled uniformly by chokeDownload's polling in
	// maintenanceTick rather than here; a burst of HAVEs arriving just
	// ahead of BITFIELD (spec.md §9's permissiveness supplement) is
	// already folded into pe.has bit-by-bit before this fires.
}

func (m *Main) OnRequestFromPeer(index, offset, length uint32) error {
	ctx := fmt.Sprintf("piece %d", index)
	if index >= uint32(m.sizer.NumPieces()) {
		return swarmd.Wrap(swarmd.ProtocolError, ctx, fmt.Errorf("index out of range"))
	}
	if !m.completed.Contains(index) {
		return swarmd.Wrap(swarmd.ProtocolError, ctx, fmt.Errorf("piece not complete"))
	}
	if length > pp.MaxBlockLength {
		return swarmd.Wrap(swarmd.ProtocolError, ctx, fmt.Errorf("block length %d exceeds maximum", length))
	}
	pieceLen := m.sizer.PieceLength(chunk.NodeIndex(index))
	if uint64(offset)+uint64(length) > uint64(pieceLen) {
		return swarmd.Wrap(swarmd.ProtocolError, ctx, fmt.Errorf("request [%d,%d) exceeds piece length %d", offset, offset+length, pieceLen))
	}
	return nil
}

// --- choke.Stats ---

func (m *Main) DownloadRate(id PeerID) float64 {
	pe := m.peers[id]
	if pe == nil {
		return 0
	}
	return pe.conn.DownloadRate()
}

func (m *Main) UploadRate(id PeerID) float64 {
	pe := m.peers[id]
	if pe == nil {
		return 0
	}
	return pe.uploadEWMA
}

func (m *Main) PeerUnchokedUs(id PeerID) bool {
	pe := m.peers[id]
	return pe != nil && !pe.conn.PeerChoking
}

// --- connection management ---

// AddConn registers a freshly handshook peer connection. fd, if >= 0, is
// registered with the Scheduler's Poll for readiness callbacks; pass -1
// for connections driven some other way (e.g. an in-process test double).
func (m *Main) AddConn(id PeerID, nc io.ReadWriter, fd int, addr string, now time.Time) error {
	if len(m.peers) >= m.cfg.MaxPeers {
		return fmt.Errorf("download: peer limit reached")
	}
	c := peerconn.NewConn(id, nc, m, m.logger, now)
	pe := newPeerEntry(id, c)
	pe.fd = fd
	pe.addr = addr
	m.peers[id] = pe
	m.excludeAddr(addr)
	m.metrics.PeersConnected.Set(float64(len(m.peers)))

	if fd >= 0 {
		if err := m.sched.Poll().Add(fd, sched.Readable|sched.Writable, func(ev sched.Events) {
			m.onPollEvent(id, ev)
		}); err != nil {
			delete(m.peers, id)
			m.unexcludeAddr(addr)
			return err
		}
	}
	return nil
}

// RemoveConn disconnects id for the given human-readable reason.
func (m *Main) RemoveConn(id PeerID, reason string) {
	m.disconnect(id, errors.New(reason))
}

func (m *Main) onPollEvent(id PeerID, ev sched.Events) {
	pe := m.peers[id]
	if pe == nil {
		return
	}
	now := time.Now()
	if ev&sched.Readable != 0 {
		if err := pe.conn.OnReadable(now); err != nil {
			m.disconnect(id, err)
			return
		}
	}
	if ev&sched.Writable != 0 {
		if err := pe.conn.OnWritable(now); err != nil {
			m.disconnect(id, err)
			return
		}
	}
}

func (m *Main) disconnect(id PeerID, cause error) {
	pe, ok := m.peers[id]
	if !ok {
		return
	}
	if pe.fd >= 0 {
		_ = m.sched.Poll().Remove(pe.fd)
	}
	pe.conn.Close(cause.Error())
	if pe.activeChunk != nil {
		pe.activeChunk.Release()
		pe.activeChunk = nil
	}
	m.delegator.CancelPeer(id)
	m.chokeUpload.Disconnected(id)
	m.chokeDownload.Disconnected(id)
	delete(m.peers, id)
	m.unexcludeAddr(pe.addr)
	m.metrics.PeersConnected.Set(float64(len(m.peers)))
}

// --- tracker / candidate-address bookkeeping ---

func addrHash(addr string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(addr))
	return h.Sum32()
}

// isExcluded consults excludedHash as a fast pre-filter before the
// authoritative connectedAddrs lookup, so popRandomAvailable can scan a
// large tracker response without a map probe per candidate in the
// common (not-yet-connected) case.
func (m *Main) isExcluded(addr string) bool {
	if !m.excludedHash.Contains(addrHash(addr)) {
		return false
	}
	_, ok := m.connectedAddrs[addr]
	return ok
}

func (m *Main) excludeAddr(addr string) {
	m.connectedAddrs[addr] = struct{}{}
	m.excludedHash.Add(addrHash(addr))
}

func (m *Main) unexcludeAddr(addr string) {
	delete(m.connectedAddrs, addr)
	m.rebuildExcludedHash()
}

func (m *Main) rebuildExcludedHash() {
	bm := roaring.New()
	for addr := range m.connectedAddrs {
		bm.Add(addrHash(addr))
	}
	m.excludedHash = bm
}

func (m *Main) popRandomAvailable() (PeerInfo, bool) {
	for len(m.available) > 0 {
		i := rand.Intn(len(m.available))
		info := m.available[i]
		m.available[i] = m.available[len(m.available)-1]
		m.available = m.available[:len(m.available)-1]
		if !m.isExcluded(info.Addr) {
			return info, true
		}
	}
	return PeerInfo{}, false
}

// OnTrackerPeers feeds a tracker response's candidate addresses in.
func (m *Main) OnTrackerPeers(infos []PeerInfo) {
	for _, info := range infos {
		if !m.isExcluded(info.Addr) {
			m.available = append(m.available, info)
		}
	}
	m.receiveConnectPeers()
}

// receiveConnectPeers dials candidates while fewer than MinPeers
// connections are established and fewer than MaxPeers (established or
// in-flight) are accounted for. Grounded on download_main.cc's
// receive_connect_peers.
func (m *Main) receiveConnectPeers() {
	if m.handshaker == nil {
		return
	}
	for len(m.peers) < m.cfg.MinPeers && len(m.connectedAddrs) < m.cfg.MaxPeers {
		info, ok := m.popRandomAvailable()
		if !ok {
			return
		}
		m.excludeAddr(info.Addr)
		if err := m.handshaker.StartHandshake(info); err != nil {
			m.unexcludeAddr(info.Addr)
		}
	}
}

// trackerRequestTick implements spec.md §4.7's tracker-interaction rule:
// if the connection count hasn't grown by at least TrackerMinGrowth
// since the last request, the current tracker isn't productive enough
// and we advance to the next one; otherwise we stick with it.
func (m *Main) trackerRequestTick(now time.Time) {
	if m.tracker != nil && len(m.peers) < m.cfg.MinPeers {
		if len(m.peers)-m.lastTrackerPeerCount < m.cfg.TrackerMinGrowth || !m.tracker.RequestCurrent() {
			m.tracker.RequestNext()
		}
		m.lastTrackerPeerCount = len(m.peers)
	}
	m.receiveConnectPeers()
	m.sched.PostDelayed(m.cfg.TrackerRetryInterval, func() { m.trackerRequestTick(time.Now()) })
}

// --- piece lifecycle ---

func (m *Main) bumpRarity(index uint32, delta int) {
	if int(index) >= len(m.rarity) {
		return
	}
	m.rarity[index] += delta
	if m.rarity[index] < 0 {
		m.rarity[index] = 0
	}
	if m.completed.Contains(index) {
		return
	}
	m.delegator.SetPriority(chunk.NodeIndex(index), defaultPriority, m.rarity[index])
}

func (m *Main) broadcastHave(index chunk.NodeIndex) {
	for _, pe := range m.peers {
		pe.conn.QueueHave(uint32(index))
	}
}

func (m *Main) onBlockFinished(index chunk.NodeIndex) {
	bl := m.delegator.Transfers().Get(index)
	if bl == nil || !bl.AllFinished() {
		return
	}
	h, err := m.chunks.Get(index, false)
	if err != nil {
		m.logger.WithDefaultLevel(log.Warning).Printf("download: piece %d: reopen for verify: %v", index, err)
		return
	}
	m.hashQueue.Add(h, "verify", m.onVerifyResult)
}

func (m *Main) onVerifyResult(index chunk.NodeIndex, sum hashqueue.Sum, h *chunk.Handle) {
	defer h.Release()
	if sum == hashqueue.Sum(m.expected.ExpectedHash(index)) {
		m.completed.Add(uint32(index))
		m.delegator.HashSuccess(index)
		m.delegator.RemovePriority(index)
		m.metrics.ChunksCompleted.Inc()
		m.metrics.HashSuccess.Inc()
		m.broadcastHave(index)
		m.updateEndgame()
		return
	}
	m.metrics.HashFailure.Inc()
	wh, err := m.chunks.Get(index, true)
	if err != nil {
		m.logger.WithDefaultLevel(log.Warning).Printf("download: piece %d: reopen for hash failure: %v", index, err)
		return
	}
	defer wh.Release()
	firstAttempt, err := m.delegator.HashFailure(index, wh.Chunk())
	if err != nil {
		m.logger.WithDefaultLevel(log.Warning).Printf("download: piece %d: hash-failure rewrite: %v", index, err)
		return
	}
	if firstAttempt {
		// spec.md §4.2: retry immediately with the most-popular bytes per
		// block, already written back by HashFailure above.
		rh, err := m.chunks.Get(index, false)
		if err != nil {
			m.logger.WithDefaultLevel(log.Warning).Printf("download: piece %d: reopen for hash retry: %v", index, err)
			return
		}
		m.hashQueue.Add(rh, "verify", m.onVerifyResult)
	}
}

func (m *Main) onInitialHashResult(index chunk.NodeIndex, sum hashqueue.Sum) {
	if sum == hashqueue.Sum(m.expected.ExpectedHash(index)) {
		m.completed.Add(uint32(index))
		m.delegator.RemovePriority(index)
		m.metrics.ChunksCompleted.Inc()
		m.metrics.HashSuccess.Inc()
		return
	}
	m.metrics.HashFailure.Inc()
}

func (m *Main) onInitialHashComplete() {
	m.updateEndgame()
	if m.tracker != nil {
		m.tracker.SendStart()
	}
}

// updateEndgame implements the "+5" aggressive-mode switch (spec.md
// §4.7): once completed pieces plus pieces already in transfer come
// within EndgameSlack of the total, every remaining piece is worth
// multi-sourcing.
func (m *Main) updateEndgame() {
	total := m.sizer.NumPieces()
	done := int(m.completed.GetCardinality())
	inTransfer := m.delegator.Transfers().Len()
	aggressive := done+inTransfer+m.cfg.EndgameSlack >= total
	if aggressive == m.delegator.Aggressive() {
		return
	}
	_, span := tracer.Start(context.Background(), "download.endgame")
	m.delegator.SetAggressive(aggressive)
	span.End()
}

func (m *Main) hungSweep(now time.Time) {
	for _, idx := range m.delegator.Transfers().Hung(m.cfg.HungPieceTimeout, now) {
		m.delegator.Transfers().ResetPiece(idx, now)
	}
}

func (m *Main) drainBanCandidates() {
	for {
		select {
		case peer := <-m.delegator.BanCandidates():
			m.metrics.BanCandidates.Inc()
			m.logger.WithDefaultLevel(log.Warning).Printf("download: %s: ban candidate (dissimilar block bytes)", peer)
		default:
			return
		}
	}
}

func (m *Main) maintenanceTick(now time.Time) {
	for id, pe := range m.peers {
		if err := pe.conn.CheckKeepAlive(now); err != nil {
			m.disconnect(id, err)
			continue
		}
		pe.conn.FillWriteBuf(now)
		pe.sampleUpload(now)

		if pe.conn.PeerInterested {
			m.chokeUpload.SetQueued(id, now)
		} else {
			m.chokeUpload.SetNotQueued(id)
		}
		if pe.wantsFrom(m.completed) {
			m.chokeDownload.SetQueued(id, now)
		} else {
			m.chokeDownload.SetNotQueued(id)
		}
	}
	m.hungSweep(now)
	m.drainBanCandidates()
	m.sched.PostDelayed(m.cfg.MaintenanceInterval, func() { m.maintenanceTick(time.Now()) })
}

func (m *Main) chokeCycleTick(now time.Time) {
	m.chokeUpload.Balance(now)
	m.chokeUpload.Cycle(m.cfg.MaxUnchokedUpload, now)
	m.chokeDownload.Balance(now)
	m.chokeDownload.Cycle(m.cfg.MaxUnchokedDownload, now)
	m.sched.PostDelayed(m.cfg.ChokeCycleInterval, func() { m.chokeCycleTick(time.Now()) })
}

var _ peerconn.TorrentView = (*Main)(nil)
var _ choke.Stats = (*Main)(nil)
