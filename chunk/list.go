package chunk

import (
	"fmt"
	"sort"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/dustin/go-humanize"

	"github.com/briskhold/swarmd"
)

// NodeIndex is a piece index into a List.
type NodeIndex int

// Node is a ChunkListNode: a per-piece slot tracking a lazily created Chunk
// and the invariants spec.md §3 requires (writable ≤ references, chunk
// present iff referenced-or-queued, index immutable after init).
type node struct {
	index         NodeIndex
	chunk         *Chunk
	references    int32
	writable      int32
	timeModified  time.Time
	syncTriggered bool
	queued        bool
}

// Factory is the ChunkFactory collaborator (spec.md §6): it builds a Chunk
// backing one piece, typically by mmapping the file region(s) the piece
// spans.
type Factory interface {
	Create(index NodeIndex, writable bool) (*Chunk, error)
}

// MemoryManager is the ChunkMemoryManager collaborator (spec.md §6).
type MemoryManager interface {
	Allocate(bytes int64) bool
	Deallocate(bytes int64)
	SafeFreeDiskspace() uint64
}

// SyncFlags is the bitset ChunkList.sync_chunks takes, per spec.md §4.1.
type SyncFlags uint8

const (
	SyncAll SyncFlags = 1 << iota
	SyncUseTimeout
	SyncSafe
	SyncSloppy
	SyncForce
)

func (f SyncFlags) has(bit SyncFlags) bool { return f&bit != 0 }

// List is the ChunkList (C2): an indexed table of Nodes with ref-counting,
// a write-back queue, and periodic sync.
type List struct {
	factory Factory
	manager MemoryManager
	logger  log.Logger

	nodes []node
	queue []NodeIndex // FIFO order of insertion; membership via node.queued

	// DiskSpaceFloor upgrades a sync pass to SAFE when free disk space (as
	// reported by manager.SafeFreeDiskspace) drops below it. Zero disables
	// the check (spec.md §5's supplemental behavior).
	DiskSpaceFloor uint64
	// SyncTimeout is the age threshold SyncUseTimeout checks against.
	SyncTimeout time.Duration
}

// NewList constructs an empty List. Call Resize before use.
func NewList(factory Factory, manager MemoryManager, logger log.Logger) *List {
	return &List{factory: factory, manager: manager, logger: logger}
}

// Resize allocates n nodes indexed 0..n. Fails if the list is already
// non-empty.
func (l *List) Resize(n int) error {
	if len(l.nodes) != 0 {
		return fmt.Errorf("chunk: list already resized to %d nodes", len(l.nodes))
	}
	l.nodes = make([]node, n)
	for i := range l.nodes {
		l.nodes[i].index = NodeIndex(i)
	}
	return nil
}

func (l *List) node(index NodeIndex) *node {
	return &l.nodes[index]
}

// Handle is a ChunkHandle: a scoped borrow of a Node with a write flag. It
// owns exactly one +references and, if writable, one +writable; Release is
// mandatory on every exit path.
type Handle struct {
	list     *List
	n        *node
	writable bool
	released bool
}

func (h *Handle) Chunk() *Chunk { return h.n.chunk }
func (h *Handle) Index() NodeIndex { return h.n.index }
func (h *Handle) Writable() bool { return h.writable }

// Release returns the handle to its List. Safe to call at most once.
func (h *Handle) Release() {
	if h.released {
		panic("chunk: double release of handle")
	}
	h.released = true
	h.list.release(h.n, h.writable)
}

// Get returns a valid handle, building the Chunk on first reference via the
// Factory. If the memory quota refuses, returns ENOMEM wrapped as a
// resource_error. If writable is requested over an existing read-only Chunk,
// the mapping is rebuilt with write permission.
func (l *List) Get(index NodeIndex, writable bool) (*Handle, error) {
	n := l.node(index)
	if n.chunk == nil {
		size, err := l.create(n, writable)
		if err != nil {
			return nil, err
		}
		_ = size
	} else if writable && !n.chunk.IsWritable() {
		old := n.chunk
		if _, err := l.create(n, true); err != nil {
			return nil, err
		}
		old.Close()
	}
	n.references++
	if writable {
		n.writable++
		panicif.NotEqual(n.queued, false)
	}
	panicif.False(n.writable <= n.references)
	return &Handle{list: l, n: n, writable: writable}, nil
}

func (l *List) create(n *node, writable bool) (int64, error) {
	c, err := l.factory.Create(n.index, writable)
	if err != nil {
		return 0, swarmd.Wrap(swarmd.StorageError, fmt.Sprintf("piece %d", n.index), err)
	}
	if l.manager != nil && !l.manager.Allocate(c.Size()) {
		c.Close()
		return 0, swarmd.Wrap(swarmd.ResourceError, fmt.Sprintf("piece %d", n.index), swarmd.ENOMEM)
	}
	n.chunk = c
	n.timeModified = time.Now()
	return c.Size(), nil
}

// release implements ChunkList::release, including the write-back queue
// push and fatal-assertion invariants from spec.md §4.1.
func (l *List) release(n *node, writable bool) {
	n.references--
	if writable {
		n.writable--
		n.timeModified = time.Now()
		if n.writable == 0 {
			panicif.True(n.queued)
			l.enqueue(n)
		}
	} else if n.references == 0 {
		panicif.True(n.queued)
		l.drop(n)
	}
	panicif.False(n.writable <= n.references)
}

func (l *List) enqueue(n *node) {
	n.queued = true
	l.queue = append(l.queue, n.index)
}

func (l *List) drop(n *node) {
	if n.chunk == nil {
		return
	}
	n.chunk.Advise(AdviseDontNeed)
	if l.manager != nil {
		l.manager.Deallocate(n.chunk.Size())
	}
	n.chunk.Close()
	n.chunk = nil
}

// SyncChunks implements the algorithm in spec.md §4.1: partition, timeout
// short-circuit, sort by index, disk-space SAFE upgrade, then per-candidate
// FORCE/SAFE/default msync branches. Returns the failure count.
func (l *List) SyncChunks(flags SyncFlags) int {
	if len(l.queue) == 0 {
		return 0
	}

	var candidates []NodeIndex
	var remaining []NodeIndex
	for _, idx := range l.queue {
		n := l.node(idx)
		if flags.has(SyncAll) || n.writable <= 1 {
			candidates = append(candidates, idx)
		} else {
			remaining = append(remaining, idx)
		}
	}

	if flags.has(SyncUseTimeout) && l.SyncTimeout > 0 {
		cutoff := time.Now().Add(-l.SyncTimeout)
		anyOld := false
		for _, idx := range candidates {
			if l.node(idx).timeModified.Before(cutoff) {
				anyOld = true
				break
			}
		}
		if !anyOld {
			return 0
		}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })

	if l.manager != nil && l.DiskSpaceFloor > 0 && !flags.has(SyncSafe) && !flags.has(SyncSloppy) {
		if l.manager.SafeFreeDiskspace() < l.DiskSpaceFloor {
			flags |= SyncSafe
		}
	}

	failures := 0
	var stillQueued []NodeIndex
	for _, idx := range candidates {
		n := l.node(idx)
		cleanup, kind := l.syncPlan(n, flags)
		if err := n.chunk.Sync(kind); err != nil {
			l.logger.WithDefaultLevel(log.Warning).Printf(
				"chunk: sync failed for piece %d (%s pending): %v", n.index, humanize.Bytes(uint64(n.chunk.Size())), err)
			failures++
			stillQueued = append(stillQueued, idx)
			continue
		}
		if cleanup {
			n.writable--
			n.syncTriggered = false
			n.queued = false
			if n.references == 0 {
				l.drop(n)
			}
		} else {
			n.syncTriggered = true
			stillQueued = append(stillQueued, idx)
		}
	}

	l.queue = append(remaining, stillQueued...)
	return failures
}

// syncPlan decides, for one candidate node, whether this round's msync
// should clean up the queue entry and whether it should block.
func (l *List) syncPlan(n *node, flags SyncFlags) (cleanup bool, kind SyncKind) {
	switch {
	case flags.has(SyncForce):
		cleanup = true
		if flags.has(SyncSafe) {
			kind = SyncSync
		} else {
			kind = SyncAsync
		}
	case flags.has(SyncSafe):
		if n.syncTriggered {
			cleanup = true
			kind = SyncSync
		} else {
			cleanup = false
			kind = SyncAsync
		}
	default:
		cleanup = true
		kind = SyncAsync
	}
	return
}

// Len reports how many nodes are currently queued for write-back.
func (l *List) Len() int { return len(l.queue) }

// NumNodes reports the configured node count.
func (l *List) NumNodes() int { return len(l.nodes) }
