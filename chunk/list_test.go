package chunk

import (
	"os"
	"testing"

	"github.com/anacrolix/log"
	qt "github.com/frankban/quicktest"
)

// fileFactory maps fixed-size slots out of one backing file, standing in for
// a real per-piece layout.
type fileFactory struct {
	f          *os.File
	pieceLen   int64
	createErr  error
}

func (ff *fileFactory) Create(index NodeIndex, writable bool) (*Chunk, error) {
	if ff.createErr != nil {
		return nil, ff.createErr
	}
	mode := ReadOnly
	if writable {
		mode = ReadWrite
	}
	part, err := NewPart(ff.f, int64(index)*ff.pieceLen, ff.pieceLen, mode)
	if err != nil {
		return nil, err
	}
	return NewChunk([]*Part{part}, writable), nil
}

// quotaManager enforces a byte ceiling and counts free "disk space" that
// tests can drive below a configured floor to exercise the SAFE upgrade.
type quotaManager struct {
	quota     int64
	used      int64
	freeSpace uint64
}

func (m *quotaManager) Allocate(n int64) bool {
	if m.used+n > m.quota {
		return false
	}
	m.used += n
	return true
}

func (m *quotaManager) Deallocate(n int64) { m.used -= n }
func (m *quotaManager) SafeFreeDiskspace() uint64 { return m.freeSpace }

func newTestList(c *qt.C, numPieces int, pieceLen int64, quota int64) (*List, *fileFactory, *quotaManager) {
	f, err := os.CreateTemp(c.TempDir(), "list-test")
	c.Assert(err, qt.IsNil)
	c.Assert(f.Truncate(int64(numPieces)*pieceLen), qt.IsNil)
	c.Cleanup(func() { f.Close() })

	ff := &fileFactory{f: f, pieceLen: pieceLen}
	mgr := &quotaManager{quota: quota, freeSpace: ^uint64(0)}
	l := NewList(ff, mgr, log.Default)
	c.Assert(l.Resize(numPieces), qt.IsNil)
	return l, ff, mgr
}

func TestListGetReleaseReadOnly(t *testing.T) {
	c := qt.New(t)
	l, _, mgr := newTestList(c, 4, 16, 1<<20)

	h, err := l.Get(0, false)
	c.Assert(err, qt.IsNil)
	c.Assert(h.Chunk(), qt.IsNotNil)
	c.Assert(l.Len(), qt.Equals, 0) // read-only release drops immediately, no write-back

	h.Release()
	c.Assert(mgr.used, qt.Equals, int64(0))
}

func TestListWritableEnqueuesOnRelease(t *testing.T) {
	c := qt.New(t)
	l, _, _ := newTestList(c, 4, 16, 1<<20)

	h, err := l.Get(1, true)
	c.Assert(err, qt.IsNil)
	c.Assert(h.Chunk().FromBuffer(make([]byte, 16), 0, 16), qt.IsNil)
	h.Release()

	c.Assert(l.Len(), qt.Equals, 1)
}

func TestListGetResourceError(t *testing.T) {
	c := qt.New(t)
	l, _, _ := newTestList(c, 4, 16, 8) // quota too small for one 16-byte piece

	_, err := l.Get(0, true)
	c.Assert(err, qt.Not(qt.IsNil))
}

func TestListSyncChunksDefaultCleansUp(t *testing.T) {
	c := qt.New(t)
	l, _, _ := newTestList(c, 2, 16, 1<<20)

	h, err := l.Get(0, true)
	c.Assert(err, qt.IsNil)
	h.Release()
	c.Assert(l.Len(), qt.Equals, 1)

	failures := l.SyncChunks(0)
	c.Assert(failures, qt.Equals, 0)
	c.Assert(l.Len(), qt.Equals, 0)
}

func TestListSyncChunksSafeRequiresTwoPasses(t *testing.T) {
	c := qt.New(t)
	l, _, _ := newTestList(c, 2, 16, 1<<20)

	h, err := l.Get(0, true)
	c.Assert(err, qt.IsNil)
	h.Release()

	c.Assert(l.SyncChunks(SyncSafe), qt.Equals, 0)
	c.Assert(l.Len(), qt.Equals, 1) // first SAFE pass only marks syncTriggered

	c.Assert(l.SyncChunks(SyncSafe), qt.Equals, 0)
	c.Assert(l.Len(), qt.Equals, 0) // second pass blocks and cleans up
}

func TestListSyncChunksForceCleansUpImmediately(t *testing.T) {
	c := qt.New(t)
	l, _, _ := newTestList(c, 2, 16, 1<<20)

	h, err := l.Get(0, true)
	c.Assert(err, qt.IsNil)
	h.Release()

	c.Assert(l.SyncChunks(SyncForce|SyncSafe), qt.Equals, 0)
	c.Assert(l.Len(), qt.Equals, 0)
}

func TestListSyncChunksDiskSpaceFloorUpgradesToSafe(t *testing.T) {
	c := qt.New(t)
	l, _, mgr := newTestList(c, 2, 16, 1<<20)
	l.DiskSpaceFloor = 1 << 30
	mgr.freeSpace = 1 << 10 // below floor

	h, err := l.Get(0, true)
	c.Assert(err, qt.IsNil)
	h.Release()

	c.Assert(l.SyncChunks(0), qt.Equals, 0)
	c.Assert(l.Len(), qt.Equals, 1) // upgraded to SAFE, first pass doesn't clean up
}

func TestListEnqueuesOnlyOnLastWriterRelease(t *testing.T) {
	c := qt.New(t)
	l, _, _ := newTestList(c, 2, 16, 1<<20)

	h1, err := l.Get(0, true)
	c.Assert(err, qt.IsNil)
	h2, err := l.Get(0, true) // second concurrent writer
	c.Assert(err, qt.IsNil)

	h1.Release()
	c.Assert(l.Len(), qt.Equals, 0) // writable still 1, not queued yet

	h2.Release()
	c.Assert(l.Len(), qt.Equals, 1)
}
