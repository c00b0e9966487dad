package delegator

import (
	"path/filepath"
	"testing"

	"github.com/RoaringBitmap/roaring"
	qt "github.com/frankban/quicktest"
)

func TestFailedDBPersistsAcrossReseed(t *testing.T) {
	c := qt.New(t)
	path := filepath.Join(c.TempDir(), "failed.db")
	db, err := OpenFailedDB(path)
	c.Assert(err, qt.IsNil)
	defer db.Close()

	var infoHash [20]byte
	infoHash[0] = 0xAB

	d := NewDelegator(fixedSizer{n: 1, length: 8}, roaring.New())
	d.BlockSize = 8
	d.UseFailedDB(db, infoHash)
	d.SetPriority(0, 1, 0)

	have := bitmapOf(0)
	_, ok := d.Delegate("peerA", have)
	c.Assert(ok, qt.Equals, true)

	ch := newTestChunk(c, 8)
	defer ch.Close()
	c.Assert(ch.FromBuffer([]byte("CORRUPT!"), 0, 8), qt.IsNil)

	first, err := d.HashFailure(0, ch)
	c.Assert(err, qt.IsNil)
	c.Assert(first, qt.Equals, true)

	// A fresh Delegator reading the same FailedDB should see the same
	// failed-list restored onto its freshly seeded block, as if it were
	// the next process run picking this torrent back up.
	d2 := NewDelegator(fixedSizer{n: 1, length: 8}, roaring.New())
	d2.BlockSize = 8
	d2.UseFailedDB(db, infoHash)
	d2.SetPriority(0, 1, 0)
	_, ok = d2.Delegate("peerB", have)
	c.Assert(ok, qt.Equals, true)

	bl := d2.Transfers().Get(0)
	c.Assert(bl, qt.Not(qt.IsNil))
	c.Assert(len(bl.Blocks[0].failed), qt.Equals, 1)
	c.Assert(bl.Blocks[0].failed[0].buf, qt.DeepEquals, []byte("CORRUPT!"))

	// Hash success deletes the persisted entry, so a third seed starts clean.
	d2.HashSuccess(0)
	d3 := NewDelegator(fixedSizer{n: 1, length: 8}, roaring.New())
	d3.BlockSize = 8
	d3.UseFailedDB(db, infoHash)
	d3.SetPriority(0, 1, 0)
	_, ok = d3.Delegate("peerC", have)
	c.Assert(ok, qt.Equals, true)
	bl3 := d3.Transfers().Get(0)
	c.Assert(len(bl3.Blocks[0].failed), qt.Equals, 0)
}
