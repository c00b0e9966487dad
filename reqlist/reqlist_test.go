package reqlist

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/briskhold/swarmd/delegator"
)

func TestListPushDownloadingFinished(t *testing.T) {
	c := qt.New(t)
	var l List
	p0 := delegator.Piece{Index: 0, Offset: 0, Length: 16}
	p1 := delegator.Piece{Index: 0, Offset: 16, Length: 16}
	l.Push(p0)
	l.Push(p1)
	c.Assert(l.Len(), qt.Equals, 2)

	c.Assert(l.Downloading(p1), qt.Equals, false) // wrong head
	c.Assert(l.Downloading(p0), qt.Equals, true)
	c.Assert(l.Len(), qt.Equals, 1)

	cur, ok := l.Current()
	c.Assert(ok, qt.Equals, true)
	c.Assert(cur, qt.Equals, p0)

	l.Finished()
	_, ok = l.Current()
	c.Assert(ok, qt.Equals, false)
}

func TestListRemoveCancel(t *testing.T) {
	c := qt.New(t)
	var l List
	p0 := delegator.Piece{Index: 1, Offset: 0, Length: 16}
	p1 := delegator.Piece{Index: 1, Offset: 16, Length: 16}
	l.Push(p0)
	l.Push(p1)

	c.Assert(l.Remove(p0), qt.Equals, true)
	c.Assert(l.Len(), qt.Equals, 1)
	c.Assert(l.Remove(p0), qt.Equals, false)

	l.Cancel()
	c.Assert(l.Len(), qt.Equals, 0)
	c.Assert(l.Outstanding(), qt.Equals, 0)
}

func TestListStallThreshold(t *testing.T) {
	c := qt.New(t)
	var l List
	c.Assert(l.Stall(), qt.Equals, false)
	c.Assert(l.Stall(), qt.Equals, false)
	c.Assert(l.Stall(), qt.Equals, true)
}

func TestListDownloadingResetsStall(t *testing.T) {
	c := qt.New(t)
	var l List
	p0 := delegator.Piece{Index: 2, Offset: 0, Length: 8}
	l.Push(p0)
	l.Stall()
	l.Stall()
	c.Assert(l.Downloading(p0), qt.Equals, true)
	c.Assert(l.Stall(), qt.Equals, false) // counter was reset
}
