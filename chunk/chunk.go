package chunk

import (
	"bytes"
	"fmt"
)

// Advice mirrors the madvise hints ChunkList uses to prefetch pages ahead of
// hashing and to let the kernel drop pages it no longer needs.
type Advice int

const (
	AdviseNormal Advice = iota
	AdviseWillNeed
	AdviseDontNeed
)

// Chunk is the in-memory representation of one piece: an ordered sequence of
// Parts spanning however many files the piece straddles.
type Chunk struct {
	parts    []*Part
	size     int64
	writable bool
}

// NewChunk assembles a Chunk from parts already mapped in piece order.
func NewChunk(parts []*Part, writable bool) *Chunk {
	var size int64
	for _, p := range parts {
		size += int64(p.Len())
	}
	return &Chunk{parts: parts, size: size, writable: writable}
}

func (c *Chunk) Size() int64      { return c.size }
func (c *Chunk) IsWritable() bool { return c.writable }

// Spans yields each underlying Part's backing slice in piece order, letting
// callers stream over a Chunk without an intermediate copy (the C1 iterator
// in spec.md §3 yielding (ptr, len) pairs).
func (c *Chunk) Spans(yield func(b []byte) bool) {
	for _, p := range c.parts {
		if !yield(p.Bytes()) {
			return
		}
	}
}

// forEachRange calls f, in piece order, on each Part sub-slice covering the
// piece-relative byte range [off, off+n), after checking the range is in
// bounds.
func (c *Chunk) forEachRange(off, n int64, f func(b []byte) error) error {
	if off < 0 || n < 0 || off+n > c.size {
		return fmt.Errorf("chunk: range [%d,%d) out of bounds for size %d", off, off+n, c.size)
	}
	var base int64
	for _, p := range c.parts {
		plen := int64(p.Len())
		if off >= plen {
			off -= plen
			base += plen
			continue
		}
		if n == 0 {
			return nil
		}
		avail := plen - off
		take := avail
		if take > n {
			take = n
		}
		if err := f(p.Bytes()[off : off+take]); err != nil {
			return err
		}
		n -= take
		off = 0
	}
	if n != 0 {
		return fmt.Errorf("chunk: range extended past mapped parts")
	}
	return nil
}

// FromBuffer copies buf[:len] into the chunk at piece-relative offset off.
func (c *Chunk) FromBuffer(buf []byte, off, length int64) error {
	if !c.writable {
		return fmt.Errorf("chunk: write to read-only chunk")
	}
	if int64(len(buf)) < length {
		return fmt.Errorf("chunk: buffer shorter than requested length")
	}
	pos := int64(0)
	return c.forEachRange(off, length, func(b []byte) error {
		copy(b, buf[pos:pos+int64(len(b))])
		pos += int64(len(b))
		return nil
	})
}

// ToBuffer copies the chunk's bytes at [off, off+length) into buf.
func (c *Chunk) ToBuffer(buf []byte, off, length int64) error {
	if int64(len(buf)) < length {
		return fmt.Errorf("chunk: buffer shorter than requested length")
	}
	pos := int64(0)
	return c.forEachRange(off, length, func(b []byte) error {
		copy(buf[pos:pos+int64(len(b))], b)
		pos += int64(len(b))
		return nil
	})
}

// CompareBuffer reports whether the chunk's bytes at [off, off+length)
// exactly match buf[:length]. Used both for endgame leader/non-leader
// byte-for-byte agreement checks and for failed-list popularity voting.
func (c *Chunk) CompareBuffer(buf []byte, off, length int64) (bool, error) {
	if int64(len(buf)) < length {
		return false, fmt.Errorf("chunk: buffer shorter than requested length")
	}
	pos := int64(0)
	equal := true
	err := c.forEachRange(off, length, func(b []byte) error {
		if equal && !bytes.Equal(b, buf[pos:pos+int64(len(b))]) {
			equal = false
		}
		pos += int64(len(b))
		return nil
	})
	return equal, err
}

// Sync flushes every writable Part. kind selects blocking vs best-effort
// async msync, per spec.md §4.1's FORCE/SAFE branch selection.
func (c *Chunk) Sync(kind SyncKind) error {
	if !c.writable {
		return nil
	}
	for _, p := range c.parts {
		if err := p.Sync(kind); err != nil {
			return err
		}
	}
	return nil
}

// Advise applies a madvise hint across every Part, used by the hash queue's
// look-ahead (AdviseWillNeed) and by ChunkList when a Chunk is dropped
// (AdviseDontNeed).
func (c *Chunk) Advise(adv Advice) error {
	for _, p := range c.parts {
		if err := advise(p.Bytes(), adv); err != nil {
			return err
		}
	}
	return nil
}

// Close unmaps every Part. Safe to call once a Chunk's last reference is
// released.
func (c *Chunk) Close() error {
	var first error
	for _, p := range c.parts {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
