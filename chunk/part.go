// Package chunk implements the memory-mapped piece storage layer: Chunk and
// ChunkPart wrap mmap regions, and List (ChunkList) hands out ref-counted
// ChunkHandles and drives the write-back queue described in spec.md §4.1.
package chunk

import (
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

// AccessMode selects whether a Part's mapping may be written through.
type AccessMode int

const (
	ReadOnly AccessMode = iota
	ReadWrite
)

// SyncKind distinguishes a blocking msync from a fire-and-forget one.
type SyncKind int

const (
	SyncAsync SyncKind = iota
	SyncSync
)

// Part is a single contiguous mmap region backing one segment of a Chunk. A
// piece that straddles a file boundary is represented as more than one Part.
type Part struct {
	region     mmap.MMap
	mode       AccessMode
	fileOffset int64 // offset within the underlying file this part maps
}

// NewPart maps [fileOffset, fileOffset+length) of f.
func NewPart(f *os.File, fileOffset, length int64, mode AccessMode) (*Part, error) {
	if length <= 0 {
		return nil, fmt.Errorf("chunk: non-positive part length %d", length)
	}
	prot := mmap.RDONLY
	if mode == ReadWrite {
		prot = mmap.RDWR
	}
	region, err := mmap.MapRegion(f, int(length), prot, 0, fileOffset)
	if err != nil {
		return nil, fmt.Errorf("chunk: mmap region at %d+%d: %w", fileOffset, length, err)
	}
	return &Part{region: region, mode: mode, fileOffset: fileOffset}, nil
}

func (p *Part) Bytes() []byte    { return p.region }
func (p *Part) Len() int         { return len(p.region) }
func (p *Part) Writable() bool   { return p.mode == ReadWrite }
func (p *Part) FileOffset() int64 { return p.fileOffset }

// Sync flushes this part's dirty pages. kind selects blocking vs async msync;
// the portable mmap-go Flush always blocks, so SyncAsync best-efforts via the
// platform-specific hook in sync_*.go and otherwise falls back to Flush.
func (p *Part) Sync(kind SyncKind) error {
	if !p.Writable() {
		return nil
	}
	return msync(p.region, kind)
}

func (p *Part) Close() error {
	return p.region.Unmap()
}
