package chunk

import (
	"errors"
	"io"
)

// PieceLocator maps an absolute torrent offset to the piece index and
// intra-piece offset it falls in, and reports each piece's length. A
// download owns the canonical instance; PieceReader only needs the shape.
type PieceLocator interface {
	PieceForOffset(off int64) (index NodeIndex, pieceOffset int64)
	PieceLength(index NodeIndex) int64
	NumPieces() int
	Length() int64
}

// PieceReader is an io.ReaderAt over a List, walking piece boundaries
// transparently so a PIECE-upload path never has to special-case the split.
// Adapted from the teacher's storagePieceReader.
type PieceReader struct {
	list    *List
	locator PieceLocator
}

func NewPieceReader(list *List, locator PieceLocator) *PieceReader {
	return &PieceReader{list: list, locator: locator}
}

func (r *PieceReader) ReadAt(b []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, errors.New("chunk: negative ReadAt offset")
	}
	for len(b) != 0 {
		if off >= r.locator.Length() {
			err = io.EOF
			break
		}
		index, pieceOff := r.locator.PieceForOffset(off)
		pieceLen := r.locator.PieceLength(index)
		avail := pieceLen - pieceOff
		want := int64(len(b))
		if want > avail {
			want = avail
		}
		var n1 int
		n1, err = r.readPiece(index, b[:want], pieceOff)
		n += n1
		off += int64(n1)
		b = b[n1:]
		if err != nil {
			break
		}
		if int64(n1) < want {
			err = io.ErrUnexpectedEOF
			break
		}
	}
	return
}

func (r *PieceReader) readPiece(index NodeIndex, b []byte, pieceOff int64) (int, error) {
	h, err := r.list.Get(index, false)
	if err != nil {
		return 0, err
	}
	defer h.Release()
	if err := h.Chunk().ToBuffer(b, pieceOff, int64(len(b))); err != nil {
		return 0, err
	}
	return len(b), nil
}

var _ io.ReaderAt = (*PieceReader)(nil)
