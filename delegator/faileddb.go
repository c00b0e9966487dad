package delegator

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/briskhold/swarmd/chunk"
)

var failedBucket = []byte("failed-list")

// FailedDB durably persists each Block's failed-list across process
// restarts, so a peer that keeps resending the same bad bytes for a
// piece doesn't make the failed-list re-learn it from scratch every run.
// Grounded on storage/bolt-piece_test.go's NewBoltDB usage.
type FailedDB struct {
	db *bbolt.DB
}

// OpenFailedDB opens (creating if absent) a bbolt database at path.
func OpenFailedDB(path string) (*FailedDB, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("delegator: open failed-list db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(failedBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &FailedDB{db: db}, nil
}

func failedKey(infoHash [20]byte, index chunk.NodeIndex, offset uint32) []byte {
	k := make([]byte, 20+4+4)
	copy(k, infoHash[:])
	binary.BigEndian.PutUint32(k[20:24], uint32(index))
	binary.BigEndian.PutUint32(k[24:28], offset)
	return k
}

// Load restores a block's failed-list, if one was previously persisted.
func (fd *FailedDB) Load(infoHash [20]byte, b *Block) error {
	return fd.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(failedBucket).Get(failedKey(infoHash, b.Piece.Index, b.Piece.Offset))
		if v == nil {
			return nil
		}
		entries, err := decodeFailedEntries(v)
		if err != nil {
			return fmt.Errorf("delegator: decode failed-list for piece %d: %w", b.Piece.Index, err)
		}
		b.failed = entries
		return nil
	})
}

// Save persists a block's current failed-list.
func (fd *FailedDB) Save(infoHash [20]byte, b *Block) error {
	buf := encodeFailedEntries(b.failed)
	return fd.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(failedBucket).Put(failedKey(infoHash, b.Piece.Index, b.Piece.Offset), buf)
	})
}

// Delete removes a block's persisted failed-list, e.g. once the piece
// finally hashes successfully.
func (fd *FailedDB) Delete(infoHash [20]byte, b *Block) error {
	return fd.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(failedBucket).Delete(failedKey(infoHash, b.Piece.Index, b.Piece.Offset))
	})
}

func (fd *FailedDB) Close() error { return fd.db.Close() }

// encodeFailedEntries serializes a failed-list as a sequence of
// (popularity uint32, length uint32, bytes) records.
func encodeFailedEntries(entries []failedEntry) []byte {
	size := 0
	for _, e := range entries {
		size += 8 + len(e.buf)
	}
	out := make([]byte, 0, size)
	var hdr [8]byte
	for _, e := range entries {
		binary.BigEndian.PutUint32(hdr[0:4], uint32(e.popularity))
		binary.BigEndian.PutUint32(hdr[4:8], uint32(len(e.buf)))
		out = append(out, hdr[:]...)
		out = append(out, e.buf...)
	}
	return out
}

func decodeFailedEntries(buf []byte) ([]failedEntry, error) {
	var entries []failedEntry
	for len(buf) > 0 {
		if len(buf) < 8 {
			return nil, fmt.Errorf("truncated failed-list record header")
		}
		popularity := binary.BigEndian.Uint32(buf[0:4])
		length := binary.BigEndian.Uint32(buf[4:8])
		buf = buf[8:]
		if uint32(len(buf)) < length {
			return nil, fmt.Errorf("truncated failed-list record body")
		}
		data := make([]byte, length)
		copy(data, buf[:length])
		buf = buf[length:]
		entries = append(entries, failedEntry{buf: data, popularity: int(popularity)})
	}
	return entries, nil
}
