// Package metadata implements the ObjectManager and StreamManager
// collaborators the upload pipeline and recovery path need, backed by
// an embedded BadgerDB instance. Object IDs come from a persistent
// monotonic sequence so IDs stay ordered and never repeat across
// restarts; per-stream end offsets are stored as plain key/value
// entries guarded by BadgerDB's own transaction isolation.
package metadata

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/deltawal/pkg/upload"
)

const (
	streamEndPrefix = "stream-end:"
	blockIndexPrefix = "block-index:"
	objectSeqKey    = "object-id-sequence"
	// sequenceBandwidth controls how many IDs Badger reserves in a
	// single log write; larger values mean fewer writes under
	// sustained upload load at the cost of burning unused IDs on an
	// unclean shutdown.
	sequenceBandwidth = 1000
)

// Store wraps a BadgerDB instance and implements both upload.ObjectManager
// and upload.StreamManager.
type Store struct {
	db  *badger.DB
	seq *badger.Sequence
}

// Open opens (creating if absent) a BadgerDB instance rooted at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("metadata: open badger: %w", err)
	}

	seq, err := db.GetSequence([]byte(objectSeqKey), sequenceBandwidth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("metadata: acquire object id sequence: %w", err)
	}

	return &Store{db: db, seq: seq}, nil
}

// Close releases the sequence lease and closes the underlying database.
func (s *Store) Close() error {
	if err := s.seq.Release(); err != nil {
		_ = s.db.Close()
		return fmt.Errorf("metadata: release sequence: %w", err)
	}
	return s.db.Close()
}

// PrepareObject allocates the next monotonic object ID.
func (s *Store) PrepareObject(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	id, err := s.seq.Next()
	if err != nil {
		return 0, fmt.Errorf("metadata: next object id: %w", err)
	}
	return id, nil
}

// CommitObject marks objectID as durably uploaded and records where each
// stream's records landed within it, so Read can later locate them
// through the block cache.
func (s *Store) CommitObject(ctx context.Context, objectID uint64, entries []upload.BlockIndexEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(keyCommittedObject(objectID), []byte{1}); err != nil {
			return err
		}
		for _, e := range entries {
			val, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("marshal block index entry: %w", err)
			}
			if err := txn.Set(keyBlockIndex(e.StreamID, e.BaseOffset), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// BlockIndexEntries returns every indexed entry for streamID whose range
// overlaps [start, end), in base-offset order.
func (s *Store) BlockIndexEntries(ctx context.Context, streamID uint64, start, end uint64) ([]upload.BlockIndexEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []upload.BlockIndexEntry
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := keyBlockIndexPrefix(streamID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e upload.BlockIndexEntry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			})
			if err != nil {
				return err
			}
			if e.LastOffset <= start || e.BaseOffset >= end {
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("metadata: scan block index for stream %d: %w", streamID, err)
	}
	return out, nil
}

// OpeningStreams returns every stream's committed end offset as of the
// last clean shutdown, for crash recovery to compare against the WAL.
func (s *Store) OpeningStreams(ctx context.Context) (map[uint64]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make(map[uint64]uint64)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(streamEndPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			streamID, err := decodeStreamIDFromKey(item.Key())
			if err != nil {
				return err
			}
			err = item.Value(func(val []byte) error {
				out[streamID] = binary.BigEndian.Uint64(val)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("metadata: scan opening streams: %w", err)
	}
	return out, nil
}

// CloseStream records streamID's committed end offset. Epoch is accepted
// but neither persisted nor checked: the key is the stream id alone, and
// the stored end offset is overwritten unconditionally.
func (s *Store) CloseStream(ctx context.Context, streamID uint64, epoch uint64, endOffset uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, endOffset)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyStreamEnd(streamID), val)
	})
}

func keyStreamEnd(streamID uint64) []byte {
	key := make([]byte, len(streamEndPrefix)+8)
	copy(key, streamEndPrefix)
	binary.BigEndian.PutUint64(key[len(streamEndPrefix):], streamID)
	return key
}

func decodeStreamIDFromKey(key []byte) (uint64, error) {
	if len(key) != len(streamEndPrefix)+8 {
		return 0, fmt.Errorf("metadata: malformed stream-end key %q", key)
	}
	return binary.BigEndian.Uint64(key[len(streamEndPrefix):]), nil
}

// keyBlockIndex orders entries first by streamID, then by baseOffset, so
// a prefix scan over keyBlockIndexPrefix(streamID) yields them in
// ascending offset order.
func keyBlockIndex(streamID, baseOffset uint64) []byte {
	key := keyBlockIndexPrefix(streamID)
	suffix := make([]byte, 8)
	binary.BigEndian.PutUint64(suffix, baseOffset)
	return append(key, suffix...)
}

func keyBlockIndexPrefix(streamID uint64) []byte {
	key := make([]byte, len(blockIndexPrefix)+8)
	copy(key, blockIndexPrefix)
	binary.BigEndian.PutUint64(key[len(blockIndexPrefix):], streamID)
	return key
}

func keyCommittedObject(objectID uint64) []byte {
	key := make([]byte, len("committed-object:")+8)
	copy(key, "committed-object:")
	binary.BigEndian.PutUint64(key[len("committed-object:"):], objectID)
	return key
}
