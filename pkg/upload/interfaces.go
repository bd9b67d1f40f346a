// Package upload implements the three-stage (prepare, upload, commit)
// ordered upload pipeline and the external collaborator interfaces it is
// built against: ObjectManager, StreamManager, StoreOperator and
// BlockCache.
package upload

import (
	"context"

	"github.com/marmos91/deltawal/pkg/record"
)

// BlockIndexEntry locates one stream's contiguous offset range within an
// uploaded object's byte payload, so a BlockCache can range-read exactly
// the bytes it needs instead of fetching the whole object.
type BlockIndexEntry struct {
	StreamID   uint64
	BaseOffset uint64
	LastOffset uint64
	ObjectID   uint64
	ByteOffset int64
	ByteLength int64
}

// ObjectManager allocates object ids at prepare time and commits the
// store-side manifest transition that makes a written object visible.
type ObjectManager interface {
	// PrepareObject allocates a new, monotonically increasing object id
	// for an upload about to begin.
	PrepareObject(ctx context.Context) (objectID uint64, err error)

	// CommitObject makes objectID visible in the manifest and records
	// where each stream's records landed within it. Commits MUST be
	// issued in the order objects were prepared so that object ids form
	// a monotone committed sequence.
	CommitObject(ctx context.Context, objectID uint64, entries []BlockIndexEntry) error
}

// StreamManager resolves which streams are open at startup and closes a
// stream once its tail has been durably committed.
type StreamManager interface {
	// OpeningStreams returns every stream the engine should recover,
	// keyed by streamId, with each stream's last committed end offset.
	OpeningStreams(ctx context.Context) (map[uint64]uint64, error)

	// CloseStream marks streamId closed at the given epoch and end offset.
	CloseStream(ctx context.Context, streamID uint64, epoch uint64, endOffset uint64) error
}

// StoreOperator is the object-store collaborator: put whole objects, or
// range-read a slice of one.
type StoreOperator interface {
	PutObject(ctx context.Context, objectID uint64, data []byte) error
	RangeRead(ctx context.Context, objectID uint64, offset, length int64) ([]byte, error)
}

// AccessType reports which path satisfied a read.
type AccessType int

const (
	// AccessCacheHit indicates the LogCache alone satisfied the read.
	AccessCacheHit AccessType = iota
	// AccessBlockCache indicates the block cache contributed records.
	AccessBlockCache
)

// BlockCache is consulted on a LogCache miss for already-committed
// objects.
type BlockCache interface {
	Read(ctx context.Context, streamID uint64, start, end uint64, maxBytes uint64) ([]record.StreamRecordBatch, AccessType, error)
}
