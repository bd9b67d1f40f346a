// Package logcache implements the in-memory delta WAL cache: a tiered
// buffer organized as one active block plus zero or more archived blocks,
// size-bounded, supporting point-range reads and force-eviction under
// memory pressure.
package logcache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/deltawal/internal/logger"
	"github.com/marmos91/deltawal/pkg/record"
)

// StreamAll is the sentinel streamId meaning "any stream" for
// ArchiveCurrentBlockIfContains and ForceUpload-style calls.
const StreamAll = ^uint64(0)

var blockIDSeq atomic.Uint64

// Block is a sealed or in-progress unit of cache state. Within a block the
// per-stream record vector is non-empty only if strictly offset-contiguous.
type Block struct {
	ID            uint64
	CreatedAt     int64 // unix millis
	confirmOffset int64
	bySteam       map[uint64][]record.StreamRecordBatch
	sizeBytes     uint64

	committed bool
	free      bool
}

func newBlock() *Block {
	return &Block{
		ID:        blockIDSeq.Add(1),
		CreatedAt: time.Now().UnixMilli(),
		bySteam:   make(map[uint64][]record.StreamRecordBatch),
	}
}

// SizeBytes returns the sum of record sizes currently held by the block.
func (b *Block) SizeBytes() uint64 { return b.sizeBytes }

// ConfirmOffset returns the block's durable-prefix watermark.
func (b *Block) ConfirmOffset() int64 { return b.confirmOffset }

// StreamCount returns the number of distinct streams with records in the block.
func (b *Block) StreamCount() int { return len(b.bySteam) }

func (b *Block) put(rec record.StreamRecordBatch) {
	existing := b.bySteam[rec.StreamID]
	if len(existing) > 0 {
		last := existing[len(existing)-1]
		if last.LastOffset() != rec.BaseOffset {
			// Caller violated the contiguity precondition; refuse to
			// corrupt the block rather than silently accept a gap.
			logger.Error("logcache: dropping non-contiguous put",
				logger.StreamID(rec.StreamID), "expected_base", last.LastOffset(), "got_base", rec.BaseOffset)
			rec.Release()
			return
		}
	}
	b.bySteam[rec.StreamID] = append(existing, rec)
	b.sizeBytes += uint64(rec.Size())
}

func (b *Block) records(streamID uint64) []record.StreamRecordBatch {
	return b.bySteam[streamID]
}

// Records returns the records held for streamID and whether the block has
// any entry for that stream at all.
func (b *Block) Records(streamID uint64) ([]record.StreamRecordBatch, bool) {
	recs, ok := b.bySteam[streamID]
	return recs, ok
}

// StreamIDs returns every stream with records in the block, in no
// particular order; callers that need a stable encoding order should sort
// the result.
func (b *Block) StreamIDs() []uint64 {
	ids := make([]uint64, 0, len(b.bySteam))
	for id := range b.bySteam {
		ids = append(ids, id)
	}
	return ids
}

func (b *Block) releaseAll() {
	for _, recs := range b.bySteam {
		for _, r := range recs {
			r.Release()
		}
	}
	b.bySteam = nil
	b.free = true
}

// Config bounds a LogCache instance.
type Config struct {
	CapacityBytes      uint64
	BlockThresholdBytes uint64
	MaxStreamsPerBlock int
}

// LogCache holds an active block plus a commit-ordered list of archived
// blocks. The monitor mutex protects archive/seal/confirm-offset
// transitions as well as Put and Get, so Put is safe to call concurrently
// with Get.
type LogCache struct {
	cfg Config

	mu       sync.Mutex
	active   *Block
	archived []*Block
}

// New constructs a LogCache with a fresh, empty active block.
func New(cfg Config) *LogCache {
	return &LogCache{cfg: cfg, active: newBlock()}
}

// Put appends record to the active block's per-stream vector. It reports
// blockFull=true when the caller should archive: either the active block's
// size would cross BlockThresholdBytes, or distinct stream count would
// exceed MaxStreamsPerBlock. Put never archives itself. The cache takes
// over the caller's reference to rec (released again by MarkFree or
// ForceFree, or at once if the record is dropped as non-contiguous).
func (c *LogCache) Put(rec record.StreamRecordBatch) (blockFull bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.active.put(rec)

	if c.active.sizeBytes >= c.cfg.BlockThresholdBytes {
		return true
	}
	if c.cfg.MaxStreamsPerBlock > 0 && len(c.active.bySteam) > c.cfg.MaxStreamsPerBlock {
		return true
	}
	return false
}

// ArchiveCurrentBlockIfContains seals the active block and starts a fresh
// one, inheriting the running confirm offset, when streamID is StreamAll or
// the active block holds records for streamID. Returns nil if the active
// block is empty or does not contain streamID.
func (c *LogCache) ArchiveCurrentBlockIfContains(streamID uint64) *Block {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.active.bySteam) == 0 {
		return nil
	}
	if streamID != StreamAll {
		if _, ok := c.active.bySteam[streamID]; !ok {
			return nil
		}
	}

	sealed := c.active
	fresh := newBlock()
	fresh.confirmOffset = sealed.confirmOffset
	c.archived = append(c.archived, sealed)
	c.active = fresh
	return sealed
}

// SetConfirmOffset sets the active block's confirm offset. The value must
// be monotone non-decreasing; callers that race on this are serialized by
// the monitor mutex.
func (c *LogCache) SetConfirmOffset(offset int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if offset > c.active.confirmOffset {
		c.active.confirmOffset = offset
	}
}

// Get scans archived blocks in commit order, then the active block,
// returning a contiguous run of records intersecting [start, end) for
// streamID. The run begins at the first intersecting record, which may
// start after start (the caller then fills the head from elsewhere), and
// stops once cumulative size reaches maxBytes or the next record would
// create a gap. Each returned record is retained for the caller; the
// caller must Release each one.
func (c *LogCache) Get(streamID uint64, start, end uint64, maxBytes uint64) []record.StreamRecordBatch {
	c.mu.Lock()
	defer c.mu.Unlock()
	blocks := make([]*Block, 0, len(c.archived)+1)
	blocks = append(blocks, c.archived...)
	blocks = append(blocks, c.active)

	var out []record.StreamRecordBatch
	var size uint64
	var expectNext uint64
	haveExpect := false

	for _, b := range blocks {
		for _, rec := range b.records(streamID) {
			if rec.LastOffset() <= start || rec.BaseOffset >= end {
				continue
			}
			if haveExpect && rec.BaseOffset != expectNext {
				return out
			}
			out = append(out, rec.Retain())
			size += uint64(rec.Size())
			expectNext = rec.LastOffset()
			haveExpect = true
			if size >= maxBytes {
				return out
			}
		}
	}
	return out
}

// ContainsStream reports whether any non-free block holds a record for
// streamID.
func (c *LogCache) ContainsStream(streamID uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.active.bySteam[streamID]; ok && len(c.active.bySteam[streamID]) > 0 {
		return true
	}
	for _, b := range c.archived {
		if recs, ok := b.bySteam[streamID]; ok && len(recs) > 0 {
			return true
		}
	}
	return false
}

// MarkCommitted records that block's object has been durably committed to
// the store, making the block eligible for ForceFree. Callers must call
// this before MarkFree, from the upload pipeline's commit stage, while the
// block is still in the archived list.
func (c *LogCache) MarkCommitted(block *Block) {
	c.mu.Lock()
	defer c.mu.Unlock()
	block.committed = true
}

// MarkFree releases every record in block and removes it from the
// archived list. Calling MarkFree on a block not present in the archived
// list is a no-op.
func (c *LogCache) MarkFree(block *Block) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, b := range c.archived {
		if b == block {
			c.archived = append(c.archived[:i], c.archived[i+1:]...)
			block.releaseAll()
			return
		}
	}
}

// ForceFree releases archived blocks that have already been committed
// (per MarkCommitted), oldest first, up to bytesNeeded, returning the
// number of bytes actually released. Blocks still awaiting upload or
// commit are left untouched: the upload pipeline still holds a live
// reference to them (for encoding or for the not-yet-acknowledged
// commit), and freeing one out from under it would double-release or
// use-after-free its records.
func (c *LogCache) ForceFree(bytesNeeded uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var released uint64
	kept := c.archived[:0:0]
	for _, b := range c.archived {
		if released < bytesNeeded && b.committed {
			released += b.sizeBytes
			b.releaseAll()
			continue
		}
		kept = append(kept, b)
	}
	c.archived = kept
	return released
}

// Size returns the sum of sizeBytes over all non-free blocks.
func (c *LogCache) Size() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.active.sizeBytes
	for _, b := range c.archived {
		total += b.sizeBytes
	}
	return total
}
