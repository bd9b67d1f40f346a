package metadata

import (
	"context"
	"fmt"
	"sort"

	"github.com/marmos91/deltawal/pkg/record"
	"github.com/marmos91/deltawal/pkg/upload"
)

// BlockCache answers LogCache-miss reads by consulting the block index
// committed alongside each uploaded object, then range-reading and
// decoding exactly the bytes each overlapping stream-set object holds
// for the requested stream.
type BlockCache struct {
	index *Store
	store upload.StoreOperator
}

// NewBlockCache builds a BlockCache over index (for locating records)
// and store (for fetching their bytes).
func NewBlockCache(index *Store, store upload.StoreOperator) *BlockCache {
	return &BlockCache{index: index, store: store}
}

// Read returns every record batch for streamID overlapping [start, end),
// up to maxBytes, in ascending offset order.
func (b *BlockCache) Read(ctx context.Context, streamID uint64, start, end uint64, maxBytes uint64) ([]record.StreamRecordBatch, upload.AccessType, error) {
	entries, err := b.index.BlockIndexEntries(ctx, streamID, start, end)
	if err != nil {
		return nil, upload.AccessBlockCache, fmt.Errorf("block cache: locate entries: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].BaseOffset < entries[j].BaseOffset })

	var out []record.StreamRecordBatch
	var used uint64
	for _, e := range entries {
		data, err := b.store.RangeRead(ctx, e.ObjectID, e.ByteOffset, e.ByteLength)
		if err != nil {
			releaseAll(out)
			return nil, upload.AccessBlockCache, fmt.Errorf("block cache: range read object %d: %w", e.ObjectID, err)
		}

		batches, err := record.DecodeAll(data)
		if err != nil {
			releaseAll(out)
			return nil, upload.AccessBlockCache, fmt.Errorf("block cache: decode object %d: %w", e.ObjectID, err)
		}

		for _, batch := range batches {
			if batch.LastOffset() <= start || batch.BaseOffset >= end {
				batch.Release()
				continue
			}
			if used+uint64(batch.Size()) > maxBytes {
				batch.Release()
				continue
			}
			used += uint64(batch.Size())
			out = append(out, batch)
		}
	}
	return out, upload.AccessBlockCache, nil
}

func releaseAll(recs []record.StreamRecordBatch) {
	for _, r := range recs {
		r.Release()
	}
}
