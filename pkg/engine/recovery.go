package engine

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/marmos91/deltawal/internal/logger"
	"github.com/marmos91/deltawal/pkg/logcache"
	"github.com/marmos91/deltawal/pkg/record"
)

// recover replays the WAL into a single cache block, uploads it
// synchronously if non-empty, then resets the WAL. Called once from
// Startup before any Append is accepted.
func (f *Facade) recover(ctx context.Context) error {
	openingStreams, err := f.streamMgr.OpeningStreams(ctx)
	if err != nil {
		return fmt.Errorf("opening streams: %w", err)
	}

	recovered, err := f.wal.Recover()
	if err != nil {
		return fmt.Errorf("wal recover: %w", err)
	}

	streamNextOffset := make(map[uint64]uint64)
	var lastRecordOffset int64 = -1
	var touchedStreams []uint64
	seenStream := make(map[uint64]bool)

	for _, entry := range recovered {
		batch, err := record.Decode(entry.Record)
		if err != nil {
			logger.Error("engine: dropping undecodable wal entry", logger.RecordOffset(entry.RecordOffset), logger.Err(err))
			continue
		}

		endOffset, opening := openingStreams[batch.StreamID]
		if !opening {
			batch.Release()
			continue
		}
		if batch.BaseOffset < endOffset {
			batch.Release()
			continue
		}

		expected, has := streamNextOffset[batch.StreamID]
		if has && expected != batch.BaseOffset {
			logger.Error("engine: wal gap detected during recovery, dropping",
				logger.StreamID(batch.StreamID), "expected_base", expected, "got_base", batch.BaseOffset)
			batch.Release()
			continue
		}

		f.cache.Put(batch)
		streamNextOffset[batch.StreamID] = batch.LastOffset()
		if entry.RecordOffset > lastRecordOffset {
			lastRecordOffset = entry.RecordOffset
		}
		if !seenStream[batch.StreamID] {
			seenStream[batch.StreamID] = true
			touchedStreams = append(touchedStreams, batch.StreamID)
		}
	}

	if lastRecordOffset >= 0 {
		f.cache.SetConfirmOffset(lastRecordOffset)
	}

	// Post-check: every recovered stream's first cached record must
	// start exactly at its committed end offset. A mismatch means WAL
	// data may be lost downstream of the committed range, which is a
	// fatal invariant breach at startup.
	sort.Slice(touchedStreams, func(i, j int) bool { return touchedStreams[i] < touchedStreams[j] })
	for _, streamID := range touchedStreams {
		recs, _ := f.peekActiveBlockRecords(streamID)
		if len(recs) == 0 {
			continue
		}
		firstBase := recs[0].BaseOffset
		releaseAll(recs)
		if firstBase != openingStreams[streamID] {
			return fmt.Errorf("engine: wal data may be lost for stream %d: recovered base %d != committed end %d",
				streamID, firstBase, openingStreams[streamID])
		}
	}

	block := f.cache.ArchiveCurrentBlockIfContains(logcache.StreamAll)
	if block != nil {
		if err := f.uploadRecoveredBlock(ctx, block); err != nil {
			return fmt.Errorf("recovery upload: %w", err)
		}
	}

	if err := f.wal.Reset(); err != nil {
		return fmt.Errorf("wal reset: %w", err)
	}

	group, gctx := errgroup.WithContext(ctx)
	for _, streamID := range touchedStreams {
		streamID, newEnd := streamID, streamNextOffset[streamID]
		group.Go(func() error {
			if err := f.streamMgr.CloseStream(gctx, streamID, 0, newEnd); err != nil {
				return fmt.Errorf("close stream %d: %w", streamID, err)
			}
			return nil
		})
	}
	for streamID, endOffset := range openingStreams {
		if seenStream[streamID] {
			continue
		}
		streamID, endOffset := streamID, endOffset
		group.Go(func() error {
			if err := f.streamMgr.CloseStream(gctx, streamID, 0, endOffset); err != nil {
				return fmt.Errorf("close stream %d: %w", streamID, err)
			}
			return nil
		})
	}
	return group.Wait()
}

// peekActiveBlockRecords is a recovery-only helper: at this point in
// Startup, nothing else can be racing with the cache, so it is safe to
// read the active block's records directly via Get.
func (f *Facade) peekActiveBlockRecords(streamID uint64) ([]record.StreamRecordBatch, bool) {
	recs := f.cache.Get(streamID, 0, ^uint64(0), ^uint64(0))
	return recs, len(recs) > 0
}

// uploadRecoveredBlock runs prepare -> upload -> commit synchronously for
// a single already-archived block, used only during recovery.
func (f *Facade) uploadRecoveredBlock(ctx context.Context, block *logcache.Block) error {
	h := f.pipeline.RunSynchronously(block)
	return h.Wait(ctx)
}
