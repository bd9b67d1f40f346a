package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marmos91/deltawal/pkg/record"
	"github.com/marmos91/deltawal/pkg/upload"
	"github.com/marmos91/deltawal/pkg/wal"
)

type fakeObjectManager struct {
	nextID    atomic.Uint64
	mu        sync.Mutex
	committed []uint64
}

func (f *fakeObjectManager) PrepareObject(ctx context.Context) (uint64, error) {
	return f.nextID.Add(1), nil
}

func (f *fakeObjectManager) CommitObject(ctx context.Context, objectID uint64, entries []upload.BlockIndexEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, objectID)
	return nil
}

type fakeStore struct {
	mu   sync.Mutex
	puts map[uint64][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{puts: make(map[uint64][]byte)}
}

func (f *fakeStore) PutObject(ctx context.Context, objectID uint64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.puts[objectID] = cp
	return nil
}

func (f *fakeStore) RangeRead(ctx context.Context, objectID uint64, offset, length int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts[objectID][offset : offset+length], nil
}

type fakeStreamManager struct {
	mu      sync.Mutex
	opening map[uint64]uint64
	closed  map[uint64]uint64
}

func newFakeStreamManager(opening map[uint64]uint64) *fakeStreamManager {
	return &fakeStreamManager{opening: opening, closed: make(map[uint64]uint64)}
}

func (f *fakeStreamManager) OpeningStreams(ctx context.Context) (map[uint64]uint64, error) {
	return f.opening, nil
}

func (f *fakeStreamManager) CloseStream(ctx context.Context, streamID uint64, epoch uint64, endOffset uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[streamID] = endOffset
	return nil
}

type fakeBlockCache struct {
	records []record.StreamRecordBatch
}

func (f *fakeBlockCache) Read(ctx context.Context, streamID uint64, start, end uint64, maxBytes uint64) ([]record.StreamRecordBatch, upload.AccessType, error) {
	var out []record.StreamRecordBatch
	for _, r := range f.records {
		if r.StreamID != streamID {
			continue
		}
		if r.LastOffset() <= start || r.BaseOffset >= end {
			continue
		}
		out = append(out, r.Retain())
	}
	return out, upload.AccessBlockCache, nil
}

func makeBatch(streamID, base uint64, count uint32) record.StreamRecordBatch {
	payload := record.Allocate(int(count))
	return record.StreamRecordBatch{StreamID: streamID, BaseOffset: base, Count: count, Payload: payload}
}

func newTestFacade(t *testing.T, streamMgr upload.StreamManager, blockCache upload.BlockCache) (*Facade, *fakeObjectManager, *fakeStore) {
	t.Helper()
	w, err := wal.NewMmapWAL(t.TempDir(), 1<<20, 2)
	require.NoError(t, err)

	objMgr := &fakeObjectManager{}
	store := newFakeStore()

	cfg := DefaultConfig()
	cfg.WalCacheSize = 1 << 20
	cfg.WalUploadThreshold = 1 << 20
	cfg.ConfirmOffsetTick = 10 * time.Millisecond
	cfg.BackoffDrainTick = 10 * time.Millisecond
	cfg.ForceUploadDebounce = 10 * time.Millisecond

	f := New(cfg, w, objMgr, streamMgr, store, blockCache, func(err error) {
		t.Errorf("unexpected fatal error: %v", err)
	})
	require.NoError(t, f.Startup(context.Background()))
	t.Cleanup(func() { _ = f.Shutdown(context.Background()) })
	return f, objMgr, store
}

func TestFacade_AppendAndReadInOrder(t *testing.T) {
	// S1: single stream in-order.
	streamMgr := newFakeStreamManager(map[uint64]uint64{})
	f, _, _ := newTestFacade(t, streamMgr, &fakeBlockCache{})

	ctx := context.Background()
	require.NoError(t, f.Append(ctx, makeBatch(7, 0, 5)))
	require.NoError(t, f.Append(ctx, makeBatch(7, 5, 5)))
	require.NoError(t, f.Append(ctx, makeBatch(7, 10, 5)))

	result, err := f.Read(ctx, 7, 0, 15, 1_000_000, ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, upload.AccessCacheHit, result.AccessType)
	require.Len(t, result.Records, 3)
	require.Equal(t, uint64(0), result.Records[0].BaseOffset)
	require.Equal(t, uint64(5), result.Records[1].BaseOffset)
	require.Equal(t, uint64(10), result.Records[2].BaseOffset)

	releaseAll(result.Records)
}

func TestFacade_ForceUploadArchivesAndCommits(t *testing.T) {
	streamMgr := newFakeStreamManager(map[uint64]uint64{})
	f, objMgr, store := newTestFacade(t, streamMgr, &fakeBlockCache{})

	ctx := context.Background()
	require.NoError(t, f.Append(ctx, makeBatch(7, 0, 5)))

	require.NoError(t, f.ForceUpload(ctx, 7))

	objMgr.mu.Lock()
	defer objMgr.mu.Unlock()
	require.Len(t, objMgr.committed, 1)
	require.Len(t, store.puts, 1)
}

func TestFacade_FastReadMissesWithoutBlockCacheFallback(t *testing.T) {
	streamMgr := newFakeStreamManager(map[uint64]uint64{})
	f, _, _ := newTestFacade(t, streamMgr, &fakeBlockCache{})

	_, err := f.Read(context.Background(), 7, 0, 5, 1_000_000, ReadOptions{FastRead: true})
	require.ErrorIs(t, err, ErrFastReadMiss)
}

func TestFacade_ReadMergesBlockCacheAndLogCache(t *testing.T) {
	bc := &fakeBlockCache{records: []record.StreamRecordBatch{makeBatch(7, 0, 50)}}
	streamMgr := newFakeStreamManager(map[uint64]uint64{})
	f, _, _ := newTestFacade(t, streamMgr, bc)

	ctx := context.Background()
	require.NoError(t, f.Append(ctx, makeBatch(7, 50, 10)))

	result, err := f.Read(ctx, 7, 0, 60, 1_000_000, ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, upload.AccessBlockCache, result.AccessType)
	require.Len(t, result.Records, 2)
	releaseAll(result.Records)
}

func TestFacade_ReadContinuityViolation(t *testing.T) {
	// S5: log cache holds (7,100,10); block cache returns (7,0,50); 50 != 100.
	bc := &fakeBlockCache{records: []record.StreamRecordBatch{makeBatch(7, 0, 50)}}
	streamMgr := newFakeStreamManager(map[uint64]uint64{})
	f, _, _ := newTestFacade(t, streamMgr, bc)

	ctx := context.Background()
	require.NoError(t, f.Append(ctx, makeBatch(7, 100, 10)))

	_, err := f.Read(ctx, 7, 0, 200, 1_000_000, ReadOptions{})
	require.ErrorIs(t, err, ErrContinuityViolation)
}

func TestFacade_RecoveryReplaysWalAndUploads(t *testing.T) {
	// S6: committed endOffset(7)=10. WAL contains (7,5,5), (7,10,5),
	// (7,15,5). Recovery drops the first, uploads a block containing
	// (7,10,5)+(7,15,5), then resets the WAL.
	dir := t.TempDir()
	w, err := wal.NewMmapWAL(dir, 1<<20, 2)
	require.NoError(t, err)

	ctx := context.Background()
	for _, base := range []uint64{5, 10, 15} {
		b := makeBatch(7, base, 5)
		_, err := w.Append(ctx, record.Encode(b))
		require.NoError(t, err)
		b.Release()
	}

	objMgr := &fakeObjectManager{}
	store := newFakeStore()
	streamMgr := newFakeStreamManager(map[uint64]uint64{7: 10})

	cfg := DefaultConfig()
	cfg.ConfirmOffsetTick = 10 * time.Millisecond
	cfg.BackoffDrainTick = 10 * time.Millisecond

	f := New(cfg, w, objMgr, streamMgr, store, &fakeBlockCache{}, func(err error) {
		t.Errorf("unexpected fatal error: %v", err)
	})
	require.NoError(t, f.Startup(ctx))
	t.Cleanup(func() { _ = f.Shutdown(ctx) })

	require.Len(t, objMgr.committed, 1)

	result, err := f.Read(ctx, 7, 10, 20, 1_000_000, ReadOptions{})
	require.NoError(t, err)
	require.Len(t, result.Records, 0, "the recovered block was uploaded and freed; it should no longer be in the cache")
	releaseAll(result.Records)

	require.Equal(t, uint64(20), streamMgr.closed[7])

	recoveredEntries, err := w.Recover()
	require.NoError(t, err)
	require.Empty(t, recoveredEntries, "wal.reset() must have cleared the log")
}
