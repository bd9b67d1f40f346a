package upload

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marmos91/deltawal/pkg/logcache"
	"github.com/marmos91/deltawal/pkg/record"
	"github.com/marmos91/deltawal/pkg/wal"
)

type fakeObjectManager struct {
	nextID    atomic.Uint64
	mu        sync.Mutex
	committed []uint64
	failNext  bool
}

func (f *fakeObjectManager) PrepareObject(ctx context.Context) (uint64, error) {
	return f.nextID.Add(1), nil
}

func (f *fakeObjectManager) CommitObject(ctx context.Context, objectID uint64, entries []BlockIndexEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("injected commit failure")
	}
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
	data := f.puts[objectID]
	return data[offset : offset+length], nil
}

type fakeWal struct {
	mu      sync.Mutex
	trimmed []int64
}

func (f *fakeWal) Start() error                { return nil }
func (f *fakeWal) ShutdownGracefully() error    { return nil }
func (f *fakeWal) Append(ctx context.Context, record []byte) (wal.AppendResult, error) {
	return wal.AppendResult{}, nil
}
func (f *fakeWal) Recover() ([]wal.RecoveredRecord, error) { return nil, nil }
func (f *fakeWal) Reset() error                            { return nil }
func (f *fakeWal) Trim(upTo int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trimmed = append(f.trimmed, upTo)
	return nil
}

func makeBatch(streamID, base uint64, count uint32) record.StreamRecordBatch {
	payload := record.Allocate(int(count))
	return record.StreamRecordBatch{StreamID: streamID, BaseOffset: base, Count: count, Payload: payload}
}

func TestPipeline_UploadCommitsAndTrimsAndFreesBlock(t *testing.T) {
	cache := logcache.New(logcache.Config{CapacityBytes: 1 << 20, BlockThresholdBytes: 1 << 20})
	cache.Put(makeBatch(7, 0, 5))
	cache.SetConfirmOffset(9)

	objMgr := &fakeObjectManager{}
	store := newFakeStore()
	w := &fakeWal{}

	p := New(Config{
		Cache:         cache,
		Wal:           w,
		ConfirmOffset: func() int64 { return 9 },
		ObjectManager: objMgr,
		Store:         store,
	})

	h := p.UploadDeltaWAL(7, true)
	require.NotNil(t, h)
	require.NoError(t, h.Wait(context.Background()))

	require.False(t, cache.ContainsStream(7))
	require.Equal(t, []int64{9}, w.trimmed)
	require.Len(t, objMgr.committed, 1)
	require.Len(t, store.puts, 1)
}

func TestPipeline_UploadDeltaWALNoBlockReturnsNil(t *testing.T) {
	cache := logcache.New(logcache.Config{CapacityBytes: 1 << 20, BlockThresholdBytes: 1 << 20})
	p := New(Config{
		Cache:         cache,
		Wal:           &fakeWal{},
		ConfirmOffset: func() int64 { return 0 },
		ObjectManager: &fakeObjectManager{},
		Store:         newFakeStore(),
	})

	h := p.UploadDeltaWAL(logcache.StreamAll, false)
	require.Nil(t, h)
}

func TestPipeline_CommitOrderMatchesArchiveOrder(t *testing.T) {
	cache := logcache.New(logcache.Config{CapacityBytes: 1 << 20, BlockThresholdBytes: 1 << 20})
	objMgr := &fakeObjectManager{}
	store := newFakeStore()
	w := &fakeWal{}

	p := New(Config{
		Cache:         cache,
		Wal:           w,
		ConfirmOffset: func() int64 { return 0 },
		ObjectManager: objMgr,
		Store:         store,
	})

	cache.Put(makeBatch(1, 0, 5))
	h1 := p.UploadDeltaWAL(logcache.StreamAll, true)

	cache.Put(makeBatch(2, 0, 5))
	h2 := p.UploadDeltaWAL(logcache.StreamAll, true)

	require.NoError(t, h1.Wait(context.Background()))
	require.NoError(t, h2.Wait(context.Background()))

	objMgr.mu.Lock()
	defer objMgr.mu.Unlock()
	require.Equal(t, []uint64{1, 2}, objMgr.committed, "commits must be issued in archive order")
}

func TestPipeline_FatalCommitFailureInvokesOnFatal(t *testing.T) {
	cache := logcache.New(logcache.Config{CapacityBytes: 1 << 20, BlockThresholdBytes: 1 << 20})
	objMgr := &fakeObjectManager{failNext: true}
	store := newFakeStore()
	w := &fakeWal{}

	var fatalErr error
	var once sync.Once
	done := make(chan struct{})

	p := New(Config{
		Cache:         cache,
		Wal:           w,
		ConfirmOffset: func() int64 { return 0 },
		ObjectManager: objMgr,
		Store:         store,
		OnFatal: func(err error) {
			once.Do(func() {
				fatalErr = err
				close(done)
			})
		},
	})

	cache.Put(makeBatch(1, 0, 5))
	h := p.UploadDeltaWAL(logcache.StreamAll, true)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnFatal was not invoked")
	}
	require.Error(t, fatalErr)
	// Wait on the handle too: commit failure still closes uc.done.
	require.Error(t, h.Wait(context.Background()))
}
