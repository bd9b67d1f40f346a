package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/deltawal/internal/logger"
	"github.com/marmos91/deltawal/pkg/admission"
	"github.com/marmos91/deltawal/pkg/confirm"
	"github.com/marmos91/deltawal/pkg/logcache"
	"github.com/marmos91/deltawal/pkg/record"
	"github.com/marmos91/deltawal/pkg/sequencer"
	"github.com/marmos91/deltawal/pkg/upload"
	"github.com/marmos91/deltawal/pkg/wal"
)

// ErrShutdown is returned by Append and ForceUpload once Shutdown has
// been called.
var ErrShutdown = errors.New("engine: shut down")

// ErrFastReadMiss is returned by Read when ReadOptions.FastRead is set and
// the LogCache alone cannot satisfy the request.
var ErrFastReadMiss = errors.New("engine: fast read missed log cache")

// ErrContinuityViolation is returned by Read when the block cache and log
// cache suffix do not form a contiguous sequence.
var ErrContinuityViolation = errors.New("engine: continuity violation on merged read")

// pendingAppend is the Payload stashed on a sequencer.Request: the decoded
// record plus the channel the original Append call is waiting on.
type pendingAppend struct {
	rec  record.StreamRecordBatch
	done chan error
}

// Facade is the public Storage Facade composing the full append-and-upload
// pipeline.
type Facade struct {
	cfg Config

	wal        wal.Wal
	cache      *logcache.LogCache
	seq        *sequencer.Sequencer
	calc       *confirm.Calculator
	adm        *admission.Controller
	pipeline   *upload.Pipeline
	streamMgr  upload.StreamManager
	blockCache upload.BlockCache

	forceMu      sync.Mutex
	forcePending map[uint64]*forcePending

	stopCh   chan struct{}
	wg       sync.WaitGroup
	shutdown shutdownFlag
}

// shutdownFlag is a small mutex-guarded bool recording whether Shutdown
// has been called.
type shutdownFlag struct {
	mu   sync.Mutex
	down bool
}

func (f *shutdownFlag) set()    { f.mu.Lock(); f.down = true; f.mu.Unlock() }
func (f *shutdownFlag) isSet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.down
}

// forcePending coalesces concurrent forceUpload(streamID) callers behind a
// single debounce timer; every waiter is released together once the
// window elapses.
type forcePending struct {
	timer   *time.Timer
	waiters []chan struct{}
}

// New constructs a Facade. Startup must be called before Append/Read.
func New(cfg Config, w wal.Wal, objMgr upload.ObjectManager, streamMgr upload.StreamManager, store upload.StoreOperator, blockCache upload.BlockCache, onFatal func(error)) *Facade {
	cache := logcache.New(logcache.Config{
		CapacityBytes:       cfg.WalCacheSize,
		BlockThresholdBytes: cfg.WalUploadThreshold,
		MaxStreamsPerBlock:  cfg.MaxStreamsPerBlock,
	})
	calc := confirm.New()

	f := &Facade{
		cfg:         cfg,
		wal:         w,
		cache:       cache,
		seq:         sequencer.New(),
		calc:        calc,
		streamMgr:   streamMgr,
		blockCache:  blockCache,
		forcePending: make(map[uint64]*forcePending),
		stopCh:       make(chan struct{}),
	}
	f.adm = admission.New(admission.Config{CapacityBytes: cfg.WalCacheSize, Size: cache.Size})
	f.pipeline = upload.New(upload.Config{
		Cache:         cache,
		Wal:           w,
		ConfirmOffset: calc.Confirmed,
		ObjectManager: objMgr,
		Store:         store,
		OnFatal:       onFatal,
	})
	return f
}

// Startup runs crash recovery and starts the background scheduler
// (confirm-offset tick, backoff-drain tick).
func (f *Facade) Startup(ctx context.Context) error {
	if err := f.wal.Start(); err != nil {
		return fmt.Errorf("wal start: %w", err)
	}
	if err := f.recover(ctx); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	f.wg.Add(2)
	go f.confirmTickLoop()
	go f.backoffDrainLoop()
	return nil
}

// Shutdown drains the backoff queue with a shutdown error, stops the
// background scheduler, and shuts down the WAL. It tears down resources
// in reverse order of Startup, per the design's reverse-teardown note.
func (f *Facade) Shutdown(ctx context.Context) error {
	f.shutdown.set()

	f.adm.Reject()

	close(f.stopCh)
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		logger.Warn("engine: background scheduler did not stop within timeout")
	}

	return f.wal.ShutdownGracefully()
}

func (f *Facade) confirmTickLoop() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.cfg.ConfirmOffsetTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			f.calc.Update()
		case <-f.stopCh:
			return
		}
	}
}

func (f *Facade) backoffDrainLoop() {
	defer f.wg.Done()
	ticker := time.NewTicker(f.cfg.BackoffDrainTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			f.adm.Drain()
		case <-f.stopCh:
			return
		}
	}
}

// Append durably persists rec and places it into the LogCache, completing
// once WAL persistence and cache placement have both happened in
// per-stream offset order.
func (f *Facade) Append(ctx context.Context, rec record.StreamRecordBatch) error {
	if f.shutdown.isSet() {
		return ErrShutdown
	}

	pa := &pendingAppend{rec: rec, done: make(chan error, 1)}

	attempt := func() bool { return f.tryAppend(pa) }
	if f.adm.IsBackoffPending() || !attempt() {
		f.adm.Enqueue(attempt, func() { pa.done <- ErrShutdown })
	}

	select {
	case err := <-pa.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tryAppend returns true once the append either failed terminally or was
// accepted by the WAL (in which case completion arrives asynchronously via
// pa.done). It returns false if the caller should back off and retry
// later.
//
// Offset assignment (wal.Append), confirm-offset registration, and
// sequencer registration must appear atomic to any concurrent tryAppend
// for the same stream: otherwise two goroutines racing on wal.Append can
// register with the sequencer in reverse offset order, or Update can slip
// its scan sentinel in between an offset being assigned and its entry
// being enqueued. The confirm calculator's RLock and the sequencer's
// per-stream stripe lock, held together across that span, close both
// gaps; Update takes the calculator's write lock, so it can never
// observe a half-registered offset.
func (f *Facade) tryAppend(pa *pendingAppend) bool {
	if !f.adm.TryAcquirePermit() {
		// Relieve pressure by dropping already-committed archived blocks
		// before backing off.
		f.cache.ForceFree(f.cfg.WalUploadThreshold)
		if !f.adm.TryAcquirePermit() {
			return false
		}
	}

	walBytes := record.Encode(pa.rec)
	streamID := pa.rec.StreamID

	f.calc.RLock()
	f.seq.LockStream(streamID)

	result, err := f.wal.Append(context.Background(), walBytes)
	if err != nil {
		f.seq.UnlockStream(streamID)
		f.calc.RUnlock()

		if errors.Is(err, wal.ErrOverCapacity) {
			f.calc.Update()
			f.pipeline.UploadDeltaWAL(logcache.StreamAll, true)
			return false
		}
		pa.done <- fmt.Errorf("wal append: %w", err)
		return true
	}

	handle := f.calc.AddLocked(result.RecordOffset)
	req := &sequencer.Request{
		StreamID:     streamID,
		BaseOffset:   pa.rec.BaseOffset,
		LastOffset:   pa.rec.LastOffset(),
		RecordOffset: result.RecordOffset,
		Future:       result.Future,
		Payload:      pa,
	}
	f.seq.BeforeLocked(req)

	f.seq.UnlockStream(streamID)
	f.calc.RUnlock()

	go f.awaitPersisted(req, handle)
	return true
}

func (f *Facade) awaitPersisted(req *sequencer.Request, handle *confirm.Handle) {
	if err := req.Future.Wait(context.Background()); err != nil {
		pa := req.Payload.(*pendingAppend)
		pa.done <- fmt.Errorf("wal persist: %w", err)
		return
	}
	handle.MarkPersisted()

	drained := f.seq.After(req)
	for _, d := range drained {
		pa := d.Payload.(*pendingAppend)
		full := f.cache.Put(pa.rec)
		if full {
			go f.pipeline.UploadDeltaWAL(logcache.StreamAll, false)
		}
		pa.done <- nil
	}
}

// ForceUpload archives and uploads every block containing streamID (or
// every stream, if streamID is logcache.StreamAll), coalescing bursts
// within ForceUploadDebounce, then waits for every resulting upload
// context containing the stream to commit.
func (f *Facade) ForceUpload(ctx context.Context, streamID uint64) error {
	if f.shutdown.isSet() {
		return ErrShutdown
	}

	waitCh := make(chan struct{})
	f.forceMu.Lock()
	pending, ok := f.forcePending[streamID]
	if !ok {
		pending = &forcePending{}
		f.forcePending[streamID] = pending
		pending.timer = time.AfterFunc(f.cfg.ForceUploadDebounce, func() {
			f.fireForceUpload(streamID)
		})
	} else {
		pending.timer.Reset(f.cfg.ForceUploadDebounce)
	}
	pending.waiters = append(pending.waiters, waitCh)
	f.forceMu.Unlock()

	select {
	case <-waitCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, inflight := range f.pipeline.InflightContaining(streamID) {
		if err := inflight.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// fireForceUpload runs after the debounce window elapses: it uploads the
// coalesced block and releases every waiter that arrived during the
// window.
func (f *Facade) fireForceUpload(streamID uint64) {
	f.forceMu.Lock()
	pending := f.forcePending[streamID]
	delete(f.forcePending, streamID)
	f.forceMu.Unlock()

	h := f.pipeline.UploadDeltaWAL(streamID, true)
	if h != nil {
		_ = h.Wait(context.Background())
	}

	for _, w := range pending.waiters {
		close(w)
	}
}

// ReadOptions configures Read.
type ReadOptions struct {
	// FastRead, if set, fails with ErrFastReadMiss instead of falling
	// through to the block cache on a log-cache miss.
	FastRead bool
}

// ReadResult is returned by Read.
type ReadResult struct {
	Records    []record.StreamRecordBatch
	AccessType upload.AccessType
}

// Read returns [start, end) for streamID, up to maxBytes, preferring the
// in-memory LogCache and falling back to the block cache for any uncovered
// prefix.
func (f *Facade) Read(ctx context.Context, streamID uint64, start, end, maxBytes uint64, opts ReadOptions) (ReadResult, error) {
	traceID := uuid.NewString()
	lc := logger.NewLogContext("read", streamID).WithTrace(traceID, "")
	ctx = logger.WithContext(ctx, lc)

	logCacheRecs := f.cache.Get(streamID, start, end, maxBytes)
	if len(logCacheRecs) > 0 && logCacheRecs[0].BaseOffset <= start {
		return ReadResult{Records: logCacheRecs, AccessType: upload.AccessCacheHit}, nil
	}

	if opts.FastRead {
		releaseAll(logCacheRecs)
		return ReadResult{}, ErrFastReadMiss
	}

	effectiveEnd := end
	if len(logCacheRecs) > 0 {
		effectiveEnd = logCacheRecs[0].BaseOffset
	}

	watchdog := time.AfterFunc(f.cfg.ReadTimeout, func() {
		logger.WarnCtx(ctx, "engine: read exceeded soft watchdog", logger.StreamID(streamID))
	})
	blockRecs, accessType, err := f.blockCache.Read(ctx, streamID, start, effectiveEnd, maxBytes)
	watchdog.Stop()
	if err != nil {
		releaseAll(logCacheRecs)
		return ReadResult{}, fmt.Errorf("block cache read: %w", err)
	}

	budget := int64(maxBytes)
	for _, r := range blockRecs {
		budget -= int64(r.Size())
	}

	merged := make([]record.StreamRecordBatch, 0, len(blockRecs)+len(logCacheRecs))
	merged = append(merged, blockRecs...)

	var used int
	for _, r := range logCacheRecs {
		if budget <= 0 {
			break
		}
		merged = append(merged, r)
		budget -= int64(r.Size())
		used++
	}
	releaseAll(logCacheRecs[used:])

	for i := 1; i < len(merged); i++ {
		if merged[i].BaseOffset != merged[i-1].LastOffset() {
			releaseAll(merged)
			return ReadResult{}, ErrContinuityViolation
		}
	}

	return ReadResult{Records: merged, AccessType: accessType}, nil
}

func releaseAll(recs []record.StreamRecordBatch) {
	for _, r := range recs {
		r.Release()
	}
}
