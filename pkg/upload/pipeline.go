package upload

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/marmos91/deltawal/internal/logger"
	"github.com/marmos91/deltawal/pkg/logcache"
	"github.com/marmos91/deltawal/pkg/record"
	"github.com/marmos91/deltawal/pkg/wal"
)

// PoolSize bounds the number of prepare/upload/commit task bodies running
// concurrently.
const PoolSize = 4

// minRateWindow is the elapsed-time floor below which an upload is
// considered "fresh enough" to run unrated.
const minRateWindow = 100 * time.Millisecond

// rateWindowCap bounds the elapsed time used in the rate computation, so a
// very old, very large block does not get an artificially generous budget.
const rateWindowCap = 5000 * time.Millisecond

// uploadContext spans one archived block's prepare -> upload -> commit
// lifetime. It intentionally avoids a back-reference to Pipeline beyond
// what is needed to run the three stages, per the "plain indices, not
// shared ownership" guidance for cyclic references.
type uploadContext struct {
	block     *logcache.Block
	force     bool
	createdAt time.Time
	objectID  uint64
	entries   []BlockIndexEntry

	uploadDone chan struct{}
	uploadErr  error

	done chan struct{}
	err  error
}

// Handle lets a caller (typically forceUpload) await one uploadContext's
// completion.
type Handle struct {
	uc *uploadContext
}

// Wait blocks until the upload context this handle wraps reaches commit
// (success) or a terminal non-fatal failure.
func (h *Handle) Wait(ctx context.Context) error {
	if h == nil || h.uc == nil {
		return nil
	}
	select {
	case <-h.uc.done:
		return h.uc.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Config wires the Pipeline's collaborators and tunables.
type Config struct {
	Cache         *logcache.LogCache
	Wal           wal.Wal
	ConfirmOffset func() int64
	ObjectManager ObjectManager
	Store         StoreOperator

	// OnFatal is invoked when a commit fails. The invariant linking the
	// WAL trim point to committed objects would otherwise be violated;
	// per the design this must terminate the process. The pipeline
	// itself only reports the failure so callers (cmd/ wiring) decide
	// how to terminate.
	OnFatal func(err error)
}

// Pipeline is the UploadPipeline: prepare and upload stages may overlap
// across blocks, but commit is strictly single-threaded and runs in
// archive order, which is what lets the WAL be trimmed safely.
type Pipeline struct {
	cfg Config
	sem chan struct{}

	mu           sync.Mutex
	prepareQueue []*uploadContext
	commitQueue  []*uploadContext
	inflight     map[uint64]*uploadContext

	rateMu  sync.Mutex
	maxRate float64 // bytes/sec, monotone non-decreasing within a run
}

// New constructs a Pipeline.
func New(cfg Config) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		sem:      make(chan struct{}, PoolSize),
		inflight: make(map[uint64]*uploadContext),
	}
}

// UploadDeltaWAL archives the active block (scoped to streamID, or every
// stream if streamID is logcache.StreamAll) and schedules it through the
// pipeline. Returns nil if there was nothing to archive.
func (p *Pipeline) UploadDeltaWAL(streamID uint64, force bool) *Handle {
	p.cfg.Cache.SetConfirmOffset(p.cfg.ConfirmOffset())
	block := p.cfg.Cache.ArchiveCurrentBlockIfContains(streamID)
	if block == nil {
		return nil
	}

	uc := &uploadContext{
		block:      block,
		force:      force,
		createdAt:  time.Now(),
		uploadDone: make(chan struct{}),
		done:       make(chan struct{}),
	}

	p.mu.Lock()
	p.inflight[block.ID] = uc
	p.mu.Unlock()

	go p.run(uc)
	return &Handle{uc: uc}
}

// InflightContaining returns handles for every uploadContext currently in
// flight whose block contains streamID (or every context, if streamID is
// logcache.StreamAll). Used by forceUpload to await completion.
func (p *Pipeline) InflightContaining(streamID uint64) []*Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*Handle
	for _, uc := range p.inflight {
		if streamID == logcache.StreamAll {
			out = append(out, &Handle{uc: uc})
			continue
		}
		if _, ok := uc.block.Records(streamID); ok {
			out = append(out, &Handle{uc: uc})
		}
	}
	return out
}

// RunSynchronously drives prepare -> upload -> commit for an
// already-archived block inline, bypassing the queued/overlapping
// machinery. Used only by crash recovery, which is single-threaded by
// construction and must finish uploading before Startup returns.
func (p *Pipeline) RunSynchronously(block *logcache.Block) *Handle {
	uc := &uploadContext{
		block:      block,
		force:      true,
		createdAt:  time.Now(),
		uploadDone: make(chan struct{}),
		done:       make(chan struct{}),
	}

	p.mu.Lock()
	p.inflight[block.ID] = uc
	p.mu.Unlock()

	ctx := context.Background()
	objectID, err := p.cfg.ObjectManager.PrepareObject(ctx)
	if err != nil {
		p.failNonFatal(uc, fmt.Errorf("prepare object: %w", err))
		return &Handle{uc: uc}
	}
	uc.objectID = objectID

	data, entries := encodeBlock(uc.block)
	for i := range entries {
		entries[i].ObjectID = uc.objectID
	}
	if err := p.cfg.Store.PutObject(ctx, uc.objectID, data); err != nil {
		p.failNonFatal(uc, fmt.Errorf("upload object %d: %w", uc.objectID, err))
		return &Handle{uc: uc}
	}

	if err := p.cfg.ObjectManager.CommitObject(ctx, uc.objectID, entries); err != nil {
		logger.Error("upload: recovery commit failed, aborting", logger.ObjectID(uc.objectID), logger.Err(err))
		uc.err = fmt.Errorf("commit object %d: %w", uc.objectID, err)
		close(uc.done)
		if p.cfg.OnFatal != nil {
			p.cfg.OnFatal(uc.err)
		}
		return &Handle{uc: uc}
	}

	if uc.block.ConfirmOffset() != 0 {
		if err := p.cfg.Wal.Trim(uc.block.ConfirmOffset()); err != nil {
			logger.Error("upload: wal trim failed", logger.Err(err))
		}
	}
	p.cfg.Cache.MarkCommitted(uc.block)
	p.cfg.Cache.MarkFree(uc.block)
	p.mu.Lock()
	delete(p.inflight, uc.block.ID)
	p.mu.Unlock()
	close(uc.done)
	return &Handle{uc: uc}
}

func (p *Pipeline) run(uc *uploadContext) {
	// The rate budget records observed throughput so a future throttled
	// StoreOperator could pace large batches; the current StoreOperator
	// writes unthrottled, so only the hysteresis bookkeeping happens here.
	p.rateBudget(uc)

	p.mu.Lock()
	p.prepareQueue = append(p.prepareQueue, uc)
	onlyElement := len(p.prepareQueue) == 1
	p.mu.Unlock()

	if onlyElement {
		p.prepareStage()
	}
}

// rateBudget computes the upload-rate budget for uc following the
// hysteresis rule: unlimited for a forced or fresh (<=100ms old) upload,
// otherwise block size divided by a capped elapsed time, published only
// if it exceeds the running max observed this run.
func (p *Pipeline) rateBudget(uc *uploadContext) float64 {
	elapsed := time.Since(uc.createdAt)
	if uc.force || elapsed <= minRateWindow {
		return 0 // 0 denotes unlimited
	}
	if elapsed > rateWindowCap {
		elapsed = rateWindowCap
	}
	rate := float64(uc.block.SizeBytes()) * float64(time.Second) / float64(elapsed)

	p.rateMu.Lock()
	defer p.rateMu.Unlock()
	if rate > p.maxRate {
		p.maxRate = rate
	}
	return p.maxRate
}

// prepareStage drains the prepare queue head-first. Each head's prepare
// runs under the bounded worker semaphore; on success the head moves to
// the upload stage (fired asynchronously, no ordering constraint with the
// next block's prepare) and onto the tail of the commit queue.
func (p *Pipeline) prepareStage() {
	p.sem <- struct{}{}
	defer func() { <-p.sem }()

	p.mu.Lock()
	if len(p.prepareQueue) == 0 {
		p.mu.Unlock()
		return
	}
	head := p.prepareQueue[0]
	p.mu.Unlock()

	ctx := context.Background()
	objectID, err := p.cfg.ObjectManager.PrepareObject(ctx)
	if err != nil {
		p.failNonFatal(head, fmt.Errorf("prepare object: %w", err))
		p.mu.Lock()
		p.prepareQueue = p.prepareQueue[1:]
		next := len(p.prepareQueue) > 0
		p.mu.Unlock()
		if next {
			go p.prepareStage()
		}
		return
	}
	head.objectID = objectID

	p.mu.Lock()
	p.prepareQueue = p.prepareQueue[1:]
	p.commitQueue = append(p.commitQueue, head)
	kickCommit := len(p.commitQueue) == 1
	nextPrepare := len(p.prepareQueue) > 0
	p.mu.Unlock()

	go p.uploadStage(head)

	if kickCommit {
		go p.commitStage()
	}
	if nextPrepare {
		go p.prepareStage()
	}
}

// uploadStage writes the archived block's payload to the store. It has no
// ordering constraint relative to other blocks' upload or prepare stages.
func (p *Pipeline) uploadStage(uc *uploadContext) {
	p.sem <- struct{}{}
	defer func() { <-p.sem }()

	ctx := context.Background()
	data, entries := encodeBlock(uc.block)
	for i := range entries {
		entries[i].ObjectID = uc.objectID
	}
	uc.entries = entries
	if err := p.cfg.Store.PutObject(ctx, uc.objectID, data); err != nil {
		uc.uploadErr = fmt.Errorf("upload object %d: %w", uc.objectID, err)
	}
	close(uc.uploadDone)
}

// commitStage waits for the head's upload to finish, then commits it.
// Commit MUST be issued in archive order, so this function only ever runs
// one instance at a time (it is kicked exactly when commitQueue
// transitions empty -> nonempty, and re-kicks itself after popping).
func (p *Pipeline) commitStage() {
	p.sem <- struct{}{}
	defer func() { <-p.sem }()

	p.mu.Lock()
	if len(p.commitQueue) == 0 {
		p.mu.Unlock()
		return
	}
	head := p.commitQueue[0]
	p.mu.Unlock()

	<-head.uploadDone
	if head.uploadErr != nil {
		p.failNonFatal(head, head.uploadErr)
		p.popCommitAndContinue()
		return
	}

	ctx := context.Background()
	if err := p.cfg.ObjectManager.CommitObject(ctx, head.objectID, head.entries); err != nil {
		// CommitFailure is fatal: the WAL-trim-to-committed-objects
		// invariant would otherwise be violated.
		logger.Error("upload: commit failed, aborting", logger.ObjectID(head.objectID), logger.Err(err))
		head.err = fmt.Errorf("commit object %d: %w", head.objectID, err)
		close(head.done)
		if p.cfg.OnFatal != nil {
			p.cfg.OnFatal(head.err)
		}
		return
	}

	if head.block.ConfirmOffset() != 0 {
		if err := p.cfg.Wal.Trim(head.block.ConfirmOffset()); err != nil {
			logger.Error("upload: wal trim failed", logger.Err(err))
		}
	}
	p.cfg.Cache.MarkCommitted(head.block)
	p.cfg.Cache.MarkFree(head.block)
	p.mu.Lock()
	delete(p.inflight, head.block.ID)
	p.mu.Unlock()
	close(head.done)

	p.popCommitAndContinue()
}

func (p *Pipeline) popCommitAndContinue() {
	p.mu.Lock()
	if len(p.commitQueue) > 0 {
		p.commitQueue = p.commitQueue[1:]
	}
	more := len(p.commitQueue) > 0
	p.mu.Unlock()

	if more {
		go p.commitStage()
	}
}

func (p *Pipeline) failNonFatal(uc *uploadContext, err error) {
	logger.Error("upload: non-fatal stage failure", logger.BlockID(uc.block.ID), logger.Err(err))
	uc.err = err
	p.mu.Lock()
	delete(p.inflight, uc.block.ID)
	p.mu.Unlock()
	close(uc.done)
}

// encodeBlock serializes every record in block, in stream order then
// per-stream offset order, into one stream-set object payload. It also
// returns one BlockIndexEntry per stream spanning that stream's
// contiguous byte range within the payload, for the caller to commit
// alongside the object.
func encodeBlock(block *logcache.Block) ([]byte, []BlockIndexEntry) {
	streamIDs := block.StreamIDs()
	sort.Slice(streamIDs, func(i, j int) bool { return streamIDs[i] < streamIDs[j] })

	var out []byte
	entries := make([]BlockIndexEntry, 0, len(streamIDs))
	for _, streamID := range streamIDs {
		recs, _ := block.Records(streamID)
		if len(recs) == 0 {
			continue
		}
		start := int64(len(out))
		for _, r := range recs {
			out = append(out, record.Encode(r)...)
		}
		entries = append(entries, BlockIndexEntry{
			StreamID:   streamID,
			BaseOffset: recs[0].BaseOffset,
			LastOffset: recs[len(recs)-1].LastOffset(),
			ByteOffset: start,
			ByteLength: int64(len(out)) - start,
		})
	}
	return out, entries
}
