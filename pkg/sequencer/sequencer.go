// Package sequencer reorders unordered WAL completion notifications back
// into per-stream WAL-offset order. WAL completions can arrive out of
// order even within a single stream because the WAL device pipelines
// persistence across concurrent appenders; producers, however, must be
// acknowledged in the order they were appended.
package sequencer

import (
	"sync"

	"github.com/marmos91/deltawal/pkg/wal"
)

// stripeCount is the number of stream-callback locks. Fixed, per the
// concurrency model: contention is bounded by striping on streamId mod N
// rather than by one lock per stream (unbounded) or one global lock
// (unscalable).
const stripeCount = 128

// Request is one pending WAL completion tracked by the sequencer. It wraps
// the subset of WalWriteRequest fields the sequencer needs: the owning
// stream, the assigned offset range, and whether the WAL has signaled
// persistence yet.
type Request struct {
	StreamID   uint64
	BaseOffset uint64
	LastOffset uint64

	RecordOffset int64
	Persisted    bool
	Future       *wal.Future

	// Payload is opaque to the sequencer; callers stash whatever context
	// they need to act on a drained request (e.g. the decoded record and
	// a completion channel) without the sequencer importing engine types.
	Payload any
}

type streamQueue struct {
	mu    sync.Mutex
	items []*Request
}

// Sequencer is the CallbackSequencer: a per-stream FIFO keyed by streamId,
// guarded by a fixed array of striped locks.
type Sequencer struct {
	stripes [stripeCount]sync.Mutex
	mu      sync.Mutex
	queues  map[uint64]*streamQueue
}

// New constructs an empty Sequencer.
func New() *Sequencer {
	return &Sequencer{queues: make(map[uint64]*streamQueue)}
}

func (s *Sequencer) stripeFor(streamID uint64) *sync.Mutex {
	return &s.stripes[streamID%stripeCount]
}

func (s *Sequencer) queueFor(streamID uint64) *streamQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[streamID]
	if !ok {
		q = &streamQueue{}
		s.queues[streamID] = q
	}
	return q
}

// LockStream acquires req's stream stripe lock so callers can extend the
// critical section to cover steps that must serialize with Before in
// offset order (e.g. WAL offset assignment), calling BeforeLocked instead
// of Before inside the held section. Paired with UnlockStream.
func (s *Sequencer) LockStream(streamID uint64) { s.stripeFor(streamID).Lock() }

// UnlockStream releases the stripe lock acquired by LockStream.
func (s *Sequencer) UnlockStream(streamID uint64) { s.stripeFor(streamID).Unlock() }

// Before registers req as pending for its stream. The caller guarantees
// that calls for a single stream are serialized and strictly
// offset-ascending, which holds because WAL appends for the same stream
// are serialized by the stream's stripe lock (see LockStream).
func (s *Sequencer) Before(req *Request) {
	s.LockStream(req.StreamID)
	defer s.UnlockStream(req.StreamID)
	s.BeforeLocked(req)
}

// BeforeLocked is Before without taking the stream's stripe lock itself;
// the caller must already hold it via LockStream.
func (s *Sequencer) BeforeLocked(req *Request) {
	q := s.queueFor(req.StreamID)
	q.mu.Lock()
	q.items = append(q.items, req)
	q.mu.Unlock()
}

// After marks req persisted and, if req is at the head of its stream's
// queue, greedily pops it plus every immediately-following persisted
// entry, asserting per-pop offset contiguity. Concurrent calls for
// different streams proceed independently; calls for the same stream are
// mutually excluded by the stream's stripe lock.
func (s *Sequencer) After(req *Request) []*Request {
	stripe := s.stripeFor(req.StreamID)
	stripe.Lock()
	defer stripe.Unlock()

	req.Persisted = true

	q := s.queueFor(req.StreamID)
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 || q.items[0] != req {
		return nil
	}

	var drained []*Request
	var prev *Request
	for len(q.items) > 0 && q.items[0].Persisted {
		head := q.items[0]
		if prev != nil && head.BaseOffset != prev.LastOffset {
			// A genuine gap here means the caller violated the
			// offset-ascending precondition; stop draining rather than
			// hand out a non-contiguous sequence.
			break
		}
		drained = append(drained, head)
		prev = head
		q.items = q.items[1:]
	}
	return drained
}

// TryFree removes the queue for streamID iff it is currently empty, as a
// safe cleanup for a retiring stream. The Facade does not call it.
func (s *Sequencer) TryFree(streamID uint64) {
	stripe := s.stripeFor(streamID)
	stripe.Lock()
	defer stripe.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[streamID]
	if !ok {
		return
	}
	q.mu.Lock()
	empty := len(q.items) == 0
	q.mu.Unlock()
	if empty {
		delete(s.queues, streamID)
	}
}
