// Package confirm implements the ConfirmOffsetCalculator: it periodically
// computes the greatest WAL offset such that every earlier offset is
// durable, using an insert-sentinel scan under a reader-writer lock shared
// with WAL appenders.
package confirm

import (
	"sync"
	"sync/atomic"
)

// entry is one tracked request: its assigned WAL offset and whether the
// WAL has signaled persistence yet. An entry with sentinel set is a marker
// inserted by Update to mark the scan boundary for one pass.
type entry struct {
	recordOffset int64
	sentinel     bool
	persisted    *atomic.Bool
}

// Calculator tracks every in-flight WalWriteRequest in an in-order queue
// and periodically advances the confirmed offset watermark.
//
// Add takes the read side of mu, shared with concurrently appending
// callers assigning offsets. Update takes the write side only briefly, to
// insert a sentinel, then scans the queue holding only the queue mutex
// (qmu), not mu.
type Calculator struct {
	mu sync.RWMutex

	qmu   sync.Mutex
	queue []*entry

	confirmed atomic.Int64
}

// New constructs a Calculator with confirmed offset initialized to -1
// (nothing confirmed yet).
func New() *Calculator {
	c := &Calculator{}
	c.confirmed.Store(-1)
	return c
}

// Handle is returned by Add so the caller can flip persisted later without
// re-walking the queue.
type Handle struct {
	e *entry
}

// MarkPersisted flips the tracked entry's persisted flag. Safe to call
// concurrently with Update.
func (h *Handle) MarkPersisted() {
	h.e.persisted.Store(true)
}

// Add registers recordOffset as pending, taking the shared (read) side of
// the lock so many appenders may register offsets concurrently.
func (c *Calculator) Add(recordOffset int64) *Handle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.AddLocked(recordOffset)
}

// RLock takes the shared side of the calculator's lock. Callers that must
// extend the critical section beyond AddLocked itself (e.g. to cover WAL
// offset assignment, so Update's sentinel can never land between an
// offset being assigned and its entry being enqueued) take this
// explicitly, call AddLocked, then RUnlock.
func (c *Calculator) RLock() { c.mu.RLock() }

// RUnlock releases the shared side of the calculator's lock acquired by
// RLock.
func (c *Calculator) RUnlock() { c.mu.RUnlock() }

// AddLocked is Add without taking the shared lock itself; the caller must
// already hold it via RLock.
func (c *Calculator) AddLocked(recordOffset int64) *Handle {
	e := &entry{recordOffset: recordOffset, persisted: &atomic.Bool{}}
	c.qmu.Lock()
	c.queue = append(c.queue, e)
	c.qmu.Unlock()
	return &Handle{e: e}
}

// Confirmed returns the current confirm offset. Monotone non-decreasing;
// lags Update by at most one tick.
func (c *Calculator) Confirmed() int64 {
	return c.confirmed.Load()
}

// Update advances the confirmed offset. It inserts a sentinel under the
// exclusive (write) side of the lock — briefly serializing against
// concurrent Add calls — then releases the lock and scans without holding
// it:
//
//  1. Scan from the head up to the sentinel, computing the minimum
//     recordOffset among not-yet-persisted entries (min unconfirmed).
//  2. Scan again from the head, removing every persisted entry whose
//     offset is below min-unconfirmed, tracking the max offset removed.
//     Remove the sentinel at the end of this pass.
//  3. If the max offset removed advanced the watermark, publish it.
func (c *Calculator) Update() {
	c.mu.Lock()
	c.qmu.Lock()
	c.queue = append(c.queue, &entry{sentinel: true})
	c.qmu.Unlock()
	c.mu.Unlock()

	c.qmu.Lock()
	defer c.qmu.Unlock()

	sentinelIdx := -1
	minUnconfirmed := int64(^uint64(0) >> 1)
	for i, e := range c.queue {
		if e.sentinel {
			sentinelIdx = i
			break
		}
		if !e.persisted.Load() {
			if e.recordOffset < minUnconfirmed {
				minUnconfirmed = e.recordOffset
			}
		}
	}
	if sentinelIdx == -1 {
		// No sentinel found (should not happen); nothing to do.
		return
	}

	confirmed := c.confirmed.Load()
	var kept []*entry
	removedAny := false
	for i := 0; i < sentinelIdx; i++ {
		e := c.queue[i]
		if e.persisted.Load() && e.recordOffset < minUnconfirmed {
			if e.recordOffset > confirmed {
				confirmed = e.recordOffset
			}
			removedAny = true
			continue
		}
		kept = append(kept, e)
	}
	// Entries appended after the sentinel was inserted belong to the next
	// round; carry them forward untouched.
	kept = append(kept, c.queue[sentinelIdx+1:]...)
	c.queue = kept

	if removedAny {
		c.confirmed.Store(confirmed)
	}
}
