// Package admission gates appends behind the LogCache capacity and WAL
// capacity, parking rejected requests on a FIFO backoff queue drained by a
// timer.
package admission

import (
	"sync"

	"github.com/marmos91/deltawal/internal/logger"
)

// SizeFunc reports the current LogCache size in bytes; Controller compares
// it against Capacity to decide whether a permit is available.
type SizeFunc func() uint64

// Config bounds a Controller instance.
type Config struct {
	CapacityBytes uint64
	Size          SizeFunc
}

// parked is one request waiting on the backoff queue: retry attempts the
// backed-off action and reports whether it succeeded; fail is invoked
// instead, exactly once, if the controller is shut down while the
// request is still parked.
type parked struct {
	retry func() bool
	fail  func()
}

// Controller is the Admission & Backoff gate. It does not itself drive the
// WAL append or the drain timer; callers invoke TryAcquirePermit before
// attempting a WAL append, and Enqueue/Drain to manage the backoff queue.
type Controller struct {
	cfg Config

	mu      sync.Mutex
	backoff []parked
}

// New constructs a Controller.
func New(cfg Config) *Controller {
	return &Controller{cfg: cfg}
}

// TryAcquirePermit reports whether the LogCache has room for another
// append, per the aspirational capacity bound (admission enforces it on
// entry only; overshoot by at most one record is permitted elsewhere).
func (c *Controller) TryAcquirePermit() bool {
	return c.cfg.Size() < c.cfg.CapacityBytes
}

// BackoffDepth returns the current number of parked requests, for
// observability and the KeyBackoffDepth log field.
func (c *Controller) BackoffDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.backoff)
}

// Enqueue parks retry, a closure that attempts the backed-off action and
// reports whether it succeeded, onto the tail of the backoff queue. fail
// is invoked instead, exactly once, if Reject runs before retry ever
// succeeds (i.e. on shutdown).
func (c *Controller) Enqueue(retry func() bool, fail func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backoff = append(c.backoff, parked{retry: retry, fail: fail})
	logger.Warn("admission: request parked on backoff queue", logger.KeyBackoffDepth, len(c.backoff))
}

// IsBackoffPending reports whether any request is currently parked. Used
// by callers to short-circuit new admission attempts while older ones are
// still queued, preserving FIFO fairness.
func (c *Controller) IsBackoffPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.backoff) > 0
}

// Drain attempts, head to tail, to retry every parked request, stopping at
// the first one that still reports backoff. Invoked by the background
// scheduler's 100ms tick.
func (c *Controller) Drain() {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := 0
	for i < len(c.backoff) {
		if !c.backoff[i].retry() {
			break
		}
		i++
	}
	if i > 0 {
		c.backoff = c.backoff[i:]
	}
}

// Reject fails every parked request immediately, used on shutdown so
// pending backoff requests observe a shutdown error rather than hanging.
func (c *Controller) Reject() {
	c.mu.Lock()
	pending := c.backoff
	c.backoff = nil
	c.mu.Unlock()

	for _, p := range pending {
		p.fail()
	}
}
