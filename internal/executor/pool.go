package executor

import (
	"context"
	"sync/atomic"
	"time"

	"agentarena/internal/observer"
	appErr "agentarena/pkg/errors"

	"golang.org/x/sync/semaphore"
)

const defaultSlotWait = 2 * time.Second

// SlotPool bounds how many sandboxes run at once. A match holds one slot per
// agent for its whole duration.
type SlotPool struct {
	sem     *semaphore.Weighted
	size    int64
	wait    time.Duration
	inUse   atomic.Int64
	metrics observer.MetricsRecorder
}

func NewSlotPool(size int64, wait time.Duration, metrics observer.MetricsRecorder) *SlotPool {
	if size <= 0 {
		size = 1
	}
	if wait <= 0 {
		wait = defaultSlotWait
	}
	if metrics == nil {
		metrics = observer.Nop{}
	}
	return &SlotPool{sem: semaphore.NewWeighted(size), size: size, wait: wait, metrics: metrics}
}

// Acquire takes n slots, waiting at most the configured time. A pool that
// stays full yields MatchQueueFull.
func (p *SlotPool) Acquire(ctx context.Context, n int64) error {
	if n > p.size {
		return appErr.Newf(appErr.InvalidParams, "match needs %d sandbox slots, pool has %d", n, p.size)
	}
	wctx, cancel := context.WithTimeout(ctx, p.wait)
	defer cancel()
	if err := p.sem.Acquire(wctx, n); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return appErr.Newf(appErr.MatchQueueFull, "no %d sandbox slots free within %s", n, p.wait)
	}
	p.metrics.SetSlotsInUse(p.inUse.Add(n))
	return nil
}

// Release returns n slots.
func (p *SlotPool) Release(n int64) {
	p.sem.Release(n)
	p.metrics.SetSlotsInUse(p.inUse.Add(-n))
}

// InUse returns the number of slots held.
func (p *SlotPool) InUse() int64 {
	return p.inUse.Load()
}

// Size returns the pool capacity.
func (p *SlotPool) Size() int64 {
	return p.size
}
