package agentspine

import (
	"context"
	"sync"
	"time"
)

// LaneQueue serializes work per lane while bounding global concurrency.
// Work items on the same lane run strictly in submission order, one at a
// time; across lanes, at most maxConcurrent items run simultaneously.
// Lanes are created on first use and discarded when idle.
type LaneQueue struct {
	mu     sync.Mutex
	lanes  map[string]*lane
	global chan struct{} // global semaphore, capacity = maxConcurrent
}

type lane struct {
	busy    bool
	waiters []*laneWaiter
}

type laneWaiter struct {
	ready     chan struct{}
	granted   bool
	abandoned bool
}

// LaneMetrics reports how long one work item queued and ran.
type LaneMetrics struct {
	LaneID string
	Wait   time.Duration
	Run    time.Duration
}

// NewLaneQueue creates a queue allowing up to maxConcurrent lanes to run at
// once. Values below 1 are clamped to 1.
func NewLaneQueue(maxConcurrent int) *LaneQueue {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &LaneQueue{
		lanes:  make(map[string]*lane),
		global: make(chan struct{}, maxConcurrent),
	}
}

// Acquire blocks until the caller holds laneID's slot and a global slot, or
// ctx is cancelled. On success it returns a release function that must be
// called exactly once. Cancellation of a queued-but-not-started waiter
// removes it silently.
func (q *LaneQueue) Acquire(ctx context.Context, laneID string) (func(), error) {
	q.mu.Lock()
	l := q.lanes[laneID]
	if l == nil {
		l = &lane{}
		q.lanes[laneID] = l
	}

	if !l.busy {
		l.busy = true
		q.mu.Unlock()
	} else {
		w := &laneWaiter{ready: make(chan struct{})}
		l.waiters = append(l.waiters, w)
		q.mu.Unlock()

		select {
		case <-w.ready:
		case <-ctx.Done():
			q.mu.Lock()
			if w.granted {
				// Lost the race with a grant: pass the token on.
				q.grantNextLocked(laneID, l)
			} else {
				w.abandoned = true
			}
			q.mu.Unlock()
			return nil, ctx.Err()
		}
	}

	// Lane slot held; now take a global slot.
	select {
	case q.global <- struct{}{}:
	case <-ctx.Done():
		q.mu.Lock()
		q.grantNextLocked(laneID, l)
		q.mu.Unlock()
		return nil, ctx.Err()
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			<-q.global
			q.mu.Lock()
			q.grantNextLocked(laneID, l)
			q.mu.Unlock()
		})
	}
	return release, nil
}

// grantNextLocked hands the lane token to the oldest live waiter, or frees
// the lane. Caller holds q.mu.
func (q *LaneQueue) grantNextLocked(laneID string, l *lane) {
	for len(l.waiters) > 0 {
		w := l.waiters[0]
		l.waiters = l.waiters[1:]
		if w.abandoned {
			continue
		}
		w.granted = true
		close(w.ready)
		return
	}
	l.busy = false
	if len(l.waiters) == 0 {
		delete(q.lanes, laneID)
	}
}

// Run executes fn while holding laneID's slot and reports queue/run timing
// through onMetrics (which may be nil).
func (q *LaneQueue) Run(ctx context.Context, laneID string, fn func(ctx context.Context) error, onMetrics func(LaneMetrics)) error {
	queuedAt := time.Now()
	release, err := q.Acquire(ctx, laneID)
	if err != nil {
		return err
	}
	startedAt := time.Now()
	err = fn(ctx)
	release()
	if onMetrics != nil {
		onMetrics(LaneMetrics{
			LaneID: laneID,
			Wait:   startedAt.Sub(queuedAt),
			Run:    time.Since(startedAt),
		})
	}
	return err
}
