package agentspine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLaneSerializesSameLane(t *testing.T) {
	q := NewLaneQueue(4)
	ctx := context.Background()

	var mu sync.Mutex
	var order []int
	var active, maxActive int32

	first, err := q.Acquire(ctx, "sess-a")
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			release, err := q.Acquire(ctx, "sess-a")
			if err != nil {
				t.Error(err)
				return
			}
			cur := atomic.AddInt32(&active, 1)
			for {
				prev := atomic.LoadInt32(&maxActive)
				if cur <= prev || atomic.CompareAndSwapInt32(&maxActive, prev, cur) {
					break
				}
			}
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			release()
		}(i)
		// Let each goroutine enqueue before the next so FIFO order is
		// observable.
		time.Sleep(10 * time.Millisecond)
	}

	first()
	wg.Wait()

	if got := atomic.LoadInt32(&maxActive); got != 1 {
		t.Fatalf("lane concurrency = %d, want 1", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("execution order = %v, want [1 2 3]", order)
	}
}

func TestLaneGlobalCap(t *testing.T) {
	q := NewLaneQueue(2)
	ctx := context.Background()

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		laneID := string(rune('a' + i))
		go func() {
			defer wg.Done()
			err := q.Run(ctx, laneID, func(context.Context) error {
				cur := atomic.AddInt32(&active, 1)
				for {
					prev := atomic.LoadInt32(&maxActive)
					if cur <= prev || atomic.CompareAndSwapInt32(&maxActive, prev, cur) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			}, nil)
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&maxActive); got > 2 {
		t.Fatalf("global concurrency = %d, want <= 2", got)
	}
	if got := atomic.LoadInt32(&maxActive); got < 2 {
		t.Fatalf("global concurrency = %d, want 2 lanes running in parallel", got)
	}
}

func TestLaneAcquireCancelledWhileQueued(t *testing.T) {
	q := NewLaneQueue(4)
	ctx := context.Background()

	release, err := q.Acquire(ctx, "sess-a")
	if err != nil {
		t.Fatal(err)
	}

	waitCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Acquire(waitCtx, "sess-a")
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("queued Acquire error = %v, want context.Canceled", err)
	}

	// The abandoned waiter must not block later acquisitions.
	release()
	got, err := q.Acquire(ctx, "sess-a")
	if err != nil {
		t.Fatalf("Acquire after abandoned waiter: %v", err)
	}
	got()
}

func TestLaneReleaseIdempotent(t *testing.T) {
	q := NewLaneQueue(1)
	ctx := context.Background()

	release, err := q.Acquire(ctx, "sess-a")
	if err != nil {
		t.Fatal(err)
	}
	release()
	release() // must not free a second global slot

	// With cap 1, a double-release would let two lanes run at once.
	r1, err := q.Acquire(ctx, "sess-b")
	if err != nil {
		t.Fatal(err)
	}
	blocked := make(chan struct{})
	go func() {
		r2, err := q.Acquire(ctx, "sess-c")
		if err == nil {
			r2()
		}
		close(blocked)
	}()
	select {
	case <-blocked:
		t.Fatal("second lane acquired global slot while cap 1 held")
	case <-time.After(30 * time.Millisecond):
	}
	r1()
	<-blocked
}

func TestLaneRunReportsMetrics(t *testing.T) {
	q := NewLaneQueue(1)
	ctx := context.Background()

	var m LaneMetrics
	err := q.Run(ctx, "sess-a", func(context.Context) error {
		time.Sleep(15 * time.Millisecond)
		return nil
	}, func(got LaneMetrics) { m = got })
	if err != nil {
		t.Fatal(err)
	}
	if m.LaneID != "sess-a" {
		t.Fatalf("LaneID = %q, want sess-a", m.LaneID)
	}
	if m.Run < 10*time.Millisecond {
		t.Fatalf("Run = %v, want >= 10ms", m.Run)
	}
}

func TestLaneRunPropagatesError(t *testing.T) {
	q := NewLaneQueue(1)
	want := errors.New("boom")
	err := q.Run(context.Background(), "sess-a", func(context.Context) error {
		return want
	}, nil)
	if !errors.Is(err, want) {
		t.Fatalf("Run error = %v, want %v", err, want)
	}

	// The slot must be released even on error.
	release, err := q.Acquire(context.Background(), "sess-a")
	if err != nil {
		t.Fatal(err)
	}
	release()
}
