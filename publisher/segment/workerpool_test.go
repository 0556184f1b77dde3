package segment

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPoolRunsSubmittedJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool := NewWorkerPool(ctx, 4)

	var n atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		job := func() {
			defer wg.Done()
			n.Add(1)
		}
		if !pool.Submit(job) {
			wg.Done()
		}
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("jobs did not complete in time")
	}

	if got := n.Load(); got == 0 {
		t.Error("expected at least some submitted jobs to have run")
	}
}

func TestWorkerPoolStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewWorkerPool(ctx, 2)
	cancel()

	done := make(chan struct{})
	go func() {
		_ = pool.g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker pool goroutines did not exit after context cancellation")
	}
}

func TestWorkerPoolDefaultsMinimumSize(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool := NewWorkerPool(ctx, 0)
	if pool == nil {
		t.Fatal("expected a non-nil pool even with n<1")
	}
}
