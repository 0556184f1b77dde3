package segment

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// WorkerPool bounds the CPU cost of segment muxing (TS/fMP4 box
// building) across every stream a segment publisher serves, the fixed
// worker pool spec §5 calls for; the Orchestrator creates one pool,
// sized by config.DefaultWorkerPool, shared by every stream. Grounded on the teacher's top-level
// errgroup-per-subsystem idiom in cmd/prism/main.go, generalized here to
// a pool of segment-muxing workers draining one shared job queue instead of one goroutine per
// subsystem.
type WorkerPool struct {
	jobs chan func()
	g    *errgroup.Group
}

// NewWorkerPool starts n worker goroutines (n < 1 defaults to 1)
// draining a shared job queue until ctx is cancelled.
func NewWorkerPool(ctx context.Context, n int) *WorkerPool {
	if n < 1 {
		n = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	p := &WorkerPool{jobs: make(chan func(), 256), g: g}
	for i := 0; i < n; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case job, ok := <-p.jobs:
					if !ok {
						return nil
					}
					job()
				}
			}
		})
	}
	return p
}

// Submit enqueues a muxing job. It drops the job rather than blocking
// the caller (a router observer's OnPacket) if the queue is saturated;
// a dropped segment-build job means one fewer segment in the ring, not
// a stalled producer.
func (p *WorkerPool) Submit(job func()) bool {
	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

// Close stops accepting new jobs and waits for in-flight workers to
// drain.
func (p *WorkerPool) Close() error {
	close(p.jobs)
	return p.g.Wait()
}
