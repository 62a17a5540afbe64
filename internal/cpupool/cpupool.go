// Package cpupool implements the dedicated worker pool spec §5 requires
// for cpu-bound tools ("bash subprocess waits, local embeddings") so a
// long-running tool call never starves the executor a session's own
// Loop goroutine shares with every other session. Grounded on SPEC_FULL
// §5's dependency-table entry for golang.org/x/sync — the teacher has no
// cpu-bound/io-bound tool distinction at all, since its tools run
// directly on the RPC-handling goroutine.
package cpupool

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Pool bounds how many cpu-bound tool calls run at once across every
// session sharing the process.
type Pool struct {
	sem *semaphore.Weighted
}

// New creates a Pool admitting at most maxConcurrent cpu-bound calls at
// once.
func New(maxConcurrent int64) *Pool {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Pool{sem: semaphore.NewWeighted(maxConcurrent)}
}

// Run executes fn on the pool, blocking the caller (the Loop's own
// goroutine) until a slot is free or ctx is cancelled. errgroup carries
// fn's panic-free error back through a single Wait rather than a raw
// channel, matching the rest of the codebase's explicit-error-return
// idiom.
func (p *Pool) Run(ctx context.Context, fn func() (string, error)) (string, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer p.sem.Release(1)

	var result string
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_ = gCtx
		r, err := fn()
		result = r
		return err
	})
	if err := g.Wait(); err != nil {
		return result, err
	}
	return result, nil
}
