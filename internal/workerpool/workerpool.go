// Package workerpool implements a fixed-size pool of concurrent workers
// supporting fire-and-forget batches (SubmitAsync), sequential chains
// (SubmitChain), and blocking batches (SubmitSync), plus an enrollment
// parent work unit for jobs that create their own sub-units.
package workerpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"forgecore/internal/workunit"
)

// Work is a batch of one function invoked once per element of ArgsList.
// For an empty ArgsList, SubmitAsync invokes its onSuccess callback
// synchronously with no results rather than enqueuing anything.
type Work struct {
	Fn       func(args ...any) (any, error)
	ArgsList [][]any
}

// WorkChain is a sequence of Work steps submitted one after another: each
// step's completion becomes the next step's submission.
type WorkChain []Work

// Pool is a fixed-size worker pool. Jobs run on goroutines bounded by a
// semaphore sized to the pool's capacity. The pool records an enrollment
// parent (EnrollmentParent) but creates and attaches no work units itself:
// a job's sub-units sit beneath EnrollmentParent only if the job creates
// them there.
type Pool struct {
	sem        *semaphore.Weighted
	size       int64
	enrollment *workunit.Unit
	log        *slog.Logger

	wg sync.WaitGroup

	mu            sync.Mutex
	cond          *sync.Cond
	pendingChains int
	closed        bool
	hooks         []func()
}

// New creates a Pool of the given size. enrollment is the work unit new
// background work units created inside submitted jobs should attach under;
// it may be nil if jobs don't create their own sub-units.
func New(size int, enrollment *workunit.Unit, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	p := &Pool{
		sem:        semaphore.NewWeighted(int64(size)),
		size:       int64(size),
		enrollment: enrollment,
		log:        log,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// EnrollmentParent returns the work unit that jobs run by this pool should
// parent their own sub-units under.
func (p *Pool) EnrollmentParent() *workunit.Unit { return p.enrollment }

func (p *Pool) runOne(ctx context.Context, fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer p.sem.Release(1)
		fn()
	}()
}

// SubmitAsync enqueues one job per element of work.ArgsList. When all
// complete successfully, onSuccess is invoked exactly once with the
// results in ArgsList order, from a pool-internal goroutine. If any
// invocation fails, onSuccess is never invoked; instead the error is
// logged and onFailure is invoked exactly once with that first error.
// An empty ArgsList invokes onSuccess(nil) synchronously and never calls
// onFailure. Either callback may be nil.
func (p *Pool) SubmitAsync(work Work, onSuccess func(results []any), onFailure func(err error)) {
	if len(work.ArgsList) == 0 {
		if onSuccess != nil {
			onSuccess(nil)
		}
		return
	}

	n := len(work.ArgsList)
	results := make([]any, n)
	var mu sync.Mutex
	remaining := n
	failed := false

	for i, args := range work.ArgsList {
		i, args := i, args
		p.runOne(context.Background(), func() {
			res, err := work.Fn(args...)
			mu.Lock()
			defer mu.Unlock()
			if failed {
				return
			}
			if err != nil {
				failed = true
				p.log.Error("workerpool: job failed", "error", err)
				if onFailure != nil {
					onFailure(err)
				}
				return
			}
			results[i] = res
			remaining--
			if remaining == 0 && onSuccess != nil {
				onSuccess(results)
			}
		})
	}
}

// SubmitSync runs work.ArgsList concurrently (bounded by the pool's
// capacity) and blocks until all complete, returning the first error
// encountered. This is task-fatal: callers re-raise.
func (p *Pool) SubmitSync(ctx context.Context, work Work) ([]any, error) {
	if len(work.ArgsList) == 0 {
		return nil, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(int(p.size))
	results := make([]any, len(work.ArgsList))

	for i, args := range work.ArgsList {
		i, args := i, args
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			res, err := work.Fn(args...)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("workerpool: synchronous submission failed: %w", err)
	}
	return results, nil
}

// SubmitChain registers one pending chain and recursively submits each
// Work step, using the next step's submission as the prior step's
// onSuccess. On a step failure, the error is already logged by
// SubmitAsync; the chain's onFailure callback decrements the
// pending-chain counter there and then, rather than waiting on a
// completion that will never come, and the chain stops — later steps
// never run.
func (p *Pool) SubmitChain(chain WorkChain) {
	p.mu.Lock()
	p.pendingChains++
	p.mu.Unlock()

	var step func(i int, prevResults []any)
	step = func(i int, prevResults []any) {
		if i >= len(chain) {
			p.finishChain()
			return
		}
		work := chain[i]
		if len(work.ArgsList) == 0 {
			step(i+1, nil)
			return
		}
		p.SubmitAsync(work, func(results []any) {
			step(i+1, results)
		}, func(err error) {
			p.finishChain()
		})
	}
	step(0, nil)
}

func (p *Pool) finishChain() {
	p.mu.Lock()
	p.pendingChains--
	if p.pendingChains < 0 {
		p.pendingChains = 0
	}
	if p.pendingChains == 0 {
		p.cond.Broadcast()
	}
	p.mu.Unlock()
}

// RegisterShutdownHook adds fn to the list run, in insertion order, during
// Shutdown after all pending work has drained.
func (p *Pool) RegisterShutdownHook(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks = append(p.hooks, fn)
}

// Shutdown waits until the pending-chain counter reaches zero, marks the
// pool closed, drains in-flight jobs, then runs shutdown hooks in
// insertion order. Only the first call runs the hooks. Work submitted
// after Shutdown is not rejected; it still runs.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	for p.pendingChains > 0 {
		p.cond.Wait()
	}
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	hooks := append([]func(){}, p.hooks...)
	p.mu.Unlock()

	p.wg.Wait()

	for _, hook := range hooks {
		hook()
	}
}
