// Package agentpool is Conductor's Agent Pool: a bounded-parallel
// collection of Agent Runner invocations with progress callbacks and
// cooperative cancellation (spec §4.11). The semaphore-channel dispatch
// shape is grounded on other_examples' imkarmadev-hive internal/worker
// pool.go runParallel, generalised from "one task per git worktree" to "one
// coding-agent subprocess per pool entry".
package agentpool

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/conductor-dev/conductor/internal/agentrunner"
)

// RunState is one runner's lifecycle stage within the pool.
type RunState string

const (
	StatePending   RunState = "pending"
	StateRunning   RunState = "running"
	StateCompleted RunState = "completed"
	StateFailed    RunState = "failed"
)

// ProgressFunc reports one runner's state transitions to the caller.
type ProgressFunc func(id string, state RunState)

// Result pairs one runner's id with its outcome.
type Result struct {
	Output *agentrunner.Output
	Err    error
}

const defaultMaxConcurrency = 5

// Pool is a per-task, non-persistent execution helper: construct one,
// add runners, call RunAll once, discard it.
type Pool struct {
	maxConcurrency int

	// Runner executes one runner's Options and defaults to agentrunner.Run.
	// Callers that already thread their own RunAgent indirection (for
	// testing or instrumentation) should overwrite it before calling Add.
	Runner func(ctx context.Context, opts agentrunner.Options) (*agentrunner.Output, error)

	mu      sync.Mutex
	ids     []string
	opts    map[string]agentrunner.Options
	cancels map[string]context.CancelFunc
	stopped bool
}

// New builds a Pool with the given bounded concurrency (spec default 5).
func New(maxConcurrency int) *Pool {
	if maxConcurrency <= 0 {
		maxConcurrency = defaultMaxConcurrency
	}
	return &Pool{
		maxConcurrency: maxConcurrency,
		Runner:         agentrunner.Run,
		opts:           make(map[string]agentrunner.Options),
		cancels:        make(map[string]context.CancelFunc),
	}
}

// Add registers a pending runner under id. Duplicate ids are an error.
func (p *Pool) Add(id string, opts agentrunner.Options) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.opts[id]; exists {
		return errors.Errorf("agentpool: duplicate runner id %q", id)
	}
	p.ids = append(p.ids, id)
	p.opts[id] = opts
	return nil
}

// RunAll dispatches every registered runner through a semaphore of size
// maxConcurrency, reporting pending→running→completed|failed via progress,
// and returns a mapping from id to Result.
func (p *Pool) RunAll(ctx context.Context, progress ProgressFunc) map[string]Result {
	p.mu.Lock()
	ids := append([]string(nil), p.ids...)
	p.mu.Unlock()

	for _, id := range ids {
		if progress != nil {
			progress(id, StatePending)
		}
	}

	results := make(map[string]Result, len(ids))
	var resultsMu sync.Mutex

	sem := make(chan struct{}, p.maxConcurrency)
	var wg sync.WaitGroup

	for _, id := range ids {
		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			resultsMu.Lock()
			results[id] = Result{Err: errors.New("agentpool: stopped before start")}
			resultsMu.Unlock()
			if progress != nil {
				progress(id, StateFailed)
			}
			continue
		}
		opts := p.opts[id]
		runCtx, cancel := context.WithCancel(ctx)
		p.cancels[id] = cancel
		p.mu.Unlock()

		wg.Add(1)
		sem <- struct{}{}
		go func(id string, opts agentrunner.Options, runCtx context.Context, cancel context.CancelFunc) {
			defer wg.Done()
			defer func() { <-sem }()
			defer cancel()

			if progress != nil {
				progress(id, StateRunning)
			}

			out, err := p.Runner(runCtx, opts)

			resultsMu.Lock()
			results[id] = Result{Output: out, Err: err}
			resultsMu.Unlock()

			if progress != nil {
				if err != nil || out == nil || !out.Success {
					progress(id, StateFailed)
				} else {
					progress(id, StateCompleted)
				}
			}
		}(id, opts, runCtx, cancel)
	}

	wg.Wait()
	return results
}

// Stop cooperatively cancels already-running runners and prevents any
// not-yet-started runner from starting.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	for _, cancel := range p.cancels {
		cancel()
	}
}

// Summary renders a one-line human-readable status table for debugging
// output.
func Summary(results map[string]Result) string {
	ok, failed := 0, 0
	for _, r := range results {
		if r.Err == nil && r.Output != nil && r.Output.Success {
			ok++
		} else {
			failed++
		}
	}
	return fmt.Sprintf("%d succeeded, %d failed", ok, failed)
}
