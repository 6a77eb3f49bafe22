package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/client"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/model"
)

// ItemOutcome is the per-item verdict of a chunk run.
type ItemOutcome struct {
	PageID     string
	Err        error
	DurationMs int64
}

// Executor runs one chunk of work items through a processor, bounded by the
// invocation budget carried in ctx. A single item's failure never aborts the
// chunk; the outcome slice always covers every attempted item.
type Executor struct {
	cfg Config
}

func NewExecutor(cfg Config) *Executor {
	return &Executor{cfg: cfg.withDefaults()}
}

const (
	maxAttempts  = 3
	retryBackoff = 500 * time.Millisecond
)

// runWithRetry calls the processor for one item, retrying transient errors
// with doubling backoff. Permanent errors and context cancellation return
// immediately.
func runWithRetry(ctx context.Context, proc Processor, job *model.Job, page *model.Page, prev *StepContext) (*StepContext, error) {
	backoff := retryBackoff
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		next, err := proc.Process(ctx, job, page, prev)
		if err == nil {
			return next, nil
		}
		lastErr = err
		if !client.IsTransient(err) || attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, lastErr
}

// Run executes the chunk with the processor's own strategy. Pages that cannot
// be attempted because the context expired are left out of the outcomes; the
// next invocation picks them up.
func (e *Executor) Run(ctx context.Context, job *model.Job, proc Processor, pages []*model.Page) []ItemOutcome {
	if len(pages) == 0 {
		return nil
	}
	if proc.Mode() == ExecSequential {
		return e.runSequential(ctx, job, proc, pages)
	}
	return e.runParallel(ctx, job, proc, pages)
}

// runSequential processes pages in ascending page order, threading each
// item's output into the next. A failed item breaks the context thread but
// not the loop.
func (e *Executor) runSequential(ctx context.Context, job *model.Job, proc Processor, pages []*model.Page) []ItemOutcome {
	ordered := make([]*model.Page, len(pages))
	copy(ordered, pages)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	outcomes := make([]ItemOutcome, 0, len(ordered))
	var prev *StepContext
	for _, page := range ordered {
		if ctx.Err() != nil {
			break
		}
		started := time.Now()
		next, err := runWithRetry(ctx, proc, job, page, prev)
		if err != nil && ctx.Err() != nil {
			// Budget ran out mid-item; leave it for the next invocation.
			break
		}
		outcomes = append(outcomes, ItemOutcome{
			PageID:     page.ID,
			Err:        err,
			DurationMs: time.Since(started).Milliseconds(),
		})
		if err == nil {
			prev = next
		} else {
			prev = nil
		}
	}
	return outcomes
}

// runParallel fans pages out over a bounded worker pool. Processors that
// support bulk calls get one shot at the whole chunk first.
func (e *Executor) runParallel(ctx context.Context, job *model.Job, proc Processor, pages []*model.Page) []ItemOutcome {
	if bulk, ok := proc.(BulkProcessor); ok {
		started := time.Now()
		errs, err := bulk.ProcessBulk(ctx, job, pages)
		if err == nil {
			elapsed := time.Since(started).Milliseconds()
			outcomes := make([]ItemOutcome, 0, len(pages))
			for _, page := range pages {
				itemErr, attempted := errs[page.ID]
				if !attempted {
					continue
				}
				outcomes = append(outcomes, ItemOutcome{PageID: page.ID, Err: itemErr, DurationMs: elapsed})
			}
			return outcomes
		}
		// Bulk call failed as a whole: fall through to per-item processing.
	}

	type indexed struct {
		pos     int
		outcome ItemOutcome
	}

	sem := make(chan struct{}, e.cfg.Concurrency)
	results := make(chan indexed, len(pages))
	var wg sync.WaitGroup

	for i, page := range pages {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(pos int, page *model.Page) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if ctx.Err() != nil {
				return
			}
			started := time.Now()
			_, err := runWithRetry(ctx, proc, job, page, nil)
			if err != nil && ctx.Err() != nil {
				return
			}
			results <- indexed{pos: pos, outcome: ItemOutcome{
				PageID:     page.ID,
				Err:        err,
				DurationMs: time.Since(started).Milliseconds(),
			}}
		}(i, page)
	}
	wg.Wait()
	close(results)

	collected := make([]indexed, 0, len(pages))
	for r := range results {
		collected = append(collected, r)
	}
	sort.Slice(collected, func(i, j int) bool { return collected[i].pos < collected[j].pos })

	outcomes := make([]ItemOutcome, 0, len(collected))
	for _, r := range collected {
		outcomes = append(outcomes, r.outcome)
	}
	return outcomes
}
