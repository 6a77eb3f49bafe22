package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/model"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/store"
)

func nowUTC() time.Time { return time.Now().UTC() }

// Engine drives jobs through their pipelines one chunk per invocation. It
// holds no per-job state: everything it needs is loaded from the stores at
// the start of an invocation and written back before the invocation ends.
type Engine struct {
	jobs       JobStore
	pages      PageStore
	dispatcher Dispatcher
	processors map[model.JobType]Processor
	executor   *Executor
	batch      *BatchPipeline
	cfg        Config
}

func New(jobs JobStore, pages PageStore, dispatcher Dispatcher, processors map[model.JobType]Processor, batch *BatchPipeline, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		jobs:       jobs,
		pages:      pages,
		dispatcher: dispatcher,
		processors: processors,
		executor:   NewExecutor(cfg),
		batch:      batch,
		cfg:        cfg,
	}
}

// ProcessChunk is the entry point of one invocation: load the job, process
// one chunk, persist outcomes, then either finalize or schedule the next
// invocation. Safe to call twice for the same chunk; recorded items are
// skipped on re-entry.
func (e *Engine) ProcessChunk(ctx context.Context, jobID string) error {
	job, err := e.jobs.Find(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Printf("[Engine] job %s no longer exists, dropping invocation", jobID)
			return nil
		}
		return fmt.Errorf("failed to load job %s: %w", jobID, err)
	}

	// Terminal and paused jobs decline the invocation. This is how cancel
	// and pause take effect between chunks.
	if job.Status.Terminal() || job.Status == model.JobStatusPaused {
		log.Printf("[Engine] job %s is %s, declining invocation", jobID, job.Status)
		return nil
	}

	if job.Status == model.JobStatusPending {
		job, err = e.jobs.Update(ctx, jobID, func(j *model.Job) error {
			if j.Status != model.JobStatusPending {
				return nil
			}
			return Apply(j, ActionStart)
		})
		if err != nil {
			return fmt.Errorf("failed to start job %s: %w", jobID, err)
		}
	}

	if job.Type.Batched() {
		if err := e.batch.Tick(ctx, job); err != nil {
			return e.failJob(ctx, jobID, err)
		}
		return nil
	}

	if err := e.processChunk(ctx, job); err != nil {
		return e.failJob(ctx, jobID, err)
	}
	return nil
}

func (e *Engine) processChunk(ctx context.Context, job *model.Job) error {
	proc, ok := e.processors[job.Type]
	if !ok {
		return fmt.Errorf("no processor registered for job type %q", job.Type)
	}

	remaining, err := job.Remaining()
	if err != nil {
		return err
	}
	if len(remaining) == 0 {
		return e.finalize(ctx, job.ID)
	}

	chunk := remaining
	if size := e.chunkSizeFor(job, proc); len(chunk) > size {
		chunk = chunk[:size]
	}

	pages, err := e.pages.FindPages(ctx, chunk)
	if err != nil {
		return fmt.Errorf("failed to load pages: %w", err)
	}
	found := make(map[string]bool, len(pages))
	for _, p := range pages {
		found[p.ID] = true
	}

	outcomes := make([]ItemOutcome, 0, len(chunk))
	for _, id := range chunk {
		if !found[id] {
			outcomes = append(outcomes, ItemOutcome{PageID: id, Err: fmt.Errorf("page %s not found", id)})
		}
	}
	outcomes = append(outcomes, e.executor.Run(ctx, job, proc, pages)...)

	updated, err := e.jobs.Update(ctx, job.ID, e.recordOutcomes(outcomes))
	if err != nil {
		return fmt.Errorf("failed to record chunk outcomes: %w", err)
	}

	left, err := updated.Remaining()
	if err != nil {
		return err
	}
	if len(left) == 0 {
		return e.finalize(ctx, job.ID)
	}
	if updated.Status == model.JobStatusProcessing {
		e.dispatcher.NextChunk(job.ID)
	}
	return nil
}

// chunkSizeFor resolves the chunk size: per-job override first, then the
// engine default for the processor's strategy.
func (e *Engine) chunkSizeFor(job *model.Job, proc Processor) int {
	if size := job.ChunkSize(); size > 0 {
		return size
	}
	if proc.Mode() == ExecSequential {
		return e.cfg.ChunkSizeSequential
	}
	return e.cfg.ChunkSizeParallel
}

// recordOutcomes folds chunk outcomes into the job under the store's
// conditional write. Items already recorded (a redelivered chunk) and items
// not in the job's configuration are skipped, which keeps the counters exact.
func (e *Engine) recordOutcomes(outcomes []ItemOutcome) func(*model.Job) error {
	return func(j *model.Job) error {
		ids, err := j.ItemIDs()
		if err != nil {
			return err
		}
		member := make(map[string]bool, len(ids))
		for _, id := range ids {
			member[id] = true
		}

		for _, o := range outcomes {
			if !member[o.PageID] || j.HasResult(o.PageID) {
				continue
			}
			result := model.ItemResult{
				ItemID:     o.PageID,
				Success:    o.Err == nil,
				DurationMs: o.DurationMs,
				RecordedAt: nowUTC(),
			}
			if o.Err != nil {
				result.Error = o.Err.Error()
				j.Progress.Failed++
				j.RecentErrors = append(j.RecentErrors, fmt.Sprintf("%s: %s", o.PageID, o.Err.Error()))
				if len(j.RecentErrors) > e.cfg.RecentErrorLimit {
					j.RecentErrors = j.RecentErrors[len(j.RecentErrors)-e.cfg.RecentErrorLimit:]
				}
			} else {
				j.Progress.Completed++
			}
			j.Results = append(j.Results, result)
			j.Progress.CurrentItem = o.PageID
		}
		return nil
	}
}

// finalize closes out a job with no remaining items. A job completes when at
// least one item succeeded (or it had no items at all); it fails only when
// every processed item failed.
func (e *Engine) finalize(ctx context.Context, jobID string) error {
	return finalizeJob(ctx, e.jobs, jobID)
}

func finalizeJob(ctx context.Context, jobs JobStore, jobID string) error {
	finalized := false
	updated, err := jobs.Update(ctx, jobID, func(j *model.Job) error {
		finalized = false
		if j.Status != model.JobStatusProcessing {
			return nil
		}
		left, err := j.Remaining()
		if err != nil {
			return err
		}
		if len(left) > 0 {
			return nil
		}
		j.Progress.CurrentItem = ""
		if j.Progress.Completed > 0 || j.Progress.Total == 0 {
			if err := Apply(j, ActionComplete); err != nil {
				return err
			}
		} else {
			msg := "all items failed"
			j.Error = &msg
			if err := Apply(j, ActionFail); err != nil {
				return err
			}
		}
		finalized = true
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to finalize job %s: %w", jobID, err)
	}
	if finalized {
		log.Printf("[Engine] job %s finalized as %s (%d completed, %d failed)",
			jobID, updated.Status, updated.Progress.Completed, updated.Progress.Failed)
	}
	return nil
}

// failJob marks a job failed after an unexpected orchestration error, so no
// job silently stays in processing. The original error is returned for the
// worker's log.
func (e *Engine) failJob(ctx context.Context, jobID string, cause error) error {
	_, err := e.jobs.Update(ctx, jobID, func(j *model.Job) error {
		if j.Status != model.JobStatusProcessing {
			return nil
		}
		msg := cause.Error()
		j.Error = &msg
		return Apply(j, ActionFail)
	})
	if err != nil {
		log.Printf("[Engine] failed to mark job %s failed after error: %v (original: %v)", jobID, err, cause)
	}
	return cause
}
