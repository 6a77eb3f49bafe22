// Package engine is the batch job orchestration core: the job state machine,
// the chunk executor, the external-batch submission pipeline, continuation
// dispatch, staleness detection and the multi-step workflow checkpoints.
//
// Every entry point is a short-lived stateless invocation: all state that
// must survive between two invocations lives behind the store contracts
// below, never in process memory.
package engine

import (
	"context"
	"time"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/model"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/store"
)

// JobStore is the narrow persistence contract for job records. Update applies
// the mutate closure under a conditional read-modify-write: when mutate
// returns an error nothing is written.
type JobStore interface {
	Insert(ctx context.Context, job *model.Job) error
	Find(ctx context.Context, jobID string) (*model.Job, error)
	Update(ctx context.Context, jobID string, mutate func(*model.Job) error) (*model.Job, error)
	Delete(ctx context.Context, jobID string) error
	List(ctx context.Context, filter store.JobFilter) ([]*model.Job, error)
}

// PrepStore persists batch preparation records per job and item.
type PrepStore interface {
	PrepRecords(ctx context.Context, jobID string) (map[string]*model.BatchPreparation, error)
	SavePrepRecords(ctx context.Context, jobID string, records []*model.BatchPreparation) error
	ClearPrepRecords(ctx context.Context, jobID string) error
}

// PageStore is the work item catalog contract.
type PageStore interface {
	Find(ctx context.Context, pageID string) (*model.Page, error)
	FindPages(ctx context.Context, ids []string) ([]*model.Page, error)
	Update(ctx context.Context, pageID string, mutate func(*model.Page) error) error
}

// Dispatcher triggers the next invocation of a job without waiting for it.
// Implementations must treat enqueue failure as non-fatal: a dropped
// continuation stalls the job until the staleness monitor revives it.
type Dispatcher interface {
	NextChunk(jobID string)
	BatchTick(jobID string, delay time.Duration)
}

// Config carries the orchestration knobs.
type Config struct {
	// ChunkSizeSequential bounds chunks of latency-sensitive AI pipelines.
	ChunkSizeSequential int
	// ChunkSizeParallel bounds chunks of cheap parallel pipelines.
	ChunkSizeParallel int
	// Concurrency is the worker pool width of the parallel strategy.
	Concurrency int
	// PrepareGroupSize bounds payload preparation per invocation.
	PrepareGroupSize int
	// ProviderBatchLimit caps items per external batch submission.
	ProviderBatchLimit int
	// BatchPollDelay spaces out poll invocations for submitted batches.
	BatchPollDelay time.Duration
	// RecentErrorLimit caps the failing-item messages kept on the job.
	RecentErrorLimit int
}

// withDefaults fills unset knobs with production defaults.
func (c Config) withDefaults() Config {
	if c.ChunkSizeSequential <= 0 {
		c.ChunkSizeSequential = 5
	}
	if c.ChunkSizeParallel <= 0 {
		c.ChunkSizeParallel = 20
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PrepareGroupSize <= 0 {
		c.PrepareGroupSize = 20
	}
	if c.ProviderBatchLimit <= 0 {
		c.ProviderBatchLimit = 50
	}
	if c.BatchPollDelay <= 0 {
		c.BatchPollDelay = 30 * time.Second
	}
	if c.RecentErrorLimit <= 0 {
		c.RecentErrorLimit = 10
	}
	return c
}
