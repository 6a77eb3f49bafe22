package engine

import (
	"context"
	"log"
	"time"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/model"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/store"
)

// Monitor is the backstop against lost continuations: a job stuck in
// processing with no recent write had its next invocation dropped, and the
// monitor re-dispatches it. Resuming a live job is harmless because result
// membership makes the extra invocation a no-op.
type Monitor struct {
	jobs       JobStore
	dispatcher Dispatcher
	threshold  time.Duration
}

func NewMonitor(jobs JobStore, dispatcher Dispatcher, threshold time.Duration) *Monitor {
	if threshold <= 0 {
		threshold = 10 * time.Minute
	}
	return &Monitor{jobs: jobs, dispatcher: dispatcher, threshold: threshold}
}

// FindStale lists processing jobs whose last write is older than the
// staleness threshold.
func (m *Monitor) FindStale(ctx context.Context) ([]*model.Job, error) {
	cutoff := time.Now().UTC().Add(-m.threshold)
	return m.jobs.List(ctx, store.JobFilter{
		Status:        model.JobStatusProcessing,
		UpdatedBefore: cutoff,
	})
}

// ResumeStale re-dispatches every stale job and returns how many were
// resumed.
func (m *Monitor) ResumeStale(ctx context.Context) (int, error) {
	stale, err := m.FindStale(ctx)
	if err != nil {
		return 0, err
	}
	for _, job := range stale {
		m.Resume(job)
	}
	return len(stale), nil
}

// Resume re-dispatches a single job on the invocation path its type uses.
func (m *Monitor) Resume(job *model.Job) {
	log.Printf("[Monitor] resuming stale job %s (type=%s, last update %s)", job.ID, job.Type, job.UpdatedAt.Format(time.RFC3339))
	if job.Type.Batched() && job.BatchPhase == model.BatchPhaseSubmitted {
		m.dispatcher.BatchTick(job.ID, 0)
		return
	}
	m.dispatcher.NextChunk(job.ID)
}

// Sweep runs FindStale+ResumeStale once, logging instead of returning errors
// so a failed sweep never kills the sweeper loop.
func (m *Monitor) Sweep(ctx context.Context) {
	n, err := m.ResumeStale(ctx)
	if err != nil {
		log.Printf("[Monitor] sweep failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[Monitor] sweep resumed %d stale job(s)", n)
	}
}

// Run sweeps on the given interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}
