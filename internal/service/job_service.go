package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/engine"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/model"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/store"
)

var (
	// ErrInvalidConfig marks a job config rejected before insertion.
	ErrInvalidConfig = errors.New("invalid job config")
	// ErrJobActive marks a delete attempted on a job that is still running.
	ErrJobActive = errors.New("job is still active")
)

// JobService owns the job lifecycle outside of chunk processing: creation,
// lifecycle actions, listings and the operational views.
type JobService struct {
	jobs       engine.JobStore
	preps      engine.PrepStore
	dispatcher engine.Dispatcher
	monitor    *engine.Monitor
	threshold  time.Duration
}

func NewJobService(jobs engine.JobStore, preps engine.PrepStore, dispatcher engine.Dispatcher, monitor *engine.Monitor, threshold time.Duration) *JobService {
	return &JobService{
		jobs:       jobs,
		preps:      preps,
		dispatcher: dispatcher,
		monitor:    monitor,
		threshold:  threshold,
	}
}

// Create validates the typed config, inserts the job as pending and fires its
// first invocation.
func (s *JobService) Create(ctx context.Context, req *model.CreateJobRequest) (*model.CreateJobResponse, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown job type %q", ErrInvalidConfig, req.Type)
	}

	now := time.Now().UTC()
	job := &model.Job{
		ID:         uuid.NewString(),
		Type:       req.Type,
		Status:     model.JobStatusPending,
		Config:     req.Config,
		DocumentID: req.DocumentID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	total, err := s.validateConfig(job)
	if err != nil {
		return nil, err
	}
	job.Progress.Total = total

	if err := s.jobs.Insert(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}
	s.dispatcher.NextChunk(job.ID)

	return &model.CreateJobResponse{
		JobID:     job.ID,
		Type:      job.Type,
		Status:    job.Status,
		Total:     total,
		CreatedAt: job.CreatedAt,
	}, nil
}

// validateConfig decodes the config against the variant for the job type and
// returns the item count. The count comes from the deduplicated ID set so
// Progress.Total always matches what the engine can actually record.
func (s *JobService) validateConfig(job *model.Job) (int, error) {
	switch job.Type {
	case model.JobTypeRecognition:
		cfg, err := job.DecodeRecognitionConfig()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if cfg.Model == "" {
			return 0, fmt.Errorf("%w: model is required", ErrInvalidConfig)
		}

	case model.JobTypeTranslation:
		cfg, err := job.DecodeTranslationConfig()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if cfg.Model == "" {
			return 0, fmt.Errorf("%w: model is required", ErrInvalidConfig)
		}
		if cfg.TargetLanguage == "" {
			return 0, fmt.Errorf("%w: targetLanguage is required", ErrInvalidConfig)
		}

	case model.JobTypeCropGeneration, model.JobTypeSplitDetection:
		// No extra knobs beyond the item IDs.

	case model.JobTypeBatchRecognition, model.JobTypeBatchTranslation:
		cfg, err := job.DecodeBatchConfig()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if cfg.Model == "" {
			return 0, fmt.Errorf("%w: model is required", ErrInvalidConfig)
		}
		if job.Type == model.JobTypeBatchTranslation && cfg.TargetLanguage == "" {
			return 0, fmt.Errorf("%w: targetLanguage is required", ErrInvalidConfig)
		}

	default:
		return 0, fmt.Errorf("%w: unknown job type %q", ErrInvalidConfig, job.Type)
	}

	ids, err := job.ItemIDs()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return len(ids), nil
}

// Get returns the polled view of a job.
func (s *JobService) Get(ctx context.Context, jobID string) (*model.JobStatusResponse, error) {
	job, err := s.jobs.Find(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return model.JobStatusFromJob(job), nil
}

// List returns filtered jobs, newest first.
func (s *JobService) List(ctx context.Context, filter store.JobFilter) (*model.JobListResponse, error) {
	jobs, err := s.jobs.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	resp := &model.JobListResponse{Jobs: make([]*model.JobStatusResponse, 0, len(jobs)), Total: len(jobs)}
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, model.JobStatusFromJob(job))
	}
	return resp, nil
}

// Delete removes a terminal or idle job. Active jobs must be cancelled first.
func (s *JobService) Delete(ctx context.Context, jobID string) error {
	job, err := s.jobs.Find(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == model.JobStatusProcessing {
		return ErrJobActive
	}
	return s.jobs.Delete(ctx, jobID)
}

// Advance triggers the next invocation of a job synchronously with the
// request, the manual complement to the automatic continuation chain.
func (s *JobService) Advance(ctx context.Context, jobID string) (*model.JobActionResponse, error) {
	job, err := s.jobs.Find(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.monitor.Resume(job)
	return &model.JobActionResponse{JobID: job.ID, Status: job.Status}, nil
}

// Pause suspends chunk scheduling; the in-flight chunk still lands.
func (s *JobService) Pause(ctx context.Context, jobID string) (*model.JobActionResponse, error) {
	return s.apply(ctx, jobID, engine.ActionPause, false)
}

// Resume re-enters the chunk loop of a paused job.
func (s *JobService) Resume(ctx context.Context, jobID string) (*model.JobActionResponse, error) {
	return s.apply(ctx, jobID, engine.ActionResume, true)
}

// Cancel stops the job cooperatively at the next chunk boundary.
func (s *JobService) Cancel(ctx context.Context, jobID string) (*model.JobActionResponse, error) {
	return s.apply(ctx, jobID, engine.ActionCancel, false)
}

// Retry re-opens a failed or cancelled job: failed results move to history so
// only those items are reprocessed, then the chunk loop restarts. Batch-mode
// jobs additionally rewind the submission pipeline — the phase restarts at
// preparing and collected submission records are dropped, so coverage is
// recomputed for the reopened items while recorded successes are skipped.
func (s *JobService) Retry(ctx context.Context, jobID string) (*model.JobActionResponse, error) {
	job, err := s.jobs.Update(ctx, jobID, func(j *model.Job) error {
		if err := engine.Apply(j, engine.ActionRetry); err != nil {
			return err
		}
		kept := j.Results[:0]
		for _, r := range j.Results {
			if r.Success {
				kept = append(kept, r)
			} else {
				j.History = append(j.History, r)
			}
		}
		j.Results = kept
		j.Progress.Completed = len(kept)
		j.Progress.Failed = 0
		j.Progress.CurrentItem = ""
		j.RecentErrors = nil
		if j.Type.Batched() {
			j.BatchPhase = ""
			j.Batches = nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if job.Type.Batched() {
		// Stale payloads must not shadow the rebuilt ones for reopened items.
		if err := s.preps.ClearPrepRecords(ctx, job.ID); err != nil {
			log.Printf("[JobService] job %s: failed to clear preparation records on retry: %v", job.ID, err)
		}
	}
	s.dispatcher.NextChunk(job.ID)
	return &model.JobActionResponse{JobID: job.ID, Status: job.Status}, nil
}

func (s *JobService) apply(ctx context.Context, jobID string, action engine.Action, redispatch bool) (*model.JobActionResponse, error) {
	job, err := s.jobs.Update(ctx, jobID, func(j *model.Job) error {
		return engine.Apply(j, action)
	})
	if err != nil {
		return nil, err
	}
	if redispatch {
		s.monitor.Resume(job)
	}
	return &model.JobActionResponse{JobID: job.ID, Status: job.Status}, nil
}

// BatchSummary aggregates the bookkeeping of all live batch-mode jobs: how
// many items still need payloads, how many prepared payloads are not covered
// by a submission, and how many submissions are awaiting collection.
func (s *JobService) BatchSummary(ctx context.Context) (*model.BatchSummaryResponse, error) {
	jobs, err := s.jobs.List(ctx, store.JobFilter{})
	if err != nil {
		return nil, err
	}

	resp := &model.BatchSummaryResponse{}
	for _, job := range jobs {
		if !job.Type.Batched() || job.Status.Terminal() {
			continue
		}
		resp.Jobs++

		ids, err := job.ItemIDs()
		if err != nil {
			continue
		}
		records, err := s.preps.PrepRecords(ctx, job.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load preparation records for job %s: %w", job.ID, err)
		}

		covered := make(map[string]bool)
		for i := range job.Batches {
			rec := &job.Batches[i]
			if !rec.ResultsCollected {
				resp.PendingCollection++
			}
			for _, id := range rec.ItemIDs {
				covered[id] = true
			}
		}
		for _, id := range ids {
			rec := records[id]
			switch {
			case rec == nil:
				resp.PendingPreparation++
			case !rec.Failed && !covered[id]:
				resp.PendingSubmission++
			}
		}
	}
	return resp, nil
}

// Stale lists processing jobs whose last write is older than the staleness
// threshold.
func (s *JobService) Stale(ctx context.Context) (*model.StaleJobsResponse, error) {
	jobs, err := s.monitor.FindStale(ctx)
	if err != nil {
		return nil, err
	}
	resp := &model.StaleJobsResponse{
		Jobs:      make([]*model.JobStatusResponse, 0, len(jobs)),
		Threshold: s.threshold.String(),
	}
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, model.JobStatusFromJob(job))
	}
	return resp, nil
}

// ResumeStale re-dispatches every stale job.
func (s *JobService) ResumeStale(ctx context.Context) (*model.ResumeStaleResponse, error) {
	n, err := s.monitor.ResumeStale(ctx)
	if err != nil {
		return nil, err
	}
	return &model.ResumeStaleResponse{Resumed: n}, nil
}
