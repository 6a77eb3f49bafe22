package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/model"
)

// WorkflowManager maintains the per-job checkpoint of a client-driven
// recognition-then-translation run. The checkpoint is authoritative about
// which items a step already handled, so a client that reconnects after a
// disconnect resumes exactly where it left off.
type WorkflowManager struct {
	jobs  JobStore
	pages PageStore
}

func NewWorkflowManager(jobs JobStore, pages PageStore) *WorkflowManager {
	return &WorkflowManager{jobs: jobs, pages: pages}
}

// Get returns the job's workflow checkpoint, nil when none was saved yet.
func (m *WorkflowManager) Get(ctx context.Context, jobID string) (*model.WorkflowState, error) {
	job, err := m.jobs.Find(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return job.Workflow, nil
}

// Save replaces the checkpoint wholesale. Used when the client seeds a new
// run or restores one from its own state.
func (m *WorkflowManager) Save(ctx context.Context, jobID string, req *model.SaveWorkflowRequest) (*model.WorkflowState, error) {
	if !req.CurrentStep.Valid() {
		return nil, fmt.Errorf("unknown workflow step %q", req.CurrentStep)
	}
	job, err := m.jobs.Update(ctx, jobID, func(j *model.Job) error {
		j.Workflow = &model.WorkflowState{
			CurrentStep:    req.CurrentStep,
			Steps:          req.Steps,
			Model:          req.Model,
			TargetLanguage: req.TargetLanguage,
			UpdatedAt:      time.Now().UTC(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job.Workflow, nil
}

// RecordChunk merges one processed chunk into the step's checkpoint. IDs are
// deduplicated, so a chunk reported twice after a client retry changes
// nothing.
func (m *WorkflowManager) RecordChunk(ctx context.Context, jobID string, req *model.RecordWorkflowChunkRequest) (*model.WorkflowState, error) {
	if !req.Step.Valid() {
		return nil, fmt.Errorf("unknown workflow step %q", req.Step)
	}
	job, err := m.jobs.Update(ctx, jobID, func(j *model.Job) error {
		if j.Workflow == nil {
			j.Workflow = &model.WorkflowState{CurrentStep: req.Step}
		}
		st := j.Workflow.Step(req.Step)
		st.ProcessedIDs = mergeUnique(st.ProcessedIDs, req.ProcessedIDs)
		st.FailedIDs = mergeUnique(st.FailedIDs, req.FailedIDs)
		// An item that eventually succeeded is no longer failed.
		st.FailedIDs = subtract(st.FailedIDs, req.ProcessedIDs)
		j.Workflow.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job.Workflow, nil
}

// Advance moves the checkpoint to the named step.
func (m *WorkflowManager) Advance(ctx context.Context, jobID string, step model.WorkflowStep) (*model.WorkflowState, error) {
	if !step.Valid() {
		return nil, fmt.Errorf("unknown workflow step %q", step)
	}
	job, err := m.jobs.Update(ctx, jobID, func(j *model.Job) error {
		if j.Workflow == nil {
			j.Workflow = &model.WorkflowState{}
		}
		j.Workflow.CurrentStep = step
		j.Workflow.Step(step)
		j.Workflow.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job.Workflow, nil
}

// RetryFailed clears a step's failed set so those items show up as remaining
// again. Processed items stay processed.
func (m *WorkflowManager) RetryFailed(ctx context.Context, jobID string, step model.WorkflowStep) (*model.WorkflowState, error) {
	if !step.Valid() {
		return nil, fmt.Errorf("unknown workflow step %q", step)
	}
	job, err := m.jobs.Update(ctx, jobID, func(j *model.Job) error {
		if j.Workflow == nil {
			return fmt.Errorf("job %s has no workflow checkpoint", jobID)
		}
		j.Workflow.Step(step).FailedIDs = nil
		j.Workflow.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job.Workflow, nil
}

// Remaining recomputes what a step still has to process: the job's configured
// items minus processed and failed ones. In missing_only mode items that
// already carry the step's artifact in the catalog are excluded too, which is
// what lets a re-run fill gaps without redoing finished pages.
func (m *WorkflowManager) Remaining(ctx context.Context, jobID string, step model.WorkflowStep) (*model.WorkflowRemainingResponse, error) {
	if !step.Valid() {
		return nil, fmt.Errorf("unknown workflow step %q", step)
	}
	job, err := m.jobs.Find(ctx, jobID)
	if err != nil {
		return nil, err
	}
	scope, err := job.ItemIDs()
	if err != nil {
		return nil, err
	}

	resp := &model.WorkflowRemainingResponse{Step: step, Remaining: []string{}, Failed: []string{}}
	if job.Workflow == nil {
		resp.Remaining = scope
		return resp, nil
	}
	st := job.Workflow.Step(step)
	resp.Failed = append(resp.Failed, st.FailedIDs...)

	done := make(map[string]bool, len(st.ProcessedIDs)+len(st.FailedIDs))
	for _, id := range st.ProcessedIDs {
		done[id] = true
	}
	for _, id := range st.FailedIDs {
		done[id] = true
	}

	candidates := make([]string, 0, len(scope))
	for _, id := range scope {
		if !done[id] {
			candidates = append(candidates, id)
		}
	}

	if st.Mode != model.StepModeMissingOnly || len(candidates) == 0 {
		resp.Remaining = candidates
		return resp, nil
	}

	pages, err := m.pages.FindPages(ctx, candidates)
	if err != nil {
		return nil, err
	}
	has := make(map[string]bool, len(pages))
	for _, pg := range pages {
		has[pg.ID] = m.hasArtifact(pg, step, job.Workflow.TargetLanguage)
	}
	for _, id := range candidates {
		if !has[id] {
			resp.Remaining = append(resp.Remaining, id)
		}
	}
	return resp, nil
}

func (m *WorkflowManager) hasArtifact(pg *model.Page, step model.WorkflowStep, lang string) bool {
	switch step {
	case model.StepRecognition:
		return pg.Transcription != nil && pg.Transcription.Text != ""
	case model.StepTranslation:
		t := pg.Translation(lang)
		return t != nil && t.Text != ""
	default:
		return false
	}
}

func mergeUnique(existing, add []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, id := range existing {
		seen[id] = true
	}
	for _, id := range add {
		if !seen[id] {
			existing = append(existing, id)
			seen[id] = true
		}
	}
	return existing
}

func subtract(from, remove []string) []string {
	if len(remove) == 0 {
		return from
	}
	drop := make(map[string]bool, len(remove))
	for _, id := range remove {
		drop[id] = true
	}
	out := from[:0]
	for _, id := range from {
		if !drop[id] {
			out = append(out, id)
		}
	}
	return out
}
