package model

import (
	"encoding/json"
	"time"
)

// CreateJobRequest is the payload for creating a job. Config is the
// type-tagged variant payload and is validated against the typed config
// struct for the given type before the job is inserted.
type CreateJobRequest struct {
	Type       JobType         `json:"type" validate:"required"`
	DocumentID string          `json:"documentId,omitempty"`
	Config     json.RawMessage `json:"config" validate:"required"`
}

// JobStatusResponse is the polled view of a job.
type JobStatusResponse struct {
	JobID        string            `json:"jobId"`
	Type         JobType           `json:"type"`
	Status       JobStatus         `json:"status"`
	Progress     Progress          `json:"progress"`
	BatchPhase   BatchPhase        `json:"batchPhase,omitempty"`
	Batches      []BatchSubmission `json:"batches,omitempty"`
	RecentErrors []string          `json:"recentErrors,omitempty"`
	Error        *string           `json:"error,omitempty"`
	DocumentID   string            `json:"documentId,omitempty"`
	RetryCount   int               `json:"retryCount"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
	StartedAt    *time.Time        `json:"startedAt,omitempty"`
	CompletedAt  *time.Time        `json:"completedAt,omitempty"`
}

// JobStatusFromJob projects a Job onto its polled view.
func JobStatusFromJob(job *Job) *JobStatusResponse {
	return &JobStatusResponse{
		JobID:        job.ID,
		Type:         job.Type,
		Status:       job.Status,
		Progress:     job.Progress,
		BatchPhase:   job.BatchPhase,
		Batches:      job.Batches,
		RecentErrors: job.RecentErrors,
		Error:        job.Error,
		DocumentID:   job.DocumentID,
		RetryCount:   job.RetryCount,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
	}
}

// CreateJobResponse is returned when a job is accepted.
type CreateJobResponse struct {
	JobID     string    `json:"jobId"`
	Type      JobType   `json:"type"`
	Status    JobStatus `json:"status"`
	Total     int       `json:"total"`
	CreatedAt time.Time `json:"createdAt"`
}

// JobActionResponse is returned by pause/resume/cancel/retry/advance.
type JobActionResponse struct {
	JobID  string    `json:"jobId"`
	Status JobStatus `json:"status"`
}

// JobListResponse is a filtered job listing.
type JobListResponse struct {
	Jobs  []*JobStatusResponse `json:"jobs"`
	Total int                  `json:"total"`
}

// BatchSummaryResponse aggregates batch-mode bookkeeping across jobs.
type BatchSummaryResponse struct {
	Jobs               int `json:"jobs"`
	PendingPreparation int `json:"pendingPreparation"`
	PendingSubmission  int `json:"pendingSubmission"`
	PendingCollection  int `json:"pendingCollection"`
}

// StaleJobsResponse lists processing jobs whose continuation chain looks
// broken.
type StaleJobsResponse struct {
	Jobs      []*JobStatusResponse `json:"jobs"`
	Threshold string               `json:"threshold"`
}

// ResumeStaleResponse reports how many stale jobs were re-dispatched.
type ResumeStaleResponse struct {
	Resumed int `json:"resumed"`
}

// SaveWorkflowRequest replaces a job's workflow checkpoint.
type SaveWorkflowRequest struct {
	CurrentStep    WorkflowStep                        `json:"currentStep" validate:"required"`
	Steps          map[WorkflowStep]*WorkflowStepState `json:"steps"`
	Model          string                              `json:"model,omitempty"`
	TargetLanguage string                              `json:"targetLanguage,omitempty"`
}

// RecordWorkflowChunkRequest appends one processed chunk to the checkpoint.
type RecordWorkflowChunkRequest struct {
	Step         WorkflowStep `json:"step" validate:"required"`
	ProcessedIDs []string     `json:"processedIds"`
	FailedIDs    []string     `json:"failedIds"`
}

// WorkflowStepRequest names a step for advance/retry-failed actions.
type WorkflowStepRequest struct {
	Step WorkflowStep `json:"step" validate:"required"`
}

// WorkflowRemainingResponse is the recomputed remaining-item set for a step.
type WorkflowRemainingResponse struct {
	Step      WorkflowStep `json:"step"`
	Remaining []string     `json:"remaining"`
	Failed    []string     `json:"failed"`
}
