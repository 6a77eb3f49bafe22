package model

// Job types
type JobType string

const (
	JobTypeRecognition      JobType = "recognition"
	JobTypeTranslation      JobType = "translation"
	JobTypeCropGeneration   JobType = "crop_generation"
	JobTypeSplitDetection   JobType = "split_detection"
	JobTypeBatchRecognition JobType = "batch_recognition"
	JobTypeBatchTranslation JobType = "batch_translation"
)

var ValidJobTypes = []JobType{
	JobTypeRecognition, JobTypeTranslation, JobTypeCropGeneration,
	JobTypeSplitDetection, JobTypeBatchRecognition, JobTypeBatchTranslation,
}

// Batched reports whether the type is processed through the external
// asynchronous batch provider instead of the chunk executor.
func (t JobType) Batched() bool {
	return t == JobTypeBatchRecognition || t == JobTypeBatchTranslation
}

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	for _, v := range ValidJobTypes {
		if t == v {
			return true
		}
	}
	return false
}

// Job status
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusPaused     JobStatus = "paused"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status is an end state. Terminal jobs are
// retained for audit and only re-opened through an explicit retry.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Batch submission phase (batch-mode jobs only)
type BatchPhase string

const (
	BatchPhasePreparing  BatchPhase = "preparing"
	BatchPhaseSubmitting BatchPhase = "submitting"
	BatchPhaseSubmitted  BatchPhase = "submitted"
)

// Provider-side batch states
type ProviderBatchState string

const (
	ProviderStateQueued    ProviderBatchState = "queued"
	ProviderStateRunning   ProviderBatchState = "running"
	ProviderStateSucceeded ProviderBatchState = "succeeded"
	ProviderStateFailed    ProviderBatchState = "failed"
	ProviderStateCancelled ProviderBatchState = "cancelled"
	ProviderStateExpired   ProviderBatchState = "expired"
)

// Terminal reports whether the provider will make no further progress on the
// batch, meaning the submission record can be finalized.
func (s ProviderBatchState) Terminal() bool {
	switch s {
	case ProviderStateSucceeded, ProviderStateFailed, ProviderStateCancelled, ProviderStateExpired:
		return true
	}
	return false
}

// Workflow steps (client-driven multi-step pipelines)
type WorkflowStep string

const (
	StepRecognition WorkflowStep = "recognition"
	StepTranslation WorkflowStep = "translation"
)

var ValidWorkflowSteps = []WorkflowStep{StepRecognition, StepTranslation}

// Valid reports whether s is a known workflow step.
func (s WorkflowStep) Valid() bool {
	for _, v := range ValidWorkflowSteps {
		if s == v {
			return true
		}
	}
	return false
}

// Step modes
type StepMode string

const (
	// StepModeOverwrite reprocesses every item in scope.
	StepModeOverwrite StepMode = "overwrite"
	// StepModeMissingOnly skips items that already carry the step's artifact.
	StepModeMissingOnly StepMode = "missing_only"
)
