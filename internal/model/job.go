package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Progress tracks per-item completion counts for a job. The counters are
// maintained exclusively by the orchestration engine; Completed+Failed never
// exceeds Total.
type Progress struct {
	Total       int    `json:"total"`
	Completed   int    `json:"completed"`
	Failed      int    `json:"failed"`
	CurrentItem string `json:"currentItem,omitempty"`
}

// ItemResult is the recorded outcome of processing a single page. A page ID
// appears at most once in a job's result list; that membership is the
// idempotency marker that makes re-entered chunks safe.
type ItemResult struct {
	ItemID     string    `json:"itemId"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"durationMs,omitempty"`
	RecordedAt time.Time `json:"recordedAt"`
}

// BatchSubmission is the persisted proof that a specific, disjoint subset of
// a job's items was handed to the external provider as one asynchronous batch.
type BatchSubmission struct {
	ProviderRef      string             `json:"providerRef"`
	State            ProviderBatchState `json:"state"`
	ItemIDs          []string           `json:"itemIds"`
	ResultsCollected bool               `json:"resultsCollected"`
	SuccessCount     int                `json:"successCount"`
	FailCount        int                `json:"failCount"`
	SubmittedAt      time.Time          `json:"submittedAt"`
	Error            string             `json:"error,omitempty"`
}

// BatchPreparation is the per-item record written during the preparing phase
// of a batch-mode job. It exists only until submission records supersede it.
type BatchPreparation struct {
	JobID    string          `json:"jobId"`
	ItemID   string          `json:"itemId"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Failed   bool            `json:"failed"`
	Error    string          `json:"error,omitempty"`
	PreparedAt time.Time     `json:"preparedAt"`
}

// WorkflowStepState is the checkpoint for one step of a multi-step pipeline.
type WorkflowStepState struct {
	ProcessedIDs []string `json:"processedIds"`
	FailedIDs    []string `json:"failedIds"`
	Mode         StepMode `json:"mode"`
	PromptID     string   `json:"promptId,omitempty"`
}

// WorkflowState is the persisted checkpoint that lets a client-driven
// recognition-then-translation run resume after a disconnect without
// reprocessing items already recorded as done for a step.
type WorkflowState struct {
	CurrentStep WorkflowStep                         `json:"currentStep"`
	Steps       map[WorkflowStep]*WorkflowStepState  `json:"steps"`
	Model       string                               `json:"model,omitempty"`
	TargetLanguage string                            `json:"targetLanguage,omitempty"`
	UpdatedAt   time.Time                            `json:"updatedAt"`
}

// Step returns the state for a step, creating it on first access.
func (w *WorkflowState) Step(step WorkflowStep) *WorkflowStepState {
	if w.Steps == nil {
		w.Steps = make(map[WorkflowStep]*WorkflowStepState)
	}
	st, ok := w.Steps[step]
	if !ok {
		st = &WorkflowStepState{Mode: StepModeMissingOnly}
		w.Steps[step] = st
	}
	return st
}

// Job is the unit of orchestration: a set of page IDs driven through one
// pipeline in time-boxed chunks. All cross-invocation state lives here (and in
// the page catalog), never in process memory.
type Job struct {
	ID     string    `json:"id"`
	Type   JobType   `json:"type"`
	Status JobStatus `json:"status"`

	// Config is the type-tagged payload; decode with the typed helpers below.
	Config json.RawMessage `json:"config"`

	Progress Progress     `json:"progress"`
	Results  []ItemResult `json:"results"`

	// History holds failed results moved aside by retry so prior cycles stay
	// auditable without blocking reprocessing.
	History []ItemResult `json:"history,omitempty"`

	// RecentErrors keeps the latest failing item messages for diagnosis
	// without a trip to the catalog.
	RecentErrors []string `json:"recentErrors,omitempty"`

	// Batch-mode fields
	BatchPhase BatchPhase        `json:"batchPhase,omitempty"`
	Batches    []BatchSubmission `json:"batches,omitempty"`

	Workflow *WorkflowState `json:"workflow,omitempty"`

	DocumentID string  `json:"documentId,omitempty"`
	Error      *string `json:"error,omitempty"`
	RetryCount int     `json:"retryCount"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// HasResult reports whether itemID already has a recorded outcome.
func (j *Job) HasResult(itemID string) bool {
	for i := range j.Results {
		if j.Results[i].ItemID == itemID {
			return true
		}
	}
	return false
}

// ResultSet returns the set of item IDs with a recorded outcome.
func (j *Job) ResultSet() map[string]bool {
	set := make(map[string]bool, len(j.Results))
	for i := range j.Results {
		set[j.Results[i].ItemID] = true
	}
	return set
}

// Remaining returns the configured item IDs that have no recorded outcome yet,
// preserving configured order.
func (j *Job) Remaining() ([]string, error) {
	ids, err := j.ItemIDs()
	if err != nil {
		return nil, err
	}
	done := j.ResultSet()
	remaining := make([]string, 0, len(ids))
	for _, id := range ids {
		if !done[id] {
			remaining = append(remaining, id)
		}
	}
	return remaining, nil
}

// ItemIDs decodes the configured page IDs regardless of config variant.
// Repeated IDs collapse to their first occurrence: result membership is
// per-ID, so a duplicate could never be counted twice anyway and keeping it
// in the scope would leave Progress.Total unreachable.
func (j *Job) ItemIDs() ([]string, error) {
	var base struct {
		ItemIDs []string `json:"itemIds"`
	}
	if err := json.Unmarshal(j.Config, &base); err != nil {
		return nil, fmt.Errorf("failed to decode job config: %w", err)
	}
	return uniqueIDs(base.ItemIDs), nil
}

// uniqueIDs drops repeated IDs, keeping first-occurrence order.
func uniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// ChunkSize decodes the per-job chunk size override, 0 meaning "use the
// engine default for this job type".
func (j *Job) ChunkSize() int {
	var base struct {
		ChunkSize int `json:"chunkSize"`
	}
	if err := json.Unmarshal(j.Config, &base); err != nil {
		return 0
	}
	return base.ChunkSize
}

// RecognitionConfig configures a text-recognition job.
type RecognitionConfig struct {
	ItemIDs   []string `json:"itemIds"`
	Model     string   `json:"model"`
	PromptID  string   `json:"promptId,omitempty"`
	ChunkSize int      `json:"chunkSize,omitempty"`
}

// TranslationConfig configures a translation job.
type TranslationConfig struct {
	ItemIDs        []string `json:"itemIds"`
	TargetLanguage string   `json:"targetLanguage"`
	Model          string   `json:"model"`
	PromptID       string   `json:"promptId,omitempty"`
	ChunkSize      int      `json:"chunkSize,omitempty"`
}

// CropConfig configures a crop-generation job.
type CropConfig struct {
	ItemIDs   []string `json:"itemIds"`
	ChunkSize int      `json:"chunkSize,omitempty"`
}

// SplitConfig configures a layout-split detection job.
type SplitConfig struct {
	ItemIDs   []string `json:"itemIds"`
	ChunkSize int      `json:"chunkSize,omitempty"`
}

// BatchConfig configures a batch-mode job (batch_recognition or
// batch_translation).
type BatchConfig struct {
	ItemIDs        []string `json:"itemIds"`
	Model          string   `json:"model"`
	PromptID       string   `json:"promptId,omitempty"`
	TargetLanguage string   `json:"targetLanguage,omitempty"`
	// PrepareGroupSize bounds how many payloads one invocation prepares.
	PrepareGroupSize int `json:"prepareGroupSize,omitempty"`
	// ProviderBatchLimit caps items per external submission.
	ProviderBatchLimit int `json:"providerBatchLimit,omitempty"`
}

// DecodeRecognitionConfig decodes the config of a recognition job.
func (j *Job) DecodeRecognitionConfig() (*RecognitionConfig, error) {
	var cfg RecognitionConfig
	if err := json.Unmarshal(j.Config, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode recognition config: %w", err)
	}
	return &cfg, nil
}

// DecodeTranslationConfig decodes the config of a translation job.
func (j *Job) DecodeTranslationConfig() (*TranslationConfig, error) {
	var cfg TranslationConfig
	if err := json.Unmarshal(j.Config, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode translation config: %w", err)
	}
	return &cfg, nil
}

// DecodeBatchConfig decodes the config of a batch-mode job. ItemIDs are
// deduplicated so the preparation and submission loops see each item once.
func (j *Job) DecodeBatchConfig() (*BatchConfig, error) {
	var cfg BatchConfig
	if err := json.Unmarshal(j.Config, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode batch config: %w", err)
	}
	cfg.ItemIDs = uniqueIDs(cfg.ItemIDs)
	return &cfg, nil
}
