package engine

import (
	"fmt"
	"time"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/model"
)

// Action is a job-level state transition request.
type Action string

const (
	// ActionStart moves a job into processing on its first chunk.
	ActionStart Action = "start"
	// ActionPause suspends chunk scheduling for a processing job.
	ActionPause Action = "pause"
	// ActionResume re-enters the chunk loop of a paused job.
	ActionResume Action = "resume"
	// ActionCancel stops a job cooperatively; in-flight chunks may still land.
	ActionCancel Action = "cancel"
	// ActionRetry re-opens a terminal failed/cancelled job.
	ActionRetry Action = "retry"
	// ActionComplete finalizes a job with at least one success (or zero items).
	ActionComplete Action = "complete"
	// ActionFail finalizes a job whose processed items all failed, or whose
	// orchestration hit an unexpected error.
	ActionFail Action = "fail"
)

// legalFrom is the closed transition graph: an action is valid only from the
// states listed here. Everything else is rejected without mutation.
var legalFrom = map[Action][]model.JobStatus{
	ActionStart:    {model.JobStatusPending},
	ActionPause:    {model.JobStatusProcessing},
	ActionResume:   {model.JobStatusPaused},
	ActionCancel:   {model.JobStatusPending, model.JobStatusProcessing, model.JobStatusPaused},
	ActionRetry:    {model.JobStatusFailed, model.JobStatusCancelled},
	ActionComplete: {model.JobStatusProcessing},
	ActionFail:     {model.JobStatusProcessing},
}

// target maps each action to the status it produces.
var target = map[Action]model.JobStatus{
	ActionStart:    model.JobStatusProcessing,
	ActionPause:    model.JobStatusPaused,
	ActionResume:   model.JobStatusProcessing,
	ActionCancel:   model.JobStatusCancelled,
	ActionRetry:    model.JobStatusPending,
	ActionComplete: model.JobStatusCompleted,
	ActionFail:     model.JobStatusFailed,
}

// TransitionError reports an action attempted from a state that does not
// allow it.
type TransitionError struct {
	JobID  string
	From   model.JobStatus
	Action Action
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: illegal transition: cannot %s from status %q", e.JobID, e.Action, e.From)
}

// CanTransition reports whether action is legal from the given status.
func CanTransition(from model.JobStatus, action Action) bool {
	for _, s := range legalFrom[action] {
		if s == from {
			return true
		}
	}
	return false
}

// Apply validates and performs a transition on the job, maintaining the
// lifecycle timestamps. On an illegal transition the job is left untouched
// and a *TransitionError is returned.
func Apply(job *model.Job, action Action) error {
	if !CanTransition(job.Status, action) {
		return &TransitionError{JobID: job.ID, From: job.Status, Action: action}
	}

	now := time.Now().UTC()
	job.Status = target[action]

	switch action {
	case ActionStart, ActionResume:
		if job.StartedAt == nil {
			job.StartedAt = &now
		}
	case ActionCancel, ActionComplete, ActionFail:
		job.CompletedAt = &now
	case ActionRetry:
		job.CompletedAt = nil
		job.Error = nil
		job.RetryCount++
	}
	return nil
}
