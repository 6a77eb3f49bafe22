package engine

import (
	"encoding/json"
	"log"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// TaskTypeChunk is the queue task for the next chunk invocation of a job.
	TaskTypeChunk = "job:chunk"
	// TaskTypeBatchTick is the queue task for a delayed batch pipeline tick.
	TaskTypeBatchTick = "batch:tick"

	// QueueJobs is the asynq queue all orchestration tasks run on.
	QueueJobs = "jobs"
)

// ChunkPayload is the task payload for both task types.
type ChunkPayload struct {
	JobID string `json:"jobId"`
}

// NewChunkTask builds the continuation task for a job's next chunk.
func NewChunkTask(jobID string) (*asynq.Task, error) {
	payload, err := json.Marshal(ChunkPayload{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeChunk, payload), nil
}

// NewBatchTickTask builds a batch pipeline tick task.
func NewBatchTickTask(jobID string) (*asynq.Task, error) {
	payload, err := json.Marshal(ChunkPayload{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeBatchTick, payload), nil
}

// AsynqDispatcher schedules continuation invocations through the task queue.
// Enqueue is fire-and-forget: a failure is logged, never propagated, because
// the invocation that requested the continuation has already committed its
// results. The staleness monitor revives jobs whose continuation was lost.
type AsynqDispatcher struct {
	client *asynq.Client
}

func NewAsynqDispatcher(client *asynq.Client) *AsynqDispatcher {
	return &AsynqDispatcher{client: client}
}

func (d *AsynqDispatcher) NextChunk(jobID string) {
	task, err := NewChunkTask(jobID)
	if err != nil {
		log.Printf("[Dispatcher] failed to build chunk task for job %s: %v", jobID, err)
		return
	}
	if _, err := d.client.Enqueue(task, asynq.Queue(QueueJobs), asynq.MaxRetry(0)); err != nil {
		log.Printf("[Dispatcher] failed to enqueue chunk for job %s: %v", jobID, err)
	}
}

func (d *AsynqDispatcher) BatchTick(jobID string, delay time.Duration) {
	task, err := NewBatchTickTask(jobID)
	if err != nil {
		log.Printf("[Dispatcher] failed to build batch tick task for job %s: %v", jobID, err)
		return
	}
	opts := []asynq.Option{asynq.Queue(QueueJobs), asynq.MaxRetry(0)}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}
	if _, err := d.client.Enqueue(task, opts...); err != nil {
		log.Printf("[Dispatcher] failed to enqueue batch tick for job %s: %v", jobID, err)
	}
}
