package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/engine"
)

// ChunkWorker runs one engine invocation per task. Both task types land here:
// a chunk task and a delayed batch tick carry the same payload and both end
// up in Engine.ProcessChunk, which routes by job type.
type ChunkWorker struct {
	engine *engine.Engine
	budget time.Duration
}

// NewChunkWorker creates the worker with the per-invocation time budget.
func NewChunkWorker(eng *engine.Engine, budget time.Duration) *ChunkWorker {
	if budget <= 0 {
		budget = 50 * time.Second
	}
	return &ChunkWorker{engine: eng, budget: budget}
}

// ProcessTask handles one invocation. The budget context is what makes the
// invocation time-boxed: the executor stops picking up items once it expires,
// and the continuation chain carries on from the persisted progress.
func (w *ChunkWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload engine.ChunkPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.budget)
	defer cancel()

	log.Printf("Starting %s invocation for job %s", t.Type(), payload.JobID)
	if err := w.engine.ProcessChunk(ctx, payload.JobID); err != nil {
		log.Printf("Invocation for job %s failed: %v", payload.JobID, err)
		return err
	}
	return nil
}
