package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/client"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/model"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/store"
)

// BatchPipeline drives batch-mode jobs through the preparing → submitting →
// submitted phases. Each Tick is one re-entrant invocation: it inspects the
// persisted phase records, performs one bounded slice of work, and schedules
// the next tick. Every step is safe to repeat after a crash because the
// records written before the crash make the repeated step a no-op.
type BatchPipeline struct {
	jobs       JobStore
	preps      PrepStore
	pages      PageStore
	provider   client.BatchSubmitter
	storage    client.StorageClient
	dispatcher Dispatcher
	cfg        Config
}

func NewBatchPipeline(jobs JobStore, preps PrepStore, pages PageStore, provider client.BatchSubmitter, storage client.StorageClient, dispatcher Dispatcher, cfg Config) *BatchPipeline {
	return &BatchPipeline{
		jobs:       jobs,
		preps:      preps,
		pages:      pages,
		provider:   provider,
		storage:    storage,
		dispatcher: dispatcher,
		cfg:        cfg.withDefaults(),
	}
}

// Tick advances the batch job by one phase step.
func (p *BatchPipeline) Tick(ctx context.Context, job *model.Job) error {
	if job.BatchPhase == "" {
		var err error
		job, err = p.jobs.Update(ctx, job.ID, func(j *model.Job) error {
			if j.BatchPhase == "" {
				j.BatchPhase = model.BatchPhasePreparing
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to enter preparing phase: %w", err)
		}
	}

	switch job.BatchPhase {
	case model.BatchPhasePreparing:
		return p.tickPreparing(ctx, job)
	case model.BatchPhaseSubmitting:
		return p.tickSubmitting(ctx, job)
	case model.BatchPhaseSubmitted:
		return p.tickSubmitted(ctx, job)
	default:
		return fmt.Errorf("job %s has unknown batch phase %q", job.ID, job.BatchPhase)
	}
}

// tickPreparing encodes one group of page payloads into preparation records.
// When every configured item has a record the job advances to submitting.
func (p *BatchPipeline) tickPreparing(ctx context.Context, job *model.Job) error {
	cfg, err := job.DecodeBatchConfig()
	if err != nil {
		return err
	}

	records, err := p.preps.PrepRecords(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("failed to load preparation records: %w", err)
	}

	// Items with a recorded result are done for good: after a retry the kept
	// successes must not be prepared or submitted again.
	unprepared := make([]string, 0, len(cfg.ItemIDs))
	for _, id := range cfg.ItemIDs {
		if records[id] == nil && !job.HasResult(id) {
			unprepared = append(unprepared, id)
		}
	}

	if len(unprepared) == 0 {
		if _, err := p.jobs.Update(ctx, job.ID, func(j *model.Job) error {
			if j.BatchPhase == model.BatchPhasePreparing {
				j.BatchPhase = model.BatchPhaseSubmitting
			}
			return nil
		}); err != nil {
			return fmt.Errorf("failed to enter submitting phase: %w", err)
		}
		p.dispatcher.NextChunk(job.ID)
		return nil
	}

	group := unprepared
	size := p.cfg.PrepareGroupSize
	if cfg.PrepareGroupSize > 0 {
		size = cfg.PrepareGroupSize
	}
	if len(group) > size {
		group = group[:size]
	}

	prepared := make([]*model.BatchPreparation, 0, len(group))
	for _, id := range group {
		if ctx.Err() != nil {
			break
		}
		prepared = append(prepared, p.prepareItem(ctx, job, cfg, id))
	}
	if len(prepared) > 0 {
		if err := p.preps.SavePrepRecords(ctx, job.ID, prepared); err != nil {
			return fmt.Errorf("failed to save preparation records: %w", err)
		}
	}
	log.Printf("[BatchPipeline] job %s prepared %d/%d items", job.ID, len(cfg.ItemIDs)-len(unprepared)+len(prepared), len(cfg.ItemIDs))

	p.dispatcher.NextChunk(job.ID)
	return nil
}

// prepareItem builds the provider request payload for one page. Failures are
// recorded on the preparation record instead of aborting the group.
func (p *BatchPipeline) prepareItem(ctx context.Context, job *model.Job, cfg *model.BatchConfig, pageID string) *model.BatchPreparation {
	rec := &model.BatchPreparation{
		JobID:      job.ID,
		ItemID:     pageID,
		PreparedAt: time.Now().UTC(),
	}

	page, err := p.pages.Find(ctx, pageID)
	if err != nil {
		rec.Failed = true
		if errors.Is(err, store.ErrNotFound) {
			rec.Error = fmt.Sprintf("page %s not found", pageID)
		} else {
			rec.Error = fmt.Sprintf("failed to load page: %v", err)
		}
		return rec
	}

	payload, err := p.buildPayload(ctx, job.Type, cfg, page)
	if err != nil {
		rec.Failed = true
		rec.Error = err.Error()
		return rec
	}
	rec.Payload = payload
	return rec
}

func (p *BatchPipeline) buildPayload(ctx context.Context, jobType model.JobType, cfg *model.BatchConfig, page *model.Page) (json.RawMessage, error) {
	switch jobType {
	case model.JobTypeBatchRecognition:
		data, err := p.storage.Download(ctx, page.ImageKey)
		if err != nil {
			return nil, fmt.Errorf("failed to download page image: %w", err)
		}
		encoded := base64.StdEncoding.EncodeToString(data)
		return json.Marshal(map[string]interface{}{
			"messages": []interface{}{
				map[string]interface{}{"role": "system", "content": systemPrompt(recognitionSystemPrompt, cfg.PromptID)},
				map[string]interface{}{"role": "user", "content": []interface{}{
					map[string]interface{}{"type": "text", "text": "Transcribe this page."},
					map[string]interface{}{"type": "image_url", "image_url": map[string]string{
						"url": "data:image/jpeg;base64," + encoded,
					}},
				}},
			},
			"max_tokens": 4096,
		})

	case model.JobTypeBatchTranslation:
		if page.Transcription == nil || page.Transcription.Text == "" {
			return nil, fmt.Errorf("page %s has no transcription to translate", page.ID)
		}
		return json.Marshal(map[string]interface{}{
			"messages": []interface{}{
				map[string]interface{}{"role": "system", "content": systemPrompt(translationSystemPrompt, cfg.PromptID)},
				map[string]interface{}{"role": "user", "content": fmt.Sprintf(
					"Translate the following page transcription into %s:\n\n%s",
					cfg.TargetLanguage, page.Transcription.Text)},
			},
			"max_tokens": 4096,
		})

	default:
		return nil, fmt.Errorf("job type %q is not batch-capable", jobType)
	}
}

// tickSubmitting hands at most one provider batch to the provider per
// invocation. Coverage is computed from the persisted submission records, so
// a repeated invocation never submits the same item twice.
func (p *BatchPipeline) tickSubmitting(ctx context.Context, job *model.Job) error {
	cfg, err := job.DecodeBatchConfig()
	if err != nil {
		return err
	}
	records, err := p.preps.PrepRecords(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("failed to load preparation records: %w", err)
	}

	covered := make(map[string]bool)
	for i := range job.Batches {
		for _, id := range job.Batches[i].ItemIDs {
			covered[id] = true
		}
	}

	uncovered := make([]string, 0, len(cfg.ItemIDs))
	for _, id := range cfg.ItemIDs {
		rec := records[id]
		if rec == nil || rec.Failed || covered[id] || job.HasResult(id) {
			continue
		}
		uncovered = append(uncovered, id)
	}

	if len(uncovered) == 0 {
		// Every preparable item is covered; record preparation failures as
		// item outcomes and move to collection.
		if _, err := p.jobs.Update(ctx, job.ID, func(j *model.Job) error {
			if j.BatchPhase != model.BatchPhaseSubmitting {
				return nil
			}
			for _, id := range cfg.ItemIDs {
				rec := records[id]
				if rec != nil && rec.Failed {
					p.recordItem(j, id, false, rec.Error)
				}
			}
			j.BatchPhase = model.BatchPhaseSubmitted
			return nil
		}); err != nil {
			return fmt.Errorf("failed to enter submitted phase: %w", err)
		}
		p.dispatcher.BatchTick(job.ID, p.cfg.BatchPollDelay)
		return nil
	}

	limit := p.cfg.ProviderBatchLimit
	if cfg.ProviderBatchLimit > 0 {
		limit = cfg.ProviderBatchLimit
	}
	slice := uncovered
	if len(slice) > limit {
		slice = slice[:limit]
	}

	requests := make([]client.BatchRequest, 0, len(slice))
	for _, id := range slice {
		requests = append(requests, client.BatchRequest{Key: id, Payload: records[id].Payload})
	}

	label := fmt.Sprintf("%s-%d", job.ID, len(job.Batches)+1)
	submitted, err := p.provider.Submit(ctx, cfg.Model, requests, label)
	if err != nil {
		return fmt.Errorf("batch submission failed: %w", err)
	}

	if _, err := p.jobs.Update(ctx, job.ID, func(j *model.Job) error {
		for i := range j.Batches {
			if j.Batches[i].ProviderRef == submitted.Ref {
				return nil
			}
		}
		j.Batches = append(j.Batches, model.BatchSubmission{
			ProviderRef: submitted.Ref,
			State:       mapProviderState(submitted.State),
			ItemIDs:     slice,
			SubmittedAt: time.Now().UTC(),
		})
		return nil
	}); err != nil {
		return fmt.Errorf("failed to record batch submission %s: %w", submitted.Ref, err)
	}
	log.Printf("[BatchPipeline] job %s submitted batch %s with %d items", job.ID, submitted.Ref, len(slice))

	p.dispatcher.NextChunk(job.ID)
	return nil
}

// tickSubmitted polls uncollected submissions and collects results from
// terminal ones. When every submission is collected the job is finalized.
func (p *BatchPipeline) tickSubmitted(ctx context.Context, job *model.Job) error {
	pending := 0
	for i := range job.Batches {
		rec := &job.Batches[i]
		if rec.ResultsCollected {
			continue
		}
		done, err := p.collectOne(ctx, job, rec)
		if err != nil {
			if client.IsTransient(err) {
				log.Printf("[BatchPipeline] job %s batch %s poll failed transiently: %v", job.ID, rec.ProviderRef, err)
				pending++
				continue
			}
			return err
		}
		if !done {
			pending++
		}
	}

	if pending > 0 {
		p.dispatcher.BatchTick(job.ID, p.cfg.BatchPollDelay)
		return nil
	}

	if err := finalizeJob(ctx, p.jobs, job.ID); err != nil {
		return err
	}
	if err := p.preps.ClearPrepRecords(ctx, job.ID); err != nil {
		log.Printf("[BatchPipeline] job %s: failed to clear preparation records: %v", job.ID, err)
	}
	return nil
}

// collectOne polls a single submission and, if terminal, writes its results
// to the catalog and marks the record collected. Returns true when the
// record is collected after this call.
func (p *BatchPipeline) collectOne(ctx context.Context, job *model.Job, rec *model.BatchSubmission) (bool, error) {
	status, err := p.provider.PollStatus(ctx, rec.ProviderRef)
	if err != nil {
		return false, err
	}
	state := mapProviderState(status.State)
	if !state.Terminal() {
		return false, nil
	}

	if state != model.ProviderStateSucceeded {
		_, err := p.jobs.Update(ctx, job.ID, func(j *model.Job) error {
			target := findBatch(j, rec.ProviderRef)
			if target == nil || target.ResultsCollected {
				return nil
			}
			for _, id := range target.ItemIDs {
				p.recordItem(j, id, false, fmt.Sprintf("provider batch %s: %s", state, status.Error))
			}
			target.State = state
			target.ResultsCollected = true
			target.FailCount = len(target.ItemIDs)
			target.Error = status.Error
			return nil
		})
		return err == nil, err
	}

	results, err := p.provider.FetchResults(ctx, rec.ProviderRef)
	if err != nil {
		return false, err
	}

	cfg, err := job.DecodeBatchConfig()
	if err != nil {
		return false, err
	}

	// Write catalog artifacts first, then record outcomes on the job. A crash
	// in between makes the re-run rewrite artifacts, which is harmless.
	itemErrs := make(map[string]string, len(rec.ItemIDs))
	answered := make(map[string]bool, len(results))
	for i := range results {
		res := results[i]
		answered[res.Key] = true
		if res.Error != "" {
			itemErrs[res.Key] = res.Error
			continue
		}
		if err := p.writeArtifact(ctx, job.Type, cfg, res); err != nil {
			itemErrs[res.Key] = err.Error()
		}
	}
	for _, id := range rec.ItemIDs {
		if !answered[id] {
			itemErrs[id] = "no result returned by provider"
		}
	}

	_, err = p.jobs.Update(ctx, job.ID, func(j *model.Job) error {
		target := findBatch(j, rec.ProviderRef)
		if target == nil || target.ResultsCollected {
			return nil
		}
		success, failed := 0, 0
		for _, id := range target.ItemIDs {
			if msg, bad := itemErrs[id]; bad {
				p.recordItem(j, id, false, msg)
				failed++
			} else {
				p.recordItem(j, id, true, "")
				success++
			}
		}
		target.State = state
		target.ResultsCollected = true
		target.SuccessCount = success
		target.FailCount = failed
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to record batch %s results: %w", rec.ProviderRef, err)
	}
	log.Printf("[BatchPipeline] job %s collected batch %s (%d items, %d errors)", job.ID, rec.ProviderRef, len(rec.ItemIDs), len(itemErrs))
	return true, nil
}

func (p *BatchPipeline) writeArtifact(ctx context.Context, jobType model.JobType, cfg *model.BatchConfig, res client.BatchResult) error {
	artifact := &model.PageArtifact{
		Text:  res.Output,
		Model: cfg.Model,
		Usage: model.Usage{
			PromptTokens:     res.Usage.PromptTokens,
			CompletionTokens: res.Usage.CompletionTokens,
			TotalTokens:      res.Usage.TotalTokens,
		},
		UpdatedAt: time.Now().UTC(),
	}
	return p.pages.Update(ctx, res.Key, func(pg *model.Page) error {
		if jobType == model.JobTypeBatchTranslation {
			pg.SetTranslation(cfg.TargetLanguage, artifact)
		} else {
			pg.Transcription = artifact
		}
		return nil
	})
}

// recordItem appends one outcome to the job inside an Update closure,
// skipping items already recorded.
func (p *BatchPipeline) recordItem(j *model.Job, id string, success bool, errMsg string) {
	if j.HasResult(id) {
		return
	}
	result := model.ItemResult{
		ItemID:     id,
		Success:    success,
		RecordedAt: time.Now().UTC(),
	}
	if success {
		j.Progress.Completed++
	} else {
		result.Error = errMsg
		j.Progress.Failed++
		j.RecentErrors = append(j.RecentErrors, fmt.Sprintf("%s: %s", id, errMsg))
		if len(j.RecentErrors) > p.cfg.RecentErrorLimit {
			j.RecentErrors = j.RecentErrors[len(j.RecentErrors)-p.cfg.RecentErrorLimit:]
		}
	}
	j.Results = append(j.Results, result)
}

func findBatch(j *model.Job, ref string) *model.BatchSubmission {
	for i := range j.Batches {
		if j.Batches[i].ProviderRef == ref {
			return &j.Batches[i]
		}
	}
	return nil
}

// mapProviderState normalizes the provider's status strings onto the states
// the pipeline tracks.
func mapProviderState(s string) model.ProviderBatchState {
	switch s {
	case "queued", "validating", "pending":
		return model.ProviderStateQueued
	case "in_progress", "running", "processing", "finalizing":
		return model.ProviderStateRunning
	case "completed", "succeeded", "ended":
		return model.ProviderStateSucceeded
	case "failed", "error":
		return model.ProviderStateFailed
	case "cancelled", "canceled", "cancelling":
		return model.ProviderStateCancelled
	case "expired":
		return model.ProviderStateExpired
	default:
		return model.ProviderStateRunning
	}
}
