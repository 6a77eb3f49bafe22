package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/client"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/model"
)

func newBatchEngine(jobs *fakeJobStore, pages *fakePageStore, dispatcher *fakeDispatcher, provider client.BatchSubmitter) *Engine {
	batch := NewBatchPipeline(jobs, jobs, pages, provider, fakeStorage{}, dispatcher, Config{})
	return New(jobs, pages, dispatcher, nil, batch, Config{})
}

// drive invokes the engine until the predicate holds or the invocation budget
// runs out.
func drive(t *testing.T, eng *Engine, jobs *fakeJobStore, jobID string, done func(*model.Job) bool) *model.Job {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		job, err := jobs.Find(ctx, jobID)
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if done(job) {
			return job
		}
		if err := eng.ProcessChunk(ctx, jobID); err != nil {
			t.Fatalf("invocation %d: %v", i, err)
		}
	}
	job, _ := jobs.Find(ctx, jobID)
	t.Fatalf("job did not reach expected state after 30 invocations (status=%s phase=%s)", job.Status, job.BatchPhase)
	return nil
}

func TestBatchPipeline_SplitsItemsIntoDisjointSubmissions(t *testing.T) {
	ids := pageIDs(5)
	jobs := newFakeJobStore()
	pages := newFakePageStore(testPages(ids...)...)
	dispatcher := &fakeDispatcher{}
	provider := newFakeBatchProvider()
	eng := newBatchEngine(jobs, pages, dispatcher, provider)

	job := seedJob(t, jobs, model.JobTypeBatchRecognition, model.BatchConfig{
		ItemIDs:            ids,
		Model:              "gpt-4o-mini",
		PrepareGroupSize:   2,
		ProviderBatchLimit: 2,
	}, len(ids))

	got := drive(t, eng, jobs, job.ID, func(j *model.Job) bool {
		return j.BatchPhase == model.BatchPhaseSubmitted
	})

	if len(got.Batches) != 3 {
		t.Fatalf("got %d submissions, want 3", len(got.Batches))
	}
	seen := make(map[string]int)
	for _, b := range got.Batches {
		if len(b.ItemIDs) > 2 {
			t.Errorf("submission %s has %d items, limit is 2", b.ProviderRef, len(b.ItemIDs))
		}
		for _, id := range b.ItemIDs {
			seen[id]++
		}
	}
	for _, id := range ids {
		if seen[id] != 1 {
			t.Errorf("item %s covered %d times, want exactly once", id, seen[id])
		}
	}
}

func TestBatchPipeline_CollectsResultsAndCompletes(t *testing.T) {
	ids := pageIDs(4)
	jobs := newFakeJobStore()
	pages := newFakePageStore(testPages(ids...)...)
	dispatcher := &fakeDispatcher{}
	provider := newFakeBatchProvider()
	eng := newBatchEngine(jobs, pages, dispatcher, provider)

	job := seedJob(t, jobs, model.JobTypeBatchRecognition, model.BatchConfig{
		ItemIDs:            ids,
		Model:              "gpt-4o-mini",
		ProviderBatchLimit: 2,
	}, len(ids))

	drive(t, eng, jobs, job.ID, func(j *model.Job) bool {
		return j.BatchPhase == model.BatchPhaseSubmitted
	})
	for _, ref := range provider.refs() {
		provider.succeedAll(ref)
	}

	got := drive(t, eng, jobs, job.ID, func(j *model.Job) bool {
		return j.Status.Terminal()
	})

	if got.Status != model.JobStatusCompleted {
		t.Fatalf("got status %s, want completed", got.Status)
	}
	if got.Progress.Completed != 4 || got.Progress.Failed != 0 {
		t.Errorf("got progress %d/%d, want 4/0", got.Progress.Completed, got.Progress.Failed)
	}
	for _, b := range got.Batches {
		if !b.ResultsCollected {
			t.Errorf("submission %s not marked collected", b.ProviderRef)
		}
		if b.SuccessCount != len(b.ItemIDs) {
			t.Errorf("submission %s: %d successes for %d items", b.ProviderRef, b.SuccessCount, len(b.ItemIDs))
		}
	}

	// Transcriptions landed in the catalog.
	for _, id := range ids {
		page, err := pages.Find(context.Background(), id)
		if err != nil {
			t.Fatalf("page %s: %v", id, err)
		}
		if page.Transcription == nil || page.Transcription.Text != "output-"+id {
			t.Errorf("page %s: transcription not written", id)
		}
	}

	// Preparation records are dropped after finalization.
	preps, _ := jobs.PrepRecords(context.Background(), job.ID)
	if len(preps) != 0 {
		t.Errorf("got %d lingering prep records, want 0", len(preps))
	}
}

func TestBatchPipeline_RedeliveredCollectionDoesNotDoubleCount(t *testing.T) {
	ids := pageIDs(2)
	jobs := newFakeJobStore()
	pages := newFakePageStore(testPages(ids...)...)
	provider := newFakeBatchProvider()
	dispatcher := &fakeDispatcher{}
	eng := newBatchEngine(jobs, pages, dispatcher, provider)

	job := seedJob(t, jobs, model.JobTypeBatchRecognition, model.BatchConfig{
		ItemIDs: ids,
		Model:   "gpt-4o-mini",
	}, len(ids))

	drive(t, eng, jobs, job.ID, func(j *model.Job) bool {
		return j.BatchPhase == model.BatchPhaseSubmitted
	})
	for _, ref := range provider.refs() {
		provider.succeedAll(ref)
	}
	got := drive(t, eng, jobs, job.ID, func(j *model.Job) bool {
		return j.Status.Terminal()
	})

	// Redeliver the collection tick; the terminal status declines it.
	if err := eng.ProcessChunk(context.Background(), job.ID); err != nil {
		t.Fatalf("redelivered tick: %v", err)
	}
	again, _ := jobs.Find(context.Background(), job.ID)
	if again.Progress.Completed != got.Progress.Completed {
		t.Errorf("redelivery changed progress: %d -> %d", got.Progress.Completed, again.Progress.Completed)
	}
	if len(again.Results) != len(ids) {
		t.Errorf("got %d results, want %d", len(again.Results), len(ids))
	}
}

func TestBatchPipeline_FailedProviderBatchFailsItems(t *testing.T) {
	ids := pageIDs(2)
	jobs := newFakeJobStore()
	pages := newFakePageStore(testPages(ids...)...)
	provider := newFakeBatchProvider()
	eng := newBatchEngine(jobs, pages, &fakeDispatcher{}, provider)

	job := seedJob(t, jobs, model.JobTypeBatchRecognition, model.BatchConfig{
		ItemIDs: ids,
		Model:   "gpt-4o-mini",
	}, len(ids))

	drive(t, eng, jobs, job.ID, func(j *model.Job) bool {
		return j.BatchPhase == model.BatchPhaseSubmitted
	})
	provider.mu.Lock()
	for ref := range provider.states {
		provider.states[ref] = "expired"
	}
	provider.mu.Unlock()

	got := drive(t, eng, jobs, job.ID, func(j *model.Job) bool {
		return j.Status.Terminal()
	})
	if got.Status != model.JobStatusFailed {
		t.Fatalf("got status %s, want failed", got.Status)
	}
	if got.Progress.Failed != 2 {
		t.Errorf("got %d failed items, want 2", got.Progress.Failed)
	}
	for _, b := range got.Batches {
		if b.State != model.ProviderStateExpired {
			t.Errorf("submission %s state %s, want expired", b.ProviderRef, b.State)
		}
		if b.FailCount != len(b.ItemIDs) {
			t.Errorf("submission %s: FailCount %d, want %d", b.ProviderRef, b.FailCount, len(b.ItemIDs))
		}
	}
}

func TestBatchPipeline_TranslationWithoutTranscriptionFailsInPreparation(t *testing.T) {
	ids := pageIDs(2)
	catalog := testPages(ids...)
	catalog[0].Transcription = &model.PageArtifact{Text: "some latin text"}
	jobs := newFakeJobStore()
	pages := newFakePageStore(catalog...)
	provider := newFakeBatchProvider()
	eng := newBatchEngine(jobs, pages, &fakeDispatcher{}, provider)

	job := seedJob(t, jobs, model.JobTypeBatchTranslation, model.BatchConfig{
		ItemIDs:        ids,
		Model:          "gpt-4o-mini",
		TargetLanguage: "en",
	}, len(ids))

	got := drive(t, eng, jobs, job.ID, func(j *model.Job) bool {
		return j.BatchPhase == model.BatchPhaseSubmitted
	})

	// Only the transcribed page was submitted; the other failed preparation.
	if len(got.Batches) != 1 || len(got.Batches[0].ItemIDs) != 1 {
		t.Fatalf("got batches %+v, want one single-item submission", got.Batches)
	}
	if got.Batches[0].ItemIDs[0] != ids[0] {
		t.Errorf("submitted %s, want %s", got.Batches[0].ItemIDs[0], ids[0])
	}
	if !got.HasResult(ids[1]) {
		t.Fatal("unpreparable item should have a recorded failure")
	}
	for _, r := range got.Results {
		if r.ItemID == ids[1] {
			if r.Success || !strings.Contains(r.Error, "no transcription") {
				t.Errorf("got result %+v, want transcription failure", r)
			}
		}
	}
}

func TestBatchPipeline_ReopenedJobSkipsRecordedSuccesses(t *testing.T) {
	ids := pageIDs(3)
	jobs := newFakeJobStore()
	pages := newFakePageStore(testPages(ids...)...)
	dispatcher := &fakeDispatcher{}
	provider := newFakeBatchProvider()
	eng := newBatchEngine(jobs, pages, dispatcher, provider)

	job := seedJob(t, jobs, model.JobTypeBatchRecognition, model.BatchConfig{
		ItemIDs: ids,
		Model:   "gpt-4o-mini",
	}, len(ids))

	// One item already carries a success from an earlier run; a rewound job
	// starts over with an empty phase but keeps recorded outcomes.
	if _, err := jobs.Update(context.Background(), job.ID, func(j *model.Job) error {
		j.Results = append(j.Results, model.ItemResult{ItemID: ids[0], Success: true})
		j.Progress.Completed = 1
		return nil
	}); err != nil {
		t.Fatalf("seed result: %v", err)
	}

	got := drive(t, eng, jobs, job.ID, func(j *model.Job) bool {
		return j.BatchPhase == model.BatchPhaseSubmitted
	})

	if len(got.Batches) != 1 {
		t.Fatalf("got %d submissions, want 1", len(got.Batches))
	}
	for _, id := range got.Batches[0].ItemIDs {
		if id == ids[0] {
			t.Fatalf("item %s was resubmitted despite its recorded success", ids[0])
		}
	}
	if len(got.Batches[0].ItemIDs) != 2 {
		t.Errorf("submission covers %d items, want the 2 without results", len(got.Batches[0].ItemIDs))
	}

	for _, ref := range provider.refs() {
		provider.succeedAll(ref)
	}
	final := drive(t, eng, jobs, job.ID, func(j *model.Job) bool {
		return j.Status.Terminal()
	})
	if final.Status != model.JobStatusCompleted {
		t.Fatalf("got status %s, want completed", final.Status)
	}
	if final.Progress.Completed != 3 || final.Progress.Failed != 0 {
		t.Errorf("got progress %d/%d, want 3/0", final.Progress.Completed, final.Progress.Failed)
	}
	if len(final.Results) != 3 {
		t.Errorf("got %d results, want 3", len(final.Results))
	}
}

func TestBatchPipeline_TransientPollErrorRetriesLater(t *testing.T) {
	ids := pageIDs(2)
	jobs := newFakeJobStore()
	pages := newFakePageStore(testPages(ids...)...)
	provider := newFakeBatchProvider()
	dispatcher := &fakeDispatcher{}
	eng := newBatchEngine(jobs, pages, dispatcher, provider)

	job := seedJob(t, jobs, model.JobTypeBatchRecognition, model.BatchConfig{
		ItemIDs: ids,
		Model:   "gpt-4o-mini",
	}, len(ids))

	drive(t, eng, jobs, job.ID, func(j *model.Job) bool {
		return j.BatchPhase == model.BatchPhaseSubmitted
	})
	refs := provider.refs()
	provider.mu.Lock()
	provider.pollErr[refs[0]] = client.Transientf("status 503")
	provider.mu.Unlock()

	ticksBefore := dispatcher.tickCount()
	if err := eng.ProcessChunk(context.Background(), job.ID); err != nil {
		t.Fatalf("poll tick: %v", err)
	}

	got, _ := jobs.Find(context.Background(), job.ID)
	if got.Status != model.JobStatusProcessing {
		t.Fatalf("got status %s, want processing (transient poll failure)", got.Status)
	}
	if dispatcher.tickCount() != ticksBefore+1 {
		t.Errorf("expected another poll tick to be scheduled")
	}
}
