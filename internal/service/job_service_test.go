package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/engine"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/model"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/store"
)

// memJobStore is an in-memory JobStore+PrepStore for service tests.
type memJobStore struct {
	mu    sync.Mutex
	jobs  map[string]*model.Job
	preps map[string]map[string]*model.BatchPreparation
}

func newMemJobStore() *memJobStore {
	return &memJobStore{
		jobs:  make(map[string]*model.Job),
		preps: make(map[string]map[string]*model.BatchPreparation),
	}
}

func copyJob(j *model.Job) *model.Job {
	data, _ := json.Marshal(j)
	var c model.Job
	_ = json.Unmarshal(data, &c)
	return &c
}

func (s *memJobStore) Insert(_ context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *memJobStore) Find(_ context.Context, jobID string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
	}
	return copyJob(job), nil
}

func (s *memJobStore) Update(_ context.Context, jobID string, mutate func(*model.Job) error) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
	}
	next := copyJob(job)
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now().UTC()
	s.jobs[jobID] = next
	return copyJob(next), nil
}

func (s *memJobStore) Delete(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	return nil
}

func (s *memJobStore) List(_ context.Context, filter store.JobFilter) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []*model.Job
	for _, job := range s.jobs {
		if store.MatchesFilter(job, filter) {
			jobs = append(jobs, copyJob(job))
		}
	}
	store.SortJobsByCreated(jobs)
	return jobs, nil
}

func (s *memJobStore) PrepRecords(_ context.Context, jobID string) (map[string]*model.BatchPreparation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*model.BatchPreparation, len(s.preps[jobID]))
	for id, rec := range s.preps[jobID] {
		c := *rec
		out[id] = &c
	}
	return out, nil
}

func (s *memJobStore) SavePrepRecords(_ context.Context, jobID string, records []*model.BatchPreparation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.preps[jobID] == nil {
		s.preps[jobID] = make(map[string]*model.BatchPreparation)
	}
	for _, rec := range records {
		c := *rec
		s.preps[jobID][rec.ItemID] = &c
	}
	return nil
}

func (s *memJobStore) ClearPrepRecords(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.preps, jobID)
	return nil
}

type memDispatcher struct {
	mu     sync.Mutex
	chunks []string
	ticks  []string
}

func (d *memDispatcher) NextChunk(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chunks = append(d.chunks, jobID)
}

func (d *memDispatcher) BatchTick(jobID string, _ time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ticks = append(d.ticks, jobID)
}

func (d *memDispatcher) chunkCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.chunks)
}

func newTestService() (*JobService, *memJobStore, *memDispatcher) {
	jobs := newMemJobStore()
	dispatcher := &memDispatcher{}
	monitor := engine.NewMonitor(jobs, dispatcher, 10*time.Minute)
	return NewJobService(jobs, jobs, dispatcher, monitor, 10*time.Minute), jobs, dispatcher
}

func rawConfig(t *testing.T, cfg interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	return data
}

func TestCreate_InsertsPendingJobAndDispatches(t *testing.T) {
	svc, jobs, dispatcher := newTestService()

	resp, err := svc.Create(context.Background(), &model.CreateJobRequest{
		Type: model.JobTypeRecognition,
		Config: rawConfig(t, model.RecognitionConfig{
			ItemIDs: []string{"p1", "p2", "p3"},
			Model:   "gpt-4o-mini",
		}),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if resp.Status != model.JobStatusPending {
		t.Errorf("got status %s, want pending", resp.Status)
	}
	if resp.Total != 3 {
		t.Errorf("got total %d, want 3", resp.Total)
	}

	stored, err := jobs.Find(context.Background(), resp.JobID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if stored.Progress.Total != 3 {
		t.Errorf("stored total %d, want 3", stored.Progress.Total)
	}
	if dispatcher.chunkCount() != 1 {
		t.Errorf("got %d dispatches, want 1 (first invocation)", dispatcher.chunkCount())
	}
}

func TestCreate_DuplicateItemIDsCountedOnce(t *testing.T) {
	svc, jobs, _ := newTestService()

	resp, err := svc.Create(context.Background(), &model.CreateJobRequest{
		Type: model.JobTypeBatchRecognition,
		Config: rawConfig(t, model.BatchConfig{
			ItemIDs: []string{"p1", "p1", "p2"},
			Model:   "gpt-4o-mini",
		}),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// A duplicate can only ever produce one recorded outcome, so counting it
	// twice would leave the job unable to reach its total.
	if resp.Total != 2 {
		t.Errorf("got total %d, want 2 unique items", resp.Total)
	}
	stored, _ := jobs.Find(context.Background(), resp.JobID)
	if stored.Progress.Total != 2 {
		t.Errorf("stored total %d, want 2", stored.Progress.Total)
	}
}

func TestCreate_RejectsInvalidConfigs(t *testing.T) {
	svc, _, dispatcher := newTestService()

	cases := []struct {
		name string
		req  *model.CreateJobRequest
	}{
		{"unknown type", &model.CreateJobRequest{Type: "resize", Config: []byte(`{}`)}},
		{"recognition without model", &model.CreateJobRequest{
			Type:   model.JobTypeRecognition,
			Config: rawConfig(t, model.RecognitionConfig{ItemIDs: []string{"p1"}}),
		}},
		{"translation without target language", &model.CreateJobRequest{
			Type:   model.JobTypeTranslation,
			Config: rawConfig(t, model.TranslationConfig{ItemIDs: []string{"p1"}, Model: "gpt-4o-mini"}),
		}},
		{"batch translation without target language", &model.CreateJobRequest{
			Type:   model.JobTypeBatchTranslation,
			Config: rawConfig(t, model.BatchConfig{ItemIDs: []string{"p1"}, Model: "gpt-4o-mini"}),
		}},
		{"malformed json", &model.CreateJobRequest{Type: model.JobTypeCropGeneration, Config: []byte(`{`)}},
	}

	for _, tc := range cases {
		if _, err := svc.Create(context.Background(), tc.req); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: got %v, want ErrInvalidConfig", tc.name, err)
		}
	}
	if dispatcher.chunkCount() != 0 {
		t.Errorf("rejected jobs must not be dispatched, got %d dispatches", dispatcher.chunkCount())
	}
}

func seedServiceJob(t *testing.T, jobs *memJobStore, status model.JobStatus) *model.Job {
	t.Helper()
	job := &model.Job{
		ID:     "job-1",
		Type:   model.JobTypeRecognition,
		Status: status,
		Config: []byte(`{"itemIds":["p1","p2","p3"],"model":"gpt-4o-mini"}`),
	}
	job.Progress.Total = 3
	if err := jobs.Insert(context.Background(), job); err != nil {
		t.Fatalf("insert: %v", err)
	}
	return job
}

func TestDelete_RefusesActiveJob(t *testing.T) {
	svc, jobs, _ := newTestService()
	seedServiceJob(t, jobs, model.JobStatusProcessing)

	if err := svc.Delete(context.Background(), "job-1"); !errors.Is(err, ErrJobActive) {
		t.Fatalf("got %v, want ErrJobActive", err)
	}

	// Terminal jobs can be deleted.
	if _, err := jobs.Update(context.Background(), "job-1", func(j *model.Job) error {
		j.Status = model.JobStatusCancelled
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := svc.Delete(context.Background(), "job-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := jobs.Find(context.Background(), "job-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("job still present after delete: %v", err)
	}
}

func TestPauseResume_RoundTrip(t *testing.T) {
	svc, jobs, dispatcher := newTestService()
	seedServiceJob(t, jobs, model.JobStatusProcessing)

	resp, err := svc.Pause(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if resp.Status != model.JobStatusPaused {
		t.Errorf("got status %s, want paused", resp.Status)
	}
	if dispatcher.chunkCount() != 0 {
		t.Error("pause must not dispatch")
	}

	resp, err = svc.Resume(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resp.Status != model.JobStatusProcessing {
		t.Errorf("got status %s, want processing", resp.Status)
	}
	if dispatcher.chunkCount() != 1 {
		t.Errorf("resume should re-enter the chunk loop, got %d dispatches", dispatcher.chunkCount())
	}
}

func TestPause_PendingJobIsIllegal(t *testing.T) {
	svc, jobs, _ := newTestService()
	seedServiceJob(t, jobs, model.JobStatusPending)

	_, err := svc.Pause(context.Background(), "job-1")
	var te *engine.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("got %v, want *engine.TransitionError", err)
	}
}

func TestRetry_MovesFailuresToHistoryAndRedispatches(t *testing.T) {
	svc, jobs, dispatcher := newTestService()
	job := seedServiceJob(t, jobs, model.JobStatusFailed)
	if _, err := jobs.Update(context.Background(), job.ID, func(j *model.Job) error {
		j.Results = []model.ItemResult{
			{ItemID: "p1", Success: true},
			{ItemID: "p2", Success: false, Error: "blurry scan"},
			{ItemID: "p3", Success: false, Error: "blurry scan"},
		}
		j.Progress.Completed = 1
		j.Progress.Failed = 2
		j.RecentErrors = []string{"p2: blurry scan", "p3: blurry scan"}
		return nil
	}); err != nil {
		t.Fatalf("seed results: %v", err)
	}

	resp, err := svc.Retry(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if resp.Status != model.JobStatusPending {
		t.Errorf("got status %s, want pending", resp.Status)
	}

	got, _ := jobs.Find(context.Background(), job.ID)
	if len(got.Results) != 1 || got.Results[0].ItemID != "p1" {
		t.Errorf("got results %+v, want only the successful p1", got.Results)
	}
	if len(got.History) != 2 {
		t.Errorf("got %d history entries, want the 2 failed results", len(got.History))
	}
	if got.Progress.Completed != 1 || got.Progress.Failed != 0 {
		t.Errorf("got progress %d/%d, want 1/0", got.Progress.Completed, got.Progress.Failed)
	}
	if got.RecentErrors != nil {
		t.Errorf("retry should clear recent errors, got %v", got.RecentErrors)
	}
	if dispatcher.chunkCount() != 1 {
		t.Errorf("retry should restart the chunk loop, got %d dispatches", dispatcher.chunkCount())
	}
}

func TestRetry_CompletedJobIsIllegal(t *testing.T) {
	svc, jobs, _ := newTestService()
	seedServiceJob(t, jobs, model.JobStatusCompleted)

	_, err := svc.Retry(context.Background(), "job-1")
	var te *engine.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("got %v, want *engine.TransitionError", err)
	}
}

func TestBatchSummary_CountsPipelineBacklog(t *testing.T) {
	svc, jobs, _ := newTestService()

	job := &model.Job{
		ID:     "batch-1",
		Type:   model.JobTypeBatchRecognition,
		Status: model.JobStatusProcessing,
		Config: []byte(`{"itemIds":["p1","p2","p3","p4"],"model":"gpt-4o-mini"}`),
		Batches: []model.BatchSubmission{
			{ProviderRef: "ref-1", ItemIDs: []string{"p1"}, ResultsCollected: false},
		},
	}
	if err := jobs.Insert(context.Background(), job); err != nil {
		t.Fatalf("insert: %v", err)
	}
	// p1 submitted, p2 prepared but uncovered, p3 failed preparation,
	// p4 not prepared yet.
	if err := jobs.SavePrepRecords(context.Background(), job.ID, []*model.BatchPreparation{
		{JobID: job.ID, ItemID: "p1", Payload: []byte(`{}`)},
		{JobID: job.ID, ItemID: "p2", Payload: []byte(`{}`)},
		{JobID: job.ID, ItemID: "p3", Failed: true, Error: "page p3 not found"},
	}); err != nil {
		t.Fatalf("save preps: %v", err)
	}

	resp, err := svc.BatchSummary(context.Background())
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if resp.Jobs != 1 {
		t.Errorf("got %d jobs, want 1", resp.Jobs)
	}
	if resp.PendingPreparation != 1 {
		t.Errorf("got %d pending preparation, want 1", resp.PendingPreparation)
	}
	if resp.PendingSubmission != 1 {
		t.Errorf("got %d pending submission, want 1", resp.PendingSubmission)
	}
	if resp.PendingCollection != 1 {
		t.Errorf("got %d pending collection, want 1", resp.PendingCollection)
	}
}
