package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/client"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/model"
	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/store"
)

// fakeJobStore is an in-memory JobStore+PrepStore with the same conditional
// write semantics as the Redis store: mutate errors abort the write.
type fakeJobStore struct {
	mu    sync.Mutex
	jobs  map[string]*model.Job
	preps map[string]map[string]*model.BatchPreparation
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{
		jobs:  make(map[string]*model.Job),
		preps: make(map[string]map[string]*model.BatchPreparation),
	}
}

func cloneJob(j *model.Job) *model.Job {
	data, _ := json.Marshal(j)
	var c model.Job
	_ = json.Unmarshal(data, &c)
	return &c
}

func (s *fakeJobStore) Insert(_ context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.UpdatedAt = time.Now().UTC()
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *fakeJobStore) Find(_ context.Context, jobID string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
	}
	return cloneJob(job), nil
}

func (s *fakeJobStore) Update(_ context.Context, jobID string, mutate func(*model.Job) error) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, store.ErrNotFound)
	}
	next := cloneJob(job)
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now().UTC()
	s.jobs[jobID] = next
	return cloneJob(next), nil
}

func (s *fakeJobStore) Delete(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	delete(s.preps, jobID)
	return nil
}

func (s *fakeJobStore) List(_ context.Context, filter store.JobFilter) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []*model.Job
	for _, job := range s.jobs {
		if store.MatchesFilter(job, filter) {
			jobs = append(jobs, cloneJob(job))
		}
	}
	store.SortJobsByCreated(jobs)
	return jobs, nil
}

func (s *fakeJobStore) PrepRecords(_ context.Context, jobID string) (map[string]*model.BatchPreparation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*model.BatchPreparation, len(s.preps[jobID]))
	for id, rec := range s.preps[jobID] {
		c := *rec
		out[id] = &c
	}
	return out, nil
}

func (s *fakeJobStore) SavePrepRecords(_ context.Context, jobID string, records []*model.BatchPreparation) error {
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

func (s *fakeJobStore) ClearPrepRecords(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.preps, jobID)
	return nil
}

// fakePageStore is an in-memory PageStore.
type fakePageStore struct {
	mu    sync.Mutex
	pages map[string]*model.Page
}

func newFakePageStore(pages ...*model.Page) *fakePageStore {
	s := &fakePageStore{pages: make(map[string]*model.Page)}
	for _, p := range pages {
		s.pages[p.ID] = p
	}
	return s
}

func clonePage(p *model.Page) *model.Page {
	data, _ := json.Marshal(p)
	var c model.Page
	_ = json.Unmarshal(data, &c)
	return &c
}

func (s *fakePageStore) Find(_ context.Context, pageID string) (*model.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	page, ok := s.pages[pageID]
	if !ok {
		return nil, fmt.Errorf("page %s: %w", pageID, store.ErrNotFound)
	}
	return clonePage(page), nil
}

func (s *fakePageStore) FindPages(_ context.Context, ids []string) ([]*model.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Page
	for _, id := range ids {
		if page, ok := s.pages[id]; ok {
			out = append(out, clonePage(page))
		}
	}
	return out, nil
}

func (s *fakePageStore) Update(_ context.Context, pageID string, mutate func(*model.Page) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	page, ok := s.pages[pageID]
	if !ok {
		return fmt.Errorf("page %s: %w", pageID, store.ErrNotFound)
	}
	next := clonePage(page)
	if err := mutate(next); err != nil {
		return err
	}
	s.pages[pageID] = next
	return nil
}

// fakeDispatcher records continuation requests instead of enqueueing them.
type fakeDispatcher struct {
	mu     sync.Mutex
	chunks []string
	ticks  []string
}

func (d *fakeDispatcher) NextChunk(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chunks = append(d.chunks, jobID)
}

func (d *fakeDispatcher) BatchTick(jobID string, _ time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ticks = append(d.ticks, jobID)
}

func (d *fakeDispatcher) chunkCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.chunks)
}

func (d *fakeDispatcher) tickCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ticks)
}

// fakeProcessor records per-item calls; fail maps page IDs to the error their
// processing should return.
type fakeProcessor struct {
	mode ExecMode

	mu       sync.Mutex
	calls    []string
	prevByID map[string]string
	fail     map[string]error
}

func newFakeProcessor(mode ExecMode) *fakeProcessor {
	return &fakeProcessor{
		mode:     mode,
		prevByID: make(map[string]string),
		fail:     make(map[string]error),
	}
}

func (p *fakeProcessor) Mode() ExecMode { return p.mode }

func (p *fakeProcessor) Process(_ context.Context, _ *model.Job, page *model.Page, prev *StepContext) (*StepContext, error) {
	p.mu.Lock()
	p.calls = append(p.calls, page.ID)
	if prev != nil {
		p.prevByID[page.ID] = prev.PreviousText
	}
	err := p.fail[page.ID]
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &StepContext{PreviousText: "text-" + page.ID}, nil
}

func (p *fakeProcessor) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// fakeBatchProvider implements client.BatchSubmitter in memory.
type fakeBatchProvider struct {
	mu          sync.Mutex
	submissions map[string][]client.BatchRequest
	states      map[string]string
	results     map[string][]client.BatchResult
	pollErr     map[string]error
	submitErr   error
	nextRef     int
}

func newFakeBatchProvider() *fakeBatchProvider {
	return &fakeBatchProvider{
		submissions: make(map[string][]client.BatchRequest),
		states:      make(map[string]string),
		results:     make(map[string][]client.BatchResult),
		pollErr:     make(map[string]error),
	}
}

func (f *fakeBatchProvider) Submit(_ context.Context, _ string, requests []client.BatchRequest, _ string) (*client.BatchJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.nextRef++
	ref := fmt.Sprintf("batch-%d", f.nextRef)
	f.submissions[ref] = requests
	f.states[ref] = "queued"
	return &client.BatchJob{Ref: ref, State: "queued"}, nil
}

func (f *fakeBatchProvider) PollStatus(_ context.Context, ref string) (*client.BatchStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.pollErr[ref]; err != nil {
		return nil, err
	}
	return &client.BatchStatus{Ref: ref, State: f.states[ref]}, nil
}

func (f *fakeBatchProvider) FetchResults(_ context.Context, ref string) ([]client.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.results[ref], nil
}

// succeedAll marks a batch succeeded with one successful result per request.
func (f *fakeBatchProvider) succeedAll(ref string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[ref] = "completed"
	var results []client.BatchResult
	for _, req := range f.submissions[ref] {
		results = append(results, client.BatchResult{Key: req.Key, Output: "output-" + req.Key})
	}
	f.results[ref] = results
}

func (f *fakeBatchProvider) refs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.submissions))
	for i := 1; i <= f.nextRef; i++ {
		out = append(out, fmt.Sprintf("batch-%d", i))
	}
	return out
}

// fakeStorage implements client.StorageClient in memory.
type fakeStorage struct{}

func (fakeStorage) Download(_ context.Context, key string) ([]byte, error) {
	return []byte("image-bytes-" + key), nil
}

func (fakeStorage) Upload(_ context.Context, key string, _ io.Reader, _ string) (string, error) {
	return "https://cdn.test/" + key, nil
}

func (fakeStorage) Delete(context.Context, string) error { return nil }

func (fakeStorage) GetSignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://signed.test/" + key, nil
}

func (fakeStorage) GetPublicURL(key string) string { return "https://cdn.test/" + key }

// test helpers

func testPages(ids ...string) []*model.Page {
	pages := make([]*model.Page, 0, len(ids))
	for i, id := range ids {
		pages = append(pages, &model.Page{
			ID:         id,
			DocumentID: "doc-1",
			Index:      i,
			ImageKey:   "scans/doc-1/" + id + ".jpg",
		})
	}
	return pages
}

func pageIDs(n int) []string {
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, fmt.Sprintf("page-%03d", i))
	}
	return ids
}

func mustConfig(t *testing.T, cfg interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("failed to marshal config: %v", err)
	}
	return data
}

// seedJob inserts a pending job with the given type and config.
func seedJob(t *testing.T, jobs *fakeJobStore, jobType model.JobType, cfg interface{}, total int) *model.Job {
	t.Helper()
	job := &model.Job{
		ID:     "job-" + string(jobType),
		Type:   jobType,
		Status: model.JobStatusPending,
		Config: mustConfig(t, cfg),
	}
	job.Progress.Total = total
	if err := jobs.Insert(context.Background(), job); err != nil {
		t.Fatalf("failed to insert job: %v", err)
	}
	return job
}
