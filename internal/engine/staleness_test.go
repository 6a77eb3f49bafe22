package engine

import (
	"context"
	"testing"
	"time"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/model"
)

// ageJob backdates a job's last write so the monitor considers it stale.
func ageJob(s *fakeJobStore, jobID string, age time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[jobID].UpdatedAt = time.Now().UTC().Add(-age)
}

func seedProcessingJob(t *testing.T, jobs *fakeJobStore, id string, jobType model.JobType, phase model.BatchPhase) {
	t.Helper()
	job := &model.Job{
		ID:         id,
		Type:       jobType,
		Status:     model.JobStatusProcessing,
		Config:     []byte(`{"itemIds":["a"]}`),
		BatchPhase: phase,
	}
	if err := jobs.Insert(context.Background(), job); err != nil {
		t.Fatalf("insert %s: %v", id, err)
	}
}

func TestMonitor_FindStaleFiltersByAgeAndStatus(t *testing.T) {
	jobs := newFakeJobStore()
	dispatcher := &fakeDispatcher{}
	monitor := NewMonitor(jobs, dispatcher, 10*time.Minute)

	seedProcessingJob(t, jobs, "stuck", model.JobTypeRecognition, "")
	ageJob(jobs, "stuck", 20*time.Minute)

	seedProcessingJob(t, jobs, "live", model.JobTypeRecognition, "")

	old := seedJob(t, jobs, model.JobTypeRecognition,
		model.RecognitionConfig{ItemIDs: []string{"a"}, Model: "gpt-4o-mini"}, 1)
	ageJob(jobs, old.ID, 20*time.Minute) // pending, old but not processing

	stale, err := monitor.FindStale(context.Background())
	if err != nil {
		t.Fatalf("find stale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "stuck" {
		t.Fatalf("got stale jobs %v, want only the stuck one", jobIDsOf(stale))
	}
}

func TestMonitor_ResumeRoutesByInvocationPath(t *testing.T) {
	jobs := newFakeJobStore()
	dispatcher := &fakeDispatcher{}
	monitor := NewMonitor(jobs, dispatcher, 10*time.Minute)

	cases := []struct {
		id        string
		jobType   model.JobType
		phase     model.BatchPhase
		wantTicks int
	}{
		{"chunked", model.JobTypeRecognition, "", 0},
		{"batch-preparing", model.JobTypeBatchRecognition, model.BatchPhasePreparing, 0},
		{"batch-polling", model.JobTypeBatchRecognition, model.BatchPhaseSubmitted, 1},
	}

	for _, tc := range cases {
		d := &fakeDispatcher{}
		monitor = NewMonitor(jobs, d, 10*time.Minute)
		monitor.Resume(&model.Job{ID: tc.id, Type: tc.jobType, Status: model.JobStatusProcessing, BatchPhase: tc.phase})
		if d.tickCount() != tc.wantTicks {
			t.Errorf("%s: got %d batch ticks, want %d", tc.id, d.tickCount(), tc.wantTicks)
		}
		if d.chunkCount() != 1-tc.wantTicks {
			t.Errorf("%s: got %d chunk dispatches, want %d", tc.id, d.chunkCount(), 1-tc.wantTicks)
		}
	}
}

func TestMonitor_ResumeStaleRedispatchesEveryStaleJob(t *testing.T) {
	jobs := newFakeJobStore()
	dispatcher := &fakeDispatcher{}
	monitor := NewMonitor(jobs, dispatcher, 10*time.Minute)

	seedProcessingJob(t, jobs, "stuck-1", model.JobTypeRecognition, "")
	seedProcessingJob(t, jobs, "stuck-2", model.JobTypeBatchRecognition, model.BatchPhaseSubmitted)
	ageJob(jobs, "stuck-1", 15*time.Minute)
	ageJob(jobs, "stuck-2", 15*time.Minute)

	n, err := monitor.ResumeStale(context.Background())
	if err != nil {
		t.Fatalf("resume stale: %v", err)
	}
	if n != 2 {
		t.Fatalf("resumed %d jobs, want 2", n)
	}
	if dispatcher.chunkCount() != 1 || dispatcher.tickCount() != 1 {
		t.Errorf("got %d chunks / %d ticks, want 1/1", dispatcher.chunkCount(), dispatcher.tickCount())
	}
}

func jobIDsOf(jobs []*model.Job) []string {
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	return ids
}
