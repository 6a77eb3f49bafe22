// Package store persists jobs, batch preparation records and pages in Redis.
// All mutations go through optimistic WATCH read-modify-write loops so two
// overlapping invocations (a stale-resume racing a live continuation) never
// lose counter increments.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/model"
)

const (
	jobKeyPrefix  = "job:"
	jobIndexKey   = "jobs:index"
	prepKeySuffix = ":prep"

	// watchRetries bounds the optimistic-concurrency retry loop.
	watchRetries = 16
)

// ErrNotFound is returned when a job or page does not exist.
var ErrNotFound = errors.New("not found")

// JobFilter narrows a job listing.
type JobFilter struct {
	Status     model.JobStatus
	Type       model.JobType
	DocumentID string
	// UpdatedBefore filters to jobs whose last update is older than the
	// given instant (used by the staleness monitor).
	UpdatedBefore time.Time
	Limit         int
	Offset        int
}

// RedisJobStore stores jobs as JSON blobs under job:<id> with a
// creation-time index zset for listing.
type RedisJobStore struct {
	rdb *redis.Client
}

// NewRedisJobStore creates a job store backed by the given Redis client.
func NewRedisJobStore(rdb *redis.Client) *RedisJobStore {
	return &RedisJobStore{rdb: rdb}
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

func prepKey(jobID string) string {
	return jobKeyPrefix + jobID + prepKeySuffix
}

// Insert creates a new job record and indexes it.
func (s *RedisJobStore) Insert(ctx context.Context, job *model.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), payload, 0)
	pipe.ZAdd(ctx, jobIndexKey, redis.Z{Score: float64(job.CreatedAt.UnixMilli()), Member: job.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// Find returns a job by ID, or ErrNotFound.
func (s *RedisJobStore) Find(ctx context.Context, jobID string) (*model.Job, error) {
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
		}
		return nil, err
	}
	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", jobID, err)
	}
	return &job, nil
}

// Update applies mutate to the stored job under an optimistic WATCH loop and
// returns the updated record. If mutate returns an error nothing is written
// and the error is propagated — transition validation relies on this.
func (s *RedisJobStore) Update(ctx context.Context, jobID string, mutate func(*model.Job) error) (*model.Job, error) {
	key := jobKey(jobID)
	var updated *model.Job

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
			}
			return err
		}
		var job model.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("failed to unmarshal job %s: %w", jobID, err)
		}
		if err := mutate(&job); err != nil {
			return err
		}
		job.UpdatedAt = time.Now().UTC()

		payload, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("failed to marshal job %s: %w", jobID, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		if err == nil {
			updated = &job
		}
		return err
	}

	for i := 0; i < watchRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("job %s: update contention not resolved after %d attempts", jobID, watchRetries)
}

// Delete removes a job, its index entry and any preparation records.
func (s *RedisJobStore) Delete(ctx context.Context, jobID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, jobKey(jobID))
	pipe.Del(ctx, prepKey(jobID))
	pipe.ZRem(ctx, jobIndexKey, jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// List returns jobs matching the filter, newest first.
func (s *RedisJobStore) List(ctx context.Context, filter JobFilter) ([]*model.Job, error) {
	ids, err := s.rdb.ZRevRange(ctx, jobIndexKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var jobs []*model.Job
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Index entry without a record: the job was deleted mid-listing.
			continue
		}
		var job model.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		if MatchesFilter(&job, filter) {
			jobs = append(jobs, &job)
		}
	}

	return paginate(jobs, filter.Offset, filter.Limit), nil
}

// MatchesFilter reports whether a job satisfies every set field of the filter.
func MatchesFilter(job *model.Job, filter JobFilter) bool {
	if filter.Status != "" && job.Status != filter.Status {
		return false
	}
	if filter.Type != "" && job.Type != filter.Type {
		return false
	}
	if filter.DocumentID != "" && job.DocumentID != filter.DocumentID {
		return false
	}
	if !filter.UpdatedBefore.IsZero() && !job.UpdatedAt.Before(filter.UpdatedBefore) {
		return false
	}
	return true
}

func paginate(jobs []*model.Job, offset, limit int) []*model.Job {
	if offset >= len(jobs) {
		return nil
	}
	jobs = jobs[offset:]
	if limit > 0 && limit < len(jobs) {
		jobs = jobs[:limit]
	}
	return jobs
}

// PrepRecords returns every preparation record of a job, keyed by item ID.
func (s *RedisJobStore) PrepRecords(ctx context.Context, jobID string) (map[string]*model.BatchPreparation, error) {
	fields, err := s.rdb.HGetAll(ctx, prepKey(jobID)).Result()
	if err != nil {
		return nil, err
	}
	records := make(map[string]*model.BatchPreparation, len(fields))
	for itemID, raw := range fields {
		var rec model.BatchPreparation
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal prep record %s/%s: %w", jobID, itemID, err)
		}
		records[itemID] = &rec
	}
	return records, nil
}

// SavePrepRecords writes preparation records. Existing records for other
// items are left untouched, which is what makes the preparing phase
// idempotent across invocations.
func (s *RedisJobStore) SavePrepRecords(ctx context.Context, jobID string, records []*model.BatchPreparation) error {
	if len(records) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(records)*2)
	for _, rec := range records {
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal prep record %s/%s: %w", jobID, rec.ItemID, err)
		}
		values = append(values, rec.ItemID, payload)
	}
	return s.rdb.HSet(ctx, prepKey(jobID), values...).Err()
}

// ClearPrepRecords drops a job's preparation records once submission records
// supersede them.
func (s *RedisJobStore) ClearPrepRecords(ctx context.Context, jobID string) error {
	return s.rdb.Del(ctx, prepKey(jobID)).Err()
}

// SortJobsByCreated orders jobs newest-first in place. List already returns
// this order; the helper exists for callers merging multiple listings.
func SortJobsByCreated(jobs []*model.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
}
