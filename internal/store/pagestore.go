package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/model"
)

const pageKeyPrefix = "page:"

// RedisPageStore is the work item catalog: scanned pages and their derived
// artifacts, stored as JSON blobs under page:<id>.
type RedisPageStore struct {
	rdb *redis.Client
}

// NewRedisPageStore creates a page store backed by the given Redis client.
func NewRedisPageStore(rdb *redis.Client) *RedisPageStore {
	return &RedisPageStore{rdb: rdb}
}

func pageKey(id string) string {
	return pageKeyPrefix + id
}

// Insert creates a page record.
func (s *RedisPageStore) Insert(ctx context.Context, page *model.Page) error {
	if page.ID == "" {
		return fmt.Errorf("page ID is required")
	}
	now := time.Now().UTC()
	if page.CreatedAt.IsZero() {
		page.CreatedAt = now
	}
	page.UpdatedAt = now

	payload, err := json.Marshal(page)
	if err != nil {
		return fmt.Errorf("failed to marshal page: %w", err)
	}
	return s.rdb.Set(ctx, pageKey(page.ID), payload, 0).Err()
}

// Find returns a single page, or ErrNotFound.
func (s *RedisPageStore) Find(ctx context.Context, pageID string) (*model.Page, error) {
	data, err := s.rdb.Get(ctx, pageKey(pageID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("page %s: %w", pageID, ErrNotFound)
		}
		return nil, err
	}
	var page model.Page
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, fmt.Errorf("failed to unmarshal page %s: %w", pageID, err)
	}
	return &page, nil
}

// FindPages returns the pages for the given IDs in the given order. Missing
// pages are skipped rather than failing the lookup; the caller records them
// as failed items.
func (s *RedisPageStore) FindPages(ctx context.Context, ids []string) ([]*model.Page, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = pageKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	pages := make([]*model.Page, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var page model.Page
		if err := json.Unmarshal([]byte(raw), &page); err != nil {
			continue
		}
		pages = append(pages, &page)
	}
	return pages, nil
}

// Update applies mutate to a page under an optimistic WATCH loop. Derived
// artifacts are written with last-write-wins semantics; rewriting the same
// final value is safe.
func (s *RedisPageStore) Update(ctx context.Context, pageID string, mutate func(*model.Page) error) error {
	key := pageKey(pageID)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				return fmt.Errorf("page %s: %w", pageID, ErrNotFound)
			}
			return err
		}
		var page model.Page
		if err := json.Unmarshal(data, &page); err != nil {
			return fmt.Errorf("failed to unmarshal page %s: %w", pageID, err)
		}
		if err := mutate(&page); err != nil {
			return err
		}
		page.UpdatedAt = time.Now().UTC()

		payload, err := json.Marshal(&page)
		if err != nil {
			return fmt.Errorf("failed to marshal page %s: %w", pageID, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}

	for i := 0; i < watchRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
	return fmt.Errorf("page %s: update contention not resolved after %d attempts", pageID, watchRetries)
}
