package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/quillscan/quillscan/internal/models"
	"github.com/quillscan/quillscan/pkg/logger"
)

const (
	queueKey         = "ocr:queue"
	resultsKeyPrefix = "ocr:results:"
)

// RedisStore persists jobs and page results in Redis hashes. The queue lives
// in one hash keyed by job id; each document's results live in a hash keyed by
// page number, which gives upsert-by-(document, page) for free.
type RedisStore struct {
	client *redis.Client
	logger logger.Logger
}

type Config struct {
	Addr     string
	Password string
	DB       int
}

// New creates a Redis-backed store.
func New(cfg *Config, log logger.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client, logger: log}, nil
}

// GetQueue implements store.Store.
func (s *RedisStore) GetQueue(ctx context.Context) ([]*models.Job, error) {
	raw, err := s.client.HGetAll(ctx, queueKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}

	jobs := make([]*models.Job, 0, len(raw))
	for id, data := range raw {
		var job models.Job
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			s.logger.Error("Skipping corrupt job record",
				logger.String("jobId", id),
				logger.Error(err),
			)
			continue
		}
		jobs = append(jobs, &job)
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})

	return jobs, nil
}

// SaveToQueue implements store.Store.
func (s *RedisStore) SaveToQueue(ctx context.Context, job *models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := s.client.HSet(ctx, queueKey, job.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}

	return nil
}

// RemoveFromQueue implements store.Store.
func (s *RedisStore) RemoveFromQueue(ctx context.Context, id string) error {
	if err := s.client.HDel(ctx, queueKey, id).Err(); err != nil {
		return fmt.Errorf("failed to remove job: %w", err)
	}
	if err := s.client.Del(ctx, resultsKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("failed to remove results: %w", err)
	}
	return nil
}

// SaveResults implements store.Store.
func (s *RedisStore) SaveResults(ctx context.Context, documentID string, results []*models.OCRResult) error {
	if len(results) == 0 {
		return nil
	}

	fields := make(map[string]interface{}, len(results))
	for _, r := range results {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal result page %d: %w", r.PageNumber, err)
		}
		fields[strconv.Itoa(r.PageNumber)] = data
	}

	if err := s.client.HSet(ctx, resultsKeyPrefix+documentID, fields).Err(); err != nil {
		return fmt.Errorf("failed to save results: %w", err)
	}

	return nil
}

// GetResults implements store.Store.
func (s *RedisStore) GetResults(ctx context.Context, documentID string) ([]*models.OCRResult, error) {
	raw, err := s.client.HGetAll(ctx, resultsKeyPrefix+documentID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load results: %w", err)
	}

	results := make([]*models.OCRResult, 0, len(raw))
	for page, data := range raw {
		var r models.OCRResult
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			s.logger.Error("Skipping corrupt result record",
				logger.String("documentId", documentID),
				logger.String("page", page),
				logger.Error(err),
			)
			continue
		}
		results = append(results, &r)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].PageNumber < results[j].PageNumber
	})

	return results, nil
}

// Close releases the underlying connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
