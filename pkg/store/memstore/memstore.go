package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/quillscan/quillscan/internal/models"
)

// MemStore is an in-memory store used in tests and single-node development.
// Snapshots are deep-copied on the way in and out.
type MemStore struct {
	mu      sync.Mutex
	jobs    map[string]*models.Job
	results map[string]map[int]*models.OCRResult
}

// New creates an empty in-memory store.
func New() *MemStore {
	return &MemStore{
		jobs:    make(map[string]*models.Job),
		results: make(map[string]map[int]*models.OCRResult),
	}
}

// GetQueue implements store.Store.
func (s *MemStore) GetQueue(ctx context.Context) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]*models.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j.Clone())
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

// SaveToQueue implements store.Store.
func (s *MemStore) SaveToQueue(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job.Clone()
	return nil
}

// RemoveFromQueue implements store.Store.
func (s *MemStore) RemoveFromQueue(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	delete(s.results, id)
	return nil
}

// SaveResults implements store.Store. Results are upserted by page number.
func (s *MemStore) SaveResults(ctx context.Context, documentID string, results []*models.OCRResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pages := s.results[documentID]
	if pages == nil {
		pages = make(map[int]*models.OCRResult)
		s.results[documentID] = pages
	}
	for _, r := range results {
		cp := *r
		pages[r.PageNumber] = &cp
	}
	return nil
}

// GetResults implements store.Store.
func (s *MemStore) GetResults(ctx context.Context, documentID string) ([]*models.OCRResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pages := s.results[documentID]
	out := make([]*models.OCRResult, 0, len(pages))
	for _, r := range pages {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PageNumber < out[j].PageNumber })
	return out, nil
}
