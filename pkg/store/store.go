package store

import (
	"context"

	"github.com/quillscan/quillscan/internal/models"
)

// Store is the durable persistence collaborator for jobs and results. The
// queue manager's in-memory map is a cache; the store is the source of truth
// across restarts. SaveResults must upsert by (documentID, pageNumber) so
// batched partial saves can be repeated safely.
type Store interface {
	// GetQueue returns every persisted job.
	GetQueue(ctx context.Context) ([]*models.Job, error)
	// SaveToQueue upserts one job snapshot.
	SaveToQueue(ctx context.Context, job *models.Job) error
	// RemoveFromQueue deletes a job record.
	RemoveFromQueue(ctx context.Context, id string) error
	// SaveResults upserts page results for a document.
	SaveResults(ctx context.Context, documentID string, results []*models.OCRResult) error
	// GetResults returns all results for a document ordered by page number.
	GetResults(ctx context.Context, documentID string) ([]*models.OCRResult, error)
}
