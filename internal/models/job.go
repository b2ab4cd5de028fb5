package models

import (
	"time"
)

// FileType classifies an uploaded document.
type FileType string

const (
	PDF   FileType = "pdf"
	Image FileType = "image"
)

// JobStatus is the processing state of a document job.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusError      JobStatus = "error"
	StatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// Job is a document's processing record. Data holds the uploaded bytes for the
// lifetime of the job and is never persisted.
type Job struct {
	ID          string         `json:"id"`
	Filename    string         `json:"filename"`
	Status      JobStatus      `json:"status"`
	Progress    int            `json:"progress"`
	CurrentPage int            `json:"currentPage,omitempty"`
	TotalPages  int            `json:"totalPages,omitempty"`
	FileSize    int64          `json:"fileSize"`
	FileType    FileType       `json:"fileType"`
	RateLimit   *RateLimitInfo `json:"rateLimitInfo,omitempty"`
	// Error is set iff Status == StatusError.
	Error string `json:"error,omitempty"`
	// Message carries non-error notes (e.g. user cancellation) for the UI.
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	// EndedAt is nil until the job reaches a terminal status.
	EndedAt *time.Time `json:"endedAt,omitempty"`

	Data []byte `json:"-"`
}

// Clone returns a copy safe to hand out; the transient payload is not shared.
func (j *Job) Clone() *Job {
	c := *j
	c.Data = nil
	if j.RateLimit != nil {
		rl := *j.RateLimit
		c.RateLimit = &rl
	}
	if j.EndedAt != nil {
		ended := *j.EndedAt
		c.EndedAt = &ended
	}
	return &c
}

// RateLimitInfo describes a provider backoff window, copied into jobs and
// results for UI visibility. The rate limiter owns the authoritative state.
type RateLimitInfo struct {
	IsRateLimited bool      `json:"isRateLimited"`
	RetryAfter    int       `json:"retryAfter"` // seconds
	StartedAt     time.Time `json:"rateLimitStart"`
	RetryAt       time.Time `json:"retryAt"`
}

// OCRResult holds one page's (or one whole document's) extracted text.
// Results are keyed by (DocumentID, PageNumber); PageNumber is 1-based.
type OCRResult struct {
	ID           string         `json:"id"`
	DocumentID   string         `json:"documentId"`
	PageNumber   int            `json:"pageNumber"`
	TotalPages   int            `json:"totalPages"`
	Text         string         `json:"text"`
	Confidence   float64        `json:"confidence"`
	Language     string         `json:"language,omitempty"`
	ProcessingMs int64          `json:"processingTime"`
	ImageURL     string         `json:"imageUrl,omitempty"`
	Error        string         `json:"error,omitempty"`
	RateLimit    *RateLimitInfo `json:"rateLimitInfo,omitempty"`
}
