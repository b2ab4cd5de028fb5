package models

import "time"

// ProcessingSettings tunes the pipeline's concurrency and retry behavior.
type ProcessingSettings struct {
	MaxConcurrentJobs int           `json:"maxConcurrentJobs" yaml:"maxConcurrentJobs"`
	PagesPerChunk     int           `json:"pagesPerChunk" yaml:"pagesPerChunk"`
	ConcurrentChunks  int           `json:"concurrentChunks" yaml:"concurrentChunks"`
	RetryAttempts     int           `json:"retryAttempts" yaml:"retryAttempts"`
	RetryDelay        time.Duration `json:"retryDelay" yaml:"retryDelay"`
}

// UploadSettings constrains what addToQueue admits.
type UploadSettings struct {
	MaxFileSize            int64    `json:"maxFileSize" yaml:"maxFileSize"`
	AllowedFileTypes       []string `json:"allowedFileTypes" yaml:"allowedFileTypes"`
	MaxSimultaneousUploads int      `json:"maxSimultaneousUploads" yaml:"maxSimultaneousUploads"`
}

// DefaultProcessingSettings returns the stock pipeline tuning.
func DefaultProcessingSettings() ProcessingSettings {
	return ProcessingSettings{
		MaxConcurrentJobs: 3,
		PagesPerChunk:     5,
		ConcurrentChunks:  2,
		RetryAttempts:     3,
		RetryDelay:        2 * time.Second,
	}
}

// ApplyDefaults fills zero-valued fields with the stock tuning.
func (s *ProcessingSettings) ApplyDefaults() {
	def := DefaultProcessingSettings()
	if s.MaxConcurrentJobs <= 0 {
		s.MaxConcurrentJobs = def.MaxConcurrentJobs
	}
	if s.PagesPerChunk <= 0 {
		s.PagesPerChunk = def.PagesPerChunk
	}
	if s.ConcurrentChunks <= 0 {
		s.ConcurrentChunks = def.ConcurrentChunks
	}
	if s.RetryAttempts <= 0 {
		s.RetryAttempts = def.RetryAttempts
	}
	if s.RetryDelay <= 0 {
		s.RetryDelay = def.RetryDelay
	}
}

// ApplyDefaults fills zero-valued fields with the stock constraints.
func (s *UploadSettings) ApplyDefaults() {
	def := DefaultUploadSettings()
	if s.MaxFileSize <= 0 {
		s.MaxFileSize = def.MaxFileSize
	}
	if len(s.AllowedFileTypes) == 0 {
		s.AllowedFileTypes = def.AllowedFileTypes
	}
	if s.MaxSimultaneousUploads <= 0 {
		s.MaxSimultaneousUploads = def.MaxSimultaneousUploads
	}
}

// DefaultUploadSettings returns the stock upload constraints.
func DefaultUploadSettings() UploadSettings {
	return UploadSettings{
		MaxFileSize:            50 * 1024 * 1024, // 50MB
		AllowedFileTypes:       []string{".pdf", ".jpg", ".jpeg", ".png", ".tiff", ".webp"},
		MaxSimultaneousUploads: 10,
	}
}
