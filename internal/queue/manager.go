package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quillscan/quillscan/internal/models"
	"github.com/quillscan/quillscan/internal/processor"
	"github.com/quillscan/quillscan/pkg/logger"
	"github.com/quillscan/quillscan/pkg/store"
)

// snapshotInterval is how often a running job's status is flushed to the
// store for live UI progress.
const snapshotInterval = time.Second

// ErrJobNotFound is returned when a job id is neither resident nor stored.
var ErrJobNotFound = errors.New("job not found")

// Processor turns a job into page results. Satisfied by processor.FileProcessor.
type Processor interface {
	ProcessFile(ctx context.Context, job *models.Job, onProgress processor.ProgressFunc) ([]*models.OCRResult, error)
}

// UploadFile is one file submitted to AddToQueue.
type UploadFile struct {
	Name string
	Data []byte
}

// entry couples a job with its lifecycle cancellation. cancel is non-nil only
// while a runner goroutine is active; it is released exactly once.
type entry struct {
	job    *models.Job
	cancel context.CancelFunc
}

// Manager owns the in-memory working set of document jobs, mirrors every
// mutation to the store, runs the scheduling loop and exposes
// pause/resume/cancel. The store is the durable source of truth; the map is
// a cache rehydrated at startup.
type Manager struct {
	mu         sync.Mutex
	jobs       map[string]*entry
	order      []string // insertion order for stable scheduling
	proc       Processor
	processing models.ProcessingSettings
	upload     models.UploadSettings
	paused     bool
	running    bool
	wake       chan struct{}

	rootCtx    context.Context
	rootCancel context.CancelFunc

	store  store.Store
	logger logger.Logger
}

// NewManager creates a queue manager. proc may be nil when no usable
// provider is configured; the scheduling loop stays idle until SetProcessor
// installs one.
func NewManager(st store.Store, proc Processor, processing models.ProcessingSettings, upload models.UploadSettings, log logger.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		jobs:       make(map[string]*entry),
		proc:       proc,
		processing: processing,
		upload:     upload,
		wake:       make(chan struct{}, 1),
		rootCtx:    ctx,
		rootCancel: cancel,
		store:      st,
		logger:     log,
	}
}

// Rehydrate loads the persisted queue. Jobs found processing are treated as
// crashed and reset to queued.
func (m *Manager) Rehydrate(ctx context.Context) error {
	jobs, err := m.store.GetQueue(ctx)
	if err != nil {
		return fmt.Errorf("failed to load queue: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, job := range jobs {
		if job.Status == models.StatusProcessing {
			job.Status = models.StatusQueued
			job.Progress = 0
			job.CurrentPage = 0
			job.RateLimit = nil
			job.UpdatedAt = time.Now()
			m.persist(job)
		}
		m.jobs[job.ID] = &entry{job: job}
		m.order = append(m.order, job.ID)
	}

	m.logger.Info("Queue rehydrated", logger.Int("jobs", len(jobs)))
	return nil
}

// SetProcessor swaps the file processor (e.g. after a settings update).
// Running jobs keep the processor they started with.
func (m *Manager) SetProcessor(proc Processor) {
	m.mu.Lock()
	m.proc = proc
	m.mu.Unlock()
}

// UpdateSettings replaces the tuning used for future scheduling passes and
// upload validation.
func (m *Manager) UpdateSettings(processing models.ProcessingSettings, upload models.UploadSettings) {
	m.mu.Lock()
	m.processing = processing
	m.upload = upload
	m.mu.Unlock()
}

// AddToQueue validates and admits files, returning the generated job ids.
// Invalid files are rejected individually with a ValidationError and never
// enter the queue; valid files from the same batch are still admitted.
func (m *Manager) AddToQueue(ctx context.Context, files []UploadFile) ([]string, error) {
	m.mu.Lock()
	upload := m.upload
	m.mu.Unlock()

	if len(files) > upload.MaxSimultaneousUploads {
		return nil, &models.ValidationError{
			Reason: fmt.Sprintf("too many files: %d exceeds limit of %d", len(files), upload.MaxSimultaneousUploads),
		}
	}

	var ids []string
	var errs []error
	for _, f := range files {
		if err := validateFile(f, upload); err != nil {
			errs = append(errs, err)
			continue
		}

		job := &models.Job{
			ID:        uuid.New().String(),
			Filename:  f.Name,
			Status:    models.StatusQueued,
			FileSize:  int64(len(f.Data)),
			FileType:  fileTypeOf(f.Name),
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
			Data:      f.Data,
		}

		m.mu.Lock()
		m.jobs[job.ID] = &entry{job: job}
		m.order = append(m.order, job.ID)
		m.persist(job)
		m.mu.Unlock()

		ids = append(ids, job.ID)

		m.logger.Info("Job queued",
			logger.String("jobId", job.ID),
			logger.String("filename", job.Filename),
			logger.Int64("size", job.FileSize),
		)
	}

	return ids, errors.Join(errs...)
}

func validateFile(f UploadFile, upload models.UploadSettings) error {
	if int64(len(f.Data)) > upload.MaxFileSize {
		return &models.ValidationError{
			Filename: f.Name,
			Reason:   fmt.Sprintf("size %d exceeds maximum of %d bytes", len(f.Data), upload.MaxFileSize),
		}
	}

	ext := strings.ToLower(filepath.Ext(f.Name))
	for _, allowed := range upload.AllowedFileTypes {
		if ext == allowed {
			return nil
		}
	}
	return &models.ValidationError{
		Filename: f.Name,
		Reason:   fmt.Sprintf("unsupported file type %q", ext),
	}
}

func fileTypeOf(name string) models.FileType {
	if strings.EqualFold(filepath.Ext(name), ".pdf") {
		return models.PDF
	}
	return models.Image
}

// ProcessQueue starts the scheduling loop. No-op when already running,
// paused, or no usable provider is configured.
func (m *Manager) ProcessQueue() {
	m.mu.Lock()
	if m.running || m.paused || m.proc == nil {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	go m.runLoop()
}

// runLoop is the bounded scheduler: each iteration sweeps expired rate-limit
// holds, dispatches a pass, then blocks until woken or ticked. It exits when
// the queue drains or the manager pauses; the next trigger restarts it.
func (m *Manager) runLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		m.sweepRateLimited()
		m.dispatchPass()

		m.mu.Lock()
		idle := m.activeLocked() == 0 && m.queuedLocked() == 0 && m.heldLocked() == 0
		stop := m.paused || idle
		if stop {
			m.running = false
		}
		m.mu.Unlock()

		if stop {
			return
		}

		select {
		case <-m.wake:
		case <-ticker.C:
		case <-m.rootCtx.Done():
			m.mu.Lock()
			m.running = false
			m.mu.Unlock()
			return
		}
	}
}

// dispatchPass starts queued jobs up to the concurrency cap. Jobs held by a
// rate-limit window stay processing and are not re-dispatched here.
func (m *Manager) dispatchPass() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.paused || m.proc == nil {
		return
	}

	slots := m.processing.MaxConcurrentJobs - m.activeLocked()
	for _, id := range m.order {
		if slots <= 0 {
			break
		}
		e := m.jobs[id]
		if e == nil || e.job.Status != models.StatusQueued {
			continue
		}

		jobCtx, cancel := context.WithCancel(m.rootCtx)
		e.cancel = cancel
		e.job.Status = models.StatusProcessing
		e.job.UpdatedAt = time.Now()
		m.persist(e.job)

		go m.runJob(jobCtx, e, m.proc)
		go m.flushSnapshots(jobCtx, e.job.ID)

		slots--

		m.logger.Info("Job dispatched", logger.String("jobId", e.job.ID))
	}
}

// runJob executes one job to a terminal or held state.
func (m *Manager) runJob(ctx context.Context, e *entry, proc Processor) {
	job := e.job

	onProgress := func(currentPage, totalPages, progress int) {
		m.mu.Lock()
		job.CurrentPage = currentPage
		job.TotalPages = totalPages
		if progress > 100 {
			progress = 100
		}
		job.Progress = progress
		job.UpdatedAt = time.Now()
		m.mu.Unlock()
	}

	results, err := proc.ProcessFile(ctx, job, onProgress)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.releaseToken(e)

	switch {
	case err == nil:
		if info := longestRateLimit(results); info != nil {
			m.holdRateLimited(job, results, info)
			return
		}
		m.complete(job, results)

	case errors.Is(err, context.Canceled):
		// Cancellation and pause demotion already set the job's state;
		// the catch path changes nothing further.

	default:
		if rle, ok := models.AsRateLimit(err); ok {
			now := time.Now()
			m.holdRateLimited(job, results, &models.RateLimitInfo{
				IsRateLimited: true,
				RetryAfter:    rle.RetryAfter,
				StartedAt:     now,
				RetryAt:       now.Add(time.Duration(rle.RetryAfter) * time.Second),
			})
			return
		}
		m.fail(job, err)
	}

	m.notify()
}

// complete persists results in batches and finalizes the job. Batch size
// shrinks for very large documents to bound payload size.
func (m *Manager) complete(job *models.Job, results []*models.OCRResult) {
	batchSize := 50
	if job.TotalPages > 100 {
		batchSize = 20
	}

	for start := 0; start < len(results); start += batchSize {
		end := start + batchSize
		if end > len(results) {
			end = len(results)
		}
		if err := m.store.SaveResults(m.rootCtx, job.ID, results[start:end]); err != nil {
			m.fail(job, fmt.Errorf("failed to persist results: %w", err))
			return
		}
	}

	ended := time.Now()
	job.Status = models.StatusCompleted
	job.Progress = 100
	job.RateLimit = nil
	job.UpdatedAt = ended
	job.EndedAt = &ended
	m.persist(job)

	m.logger.Info("Job completed",
		logger.String("jobId", job.ID),
		logger.Int("pages", len(results)),
	)
}

// holdRateLimited records the backoff window on the job, persists any partial
// results already produced, and leaves the job processing until the deadline
// sweep requeues it.
func (m *Manager) holdRateLimited(job *models.Job, partial []*models.OCRResult, info *models.RateLimitInfo) {
	if len(partial) > 0 {
		if err := m.store.SaveResults(m.rootCtx, job.ID, partial); err != nil {
			m.logger.Error("Failed to persist partial results",
				logger.String("jobId", job.ID),
				logger.Error(err),
			)
		}
	}

	job.RateLimit = info
	job.UpdatedAt = time.Now()
	m.persist(job)

	m.logger.Warn("Job held by rate limit",
		logger.String("jobId", job.ID),
		logger.Int("retryAfter", info.RetryAfter),
	)
}

func (m *Manager) fail(job *models.Job, err error) {
	ended := time.Now()
	job.Status = models.StatusError
	job.Error = err.Error()
	job.RateLimit = nil
	job.UpdatedAt = ended
	job.EndedAt = &ended
	m.persist(job)

	m.logger.Error("Job failed",
		logger.String("jobId", job.ID),
		logger.Error(err),
	)
}

// sweepRateLimited requeues processing jobs whose rate-limit deadline has
// elapsed, clearing their window.
func (m *Manager) sweepRateLimited() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, e := range m.jobs {
		job := e.job
		if job.Status != models.StatusProcessing || job.RateLimit == nil {
			continue
		}
		if e.cancel != nil || now.Before(job.RateLimit.RetryAt) {
			continue
		}

		job.RateLimit = nil
		job.Status = models.StatusQueued
		job.UpdatedAt = now
		m.persist(job)

		m.logger.Info("Rate-limit window elapsed, job requeued", logger.String("jobId", job.ID))
	}
}

// flushSnapshots persists the job's live status every second while it runs.
func (m *Manager) flushSnapshots(ctx context.Context, jobID string) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			e := m.jobs[jobID]
			if e == nil || e.job.Status != models.StatusProcessing {
				m.mu.Unlock()
				return
			}
			m.persist(e.job)
			m.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

// PauseQueue pauses scheduling, aborts every in-flight job and demotes it
// back to queued.
func (m *Manager) PauseQueue() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.paused = true

	for _, e := range m.jobs {
		if e.job.Status != models.StatusProcessing {
			continue
		}
		m.releaseToken(e)
		e.job.Status = models.StatusQueued
		e.job.Progress = 0
		e.job.CurrentPage = 0
		e.job.RateLimit = nil
		e.job.UpdatedAt = time.Now()
		m.persist(e.job)
	}

	m.logger.Info("Queue paused")
}

// ResumeQueue clears the paused flag and restarts the scheduling loop.
func (m *Manager) ResumeQueue() {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()

	m.logger.Info("Queue resumed")
	m.ProcessQueue()
}

// CancelProcessing aborts one job and marks it cancelled. A queued job is
// cancelled directly without any provider call having been issued.
func (m *Manager) CancelProcessing(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.jobs[id]
	if e == nil {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if e.job.Status.Terminal() {
		return fmt.Errorf("job %s is already %s", id, e.job.Status)
	}

	m.releaseToken(e)

	e.job.Status = models.StatusCancelled
	if e.job.Progress > 100 {
		e.job.Progress = 100
	}
	ended := time.Now()
	e.job.Message = "Processing cancelled by user"
	e.job.RateLimit = nil
	e.job.UpdatedAt = ended
	e.job.EndedAt = &ended
	m.persist(e.job)

	m.logger.Info("Job cancelled", logger.String("jobId", id))
	return nil
}

// GetStatus returns a snapshot of one job, falling back to the store when
// the job is not resident.
func (m *Manager) GetStatus(ctx context.Context, id string) (*models.Job, error) {
	m.mu.Lock()
	if e := m.jobs[id]; e != nil {
		job := e.job.Clone()
		m.mu.Unlock()
		return job, nil
	}
	m.mu.Unlock()

	jobs, err := m.store.GetQueue(ctx)
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		if job.ID == id {
			return job, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
}

// GetAllStatus snapshots the whole working set in submission order.
func (m *Manager) GetAllStatus() []*models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.Job, 0, len(m.order))
	for _, id := range m.order {
		if e := m.jobs[id]; e != nil {
			out = append(out, e.job.Clone())
		}
	}
	return out
}

// Paused reports whether the queue is paused.
func (m *Manager) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

// Close stops the scheduling loop and aborts all in-flight work.
func (m *Manager) Close() {
	m.rootCancel()
}

// releaseToken cancels and clears the entry's lifecycle token. Safe to call
// more than once; the token is released exactly once.
func (m *Manager) releaseToken(e *entry) {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

// notify nudges the scheduling loop without blocking.
func (m *Manager) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// persist mirrors a job snapshot to the store. Called with m.mu held; store
// failures are logged, the in-memory state stays authoritative for the run.
func (m *Manager) persist(job *models.Job) {
	if err := m.store.SaveToQueue(m.rootCtx, job); err != nil {
		m.logger.Error("Failed to persist job",
			logger.String("jobId", job.ID),
			logger.Error(err),
		)
	}
}

func (m *Manager) activeLocked() int {
	n := 0
	for _, e := range m.jobs {
		if e.cancel != nil {
			n++
		}
	}
	return n
}

func (m *Manager) queuedLocked() int {
	n := 0
	for _, e := range m.jobs {
		if e.job.Status == models.StatusQueued {
			n++
		}
	}
	return n
}

// heldLocked counts jobs parked in processing by a rate-limit window.
func (m *Manager) heldLocked() int {
	n := 0
	for _, e := range m.jobs {
		if e.job.Status == models.StatusProcessing && e.cancel == nil && e.job.RateLimit != nil {
			n++
		}
	}
	return n
}

// longestRateLimit scans page results for attached rate-limit info and
// returns the one with the longest retryAfter.
func longestRateLimit(results []*models.OCRResult) *models.RateLimitInfo {
	var longest *models.RateLimitInfo
	for _, r := range results {
		if r.RateLimit == nil {
			continue
		}
		if longest == nil || r.RateLimit.RetryAfter > longest.RetryAfter {
			info := *r.RateLimit
			longest = &info
		}
	}
	return longest
}
