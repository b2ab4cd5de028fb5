package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillscan/quillscan/internal/models"
	"github.com/quillscan/quillscan/internal/processor"
	"github.com/quillscan/quillscan/pkg/logger"
	"github.com/quillscan/quillscan/pkg/store/memstore"
)

// stubProc is a scriptable processor. The handler receives the attempt
// number, counted per job id.
type stubProc struct {
	mu       sync.Mutex
	attempts map[string]int
	handler  func(ctx context.Context, job *models.Job, attempt int, onProgress processor.ProgressFunc) ([]*models.OCRResult, error)
}

func newStubProc(handler func(ctx context.Context, job *models.Job, attempt int, onProgress processor.ProgressFunc) ([]*models.OCRResult, error)) *stubProc {
	return &stubProc{attempts: make(map[string]int), handler: handler}
}

func (p *stubProc) ProcessFile(ctx context.Context, job *models.Job, onProgress processor.ProgressFunc) ([]*models.OCRResult, error) {
	p.mu.Lock()
	p.attempts[job.ID]++
	attempt := p.attempts[job.ID]
	p.mu.Unlock()
	return p.handler(ctx, job, attempt, onProgress)
}

func (p *stubProc) attemptCount(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts[id]
}

func pageResult(jobID string, page, total int) *models.OCRResult {
	return &models.OCRResult{
		DocumentID: jobID,
		PageNumber: page,
		TotalPages: total,
		Text:       fmt.Sprintf("page %d", page),
	}
}

func succeedAll(ctx context.Context, job *models.Job, attempt int, onProgress processor.ProgressFunc) ([]*models.OCRResult, error) {
	if onProgress != nil {
		onProgress(1, 1, 100)
	}
	return []*models.OCRResult{pageResult(job.ID, 1, 1)}, nil
}

func newTestManager(t *testing.T, proc Processor) (*Manager, *memstore.MemStore) {
	t.Helper()
	st := memstore.New()
	m := NewManager(st, proc, models.DefaultProcessingSettings(), models.DefaultUploadSettings(), logger.NewTestLogger())
	t.Cleanup(m.Close)
	return m, st
}

func addJob(t *testing.T, m *Manager, name string) string {
	t.Helper()
	ids, err := m.AddToQueue(context.Background(), []UploadFile{{Name: name, Data: []byte("%PDF-fake")}})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	return ids[0]
}

func waitForStatus(t *testing.T, m *Manager, id string, want models.JobStatus) *models.Job {
	t.Helper()
	var job *models.Job
	require.Eventually(t, func() bool {
		j, err := m.GetStatus(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.Status == want
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func TestAddToQueueRejectsInvalidFilesIndividually(t *testing.T) {
	m, _ := newTestManager(t, nil)

	big := make([]byte, models.DefaultUploadSettings().MaxFileSize+1)
	ids, err := m.AddToQueue(context.Background(), []UploadFile{
		{Name: "good.pdf", Data: []byte("%PDF-fake")},
		{Name: "huge.pdf", Data: big},
		{Name: "notes.txt", Data: []byte("plain text")},
	})

	require.Len(t, ids, 1, "the valid file must still be admitted")
	require.Error(t, err)
	assert.True(t, models.IsValidation(err))
	assert.Contains(t, err.Error(), "huge.pdf")
	assert.Contains(t, err.Error(), "notes.txt")

	jobs := m.GetAllStatus()
	require.Len(t, jobs, 1)
	assert.Equal(t, "good.pdf", jobs[0].Filename)
	assert.Equal(t, models.StatusQueued, jobs[0].Status)
}

func TestAddToQueueRejectsOversizedBatch(t *testing.T) {
	m, _ := newTestManager(t, nil)

	files := make([]UploadFile, models.DefaultUploadSettings().MaxSimultaneousUploads+1)
	for i := range files {
		files[i] = UploadFile{Name: fmt.Sprintf("f%d.pdf", i), Data: []byte("x")}
	}

	ids, err := m.AddToQueue(context.Background(), files)
	assert.Empty(t, ids)
	require.Error(t, err)
	assert.True(t, models.IsValidation(err))
	assert.Empty(t, m.GetAllStatus())
}

func TestFileTypeClassification(t *testing.T) {
	assert.Equal(t, models.PDF, fileTypeOf("scan.PDF"))
	assert.Equal(t, models.PDF, fileTypeOf("scan.pdf"))
	assert.Equal(t, models.Image, fileTypeOf("photo.jpg"))
	assert.Equal(t, models.Image, fileTypeOf("photo.webp"))
}

func TestJobRunsToCompletion(t *testing.T) {
	proc := newStubProc(succeedAll)
	m, st := newTestManager(t, proc)

	id := addJob(t, m, "doc.pdf")
	m.ProcessQueue()

	job := waitForStatus(t, m, id, models.StatusCompleted)
	assert.Equal(t, 100, job.Progress)
	assert.Empty(t, job.Error)
	assert.Nil(t, job.RateLimit)
	assert.NotNil(t, job.EndedAt)

	results, err := st.GetResults(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].DocumentID)
}

func TestSequentialDrainAcrossJobs(t *testing.T) {
	proc := newStubProc(succeedAll)
	m, _ := newTestManager(t, proc)

	settings := models.DefaultProcessingSettings()
	settings.MaxConcurrentJobs = 1
	m.UpdateSettings(settings, models.DefaultUploadSettings())

	var ids []string
	for i := 0; i < 4; i++ {
		ids = append(ids, addJob(t, m, fmt.Sprintf("doc%d.pdf", i)))
	}
	m.ProcessQueue()

	for _, id := range ids {
		waitForStatus(t, m, id, models.StatusCompleted)
		assert.Equal(t, 1, proc.attemptCount(id))
	}
}

func TestMaxConcurrentJobsIsAHardCap(t *testing.T) {
	release := make(chan struct{})
	var running sync.Map
	proc := newStubProc(func(ctx context.Context, job *models.Job, attempt int, onProgress processor.ProgressFunc) ([]*models.OCRResult, error) {
		running.Store(job.ID, true)
		defer running.Delete(job.ID)
		select {
		case <-release:
			return []*models.OCRResult{pageResult(job.ID, 1, 1)}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	m, _ := newTestManager(t, proc)

	settings := models.DefaultProcessingSettings()
	settings.MaxConcurrentJobs = 2
	m.UpdateSettings(settings, models.DefaultUploadSettings())

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, addJob(t, m, fmt.Sprintf("doc%d.pdf", i)))
	}
	m.ProcessQueue()

	countRunning := func() int {
		n := 0
		running.Range(func(_, _ any) bool { n++; return true })
		return n
	}
	require.Eventually(t, func() bool { return countRunning() == 2 }, 5*time.Second, 10*time.Millisecond)

	// Give the scheduler a chance to overshoot; it must not.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, countRunning())

	close(release)
	for _, id := range ids {
		waitForStatus(t, m, id, models.StatusCompleted)
	}
}

func TestPauseDemotesInFlightJobsAndResumeRestarts(t *testing.T) {
	started := make(chan string, 8)
	block := make(chan struct{})
	proc := newStubProc(func(ctx context.Context, job *models.Job, attempt int, onProgress processor.ProgressFunc) ([]*models.OCRResult, error) {
		if attempt == 1 {
			started <- job.ID
			select {
			case <-block:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return []*models.OCRResult{pageResult(job.ID, 1, 1)}, nil
	})
	m, _ := newTestManager(t, proc)

	id := addJob(t, m, "doc.pdf")
	m.ProcessQueue()
	<-started

	m.PauseQueue()

	job := waitForStatus(t, m, id, models.StatusQueued)
	assert.Equal(t, 0, job.Progress)
	assert.Equal(t, 0, job.CurrentPage)
	assert.Empty(t, job.Error)
	assert.True(t, m.Paused())

	// Paused queue never dispatches.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, proc.attemptCount(id))

	m.ResumeQueue()
	waitForStatus(t, m, id, models.StatusCompleted)
	assert.Equal(t, 2, proc.attemptCount(id))
}

func TestCancelQueuedJobNeverCallsProvider(t *testing.T) {
	proc := newStubProc(succeedAll)
	m, _ := newTestManager(t, proc)

	id := addJob(t, m, "doc.pdf")
	require.NoError(t, m.CancelProcessing(id))

	job, err := m.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, job.Status)
	assert.Empty(t, job.Error, "cancellation must not produce an error string")
	assert.Equal(t, "Processing cancelled by user", job.Message)
	assert.NotNil(t, job.EndedAt)

	m.ProcessQueue()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, proc.attemptCount(id), "a cancelled job must never be dispatched")
}

func TestCancelRunningJobStopsIt(t *testing.T) {
	started := make(chan struct{})
	proc := newStubProc(func(ctx context.Context, job *models.Job, attempt int, onProgress processor.ProgressFunc) ([]*models.OCRResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	m, _ := newTestManager(t, proc)

	id := addJob(t, m, "doc.pdf")
	m.ProcessQueue()
	<-started

	require.NoError(t, m.CancelProcessing(id))

	job := waitForStatus(t, m, id, models.StatusCancelled)
	assert.Empty(t, job.Error)
	assert.Equal(t, "Processing cancelled by user", job.Message)

	// The aborted runner's return must not flip the status back.
	time.Sleep(100 * time.Millisecond)
	job, err := m.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, job.Status)
}

func TestCancelTerminalJobFails(t *testing.T) {
	proc := newStubProc(succeedAll)
	m, _ := newTestManager(t, proc)

	id := addJob(t, m, "doc.pdf")
	m.ProcessQueue()
	waitForStatus(t, m, id, models.StatusCompleted)

	require.Error(t, m.CancelProcessing(id))
	assert.ErrorIs(t, m.CancelProcessing("no-such-job"), ErrJobNotFound)
}

func TestFailureSetsErrorAndStatus(t *testing.T) {
	proc := newStubProc(func(ctx context.Context, job *models.Job, attempt int, onProgress processor.ProgressFunc) ([]*models.OCRResult, error) {
		return nil, errors.New("provider melted down")
	})
	m, _ := newTestManager(t, proc)

	id := addJob(t, m, "doc.pdf")
	m.ProcessQueue()

	job := waitForStatus(t, m, id, models.StatusError)
	assert.Contains(t, job.Error, "provider melted down")
	assert.NotNil(t, job.EndedAt)
}

func TestRateLimitHoldsThenRequeuesAndFinishes(t *testing.T) {
	proc := newStubProc(func(ctx context.Context, job *models.Job, attempt int, onProgress processor.ProgressFunc) ([]*models.OCRResult, error) {
		if attempt == 1 {
			// First page succeeded before the provider pushed back.
			return []*models.OCRResult{pageResult(job.ID, 1, 2)},
				&models.RateLimitError{Provider: "test", RetryAfter: 1}
		}
		return []*models.OCRResult{pageResult(job.ID, 1, 2), pageResult(job.ID, 2, 2)}, nil
	})
	m, st := newTestManager(t, proc)

	id := addJob(t, m, "doc.pdf")
	m.ProcessQueue()

	// The job is held in processing with the window attached.
	var held *models.Job
	require.Eventually(t, func() bool {
		j, err := m.GetStatus(context.Background(), id)
		if err != nil {
			return false
		}
		held = j
		return j.Status == models.StatusProcessing && j.RateLimit != nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, held.RateLimit.IsRateLimited)
	assert.Empty(t, held.Error, "a rate-limited job is not failed")

	// Partial results were persisted at hold time.
	partial, err := st.GetResults(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, partial, 1)

	// After the window elapses the sweep requeues and the retry completes.
	job := waitForStatus(t, m, id, models.StatusCompleted)
	assert.Nil(t, job.RateLimit)
	assert.Equal(t, 2, proc.attemptCount(id))

	results, err := st.GetResults(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestRehydrateResetsCrashedJobs(t *testing.T) {
	st := memstore.New()
	require.NoError(t, st.SaveToQueue(context.Background(), &models.Job{
		ID:        "crashed",
		Filename:  "doc.pdf",
		Status:    models.StatusProcessing,
		Progress:  40,
		CreatedAt: time.Now().Add(-time.Minute),
	}))
	require.NoError(t, st.SaveToQueue(context.Background(), &models.Job{
		ID:        "done",
		Filename:  "other.pdf",
		Status:    models.StatusCompleted,
		Progress:  100,
		CreatedAt: time.Now(),
	}))

	m := NewManager(st, nil, models.DefaultProcessingSettings(), models.DefaultUploadSettings(), logger.NewTestLogger())
	t.Cleanup(m.Close)
	require.NoError(t, m.Rehydrate(context.Background()))

	crashed, err := m.GetStatus(context.Background(), "crashed")
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, crashed.Status)
	assert.Equal(t, 0, crashed.Progress)

	done, err := m.GetStatus(context.Background(), "done")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
}

func TestGetStatusFallsBackToStore(t *testing.T) {
	st := memstore.New()
	require.NoError(t, st.SaveToQueue(context.Background(), &models.Job{ID: "stored", Status: models.StatusCompleted}))

	m := NewManager(st, nil, models.DefaultProcessingSettings(), models.DefaultUploadSettings(), logger.NewTestLogger())
	t.Cleanup(m.Close)

	job, err := m.GetStatus(context.Background(), "stored")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, job.Status)

	_, err = m.GetStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestGetAllStatusKeepsSubmissionOrder(t *testing.T) {
	m, _ := newTestManager(t, nil)

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, addJob(t, m, fmt.Sprintf("doc%d.pdf", i)))
	}

	jobs := m.GetAllStatus()
	require.Len(t, jobs, 3)
	for i, job := range jobs {
		assert.Equal(t, ids[i], job.ID)
	}
}

func TestProcessQueueWithoutProcessorIsNoop(t *testing.T) {
	m, _ := newTestManager(t, nil)

	id := addJob(t, m, "doc.pdf")
	m.ProcessQueue()

	time.Sleep(100 * time.Millisecond)
	job, err := m.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, job.Status)
}
