package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quillscan/quillscan/internal/queue"
	"github.com/quillscan/quillscan/internal/service/processing"
	"github.com/quillscan/quillscan/pkg/logger"
)

type JobHandler struct {
	service *processing.Service
	logger  logger.Logger
}

// ErrorResponse is the shape of every error body.
type ErrorResponse struct {
	Error   string `json:"error,omitempty"`
	Message string `json:"message"`
}

func NewJobHandler(service *processing.Service, logger logger.Logger) *JobHandler {
	return &JobHandler{
		service: service,
		logger:  logger,
	}
}

// UploadFiles enqueues one or more files from a multipart form. Invalid
// files are reported per-file while the valid remainder is still accepted.
func (h *JobHandler) UploadFiles(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid form data", err)
		return
	}

	headers := form.File["files"]
	if len(headers) == 0 {
		h.handleError(c, http.StatusBadRequest, "No files provided", nil)
		return
	}

	files := make([]queue.UploadFile, 0, len(headers))
	for _, header := range headers {
		f, err := header.Open()
		if err != nil {
			h.handleError(c, http.StatusBadRequest, "Failed to read upload", err)
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			h.handleError(c, http.StatusBadRequest, "Failed to read upload", err)
			return
		}
		files = append(files, queue.UploadFile{Name: header.Filename, Data: data})
	}

	ids, err := h.service.AddToQueue(c.Request.Context(), files)
	if err != nil && len(ids) == 0 {
		h.handleError(c, http.StatusBadRequest, "No files accepted", err)
		return
	}

	resp := gin.H{"jobIds": ids}
	if err != nil {
		resp["rejected"] = err.Error()
	}
	c.JSON(http.StatusAccepted, resp)
}

// GetStatus returns one job's snapshot.
func (h *JobHandler) GetStatus(c *gin.Context) {
	jobID := c.Param("jobId")

	job, err := h.service.GetStatus(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			h.handleError(c, http.StatusNotFound, "Job not found", err)
			return
		}
		h.handleError(c, http.StatusInternalServerError, "Failed to get status", err)
		return
	}

	c.JSON(http.StatusOK, job)
}

// GetAllStatus returns every job in submission order.
func (h *JobHandler) GetAllStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": h.service.GetAllStatus()})
}

// GetResults returns the persisted page results for a job.
func (h *JobHandler) GetResults(c *gin.Context) {
	jobID := c.Param("jobId")

	results, err := h.service.GetResults(c.Request.Context(), jobID)
	if err != nil {
		h.handleError(c, http.StatusInternalServerError, "Failed to get results", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobId":   jobID,
		"results": results,
	})
}

// CancelJob aborts a queued or running job.
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("jobId")

	if err := h.service.CancelProcessing(jobID); err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			h.handleError(c, http.StatusNotFound, "Job not found", err)
			return
		}
		h.handleError(c, http.StatusConflict, "Failed to cancel job", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Job cancelled",
		"jobId":   jobID,
	})
}

func (h *JobHandler) handleError(c *gin.Context, status int, message string, err error) {
	h.logger.Error(message,
		logger.String("path", c.Request.URL.Path),
		logger.Error(err),
	)

	response := ErrorResponse{Message: message}
	if err != nil {
		response.Error = err.Error()
	}

	c.JSON(status, response)
}
