package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quillscan/quillscan/internal/service/processing"
	"github.com/quillscan/quillscan/pkg/logger"
)

type QueueHandler struct {
	service *processing.Service
	logger  logger.Logger
}

func NewQueueHandler(service *processing.Service, logger logger.Logger) *QueueHandler {
	return &QueueHandler{
		service: service,
		logger:  logger,
	}
}

// Pause stops scheduling and requeues in-flight jobs.
func (h *QueueHandler) Pause(c *gin.Context) {
	h.service.PauseQueue()
	c.JSON(http.StatusOK, gin.H{"message": "Queue paused"})
}

// Resume restarts scheduling from the paused state.
func (h *QueueHandler) Resume(c *gin.Context) {
	h.service.ResumeQueue()
	c.JSON(http.StatusOK, gin.H{"message": "Queue resumed"})
}
