package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quillscan/quillscan/internal/models"
	"github.com/quillscan/quillscan/internal/service/processing"
	"github.com/quillscan/quillscan/pkg/logger"
)

type SettingsHandler struct {
	service *processing.Service
	logger  logger.Logger
}

// SettingsRequest carries new queue tuning. Zero-valued fields fall back to
// defaults so partial updates stay safe.
type SettingsRequest struct {
	Processing models.ProcessingSettings `json:"processing"`
	Upload     models.UploadSettings     `json:"upload"`
}

func NewSettingsHandler(service *processing.Service, logger logger.Logger) *SettingsHandler {
	return &SettingsHandler{
		service: service,
		logger:  logger,
	}
}

// Update applies new processing and upload settings. Running jobs keep the
// settings they started with.
func (h *SettingsHandler) Update(c *gin.Context) {
	var req SettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid settings payload", err)
		return
	}

	req.Processing.ApplyDefaults()
	req.Upload.ApplyDefaults()

	h.service.UpdateSettings(req.Processing, req.Upload)

	c.JSON(http.StatusOK, gin.H{
		"processing": req.Processing,
		"upload":     req.Upload,
	})
}

// ListProviders returns the configured provider identifiers.
func (h *SettingsHandler) ListProviders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": h.service.Providers()})
}

// SetActiveProvider switches the provider used for new jobs.
func (h *SettingsHandler) SetActiveProvider(c *gin.Context) {
	var req struct {
		Provider string `json:"provider" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid provider payload", err)
		return
	}

	if err := h.service.SetActiveProvider(req.Provider); err != nil {
		h.handleError(c, http.StatusNotFound, "Provider not configured", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"provider": req.Provider})
}

func (h *SettingsHandler) handleError(c *gin.Context, status int, message string, err error) {
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
