package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quillscan/quillscan/api/handlers"
	"github.com/quillscan/quillscan/api/middleware"
)

func SetupRoutes(r *gin.Engine, h *handlers.Handlers) {
	r.Use(middleware.CORS())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")

	jobs := v1.Group("/jobs")
	{
		jobs.POST("", h.Job.UploadFiles)
		jobs.GET("", h.Job.GetAllStatus)
		jobs.GET("/:jobId", h.Job.GetStatus)
		jobs.GET("/:jobId/results", h.Job.GetResults)
		jobs.DELETE("/:jobId", h.Job.CancelJob)
	}

	q := v1.Group("/queue")
	{
		q.POST("/pause", h.Queue.Pause)
		q.POST("/resume", h.Queue.Resume)
	}

	settings := v1.Group("/settings")
	{
		settings.PUT("", h.Settings.Update)
		settings.GET("/providers", h.Settings.ListProviders)
		settings.PUT("/provider", h.Settings.SetActiveProvider)
	}
}
