package handlers

import (
	"github.com/quillscan/quillscan/internal/service/processing"
	"github.com/quillscan/quillscan/pkg/logger"
)

type Handlers struct {
	Job      *JobHandler
	Queue    *QueueHandler
	Settings *SettingsHandler
}

func NewHandlers(service *processing.Service, logger logger.Logger) *Handlers {
	return &Handlers{
		Job:      NewJobHandler(service, logger),
		Queue:    NewQueueHandler(service, logger),
		Settings: NewSettingsHandler(service, logger),
	}
}
