package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/quillscan/quillscan/internal/models"
)

func defaultSettings() *Settings {
	return &Settings{
		Processing: models.DefaultProcessingSettings(),
		Upload:     models.DefaultUploadSettings(),
	}
}

func TestApplySettingsFileOverlay(t *testing.T) {
	raw := []byte(`
processing:
  maxConcurrentJobs: 8
  retryDelay: 500ms
upload:
  maxFileSize: 1048576
`)
	var file settingsFile
	require.NoError(t, yaml.Unmarshal(raw, &file))

	s := defaultSettings()
	applySettingsFile(s, &file)

	assert.Equal(t, 8, s.Processing.MaxConcurrentJobs)
	assert.Equal(t, 500*time.Millisecond, s.Processing.RetryDelay)
	assert.Equal(t, int64(1048576), s.Upload.MaxFileSize)
	// Fields absent from the file keep their defaults.
	assert.Equal(t, 5, s.Processing.PagesPerChunk)
	assert.Equal(t, 10, s.Upload.MaxSimultaneousUploads)
}

func TestApplySettingsFileInvalidDuration(t *testing.T) {
	var file settingsFile
	file.Processing.RetryDelay = "soon"

	s := defaultSettings()
	applySettingsFile(s, &file)
	assert.Equal(t, 2*time.Second, s.Processing.RetryDelay)
}
