package config

import (
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quillscan/quillscan/internal/models"
)

var (
	settingsOnce sync.Once
	settings     *Settings
)

// Settings holds the initial pipeline tuning. Values come from settings.yaml
// at the project root when present, otherwise from defaults; the running
// service can change them afterwards via UpdateSettings.
type Settings struct {
	Processing models.ProcessingSettings
	Upload     models.UploadSettings
}

// settingsFile is the on-disk shape; retryDelay is a duration string ("2s").
type settingsFile struct {
	Processing struct {
		MaxConcurrentJobs int    `yaml:"maxConcurrentJobs"`
		PagesPerChunk     int    `yaml:"pagesPerChunk"`
		ConcurrentChunks  int    `yaml:"concurrentChunks"`
		RetryAttempts     int    `yaml:"retryAttempts"`
		RetryDelay        string `yaml:"retryDelay"`
	} `yaml:"processing"`
	Upload struct {
		MaxFileSize            int64    `yaml:"maxFileSize"`
		AllowedFileTypes       []string `yaml:"allowedFileTypes"`
		MaxSimultaneousUploads int      `yaml:"maxSimultaneousUploads"`
	} `yaml:"upload"`
}

// GetSettings loads the settings file once.
func GetSettings() *Settings {
	settingsOnce.Do(func() {
		settings = &Settings{
			Processing: models.DefaultProcessingSettings(),
			Upload:     models.DefaultUploadSettings(),
		}

		_, filename, _, _ := runtime.Caller(0)
		rootDir := filepath.Dir(filepath.Dir(filename))
		path := filepath.Join(rootDir, "settings.yaml")

		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				log.Printf("Warning: can't read %s: %v", path, err)
			}
			return
		}

		var file settingsFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			log.Printf("Warning: invalid settings.yaml, using defaults: %v", err)
			return
		}

		applySettingsFile(settings, &file)
	})
	return settings
}

// applySettingsFile overlays non-zero file values onto the defaults.
func applySettingsFile(s *Settings, file *settingsFile) {
	if v := file.Processing.MaxConcurrentJobs; v > 0 {
		s.Processing.MaxConcurrentJobs = v
	}
	if v := file.Processing.PagesPerChunk; v > 0 {
		s.Processing.PagesPerChunk = v
	}
	if v := file.Processing.ConcurrentChunks; v > 0 {
		s.Processing.ConcurrentChunks = v
	}
	if v := file.Processing.RetryAttempts; v > 0 {
		s.Processing.RetryAttempts = v
	}
	if v := file.Processing.RetryDelay; v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			s.Processing.RetryDelay = d
		} else {
			log.Printf("Warning: invalid retryDelay %q, keeping default", v)
		}
	}

	if v := file.Upload.MaxFileSize; v > 0 {
		s.Upload.MaxFileSize = v
	}
	if len(file.Upload.AllowedFileTypes) > 0 {
		s.Upload.AllowedFileTypes = file.Upload.AllowedFileTypes
	}
	if v := file.Upload.MaxSimultaneousUploads; v > 0 {
		s.Upload.MaxSimultaneousUploads = v
	}
}
