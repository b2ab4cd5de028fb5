package processing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quillscan/quillscan/config"
	"github.com/quillscan/quillscan/internal/models"
	"github.com/quillscan/quillscan/internal/processor"
	"github.com/quillscan/quillscan/internal/provider"
	"github.com/quillscan/quillscan/internal/queue"
	"github.com/quillscan/quillscan/internal/ratelimit"
	"github.com/quillscan/quillscan/pkg/logger"
	"github.com/quillscan/quillscan/pkg/objectstore"
	"github.com/quillscan/quillscan/pkg/objectstore/miniostore"
	"github.com/quillscan/quillscan/pkg/objectstore/s3store"
	"github.com/quillscan/quillscan/pkg/render"
	"github.com/quillscan/quillscan/pkg/store"
	"github.com/quillscan/quillscan/pkg/store/memstore"
	"github.com/quillscan/quillscan/pkg/store/redisstore"
)

// Service is the composition root: it wires providers, rate limiters, the
// file processor and the queue manager per the active settings, and exposes
// the operations consumed by the UI layer.
type Service struct {
	mu          sync.Mutex
	manager     *queue.Manager
	registry    *provider.Registry
	limiters    map[string]*ratelimit.Limiter
	renderer    render.Renderer
	previews    objectstore.ObjectStore
	store       store.Store
	providers   *config.ProvidersConfig
	processing  models.ProcessingSettings
	upload      models.UploadSettings
	active      string
	janitorStop chan struct{}
	logger      logger.Logger
}

// Preview objects outlive their presigned URLs by a sweep period at most.
const (
	previewRetention   = 24 * time.Hour
	previewSweepPeriod = time.Hour
)

// Options carries the collaborators the service is built from.
type Options struct {
	Store     store.Store
	Previews  objectstore.ObjectStore // optional
	Renderer  render.Renderer
	Providers *config.ProvidersConfig
	Settings  *config.Settings
}

// NewService wires the pipeline from explicit collaborators.
func NewService(opts *Options, log logger.Logger) (*Service, error) {
	s := &Service{
		registry:   provider.NewRegistry(),
		limiters:   make(map[string]*ratelimit.Limiter),
		renderer:   opts.Renderer,
		previews:   opts.Previews,
		store:      opts.Store,
		providers:  opts.Providers,
		processing: opts.Settings.Processing,
		upload:     opts.Settings.Upload,
		active:     opts.Providers.Active,
		logger:     log,
	}

	if err := s.registerProviders(opts.Providers); err != nil {
		return nil, err
	}

	s.manager = queue.NewManager(opts.Store, s.buildProcessor(), s.processing, s.upload, log.Named("queue"))
	if err := s.manager.Rehydrate(context.Background()); err != nil {
		return nil, err
	}

	s.startPreviewJanitor()
	return s, nil
}

// GetService builds the service from environment configuration: a Redis
// store when reachable (in-memory otherwise), the configured preview
// backend, and the poppler renderer.
func GetService(log logger.Logger) (*Service, error) {
	var st store.Store
	rs, err := redisstore.New(&redisstore.Config{
		Addr:     config.GetRedisConfig().Addr,
		Password: config.GetRedisConfig().Password,
		DB:       config.GetRedisConfig().DB,
	}, log.Named("store"))
	if err != nil {
		log.Warn("Redis unavailable, using in-memory store", logger.Error(err))
		st = memstore.New()
	} else {
		st = rs
	}

	previews, err := buildPreviewStore(config.GetObjectStoreConfig(), log)
	if err != nil {
		return nil, err
	}

	return NewService(&Options{
		Store:     st,
		Previews:  previews,
		Renderer:  render.NewPopplerRenderer(log.Named("render")),
		Providers: config.GetProvidersConfig(),
		Settings:  config.GetSettings(),
	}, log)
}

func buildPreviewStore(cfg *config.ObjectStoreConfig, log logger.Logger) (objectstore.ObjectStore, error) {
	switch objectstore.BackendType(cfg.Backend) {
	case objectstore.BackendMinio:
		return miniostore.New(&miniostore.Config{
			Endpoint:   cfg.MinioEndpoint,
			AccessKey:  cfg.MinioAccessKey,
			SecretKey:  cfg.MinioSecretKey,
			UseSSL:     cfg.MinioUseSSL,
			Region:     cfg.MinioRegion,
			BucketName: cfg.MinioBucket,
		}, log.Named("previews"))
	case objectstore.BackendS3:
		return s3store.New(&s3store.Config{
			BucketName: cfg.S3Bucket,
			Region:     cfg.S3Region,
			AccessKey:  cfg.S3AccessKey,
			SecretKey:  cfg.S3SecretKey,
		}, log.Named("previews"))
	case "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported preview store backend: %s", cfg.Backend)
	}
}

// registerProviders builds every configured variant, each network-bound one
// with its own rate limiter instance. Re-registering replaces the instances
// while the limiters keep any backoff window already in effect.
func (s *Service) registerProviders(cfg *config.ProvidersConfig) error {
	if cfg.Google.APIKey != "" {
		s.registry.Register(provider.NewGoogleProvider(&cfg.Google, s.logger.Named("google")))
	}

	if cfg.Microsoft.Endpoint != "" && cfg.Microsoft.APIKey != "" {
		s.registry.Register(provider.NewMicrosoftProvider(&cfg.Microsoft, s.limiter("microsoft"), s.logger.Named("microsoft")))
	}

	if cfg.Mistral.APIKey != "" {
		retries := cfg.Mistral.MaxRetries
		if retries <= 0 {
			retries = s.processing.RetryAttempts
		}
		s.registry.Register(provider.NewMistralProvider(&cfg.Mistral, retries, s.processing.RetryDelay, s.limiter("mistral"), s.logger.Named("mistral")))
	}

	if cfg.Textract.Region != "" && cfg.Textract.AccessKey != "" {
		p, err := provider.NewTextractProvider(context.Background(), &cfg.Textract, s.logger.Named("textract"))
		if err != nil {
			return fmt.Errorf("failed to create textract provider: %w", err)
		}
		s.registry.Register(p)
	}

	if cfg.Tesseract.Enabled {
		s.registry.Register(provider.NewTesseractProvider(&cfg.Tesseract, s.logger.Named("tesseract")))
	}

	s.logger.Info("Providers registered", logger.Any("providers", s.registry.Names()))
	return nil
}

// limiter returns the shared per-provider limiter, creating it on first use.
func (s *Service) limiter(name string) *ratelimit.Limiter {
	if l, ok := s.limiters[name]; ok {
		return l
	}
	l := ratelimit.New(name, s.logger.Named("ratelimit"))
	s.limiters[name] = l
	return l
}

// buildProcessor returns the file processor for the active provider, or nil
// when no usable provider is configured.
func (s *Service) buildProcessor() queue.Processor {
	p, err := s.registry.Get(s.active)
	if err != nil {
		s.logger.Warn("Active provider not configured, queue stays idle",
			logger.String("provider", s.active),
		)
		return nil
	}
	return processor.New(p, s.renderer, s.previews, s.processing, s.logger.Named("processor"))
}

// AddToQueue validates and enqueues files, then kicks the scheduling loop.
func (s *Service) AddToQueue(ctx context.Context, files []queue.UploadFile) ([]string, error) {
	ids, err := s.manager.AddToQueue(ctx, files)
	if len(ids) > 0 {
		s.manager.ProcessQueue()
	}
	return ids, err
}

// PauseQueue pauses scheduling and demotes in-flight jobs.
func (s *Service) PauseQueue() {
	s.manager.PauseQueue()
}

// ResumeQueue resumes scheduling.
func (s *Service) ResumeQueue() {
	s.manager.ResumeQueue()
}

// CancelProcessing cancels one job.
func (s *Service) CancelProcessing(id string) error {
	return s.manager.CancelProcessing(id)
}

// GetStatus returns one job's snapshot.
func (s *Service) GetStatus(ctx context.Context, id string) (*models.Job, error) {
	return s.manager.GetStatus(ctx, id)
}

// GetAllStatus returns every job snapshot in submission order.
func (s *Service) GetAllStatus() []*models.Job {
	return s.manager.GetAllStatus()
}

// GetResults returns the persisted page results for a document.
func (s *Service) GetResults(ctx context.Context, documentID string) ([]*models.OCRResult, error) {
	return s.store.GetResults(ctx, documentID)
}

// UpdateSettings applies new tuning to the queue and rebuilds the providers
// and processor so retry tuning takes effect for new jobs. Running jobs keep
// the settings they started with.
func (s *Service) UpdateSettings(processing models.ProcessingSettings, upload models.UploadSettings) {
	s.mu.Lock()
	s.processing = processing
	s.upload = upload
	if err := s.registerProviders(s.providers); err != nil {
		s.logger.Warn("Provider rebuild failed, keeping previous instances", logger.Error(err))
	}
	proc := s.buildProcessor()
	s.mu.Unlock()

	s.manager.UpdateSettings(processing, upload)
	s.manager.SetProcessor(proc)

	s.logger.Info("Settings updated",
		logger.Int("maxConcurrentJobs", processing.MaxConcurrentJobs),
		logger.Int("pagesPerChunk", processing.PagesPerChunk),
	)
}

// SetActiveProvider switches the provider used for new jobs.
func (s *Service) SetActiveProvider(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.registry.Get(name); err != nil {
		return err
	}
	s.active = name
	s.manager.SetProcessor(s.buildProcessor())

	s.logger.Info("Active provider switched", logger.String("provider", name))
	return nil
}

// Providers lists the configured provider identifiers.
func (s *Service) Providers() []string {
	return s.registry.Names()
}

// startPreviewJanitor sweeps expired preview objects, once at startup and
// then every sweep period.
func (s *Service) startPreviewJanitor() {
	if s.previews == nil {
		return
	}
	s.janitorStop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(previewSweepPeriod)
		defer ticker.Stop()
		for {
			s.sweepPreviews(context.Background())
			select {
			case <-s.janitorStop:
				return
			case <-ticker.C:
			}
		}
	}()
}

func (s *Service) sweepPreviews(ctx context.Context) {
	threshold := time.Now().Add(-previewRetention)
	if err := s.previews.CleanupBefore(ctx, threshold); err != nil {
		s.logger.Warn("Preview cleanup failed", logger.Error(err))
	}
}

// Close stops the scheduling loop and the preview janitor.
func (s *Service) Close() {
	if s.janitorStop != nil {
		close(s.janitorStop)
		s.janitorStop = nil
	}
	s.manager.Close()
}
