package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/bytes"
	"github.com/patrickmn/go-cache"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"

	"github.com/tphakala/birdcam-go/internal/analysis/processor"
	mw "github.com/tphakala/birdcam-go/internal/api/middleware"
	"github.com/tphakala/birdcam-go/internal/datastore"
	"github.com/tphakala/birdcam-go/internal/detection"
	"github.com/tphakala/birdcam-go/internal/inference"
	"github.com/tphakala/birdcam-go/internal/logger"
	"github.com/tphakala/birdcam-go/internal/observability"
	"github.com/tphakala/birdcam-go/internal/observability/metrics"
)

// Store is the part of the result store the API reads and relabels
type Store interface {
	Get(ctx context.Context, id uint64) (*detection.Record, error)
	List(ctx context.Context, filters datastore.Filters, page, perPage int) (datastore.Page, error)
	Stats(ctx context.Context) (datastore.Stats, error)
	Relabel(ctx context.Context, id uint64, species string) error
	Ping(ctx context.Context) error
}

// Uploader processes uploaded images. *processor.Processor implements it.
type Uploader interface {
	ProcessBytes(ctx context.Context, data []byte, name string, meta map[string]string) (*detection.Record, error)
	OnRecord(l processor.Listener)
}

// ModelInfoProvider describes the loaded model for /health
type ModelInfoProvider interface {
	Info() inference.ModelInfo
}

// Server is the birdcam HTTP server.
type Server struct {
	echo *echo.Echo
	cfg  Config

	store    Store
	uploader Uploader
	model    ModelInfoProvider
	metrics  *observability.Metrics
	fs       afero.Fs
	version  string

	artifacts  afero.Fs // rooted at OutputDir
	statsCache *cache.Cache
	statsGroup singleflight.Group
	hub        *streamHub

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startTime time.Time
	closeOnce sync.Once
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithUploader enables POST /api/upload and the live feed
func WithUploader(u Uploader) ServerOption {
	return func(s *Server) {
		s.uploader = u
	}
}

// WithModel reports the model in /health
func WithModel(m ModelInfoProvider) ServerOption {
	return func(s *Server) {
		s.model = m
	}
}

// WithMetrics sets the observability metrics for the server.
func WithMetrics(m *observability.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithFs sets the filesystem artifacts are served from
func WithFs(fs afero.Fs) ServerOption {
	return func(s *Server) {
		s.fs = fs
	}
}

// WithVersion sets the version reported by /health
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// New creates a new HTTP server with the given configuration and options.
func New(cfg Config, store Store, opts ...ServerOption) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}
	if store == nil {
		return nil, fmt.Errorf("api server requires a result store")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		store:     store,
		fs:        afero.NewOsFs(),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.artifacts = afero.NewBasePathFs(s.fs, filepath.Clean(cfg.OutputDir))
	s.statsCache = cache.New(cfg.StatsTTL, 2*cfg.StatsTTL)
	s.hub = newStreamHub(s.httpMetrics())

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Logger = logger.NewEchoLoggerAdapter(GetLogger())
	s.echo.HTTPErrorHandler = s.handleError
	s.echo.Server.ReadTimeout = cfg.ReadTimeout
	s.echo.Server.WriteTimeout = cfg.WriteTimeout
	s.echo.Server.IdleTimeout = cfg.IdleTimeout

	s.setupMiddleware()
	s.setupRoutes()

	if s.uploader != nil {
		s.uploader.OnRecord(s.recordCreated)
	}

	GetLogger().Info("HTTP server initialized",
		logger.String("address", cfg.Address()),
		logger.Bool("uploads", s.uploader != nil),
		logger.Bool("api_key", cfg.AccessKey != ""),
		logger.Int("rate_limit", cfg.RateLimit),
		logger.String("max_upload", bytes.Format(cfg.MaxUploadBytes)))
	return s, nil
}

func (s *Server) httpMetrics() *metrics.HTTPMetrics {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.HTTP
}

// setupMiddleware configures the Echo middleware stack.
func (s *Server) setupMiddleware() {
	security := mw.DefaultSecurityConfig()
	security.AllowedOrigins = s.cfg.AllowedOrigins

	s.echo.Use(mw.NewRequestID())
	s.echo.Use(mw.NewRequestLogger(GetLogger().Module("http"), s.httpMetrics()))
	s.echo.Use(mw.NewRecover(s.cfg.Debug))
	s.echo.Use(mw.NewCORS(security))
	s.echo.Use(mw.NewSecureHeaders(security))
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.health)
	if s.cfg.MetricsEnabled && s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	var group []echo.MiddlewareFunc
	if s.cfg.RateLimit > 0 {
		group = append(group, mw.NewRateLimiter(s.cfg.RateLimit, s.httpMetrics()))
	}
	api := s.echo.Group("/api", group...)
	requireKey := mw.RequireAPIKey(s.cfg.AccessKey)

	api.GET("/results", s.listResults)
	api.GET("/results/:id", s.getResult)
	api.PATCH("/results/:id", s.relabelResult, requireKey)
	api.GET("/search", s.search)
	api.GET("/stats", s.stats)
	api.POST("/upload", s.upload, requireKey, mw.NewBodyLimit(bodyLimit(s.cfg.MaxUploadBytes)))
	api.GET("/images/*", s.serveArtifact)
	api.GET("/stream", s.stream)
}

// bodyLimit leaves room for the multipart envelope around the file
func bodyLimit(maxUpload int64) string {
	const envelope = 64 << 10
	return fmt.Sprintf("%dB", maxUpload+envelope)
}

// recordCreated is the processor listener: new records invalidate the stats
// cache and go out on the live feed
func (s *Server) recordCreated(rec *detection.Record) {
	s.statsCache.Delete(statsCacheKey)
	s.hub.broadcast(rec)
}

// Handler returns the root HTTP handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Echo returns the underlying Echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start serves HTTP requests until Shutdown is called. It returns nil after
// a graceful shutdown.
func (s *Server) Start() error {
	addr := s.cfg.Address()
	GetLogger().Info("starting HTTP server", logger.String("address", addr))

	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown closes live feed connections and gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		s.hub.closeAll()
		s.wg.Wait()

		if shutdownErr := s.echo.Shutdown(ctx); shutdownErr != nil {
			GetLogger().Error("error during server shutdown", logger.Error(shutdownErr))
			err = fmt.Errorf("shutdown error: %w", shutdownErr)
			return
		}
		s.statsCache.Flush()
		GetLogger().Info("server shutdown complete")
	})
	return err
}
