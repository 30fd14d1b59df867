package analysis

import (
	"context"
	"time"

	"github.com/labstack/gommon/bytes"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/tphakala/birdcam-go/internal/analysis/processor"
	"github.com/tphakala/birdcam-go/internal/analysis/watcher"
	"github.com/tphakala/birdcam-go/internal/api"
	"github.com/tphakala/birdcam-go/internal/conf"
	"github.com/tphakala/birdcam-go/internal/datastore"
	"github.com/tphakala/birdcam-go/internal/errors"
	"github.com/tphakala/birdcam-go/internal/inference"
	"github.com/tphakala/birdcam-go/internal/logger"
	"github.com/tphakala/birdcam-go/internal/observability"
)

const (
	componentName = "analysis"

	// drainPollInterval is how often a one-shot run checks for queued work
	drainPollInterval = 100 * time.Millisecond
)

// Options selects what a Service runs
type Options struct {
	ProcessExisting bool // queue files already in the input directory at startup
	NoServer        bool // run the watcher without the HTTP API
	Fs              afero.Fs
}

// Service owns every long-lived component of a birdcam process
type Service struct {
	settings *conf.Settings
	opts     Options

	metrics   *observability.Metrics
	engine    *inference.Pool
	store     *datastore.DataStore
	processor *processor.Processor
	watcher   *watcher.Watcher
	server    *api.Server
}

// New builds the service graph. Startup problems are returned as
// configuration, model-load or file errors; nothing is left open on error.
func New(settings *conf.Settings, opts Options) (svc *Service, err error) {
	if settings == nil {
		return nil, errors.Newf("settings are required").
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}

	s := &Service{settings: settings, opts: opts}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	if s.metrics, err = observability.NewMetrics(); err != nil {
		return nil, errors.New(err).
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}

	if err := opts.Fs.MkdirAll(settings.OutputDir, 0o755); err != nil {
		return nil, errors.New(err).
			Component(componentName).
			Category(errors.CategoryFileIO).
			Context("output_dir", settings.OutputDir).
			Build()
	}

	if s.engine, err = inference.NewPool(inference.ConfigFromSettings(settings), settings.Inference.Instances,
		inference.WithMetrics(s.metrics.Inference)); err != nil {
		return nil, err
	}

	store, err := datastore.New(datastore.ConfigFromSettings(settings),
		datastore.WithFs(opts.Fs), datastore.WithMetrics(s.metrics.Datastore))
	if err != nil {
		return nil, err
	}
	if err := store.Open(); err != nil {
		return nil, err
	}
	s.store = store

	if s.processor, err = processor.New(processor.ConfigFromSettings(settings), s.engine, s.store,
		processor.WithFs(opts.Fs)); err != nil {
		return nil, err
	}

	if s.watcher, err = watcher.New(watcher.ConfigFromSettings(settings), s.processor, s.store,
		watcher.WithFs(opts.Fs), watcher.WithMetrics(s.metrics.Watcher)); err != nil {
		return nil, err
	}

	if !opts.NoServer {
		if s.server, err = api.New(api.ConfigFromSettings(settings), s.store,
			api.WithUploader(s.processor),
			api.WithModel(s.engine),
			api.WithMetrics(s.metrics),
			api.WithFs(opts.Fs),
			api.WithVersion(settings.Version)); err != nil {
			return nil, err
		}
	}

	info := s.engine.Info()
	GetLogger().Info("service initialized",
		logger.String("model", info.Name),
		logger.String("device", info.Device),
		logger.Int("instances", s.engine.Size()),
		logger.Float64("threshold", info.Threshold),
		logger.String("input_dir", settings.InputDir),
		logger.String("output_dir", settings.OutputDir),
		logger.String("database", settings.Database.Type),
		logger.Bool("server", s.server != nil),
		logger.String("max_upload", bytes.Format(int64(settings.WebServer.MaxUploadMB)<<20)))
	return s, nil
}

// Run watches the input directory and serves the API until ctx is
// cancelled, then shuts everything down. It returns nil on a clean shutdown.
// A missing input directory fails before the server listens.
func (s *Service) Run(ctx context.Context) error {
	if err := s.watcher.CheckDirectories(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if s.opts.ProcessExisting {
		n, err := s.watcher.ProcessExisting(gctx, s.settings.InputDir)
		if err != nil {
			return err
		}
		GetLogger().Info("processing existing files", logger.Int("queued", n))
	}

	g.Go(func() error {
		return s.watcher.Start(gctx)
	})

	if s.server != nil {
		g.Go(s.server.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), api.DefaultShutdownTimeout)
			defer cancel()
			return s.server.Shutdown(shutdownCtx)
		})
	}

	runErr := g.Wait()
	GetLogger().Info("shutting down")
	if err := s.watcher.Stop(s.settings.Watcher.ShutdownTimeout); err != nil && runErr == nil {
		GetLogger().Warn("watcher did not drain before the shutdown timeout", logger.Error(err))
	}
	return runErr
}

// Summary counts the outcome of a one-shot directory run
type Summary struct {
	Queued    int
	Stored    int
	Discarded int
	Cancelled int
}

// ProcessDirectory queues every qualifying file in dir, waits for the queue
// to drain and stops the watcher. ctx cancellation stops early.
func (s *Service) ProcessDirectory(ctx context.Context, dir string) (Summary, error) {
	queued, err := s.watcher.ProcessExisting(ctx, dir)
	if err != nil {
		return Summary{Queued: queued}, err
	}

	s.waitDrained(ctx)

	stopErr := s.watcher.Stop(s.settings.Watcher.ShutdownTimeout)
	st := s.watcher.Stats()
	summary := Summary{
		Queued:    queued,
		Stored:    st.SuccessfulJobs,
		Discarded: st.FailedJobs,
		Cancelled: st.CancelledJobs,
	}
	GetLogger().Info("directory processed",
		logger.String("directory", dir),
		logger.Int("queued", summary.Queued),
		logger.Int("stored", summary.Stored),
		logger.Int("discarded", summary.Discarded))

	if ctx.Err() != nil {
		return summary, ctx.Err()
	}
	return summary, stopErr
}

// waitDrained blocks until every queued job has finished or ctx is done
func (s *Service) waitDrained(ctx context.Context) {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for {
		st := s.watcher.Stats()
		if st.SuccessfulJobs+st.FailedJobs+st.CancelledJobs >= st.TotalJobs {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Store returns the result store
func (s *Service) Store() *datastore.DataStore {
	return s.store
}

// Server returns the HTTP API, nil when the service runs without one
func (s *Service) Server() *api.Server {
	return s.server
}

// Close releases the model and the database. It is safe to call on a
// partially built service.
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.engine != nil {
		if err := s.engine.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
