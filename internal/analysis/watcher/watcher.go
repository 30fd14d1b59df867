// Package watcher discovers new images in input directories and feeds them
// through a bounded job queue to the processor. Files are handed over only
// after their size has been stable across successive checks, and every
// file identity is processed at most once, also across restarts.
package watcher

import (
	"context"
	"io/fs"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"

	"github.com/tphakala/birdcam-go/internal/analysis/jobqueue"
	"github.com/tphakala/birdcam-go/internal/conf"
	"github.com/tphakala/birdcam-go/internal/datastore"
	"github.com/tphakala/birdcam-go/internal/detection"
	"github.com/tphakala/birdcam-go/internal/errors"
	"github.com/tphakala/birdcam-go/internal/logger"
	"github.com/tphakala/birdcam-go/internal/observability/metrics"
	"github.com/tphakala/birdcam-go/internal/retry"
)

// Defaults applied to zero Config fields
const (
	DefaultPattern      = `.*\.(jpg|jpeg|png)$`
	DefaultPollInterval = 2 * time.Second
	DefaultStableChecks = 2
	DefaultWorkers      = 2
	DefaultQueueSize    = 16
)

// Handler processes one stable file. *processor.Processor implements it.
// opts carry the file identity and must reach the record store, which marks
// the file stored in the same transaction as its record.
type Handler interface {
	ProcessFile(ctx context.Context, path string, meta map[string]string, opts ...datastore.SaveOption) (*detection.Record, error)
}

// Config controls discovery and the worker pool
type Config struct {
	Directories  []string
	Exclude      []string // directories never descended into, e.g. the output tree
	Patterns     []string // case-insensitive, matched against the base name
	PollInterval time.Duration
	StableChecks int // successive equal-size observations before a file is ready
	Backend      string
	Workers      int
	QueueSize    int
	Retry        retry.Config
}

// ConfigFromSettings extracts the watcher configuration
func ConfigFromSettings(s *conf.Settings) Config {
	var dirs []string
	if s.InputDir != "" {
		dirs = []string{s.InputDir}
	}
	var exclude []string
	if s.OutputDir != "" && filepath.Clean(s.OutputDir) != filepath.Clean(s.InputDir) {
		exclude = []string{s.OutputDir}
	}
	return Config{
		Directories:  dirs,
		Exclude:      exclude,
		Patterns:     s.FilePatterns,
		PollInterval: s.Watcher.PollInterval,
		StableChecks: s.Watcher.StableChecks,
		Backend:      s.Watcher.Backend,
		Workers:      s.Watcher.Workers,
		QueueSize:    s.Watcher.QueueSize,
		Retry:        retry.FromSettings(s.Watcher.Retry),
	}
}

// Option configures a Watcher
type Option func(*Watcher)

// WithFs sets the filesystem that is walked and stat'ed
func WithFs(fs afero.Fs) Option {
	return func(w *Watcher) { w.fs = fs }
}

// WithMetrics records file state transitions and queue depth
func WithMetrics(m *metrics.WatcherMetrics) Option {
	return func(w *Watcher) { w.metrics = m }
}

// fileTask is one queued file. attempts counts handler calls in this run;
// prior is what the state store remembered from earlier runs. stored is set
// once the handler returned a record.
type fileTask struct {
	id       datastore.FileIdentity
	prior    int
	attempts atomic.Int32
	stored   atomic.Bool
}

// candidate is a file waiting to become stable
type candidate struct {
	size    int64
	modTime int64
	checks  int
	tick    int
}

// Watcher monitors directories for new images
type Watcher struct {
	cfg      Config
	handler  Handler
	state    StateStore
	fs       afero.Fs
	patterns []*regexp.Regexp
	metrics  *metrics.WatcherMetrics
	queue    *jobqueue.Queue[*fileTask]

	mu       sync.Mutex
	started  bool
	stopped  bool
	running  bool
	stopLoop context.CancelFunc
	loopDone chan struct{}

	tracked  map[string]*candidate
	inFlight map[datastore.FileIdentity]struct{}
	handled  map[string]datastore.FileIdentity
	files    map[string]FileState
}

// New validates cfg and returns a watcher. A nil state keeps the processed
// set in memory only.
func New(cfg Config, handler Handler, state StateStore, opts ...Option) (*Watcher, error) {
	if handler == nil {
		return nil, errors.Newf("watcher requires a handler").
			Component(componentName).
			Category(errors.CategoryValidation).
			Build()
	}
	applyDefaults(&cfg)

	patterns, err := compilePatterns(cfg.Patterns)
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = NewMemoryState()
	}

	w := &Watcher{
		cfg:      cfg,
		handler:  handler,
		state:    state,
		fs:       afero.NewOsFs(),
		patterns: patterns,
		loopDone: make(chan struct{}),
		tracked:  make(map[string]*candidate),
		inFlight: make(map[datastore.FileIdentity]struct{}),
		handled:  make(map[string]datastore.FileIdentity),
		files:    make(map[string]FileState),
	}
	for _, opt := range opts {
		opt(w)
	}

	w.queue, err = jobqueue.New(jobqueue.Config{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		Retry:     cfg.Retry,
	}, w.handle, jobqueue.WithOnComplete(w.complete))
	if err != nil {
		return nil, err
	}
	return w, nil
}

func applyDefaults(cfg *Config) {
	if len(cfg.Patterns) == 0 {
		cfg.Patterns = []string{DefaultPattern}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.StableChecks < 1 {
		cfg.StableChecks = DefaultStableChecks
	}
	if cfg.Workers < 1 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry = retry.Default()
	}
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, errors.New(err).
				Component(componentName).
				Category(errors.CategoryValidation).
				Context("pattern", p).
				Build()
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// isIgnored reports hidden files and partial uploads
func isIgnored(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasPrefix(name, ".") ||
		strings.HasSuffix(lower, ".tmp") ||
		strings.HasSuffix(lower, ".part")
}

// Matches reports whether a file with this base name would be processed
func (w *Watcher) Matches(name string) bool {
	if isIgnored(name) {
		return false
	}
	for _, re := range w.patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

func identity(path string, info fs.FileInfo) datastore.FileIdentity {
	return datastore.FileIdentity{Path: path, Size: info.Size(), ModTime: info.ModTime().UnixNano()}
}

func identityFields(id datastore.FileIdentity) []logger.Field {
	return []logger.Field{
		logger.String("path", id.Path),
		logger.Int64("size", id.Size),
		logger.Int64("mod_time", id.ModTime),
	}
}

func (w *Watcher) ensureStarted(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return jobqueue.ErrQueueStopped
	}
	if w.started {
		return nil
	}
	if err := w.queue.Start(ctx); err != nil {
		return err
	}
	w.started = true
	return nil
}

// Start watches the configured directories until ctx is cancelled or Stop
// is called. Queued jobs keep running after Start returns; Stop drains them.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.CheckDirectories(); err != nil {
		return err
	}
	if err := w.ensureStarted(ctx); err != nil {
		return err
	}

	disc, err := newDiscoverer(w.cfg.Backend, w.cfg.Directories, w.cfg.Exclude)
	if err != nil {
		return err
	}
	defer func() { _ = disc.close() }()

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.mu.Lock()
	if w.stopped || w.running {
		w.mu.Unlock()
		return jobqueue.ErrQueueStopped
	}
	w.running = true
	w.stopLoop = cancel
	w.mu.Unlock()
	defer close(w.loopDone)

	GetLogger().Info("watching directories",
		logger.Any("directories", w.cfg.Directories),
		logger.String("backend", w.cfg.Backend),
		logger.Duration("poll_interval", w.cfg.PollInterval),
		logger.Int("workers", w.cfg.Workers))

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	tick := 0
	w.poll(loopCtx, disc, tick)
	for {
		select {
		case <-loopCtx.Done():
			return nil
		case path := <-disc.events():
			w.observePath(path, tick)
		case <-ticker.C:
			tick++
			w.poll(loopCtx, disc, tick)
		}
	}
}

// CheckDirectories verifies that every watched directory exists
func (w *Watcher) CheckDirectories() error {
	if len(w.cfg.Directories) == 0 {
		return errors.Newf("no directories to watch").
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}
	for _, dir := range w.cfg.Directories {
		if err := w.checkDir(dir); err != nil {
			return err
		}
	}
	return nil
}

func (w *Watcher) checkDir(dir string) error {
	info, err := w.fs.Stat(dir)
	if err == nil && !info.IsDir() {
		err = errors.Newf("%s is not a directory", dir).Build()
	}
	if err != nil {
		return errors.New(err).
			Component(componentName).
			Category(errors.CategoryFileIO).
			Context("directory", dir).
			Build()
	}
	return nil
}

// poll runs one tick: an optional directory walk, the stability check, and
// handing ready files to the queue
func (w *Watcher) poll(ctx context.Context, disc discoverer, tick int) {
	if disc.sweepDue(tick) {
		w.sweep(tick)
	}

	for _, id := range w.checkStability(tick) {
		task := w.admit(ctx, id)
		if task == nil {
			continue
		}
		if err := w.enqueue(ctx, task); err != nil {
			break
		}
	}
	w.metrics.SetQueue(w.queue.Len(), w.queue.Running())
}

// sweep walks every directory and forgets files that disappeared
func (w *Watcher) sweep(tick int) {
	seen := make(map[string]struct{})
	for _, dir := range w.cfg.Directories {
		w.walk(dir, func(path string, info fs.FileInfo) {
			seen[path] = struct{}{}
			w.observe(path, info, tick)
		})
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for path := range w.handled {
		if _, ok := seen[path]; !ok {
			delete(w.handled, path)
			delete(w.files, path)
		}
	}
	for path := range w.tracked {
		if _, ok := seen[path]; !ok {
			delete(w.tracked, path)
			delete(w.files, path)
		}
	}
}

// walk calls fn for each qualifying regular file below dir
func (w *Watcher) walk(dir string, fn func(path string, info fs.FileInfo)) {
	err := afero.Walk(w.fs, dir, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			GetLogger().Debug("skipping unreadable entry", logger.String("path", path), logger.Error(err))
			return nil
		}
		if info.IsDir() {
			if path != dir && (isIgnored(info.Name()) || w.excluded(path)) {
				return filepath.SkipDir
			}
			return nil
		}
		if info.Mode().IsRegular() && w.Matches(info.Name()) {
			fn(path, info)
		}
		return nil
	})
	if err != nil {
		GetLogger().Warn("failed to scan directory", logger.String("directory", dir), logger.Error(err))
	}
}

func (w *Watcher) excluded(path string) bool {
	for _, ex := range w.cfg.Exclude {
		if filepath.Clean(path) == filepath.Clean(ex) {
			return true
		}
	}
	return false
}

func (w *Watcher) observePath(path string, tick int) {
	info, err := w.fs.Stat(path)
	if err != nil || !info.Mode().IsRegular() || !w.Matches(info.Name()) {
		return
	}
	for _, ex := range w.cfg.Exclude {
		if rel, err := filepath.Rel(ex, path); err == nil && !strings.HasPrefix(rel, "..") {
			return
		}
	}
	w.observe(path, info, tick)
}

// observe starts tracking a file unless it is already known
func (w *Watcher) observe(path string, info fs.FileInfo, tick int) {
	id := identity(path, info)

	w.mu.Lock()
	defer w.mu.Unlock()

	if known, ok := w.handled[path]; ok && known == id {
		return
	}
	if _, ok := w.inFlight[id]; ok {
		return
	}
	if _, ok := w.tracked[path]; ok {
		return
	}
	w.tracked[path] = &candidate{size: id.Size, modTime: id.ModTime, checks: 1, tick: tick}
	w.setStateLocked(path, StateDiscovered)
}

// checkStability re-stats tracked files and returns those whose size and
// modification time held across StableChecks observations. Empty files are
// never ready.
func (w *Watcher) checkStability(tick int) []datastore.FileIdentity {
	w.mu.Lock()
	paths := make([]string, 0, len(w.tracked))
	for path, c := range w.tracked {
		if c.tick < tick {
			paths = append(paths, path)
		}
	}
	w.mu.Unlock()

	var ready []datastore.FileIdentity
	for _, path := range paths {
		info, statErr := w.fs.Stat(path)

		w.mu.Lock()
		c, ok := w.tracked[path]
		switch {
		case !ok:
		case statErr != nil:
			delete(w.tracked, path)
			delete(w.files, path)
		default:
			id := identity(path, info)
			if id.Size == c.size && id.ModTime == c.modTime && id.Size > 0 {
				c.checks++
			} else {
				c.size, c.modTime, c.checks = id.Size, id.ModTime, 1
			}
			c.tick = tick

			if c.checks >= w.cfg.StableChecks {
				delete(w.tracked, path)
				ready = append(ready, id)
			} else if c.checks > 1 {
				w.setStateLocked(path, StateStabilizing)
			}
		}
		w.mu.Unlock()
	}
	return ready
}

// admit consults the state store and reserves id for processing. It
// returns nil when the file was handled before or is already queued.
func (w *Watcher) admit(ctx context.Context, id datastore.FileIdentity) *fileTask {
	done, err := w.state.HasFile(ctx, id)
	if err != nil {
		GetLogger().Warn("failed to look up watch state", append(identityFields(id), logger.Error(err))...)
		return nil
	}
	if done {
		w.mu.Lock()
		w.handled[id.Path] = id
		delete(w.files, id.Path)
		w.mu.Unlock()
		return nil
	}

	prior, err := w.state.FileAttempts(ctx, id)
	if err != nil {
		GetLogger().Warn("failed to look up file attempts", append(identityFields(id), logger.Error(err))...)
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.inFlight[id]; ok {
		return nil
	}
	w.inFlight[id] = struct{}{}
	w.setStateLocked(id.Path, StateStabilizing)
	return &fileTask{id: id, prior: prior}
}

// enqueue blocks while the queue is full
func (w *Watcher) enqueue(ctx context.Context, task *fileTask) error {
	if _, err := w.queue.Enqueue(ctx, task); err != nil {
		w.mu.Lock()
		delete(w.inFlight, task.id)
		delete(w.files, task.id.Path)
		w.mu.Unlock()
		if ctx.Err() == nil {
			GetLogger().Warn("failed to enqueue file", append(identityFields(task.id), logger.Error(err))...)
		}
		return err
	}
	return nil
}

// handle is the job handler: one processing attempt of one file
func (w *Watcher) handle(ctx context.Context, task *fileTask) error {
	attempt := task.prior + int(task.attempts.Add(1))
	maxAttempts := w.cfg.Retry.MaxAttempts
	if attempt > maxAttempts {
		return retry.Permanent(errors.Newf("file exceeded %d processing attempts", maxAttempts).
			Component(componentName).
			Category(errors.CategoryLimit).
			Build())
	}

	w.setState(task.id.Path, StateProcessing)
	rec, err := w.handler.ProcessFile(ctx, task.id.Path, nil, datastore.WithWatchIdentity(task.id, attempt))
	if rec != nil {
		task.stored.Store(true)
	}
	if err == nil {
		return nil
	}

	fields := append(identityFields(task.id),
		logger.Int("attempt", attempt),
		logger.Int("max_attempts", maxAttempts),
		logger.Error(err))
	GetLogger().Warn("file processing failed", fields...)

	if ctx.Err() != nil || retry.IsPermanent(err) {
		return err
	}
	if attempt >= maxAttempts {
		return retry.Permanent(err)
	}

	w.setState(task.id.Path, StateFailed)
	if markErr := w.state.MarkFile(context.WithoutCancel(ctx), task.id, datastore.WatchStatusFailed, attempt); markErr != nil {
		GetLogger().Warn("failed to record file attempt", append(identityFields(task.id), logger.Error(markErr))...)
	}
	return err
}

// complete records the final outcome of a job in the state store
func (w *Watcher) complete(job *jobqueue.Job[*fileTask], err error) {
	task := job.Item
	attempts := task.prior + job.Attempts()
	ctx := context.Background()

	var (
		status string
		state  FileState
	)
	switch {
	case job.Status() == jobqueue.JobStatusCompleted, task.stored.Load():
		// a record was saved even if shutdown interrupted the job afterwards
		status, state = datastore.WatchStatusStored, StateStored
	case job.Status() == jobqueue.JobStatusCancelled:
		// interrupted by shutdown before a save, picked up again on the next run
		w.mu.Lock()
		delete(w.inFlight, task.id)
		delete(w.files, task.id.Path)
		w.mu.Unlock()
		w.metrics.SetQueue(w.queue.Len(), w.queue.Running())
		return
	default:
		status, state = datastore.WatchStatusDiscarded, StateDiscarded
		GetLogger().Error("file discarded after failed processing",
			append(identityFields(task.id), logger.Int("attempts", attempts), logger.Error(err))...)
	}

	if markErr := w.state.MarkFile(ctx, task.id, status, attempts); markErr != nil {
		GetLogger().Error("failed to record watch state", append(identityFields(task.id), logger.Error(markErr))...)
	}

	w.mu.Lock()
	delete(w.inFlight, task.id)
	w.handled[task.id.Path] = task.id
	w.setStateLocked(task.id.Path, state)
	w.mu.Unlock()
	w.metrics.SetQueue(w.queue.Len(), w.queue.Running())
}

// ProcessExisting enqueues every qualifying file already in dir without
// waiting for stability. Files handled before are skipped, so repeated calls
// enqueue nothing new. It returns the number of files enqueued.
func (w *Watcher) ProcessExisting(ctx context.Context, dir string) (int, error) {
	if err := w.checkDir(dir); err != nil {
		return 0, err
	}
	if err := w.ensureStarted(ctx); err != nil {
		return 0, err
	}

	var ids []datastore.FileIdentity
	w.walk(dir, func(path string, info fs.FileInfo) {
		ids = append(ids, identity(path, info))
	})

	enqueued := 0
	for _, id := range ids {
		w.mu.Lock()
		known, ok := w.handled[id.Path]
		w.mu.Unlock()
		if ok && known == id {
			continue
		}

		task := w.admit(ctx, id)
		if task == nil {
			continue
		}
		w.mu.Lock()
		delete(w.tracked, id.Path)
		w.mu.Unlock()

		if err := w.enqueue(ctx, task); err != nil {
			return enqueued, err
		}
		enqueued++
	}

	GetLogger().Info("queued existing files",
		logger.String("directory", dir),
		logger.Int("found", len(ids)),
		logger.Int("enqueued", enqueued))
	return enqueued, nil
}

// Stop ends discovery and waits up to timeout for queued and running jobs.
// Jobs still running when the timeout passes are cancelled and their files
// are left for the next run.
func (w *Watcher) Stop(timeout time.Duration) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	stopLoop, running, started := w.stopLoop, w.running, w.started
	w.mu.Unlock()

	if stopLoop != nil {
		stopLoop()
	}
	if running {
		<-w.loopDone
	}
	if !started {
		return nil
	}

	err := w.queue.Stop(timeout)
	if err != nil {
		GetLogger().Warn("watcher stopped before all files were processed", logger.Error(err))
	} else {
		GetLogger().Info("watcher stopped")
	}
	return err
}

// FileStatus returns the last known state of path
func (w *Watcher) FileStatus(path string) (FileState, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.files[path]
	return s, ok
}

// Stats returns the job queue statistics
func (w *Watcher) Stats() jobqueue.StatsSnapshot {
	return w.queue.Stats()
}

func (w *Watcher) setState(path string, s FileState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.setStateLocked(path, s)
}

func (w *Watcher) setStateLocked(path string, s FileState) {
	w.files[path] = s
	w.metrics.RecordFileState(s.String())
	GetLogger().Trace("file state", logger.String("path", path), logger.String("state", s.String()))
}
