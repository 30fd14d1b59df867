// Package processor turns one image into a stored detection record. It runs
// inference, places the original in the output tree, saves the record and
// writes the annotated copy, for both watched files and uploads.
package processor

import (
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/tphakala/birdcam-go/internal/conf"
	"github.com/tphakala/birdcam-go/internal/datastore"
	"github.com/tphakala/birdcam-go/internal/detection"
	"github.com/tphakala/birdcam-go/internal/errors"
	"github.com/tphakala/birdcam-go/internal/inference"
	"github.com/tphakala/birdcam-go/internal/logger"
	"github.com/tphakala/birdcam-go/internal/retry"
)

const (
	componentName = "analysis.processor"

	dirPermissions  = 0o755
	filePermissions = 0o644

	// maxNameCollisions bounds the _N suffix search for a free file name
	maxNameCollisions = 1000
)

// Inferrer runs the model on encoded image bytes. *inference.Engine and
// *inference.Pool implement it.
type Inferrer interface {
	Infer(ctx context.Context, data []byte, name string) inference.Result
}

// Store persists records. *datastore.DataStore implements it.
type Store interface {
	Save(ctx context.Context, rec *detection.Record, opts ...datastore.SaveOption) (uint64, error)
}

// Listener is called with every newly stored record
type Listener func(rec *detection.Record)

// Config controls where artifacts go
type Config struct {
	Layout        datastore.Layout
	MoveFiles     bool // remove watched originals once stored
	SaveAnnotated bool
}

// ConfigFromSettings extracts the processor configuration
func ConfigFromSettings(s *conf.Settings) Config {
	return Config{
		Layout:        datastore.Layout{OutputDir: s.OutputDir, OrganizeByDate: s.OrganizeByDate},
		MoveFiles:     s.Watcher.MoveFiles,
		SaveAnnotated: s.Storage.SaveAnnotated,
	}
}

// Processor runs the per-image pipeline. It is safe for concurrent use.
type Processor struct {
	cfg    Config
	engine Inferrer
	store  Store
	fs     afero.Fs

	mu        sync.RWMutex
	listeners []Listener
}

// Option configures a Processor
type Option func(*Processor)

// WithFs sets the filesystem used for inputs and the output tree
func WithFs(fs afero.Fs) Option {
	return func(p *Processor) { p.fs = fs }
}

// New returns a processor writing through store
func New(cfg Config, engine Inferrer, store Store, opts ...Option) (*Processor, error) {
	if engine == nil || store == nil {
		return nil, errors.Newf("processor requires an inference engine and a store").
			Component(componentName).
			Category(errors.CategoryValidation).
			Build()
	}
	if cfg.Layout.OutputDir == "" {
		return nil, errors.Newf("output directory is not configured").
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}

	p := &Processor{cfg: cfg, engine: engine, store: store, fs: afero.NewOsFs()}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// OnRecord registers l to be called after each successful save
func (p *Processor) OnRecord(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

// ProcessFile runs the pipeline on a file from a watched directory. The
// original is copied into the images tree and, with MoveFiles, removed from
// its directory after the record is stored. opts are passed to the store
// with the record. Errors wrapped with retry.Permanent will fail the same
// way on every attempt.
func (p *Processor) ProcessFile(ctx context.Context, path string, meta map[string]string, opts ...datastore.SaveOption) (*detection.Record, error) {
	data, err := afero.ReadFile(p.fs, path)
	if err != nil {
		ferr := errors.New(err).
			Component(componentName).
			Category(errors.CategoryFileIO).
			FileContext(path, 0).
			Build()
		if os.IsNotExist(err) {
			return nil, retry.Permanent(ferr)
		}
		return nil, ferr
	}

	name := filepath.Base(path)
	md := map[string]string{
		detection.MetaSource:           detection.SourceDirectoryMonitor,
		detection.MetaOriginalFilename: name,
		detection.MetaOriginalPath:     path,
	}
	maps.Copy(md, meta)

	rec, err := p.process(ctx, data, name, md, opts...)
	if err != nil {
		return nil, err
	}

	if p.cfg.MoveFiles {
		if err := p.fs.Remove(path); err != nil && !os.IsNotExist(err) {
			GetLogger().Warn("failed to remove processed original",
				logger.String("path", path),
				logger.Error(err))
		}
	}
	return rec, nil
}

// ProcessBytes runs the pipeline on an image that is not on disk yet, such
// as an upload. name is the stored file name.
func (p *Processor) ProcessBytes(ctx context.Context, data []byte, name string, meta map[string]string) (*detection.Record, error) {
	md := maps.Clone(meta)
	if md == nil {
		md = map[string]string{}
	}
	if md[detection.MetaSource] == "" {
		md[detection.MetaSource] = detection.SourceUpload
	}
	return p.process(ctx, data, sanitizeName(name), md)
}

func (p *Processor) process(ctx context.Context, data []byte, name string, meta map[string]string, extra ...datastore.SaveOption) (*detection.Record, error) {
	log := GetLogger().WithContext(ctx).With(logger.String("file", name))

	res, err := p.infer(ctx, data, name)
	if err != nil {
		return nil, err
	}

	ts := time.Now()
	stored, err := p.place(ts, name, data)
	if err != nil {
		return nil, err
	}

	rec := res.Record()
	rec.Timestamp = ts
	rec.SourcePath = stored
	maps.Copy(rec.Metadata, meta)

	annotate := p.cfg.SaveAnnotated && res.Image != nil && len(rec.Detections) > 0
	// ts only places the image; the stored timestamp is taken at insert
	opts := append([]datastore.SaveOption{datastore.WithCommitTimestamp()}, extra...)
	if annotate {
		opts = append(opts, datastore.WithAnnotatedArtifact())
	}

	if _, err := p.store.Save(ctx, rec, opts...); err != nil {
		if rmErr := p.fs.Remove(stored); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Warn("failed to remove unsaved image", logger.String("path", stored), logger.Error(rmErr))
		}
		// the store already retried
		return nil, retry.Permanent(err)
	}

	if annotate && rec.AnnotatedPath != nil {
		if err := p.writeAnnotated(*rec.AnnotatedPath, &res, rec.Detections); err != nil {
			log.Warn("failed to write annotated image",
				logger.Uint64("id", rec.ID),
				logger.Error(err))
		}
	}

	log.Info("image processed",
		logger.Uint64("id", rec.ID),
		logger.Bool("bird_detected", rec.BirdDetected),
		logger.Int("bird_count", rec.BirdCount),
		logger.String("species", rec.SpeciesName()),
		logger.Float64("confidence", rec.Confidence),
		logger.Float64("processing_time", rec.ProcessingTime))

	p.notify(rec)
	return rec, nil
}

// infer converts a failed inference result into an error. Undecodable input
// and cancellation are permanent; timeouts and backend failures may succeed
// on another attempt.
func (p *Processor) infer(ctx context.Context, data []byte, name string) (inference.Result, error) {
	res := p.engine.Infer(ctx, data, name)
	if !res.Failed() {
		return res, nil
	}

	msg := res.Error()
	build := func(category errors.ErrorCategory) error {
		return errors.Newf("%s", msg).
			Component(componentName).
			Category(category).
			Context("file", name).
			Build()
	}

	switch {
	case ctx.Err() != nil:
		return res, retry.Permanent(build(errors.CategoryCancellation))
	case res.Image == nil:
		return res, retry.Permanent(build(errors.CategoryImageDecode))
	case msg == inference.ErrMsgTimeout:
		return res, build(errors.CategoryTimeout)
	default:
		return res, build(errors.CategoryProcessing)
	}
}

// place writes data into the images directory for ts under a free name
func (p *Processor) place(ts time.Time, name string, data []byte) (string, error) {
	dir := p.cfg.Layout.ImagesDir(ts)
	if err := p.fs.MkdirAll(dir, dirPermissions); err != nil {
		return "", p.fileError(err, dir)
	}

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for n := range maxNameCollisions {
		candidate := name
		if n > 0 {
			candidate = fmt.Sprintf("%s_%d%s", base, n, ext)
		}
		path := filepath.Join(dir, candidate)

		f, err := p.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePermissions)
		if os.IsExist(err) {
			continue
		}
		if err != nil {
			return "", p.fileError(err, path)
		}

		_, werr := f.Write(data)
		cerr := f.Close()
		if werr == nil {
			werr = cerr
		}
		if werr != nil {
			_ = p.fs.Remove(path)
			return "", p.fileError(werr, path)
		}
		return path, nil
	}

	return "", errors.Newf("no free file name for %s in %s", name, dir).
		Component(componentName).
		Category(errors.CategoryFileIO).
		Build()
}

func (p *Processor) writeAnnotated(path string, res *inference.Result, dets []detection.Detection) error {
	if err := p.fs.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return p.fileError(err, path)
	}
	f, err := p.fs.Create(path)
	if err != nil {
		return p.fileError(err, path)
	}
	if err := inference.EncodeImage(f, inference.Annotate(res.Image, dets), res.Format); err != nil {
		_ = f.Close()
		_ = p.fs.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		return p.fileError(err, path)
	}
	return nil
}

func (p *Processor) notify(rec *detection.Record) {
	p.mu.RLock()
	listeners := p.listeners
	p.mu.RUnlock()

	for _, l := range listeners {
		l(rec)
	}
}

func (p *Processor) fileError(err error, path string) error {
	return errors.New(err).
		Component(componentName).
		Category(errors.CategoryFileIO).
		FileContext(path, 0).
		Build()
}

// sanitizeName keeps only the base name and replaces characters that are
// awkward in paths and URLs
func sanitizeName(name string) string {
	name = filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, "\\", "/")))
	name = strings.Map(func(r rune) rune {
		switch {
		case r == ' ':
			return '_'
		case r < 0x20, r == '/', r == ':', r == '*', r == '?', r == '"', r == '<', r == '>', r == '|':
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == "/" {
		return "image"
	}
	return name
}
