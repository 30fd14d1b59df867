package watcher

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/tphakala/birdcam-go/internal/conf"
	"github.com/tphakala/birdcam-go/internal/errors"
	"github.com/tphakala/birdcam-go/internal/logger"
)

const (
	// notifySweepEvery is how many ticks pass between safety-net directory
	// walks when OS events drive discovery
	notifySweepEvery = 15

	notifyEventBuffer = 256
)

// discoverer reports candidate files. Every backend is combined with the
// per-tick stability check in the control loop.
type discoverer interface {
	// events delivers paths reported by the OS; nil for pure polling
	events() <-chan string
	// sweepDue reports whether the directories should be walked on tick n
	sweepDue(n int) bool
	close() error
}

func newDiscoverer(backend string, dirs, exclude []string) (discoverer, error) {
	switch backend {
	case "", conf.WatcherBackendPoll:
		return pollDiscoverer{}, nil
	case conf.WatcherBackendFsnotify:
		return newNotifyDiscoverer(dirs, exclude)
	default:
		return nil, errors.Newf("unknown watcher backend %q", backend).
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}
}

// pollDiscoverer walks the directories on every tick
type pollDiscoverer struct{}

func (pollDiscoverer) events() <-chan string { return nil }
func (pollDiscoverer) sweepDue(int) bool     { return true }
func (pollDiscoverer) close() error          { return nil }

// notifyDiscoverer forwards fsnotify create and write events and walks the
// directories only occasionally
type notifyDiscoverer struct {
	fw      *fsnotify.Watcher
	exclude map[string]struct{}
	out     chan string
	done    chan struct{}
	once    sync.Once
}

func newNotifyDiscoverer(dirs, exclude []string) (*notifyDiscoverer, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.New(err).
			Component(componentName).
			Category(errors.CategoryWatcher).
			Build()
	}

	d := &notifyDiscoverer{
		fw:      fw,
		exclude: make(map[string]struct{}, len(exclude)),
		out:     make(chan string, notifyEventBuffer),
		done:    make(chan struct{}),
	}
	for _, ex := range exclude {
		d.exclude[filepath.Clean(ex)] = struct{}{}
	}
	for _, dir := range dirs {
		if err := d.addTree(dir); err != nil {
			_ = fw.Close()
			return nil, err
		}
	}

	go d.loop()
	return d, nil
}

// addTree watches dir and its subdirectories
func (d *notifyDiscoverer) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() {
			return nil
		}
		_, excluded := d.exclude[filepath.Clean(path)]
		if path != dir && (excluded || isIgnored(entry.Name())) {
			return filepath.SkipDir
		}
		if err := d.fw.Add(path); err != nil {
			return errors.New(err).
				Component(componentName).
				Category(errors.CategoryWatcher).
				Context("directory", path).
				Build()
		}
		return nil
	})
}

func (d *notifyDiscoverer) loop() {
	defer close(d.done)
	for {
		select {
		case ev, ok := <-d.fw.Events:
			if !ok {
				return
			}
			d.handle(ev)
		case err, ok := <-d.fw.Errors:
			if !ok {
				return
			}
			GetLogger().Warn("file system watcher error", logger.Error(err))
		}
	}
}

func (d *notifyDiscoverer) handle(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := d.addTree(ev.Name); err != nil {
				GetLogger().Warn("failed to watch new directory",
					logger.String("directory", ev.Name),
					logger.Error(err))
			}
			return
		}
	}

	select {
	case d.out <- ev.Name:
	default:
		// the next sweep picks the file up
	}
}

func (d *notifyDiscoverer) events() <-chan string { return d.out }

func (d *notifyDiscoverer) sweepDue(n int) bool { return n%notifySweepEvery == 0 }

func (d *notifyDiscoverer) close() error {
	var err error
	d.once.Do(func() {
		err = d.fw.Close()
		<-d.done
	})
	return err
}
