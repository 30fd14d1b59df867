package logger

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// DefaultBufferSize batches file writes
	DefaultBufferSize = 32 * 1024
	// DefaultFlushInterval is how often buffered log lines are pushed to the file
	DefaultFlushInterval = 2 * time.Second

	logDirPermissions = 0o755
)

// newRotatingWriter returns a lumberjack logger for the configured file.
func newRotatingWriter(cfg *FileOutput) (*lumberjack.Logger, error) {
	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, logDirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
		}
	}

	return &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
		LocalTime:  true,
	}, nil
}

// BufferedWriter batches writes to an underlying WriteCloser and flushes on
// an interval. It is safe for concurrent use.
type BufferedWriter struct {
	mu     sync.Mutex
	out    io.WriteCloser
	buf    *bufio.Writer
	ticker *time.Ticker
	stop   chan struct{}
	done   chan struct{}
	closed bool
}

// NewBufferedWriter wraps out. A flushInterval of 0 disables auto-flush.
func NewBufferedWriter(out io.WriteCloser, flushInterval time.Duration) *BufferedWriter {
	w := &BufferedWriter{
		out:  out,
		buf:  bufio.NewWriterSize(out, DefaultBufferSize),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	if flushInterval <= 0 {
		close(w.done)
		return w
	}

	w.ticker = time.NewTicker(flushInterval)
	go w.flushLoop()
	return w
}

func (w *BufferedWriter) flushLoop() {
	defer close(w.done)
	for {
		select {
		case <-w.ticker.C:
			_ = w.Flush()
		case <-w.stop:
			return
		}
	}
}

// Write implements io.Writer
func (w *BufferedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, os.ErrClosed
	}
	return w.buf.Write(p)
}

// Flush writes buffered data to the underlying writer
func (w *BufferedWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	return w.buf.Flush()
}

// Close stops the flush loop, flushes remaining data and closes the
// underlying writer. Calling Close twice is a no-op.
func (w *BufferedWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	flushErr := w.buf.Flush()
	w.mu.Unlock()

	if w.ticker != nil {
		w.ticker.Stop()
		close(w.stop)
	}
	<-w.done

	if err := w.out.Close(); err != nil {
		return err
	}
	return flushErr
}
