package logger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestCentralLogger(t *testing.T, cfg *LoggingConfig) (*CentralLogger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	cl, err := NewCentralLogger(cfg, buf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cl.Close() })
	return cl, buf
}

func TestConsoleOutputFormat(t *testing.T) {
	cl, buf := newTestCentralLogger(t, &LoggingConfig{
		Timezone: "UTC",
		Console:  &ConsoleOutput{Enabled: true, Level: "debug"},
	})

	cl.Module("watcher").Info("file stored",
		String("path", "/in/a b.jpg"),
		Int("attempt", 1),
		Float64("confidence", 0.98765))

	line := buf.String()
	assert.Regexp(t, `^\[\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\] INFO  \[watcher\] file stored`, line)
	assert.Contains(t, line, `path="/in/a b.jpg"`)
	assert.Contains(t, line, "attempt=1")
	assert.Contains(t, line, "confidence=0.988")
}

func TestModuleLevelInheritance(t *testing.T) {
	cl, buf := newTestCentralLogger(t, &LoggingConfig{
		DefaultLevel: "info",
		Console:      &ConsoleOutput{Enabled: true, Level: "trace"},
		ModuleLevels: map[string]string{"datastore": "debug"},
	})

	cl.Module("datastore.sqlite").Debug("nested debug visible")
	cl.Module("api").Debug("api debug hidden")
	cl.Module("datastore").Module("retention").Debug("sub-module debug visible")

	out := buf.String()
	assert.Contains(t, out, "nested debug visible")
	assert.Contains(t, out, "[datastore.retention] sub-module debug visible")
	assert.NotContains(t, out, "api debug hidden")
}

func TestWithFieldsAreImmutable(t *testing.T) {
	cl, buf := newTestCentralLogger(t, &LoggingConfig{
		Console: &ConsoleOutput{Enabled: true, Level: "info"},
	})

	base := cl.Module("api")
	child := base.With(String("request_id", "abc"))
	base.Info("parent")
	child.Info("child")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.NotContains(t, lines[0], "request_id")
	assert.Contains(t, lines[1], "request_id=abc")
}

func TestWithContextAddsTraceID(t *testing.T) {
	cl, buf := newTestCentralLogger(t, &LoggingConfig{
		Console: &ConsoleOutput{Enabled: true, Level: "info"},
	})

	ctx := WithTraceID(context.Background(), "trace-42")
	cl.Module("api").WithContext(ctx).Info("handled")
	cl.Module("api").WithContext(context.Background()).Info("no trace")

	out := buf.String()
	assert.Contains(t, out, "trace_id=trace-42")
	assert.Equal(t, 1, strings.Count(out, "trace_id"))
}

func TestFileOutputWritesJSON(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "birdcam.log")
	cl, _ := newTestCentralLogger(t, &LoggingConfig{
		Console: &ConsoleOutput{Enabled: false},
		FileOutput: &FileOutput{
			Enabled: true,
			Path:    logPath,
			Level:   "trace",
			MaxSize: 1,
		},
		ModuleLevels: map[string]string{"datastore": "trace"},
	})

	log := cl.Module("datastore")
	log.Trace("sql query", String("sql", "SELECT 1"))
	log.Error("save failed", Error(errors.New("disk full")), Duration("elapsed", 1500*time.Millisecond))
	require.NoError(t, cl.Flush())

	f, err := os.Open(logPath)
	require.NoError(t, err)
	defer f.Close()

	var entries []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		entries = append(entries, entry)
	}
	require.Len(t, entries, 2)

	assert.Equal(t, "TRACE", entries[0]["level"])
	assert.Equal(t, "datastore", entries[0]["module"])
	assert.Equal(t, "ERROR", entries[1]["level"])
	assert.Equal(t, "disk full", entries[1]["error"])
	assert.Equal(t, "1.5s", entries[1]["elapsed"])
}

func TestInvalidTimezone(t *testing.T) {
	_, err := NewCentralLogger(&LoggingConfig{Timezone: "Mars/Olympus"}, &bytes.Buffer{})
	require.Error(t, err)
}

func TestNilConfig(t *testing.T) {
	_, err := NewCentralLogger(nil, nil)
	require.Error(t, err)
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, traceLevelValue, parseLogLevel("TRACE"))
	assert.Equal(t, parseLogLevel("warn"), parseLogLevel("warning"))
	assert.Equal(t, parseLogLevel("info"), parseLogLevel("bogus"))
}

func TestNewSlogLoggerLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	log := NewSlogLogger(buf, LogLevelWarn, time.UTC)

	log.Info("dropped")
	log.Warn("kept", Bool("ok", true))

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, `"msg":"kept"`)
	assert.Contains(t, out, `"ok":true`)
}

type nopCloser struct {
	bytes.Buffer
	closed bool
}

func (n *nopCloser) Close() error {
	n.closed = true
	return nil
}

func TestBufferedWriter(t *testing.T) {
	out := &nopCloser{}
	w := NewBufferedWriter(out, 0)

	_, err := w.Write([]byte("hello\n"))
	require.NoError(t, err)
	assert.Empty(t, out.String(), "data stays buffered until flush")

	require.NoError(t, w.Flush())
	assert.Equal(t, "hello\n", out.String())

	require.NoError(t, w.Close())
	assert.True(t, out.closed)
	require.NoError(t, w.Close(), "second close is a no-op")

	_, err = w.Write([]byte("late"))
	require.ErrorIs(t, err, os.ErrClosed)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func (s *syncBuffer) Close() error { return nil }

func TestBufferedWriterAutoFlush(t *testing.T) {
	out := &syncBuffer{}
	w := NewBufferedWriter(out, 10*time.Millisecond)
	t.Cleanup(func() { _ = w.Close() })

	_, err := w.Write([]byte("tick\n"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return out.String() == "tick\n"
	}, time.Second, 5*time.Millisecond)
}

func TestGormAdapterTrace(t *testing.T) {
	buf := &bytes.Buffer{}
	adapter := NewGormLoggerAdapter(NewSlogLogger(buf, LogLevelTrace, time.UTC), 50*time.Millisecond)

	sql := func() (string, int64) { return "INSERT INTO detection_records", 1 }

	adapter.Trace(context.Background(), time.Now(), sql, nil)
	adapter.Trace(context.Background(), time.Now().Add(-time.Second), sql, nil)
	adapter.Trace(context.Background(), time.Now(), sql, errors.New("database is locked"))
	adapter.Trace(context.Background(), time.Now(), sql, gorm.ErrRecordNotFound)

	out := buf.String()
	assert.Equal(t, 2, strings.Count(out, `"msg":"sql query"`))
	assert.Contains(t, out, `"msg":"slow query"`)
	assert.Contains(t, out, `"msg":"query error"`)
}

func TestEchoAdapterLevels(t *testing.T) {
	buf := &bytes.Buffer{}
	adapter := NewEchoLoggerAdapter(NewSlogLogger(buf, LogLevelDebug, time.UTC))

	adapter.Debug("hidden at info")
	adapter.Infof("listening on %d", 5000)
	assert.NotContains(t, buf.String(), "hidden at info")
	assert.Contains(t, buf.String(), "listening on 5000")

	assert.Panics(t, func() { adapter.Fatal("boom") })
}
