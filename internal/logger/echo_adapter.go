package logger

import (
	"fmt"
	"io"
	"sync/atomic"

	echo_log "github.com/labstack/gommon/log"
)

// EchoLoggerAdapter routes echo's internal logging into a module logger.
//
//	e := echo.New()
//	e.Logger = logger.NewEchoLoggerAdapter(log.Module("echo"))
type EchoLoggerAdapter struct {
	logger Logger
	level  atomic.Uint32
}

// NewEchoLoggerAdapter creates a new echo logger adapter at INFO level
func NewEchoLoggerAdapter(logger Logger) *EchoLoggerAdapter {
	if logger == nil {
		logger = NewDiscardLogger()
	}
	a := &EchoLoggerAdapter{logger: logger}
	a.level.Store(uint32(echo_log.INFO))
	return a
}

// Output returns io.Discard; output is owned by the central logger
func (a *EchoLoggerAdapter) Output() io.Writer { return io.Discard }

// SetOutput is a no-op
func (a *EchoLoggerAdapter) SetOutput(_ io.Writer) {}

// Prefix returns the empty prefix; module scoping identifies the source
func (a *EchoLoggerAdapter) Prefix() string { return "" }

// SetPrefix is a no-op
func (a *EchoLoggerAdapter) SetPrefix(_ string) {}

// Level returns the echo level used to pre-filter messages
func (a *EchoLoggerAdapter) Level() echo_log.Lvl {
	return echo_log.Lvl(a.level.Load())
}

// SetLevel changes the pre-filter level
func (a *EchoLoggerAdapter) SetLevel(v echo_log.Lvl) {
	a.level.Store(uint32(v))
}

// SetHeader is a no-op
func (a *EchoLoggerAdapter) SetHeader(_ string) {}

func (a *EchoLoggerAdapter) enabled(l echo_log.Lvl) bool {
	return l >= a.Level()
}

func (a *EchoLoggerAdapter) Print(i ...any) { a.logger.Info(fmt.Sprint(i...)) }

func (a *EchoLoggerAdapter) Printf(format string, args ...any) {
	a.logger.Info(fmt.Sprintf(format, args...))
}

func (a *EchoLoggerAdapter) Printj(j echo_log.JSON) { a.logger.Info("echo", Any("data", j)) }

func (a *EchoLoggerAdapter) Debug(i ...any) {
	if a.enabled(echo_log.DEBUG) {
		a.logger.Debug(fmt.Sprint(i...))
	}
}

func (a *EchoLoggerAdapter) Debugf(format string, args ...any) {
	if a.enabled(echo_log.DEBUG) {
		a.logger.Debug(fmt.Sprintf(format, args...))
	}
}

func (a *EchoLoggerAdapter) Debugj(j echo_log.JSON) {
	if a.enabled(echo_log.DEBUG) {
		a.logger.Debug("echo", Any("data", j))
	}
}

func (a *EchoLoggerAdapter) Info(i ...any) {
	if a.enabled(echo_log.INFO) {
		a.logger.Info(fmt.Sprint(i...))
	}
}

func (a *EchoLoggerAdapter) Infof(format string, args ...any) {
	if a.enabled(echo_log.INFO) {
		a.logger.Info(fmt.Sprintf(format, args...))
	}
}

func (a *EchoLoggerAdapter) Infoj(j echo_log.JSON) {
	if a.enabled(echo_log.INFO) {
		a.logger.Info("echo", Any("data", j))
	}
}

func (a *EchoLoggerAdapter) Warn(i ...any) {
	if a.enabled(echo_log.WARN) {
		a.logger.Warn(fmt.Sprint(i...))
	}
}

func (a *EchoLoggerAdapter) Warnf(format string, args ...any) {
	if a.enabled(echo_log.WARN) {
		a.logger.Warn(fmt.Sprintf(format, args...))
	}
}

func (a *EchoLoggerAdapter) Warnj(j echo_log.JSON) {
	if a.enabled(echo_log.WARN) {
		a.logger.Warn("echo", Any("data", j))
	}
}

func (a *EchoLoggerAdapter) Error(i ...any) { a.logger.Error(fmt.Sprint(i...)) }

func (a *EchoLoggerAdapter) Errorf(format string, args ...any) {
	a.logger.Error(fmt.Sprintf(format, args...))
}

func (a *EchoLoggerAdapter) Errorj(j echo_log.JSON) { a.logger.Error("echo", Any("data", j)) }

// Fatal logs at ERROR and panics; echo's recover middleware or the server
// shutdown path handles it instead of os.Exit.
func (a *EchoLoggerAdapter) Fatal(i ...any) {
	msg := fmt.Sprint(i...)
	a.logger.Error(msg)
	panic("echo fatal: " + msg)
}

func (a *EchoLoggerAdapter) Fatalf(format string, args ...any) {
	a.Fatal(fmt.Sprintf(format, args...))
}

func (a *EchoLoggerAdapter) Fatalj(j echo_log.JSON) {
	a.Fatal(fmt.Sprintf("%v", j))
}

func (a *EchoLoggerAdapter) Panic(i ...any) {
	msg := fmt.Sprint(i...)
	a.logger.Error(msg)
	panic(msg)
}

func (a *EchoLoggerAdapter) Panicf(format string, args ...any) {
	a.Panic(fmt.Sprintf(format, args...))
}

func (a *EchoLoggerAdapter) Panicj(j echo_log.JSON) {
	a.Panic(fmt.Sprintf("%v", j))
}
