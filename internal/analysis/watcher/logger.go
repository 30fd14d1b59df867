package watcher

import (
	"github.com/tphakala/birdcam-go/internal/logger"
)

const componentName = "analysis.watcher"

// GetLogger returns the watcher package logger
func GetLogger() logger.Logger {
	return logger.Global().Module(componentName)
}
