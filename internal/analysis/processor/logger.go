package processor

import (
	"github.com/tphakala/birdcam-go/internal/logger"
)

// GetLogger returns the processor package logger
func GetLogger() logger.Logger {
	return logger.Global().Module("analysis.processor")
}
