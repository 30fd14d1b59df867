// Package analysis wires the watcher, inference engine, result store and
// HTTP API into one service.
package analysis

import "github.com/tphakala/birdcam-go/internal/logger"

// GetLogger returns the analysis module logger
func GetLogger() logger.Logger {
	return logger.Global().Module("analysis")
}
