package conf

import "github.com/tphakala/birdcam-go/internal/logger"

// GetLogger returns the configuration module logger. It is resolved on each
// call because configuration is read before the central logger exists.
func GetLogger() logger.Logger {
	return logger.Global().Module("conf")
}
