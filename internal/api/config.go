// Package api serves the birdcam HTTP API: paginated result queries, search,
// aggregate statistics, image uploads, stored artifacts and a live feed of
// new records.
package api

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/tphakala/birdcam-go/internal/conf"
	"github.com/tphakala/birdcam-go/internal/logger"
)

// GetLogger returns the api package logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("api")
}

// Default constants for the HTTP server.
const (
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultMaxUploadBytes  = 16 << 20
	DefaultStatsTTL        = 30 * time.Second

	DefaultPerPage = 20
	MaxPerPage     = 100
)

// Config holds the HTTP server configuration.
type Config struct {
	Host string
	Port int

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	MaxUploadBytes int64
	AllowedOrigins []string
	AccessKey      string // empty disables the API key check
	RateLimit      int    // requests per minute per client, 0 disables
	StatsTTL       time.Duration

	OutputDir      string // root of the served artifacts
	MetricsEnabled bool
	Debug          bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Port:            5000,
		ReadTimeout:     DefaultReadTimeout,
		WriteTimeout:    DefaultWriteTimeout,
		IdleTimeout:     DefaultIdleTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		MaxUploadBytes:  DefaultMaxUploadBytes,
		AllowedOrigins:  []string{"*"},
		StatsTTL:        DefaultStatsTTL,
	}
}

// ConfigFromSettings creates a Config from the application settings.
func ConfigFromSettings(s *conf.Settings) Config {
	cfg := DefaultConfig()
	cfg.Host = s.Host
	cfg.Port = s.Port
	cfg.AccessKey = s.AccessKey
	cfg.RateLimit = s.RateLimit
	cfg.OutputDir = s.OutputDir
	cfg.MetricsEnabled = s.Metrics.Enabled
	cfg.Debug = s.Debug

	if s.WebServer.ReadTimeout > 0 {
		cfg.ReadTimeout = s.WebServer.ReadTimeout
	}
	if s.WebServer.WriteTimeout > 0 {
		cfg.WriteTimeout = s.WebServer.WriteTimeout
	}
	if s.WebServer.MaxUploadMB > 0 {
		cfg.MaxUploadBytes = int64(s.WebServer.MaxUploadMB) << 20
	}
	if len(s.WebServer.CORSOrigins) > 0 {
		cfg.AllowedOrigins = s.WebServer.CORSOrigins
	}
	if s.WebServer.StatsTTL > 0 {
		cfg.StatsTTL = s.WebServer.StatsTTL
	}
	return cfg
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be positive")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("upload limit must be positive")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}
	return nil
}

// Address returns the full address string for the server to listen on.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
