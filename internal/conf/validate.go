// conf/validate.go

package conf

import (
	"fmt"
	"regexp"
	"strings"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(ve.Errors, "; "))
}

// ValidateSettings validates the entire Settings struct and reports every
// problem at once.
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}
	add := func(format string, args ...any) {
		ve.Errors = append(ve.Errors, fmt.Sprintf(format, args...))
	}

	validateCoreSettings(settings, add)
	validateInferenceSettings(&settings.Inference, add)
	validateWatcherSettings(&settings.Watcher, add)
	validateDatabaseSettings(&settings.Database, add)
	validateWebServerSettings(&settings.WebServer, add)

	if settings.Telemetry.Enabled && settings.Telemetry.DSN == "" {
		add("telemetry.dsn is required when telemetry is enabled")
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateCoreSettings(s *Settings, add func(string, ...any)) {
	switch s.ModelType {
	case ModelTypeMobileNet, ModelTypeYOLO:
	default:
		add("model_type must be %q or %q, got %q", ModelTypeMobileNet, ModelTypeYOLO, s.ModelType)
	}

	if s.ModelPath == "" && !s.Development {
		add("model_path is required")
	}

	if s.ConfidenceThreshold < 0 || s.ConfidenceThreshold > 1 {
		add("confidence_threshold must be between 0 and 1, got %v", s.ConfidenceThreshold)
	}

	switch s.Device {
	case "cpu", "cuda":
	default:
		add("device must be cpu or cuda, got %q", s.Device)
	}

	if s.InputDir == "" {
		add("input_dir is required")
	}
	if s.OutputDir == "" {
		add("output_dir is required")
	}

	if s.MaxResults < 1 {
		add("max_results must be at least 1, got %d", s.MaxResults)
	}

	if len(s.FilePatterns) == 0 {
		add("file_patterns must contain at least one pattern")
	}
	for _, p := range s.FilePatterns {
		if _, err := regexp.Compile(p); err != nil {
			add("file_patterns entry %q is not a valid regular expression: %v", p, err)
		}
	}

	if s.Port < 1 || s.Port > 65535 {
		add("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.RateLimit < 0 {
		add("rate_limit must not be negative, got %d", s.RateLimit)
	}
}

func validateInferenceSettings(s *InferenceSettings, add func(string, ...any)) {
	if s.Timeout <= 0 {
		add("inference.timeout must be positive")
	}
	if s.Instances < 1 {
		add("inference.instances must be at least 1, got %d", s.Instances)
	}
	if s.Threads < 0 {
		add("inference.threads must not be negative")
	}
}

func validateWatcherSettings(s *WatcherSettings, add func(string, ...any)) {
	switch s.Backend {
	case WatcherBackendPoll, WatcherBackendFsnotify:
	default:
		add("watcher.backend must be %q or %q, got %q", WatcherBackendPoll, WatcherBackendFsnotify, s.Backend)
	}
	if s.PollInterval <= 0 {
		add("watcher.poll_interval must be positive")
	}
	if s.StableChecks < 2 {
		add("watcher.stable_checks must be at least 2, got %d", s.StableChecks)
	}
	if s.Workers < 1 {
		add("watcher.workers must be at least 1, got %d", s.Workers)
	}
	if s.QueueSize < 1 {
		add("watcher.queue_size must be at least 1, got %d", s.QueueSize)
	}
	if s.ShutdownTimeout <= 0 {
		add("watcher.shutdown_timeout must be positive")
	}
	validateRetrySettings("watcher.retry", &s.Retry, add)
}

func validateDatabaseSettings(s *DatabaseSettings, add func(string, ...any)) {
	switch s.Type {
	case DatabaseSQLite:
	case DatabaseMySQL:
		if s.MySQL.Host == "" || s.MySQL.User == "" || s.MySQL.Database == "" {
			add("database.mysql host, user and database are required for the mysql backend")
		}
		if s.MySQL.Port < 1 || s.MySQL.Port > 65535 {
			add("database.mysql.port must be between 1 and 65535")
		}
	default:
		add("database.type must be %q or %q, got %q", DatabaseSQLite, DatabaseMySQL, s.Type)
	}
	validateRetrySettings("database.retry", &s.Retry, add)
}

func validateRetrySettings(prefix string, s *RetrySettings, add func(string, ...any)) {
	if s.MaxAttempts < 1 {
		add("%s.max_attempts must be at least 1, got %d", prefix, s.MaxAttempts)
	}
	if s.InitialDelay < 0 || s.MaxDelay < 0 {
		add("%s delays must not be negative", prefix)
	}
	if s.MaxDelay > 0 && s.InitialDelay > s.MaxDelay {
		add("%s.initial_delay must not exceed max_delay", prefix)
	}
	if s.Multiplier < 1 {
		add("%s.multiplier must be at least 1, got %v", prefix, s.Multiplier)
	}
}

func validateWebServerSettings(s *WebServerSettings, add func(string, ...any)) {
	if s.MaxUploadMB < 1 {
		add("webserver.max_upload_mb must be at least 1, got %d", s.MaxUploadMB)
	}
	if s.ReadTimeout < 0 || s.WriteTimeout < 0 {
		add("webserver timeouts must not be negative")
	}
	if s.StatsTTL < 0 {
		add("webserver.stats_ttl must not be negative")
	}
}
