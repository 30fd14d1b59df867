// Package conf loads, validates and persists birdcam settings.
package conf

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/birdcam-go/internal/logger"
)

//go:embed config.yaml
var configFiles embed.FS

// Model types understood by the inference engine
const (
	ModelTypeMobileNet = "mobilenet"
	ModelTypeYOLO      = "yolo"
)

// Database backends
const (
	DatabaseSQLite = "sqlite"
	DatabaseMySQL  = "mysql"
)

// Watcher discovery backends
const (
	WatcherBackendPoll     = "poll"
	WatcherBackendFsnotify = "fsnotify"
)

// Settings is the typed configuration of a birdcam process. The flat
// top-level keys are the recognized options of the original deployment;
// the nested sections tune individual components.
type Settings struct {
	Version string `yaml:"-" mapstructure:"-"`

	Debug       bool `yaml:"debug" mapstructure:"debug"`
	Development bool `yaml:"development" mapstructure:"development"` // mock inference backend

	ModelPath           string   `yaml:"model_path" mapstructure:"model_path"`
	ModelType           string   `yaml:"model_type" mapstructure:"model_type"`
	ConfidenceThreshold float64  `yaml:"confidence_threshold" mapstructure:"confidence_threshold"`
	Device              string   `yaml:"device" mapstructure:"device"` // cpu or cuda
	InputDir            string   `yaml:"input_dir" mapstructure:"input_dir"`
	OutputDir           string   `yaml:"output_dir" mapstructure:"output_dir"`
	MaxResults          int      `yaml:"max_results" mapstructure:"max_results"`
	OrganizeByDate      bool     `yaml:"organize_by_date" mapstructure:"organize_by_date"`
	FilePatterns        []string `yaml:"file_patterns" mapstructure:"file_patterns"`
	Host                string   `yaml:"host" mapstructure:"host"`
	Port                int      `yaml:"port" mapstructure:"port"`
	AccessKey           string   `yaml:"access_key" mapstructure:"access_key"`
	RateLimit           int      `yaml:"rate_limit" mapstructure:"rate_limit"` // requests per minute per client, 0 disables

	Inference InferenceSettings    `yaml:"inference" mapstructure:"inference"`
	Watcher   WatcherSettings      `yaml:"watcher" mapstructure:"watcher"`
	Database  DatabaseSettings     `yaml:"database" mapstructure:"database"`
	Storage   StorageSettings      `yaml:"storage" mapstructure:"storage"`
	WebServer WebServerSettings    `yaml:"webserver" mapstructure:"webserver"`
	Logging   logger.LoggingConfig `yaml:"logging" mapstructure:"logging"`
	Telemetry TelemetrySettings    `yaml:"telemetry" mapstructure:"telemetry"`
	Metrics   MetricsSettings      `yaml:"metrics" mapstructure:"metrics"`
}

// InferenceSettings tunes the inference engine
type InferenceSettings struct {
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout"`           // per-image deadline
	Instances   int           `yaml:"instances" mapstructure:"instances"`       // model copies, trades memory for throughput
	LabelsPath  string        `yaml:"labels_path" mapstructure:"labels_path"`   // empty: next to the model
	Threads     int           `yaml:"threads" mapstructure:"threads"`           // 0: runtime default
	OnnxLibrary string        `yaml:"onnx_library" mapstructure:"onnx_library"` // libonnxruntime for yolo, empty: platform default
}

// RetrySettings is the bounded retry policy shared by the watcher and the store
type RetrySettings struct {
	MaxAttempts  int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay" mapstructure:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
	Multiplier   float64       `yaml:"multiplier" mapstructure:"multiplier"`
}

// WatcherSettings tunes directory discovery and the worker pool
type WatcherSettings struct {
	Backend         string        `yaml:"backend" mapstructure:"backend"`
	PollInterval    time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	StableChecks    int           `yaml:"stable_checks" mapstructure:"stable_checks"`
	Workers         int           `yaml:"workers" mapstructure:"workers"`
	QueueSize       int           `yaml:"queue_size" mapstructure:"queue_size"`
	MoveFiles       bool          `yaml:"move_files" mapstructure:"move_files"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	Retry           RetrySettings `yaml:"retry" mapstructure:"retry"`
}

// MySQLSettings holds connection parameters for the MySQL backend
type MySQLSettings struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
}

// DatabaseSettings selects the result store backend
type DatabaseSettings struct {
	Type  string        `yaml:"type" mapstructure:"type"`
	Path  string        `yaml:"path" mapstructure:"path"` // sqlite file, empty: <output_dir>/results.db
	MySQL MySQLSettings `yaml:"mysql" mapstructure:"mysql"`
	Retry RetrySettings `yaml:"retry" mapstructure:"retry"`
}

// StorageSettings controls the artifacts written next to each record
type StorageSettings struct {
	WriteSidecars bool `yaml:"write_sidecars" mapstructure:"write_sidecars"`
	SaveAnnotated bool `yaml:"save_annotated" mapstructure:"save_annotated"`
}

// WebServerSettings tunes the HTTP server
type WebServerSettings struct {
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	MaxUploadMB  int           `yaml:"max_upload_mb" mapstructure:"max_upload_mb"`
	CORSOrigins  []string      `yaml:"cors_origins" mapstructure:"cors_origins"`
	StatsTTL     time.Duration `yaml:"stats_ttl" mapstructure:"stats_ttl"`
}

// TelemetrySettings enables optional Sentry error reporting
type TelemetrySettings struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	DSN     string `yaml:"dsn" mapstructure:"dsn"`
}

// MetricsSettings enables the Prometheus endpoint
type MetricsSettings struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// DatabasePath returns the SQLite file location.
func (s *Settings) DatabasePath() string {
	if s.Database.Path != "" {
		return s.Database.Path
	}
	return filepath.Join(s.OutputDir, "results.db")
}

// ListenAddress returns host:port for the HTTP server.
func (s *Settings) ListenAddress() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// NewViper returns a viper instance with defaults and environment bindings
// applied. Command line flags are bound to it by the caller before Load.
func NewViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaultConfig(v)
	if err := bindEnvVars(v); err != nil {
		return nil, err
	}
	return v, nil
}

// Load reads configFile (or searches the default locations when empty),
// unmarshals it into Settings and validates the result. When no file exists
// in any default location a commented default is written to the first one.
func Load(v *viper.Viper, configFile string, searchPaths ...string) (*Settings, error) {
	if err := readConfig(v, configFile, searchPaths); err != nil {
		return nil, err
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, err
	}

	return settings, nil
}

func readConfig(v *viper.Viper, configFile string, searchPaths []string) error {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file %s: %w", configFile, err)
		}
		return nil
	}

	if len(searchPaths) == 0 {
		var err error
		searchPaths, err = GetDefaultConfigPaths()
		if err != nil {
			return err
		}
	}

	v.SetConfigName("config")
	for _, path := range searchPaths {
		v.AddConfigPath(path)
	}

	err := v.ReadInConfig()
	if err == nil {
		return nil
	}

	var notFound viper.ConfigFileNotFoundError
	if !errors.As(err, &notFound) {
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	path, err := createDefaultConfig(searchPaths[0])
	if err != nil {
		// Running on defaults is fine when the config dir is read-only
		GetLogger().Warn("could not write default config file", logger.Error(err))
		return nil
	}
	GetLogger().Info("created default config file", logger.String("path", path))
	v.SetConfigFile(path)
	return v.ReadInConfig()
}

// createDefaultConfig writes the embedded config.yaml into dir
func createDefaultConfig(dir string) (string, error) {
	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		return "", fmt.Errorf("error reading embedded default config: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("error creating directories for config file: %w", err)
	}

	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return "", fmt.Errorf("error writing default config file: %w", err)
	}

	return configPath, nil
}

// WriteDefaultConfig writes the commented default config.yaml to path. An
// existing file is only replaced when overwrite is set.
func WriteDefaultConfig(path string, overwrite bool) error {
	if _, err := os.Stat(path); err == nil && !overwrite {
		return fmt.Errorf("config file %s already exists", path)
	}
	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		return fmt.Errorf("error reading embedded default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}

// Redacted returns a copy with secrets masked, suitable for printing.
func (s *Settings) Redacted() Settings {
	c := *s
	if c.AccessKey != "" {
		c.AccessKey = redactedValue
	}
	if c.Database.MySQL.Password != "" {
		c.Database.MySQL.Password = redactedValue
	}
	if c.Telemetry.DSN != "" {
		c.Telemetry.DSN = redactedValue
	}
	return c
}

const redactedValue = "********"

// MarshalYAML renders settings as YAML.
func MarshalYAML(settings *Settings) ([]byte, error) {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("error marshaling settings to YAML: %w", err)
	}
	return data, nil
}

// SaveYAMLConfig writes settings to configPath atomically: the YAML goes to
// a temporary file in the same directory which is then renamed over the
// target. Comments in an existing file are not preserved.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	yamlData, err := MarshalYAML(settings)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary file: %w", err)
	}
	tempFileName := tempFile.Name()
	defer os.Remove(tempFileName)

	if _, err := tempFile.Write(yamlData); err != nil {
		tempFile.Close()
		return fmt.Errorf("error writing to temporary file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}

	if err := os.Rename(tempFileName, configPath); err != nil {
		if err := moveFile(tempFileName, configPath); err != nil {
			return fmt.Errorf("error copying config file: %w", err)
		}
	}

	return nil
}
