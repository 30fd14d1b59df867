// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// DefaultFilePattern matches jpg, jpeg and png files regardless of case
const DefaultFilePattern = `(?i).*\.(jpg|jpeg|png)$`

// setDefaultConfig registers every recognized key so that environment
// overrides and Unmarshal see the full key set.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("development", false)

	v.SetDefault("model_path", "models/model.tflite")
	v.SetDefault("model_type", ModelTypeMobileNet)
	v.SetDefault("confidence_threshold", 0.5)
	v.SetDefault("device", "cpu")
	v.SetDefault("input_dir", "incoming")
	v.SetDefault("output_dir", "output")
	v.SetDefault("max_results", 1000)
	v.SetDefault("organize_by_date", true)
	v.SetDefault("file_patterns", []string{DefaultFilePattern})
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 5000)
	v.SetDefault("access_key", "")
	v.SetDefault("rate_limit", 100)

	v.SetDefault("inference.timeout", 30*time.Second)
	v.SetDefault("inference.instances", 1)
	v.SetDefault("inference.labels_path", "")
	v.SetDefault("inference.threads", 0)
	v.SetDefault("inference.onnx_library", "")

	v.SetDefault("watcher.backend", WatcherBackendPoll)
	v.SetDefault("watcher.poll_interval", 2*time.Second)
	v.SetDefault("watcher.stable_checks", 2)
	v.SetDefault("watcher.workers", 2)
	v.SetDefault("watcher.queue_size", 16)
	v.SetDefault("watcher.move_files", true)
	v.SetDefault("watcher.shutdown_timeout", 30*time.Second)
	setRetryDefaults(v, "watcher.retry")

	v.SetDefault("database.type", DatabaseSQLite)
	v.SetDefault("database.path", "")
	v.SetDefault("database.mysql.host", "localhost")
	v.SetDefault("database.mysql.port", 3306)
	v.SetDefault("database.mysql.user", "birdcam")
	v.SetDefault("database.mysql.password", "")
	v.SetDefault("database.mysql.database", "birdcam")
	setRetryDefaults(v, "database.retry")

	v.SetDefault("storage.write_sidecars", true)
	v.SetDefault("storage.save_annotated", true)

	v.SetDefault("webserver.read_timeout", 30*time.Second)
	v.SetDefault("webserver.write_timeout", 60*time.Second)
	v.SetDefault("webserver.max_upload_mb", 16)
	v.SetDefault("webserver.cors_origins", []string{"*"})
	v.SetDefault("webserver.stats_ttl", 10*time.Second)

	v.SetDefault("logging.default_level", "info")
	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.console.enabled", true)
	v.SetDefault("logging.console.level", "info")
	v.SetDefault("logging.file.enabled", false)
	v.SetDefault("logging.file.path", "logs/birdcam.log")
	v.SetDefault("logging.file.level", "info")
	v.SetDefault("logging.file.max_size_mb", 50)
	v.SetDefault("logging.file.max_age_days", 30)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.compress", false)
	v.SetDefault("logging.module_levels", map[string]string{})

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.dsn", "")

	v.SetDefault("metrics.enabled", true)
}

// setRetryDefaults applies the bounded retry policy: 3 attempts with
// exponential backoff starting at 500ms, capped at 5s.
func setRetryDefaults(v *viper.Viper, prefix string) {
	v.SetDefault(prefix+".max_attempts", 3)
	v.SetDefault(prefix+".initial_delay", 500*time.Millisecond)
	v.SetDefault(prefix+".max_delay", 5*time.Second)
	v.SetDefault(prefix+".multiplier", 2.0)
}
