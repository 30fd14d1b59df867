// env.go - environment variable configuration and validation
package conf

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. BIRDCAM_PORT
// or BIRDCAM_WATCHER_WORKERS.
const EnvPrefix = "BIRDCAM"

// envBinding holds metadata for explicitly validated environment variables
type envBinding struct {
	ConfigKey string
	EnvVar    string
	Validate  func(string) error
}

func getEnvBindings() []envBinding {
	return []envBinding{
		{"model_path", "BIRDCAM_MODEL_PATH", validateEnvPath},
		{"model_type", "BIRDCAM_MODEL_TYPE", validateEnvModelType},
		{"confidence_threshold", "BIRDCAM_CONFIDENCE_THRESHOLD", validateEnvUnitFloat},
		{"device", "BIRDCAM_DEVICE", validateEnvDevice},
		{"input_dir", "BIRDCAM_INPUT_DIR", validateEnvPath},
		{"output_dir", "BIRDCAM_OUTPUT_DIR", validateEnvPath},
		{"max_results", "BIRDCAM_MAX_RESULTS", validateEnvPositiveInt},
		{"organize_by_date", "BIRDCAM_ORGANIZE_BY_DATE", validateEnvBool},
		{"port", "BIRDCAM_PORT", validateEnvPort},
		{"debug", "BIRDCAM_DEBUG", validateEnvBool},
		{"access_key", "BIRDCAM_ACCESS_KEY", nil},
		{"rate_limit", "BIRDCAM_RATE_LIMIT", validateEnvNonNegativeInt},
		{"database.mysql.password", "BIRDCAM_DATABASE_MYSQL_PASSWORD", nil},
		{"telemetry.dsn", "BIRDCAM_TELEMETRY_DSN", nil},
	}
}

// bindEnvVars enables BIRDCAM_* overrides for every key and validates the
// explicitly listed ones.
func bindEnvVars(v *viper.Viper) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var problems []string
	for _, binding := range getEnvBindings() {
		if err := v.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
			problems = append(problems, fmt.Sprintf("failed to bind %s: %v", binding.EnvVar, err))
			continue
		}

		if binding.Validate == nil {
			continue
		}
		if envValue := os.Getenv(binding.EnvVar); envValue != "" {
			if err := binding.Validate(envValue); err != nil {
				problems = append(problems, fmt.Sprintf("invalid %s value %q: %v", binding.EnvVar, envValue, err))
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("error loading %s: %w", path, err)
}

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return fmt.Errorf("must be true or false")
	}
	return nil
}

func validateEnvUnitFloat(value string) error {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("must be a number")
	}
	if f < 0 || f > 1 {
		return fmt.Errorf("must be between 0 and 1")
	}
	return nil
}

func validateEnvPositiveInt(value string) error {
	n, err := strconv.Atoi(value)
	if err != nil || n < 1 {
		return fmt.Errorf("must be a positive integer")
	}
	return nil
}

func validateEnvNonNegativeInt(value string) error {
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return fmt.Errorf("must be zero or a positive integer")
	}
	return nil
}

func validateEnvPort(value string) error {
	n, err := strconv.Atoi(value)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("must be between 1 and 65535")
	}
	return nil
}

func validateEnvModelType(value string) error {
	switch value {
	case ModelTypeMobileNet, ModelTypeYOLO:
		return nil
	}
	return fmt.Errorf("must be %s or %s", ModelTypeMobileNet, ModelTypeYOLO)
}

func validateEnvDevice(value string) error {
	switch value {
	case "cpu", "cuda":
		return nil
	}
	return fmt.Errorf("must be cpu or cuda")
}

func validateEnvPath(value string) error {
	if strings.ContainsRune(value, 0) {
		return fmt.Errorf("contains a NUL byte")
	}
	if filepath.Clean(value) == "" {
		return fmt.Errorf("empty path")
	}
	return nil
}
