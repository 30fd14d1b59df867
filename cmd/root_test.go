package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdcam-go/internal/buildinfo"
	"github.com/tphakala/birdcam-go/internal/testutil"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	rootCmd, app, err := RootCommand(&buildinfo.Context{Version: "v0.0.1-test"})
	require.NoError(t, err)
	t.Cleanup(app.Close)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err = rootCmd.Execute()
	return out.String(), err
}

// writeTestConfig creates input and output directories and a config using
// the mock backend
func writeTestConfig(t *testing.T) (configPath, inputDir, outputDir string) {
	t.Helper()
	root := t.TempDir()
	inputDir = filepath.Join(root, "incoming")
	outputDir = filepath.Join(root, "output")
	require.NoError(t, os.MkdirAll(inputDir, 0o755))

	configPath = filepath.Join(root, "config.yaml")
	content := fmt.Sprintf(`development: true
input_dir: %s
output_dir: %s
access_key: topsecret
logging:
  console:
    enabled: false
watcher:
  move_files: false
  retry:
    max_attempts: 2
    initial_delay: 1ms
    max_delay: 2ms
    multiplier: 2
`, inputDir, outputDir)
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o600))
	return configPath, inputDir, outputDir
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "birdcam v0.0.1-test")
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	out, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote "+path)
	assert.FileExists(t, path)

	_, err = execute(t, "config", "init", path)
	require.Error(t, err, "existing file kept without --force")

	_, err = execute(t, "config", "init", "--force", path)
	require.NoError(t, err)
}

func TestConfigShowMasksSecretsAndAppliesFlags(t *testing.T) {
	configPath, _, _ := writeTestConfig(t)

	out, err := execute(t, "--config", configPath, "--port", "8123", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "port: 8123")
	assert.Contains(t, out, "development: true")
	assert.NotContains(t, out, "topsecret")
	assert.Contains(t, out, "********")
}

func TestInvalidFlagValueFailsValidation(t *testing.T) {
	configPath, _, _ := writeTestConfig(t)

	_, err := execute(t, "--config", configPath, "--device", "tpu", "config", "show")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device must be cpu or cuda")
}

func TestProcessAndRelabel(t *testing.T) {
	configPath, inputDir, _ := writeTestConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(inputDir, "cardinal.jpg"), testutil.JPEG(t, 48, 48), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(inputDir, "broken.png"), testutil.CorruptImage, 0o644))

	out, err := execute(t, "--config", configPath, "process")
	require.NoError(t, err)
	assert.Contains(t, out, "queued 2, stored 1, discarded 1")
	assert.FileExists(t, filepath.Join(inputDir, "cardinal.jpg"), "copied, not moved")

	out, err = execute(t, "--config", configPath, "relabel", "1", "Pine Grosbeak")
	require.NoError(t, err)
	assert.Contains(t, out, `"species": "Pine Grosbeak"`)

	out, err = execute(t, "--config", configPath, "relabel", "1")
	require.NoError(t, err)
	assert.Contains(t, out, `"species": null`)
}

func TestRelabelErrors(t *testing.T) {
	configPath, _, _ := writeTestConfig(t)

	_, err := execute(t, "--config", configPath, "relabel", "abc", "Robin")
	require.Error(t, err)

	_, err = execute(t, "--config", configPath, "relabel", "42", "Robin")
	require.Error(t, err, "unknown record")
}

func TestMigrateCopiesIntoConfiguredDatabase(t *testing.T) {
	configPath, inputDir, outputDir := writeTestConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(inputDir, "cardinal.jpg"), testutil.JPEG(t, 48, 48), 0o644))
	_, err := execute(t, "--config", configPath, "process")
	require.NoError(t, err)

	// Second config pointing at an empty database
	base, err := os.ReadFile(configPath)
	require.NoError(t, err)
	targetDB := filepath.Join(t.TempDir(), "target.db")
	targetConfig := filepath.Join(t.TempDir(), "target.yaml")
	content := string(base) + fmt.Sprintf("database:\n  path: %s\n", targetDB)
	require.NoError(t, os.WriteFile(targetConfig, []byte(content), 0o600))

	source := filepath.Join(outputDir, "results.db")
	out, err := execute(t, "--config", targetConfig, "migrate", "--from", source)
	require.NoError(t, err)
	assert.Contains(t, out, "detection_records")
	assert.Contains(t, out, "verified: row counts match")

	out, err = execute(t, "--config", targetConfig, "relabel", "1", "Blue Jay")
	require.NoError(t, err)
	assert.Contains(t, out, `"species": "Blue Jay"`)

	_, err = execute(t, "--config", configPath, "migrate", "--from", source)
	require.Error(t, err, "source and target are the same file")
}
