package datastore

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/tphakala/birdcam-go/internal/detection"
)

// writeSidecar writes rec as indented JSON next to the other artifacts and
// returns the path. The file is written to a temporary name and renamed.
func writeSidecar(fs afero.Fs, layout Layout, rec *detection.Record) (string, error) {
	path := layout.SidecarPath(rec.Timestamp, rec.SourcePath, rec.ID)
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode sidecar: %w", err)
	}

	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create results directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := afero.WriteFile(fs, tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write sidecar: %w", err)
	}
	if err := fs.Rename(tmp, path); err != nil {
		_ = fs.Remove(tmp)
		return "", fmt.Errorf("failed to rename sidecar: %w", err)
	}
	return path, nil
}

// ReadSidecar loads a record from a sidecar file
func ReadSidecar(fs afero.Fs, path string) (*detection.Record, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, err
	}
	var rec detection.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("invalid sidecar %s: %w", path, err)
	}
	return &rec, nil
}
