package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// cacheFile is the on-disk envelope for a provider's model list. The
// timestamp lets a restarted process honor the TTL across runs.
type cacheFile struct {
	UpdatedAt int64   `json:"updated_at"`
	Models    []Model `json:"models"`
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	// Write-then-rename so a crash never leaves a truncated cache.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}
