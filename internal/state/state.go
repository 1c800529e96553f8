package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"RegimeSentinel/internal/model"
)

// LoadState reads the assessments from a JSON file. Returns a zero state if the file doesn't exist.
func LoadState(filePath string) (*model.Assessments, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return &model.Assessments{}, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}
	var a model.Assessments
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &a, nil
}

// SaveState writes the assessments to a JSON file via a temp file and rename.
func SaveState(filePath string, a *model.Assessments) error {
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if dir := filepath.Dir(filePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}
	tmp := filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return os.Rename(tmp, filePath)
}
