package transfer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"gpudispatch/internal/apperrors"
)

// ManifestFilename is written into each downloaded output directory.
const ManifestFilename = "transfer_manifest.json"

// Entry describes one downloaded file.
type Entry struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// Manifest is the audit record written after a directory download.
type Manifest struct {
	Dir   string  `json:"dir"`
	Files []Entry `json:"files"`
}

// Write serializes the manifest into localDir.
func (m *Manifest) Write(localDir string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return apperrors.Transfer("manifest marshal", localDir, err)
	}
	target := filepath.Join(localDir, ManifestFilename)
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return apperrors.Transfer("manifest write", target, err)
	}
	return nil
}
