// Package manifest writes the per-batch audit record. Manifests describe a
// batch by reference and hash only; no address content or names ever appear
// in the serialized form.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

const Version = "1.0"

// AISummary records how much AI assistance a batch used, counts only.
type AISummary struct {
	Enabled          bool   `json:"enabled"`
	AutoApplyMaxRisk string `json:"auto_apply_max_risk"`
	FlaggedCount     int    `json:"flagged_count"`
	AppliedCount     int    `json:"applied_count"`
}

// Manifest is the audit record for one processing batch.
type Manifest struct {
	ManifestVersion string         `json:"manifest_version"`
	BatchID         string         `json:"batch_id"`
	CreatedUTC      time.Time      `json:"created_utc"`
	ClientID        string         `json:"client_id"`
	Source          string         `json:"source"`
	InputFiles      []string       `json:"input_files"`
	InputTextSHA256 string         `json:"input_text_sha256"`
	OutputXlsx      string         `json:"output_xlsx"`
	TrackingCSV     string         `json:"tracking_csv"`
	RecordCount     int            `json:"record_count"`
	DefaultsUsed    map[string]any `json:"defaults_used"`
	ServicesUsed    map[string]int `json:"services_used_summary"`
	AI              AISummary      `json:"ai"`
	Notes           []string       `json:"notes,omitempty"`
}

// SHA256Text returns the hex SHA-256 digest of text.
func SHA256Text(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

var unsafeFilenameRe = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

func safeFilename(value string) string {
	out := unsafeFilenameRe.ReplaceAllString(value, "_")
	if out == "" {
		return "client"
	}
	return out
}

// Filename is <client>_<YYYY-MM-DD>_<batchid>.manifest.json.
func Filename(m Manifest) string {
	created := m.CreatedUTC
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return fmt.Sprintf("%s_%s_%s.manifest.json",
		safeFilename(m.ClientID),
		created.UTC().Format("2006-01-02"),
		m.BatchID,
	)
}

// Write serializes the manifest into outDir and returns its path.
func Write(m Manifest, outDir string) (string, error) {
	if outDir == "" {
		return "", fmt.Errorf("manifest out dir is required")
	}
	if m.ManifestVersion == "" {
		m.ManifestVersion = Version
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("create manifest dir: %w", err)
	}

	payload, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}

	path := filepath.Join(outDir, Filename(m))
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}
	return path, nil
}
