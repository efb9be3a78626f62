package manifest_test

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labelops/internal/manifest"
)

func sample() manifest.Manifest {
	return manifest.Manifest{
		BatchID:         "b7e4a2c0-1111-2222-3333-444455556666",
		CreatedUTC:      time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC),
		ClientID:        "client_01",
		Source:          "watch",
		InputFiles:      []string{"/data/clients/client_01/IN_TXT/batch.txt"},
		InputTextSHA256: manifest.SHA256Text("raw input"),
		OutputXlsx:      "/data/clients/client_01/READY_XLSX/client_01_20250314_093000.xlsx",
		TrackingCSV:     "/data/clients/client_01/TRACKING_OUT/client_01_20250314_093000.csv",
		RecordCount:     2,
		DefaultsUsed:    map[string]any{"service": "Standard", "weight_kg": 1.5},
		ServicesUsed:    map[string]int{"Standard": 1, "Next Day": 1},
		AI:              manifest.AISummary{Enabled: true, AutoApplyMaxRisk: "low", FlaggedCount: 1},
	}
}

func TestFilename(t *testing.T) {
	m := sample()
	assert.Equal(t,
		"client_01_2025-03-14_b7e4a2c0-1111-2222-3333-444455556666.manifest.json",
		manifest.Filename(m))
}

func TestFilenameSanitizesClientID(t *testing.T) {
	m := sample()
	m.ClientID = "client/../evil"
	name := manifest.Filename(m)
	assert.NotContains(t, name, "/")
	assert.True(t, strings.HasSuffix(name, ".manifest.json"))
}

func TestWriteAndVersionDefault(t *testing.T) {
	dir := t.TempDir()
	path, err := manifest.Write(sample(), dir)
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(raw)
	assert.Contains(t, content, `"manifest_version": "1.0"`)
	assert.Contains(t, content, `"services_used_summary"`)
	assert.Contains(t, content, `"input_text_sha256"`)
}

func TestWriteRequiresOutDir(t *testing.T) {
	_, err := manifest.Write(sample(), "")
	assert.Error(t, err)
}

// The serialized manifest must describe records by count and hash only,
// never by content.
func TestManifestCarriesNoRecordContent(t *testing.T) {
	rawInput := "Grace O'Neil\nFlat 2, 10 High Street\nStonehaven\nAB53 8HY"

	m := sample()
	m.InputTextSHA256 = manifest.SHA256Text(rawInput)

	path, err := manifest.Write(m, t.TempDir())
	require.NoError(t, err)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	serialized := string(raw)
	for _, piece := range []string{"Grace", "O'Neil", "High Street", "AB53 8HY", "Stonehaven"} {
		assert.NotContains(t, serialized, piece)
	}
}

func TestSHA256Text(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		manifest.SHA256Text(""))
	assert.NotEqual(t, manifest.SHA256Text("a"), manifest.SHA256Text("b"))
	assert.Len(t, manifest.SHA256Text("anything"), 64)
}
