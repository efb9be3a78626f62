package output

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"labelops/internal/parser"
)

var trackingHeader = []string{
	"full_name", "postcode", "service", "weight_kg", "reference", "notes", "ai_flag",
}

// WriteTracking emits the downstream tracking CSV as <baseName>_tracking.csv
// in trackingDir. aiFlags must be indexed like records; a true entry means
// the record carried AI suggestions (applied or flagged).
func (w *Writer) WriteTracking(records []parser.Record, aiFlags []bool, trackingDir, baseName string) (string, error) {
	start := time.Now()
	if len(records) == 0 {
		return "", fmt.Errorf("%w: no records for tracking CSV", ErrOutputWrite)
	}
	if err := os.MkdirAll(trackingDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: create tracking dir: %v", ErrOutputWrite, err)
	}

	final := filepath.Join(trackingDir, baseName+"_tracking.csv")
	tmp := final + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("%w: create tracking file: %v", ErrOutputWrite, err)
	}

	cw := csv.NewWriter(f)
	writeErr := cw.Write(trackingHeader)
	for i, rec := range records {
		if writeErr != nil {
			break
		}
		flag := "No"
		if i < len(aiFlags) && aiFlags[i] {
			flag = "Yes"
		}
		writeErr = cw.Write([]string{
			rec.FullName,
			rec.Postcode,
			rec.Service,
			strconv.FormatFloat(rec.WeightKg, 'f', -1, 64),
			rec.Reference,
			rec.Notes,
			flag,
		})
	}
	cw.Flush()
	if writeErr == nil {
		writeErr = cw.Error()
	}
	if closeErr := f.Close(); writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("%w: write tracking rows: %v", ErrOutputWrite, writeErr)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("%w: finalize tracking file: %v", ErrOutputWrite, err)
	}

	w.logger.Info("output.tracking.ok",
		"path", final,
		"rows", len(records),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return final, nil
}
