// Package output renders validated records into the courier-import
// spreadsheet and the tracking CSV. Writes go to a temporary file in the
// destination directory and are renamed into place only on full success, so
// a failed write never leaves a referenced partial artifact.
package output

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"labelops/internal/parser"
)

// ErrOutputWrite marks a failed artifact write; the batch fails and the
// input is quarantined.
var ErrOutputWrite = errors.New("output write failed")

type Writer struct {
	logger *slog.Logger
}

func NewWriter(logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{logger: logger}
}

// WriteXLSX fills the client's headerless template with records per the
// 1-indexed column mapping and finalizes it as <baseName>.xlsx in readyDir.
func (w *Writer) WriteXLSX(records []parser.Record, mapping map[string]int, templatePath, readyDir, baseName string) (string, error) {
	start := time.Now()
	if len(records) == 0 {
		return "", fmt.Errorf("%w: no records to write", ErrOutputWrite)
	}

	f, err := excelize.OpenFile(templatePath)
	if err != nil {
		return "", fmt.Errorf("%w: open template %s: %v", ErrOutputWrite, templatePath, err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			w.logger.Warn("output.xlsx.close_error", "error", err)
		}
	}()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return "", fmt.Errorf("%w: template has no worksheets", ErrOutputWrite)
	}
	sheet := sheets[0]

	firstRow, err := firstEmptyRow(f, sheet, mapping)
	if err != nil {
		return "", fmt.Errorf("%w: scan template: %v", ErrOutputWrite, err)
	}

	for offset, rec := range records {
		row := firstRow + offset
		for field, col := range mapping {
			cell, err := excelize.CoordinatesToCellName(col, row)
			if err != nil {
				return "", fmt.Errorf("%w: cell %s[%d,%d]: %v", ErrOutputWrite, field, col, row, err)
			}
			if err := f.SetCellValue(sheet, cell, fieldValue(rec, field)); err != nil {
				return "", fmt.Errorf("%w: set %s: %v", ErrOutputWrite, cell, err)
			}
		}
	}

	if err := os.MkdirAll(readyDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: create output dir: %v", ErrOutputWrite, err)
	}
	final := filepath.Join(readyDir, baseName+".xlsx")
	tmp := final + ".tmp"
	if err := f.SaveAs(tmp); err != nil {
		return "", fmt.Errorf("%w: save workbook: %v", ErrOutputWrite, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("%w: finalize workbook: %v", ErrOutputWrite, err)
	}

	w.logger.Info("output.xlsx.ok",
		"path", final,
		"rows", len(records),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return final, nil
}

// firstEmptyRow finds the first row where every mapped column is blank.
func firstEmptyRow(f *excelize.File, sheet string, mapping map[string]int) (int, error) {
	rows, err := f.GetRows(sheet)
	if err != nil {
		return 0, err
	}
	for i := range rows {
		if rowEmpty(rows[i], mapping) {
			return i + 1, nil
		}
	}
	return len(rows) + 1, nil
}

func rowEmpty(row []string, mapping map[string]int) bool {
	for _, col := range mapping {
		if col <= len(row) && strings.TrimSpace(row[col-1]) != "" {
			return false
		}
	}
	return true
}

func fieldValue(rec parser.Record, field string) any {
	switch field {
	case "full_name":
		return strings.TrimSpace(rec.FullName)
	case "address_line_1":
		return strings.TrimSpace(rec.AddressLine1)
	case "address_line_2":
		return strings.TrimSpace(rec.AddressLine2)
	case "town_city":
		return strings.TrimSpace(rec.TownCity)
	case "county":
		return strings.TrimSpace(rec.County)
	case "postcode":
		return strings.ToUpper(strings.TrimSpace(rec.Postcode))
	case "country":
		return strings.ToUpper(strings.TrimSpace(rec.Country))
	case "service":
		return strings.TrimSpace(rec.Service)
	case "weight_kg":
		return rec.WeightKg
	case "reference":
		return strings.TrimSpace(rec.Reference)
	default:
		// phone/email have no parsed source yet; mapped columns stay blank
		return ""
	}
}
