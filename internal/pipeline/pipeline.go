// Package pipeline orchestrates one batch: parse, service match, optional
// risk-gated correction, validation, and artifact writes. Batches for one
// client never run concurrently; the daemon serializes dispatch.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"labelops/internal/ai"
	"labelops/internal/config"
	"labelops/internal/manifest"
	"labelops/internal/output"
	"labelops/internal/parser"
	"labelops/internal/service"
)

// ErrNoRecords means no block in the input survived parsing; the batch fails
// and daemon inputs are quarantined.
var ErrNoRecords = errors.New("no valid records were parsed from the input")

// Request describes one batch invocation.
type Request struct {
	ClientID   string
	RawText    string
	InputFiles []string
	UseAI      bool
	MaxRisk    string // low|medium|high
	MaxAICalls int    // hard cap on corrector calls per batch
	Source     string // telegram|watch|gui|cli
	DryRun     bool
}

// ValidationFailure reports a record that was missing required fields after
// defaults and corrections. The record is excluded; the batch continues.
type ValidationFailure struct {
	Record  int
	Missing []string
}

// AISummary counts correction outcomes for the batch.
type AISummary struct {
	Enabled bool
	Applied int
	Flagged int
}

// BatchResult is the structured outcome of one batch.
type BatchResult struct {
	ClientID           string
	BatchID            string
	RecordCount        int
	OutputXlsx         string
	TrackingCSV        string
	ManifestPath       string
	ParseWarnings      []parser.Warning
	ValidationFailures []ValidationFailure
	AISummary          AISummary
	DryRun             bool
}

// Required record fields that defaults cannot supply.
var requiredRecordFields = []string{"full_name", "address_line_1", "postcode"}

// Runner executes batches. It owns no cross-batch state; the config snapshot
// and settings are passed per invocation.
type Runner struct {
	logger      *slog.Logger
	writer      *output.Writer
	corrector   ai.Corrector
	manifestDir string
}

func NewRunner(logger *slog.Logger, writer *output.Writer, corrector ai.Corrector, manifestDir string) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if writer == nil {
		writer = output.NewWriter(logger)
	}
	if corrector == nil {
		corrector = ai.Noop{}
	}
	return &Runner{logger: logger, writer: writer, corrector: corrector, manifestDir: manifestDir}
}

// Run executes the batch. DryRun performs every step except filesystem
// writes and still returns full counts.
func (r *Runner) Run(ctx context.Context, settings config.Settings, req Request) (BatchResult, error) {
	start := time.Now()
	if !ai.ValidRisk(req.MaxRisk) {
		return BatchResult{}, fmt.Errorf("max risk must be low, medium, or high, got %q", req.MaxRisk)
	}

	res := BatchResult{
		ClientID: req.ClientID,
		BatchID:  uuid.New().String(),
		DryRun:   req.DryRun,
		AISummary: AISummary{
			Enabled: req.UseAI,
		},
	}

	records, warnings := parser.Parse(req.RawText)
	res.ParseWarnings = warnings
	for _, w := range warnings {
		r.logger.Warn("pipeline.parse.warning", "client_id", req.ClientID, "batch_id", res.BatchID, "block", w.Block, "reason", w.Reason)
	}
	if len(records) == 0 {
		return res, ErrNoRecords
	}

	r.applyServiceAndDefaults(records, settings)

	aiFlags := make([]bool, len(records))
	if req.UseAI {
		r.correct(ctx, records, aiFlags, req, &res)
	}

	records, aiFlags = r.validate(records, aiFlags, &res)
	if len(records) == 0 {
		return res, fmt.Errorf("%w: every record failed validation", ErrNoRecords)
	}
	res.RecordCount = len(records)

	baseName := fmt.Sprintf("%s_%s", req.ClientID, start.Format("20060102_150405"))
	if !req.DryRun {
		xlsxPath, err := r.writer.WriteXLSX(records, settings.Mapping, settings.TemplatePath, settings.Folders.ReadyXlsx, baseName)
		if err != nil {
			return res, err
		}
		res.OutputXlsx = xlsxPath

		trackingPath, err := r.writer.WriteTracking(records, aiFlags, settings.Folders.TrackingOut, baseName)
		if err != nil {
			return res, err
		}
		res.TrackingCSV = trackingPath

		res.ManifestPath = r.writeManifest(records, settings, req, res)
	}

	r.logger.Info("pipeline.run.ok",
		"client_id", req.ClientID,
		"batch_id", res.BatchID,
		"source", req.Source,
		"records", res.RecordCount,
		"parse_warnings", len(res.ParseWarnings),
		"validation_failures", len(res.ValidationFailures),
		"ai_applied", res.AISummary.Applied,
		"ai_flagged", res.AISummary.Flagged,
		"dry_run", req.DryRun,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

// applyServiceAndDefaults resolves each record's service from its own source
// block and fills unset fields from the client defaults.
func (r *Runner) applyServiceAndDefaults(records []parser.Record, settings config.Settings) {
	for i := range records {
		rec := &records[i]

		rule, tag, ok := service.Match(rec.Source, settings.Services)
		switch {
		case ok:
			rec.Service = rule.Name
		default:
			rec.Service = settings.Defaults.Service
		}
		if tag != "" {
			note := "Tag matched: " + tag
			if rec.Notes != "" {
				note = rec.Notes + " " + note
			}
			rec.Notes = note
		}

		if rec.WeightKg == 0 {
			rec.WeightKg = settings.Defaults.WeightKg
		}
		if rec.Country == "" {
			rec.Country = settings.Defaults.Country
		}
		if rec.Reference == "" && settings.Defaults.ReferencePrefix != "" {
			rec.Reference = settings.Defaults.ReferencePrefix + strconv.Itoa(i+1)
		}
	}
}

// correct runs the risk-gated correction step under the per-batch call
// budget. Corrector failures downgrade to unmodified records.
func (r *Runner) correct(ctx context.Context, records []parser.Record, aiFlags []bool, req Request, res *BatchResult) {
	calls := 0
	for i := range records {
		rec := &records[i]
		if !ai.NeedsCorrection(*rec) {
			continue
		}
		if calls >= req.MaxAICalls {
			// Budget spent: remaining records pass through unmodified.
			continue
		}
		calls++

		result, err := r.corrector.Suggest(ctx, *rec)
		if err != nil {
			r.logger.Warn("pipeline.ai.unavailable",
				"client_id", req.ClientID, "batch_id", res.BatchID, "record", i+1, "error", err)
			continue
		}
		if len(result.Suggestions) == 0 {
			continue
		}

		aiFlags[i] = true
		if result.Risk != ai.RiskLow {
			res.AISummary.Flagged++
		}
		if ai.Apply(rec, result, req.MaxRisk) {
			res.AISummary.Applied++
		}
	}
}

// validate drops records missing required fields, recording each failure.
func (r *Runner) validate(records []parser.Record, aiFlags []bool, res *BatchResult) ([]parser.Record, []bool) {
	kept := records[:0]
	keptFlags := aiFlags[:0]
	for i, rec := range records {
		var missing []string
		for _, field := range requiredRecordFields {
			if strings.TrimSpace(recordField(rec, field)) == "" {
				missing = append(missing, field)
			}
		}
		if len(missing) > 0 {
			res.ValidationFailures = append(res.ValidationFailures, ValidationFailure{Record: i + 1, Missing: missing})
			r.logger.Warn("pipeline.validate.record_failed",
				"client_id", res.ClientID, "batch_id", res.BatchID, "record", i+1, "missing", missing)
			continue
		}
		kept = append(kept, rec)
		keptFlags = append(keptFlags, aiFlags[i])
	}
	return kept, keptFlags
}

func recordField(rec parser.Record, field string) string {
	switch field {
	case "full_name":
		return rec.FullName
	case "address_line_1":
		return rec.AddressLine1
	case "postcode":
		return rec.Postcode
	default:
		return ""
	}
}

// writeManifest is best-effort: a manifest failure is logged but never undoes
// finalized outputs.
func (r *Runner) writeManifest(records []parser.Record, settings config.Settings, req Request, res BatchResult) string {
	servicesUsed := map[string]int{}
	for _, rec := range records {
		key := rec.Service
		if key == "" {
			key = "unknown"
		}
		servicesUsed[key]++
	}

	m := manifest.Manifest{
		ManifestVersion: manifest.Version,
		BatchID:         res.BatchID,
		CreatedUTC:      time.Now().UTC(),
		ClientID:        req.ClientID,
		Source:          req.Source,
		InputFiles:      req.InputFiles,
		InputTextSHA256: manifest.SHA256Text(req.RawText),
		OutputXlsx:      res.OutputXlsx,
		TrackingCSV:     res.TrackingCSV,
		RecordCount:     res.RecordCount,
		DefaultsUsed: map[string]any{
			"service":   settings.Defaults.Service,
			"weight_kg": settings.Defaults.WeightKg,
			"country":   settings.Defaults.Country,
		},
		ServicesUsed: servicesUsed,
		AI: manifest.AISummary{
			Enabled:          req.UseAI,
			AutoApplyMaxRisk: req.MaxRisk,
			FlaggedCount:     res.AISummary.Flagged,
			AppliedCount:     res.AISummary.Applied,
		},
	}

	dir := r.manifestDir
	if dir == "" {
		dir = settings.Folders.TrackingOut
	}
	path, err := manifest.Write(m, dir)
	if err != nil {
		r.logger.Error("pipeline.manifest.write_failed",
			"client_id", req.ClientID, "batch_id", res.BatchID, "error", err)
		return ""
	}
	return path
}
