package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	logFileName = "labelops.log"
	maxSizeMB   = 5
	maxBackups  = 5
)

var (
	postcodeRe   = regexp.MustCompile(`(?i)\b[A-Z]{1,2}\d[A-Z\d]?\s*\d[A-Z]{2}\b`)
	longDigitsRe = regexp.MustCompile(`\b\d{5,}\b`)
)

// Setup configures a JSON logger writing to both stderr and a size-rotated
// file under logDir, and installs it as the slog default.
func Setup(logDir string, level slog.Level) (*slog.Logger, error) {
	if logDir == "" {
		return nil, fmt.Errorf("log dir is required")
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, logFileName),
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
	}

	handler := slog.NewJSONHandler(io.MultiWriter(os.Stderr, rotator), &slog.HandlerOptions{
		Level: level,
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}

// Redact masks postcodes and long digit runs so free text can be logged
// without leaking address detail. Output is capped at 200 runes.
func Redact(s string) string {
	if s == "" {
		return ""
	}
	out := postcodeRe.ReplaceAllString(s, "POSTCODE")
	out = longDigitsRe.ReplaceAllString(out, "NUM")
	runes := []rune(out)
	if len(runes) > 200 {
		return string(runes[:200]) + "…"
	}
	return out
}
