// Package daemon runs the long-lived ingestion loop: watch per-client
// folders, queue arrivals, and dispatch them to the pipeline one at a time.
// A failing file is quarantined with a diagnostic sibling and never halts
// the loop.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"labelops/internal/config"
	"labelops/internal/pipeline"
)

// ClientWatch binds a client's resolved settings to its watched folder.
type ClientWatch struct {
	ClientID string
	Settings config.Settings
}

// Options carry the batch parameters every watched file is processed with.
type Options struct {
	UseAI      bool
	MaxRisk    string
	MaxAICalls int
	Recursive  bool
}

// BatchRunner is the slice of the pipeline the daemon dispatches to.
// *pipeline.Runner satisfies it.
type BatchRunner interface {
	Run(ctx context.Context, settings config.Settings, req pipeline.Request) (pipeline.BatchResult, error)
}

// Runner coordinates watchers, the queue, and pipeline processing. Batch
// execution is strictly serialized: one file is fully processed and archived
// or quarantined before the next begins, even across clients.
type Runner struct {
	logger  *slog.Logger
	pipe    BatchRunner
	watches []ClientWatch
	opts    Options

	mu        sync.Mutex
	processed map[string]struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(logger *slog.Logger, pipe BatchRunner, watches []ClientWatch, opts Options) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		logger:    logger,
		pipe:      pipe,
		watches:   watches,
		opts:      opts,
		processed: make(map[string]struct{}),
	}
}

// Start creates the client folders, begins observation, and launches the
// single consumer loop. It returns once the watcher is running.
func (d *Runner) Start(ctx context.Context) error {
	if len(d.watches) == 0 {
		return fmt.Errorf("no clients to watch")
	}

	roots := make([]string, 0, len(d.watches))
	for _, watch := range d.watches {
		for _, dir := range []string{
			watch.Settings.Folders.InTxt,
			watch.Settings.Folders.Archive,
			watch.Settings.Folders.Failures,
		} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create folder for %s: %w", watch.ClientID, err)
			}
		}
		roots = append(roots, watch.Settings.Folders.InTxt)
	}

	ctx, d.cancel = context.WithCancel(ctx)
	files, err := StartWatcher(ctx, WatchConfig{
		Roots:       roots,
		Recursive:   d.opts.Recursive,
		InitialScan: true,
	}, d.logger)
	if err != nil {
		d.cancel()
		return err
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for path := range files {
			d.processPath(ctx, path)
		}
	}()

	d.logger.Info("daemon.started", "watching", strings.Join(roots, ", "))
	return nil
}

// Stop stops accepting new files and waits for the in-flight batch to
// complete. There is no mid-batch cancellation.
func (d *Runner) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.logger.Info("daemon.stopped")
}

func (d *Runner) processPath(ctx context.Context, path string) {
	resolved := filepath.Clean(path)
	if d.alreadyProcessed(resolved) {
		d.logger.Debug("daemon.skip_duplicate", "path", resolved)
		return
	}

	watch, ok := d.resolveClientWatch(resolved)
	if !ok {
		d.logger.Warn("daemon.no_client_for_path", "path", resolved)
		return
	}
	if _, err := os.Stat(resolved); err != nil {
		d.logger.Warn("daemon.file_disappeared", "path", resolved)
		return
	}

	d.logger.Info("daemon.processing", "path", resolved, "client_id", watch.ClientID)
	raw, err := os.ReadFile(resolved)
	if err == nil {
		var result pipeline.BatchResult
		result, err = d.pipe.Run(ctx, watch.Settings, pipeline.Request{
			ClientID:   watch.ClientID,
			RawText:    string(raw),
			InputFiles: []string{resolved},
			UseAI:      d.opts.UseAI,
			MaxRisk:    d.opts.MaxRisk,
			MaxAICalls: d.opts.MaxAICalls,
			Source:     "watch",
		})
		if err == nil {
			archived, archiveErr := moveWithCollisionSuffix(resolved, watch.Settings.Folders.Archive)
			if archiveErr != nil {
				d.logger.Error("daemon.archive_failed", "path", resolved, "error", archiveErr)
			} else {
				d.logger.Info("daemon.archived",
					"path", archived,
					"client_id", watch.ClientID,
					"batch_id", result.BatchID,
					"records", result.RecordCount,
				)
			}
			d.markProcessed(resolved)
			return
		}
	}

	d.quarantine(resolved, watch, err)
	d.markProcessed(resolved)
}

// quarantine moves the failing input into the client's failures folder and
// writes a sibling error artifact with the full diagnostic. The input is
// never deleted.
func (d *Runner) quarantine(path string, watch ClientWatch, cause error) {
	d.logger.Error("daemon.batch_failed", "path", path, "client_id", watch.ClientID, "error", cause)

	dest, err := moveWithCollisionSuffix(path, watch.Settings.Folders.Failures)
	if err != nil {
		d.logger.Error("daemon.quarantine_move_failed", "path", path, "error", err)
		dest = filepath.Join(watch.Settings.Folders.Failures, filepath.Base(path))
	}

	detail := fmt.Sprintf("input: %s\nclient: %s\ntime: %s\nerror: %v\n",
		path, watch.ClientID, time.Now().UTC().Format(time.RFC3339), cause)
	errorPath := strings.TrimSuffix(dest, filepath.Ext(dest)) + ".error.txt"
	if err := os.WriteFile(errorPath, []byte(detail), 0o644); err != nil {
		d.logger.Error("daemon.quarantine_detail_failed", "path", errorPath, "error", err)
	}
}

func (d *Runner) resolveClientWatch(path string) (ClientWatch, bool) {
	for _, watch := range d.watches {
		root := filepath.Clean(watch.Settings.Folders.InTxt)
		if path == root {
			continue
		}
		if strings.HasPrefix(path, root+string(filepath.Separator)) {
			return watch, true
		}
	}
	return ClientWatch{}, false
}

func (d *Runner) alreadyProcessed(path string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.processed[path]; ok {
		return true
	}
	// A matching name already in the archive means a duplicate event.
	if watch, ok := d.resolveClientWatch(path); ok {
		archived := filepath.Join(watch.Settings.Folders.Archive, filepath.Base(path))
		if _, err := os.Stat(archived); err == nil {
			d.processed[path] = struct{}{}
			return true
		}
	}
	return false
}

func (d *Runner) markProcessed(path string) {
	d.mu.Lock()
	d.processed[path] = struct{}{}
	d.mu.Unlock()
}

func moveWithCollisionSuffix(source, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}
	base := filepath.Base(source)
	dest := filepath.Join(destDir, base)
	if _, err := os.Stat(dest); err == nil {
		ext := filepath.Ext(base)
		stem := strings.TrimSuffix(base, ext)
		dest = filepath.Join(destDir, fmt.Sprintf("%s_%s%s", stem, time.Now().Format("20060102_150405"), ext))
	}
	if err := os.Rename(source, dest); err != nil {
		return "", err
	}
	return dest, nil
}
