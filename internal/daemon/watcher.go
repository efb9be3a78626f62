package daemon

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchConfig configures folder observation over the clients' in_txt dirs.
type WatchConfig struct {
	Roots       []string // directories to watch
	Recursive   bool     // also watch subdirectories
	InitialScan bool     // emit files already present at startup

	// Stability gate: a file is emitted only after its size stops changing,
	// so half-copied drops are not picked up.
	StableChecks int
	StableDelay  time.Duration
	StableWait   time.Duration
}

func (c *WatchConfig) defaults() {
	if c.StableChecks <= 0 {
		c.StableChecks = 3
	}
	if c.StableDelay <= 0 {
		c.StableDelay = 400 * time.Millisecond
	}
	if c.StableWait <= 0 {
		c.StableWait = 10 * time.Second
	}
}

// StartWatcher observes the configured roots and emits paths of stable new
// .txt files. The channel closes when ctx is cancelled.
func StartWatcher(ctx context.Context, cfg WatchConfig, logger *slog.Logger) (<-chan string, error) {
	if len(cfg.Roots) == 0 {
		return nil, errors.New("no roots provided")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.defaults()

	evCh := make(chan string, 256)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	addRoot := func(root string) error {
		if !cfg.Recursive {
			return w.Add(root)
		}
		return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if d.IsDir() {
				return w.Add(path)
			}
			return nil
		})
	}
	for _, root := range cfg.Roots {
		if err := addRoot(root); err != nil {
			_ = w.Close()
			return nil, err
		}
	}

	if cfg.InitialScan {
		for _, root := range cfg.Roots {
			_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
				if walkErr != nil || d.IsDir() {
					return nil
				}
				if !cfg.Recursive && filepath.Dir(path) != filepath.Clean(root) {
					return nil
				}
				if isWatchableTxt(path) {
					select {
					case evCh <- path:
					default:
						logger.Warn("watcher.initial_scan.dropped", "path", path)
					}
				}
				return nil
			})
		}
	}

	go func() {
		defer close(evCh)
		defer func() {
			if err := w.Close(); err != nil {
				logger.Warn("watcher.close_error", "error", err)
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case e, open := <-w.Events:
				if !open {
					return
				}
				if cfg.Recursive && e.Op.Has(fsnotify.Create) {
					if st, err := os.Stat(e.Name); err == nil && st.IsDir() {
						if err := w.Add(e.Name); err != nil {
							logger.Warn("watcher.add_dir_failed", "path", e.Name, "error", err)
						}
						continue
					}
				}
				// Renames into a watched dir surface as Create; a Rename op is
				// the old path leaving, e.g. our own archive move.
				if !e.Op.Has(fsnotify.Create) && !e.Op.Has(fsnotify.Write) {
					continue
				}
				if !isWatchableTxt(e.Name) {
					continue
				}
				if !waitForStable(e.Name, cfg) {
					logger.Warn("watcher.file_never_stable", "path", e.Name)
					continue
				}
				select {
				case evCh <- e.Name:
				case <-ctx.Done():
					return
				}
			case err, open := <-w.Errors:
				if !open {
					return
				}
				logger.Error("watcher.error", "error", err)
			}
		}
	}()

	return evCh, nil
}

func isWatchableTxt(path string) bool {
	name := strings.ToLower(filepath.Base(path))
	if strings.HasSuffix(name, ".tmp") || strings.HasSuffix(name, ".part") {
		return false
	}
	if strings.HasPrefix(name, "~") || strings.HasSuffix(name, "~") {
		return false
	}
	if strings.HasPrefix(name, ".") {
		return false
	}
	return strings.HasSuffix(name, ".txt")
}

func waitForStable(path string, cfg WatchConfig) bool {
	deadline := time.Now().Add(cfg.StableWait)
	var lastSize int64 = -1
	hits := 0
	for time.Now().Before(deadline) {
		st, err := os.Stat(path)
		if err != nil {
			time.Sleep(cfg.StableDelay)
			continue
		}
		if st.Size() == lastSize {
			hits++
			if hits >= cfg.StableChecks {
				return true
			}
		} else {
			hits = 0
			lastSize = st.Size()
		}
		time.Sleep(cfg.StableDelay)
	}
	return false
}
