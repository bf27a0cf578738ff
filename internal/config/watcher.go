package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultSettle is how long config.yaml must stay quiet before a change is
// reported. Editors often write a file in several steps.
const DefaultSettle = 200 * time.Millisecond

// ReloadEvent says config.yaml now has different contents. Digest is the
// sha256 of the new bytes.
type ReloadEvent struct {
	Path   string
	Digest string
}

// Watcher reports content changes to config.yaml. It watches the home
// directory rather than the file so editors that replace the file on save
// are seen, and it stays silent when a save leaves the bytes unchanged.
type Watcher struct {
	path   string
	settle time.Duration
	logger *slog.Logger
	events chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:   filepath.Clean(ConfigPath(homeDir)),
		settle: DefaultSettle,
		logger: logger,
		events: make(chan ReloadEvent, 4),
	}
}

// WithSettle overrides the quiet period; mainly for tests.
func (w *Watcher) WithSettle(d time.Duration) *Watcher {
	if d > 0 {
		w.settle = d
	}
	return w
}

// Events is closed once the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start begins watching until ctx is done. It fails if the home directory
// cannot be watched.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return err
	}
	last := fileDigest(w.path)

	go func() {
		defer fsw.Close()
		defer close(w.events)

		settle := time.NewTimer(w.settle)
		settle.Stop()
		defer settle.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				settle.Reset(w.settle)
			case <-settle.C:
				digest := fileDigest(w.path)
				if digest == "" || digest == last {
					continue
				}
				last = digest
				w.logger.Info("config file changed", "path", w.path, "digest", digest[:12])
				select {
				case w.events <- ReloadEvent{Path: w.path, Digest: digest}:
				case <-ctx.Done():
					return
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

// fileDigest returns "" when the file cannot be read, e.g. mid-replace.
func fileDigest(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
