package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher is a Source backed by a catalog file that is reloaded whenever
// the file changes. An invalid edit is logged and the previous catalog
// stays active.
type Watcher struct {
	path    string
	logger  zerolog.Logger
	current atomic.Pointer[Catalog]
	reloads atomic.Int64
}

// NewWatcher loads the catalog at path. Call Run to start watching.
func NewWatcher(path string, logger zerolog.Logger) (*Watcher, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:   path,
		logger: logger.With().Str("component", "catalog-watcher").Str("path", path).Logger(),
	}
	w.current.Store(c)
	return w, nil
}

// Current implements Source.
func (w *Watcher) Current() *Catalog {
	return w.current.Load()
}

// Reloads returns how many times the catalog was successfully reloaded.
func (w *Watcher) Reloads() int64 {
	return w.reloads.Load()
}

// Run watches the catalog file until ctx is done. The parent directory is
// watched so that editors replacing the file by rename are picked up.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create catalog watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}

	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.reload()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("catalog watch error")
		}
	}
}

func (w *Watcher) reload() {
	c, err := Load(w.path)
	if err != nil {
		w.logger.Warn().Err(err).Msg("catalog reload failed, keeping previous catalog")
		return
	}
	w.current.Store(c)
	w.reloads.Add(1)
	w.logger.Info().Int("connectors", len(c.Connectors)).Msg("catalog reloaded")
}
