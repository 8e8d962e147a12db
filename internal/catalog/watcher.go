package catalog

import (
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch re-reads the catalog whenever the file changes on disk, so
// external provisioning (the admin CLI, configuration management)
// takes effect without a restart. Saves made by this process are
// skipped via the selfWrites counter. The returned function stops the
// watcher.
func (c *Catalog) Watch(logger *slog.Logger) (func() error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// The save path renames a temp file over the catalog, which would
	// drop a watch on the file itself; watch the directory instead.
	dir := filepath.Dir(c.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}
	base := filepath.Base(c.path)

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				c.mu.Lock()
				if c.selfWrites > 0 {
					c.selfWrites--
					c.mu.Unlock()
					continue
				}
				err := c.reload()
				c.mu.Unlock()
				if err != nil {
					logger.Warn("catalog reload failed, keeping previous state",
						slog.String("path", c.path),
						slog.String("error", err.Error()),
					)
					continue
				}
				logger.Info("catalog reloaded", slog.String("path", c.path))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("catalog watcher error", slog.String("error", err.Error()))
			}
		}
	}()

	return watcher.Close, nil
}
