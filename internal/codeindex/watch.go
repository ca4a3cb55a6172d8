package codeindex

import (
	"context"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch re-indexes files under root as they change, until ctx is done.
// Removal events drop the path from the index. Watch is best-effort:
// events on excluded or binary files are ignored, and watcher errors
// are logged rather than fatal.
func (ix *Index) Watch(ctx context.Context, root string) error {
	if ix.disabled {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(root); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			switch {
			case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
				ix.Remove(event.Name)
			case event.Has(fsnotify.Write) || event.Has(fsnotify.Create):
				if err := ix.indexFile(event.Name, true); err != nil {
					ix.logger.Debug("watch re-index failed",
						zap.String("path", event.Name), zap.Error(err))
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			ix.logger.Warn("index watcher error", zap.Error(err))
		}
	}
}
