package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads repository when catalog directory changes and reports new environment set.
// Params: repository, debounce window, logger, and change callback.
// Returns: nil after ctx cancellation or watcher setup error.
func Watch(ctx context.Context, repo *FileRepository, debounce time.Duration, logger *slog.Logger, onChange func(names []string)) error {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create catalog watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(repo.Dir()); err != nil {
		return fmt.Errorf("watch catalog dir %q: %w", repo.Dir(), err)
	}
	logger.Info("catalog watch started", "dir", repo.Dir())

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isCatalogFile(event.Name) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			names, err := repo.Reload()
			if err != nil {
				logger.Error("catalog reload failed, keeping previous catalog", "dir", repo.Dir(), "error", err.Error())
				continue
			}
			logger.Info("catalog reloaded", "dir", repo.Dir(), "environments", len(names))
			onChange(names)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("catalog watcher error", "error", err.Error())
		}
	}
}
