package tui

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/smart-tinker/ncrew-sub000/internal/logging"
)

// watchDebounce coalesces bursts of writes into one refresh.
const watchDebounce = 150 * time.Millisecond

// Watch signals on the returned channel whenever a file in dirs changes.
// Missing directories are skipped. The channel closes when ctx is done.
func Watch(ctx context.Context, dirs []string, logger logrus.FieldLogger) (<-chan struct{}, error) {
	logger = logging.OrDiscard(logger)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			logger.WithError(err).WithField("dir", dir).Warn("watch directory")
		}
	}

	changes := make(chan struct{}, 1)
	go func() {
		defer func() {
			_ = watcher.Close()
			close(changes)
		}()
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(watchDebounce)
				} else {
					timer.Reset(watchDebounce)
				}
				fire = timer.C
			case <-fire:
				fire = nil
				select {
				case changes <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Debug("file watcher error")
			}
		}
	}()
	return changes, nil
}
