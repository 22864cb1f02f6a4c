package engine

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/astar-development/astar-dev-onedrive-sync-client-sub002/internal/account"
)

const (
	// watchDebounce batches a burst of filesystem events into one run.
	watchDebounce = 2 * time.Second

	// minPollInterval floors the periodic remote poll.
	minPollInterval = 30 * time.Second
)

// socketNotifier is implemented by remotes that can push change
// notifications over a websocket. When available it replaces most
// polling.
type socketNotifier interface {
	ListenSocket(ctx context.Context, changed chan<- struct{}) error
}

// Watch runs sync sessions for the account until ctx is cancelled: one
// immediately, then again whenever the local tree changes, the remote
// pushes a notification, or the poll interval elapses. Session failures
// are logged and watching continues.
func (o *Orchestrator) Watch(ctx context.Context, hashedID account.HashedID, pollInterval time.Duration) error {
	rt, err := o.runtime(hashedID)
	if err != nil {
		return err
	}
	rt.mu.Lock()
	reg := rt.reg
	rt.mu.Unlock()

	if pollInterval < minPollInterval {
		pollInterval = minPollInterval
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return classifyLocal(err)
	}
	defer watcher.Close()

	if err := addWatchRecursive(watcher, reg.Account.LocalSyncRoot); err != nil {
		return err
	}

	changed := make(chan struct{}, 1)
	if notifier, ok := reg.Remote.(socketNotifier); ok {
		go func() {
			if listenErr := notifier.ListenSocket(ctx, changed); listenErr != nil && ctx.Err() == nil {
				o.logger.Warn("remote notification socket stopped",
					slog.String("account", hashedID.Short()),
					slog.Any("error", listenErr))
			}
		}()
	}

	o.runWatched(ctx, hashedID)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var debounce <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// New directories must be watched before anything is
			// written into them.
			if event.Op.Has(fsnotify.Create) {
				if info, statErr := os.Lstat(event.Name); statErr == nil && info.IsDir() {
					if addErr := addWatchRecursive(watcher, event.Name); addErr != nil {
						o.logger.Debug("watching new directory", slog.Any("error", addErr))
					}
				}
			}
			debounce = time.After(watchDebounce)

		case watchErr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			o.logger.Warn("filesystem watcher", slog.Any("error", watchErr))

		case <-changed:
			debounce = time.After(watchDebounce)

		case <-debounce:
			debounce = nil
			o.runWatched(ctx, hashedID)

		case <-ticker.C:
			o.runWatched(ctx, hashedID)
		}
	}
}

func (o *Orchestrator) runWatched(ctx context.Context, hashedID account.HashedID) {
	if err := o.StartSync(ctx, hashedID); err != nil && !errors.Is(err, context.Canceled) {
		o.logger.Error("watched sync failed",
			slog.String("account", hashedID.Short()),
			slog.Any("error", err))
	}
}

func addWatchRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return classifyLocal(err)
		}
		if !d.IsDir() {
			return nil
		}
		if addErr := watcher.Add(path); addErr != nil {
			return classifyLocal(addErr)
		}
		return nil
	})
}
