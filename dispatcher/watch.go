package dispatcher

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/studiobridge/connectorworker/rpcwire"
)

const methodDiscoveryChanged = "discovery_changed"

// watchSources watches the discoverer's canonical source roots for .py
// changes and emits discovery_changed after a quiet period. It is an
// additive notification: a host that doesn't recognize the method name
// simply ignores it. Blocks until ctx is cancelled.
func (s *Server) watchSources(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Error("watch mode disabled: failed to create file watcher", "error", err)
		return
	}
	defer watcher.Close()

	for _, root := range []string{s.projectRoot, filepath.Join(s.projectRoot, "src"), filepath.Join(s.projectRoot, "connectors")} {
		if _, err := os.Stat(root); err != nil {
			continue
		}
		if err := watcher.Add(root); err != nil {
			s.logger.Warn("failed to watch directory", "path", root, "error", err)
		}
	}

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(event.Name) != ".py" {
				continue
			}
			if !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(s.watchDebounce, s.emitDiscoveryChanged)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("file watcher error", "error", err)
		}
	}
}

func (s *Server) emitDiscoveryChanged() {
	connectors, err := s.discoverer.DiscoverClasses(context.Background())
	if err != nil {
		s.logger.Warn("re-discovery after source change failed", "error", err)
		return
	}
	note := rpcwire.NewNotification(methodDiscoveryChanged, discoverResult{Connectors: connectors})
	if err := s.conn.WriteNotification(note); err != nil {
		s.logger.Error("failed to emit discovery_changed", "error", err)
	}
}
