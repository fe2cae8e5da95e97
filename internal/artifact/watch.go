package artifact

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Event reports a change to a stored artifact.
type Event struct {
	Name Name
	Op   string
}

// Watch emits an Event whenever an artifact file changes, until ctx is
// cancelled. Temp files and the revision index are filtered out. Intended
// for progress observers (status --follow), not for gating.
func (s *Store) Watch(ctx context.Context) (<-chan Event, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", s.dir, err)
	}

	events := make(chan Event, 16)
	go func() {
		defer watcher.Close()
		defer close(events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				base := filepath.Base(ev.Name)
				if base == indexFile || strings.HasPrefix(base, ".") {
					continue
				}
				select {
				case events <- Event{Name: Name(base), Op: ev.Op.String()}:
				case <-ctx.Done():
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn(ctx, "artifact watcher error", zap.Error(err))
			}
		}
	}()
	return events, nil
}
