package intake

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Handler receives every image that lands in the watched folder.
type Handler func(Entry)

// Watcher monitors a drop folder and hands new image files to a Handler.
// New files are read after a short settle delay so copies can finish.
type Watcher struct {
	dir     string
	watcher *fsnotify.Watcher
	handler Handler
	settle  time.Duration
	log     *zap.Logger
}

func NewWatcher(dir string, handler Handler, log *zap.Logger) (*Watcher, error) {
	const op = "intake.NewWatcher"

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Watcher{
		dir:     dir,
		watcher: fw,
		handler: handler,
		settle:  200 * time.Millisecond,
		log:     log,
	}, nil
}

// Run delivers events until ctx is cancelled or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	w.log.Info("watching drop folder", zap.String("dir", w.dir))
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			// files moved into the folder also arrive as Create
			if !ev.Has(fsnotify.Create) {
				continue
			}
			w.handle(ctx, ev.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Error("drop folder watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(ctx context.Context, path string) {
	if filepath.Base(path)[0] == '.' {
		return
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(w.settle):
	}

	entry, err := FromPath(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// renamed away again
		return
	case errors.Is(err, ErrNotImage):
		w.log.Debug("ignoring non-image", zap.String("path", path))
		return
	case err != nil:
		w.log.Warn("drop folder read failed", zap.String("path", path), zap.Error(err))
		return
	}
	w.log.Info("image dropped", zap.String("name", entry.Name), zap.Int64("size", entry.Size))
	w.handler(entry)
}

func (w *Watcher) Close() error {
	return w.watcher.Close()
}
