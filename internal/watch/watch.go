// Package watch re-runs ingestion whenever a watched export file changes.
package watch

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// DefaultDebounce is how long a file must stay quiet before it is ingested.
const DefaultDebounce = 250 * time.Millisecond

// Handler ingests one export file.
type Handler func(ctx context.Context, path string) error

type Options struct {
	Debounce time.Duration
	// Initial runs the handler for every path once before waiting for changes.
	Initial bool
	Logger  *slog.Logger
}

type Watcher struct {
	handle   Handler
	debounce time.Duration
	initial  bool
	logger   *slog.Logger
}

func New(handle Handler, opts Options) *Watcher {
	w := &Watcher{
		handle:   handle,
		debounce: opts.Debounce,
		initial:  opts.Initial,
		logger:   opts.Logger,
	}
	if w.debounce <= 0 {
		w.debounce = DefaultDebounce
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	return w
}

// Run watches paths until ctx is cancelled. Handler errors are logged and do
// not stop the watcher.
func (w *Watcher) Run(ctx context.Context, paths ...string) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create watcher")
	}
	defer fw.Close()

	var watched []string
	for _, p := range paths {
		if p == "" {
			continue
		}
		p = filepath.Clean(p)
		if err := fw.Add(p); err != nil {
			w.logger.Error("watch: add failed", "path", p, "err", err)
			continue
		}
		watched = append(watched, p)
	}
	if len(watched) == 0 {
		return errors.New("no watchable paths")
	}
	w.logger.Info("watch: watching exports", "paths", watched, "debounce", w.debounce)

	if w.initial {
		for _, p := range watched {
			w.run(ctx, p)
		}
	}

	pending := make(map[string]struct{})
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				// Editors and downloaders often replace the file; follow the new inode.
				if err := fw.Add(ev.Name); err != nil {
					w.logger.Debug("watch: re-add failed", "path", ev.Name, "err", err)
				}
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				pending[filepath.Clean(ev.Name)] = struct{}{}
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(w.debounce)
			}
		case <-debounce.C:
			for _, p := range drain(pending) {
				w.run(ctx, p)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watch: watcher error", "err", err)
		}
	}
}

func (w *Watcher) run(ctx context.Context, path string) {
	if err := w.handle(ctx, path); err != nil {
		w.logger.Error("watch: ingest failed", "path", path, "err", err)
	}
}

// drain empties pending and returns its paths in sorted order.
func drain(pending map[string]struct{}) []string {
	out := make([]string, 0, len(pending))
	for p := range pending {
		out = append(out, p)
		delete(pending, p)
	}
	sort.Strings(out)
	return out
}
