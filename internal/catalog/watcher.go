package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Sync loads the spec directory and replaces the store's contents with it.
func Sync(ctx context.Context, store *Store, specDir, imageDir string, log *slog.Logger) (int, error) {
	products, skipped, err := LoadSpecDir(specDir, imageDir)
	if err != nil {
		return 0, err
	}
	for _, s := range skipped {
		log.Warn("catalog entry skipped",
			slog.String("product_id", s.ID),
			slog.String("file", s.File),
			slog.String("reason", s.Reason))
	}
	if err := store.Replace(ctx, products); err != nil {
		return 0, fmt.Errorf("replace catalog: %w", err)
	}
	return len(products), nil
}

// Watcher re-syncs the store when spec or image files change.
type Watcher struct {
	store    *Store
	specDir  string
	imageDir string
	log      *slog.Logger
	debounce time.Duration
	onReload func(count int)

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
}

// NewWatcher prepares a watcher; call Start to begin watching.
func NewWatcher(store *Store, specDir, imageDir string, log *slog.Logger, onReload func(count int)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	return &Watcher{
		store:    store,
		specDir:  specDir,
		imageDir: imageDir,
		log:      log.With(slog.String("component", "catalog_watcher")),
		debounce: 500 * time.Millisecond,
		onReload: onReload,
		watcher:  fw,
	}, nil
}

// Start adds the watched directories and runs the event loop until ctx ends
// or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.specDir); err != nil {
		return fmt.Errorf("watch %s: %w", w.specDir, err)
	}
	if w.imageDir != "" {
		if err := w.watcher.Add(w.imageDir); err != nil {
			w.log.Warn("image dir not watched", slog.String("dir", w.imageDir), slog.String("error", err.Error()))
		}
	}
	w.wg.Add(1)
	go w.run(ctx)
	w.log.Info("watching catalog", slog.String("spec_dir", w.specDir))
	return nil
}

// Close stops the watcher and waits for the event loop to exit.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()
	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			pending = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("catalog watch error", slog.String("error", err.Error()))
		case <-pending:
			pending = nil
			count, err := Sync(ctx, w.store, w.specDir, w.imageDir, w.log)
			if err != nil {
				w.log.Error("catalog reload failed", slog.String("error", err.Error()))
				continue
			}
			w.log.Info("catalog reloaded", slog.Int("products", count))
			if w.onReload != nil {
				w.onReload(count)
			}
		}
	}
}

func relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	name := strings.ToLower(event.Name)
	return strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".jpg")
}
