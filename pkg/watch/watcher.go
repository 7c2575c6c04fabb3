// Package watch reports packages that appear in the archive's packages
// directory to the plan executor.
package watch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/preservo/preservo/pkg/archive"
	"github.com/preservo/preservo/pkg/engine"
)

// DefaultDelay is how long a package must stay quiet before it is reported.
const DefaultDelay = 500 * time.Millisecond

// Watcher turns create and write events on *.zip files into
// NotifyAvailable calls keyed by the package's identifier.
type Watcher struct {
	dir      string
	notifier engine.Notifier
	delay    time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
	wg      sync.WaitGroup
}

// New creates a watcher for dir. A zero delay uses DefaultDelay.
func New(dir string, notifier engine.Notifier, delay time.Duration, logger zerolog.Logger) *Watcher {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Watcher{
		dir:      dir,
		notifier: notifier,
		delay:    delay,
		logger:   logger.With().Str("component", "package-watcher").Logger(),
		pending:  make(map[string]*time.Timer),
	}
}

// Run watches until ctx is done. Notifications still pending when ctx ends
// are dropped.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	w.logger.Info().Str("dir", w.dir).Msg("Watching packages")

	defer w.stopPending()
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 || !strings.HasSuffix(event.Name, ".zip") {
				continue
			}
			id, ok := archive.IdentifierFromPackage(event.Name)
			if !ok {
				continue
			}
			w.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Package changed")
			w.schedule(ctx, id)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// schedule restarts the quiet period of one identifier.
func (w *Watcher) schedule(ctx context.Context, id string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[id]; ok && t.Stop() {
		w.wg.Done()
	}
	w.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(w.delay, func() {
		defer w.wg.Done()
		w.mu.Lock()
		if w.pending[id] == t {
			delete(w.pending, id)
		}
		w.mu.Unlock()

		w.logger.Info().Str("identifier", id).Msg("Package available")
		w.notifier.NotifyAvailable(ctx, id)
	})
	w.pending[id] = t
}

func (w *Watcher) stopPending() {
	w.mu.Lock()
	for id, t := range w.pending {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.pending, id)
	}
	w.mu.Unlock()
	w.wg.Wait()
}
