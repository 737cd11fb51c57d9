package modhost

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/GoCodeAlone/modhost/eventbus"
)

// DefaultWatchDebounce is how long the watcher waits for further changes
// before rediscovering.
const DefaultWatchDebounce = 500 * time.Millisecond

// ModulesChangedEvent is the payload of modules:changed.
type ModulesChangedEvent struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
}

// Watcher observes the modules directory and publishes modules:changed when
// the set of discoverable modules differs from the last known set. It only
// notifies; reacting (e.g. calling ActivateModules) is up to subscribers.
type Watcher struct {
	dir        string
	discoverer Discoverer
	publisher  eventbus.Publisher
	logger     Logger
	debounce   time.Duration

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu    sync.Mutex
	known []string
	timer *time.Timer
}

// NewWatcher creates a watcher for dir. current returns the module names
// already known to the host and seeds the comparison baseline.
func NewWatcher(dir string, discoverer Discoverer, current func() []string, publisher eventbus.Publisher, logger Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	w := &Watcher{
		dir:        dir,
		discoverer: discoverer,
		publisher:  publisher,
		logger:     logger,
		debounce:   DefaultWatchDebounce,
		watcher:    fw,
		known:      sortedCopy(current()),
	}
	if err := w.addWatches(); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return w, nil
}

// addWatches watches the root and each module directory; fsnotify is not
// recursive and manifest edits happen one level down.
func (w *Watcher) addWatches() error {
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("read %s: %w", w.dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			w.watchDir(filepath.Join(w.dir, entry.Name()))
		}
	}
	return nil
}

func (w *Watcher) watchDir(path string) {
	if err := w.watcher.Add(path); err != nil {
		w.logger.Debug("Failed to watch module directory", "dir", path, "error", err)
	}
}

// Start begins processing filesystem events.
func (w *Watcher) Start() {
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.wg.Add(1)
	go w.loop()
	w.logger.Info("Watching modules directory", "dir", w.dir)
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					w.watchDir(event.Name)
				}
			}
			w.schedule()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Module directory watcher error", "error", err)
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.check)
}

// check rediscovers and publishes the difference to the last known set.
func (w *Watcher) check() {
	ctx := w.ctx
	if ctx.Err() != nil {
		return
	}
	descriptors, err := w.discoverer.Discover(ctx)
	if err != nil {
		w.logger.Warn("Rediscovery after change failed", "dir", w.dir, "error", err)
		return
	}
	names := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		names = append(names, d.Name)
	}
	slices.Sort(names)

	w.mu.Lock()
	change := diffNames(w.known, names)
	w.known = names
	w.mu.Unlock()

	if len(change.Added) == 0 && len(change.Removed) == 0 {
		return
	}
	w.logger.Info("Modules directory changed", "added", change.Added, "removed", change.Removed)
	if err := w.publisher.Publish(ctx, TopicModulesChanged, change); err != nil {
		w.logger.Warn("Modules changed handler failed", "error", err)
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func diffNames(before, after []string) ModulesChangedEvent {
	change := ModulesChangedEvent{Added: []string{}, Removed: []string{}}
	for _, name := range after {
		if _, found := slices.BinarySearch(before, name); !found {
			change.Added = append(change.Added, name)
		}
	}
	for _, name := range before {
		if _, found := slices.BinarySearch(after, name); !found {
			change.Removed = append(change.Removed, name)
		}
	}
	return change
}

func sortedCopy(names []string) []string {
	out := slices.Clone(names)
	slices.Sort(out)
	return out
}
