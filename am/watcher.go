package am

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Reloadable is the subset of configuration that is safe to change while the
// service is running. Anything else requires a restart.
type Reloadable struct {
	MaxConcurrentDownloads     int
	HealthCheckIntervalMinutes int
	CacheCleanupDays           int
}

// Watcher watches the config file and delivers Reloadable updates.
type Watcher struct {
	path    string
	onApply func(Reloadable)
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher creates a watcher for the config file under the storage root.
// onApply is invoked on the watcher goroutine for every successful reload.
func NewWatcher(root string, onApply func(Reloadable), logger *zap.SugaredLogger) *Watcher {
	return &Watcher{
		path:    filepath.Join(root, "config.toml"),
		onApply: onApply,
		logger:  logger,
	}
}

// Start begins watching. Missing config files are tolerated; the watcher
// simply never fires until one appears in the watched directory.
func (w *Watcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return err
	}

	w.mu.Lock()
	w.watcher = fw
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.run(fw)
	w.logger.Debugw("Config watcher started", "path", w.path)
	return nil
}

// Stop stops watching.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		w.watcher.Close()
		<-w.done
		w.watcher = nil
	}
}

func (w *Watcher) run(fw *fsnotify.Watcher) {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if ev.Name != w.path || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			cfg, err := LoadFromFile(w.path)
			if err != nil {
				w.logger.Warnw("Config reload skipped (invalid file)", "path", w.path, "error", err)
				continue
			}
			w.logger.Infow("Config reloaded",
				"max_concurrent_downloads", cfg.Resource.MaxConcurrentDownloads,
				"health_check_interval_minutes", cfg.Resource.HealthCheckIntervalMinutes,
			)
			w.onApply(Reloadable{
				MaxConcurrentDownloads:     cfg.Resource.MaxConcurrentDownloads,
				HealthCheckIntervalMinutes: cfg.Resource.HealthCheckIntervalMinutes,
				CacheCleanupDays:           cfg.Resource.CacheCleanupDays,
			})
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("Config watcher error", "error", err)
		}
	}
}
