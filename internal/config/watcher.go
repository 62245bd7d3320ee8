package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/wudi/wasmfilter/internal/logging"
)

// Watcher reloads the configuration when the file changes, and also when the
// plugin module it points at is rebuilt in place.
type Watcher struct {
	watcher    *fsnotify.Watcher
	loader     *Loader
	configPath string
	callbacks  []func(*Config)
	mu         sync.RWMutex
	debounce   time.Duration
	lastConfig *Config
	timer      *time.Timer
	// force is set when the module changed, so the plugin is rebuilt even
	// though the configuration itself is identical.
	force bool
}

// NewWatcher loads configPath once and returns a watcher for it.
func NewWatcher(configPath string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:    fsWatcher,
		loader:     NewLoader(),
		configPath: filepath.Clean(configPath),
		debounce:   500 * time.Millisecond,
	}

	cfg, err := w.loader.Load(configPath)
	if err != nil {
		fsWatcher.Close()
		return nil, err
	}
	w.lastConfig = cfg

	return w, nil
}

// OnChange registers a callback for config changes
func (w *Watcher) OnChange(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins watching. Directories are watched rather than files: editors
// and build tools replace files instead of writing them in place.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.configPath)); err != nil {
		return err
	}
	if module := w.modulePath(); module != "" && filepath.Dir(module) != filepath.Dir(w.configPath) {
		if err := w.watcher.Add(filepath.Dir(module)); err != nil {
			return err
		}
	}

	go w.watch()
	return nil
}

// modulePath is the plugin module file of the current configuration, if it
// is loaded from disk. Relative paths resolve against the working directory,
// as they do at load time.
func (w *Watcher) modulePath() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.lastConfig == nil || w.lastConfig.Plugin.Path == "" {
		return ""
	}
	p, err := filepath.Abs(w.lastConfig.Plugin.Path)
	if err != nil {
		return ""
	}
	return p
}

func (w *Watcher) watch() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			name := filepath.Clean(event.Name)
			isConfig := sameFile(name, w.configPath)
			isModule := !isConfig && sameFile(name, w.modulePath())
			if !isConfig && !isModule {
				continue
			}

			w.mu.Lock()
			w.force = w.force || isModule
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(w.debounce, w.reload)
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("config watcher error", zap.Error(err))
		}
	}
}

func sameFile(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	aa, err1 := filepath.Abs(a)
	bb, err2 := filepath.Abs(b)
	return err1 == nil && err2 == nil && aa == bb
}

// reload loads the config and notifies callbacks. An invalid file keeps the
// previous configuration in effect; an unchanged one is not announced unless
// the module was rebuilt.
func (w *Watcher) reload() {
	cfg, err := w.loader.Load(w.configPath)
	if err != nil {
		logging.Error("failed to reload config", zap.Error(err))
		return
	}

	w.mu.Lock()
	unchanged := w.lastConfig != nil && w.lastConfig.Plugin == cfg.Plugin
	force := w.force
	w.force = false
	w.lastConfig = cfg
	callbacks := make([]func(*Config), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	if unchanged && !force {
		logging.Debug("configuration unchanged", zap.String("path", w.configPath))
		return
	}
	logging.Info("configuration reloaded",
		zap.String("path", w.configPath),
		zap.Bool("module_changed", force))

	for _, cb := range callbacks {
		cb(cfg)
	}
}

// GetConfig returns the current configuration
func (w *Watcher) GetConfig() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastConfig
}

// Stop stops watching for changes
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.watcher.Close()
}

// SetDebounce sets the debounce duration for file changes
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}
