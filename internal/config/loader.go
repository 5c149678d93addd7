package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// Loader owns the daemon's configuration file. It loads it once at startup
// and, after Watch, reloads it whenever the file is written or replaced.
//
// A reload only changes what callbacks registered with OnChange apply.
// Signing secrets and storage are bound at startup and ignore reloads.
type Loader struct {
	path string

	mu        sync.RWMutex
	current   *Config
	callbacks []func(old, new *Config)

	watcher *fsnotify.Watcher
	errs    chan error
	done    chan struct{}
	once    sync.Once
}

// NewLoader returns a Loader for path, or for ConfigPath when path is
// empty.
func NewLoader(path string) *Loader {
	if path == "" {
		path = ConfigPath()
	}
	return &Loader{
		path: path,
		errs: make(chan error, 1),
		done: make(chan struct{}),
	}
}

// Path returns the config file the loader reads.
func (l *Loader) Path() string { return l.path }

// read parses the file, applies environment overrides and validates.
func (l *Loader) read() (*Config, error) {
	cfg, err := loadConfigFromFile(l.path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

// Load reads the configuration and makes it current.
func (l *Loader) Load() (*Config, error) {
	cfg, err := l.read()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Config returns the current configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback run with the previous and the new
// configuration after each successful reload.
func (l *Loader) OnChange(cb func(old, new *Config)) {
	l.mu.Lock()
	l.callbacks = append(l.callbacks, cb)
	l.mu.Unlock()
}

// Errors delivers reload failures. Only the oldest undelivered error is
// kept.
func (l *Loader) Errors() <-chan error {
	return l.errs
}

// Watch starts reloading on file changes. The directory is watched so
// editors that replace the file are seen.
func (l *Loader) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch directory: %w", err)
	}
	l.watcher = w
	go l.watch(w)
	return nil
}

func (l *Loader) watch(w *fsnotify.Watcher) {
	name := filepath.Base(l.path)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-l.done:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, l.reload)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.report(err)
		}
	}
}

// reload swaps in the file's new contents. A file that fails to parse or
// validate leaves the current configuration in place.
func (l *Loader) reload() {
	cfg, err := l.read()
	if err != nil {
		l.report(fmt.Errorf("reload %s: %w", l.path, err))
		return
	}

	l.mu.Lock()
	old := l.current
	l.current = cfg
	callbacks := append([]func(old, new *Config){}, l.callbacks...)
	l.mu.Unlock()

	for _, cb := range callbacks {
		cb(old, cfg)
	}
}

func (l *Loader) report(err error) {
	select {
	case l.errs <- err:
	default:
	}
}

// Close stops watching.
func (l *Loader) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		if l.watcher != nil {
			err = l.watcher.Close()
		}
	})
	return err
}

// LoadFromEnv builds a configuration from defaults and environment
// variables only, for deployments without a config file.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()
	return cfg
}

// LoadOrCreate loads path, first writing the defaults there if the file
// does not exist. The boolean reports whether the file was created.
func LoadOrCreate(path string) (*Config, bool, error) {
	l := NewLoader(path)

	created := false
	if _, err := os.Stat(l.path); os.IsNotExist(err) {
		if err := SaveConfig(DefaultConfig(), l.path); err != nil {
			return nil, false, fmt.Errorf("create default config: %w", err)
		}
		created = true
	}

	cfg, err := l.Load()
	if err != nil {
		return nil, false, err
	}
	return cfg, created, nil
}
