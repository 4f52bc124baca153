package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/nimbusops/nimbus/internal/logger"
)

// Manager loads engine configuration and hot-reloads it when the file
// changes on disk.
type Manager struct {
	config     *Config
	configPath string
	mu         sync.RWMutex
	watcher    *fsnotify.Watcher
	callbacks  []func(*Config)
	stopCh     chan struct{}
	stopOnce   sync.Once
	log        logger.Logger
}

// NewManager creates a configuration manager. A missing file is not an
// error; defaults plus environment overrides apply. When the file
// exists it is watched for changes.
func NewManager(configPath string) (*Manager, error) {
	configPath = expandPath(configPath)

	m := &Manager{
		configPath: configPath,
		callbacks:  []func(*Config){},
		stopCh:     make(chan struct{}),
		log:        logger.New("config"),
	}

	if err := m.Load(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if configPath == "" {
		return m, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return m, nil
	}

	if err := watcher.Add(configPath); err != nil {
		watcher.Close()
		return m, nil
	}

	m.watcher = watcher
	go m.watchChanges()

	return m, nil
}

// Load loads or reloads the configuration from file.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	config := Default()

	if m.configPath != "" {
		if _, err := os.Stat(m.configPath); err == nil {
			data, err := os.ReadFile(m.configPath)
			if err != nil {
				return fmt.Errorf("failed to read config file: %w", err)
			}

			config = &Config{}
			if err := yaml.Unmarshal(data, config); err != nil {
				return fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	applyDefaults(config)
	applyEnvironmentOverrides(config)

	if err := validate(config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	m.config = config
	return nil
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// OnChange registers a callback invoked after a successful reload.
func (m *Manager) OnChange(callback func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

func (m *Manager) watchChanges() {
	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}

			if event.Op&fsnotify.Write == fsnotify.Write {
				m.log.Info("configuration file changed, reloading",
					logger.String("path", m.configPath))

				if err := m.Load(); err != nil {
					m.log.Error("failed to reload configuration", logger.Err(err))
					continue
				}

				m.mu.RLock()
				config := m.config
				callbacks := append([]func(*Config){}, m.callbacks...)
				m.mu.RUnlock()

				for _, callback := range callbacks {
					callback(config)
				}
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.log.Warn("configuration watcher error", logger.Err(err))

		case <-m.stopCh:
			return
		}
	}
}

// Stop stops watching for configuration changes. Idempotent.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if m.watcher != nil {
			m.watcher.Close()
		}
	})
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
