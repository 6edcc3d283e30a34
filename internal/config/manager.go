package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Manager owns the configuration lifecycle: initial load, environment
// overrides, saving, and hot reload through the file watcher.
type Manager struct {
	logger     *zap.Logger
	configPath string

	config   *Config
	configMu sync.RWMutex

	envLoader *EnvLoader
	watcher   *Watcher

	onChangeCallbacks []func(*Config)
}

// NewManager creates a manager and performs the initial load. A missing
// config file is not an error, defaults plus environment apply.
func NewManager(logger *zap.Logger, configPath string) (*Manager, error) {
	m := &Manager{
		logger:     logger.Named("config"),
		configPath: configPath,
		envLoader:  NewEnvLoader("MANABI"),
	}

	if err := m.Load(); err != nil {
		return nil, fmt.Errorf("initial config load failed: %w", err)
	}
	return m, nil
}

// Load reads the file over the defaults, applies environment overrides,
// validates, and swaps the active configuration.
func (m *Manager) Load() error {
	cfg := DefaultConfig()

	data, err := os.ReadFile(m.configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := m.envLoader.Load(cfg); err != nil {
		return fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	m.configMu.Lock()
	m.config = cfg
	m.configMu.Unlock()

	m.notifyChange(cfg)

	m.logger.Info("Configuration loaded",
		zap.String("path", m.configPath),
		zap.String("environment", cfg.App.Environment),
	)
	return nil
}

// Save writes the active configuration atomically via a temp file rename.
func (m *Manager) Save() error {
	m.configMu.RLock()
	cfg := m.config
	m.configMu.RUnlock()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tempFile := m.configPath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp config file: %w", err)
	}
	if err := os.Rename(tempFile, m.configPath); err != nil {
		return fmt.Errorf("failed to replace config file: %w", err)
	}

	m.logger.Info("Configuration saved", zap.String("path", m.configPath))
	return nil
}

// Get returns a copy of the active configuration.
func (m *Manager) Get() *Config {
	m.configMu.RLock()
	defer m.configMu.RUnlock()

	cfgCopy := *m.config
	return &cfgCopy
}

// OnChange registers a callback invoked after every successful load.
func (m *Manager) OnChange(callback func(*Config)) {
	m.configMu.Lock()
	defer m.configMu.Unlock()
	m.onChangeCallbacks = append(m.onChangeCallbacks, callback)
}

func (m *Manager) notifyChange(newConfig *Config) {
	m.configMu.RLock()
	callbacks := m.onChangeCallbacks
	m.configMu.RUnlock()

	for _, callback := range callbacks {
		go callback(newConfig)
	}
}

// StartWatcher begins hot reloading the config file. Reload failures keep
// the previous configuration and are logged.
func (m *Manager) StartWatcher() error {
	var err error
	m.watcher, err = NewWatcher(m.logger, m.configPath)
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}

	return m.watcher.Start(func() {
		if err := m.Load(); err != nil {
			m.logger.Error("Failed to hot-reload configuration", zap.Error(err))
		}
	})
}

// StopWatcher stops hot reloading.
func (m *Manager) StopWatcher() {
	if m.watcher != nil {
		m.watcher.Stop()
	}
}
