package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Manager owns the configuration file and its hot reload.
type Manager struct {
	mu         sync.RWMutex
	config     *FileConfig
	configPath string
	stopCh     chan struct{}
	onChange   []func(*FileConfig)
	lastMod    time.Time
}

// NewManager loads configPath, or probes the usual locations when it is
// empty. A missing file is not an error; defaults plus environment
// overrides apply.
func NewManager(configPath string) (*Manager, error) {
	if configPath == "" {
		locations := []string{
			"config.yaml",
			"config.yml",
			"config.json",
			filepath.Join(os.Getenv("HOME"), ".keygate", "config.yaml"),
			"/etc/keygate/config.yaml",
		}
		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				configPath = loc
				break
			}
		}
	}

	m := &Manager{
		configPath: configPath,
		stopCh:     make(chan struct{}),
	}

	if err := m.load(); err != nil {
		if os.IsNotExist(err) || configPath == "" {
			m.config = defaultConfig()
			log.WithField("path", configPath).Warn("using default configuration (no config file found)")
		} else {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	m.mergeEnvVars()

	if m.configPath != "" {
		if _, err := os.Stat(m.configPath); err == nil {
			m.startWatcher()
		}
	}

	return m, nil
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() *FileConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return defaultConfig()
	}
	config := *m.config
	return &config
}

// OnChange registers a callback invoked after every successful reload.
func (m *Manager) OnChange(fn func(*FileConfig)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// Close stops the watcher.
func (m *Manager) Close() {
	close(m.stopCh)
}

func (m *Manager) load() error {
	if m.configPath == "" {
		return os.ErrNotExist
	}

	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}

	config := defaultConfig()
	ext := strings.ToLower(filepath.Ext(m.configPath))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	if info, err := os.Stat(m.configPath); err == nil {
		m.lastMod = info.ModTime()
	}

	m.mu.Lock()
	m.config = config
	m.mu.Unlock()
	log.WithField("path", m.configPath).Info("configuration loaded")
	return nil
}

// mergeEnvVars applies KEYGATE_* overrides on top of the file.
func (m *Manager) mergeEnvVars() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.config == nil {
		m.config = defaultConfig()
	}
	c := m.config

	setString(&c.Server.Host, "KEYGATE_HOST")
	setInt(&c.Server.Port, "KEYGATE_PORT")
	setBool(&c.Server.Debug, "KEYGATE_DEBUG")
	setString(&c.Database.Path, "KEYGATE_DB_PATH")
	setString(&c.Redis.Addr, "KEYGATE_REDIS_ADDR")
	setString(&c.Redis.Password, "KEYGATE_REDIS_PASSWORD")
	setInt(&c.Redis.DB, "KEYGATE_REDIS_DB")
	setString(&c.Logging.Level, "KEYGATE_LOG_LEVEL")
	setString(&c.Logging.File, "KEYGATE_LOG_FILE")
	setString(&c.Notify.WebhookURL, "KEYGATE_WEBHOOK_URL")
	setBool(&c.RateLimit.Enabled, "KEYGATE_RATE_LIMIT_ENABLED")
	setInt(&c.RateLimit.PerMinute, "KEYGATE_RATE_LIMIT_PER_MINUTE")
	setInt(&c.RateLimit.PerHour, "KEYGATE_RATE_LIMIT_PER_HOUR")
	setInt(&c.RateLimit.PerDay, "KEYGATE_RATE_LIMIT_PER_DAY")
	setInt(&c.Scheduler.LogRetentionDays, "KEYGATE_LOG_RETENTION_DAYS")
}

func (m *Manager) checkAndReload() {
	if m.configPath == "" {
		return
	}
	info, err := os.Stat(m.configPath)
	if err != nil {
		return
	}
	if !info.ModTime().After(m.lastMod) {
		return
	}

	old := m.Get()
	if err := m.load(); err != nil {
		log.WithError(err).WithField("path", m.configPath).Warn("failed to reload config")
		return
	}
	m.mergeEnvVars()
	updated := m.Get()

	m.logChanges(old, updated)

	m.mu.RLock()
	callbacks := make([]func(*FileConfig), len(m.onChange))
	copy(callbacks, m.onChange)
	m.mu.RUnlock()
	for _, fn := range callbacks {
		fn(updated)
	}
}

func (m *Manager) logChanges(old, updated *FileConfig) {
	if old.Server.Port != updated.Server.Port {
		log.WithFields(log.Fields{"field": "server.port", "old": old.Server.Port, "new": updated.Server.Port}).Info("config changed")
	}
	if old.Server.Debug != updated.Server.Debug {
		log.WithFields(log.Fields{"field": "server.debug", "old": old.Server.Debug, "new": updated.Server.Debug}).Info("config changed")
	}
	if old.Logging.Level != updated.Logging.Level {
		log.WithFields(log.Fields{"field": "logging.level", "old": old.Logging.Level, "new": updated.Logging.Level}).Info("config changed")
	}
	if old.RateLimit != updated.RateLimit {
		log.WithFields(log.Fields{"field": "rate_limit"}).Info("config changed")
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
