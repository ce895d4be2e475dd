package config

import (
	"context"
	"os"
	"sync"
	"time"

	"wanderlink/internal/models"

	"github.com/sirupsen/logrus"
)

const defaultPollInterval = 5 * time.Second

// fileStamp identifies one version of the config file on disk.
type fileStamp struct {
	modTime time.Time
	size    int64
}

func stampOf(path string) (fileStamp, error) {
	info, err := os.Stat(path)
	if err != nil {
		return fileStamp{}, err
	}
	return fileStamp{modTime: info.ModTime(), size: info.Size()}, nil
}

// timingChange names a timing knob that a running session picks up on reload.
type timingChange struct {
	message string
	value   func(models.TimingConfig) int
}

var liveTimingChanges = []timingChange{
	{"Request expiry changed", func(t models.TimingConfig) int { return t.RequestExpirySec }},
	{"Request dedup window changed", func(t models.TimingConfig) int { return t.RequestDedupSec }},
	{"Message dedup window changed", func(t models.TimingConfig) int { return t.MessageDedupMs }},
	{"Heartbeat interval changed", func(t models.TimingConfig) int { return t.HeartbeatSec }},
	{"Presence online threshold changed", func(t models.TimingConfig) int { return t.PresenceOnlineSec }},
	{"Presence away threshold changed", func(t models.TimingConfig) int { return t.PresenceAwaySec }},
	{"Typing interval changed", func(t models.TimingConfig) int { return t.TypingIntervalMs }},
}

// ConfigWatcher polls the config file and hands every successfully parsed
// version to the registered callbacks. A file that fails to load leaves the
// previous config in place.
type ConfigWatcher struct {
	configPath   string
	logger       *logrus.Logger
	pollInterval time.Duration

	mu        sync.RWMutex
	config    *models.Config
	callbacks []func(*models.Config)
}

func NewConfigWatcher(configPath string, logger *logrus.Logger) *ConfigWatcher {
	return &ConfigWatcher{
		configPath:   configPath,
		logger:       logger,
		pollInterval: defaultPollInterval,
	}
}

// Start loads the file once and then polls it until ctx is done.
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	cfg, err := LoadConfig(cw.configPath)
	if err != nil {
		return err
	}
	last, err := stampOf(cw.configPath)
	if err != nil {
		return err
	}

	cw.mu.Lock()
	cw.config = cfg
	cw.mu.Unlock()

	cw.logger.WithField("path", cw.configPath).Info("Configuration watcher started")

	ticker := time.NewTicker(cw.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cw.logger.Info("Configuration watcher stopping")
			return nil
		case <-ticker.C:
		}

		current, err := stampOf(cw.configPath)
		if err != nil {
			cw.logger.WithError(err).Error("Failed to stat configuration file")
			continue
		}
		if current == last {
			continue
		}
		last = current
		cw.logger.Debug("Configuration file changed")
		cw.reloadConfig()
	}
}

// GetConfig returns the most recently loaded config, or nil before Start.
func (cw *ConfigWatcher) GetConfig() *models.Config {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.config
}

// OnConfigChange registers a callback run after each successful reload.
func (cw *ConfigWatcher) OnConfigChange(callback func(*models.Config)) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

func (cw *ConfigWatcher) reloadConfig() {
	next, err := LoadConfig(cw.configPath)
	if err != nil {
		cw.logger.WithError(err).Error("Failed to reload configuration")
		return
	}

	cw.mu.Lock()
	prev := cw.config
	cw.config = next
	callbacks := append([]func(*models.Config){}, cw.callbacks...)
	cw.mu.Unlock()

	cw.logger.Info("Configuration reloaded successfully")
	cw.logConfigChanges(prev, next)

	for _, cb := range callbacks {
		cw.notify(cb, next)
	}
}

func (cw *ConfigWatcher) notify(cb func(*models.Config), cfg *models.Config) {
	defer func() {
		if r := recover(); r != nil {
			cw.logger.WithField("panic", r).Error("Config change callback panicked")
		}
	}()
	cb(cfg)
}

// logConfigChanges reports timing changes that apply live, and warns about
// identity or transport changes that need a restart.
func (cw *ConfigWatcher) logConfigChanges(prev, next *models.Config) {
	if prev == nil {
		return
	}
	for _, c := range liveTimingChanges {
		before, after := c.value(prev.Timing), c.value(next.Timing)
		if before != after {
			cw.logger.WithFields(logrus.Fields{"old": before, "new": after}).Info(c.message)
		}
	}
	if prev.Transport.Kind != next.Transport.Kind || prev.User.ID != next.User.ID {
		cw.logger.Warn("Transport or user changed; restart required to apply")
	}
}
