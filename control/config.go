// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Runtime configuration loaded from file and HIOLOAD_* environment, plus a
// thread-safe snapshot store with reload listeners.

package control

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/momentics/hioload-ports/api"
)

// Config holds runtime defaults for ports and the negotiation driver.
type Config struct {
	BufferCount    int           `mapstructure:"buffer_count"`
	BufferSize     int           `mapstructure:"buffer_size"`
	Transports     []string      `mapstructure:"transports"`
	LogLevel       string        `mapstructure:"log_level"`
	MetricsEnabled bool          `mapstructure:"metrics_enabled"`
	NATSURL        string        `mapstructure:"nats_url"`
	SubjectPrefix  string        `mapstructure:"subject_prefix"`
	StepTimeout    time.Duration `mapstructure:"step_timeout"`
	DriveWorkers   int           `mapstructure:"drive_workers"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		BufferCount:    4,
		BufferSize:     2048,
		Transports:     []string{"inproc", "shm", "socket", "dma"},
		LogLevel:       "info",
		MetricsEnabled: true,
		NATSURL:        "nats://127.0.0.1:4222",
		SubjectPrefix:  "hioload.ports",
		StepTimeout:    5 * time.Second,
		DriveWorkers:   4,
	}
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("buffer_count", d.BufferCount)
	v.SetDefault("buffer_size", d.BufferSize)
	v.SetDefault("transports", d.Transports)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("metrics_enabled", d.MetricsEnabled)
	v.SetDefault("nats_url", d.NATSURL)
	v.SetDefault("subject_prefix", d.SubjectPrefix)
	v.SetDefault("step_timeout", d.StepTimeout)
	v.SetDefault("drive_workers", d.DriveWorkers)
}

// LoadConfig reads path (yaml, json or toml by extension) when non-empty,
// then applies HIOLOAD_* environment overrides.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("HIOLOAD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks geometry and transport names.
func (c Config) Validate() error {
	if c.BufferCount < 1 {
		return api.NewError(api.ErrCodeInvalidArgument, "buffer_count must be at least 1").WithContext("buffer_count", c.BufferCount)
	}
	if c.BufferSize < 0 {
		return api.NewError(api.ErrCodeInvalidArgument, "buffer_size must not be negative").WithContext("buffer_size", c.BufferSize)
	}
	if c.DriveWorkers < 0 {
		return api.NewError(api.ErrCodeInvalidArgument, "drive_workers must not be negative").WithContext("drive_workers", c.DriveWorkers)
	}
	if _, err := c.TransportIDs(); err != nil {
		return err
	}
	return nil
}

// TransportIDs parses Transports in preference order.
func (c Config) TransportIDs() ([]api.TransportID, error) {
	out := make([]api.TransportID, 0, len(c.Transports))
	for _, name := range c.Transports {
		id, ok := api.ParseTransport(strings.TrimSpace(name))
		if !ok {
			return nil, api.NewError(api.ErrCodeInvalidArgument, "unknown transport").WithContext("transport", name)
		}
		out = append(out, id)
	}
	return out, nil
}

// Snapshot flattens c for a ConfigStore.
func (c Config) Snapshot() map[string]any {
	return map[string]any{
		"buffer_count":    c.BufferCount,
		"buffer_size":     c.BufferSize,
		"transports":      append([]string(nil), c.Transports...),
		"log_level":       c.LogLevel,
		"metrics_enabled": c.MetricsEnabled,
		"nats_url":        c.NATSURL,
		"subject_prefix":  c.SubjectPrefix,
		"step_timeout":    c.StepTimeout.String(),
		"drive_workers":   c.DriveWorkers,
	}
}

// ConfigStore is a dynamic key/value map with atomic snapshot and listener support.
type ConfigStore struct {
	mu        sync.RWMutex
	config    map[string]any
	listeners []func()
}

// NewConfigStore initializes a new config store with empty data.
func NewConfigStore() *ConfigStore {
	return &ConfigStore{
		config:    make(map[string]any),
		listeners: make([]func(), 0),
	}
}

// GetSnapshot returns a copy of all config values.
func (cs *ConfigStore) GetSnapshot() map[string]any {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make(map[string]any, len(cs.config))
	for k, v := range cs.config {
		out[k] = v
	}
	return out
}

// SetConfig merges new values and notifies listeners.
func (cs *ConfigStore) SetConfig(newCfg map[string]any) {
	cs.mu.Lock()
	for k, v := range newCfg {
		cs.config[k] = v
	}
	listeners := append([]func(){}, cs.listeners...)
	cs.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

// OnReload registers a listener hook called after config changes.
func (cs *ConfigStore) OnReload(fn func()) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}
