// Package config loads the YAML file that names each database profile
// sqlx-admin knows about and the pool defaults applied when a profile
// doesn't override them.
package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level admin configuration.
type Config struct {
	Listen   ListenConfig             `yaml:"listen"`
	Defaults PoolDefaults             `yaml:"defaults"`
	Profiles map[string]ProfileConfig `yaml:"profiles"`
}

// ListenConfig defines the bind address and port the admin API listens on.
type ListenConfig struct {
	APIPort int    `yaml:"api_port"`
	APIBind string `yaml:"api_bind"`
	APIKey  string `yaml:"api_key"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

// PoolDefaults are the pool settings applied when a profile doesn't override them.
type PoolDefaults struct {
	MinConnections int           `yaml:"min_connections"`
	MaxConnections int           `yaml:"max_connections"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxLifetime    time.Duration `yaml:"max_lifetime"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
}

// ProfileConfig holds the connection parameters for one named database profile.
type ProfileConfig struct {
	DBType         string         `yaml:"db_type"`
	Host           string         `yaml:"host"`
	Port           int            `yaml:"port"`
	DBName         string         `yaml:"dbname"`
	Username       string         `yaml:"username"`
	Password       string         `yaml:"password"`
	MinConnections *int           `yaml:"min_connections,omitempty"`
	MaxConnections *int           `yaml:"max_connections,omitempty"`
	IdleTimeout    *time.Duration `yaml:"idle_timeout,omitempty"`
	MaxLifetime    *time.Duration `yaml:"max_lifetime,omitempty"`
	AcquireTimeout *time.Duration `yaml:"acquire_timeout,omitempty"`
	DialTimeout    *time.Duration `yaml:"dial_timeout,omitempty"`
}

// EffectiveMinConnections returns the profile's min connections or the default.
func (p ProfileConfig) EffectiveMinConnections(defaults PoolDefaults) int {
	if p.MinConnections != nil {
		return *p.MinConnections
	}
	return defaults.MinConnections
}

// EffectiveMaxConnections returns the profile's max connections or the default.
func (p ProfileConfig) EffectiveMaxConnections(defaults PoolDefaults) int {
	if p.MaxConnections != nil {
		return *p.MaxConnections
	}
	return defaults.MaxConnections
}

// EffectiveIdleTimeout returns the profile's idle timeout or the default.
func (p ProfileConfig) EffectiveIdleTimeout(defaults PoolDefaults) time.Duration {
	if p.IdleTimeout != nil {
		return *p.IdleTimeout
	}
	return defaults.IdleTimeout
}

// EffectiveMaxLifetime returns the profile's max lifetime or the default.
func (p ProfileConfig) EffectiveMaxLifetime(defaults PoolDefaults) time.Duration {
	if p.MaxLifetime != nil {
		return *p.MaxLifetime
	}
	return defaults.MaxLifetime
}

// EffectiveAcquireTimeout returns the profile's acquire timeout or the default.
func (p ProfileConfig) EffectiveAcquireTimeout(defaults PoolDefaults) time.Duration {
	if p.AcquireTimeout != nil {
		return *p.AcquireTimeout
	}
	return defaults.AcquireTimeout
}

// EffectiveDialTimeout returns the profile's dial timeout or the default.
func (p ProfileConfig) EffectiveDialTimeout(defaults PoolDefaults) time.Duration {
	if p.DialTimeout != nil {
		return *p.DialTimeout
	}
	return defaults.DialTimeout
}

// Redacted returns a copy of the ProfileConfig with the password masked.
func (p ProfileConfig) Redacted() ProfileConfig {
	c := p
	if c.Password != "" {
		c.Password = "***REDACTED***"
	}
	return c
}

// TLSEnabled returns true if both TLS cert and key paths are configured.
func (lc ListenConfig) TLSEnabled() bool {
	return lc.TLSCert != "" && lc.TLSKey != ""
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.APIPort == 0 {
		cfg.Listen.APIPort = 8080
	}
	if cfg.Listen.APIBind == "" {
		cfg.Listen.APIBind = "127.0.0.1"
	}
	if cfg.Defaults.MinConnections == 0 {
		cfg.Defaults.MinConnections = 2
	}
	if cfg.Defaults.MaxConnections == 0 {
		cfg.Defaults.MaxConnections = 20
	}
	if cfg.Defaults.IdleTimeout == 0 {
		cfg.Defaults.IdleTimeout = 5 * time.Minute
	}
	if cfg.Defaults.MaxLifetime == 0 {
		cfg.Defaults.MaxLifetime = 30 * time.Minute
	}
	if cfg.Defaults.AcquireTimeout == 0 {
		cfg.Defaults.AcquireTimeout = 10 * time.Second
	}
	if cfg.Defaults.DialTimeout == 0 {
		cfg.Defaults.DialTimeout = 5 * time.Second
	}
}

var profileIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// ValidateProfileID returns an error unless id is a non-empty string of
// letters, digits, underscores and dashes that doesn't start with a
// dash or underscore; profile IDs double as Prometheus label values and
// URL path segments in the admin API.
func ValidateProfileID(id string) error {
	if !profileIDPattern.MatchString(id) {
		return fmt.Errorf("invalid profile id %q: must match %s", id, profileIDPattern.String())
	}
	return nil
}

func validate(cfg *Config) error {
	if cfg.Defaults.MinConnections != 0 && cfg.Defaults.MaxConnections != 0 &&
		cfg.Defaults.MinConnections > cfg.Defaults.MaxConnections {
		return fmt.Errorf("defaults: min_connections (%d) exceeds max_connections (%d)",
			cfg.Defaults.MinConnections, cfg.Defaults.MaxConnections)
	}
	if cfg.Listen.APIPort != 0 && (cfg.Listen.APIPort < 1 || cfg.Listen.APIPort > 65535) {
		return fmt.Errorf("listen: api_port %d out of range", cfg.Listen.APIPort)
	}

	for id, profile := range cfg.Profiles {
		if err := ValidateProfileID(id); err != nil {
			return fmt.Errorf("profile %q: %w", id, err)
		}
		switch profile.DBType {
		case "postgres", "mysql", "sqlite":
		default:
			return fmt.Errorf("profile %q: unsupported db_type %q (must be postgres, mysql or sqlite)", id, profile.DBType)
		}
		if profile.DBType != "sqlite" {
			if profile.Host == "" {
				return fmt.Errorf("profile %q: host is required", id)
			}
			if regexp.MustCompile(`:\d+$`).MatchString(profile.Host) {
				return fmt.Errorf("profile %q: host must not contain a port, use the port field", id)
			}
			if profile.Port == 0 {
				return fmt.Errorf("profile %q: port is required", id)
			}
			if profile.Port < 1 || profile.Port > 65535 {
				return fmt.Errorf("profile %q: port %d out of range", id, profile.Port)
			}
			if profile.Username == "" {
				return fmt.Errorf("profile %q: username is required", id)
			}
		}
		if profile.DBName == "" {
			return fmt.Errorf("profile %q: dbname is required", id)
		}
		if profile.MinConnections != nil && profile.MaxConnections != nil &&
			*profile.MinConnections > *profile.MaxConnections {
			return fmt.Errorf("profile %q: min_connections (%d) exceeds max_connections (%d)",
				id, *profile.MinConnections, *profile.MaxConnections)
		}
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
