// Package config loads the relay configuration from the environment.
// Everything is read at process start and immutable afterwards; the
// environment table in particular never changes for the process lifetime.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/nmpdev/nmp/internal/message"
)

// Environment is a named routing target: requests prefixed /{Name}/ travel
// through {base}/{Name}/{drafts|inbox|sent} and are replayed against
// BackendURL by the server side.
type Environment struct {
	Name       string
	BackendURL string
}

type Config struct {
	Host        string
	Port        int
	MonitorPort int

	Base         string
	Environments []Environment

	CacheMode message.CacheMode

	PollInterval   time.Duration
	WaitTimeout    time.Duration
	RescanInterval time.Duration
	RequestTimeout time.Duration

	RedisURL string
}

// NewConfig loads .env, applies defaults, and reads the NMP_* surface.
// Recognized options:
//
//	NMP_BASE             root directory (default ~/Downloads/nmp)
//	NMP_FOLDERS          comma-separated environment names (required)
//	NMP_<NAME>           backend base URL per environment (required)
//	NMP_CACHE_MODE       permissive | picky (default permissive)
//	NMP_PORT             client listen port (default 19790)
//	NMP_MONITOR_PORT     client monitor/WebSocket port, 0 disables (default 0)
//	NMP_POLL_INTERVAL    client sent-poll interval (default 500ms)
//	NMP_WAIT_TIMEOUT     client max wait for a response (default 5m)
//	NMP_RESCAN_INTERVAL  server inbox rescan interval (default 1s)
//	NMP_REQUEST_TIMEOUT  server outbound call timeout (default 2m)
//	NMP_REDIS_URL        worker registry address, empty disables (default empty)
func NewConfig() (*Config, error) {
	godotenv.Load()

	viper.SetEnvPrefix("NMP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	setDefaults()

	base, err := expandHome(viper.GetString("base"))
	if err != nil {
		return nil, fmt.Errorf("invalid base directory: %w", err)
	}

	environments, err := loadEnvironments()
	if err != nil {
		return nil, err
	}

	mode, err := message.ParseCacheMode(viper.GetString("cache_mode"))
	if err != nil {
		return nil, fmt.Errorf("invalid NMP_CACHE_MODE: %w", err)
	}

	cfg := &Config{
		Host:           viper.GetString("host"),
		Port:           viper.GetInt("port"),
		MonitorPort:    viper.GetInt("monitor_port"),
		Base:           base,
		Environments:   environments,
		CacheMode:      mode,
		PollInterval:   viper.GetDuration("poll_interval"),
		WaitTimeout:    viper.GetDuration("wait_timeout"),
		RescanInterval: viper.GetDuration("rescan_interval"),
		RequestTimeout: viper.GetDuration("request_timeout"),
		RedisURL:       viper.GetString("redis_url"),
	}

	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid NMP_PORT %d", cfg.Port)
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("invalid NMP_POLL_INTERVAL %s", cfg.PollInterval)
	}
	if cfg.WaitTimeout <= 0 {
		return nil, fmt.Errorf("invalid NMP_WAIT_TIMEOUT %s", cfg.WaitTimeout)
	}
	if cfg.RescanInterval <= 0 {
		return nil, fmt.Errorf("invalid NMP_RESCAN_INTERVAL %s", cfg.RescanInterval)
	}
	if cfg.RequestTimeout <= 0 {
		return nil, fmt.Errorf("invalid NMP_REQUEST_TIMEOUT %s", cfg.RequestTimeout)
	}

	return cfg, nil
}

// Environment looks up a configured environment by name.
func (c *Config) Environment(name string) (Environment, bool) {
	for _, env := range c.Environments {
		if env.Name == name {
			return env, true
		}
	}
	return Environment{}, false
}

// EnvironmentNames returns the configured environment names in order.
func (c *Config) EnvironmentNames() []string {
	names := make([]string, len(c.Environments))
	for i, env := range c.Environments {
		names[i] = env.Name
	}
	return names
}

func setDefaults() {
	viper.SetDefault("host", "0.0.0.0")
	viper.SetDefault("port", 19790)
	viper.SetDefault("monitor_port", 0)
	viper.SetDefault("base", defaultBase())
	viper.SetDefault("cache_mode", string(message.ModePermissive))
	viper.SetDefault("poll_interval", 500*time.Millisecond)
	viper.SetDefault("wait_timeout", 5*time.Minute)
	viper.SetDefault("rescan_interval", time.Second)
	viper.SetDefault("request_timeout", 2*time.Minute)
	viper.SetDefault("redis_url", "")
}

// loadEnvironments parses NMP_FOLDERS and resolves the backend URL for each
// entry from its NMP_<NAME> variable.
func loadEnvironments() ([]Environment, error) {
	var names []string
	for _, part := range strings.Split(viper.GetString("folders"), ",") {
		if name := strings.TrimSpace(part); name != "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no environments configured; set NMP_FOLDERS, e.g. NMP_FOLDERS=dev,qa,prod")
	}

	seen := make(map[string]bool, len(names))
	environments := make([]Environment, 0, len(names))
	for _, name := range names {
		if seen[name] {
			return nil, fmt.Errorf("environment %q listed twice in NMP_FOLDERS", name)
		}
		seen[name] = true

		backend := viper.GetString(strings.ToLower(name))
		if backend == "" {
			return nil, fmt.Errorf("no NMP_%s (backend URL) set for environment %q", strings.ToUpper(name), name)
		}
		environments = append(environments, Environment{Name: name, BackendURL: backend})
	}
	return environments, nil
}

// defaultBase mirrors the conventional drop location for synced drives.
func defaultBase() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "nmp"
	}
	return filepath.Join(home, "Downloads", "nmp")
}

func expandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if path == "~" {
			return home, nil
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}
