package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"gopkg.in/yaml.v3"

	"github.com/marcelocantos/jn/internal/plugin"
	"github.com/marcelocantos/jn/internal/profile"
)

// Environment variables consulted after the config file.
const (
	EnvHome     = "JN_HOME"
	EnvLogLevel = "JN_LOG_LEVEL"
)

// ProjectDir is the per-project directory, relative to the working directory.
const ProjectDir = ".jn"

// Config holds the global jn configuration.
type Config struct {
	// Home holds the bundled plugins and profiles.
	Home string `yaml:"home"`
	// PluginPaths are extra user-tier plugin directories.
	PluginPaths []string `yaml:"plugin_paths"`
	// DefaultFilter runs bare filter expressions like ".name".
	DefaultFilter string `yaml:"default_filter"`

	Cache   CacheConfig   `yaml:"cache"`
	Log     LogConfig     `yaml:"log"`
	Run     RunConfig     `yaml:"run"`
	History HistoryConfig `yaml:"history"`
}

// CacheConfig controls the plugin metadata cache.
type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// RunConfig controls pipeline execution.
type RunConfig struct {
	Timeout     string `yaml:"timeout"`      // empty means none
	GracePeriod string `yaml:"grace_period"` // SIGTERM to SIGKILL
}

// DefaultGracePeriod is used when no grace_period is configured.
const DefaultGracePeriod = 2 * time.Second

// TimeoutDuration parses the configured timeout. Zero means no timeout.
func (r *RunConfig) TimeoutDuration() (time.Duration, error) {
	if r.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(r.Timeout)
	if err != nil {
		return 0, fmt.Errorf("run.timeout: %w", err)
	}
	return d, nil
}

// GracePeriodDuration parses the configured grace period or returns the default.
func (r *RunConfig) GracePeriodDuration() time.Duration {
	if r.GracePeriod != "" {
		if d, err := time.ParseDuration(r.GracePeriod); err == nil && d > 0 {
			return d
		}
	}
	return DefaultGracePeriod
}

// HistoryConfig controls the run history.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Home:          filepath.Join(home, ".local", "share", "jn"),
		DefaultFilter: "jq",
		Cache: CacheConfig{
			Enabled: true,
			Dir:     filepath.Join(home, ".cache", "jn"),
		},
		Log: LogConfig{Level: "warn"},
		History: HistoryConfig{
			Enabled: true,
			Path:    filepath.Join(home, ".local", "share", "jn", "history.jsonl"),
		},
	}
}

// Path returns the standard config file path.
func Path() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "jn", "config.yaml")
}

// LoadFrom reads the config from path (normally Path()), then applies
// environment overrides. A missing file yields the defaults.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv(EnvHome); v != "" {
		cfg.Home = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}

	cfg.Home = expandHome(cfg.Home)
	cfg.Cache.Dir = expandHome(cfg.Cache.Dir)
	cfg.History.Path = expandHome(cfg.History.Path)
	for i, p := range cfg.PluginPaths {
		cfg.PluginPaths[i] = expandHome(p)
	}

	if _, err := cfg.Run.TimeoutDuration(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, p[1:])
	}
	return p
}

// UserDir is the user-tier directory (~/.local/jn).
func UserDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "jn")
}

// PluginSearchPaths lists plugin directories for a run in cwd, project
// first.
func (c *Config) PluginSearchPaths(cwd string) []plugin.SearchPath {
	paths := []plugin.SearchPath{
		{Dir: filepath.Join(cwd, ProjectDir, "plugins"), Tier: plugin.TierProject},
		{Dir: filepath.Join(UserDir(), "plugins"), Tier: plugin.TierUser},
	}
	for _, p := range c.PluginPaths {
		paths = append(paths, plugin.SearchPath{Dir: p, Tier: plugin.TierUser})
	}
	if c.Home != "" {
		paths = append(paths, plugin.SearchPath{Dir: filepath.Join(c.Home, "plugins"), Tier: plugin.TierBundled})
	}
	return paths
}

// ProfileRoots lists profile roots for a run in cwd, project first.
func (c *Config) ProfileRoots(cwd string) []profile.Root {
	roots := []profile.Root{
		{Dir: filepath.Join(cwd, ProjectDir, "profiles"), Tier: plugin.TierProject},
		{Dir: filepath.Join(UserDir(), "profiles"), Tier: plugin.TierUser},
	}
	if c.Home != "" {
		roots = append(roots, profile.Root{Dir: filepath.Join(c.Home, "profiles"), Tier: plugin.TierBundled})
	}
	return roots
}

// Logger builds the root logger. Unknown levels fall back to warn so the
// data stream on stdout is never mixed with chatter.
func (c *Config) Logger(w io.Writer) hclog.Logger {
	level := hclog.LevelFromString(c.Log.Level)
	if level == hclog.NoLevel {
		level = hclog.Warn
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       "jn",
		Level:      level,
		Output:     w,
		JSONFormat: c.Log.JSON,
	})
}
