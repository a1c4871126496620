package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/marcelocantos/jn/internal/config"
	"github.com/marcelocantos/jn/internal/history"
	"github.com/marcelocantos/jn/internal/plugin"
	"github.com/marcelocantos/jn/internal/profile"
	"github.com/marcelocantos/jn/internal/resolve"
)

// App is everything a command needs, loaded once per process.
type App struct {
	Config   *config.Config
	Registry *plugin.Registry
	Profiles *profile.Resolver
	Planner  *resolve.Planner
	History  *history.Logger // nil when disabled
	Logger   hclog.Logger

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	Cwd     string
	Timeout time.Duration
}

// NewApp discovers plugins and profiles for a run in cwd.
func NewApp(cfg *config.Config, cwd string, stdin io.Reader, stdout, stderr io.Writer) (*App, error) {
	logger := cfg.Logger(stderr)

	paths := cfg.PluginSearchPaths(cwd)
	opts := plugin.LoadOptions{Logger: logger.Named("registry")}
	if cfg.Cache.Enabled {
		opts.Cache = plugin.OpenCache(cfg.Cache.Dir, paths)
	}
	reg, err := plugin.Load(paths, opts)
	if err != nil {
		return nil, fmt.Errorf("loading plugins: %w", err)
	}

	profiles := profile.NewResolver(cfg.ProfileRoots(cwd), reg, profile.WithLogger(logger.Named("profile")))

	timeout, err := cfg.Run.TimeoutDuration()
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:   cfg,
		Registry: reg,
		Profiles: profiles,
		Planner:  resolve.NewPlanner(reg, profiles, cfg.DefaultFilter),
		Logger:   logger,
		Stdin:    stdin,
		Stdout:   stdout,
		Stderr:   stderr,
		Cwd:      cwd,
		Timeout:  timeout,
	}
	if cfg.History.Enabled {
		h, err := history.NewLogger(cfg.History.Path)
		if err != nil {
			// Continue without history.
			logger.Warn("history disabled", "error", err)
		} else {
			app.History = h
		}
	}
	return app, nil
}
