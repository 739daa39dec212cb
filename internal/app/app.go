package app

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/vk/gridflow/internal/config"
	"github.com/vk/gridflow/internal/registry"
)

// Options holds the command-line configuration for an App instance.
type Options struct {
	JobPath         string
	ConfigPath      string
	HealthcheckPort int
	LogFormat       string
	LogLevel        string
	Workers         int
}

// App encapsulates the application's dependencies, configuration, and
// lifecycle.
type App struct {
	outW     io.Writer
	logger   *slog.Logger
	opts     *Options
	cfg      *config.Config
	registry *registry.Registry
}

// NewApp is the constructor for the main application. It returns a fully
// initialized App instance, including its own isolated logger and registry.
// A broken configuration file is a fatal startup error and panics.
func NewApp(outW io.Writer, opts *Options, modules ...registry.Module) *App {
	logger := newLogger(opts.LogLevel, opts.LogFormat, outW)
	logger.Debug("Logger configured successfully.")

	cfg := config.Default()
	if opts.ConfigPath != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			panic(fmt.Errorf("failed to load configuration: %w", err))
		}
		cfg = loaded
	}
	if opts.Workers > 0 {
		cfg.Workers = opts.Workers
	}
	logger.Debug("Configuration resolved.", "store_driver", cfg.Store.Driver, "workers", cfg.Workers)

	reg := registry.New()
	if len(modules) == 0 {
		modules = coreModules
	}
	for _, mod := range modules {
		mod.Register(reg)
	}
	logger.Debug("All Go modules registered.", "count", len(modules), "types", reg.Types())

	return &App{
		outW:     outW,
		logger:   logger,
		opts:     opts,
		cfg:      cfg,
		registry: reg,
	}
}

// Registry returns the application's registry. This is primarily for testing.
func (a *App) Registry() *registry.Registry {
	return a.registry
}

// Config returns the resolved process configuration. This is primarily for
// testing.
func (a *App) Config() *config.Config {
	return a.cfg
}
