// Package app wires configuration, providers, the execution engine and the
// operator surfaces into runnable commands.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"basebot/internal/domain"
	"basebot/internal/infra/config"
	"basebot/internal/infra/httpapi"
	"basebot/internal/infra/journal"
	"basebot/internal/infra/transport"
)

type Options struct {
	Logger *zap.Logger
	// Launcher overrides the subprocess launcher, mainly for tests.
	Launcher domain.Launcher
}

type App struct {
	logger   *zap.Logger
	launcher domain.Launcher
	loader   *config.Loader
}

type ServeConfig struct {
	ConfigPath string
	Config     domain.Config
}

func New(opts Options) *App {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		logger:   logger.Named("app"),
		launcher: opts.Launcher,
		loader:   config.NewLoader(logger),
	}
}

func (a *App) launcherFor(runtime domain.RuntimeConfig) domain.Launcher {
	if a.launcher != nil {
		return a.launcher
	}
	return transport.NewCommandLauncher(transport.CommandLauncherOptions{
		Logger:      a.logger,
		LaunchGrace: runtime.LaunchGrace,
	})
}

// LoadConfig reads and validates the configuration at path.
func (a *App) LoadConfig(ctx context.Context, path string) (domain.Config, error) {
	return a.loader.Load(ctx, path)
}

// ValidateConfig checks the configuration at path without launching anything.
func (a *App) ValidateConfig(ctx context.Context, path string) (domain.Config, error) {
	cfg, err := a.loader.Load(ctx, path)
	if err != nil {
		return domain.Config{}, err
	}
	enabled := 0
	for _, spec := range cfg.Providers {
		if !spec.Disabled {
			enabled++
		}
	}
	a.logger.Info("configuration validated",
		zap.String("config", path),
		zap.Int("providers", len(cfg.Providers)),
		zap.Int("enabled", enabled),
	)
	return cfg, nil
}

// Serve starts every provider and keeps them running until ctx is done,
// serving the HTTP API when observability is enabled and applying config
// file changes as they land.
func (a *App) Serve(ctx context.Context, cfg ServeConfig) error {
	current := cfg.Config
	svc, err := a.newService(current)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.close(current.Runtime.StopTimeout + domain.DefaultExitWait); err != nil {
			a.logger.Warn("shutdown incomplete", zap.Error(err))
		}
	}()

	if err := svc.registry.StartAll(ctx); err != nil {
		return err
	}
	a.logger.Info("providers started", zap.Strings("providers", svc.registry.Providers()))

	group, groupCtx := errgroup.WithContext(ctx)
	if current.Observability.Enabled {
		router := httpapi.NewRouter(httpapi.Options{
			Backend:  svc,
			Gatherer: svc.gatherer,
			Logger:   a.logger,
		})
		group.Go(func() error {
			return httpapi.Serve(groupCtx, current.Observability.ListenAddress, router, a.logger)
		})
	}
	if cfg.ConfigPath != "" {
		watcher := config.NewWatcher(a.loader, cfg.ConfigPath, a.logger)
		group.Go(func() error {
			return watcher.Run(groupCtx, func(ctx context.Context, next domain.Config) {
				svc.reload(ctx, &current, next)
			})
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		return nil
	})
	return group.Wait()
}

// Run executes one batch and returns its report. Providers are launched on
// first use and stopped before returning.
func (a *App) Run(ctx context.Context, cfg domain.Config, invocations []domain.Invocation) (domain.Report, error) {
	if len(invocations) == 0 {
		return domain.Report{}, domain.E(domain.CodeInvalidArgument, "run", "at least one invocation is required", nil)
	}
	svc, err := a.newService(cfg)
	if err != nil {
		return domain.Report{}, err
	}
	defer func() {
		if err := svc.close(cfg.Runtime.StopTimeout + domain.DefaultExitWait); err != nil {
			a.logger.Warn("shutdown incomplete", zap.Error(err))
		}
	}()
	return svc.Execute(ctx, invocations)
}

// Catalog starts every provider and returns the merged tool catalog.
// Optional providers that fail to start are left out.
func (a *App) Catalog(ctx context.Context, cfg domain.Config) ([]domain.ToolDescriptor, error) {
	svc, err := a.newService(cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := svc.close(cfg.Runtime.StopTimeout + domain.DefaultExitWait); err != nil {
			a.logger.Warn("shutdown incomplete", zap.Error(err))
		}
	}()
	if err := svc.registry.StartAll(ctx); err != nil {
		return nil, err
	}
	return svc.Catalog(), nil
}

// History reads journaled batches, newest first.
func (a *App) History(cfg domain.Config, limit int) ([]journal.Record, error) {
	if !cfg.Journal.Enabled() {
		return nil, httpapi.ErrHistoryDisabled
	}
	store, err := journal.Open(cfg.Journal.Path, cfg.Journal.MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("journal may be held by a running serve: %w", err)
	}
	defer store.Close()
	return store.History(limit)
}
