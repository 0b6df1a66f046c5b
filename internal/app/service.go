package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"basebot/internal/app/execution"
	"basebot/internal/domain"
	"basebot/internal/infra/httpapi"
	"basebot/internal/infra/journal"
	"basebot/internal/infra/registry"
	"basebot/internal/infra/telemetry"
)

// service is one configured instance of the core: the provider registry,
// the execution engine and the optional journal.
type service struct {
	logger   *zap.Logger
	engine   *execution.Engine
	registry *registry.Registry
	journal  *journal.Store
	gatherer *prometheus.Registry
}

var _ httpapi.Backend = (*service)(nil)

func (a *App) newService(cfg domain.Config) (*service, error) {
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewPrometheusMetrics(promRegistry)

	reg, err := registry.New(cfg.Providers, registry.Options{
		Logger:   a.logger,
		Metrics:  metrics,
		Launcher: a.launcherFor(cfg.Runtime),
		Runtime:  cfg.Runtime,
	})
	if err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}

	svc := &service{
		logger:   a.logger,
		registry: reg,
		gatherer: promRegistry,
		engine: execution.New(reg, execution.Options{
			Logger:  a.logger,
			Metrics: metrics,
			Config:  cfg.Engine,
		}),
	}
	if cfg.Journal.Enabled() {
		store, err := journal.Open(cfg.Journal.Path, cfg.Journal.MaxEntries)
		if err != nil {
			return nil, err
		}
		svc.journal = store
	}
	return svc, nil
}

func (s *service) Ready() bool {
	return s.registry.Ready()
}

func (s *service) Statuses() []domain.ProviderStatus {
	return s.registry.Statuses()
}

func (s *service) Catalog() []domain.ToolDescriptor {
	return s.registry.Catalog()
}

// Execute runs a batch and journals its report. A journal failure is logged
// and does not fail the batch.
func (s *service) Execute(ctx context.Context, invocations []domain.Invocation) (domain.Report, error) {
	if err := ctx.Err(); err != nil {
		return domain.Report{}, domain.Wrap(domain.CodeCanceled, "execute", err)
	}
	report := s.engine.Execute(ctx, invocations)
	if s.journal != nil {
		if _, err := s.journal.Append(report); err != nil {
			s.logger.Warn("journal append failed",
				telemetry.BatchIDField(report.BatchID),
				zap.Error(err),
			)
		}
	}
	return report, nil
}

func (s *service) History(limit int) ([]journal.Record, error) {
	if s.journal == nil {
		return nil, httpapi.ErrHistoryDisabled
	}
	return s.journal.History(limit)
}

// reload applies a changed configuration. Providers are reconciled in
// place; engine settings only take effect on restart so its caches survive.
func (s *service) reload(ctx context.Context, current *domain.Config, next domain.Config) {
	if err := s.registry.Reload(ctx, next.Providers); err != nil {
		s.logger.Error("provider reload failed",
			telemetry.EventField(telemetry.EventConfigReload),
			zap.Error(err),
		)
		return
	}
	if next.Engine != current.Engine {
		s.logger.Warn("engine settings changed; restart to apply",
			telemetry.EventField(telemetry.EventConfigReload),
		)
	}
	current.Providers = next.Providers
}

// close stops every provider and closes the journal.
func (s *service) close(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := s.registry.StopAll(ctx)
	if s.journal != nil {
		err = multierr.Append(err, s.journal.Close())
	}
	return err
}
