package telemetry

import (
	"time"

	"basebot/internal/domain"
)

type NoopMetrics struct{}

func NewNoopMetrics() *NoopMetrics {
	return &NoopMetrics{}
}

func (n *NoopMetrics) ObserveCall(_ domain.CallMetric) {}

func (n *NoopMetrics) ObserveProviderStart(_ string, _ time.Duration, _ error) {}

func (n *NoopMetrics) ObserveProviderCrash(_ string) {}

func (n *NoopMetrics) ObserveMalformedFrame(_ string) {}

func (n *NoopMetrics) SetProviderReady(_ string, _ bool) {}

func (n *NoopMetrics) ObserveVerdict(_ domain.VerdictLevel, _ bool) {}

func (n *NoopMetrics) ObserveCacheLookup(_ string, _ domain.CacheResult) {}

var _ domain.Metrics = (*NoopMetrics)(nil)
