package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"basebot/internal/domain"
)

type PrometheusMetrics struct {
	callDuration    *prometheus.HistogramVec
	providerStarts  *prometheus.CounterVec
	providerCrashes *prometheus.CounterVec
	malformedFrames *prometheus.CounterVec
	providerReady   *prometheus.GaugeVec
	verdicts        *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
}

func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &PrometheusMetrics{
		callDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "basebot_provider_call_duration_seconds",
				Help:    "Duration of provider tool calls in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"provider", "method", "status"},
		),
		providerStarts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "basebot_provider_starts_total",
				Help: "Total number of provider start attempts",
			},
			[]string{"provider", "status"},
		),
		providerCrashes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "basebot_provider_crashes_total",
				Help: "Total number of unexpected provider exits",
			},
			[]string{"provider"},
		),
		malformedFrames: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "basebot_malformed_frames_total",
				Help: "Total number of unparsable frames read from providers",
			},
			[]string{"provider"},
		),
		providerReady: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "basebot_provider_ready",
				Help: "Whether the provider is ready (1) or not (0)",
			},
			[]string{"provider"},
		),
		verdicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "basebot_safety_verdicts_total",
				Help: "Total number of safety verdicts produced",
			},
			[]string{"verdict", "cached"},
		),
		cacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "basebot_cache_lookups_total",
				Help: "Total number of engine cache lookups",
			},
			[]string{"cache", "result"},
		),
	}
}

func (p *PrometheusMetrics) ObserveCall(metric domain.CallMetric) {
	p.callDuration.WithLabelValues(metric.Provider, metric.Method, string(metric.Status)).Observe(metric.Duration.Seconds())
}

func (p *PrometheusMetrics) ObserveProviderStart(provider string, _ time.Duration, err error) {
	p.providerStarts.WithLabelValues(provider, string(domain.StatusFor(err))).Inc()
}

func (p *PrometheusMetrics) ObserveProviderCrash(provider string) {
	p.providerCrashes.WithLabelValues(provider).Inc()
}

func (p *PrometheusMetrics) ObserveMalformedFrame(provider string) {
	p.malformedFrames.WithLabelValues(provider).Inc()
}

func (p *PrometheusMetrics) SetProviderReady(provider string, ready bool) {
	value := 0.0
	if ready {
		value = 1
	}
	p.providerReady.WithLabelValues(provider).Set(value)
}

func (p *PrometheusMetrics) ObserveVerdict(level domain.VerdictLevel, cached bool) {
	p.verdicts.WithLabelValues(string(level), strconv.FormatBool(cached)).Inc()
}

func (p *PrometheusMetrics) ObserveCacheLookup(cache string, result domain.CacheResult) {
	p.cacheLookups.WithLabelValues(cache, string(result)).Inc()
}

var _ domain.Metrics = (*PrometheusMetrics)(nil)
