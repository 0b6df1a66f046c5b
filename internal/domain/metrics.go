package domain

import "time"

// CallStatus labels the outcome of a provider call.
type CallStatus string

const (
	CallStatusSuccess CallStatus = "success"
	CallStatusError   CallStatus = "error"
)

// StatusFor maps an error to a call status.
func StatusFor(err error) CallStatus {
	if err != nil {
		return CallStatusError
	}
	return CallStatusSuccess
}

// CacheResult labels a cache lookup.
type CacheResult string

const (
	CacheHit  CacheResult = "hit"
	CacheMiss CacheResult = "miss"
)

// CallMetric captures metrics for one provider call.
type CallMetric struct {
	Provider string
	Method   string
	Status   CallStatus
	Duration time.Duration
}

// Metrics records observations from the tool-invocation core.
type Metrics interface {
	ObserveCall(metric CallMetric)
	ObserveProviderStart(provider string, duration time.Duration, err error)
	ObserveProviderCrash(provider string)
	ObserveMalformedFrame(provider string)
	SetProviderReady(provider string, ready bool)
	ObserveVerdict(level VerdictLevel, cached bool)
	ObserveCacheLookup(cache string, result CacheResult)
}
