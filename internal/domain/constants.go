package domain

import "time"

const (
	DefaultProtocolVersion = "2025-06-18"
	ClientName             = "base-mcp-bot"
	ClientVersion          = "0.4.0"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultStopTimeout      = 5 * time.Second
	DefaultLaunchGrace      = 100 * time.Millisecond
	DefaultExitWait         = 2 * time.Second
	DefaultMaxFrameBytes    = 16 * 1024 * 1024
	MinMaxFrameBytes        = 1024 * 1024
)

const (
	DefaultChain           = "base"
	DefaultEnrichmentCap   = 3
	DefaultSafetyCap       = 6
	DefaultConcurrency     = 1
	DefaultFetchTimeout    = 10 * time.Second
	DefaultFetchRetries    = 3
	DefaultRetryBase       = 500 * time.Millisecond
	DefaultRetryMax        = 4 * time.Second
	DefaultDiscoveryTTL    = 10 * time.Minute
	DefaultPollInterval    = time.Minute
	MinNegativeTTL         = 5 * time.Minute
	NegativeTTLPollFactor  = 3
	DefaultAddressParam    = "tokenAddress"
	DefaultChainParam      = "chainId"
	DefaultPairParam       = "pairAddress"
	DefaultLookupMethod    = "getPairsByToken"
	DefaultDiscoveryMethod = "getPairsByToken"
	DefaultSafetyMethod    = "check_token"
)

const (
	DefaultObservabilityListenAddress = "127.0.0.1:9090"
	DefaultJournalMaxEntries          = 500
	DefaultLogLevel                   = "info"
	DefaultLogFormat                  = "json"
)

// NegativeTTLFor derives how long a not-indexed lookup stays suppressed from
// the subscription polling interval.
func NegativeTTLFor(pollInterval time.Duration) time.Duration {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	ttl := pollInterval * NegativeTTLPollFactor
	if ttl < MinNegativeTTL {
		return MinNegativeTTL
	}
	return ttl
}
