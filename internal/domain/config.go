package domain

import "time"

// Config is the fully normalized application configuration.
type Config struct {
	Providers     []ProviderSpec      `json:"providers"`
	Runtime       RuntimeConfig       `json:"runtime"`
	Engine        EngineConfig        `json:"engine"`
	Observability ObservabilityConfig `json:"observability"`
	Journal       JournalConfig       `json:"journal"`
	Logging       LoggingConfig       `json:"logging"`
}

// Provider returns the spec with the given name.
func (c Config) Provider(name string) (ProviderSpec, bool) {
	for _, spec := range c.Providers {
		if spec.Name == name {
			return spec, true
		}
	}
	return ProviderSpec{}, false
}

type RuntimeConfig struct {
	HandshakeTimeout  time.Duration `json:"handshakeTimeout"`
	StopTimeout       time.Duration `json:"stopTimeout"`
	LaunchGrace       time.Duration `json:"launchGrace"`
	MaxFrameBytes     int           `json:"maxFrameBytes"`
	ValidateArguments bool          `json:"validateArguments"`
}

// EngineConfig configures the execution engine: which providers play the
// market-data and safety roles, the methods it calls on them and its limits.
type EngineConfig struct {
	MarketProvider  string        `json:"marketProvider"`
	SafetyProvider  string        `json:"safetyProvider"`
	LookupMethod    string        `json:"lookupMethod"`
	DiscoveryMethod string        `json:"discoveryMethod"`
	SafetyMethod    string        `json:"safetyMethod"`
	AddressParam    string        `json:"addressParam"`
	ChainParam      string        `json:"chainParam"`
	PairParam       string        `json:"pairParam"`
	DefaultChain    string        `json:"defaultChain"`
	EnrichmentCap   int           `json:"enrichmentCap"`
	SafetyCap       int           `json:"safetyCap"`
	Concurrency     int           `json:"concurrency"`
	FetchTimeout    time.Duration `json:"fetchTimeout"`
	FetchRetries    int           `json:"fetchRetries"`
	RetryBase       time.Duration `json:"retryBase"`
	RetryMax        time.Duration `json:"retryMax"`
	DiscoveryTTL    time.Duration `json:"discoveryTTL"`
	PollInterval    time.Duration `json:"pollInterval"`
	NegativeTTL     time.Duration `json:"negativeTTL"`
}

// DefaultEngineConfig returns the engine defaults used when a field is unset.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		LookupMethod:    DefaultLookupMethod,
		DiscoveryMethod: DefaultDiscoveryMethod,
		SafetyMethod:    DefaultSafetyMethod,
		AddressParam:    DefaultAddressParam,
		ChainParam:      DefaultChainParam,
		PairParam:       DefaultPairParam,
		DefaultChain:    DefaultChain,
		EnrichmentCap:   DefaultEnrichmentCap,
		SafetyCap:       DefaultSafetyCap,
		Concurrency:     DefaultConcurrency,
		FetchTimeout:    DefaultFetchTimeout,
		FetchRetries:    DefaultFetchRetries,
		RetryBase:       DefaultRetryBase,
		RetryMax:        DefaultRetryMax,
		DiscoveryTTL:    DefaultDiscoveryTTL,
		PollInterval:    DefaultPollInterval,
		NegativeTTL:     NegativeTTLFor(DefaultPollInterval),
	}
}

type ObservabilityConfig struct {
	Enabled       bool   `json:"enabled"`
	ListenAddress string `json:"listenAddress"`
}

type JournalConfig struct {
	Path       string `json:"path"`
	MaxEntries int    `json:"maxEntries"`
}

// Enabled reports whether batches are journaled.
func (c JournalConfig) Enabled() bool {
	return c.Path != ""
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}
