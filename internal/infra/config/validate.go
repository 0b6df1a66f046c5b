package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap/zapcore"

	"basebot/internal/domain"
	"basebot/internal/infra/transport"
)

var providerNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Validate checks a decoded configuration and reports every problem at
// once.
func Validate(cfg domain.Config) error {
	var errs []string
	errs = append(errs, validateProviders(cfg.Providers)...)
	errs = append(errs, validateRuntime(cfg.Runtime)...)
	errs = append(errs, validateEngine(cfg.Engine, cfg.Providers)...)
	errs = append(errs, validateObservability(cfg.Observability)...)
	errs = append(errs, validateJournal(cfg.Journal)...)
	errs = append(errs, validateLogging(cfg.Logging)...)
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateProviders(specs []domain.ProviderSpec) []string {
	var errs []string
	enabled := 0
	seen := make(map[string]struct{}, len(specs))
	for i, spec := range specs {
		if spec.Name == "" {
			errs = append(errs, fmt.Sprintf("providers[%d]: name is required", i))
		} else if !providerNamePattern.MatchString(spec.Name) {
			errs = append(errs, fmt.Sprintf("providers[%d]: name %q may only contain letters, digits, '-' and '_'", i, spec.Name))
		}
		if _, ok := seen[spec.Name]; ok && spec.Name != "" {
			errs = append(errs, fmt.Sprintf("providers[%d]: duplicate name %q", i, spec.Name))
		}
		seen[spec.Name] = struct{}{}

		if len(spec.Argv) == 0 {
			if _, err := transport.ParseCommand(spec.Command); err != nil {
				errs = append(errs, fmt.Sprintf("providers[%d]: command: %v", i, err))
			}
		} else if strings.TrimSpace(spec.Argv[0]) == "" {
			errs = append(errs, fmt.Sprintf("providers[%d]: argv[0] must not be empty", i))
		}
		if spec.Required && spec.Disabled {
			errs = append(errs, fmt.Sprintf("providers[%d]: a required provider cannot be disabled", i))
		}
		if !spec.Disabled {
			enabled++
		}
	}
	if enabled == 0 {
		errs = append(errs, "at least one enabled provider is required")
	}
	return errs
}

func validateRuntime(cfg domain.RuntimeConfig) []string {
	var errs []string
	if cfg.HandshakeTimeout <= 0 {
		errs = append(errs, "runtime.handshakeTimeout must be > 0")
	}
	if cfg.StopTimeout <= 0 {
		errs = append(errs, "runtime.stopTimeout must be > 0")
	}
	if cfg.MaxFrameBytes < domain.MinMaxFrameBytes {
		errs = append(errs, fmt.Sprintf("runtime.maxFrameBytes must be >= %d", domain.MinMaxFrameBytes))
	}
	return errs
}

func validateEngine(cfg domain.EngineConfig, specs []domain.ProviderSpec) []string {
	var errs []string
	enabled := make(map[string]bool, len(specs))
	for _, spec := range specs {
		enabled[spec.Name] = !spec.Disabled
	}
	for _, role := range []struct{ key, name string }{
		{"engine.marketProvider", cfg.MarketProvider},
		{"engine.safetyProvider", cfg.SafetyProvider},
	} {
		if role.name == "" {
			continue
		}
		if on, ok := enabled[role.name]; !ok || !on {
			errs = append(errs, fmt.Sprintf("%s %q is not an enabled provider", role.key, role.name))
		}
	}
	for _, field := range []struct {
		key   string
		value string
	}{
		{"engine.lookupMethod", cfg.LookupMethod},
		{"engine.discoveryMethod", cfg.DiscoveryMethod},
		{"engine.safetyMethod", cfg.SafetyMethod},
		{"engine.addressParam", cfg.AddressParam},
		{"engine.chainParam", cfg.ChainParam},
		{"engine.pairParam", cfg.PairParam},
	} {
		if strings.TrimSpace(field.value) == "" {
			errs = append(errs, field.key+" is required")
		}
	}
	if cfg.EnrichmentCap < 0 {
		errs = append(errs, "engine.enrichmentCap must be >= 0")
	}
	if cfg.SafetyCap < 0 {
		errs = append(errs, "engine.safetyCap must be >= 0")
	}
	if cfg.Concurrency < 1 {
		errs = append(errs, "engine.concurrency must be >= 1")
	}
	if cfg.FetchTimeout <= 0 {
		errs = append(errs, "engine.fetchTimeout must be > 0")
	}
	if cfg.FetchRetries < 1 {
		errs = append(errs, "engine.fetchRetries must be >= 1")
	}
	if cfg.RetryBase <= 0 {
		errs = append(errs, "engine.retryBase must be > 0")
	}
	if cfg.RetryMax < cfg.RetryBase {
		errs = append(errs, "engine.retryMax must be >= engine.retryBase")
	}
	if cfg.DiscoveryTTL <= 0 {
		errs = append(errs, "engine.discoveryTTL must be > 0")
	}
	if cfg.PollInterval <= 0 {
		errs = append(errs, "engine.pollInterval must be > 0")
	}
	if cfg.NegativeTTL < 0 {
		errs = append(errs, "engine.negativeTTL must be >= 0")
	}
	return errs
}

func validateObservability(cfg domain.ObservabilityConfig) []string {
	if cfg.Enabled && cfg.ListenAddress == "" {
		return []string{"observability.listenAddress is required when observability is enabled"}
	}
	return nil
}

func validateJournal(cfg domain.JournalConfig) []string {
	if cfg.MaxEntries < 0 {
		return []string{"journal.maxEntries must be >= 0"}
	}
	return nil
}

func validateLogging(cfg domain.LoggingConfig) []string {
	var errs []string
	if _, err := zapcore.ParseLevel(cfg.Level); err != nil {
		errs = append(errs, fmt.Sprintf("logging.level: %v", err))
	}
	switch cfg.Format {
	case "json", "console":
	default:
		errs = append(errs, "logging.format must be json or console")
	}
	return errs
}
