package telemetry

import (
	"maps"
	"strings"

	"basebot/internal/domain"
)

const redacted = "***"

var sensitiveKeys = []string{
	"token",
	"secret",
	"password",
	"authorization",
	"api_key",
	"apikey",
	"private_key",
	"cookie",
}

// SensitiveKey reports whether values under key must not be printed.
func SensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, needle := range sensitiveKeys {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}

// RedactEnv masks the values of sensitive variables.
func RedactEnv(env map[string]string) map[string]string {
	if len(env) == 0 {
		return env
	}
	out := make(map[string]string, len(env))
	for key, value := range env {
		if SensitiveKey(key) {
			value = redacted
		}
		out[key] = value
	}
	return out
}

// RedactConfig returns a copy of cfg safe to print.
func RedactConfig(cfg domain.Config) domain.Config {
	providers := make([]domain.ProviderSpec, len(cfg.Providers))
	for i, spec := range cfg.Providers {
		spec.Env = RedactEnv(maps.Clone(spec.Env))
		providers[i] = spec
	}
	cfg.Providers = providers
	return cfg
}
