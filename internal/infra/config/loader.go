// Package config loads, validates and watches the application
// configuration file.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"basebot/internal/domain"
)

// Format is the syntax of a configuration file.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatForPath picks the format from the file extension; anything that is
// not .toml is read as YAML, which also covers JSON.
func FormatForPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

type Loader struct {
	logger *zap.Logger
}

func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		return &Loader{logger: zap.NewNop()}
	}
	return &Loader{logger: logger.Named("config")}
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("runtime.handshakeTimeout", domain.DefaultHandshakeTimeout)
	v.SetDefault("runtime.stopTimeout", domain.DefaultStopTimeout)
	v.SetDefault("runtime.launchGrace", domain.DefaultLaunchGrace)
	v.SetDefault("runtime.maxFrameBytes", domain.DefaultMaxFrameBytes)
	v.SetDefault("runtime.validateArguments", false)

	engine := domain.DefaultEngineConfig()
	v.SetDefault("engine.lookupMethod", engine.LookupMethod)
	v.SetDefault("engine.discoveryMethod", engine.DiscoveryMethod)
	v.SetDefault("engine.safetyMethod", engine.SafetyMethod)
	v.SetDefault("engine.addressParam", engine.AddressParam)
	v.SetDefault("engine.chainParam", engine.ChainParam)
	v.SetDefault("engine.pairParam", engine.PairParam)
	v.SetDefault("engine.defaultChain", engine.DefaultChain)
	v.SetDefault("engine.enrichmentCap", engine.EnrichmentCap)
	v.SetDefault("engine.safetyCap", engine.SafetyCap)
	v.SetDefault("engine.concurrency", engine.Concurrency)
	v.SetDefault("engine.fetchTimeout", engine.FetchTimeout)
	v.SetDefault("engine.fetchRetries", engine.FetchRetries)
	v.SetDefault("engine.retryBase", engine.RetryBase)
	v.SetDefault("engine.retryMax", engine.RetryMax)
	v.SetDefault("engine.discoveryTTL", engine.DiscoveryTTL)
	v.SetDefault("engine.pollInterval", engine.PollInterval)

	v.SetDefault("observability.listenAddress", domain.DefaultObservabilityListenAddress)
	v.SetDefault("journal.maxEntries", domain.DefaultJournalMaxEntries)
	v.SetDefault("logging.level", domain.DefaultLogLevel)
	v.SetDefault("logging.format", domain.DefaultLogFormat)
}

// rawProvider is decoded with yaml.v3 rather than viper so env keys keep
// their case.
type rawProvider struct {
	Name     string            `yaml:"name"`
	Command  string            `yaml:"command"`
	Argv     []string          `yaml:"argv"`
	Env      map[string]string `yaml:"env"`
	Cwd      string            `yaml:"cwd"`
	Required bool              `yaml:"required"`
	Disabled bool              `yaml:"disabled"`
}

type rawDocument struct {
	Providers []rawProvider `yaml:"providers"`
}

// Load reads, expands, decodes and validates the file at path.
func (l *Loader) Load(ctx context.Context, path string) (domain.Config, error) {
	if path == "" {
		return domain.Config{}, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := l.Parse(ctx, data, FormatForPath(path))
	if err != nil {
		return domain.Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates configuration bytes in the given format.
func (l *Loader) Parse(ctx context.Context, data []byte, format Format) (domain.Config, error) {
	if format == FormatTOML {
		converted, err := tomlToYAML(data)
		if err != nil {
			return domain.Config{}, err
		}
		data = converted
	}

	env := newEnvExpander()
	expanded, err := env.expand(data)
	if err != nil {
		return domain.Config{}, err
	}
	if missing := env.unsetNames(); len(missing) > 0 {
		l.logger.Warn("missing environment variables in config",
			zap.Strings("missing", missing),
			zap.Strings("keys", env.unsetPaths()),
		)
	}

	v := newViper()
	if err := v.ReadConfig(bytes.NewBufferString(expanded)); err != nil {
		return domain.Config{}, fmt.Errorf("parse config: %w", err)
	}
	var cfg domain.Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "json"
	}); err != nil {
		return domain.Config{}, fmt.Errorf("decode config: %w", err)
	}

	var doc rawDocument
	if err := yaml.Unmarshal([]byte(expanded), &doc); err != nil {
		return domain.Config{}, fmt.Errorf("decode providers: %w", err)
	}
	cfg.Providers = normalizeProviders(doc.Providers)
	normalize(&cfg)

	if err := ctx.Err(); err != nil {
		return domain.Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return domain.Config{}, err
	}
	if err := requiredProviderEnv(cfg, env); err != nil {
		return domain.Config{}, err
	}
	return cfg, nil
}

// requiredProviderEnv rejects a required provider whose command or env
// references an unset variable; it would only fail later at launch.
func requiredProviderEnv(cfg domain.Config, env *envExpander) error {
	var errs error
	for i, spec := range cfg.Providers {
		if !spec.Required || spec.Disabled {
			continue
		}
		if names := env.unsetUnder(fmt.Sprintf("providers[%d]", i)); len(names) > 0 {
			errs = multierr.Append(errs, fmt.Errorf("required provider %q references unset variables: %s",
				spec.Name, strings.Join(names, ", ")))
		}
	}
	return errs
}

func tomlToYAML(data []byte) ([]byte, error) {
	var doc map[string]any
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return out, nil
}

func normalizeProviders(raw []rawProvider) []domain.ProviderSpec {
	specs := make([]domain.ProviderSpec, 0, len(raw))
	for _, p := range raw {
		specs = append(specs, domain.ProviderSpec{
			Name:     strings.TrimSpace(p.Name),
			Command:  strings.TrimSpace(p.Command),
			Argv:     p.Argv,
			Env:      p.Env,
			Cwd:      strings.TrimSpace(p.Cwd),
			Required: p.Required,
			Disabled: p.Disabled,
		})
	}
	return specs
}

func normalize(cfg *domain.Config) {
	if cfg.Engine.NegativeTTL == 0 {
		cfg.Engine.NegativeTTL = domain.NegativeTTLFor(cfg.Engine.PollInterval)
	}
	cfg.Observability.ListenAddress = strings.TrimSpace(cfg.Observability.ListenAddress)
	cfg.Journal.Path = strings.TrimSpace(cfg.Journal.Path)
	if cfg.Journal.MaxEntries == 0 {
		cfg.Journal.MaxEntries = domain.DefaultJournalMaxEntries
	}
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Logging.Format = strings.ToLower(strings.TrimSpace(cfg.Logging.Format))
}
