package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"basebot/internal/domain"
)

func writeTempConfig(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoader_Defaults(t *testing.T) {
	path := writeTempConfig(t, "config.yaml", `
providers:
  - name: market
    command: npx -y dexscreener-mcp
    required: true
    env:
      API_KEY: secret
  - name: safety
    command: "python3 -m honeypot_mcp --port 0"
engine:
  marketProvider: market
  safetyProvider: safety
`)

	cfg, err := NewLoader(zap.NewNop()).Load(context.Background(), path)
	require.NoError(t, err)

	want := []domain.ProviderSpec{
		{Name: "market", Command: "npx -y dexscreener-mcp", Required: true, Env: map[string]string{"API_KEY": "secret"}},
		{Name: "safety", Command: "python3 -m honeypot_mcp --port 0"},
	}
	if diff := cmp.Diff(want, cfg.Providers); diff != "" {
		t.Fatalf("providers mismatch (-want +got):\n%s", diff)
	}

	engine := domain.DefaultEngineConfig()
	engine.MarketProvider = "market"
	engine.SafetyProvider = "safety"
	if diff := cmp.Diff(engine, cfg.Engine); diff != "" {
		t.Fatalf("engine mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, domain.DefaultHandshakeTimeout, cfg.Runtime.HandshakeTimeout)
	require.Equal(t, domain.DefaultStopTimeout, cfg.Runtime.StopTimeout)
	require.Equal(t, domain.DefaultMaxFrameBytes, cfg.Runtime.MaxFrameBytes)
	require.Equal(t, domain.DefaultObservabilityListenAddress, cfg.Observability.ListenAddress)
	require.Equal(t, domain.DefaultJournalMaxEntries, cfg.Journal.MaxEntries)
	require.False(t, cfg.Journal.Enabled())
	require.Equal(t, domain.LoggingConfig{Level: "info", Format: "json"}, cfg.Logging)
}

func TestLoader_Overrides(t *testing.T) {
	path := writeTempConfig(t, "config.yml", `
providers:
  - name: market
    argv: ["node", "server.js"]
runtime:
  handshakeTimeout: 3s
  validateArguments: true
engine:
  concurrency: 4
  fetchTimeout: 2500ms
  pollInterval: 10m
  enrichmentCap: 0
journal:
  path: /tmp/basebot.db
logging:
  level: DEBUG
  format: console
`)

	cfg, err := NewLoader(nil).Load(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, []string{"node", "server.js"}, cfg.Providers[0].Argv)
	require.Equal(t, 3*time.Second, cfg.Runtime.HandshakeTimeout)
	require.True(t, cfg.Runtime.ValidateArguments)
	require.Equal(t, 4, cfg.Engine.Concurrency)
	require.Equal(t, 2500*time.Millisecond, cfg.Engine.FetchTimeout)
	require.Equal(t, 30*time.Minute, cfg.Engine.NegativeTTL)
	require.Zero(t, cfg.Engine.EnrichmentCap)
	require.True(t, cfg.Journal.Enabled())
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "console", cfg.Logging.Format)
}

func TestLoader_EnvExpansion(t *testing.T) {
	t.Setenv("MARKET_CMD", "npx -y dexscreener-mcp")
	t.Setenv("SAFETY_CAP", "2")
	path := writeTempConfig(t, "config.yaml", `
providers:
  - name: market
    command: ${MARKET_CMD}
    env:
      TOKEN: "${MISSING_TOKEN}"
engine:
  safetyCap: ${SAFETY_CAP}
`)
	core, logs := observer.New(zap.WarnLevel)

	cfg, err := NewLoader(zap.New(core)).Load(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, "npx -y dexscreener-mcp", cfg.Providers[0].Command)
	require.Equal(t, "", cfg.Providers[0].Env["TOKEN"])
	require.Equal(t, 2, cfg.Engine.SafetyCap)

	entries := logs.FilterMessage("missing environment variables in config").All()
	require.Len(t, entries, 1)
	require.Equal(t, []any{"MISSING_TOKEN"}, entries[0].ContextMap()["missing"])
	require.Equal(t, []any{"providers[0].env.TOKEN"}, entries[0].ContextMap()["keys"])
}

func TestLoader_RequiredProviderWithUnsetEnv(t *testing.T) {
	path := writeTempConfig(t, "config.yaml", `
providers:
  - name: market
    command: npx -y dexscreener-mcp
    required: true
    env:
      DEXSCREENER_API_KEY: ${BASEBOT_TEST_UNSET_KEY}
  - name: safety
    command: honeypot-mcp
    env:
      RPC_URL: ${BASEBOT_TEST_UNSET_RPC}
`)

	_, err := NewLoader(nil).Load(context.Background(), path)
	require.Error(t, err)
	require.Contains(t, err.Error(), `required provider "market" references unset variables: BASEBOT_TEST_UNSET_KEY`)
	require.NotContains(t, err.Error(), "BASEBOT_TEST_UNSET_RPC")
}

func TestLoader_TOML(t *testing.T) {
	t.Setenv("SAFETY_BIN", "honeypot-mcp")
	path := writeTempConfig(t, "config.toml", `
[[providers]]
name = "market"
command = "npx -y dexscreener-mcp"
required = true

[[providers]]
name = "safety"
command = "${SAFETY_BIN} --stdio"

[engine]
marketProvider = "market"
safetyProvider = "safety"
safetyCap = 4
fetchTimeout = "5s"
`)

	cfg, err := NewLoader(nil).Load(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, cfg.Providers, 2)
	require.True(t, cfg.Providers[0].Required)
	require.Equal(t, "honeypot-mcp --stdio", cfg.Providers[1].Command)
	require.Equal(t, 4, cfg.Engine.SafetyCap)
	require.Equal(t, 5*time.Second, cfg.Engine.FetchTimeout)
}

func TestLoader_ValidationAggregates(t *testing.T) {
	path := writeTempConfig(t, "config.yaml", `
providers:
  - name: market
    command: ""
  - name: market
    command: npx server
  - name: bad.name
    command: "unterminated 'quote"
runtime:
  maxFrameBytes: 1024
engine:
  safetyProvider: nope
  concurrency: 0
logging:
  level: loud
`)

	_, err := NewLoader(nil).Load(context.Background(), path)
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"providers[0]: command:",
		`providers[1]: duplicate name "market"`,
		`providers[2]: name "bad.name"`,
		"providers[2]: command:",
		"runtime.maxFrameBytes must be >=",
		`engine.safetyProvider "nope" is not an enabled provider`,
		"engine.concurrency must be >= 1",
		"logging.level:",
	} {
		require.Contains(t, msg, want)
	}
}

func TestLoader_RejectsEmptyAndMissing(t *testing.T) {
	loader := NewLoader(nil)

	_, err := loader.Load(context.Background(), "")
	require.Error(t, err)

	_, err = loader.Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")

	_, err = loader.Load(context.Background(), writeTempConfig(t, "empty.yaml", ""))
	require.ErrorContains(t, err, "at least one enabled provider is required")

	_, err = loader.Load(context.Background(), writeTempConfig(t, "disabled.yaml", `
providers:
  - name: market
    command: npx server
    disabled: true
`))
	require.ErrorContains(t, err, "at least one enabled provider is required")
}

func TestLoader_OneProviderMayServeBothRoles(t *testing.T) {
	path := writeTempConfig(t, "config.yaml", `
providers:
  - name: combined
    command: base-mcp --stdio
engine:
  marketProvider: combined
  safetyProvider: combined
`)

	cfg, err := NewLoader(nil).Load(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, cfg.Providers, 1)
	require.Equal(t, cfg.Engine.MarketProvider, cfg.Engine.SafetyProvider)
}

func TestFormatForPath(t *testing.T) {
	require.Equal(t, FormatTOML, FormatForPath("conf/basebot.TOML"))
	require.Equal(t, FormatYAML, FormatForPath("basebot.yaml"))
	require.Equal(t, FormatYAML, FormatForPath("basebot.json"))
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("BASEBOT_TEST_A=from-file\nBASEBOT_TEST_B=from-file\n"), 0o600))
	t.Setenv("BASEBOT_TEST_B", "from-env")
	t.Cleanup(func() { _ = os.Unsetenv("BASEBOT_TEST_A") })

	require.NoError(t, LoadEnvFile(path))
	require.Equal(t, "from-file", os.Getenv("BASEBOT_TEST_A"))
	require.Equal(t, "from-env", os.Getenv("BASEBOT_TEST_B"))

	require.Error(t, LoadEnvFile(filepath.Join(dir, "missing.env")))

	t.Chdir(dir)
	require.NoError(t, LoadEnvFile(""))
}
