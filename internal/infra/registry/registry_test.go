package registry

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/stretchr/testify/require"

	"basebot/internal/domain"
	"basebot/internal/infra/provider/providertest"
)

func newTestRegistry(t *testing.T, launcher *providertest.Launcher, runtime domain.RuntimeConfig, specs ...domain.ProviderSpec) *Registry {
	t.Helper()
	reg, err := New(specs, Options{Launcher: launcher, Runtime: runtime})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = reg.StopAll(ctx)
	})
	return reg
}

func marketServer() *providertest.Server {
	server := providertest.NewServer().
		Handle("getPairsByToken", func(args map[string]any) (any, *jsonrpc.Error) {
			return providertest.TextResult(`{"pairs":[]}`), nil
		})
	server.SetTools(
		map[string]any{"name": "search"},
		map[string]any{"name": "getPairsByToken", "inputSchema": map[string]any{
			"type":     "object",
			"required": []any{"tokenAddress"},
			"properties": map[string]any{
				"tokenAddress": map[string]any{"type": "string"},
			},
		}},
	)
	return server
}

func safetyServer() *providertest.Server {
	server := providertest.NewServer().
		Handle("check_token", func(map[string]any) (any, *jsonrpc.Error) {
			return providertest.TextResult(`{"verdict":"SAFE_TO_TRADE","reason":"ok"}`), nil
		})
	server.SetTools(map[string]any{"name": "check_token"})
	return server
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, Options{})
	require.Error(t, err)

	_, err = New([]domain.ProviderSpec{{Name: "a", Command: "x", Disabled: true}}, Options{})
	require.Error(t, err)

	_, err = New([]domain.ProviderSpec{{Name: "a", Command: "x"}, {Name: "a", Command: "y"}}, Options{})
	require.ErrorContains(t, err, "duplicate provider")

	_, err = New([]domain.ProviderSpec{{Name: "a", Command: ""}}, Options{})
	require.ErrorIs(t, err, domain.ErrInvalidCommand)
}

func TestRegistry_StartAllAndCatalog(t *testing.T) {
	launcher := &providertest.Launcher{Servers: map[string]*providertest.Server{
		"market": marketServer(),
		"safety": safetyServer(),
	}}
	reg := newTestRegistry(t, launcher, domain.RuntimeConfig{},
		domain.ProviderSpec{Name: "market", Command: "market", Required: true},
		domain.ProviderSpec{Name: "safety", Command: "safety", Required: true},
		domain.ProviderSpec{Name: "disabled", Command: "nope", Disabled: true},
	)

	require.NoError(t, reg.StartAll(context.Background()))
	require.True(t, reg.Ready())
	require.Equal(t, []string{"market", "safety"}, reg.Providers())

	names := []string{}
	for _, tool := range reg.Catalog() {
		names = append(names, tool.Name)
	}
	want := []string{"market.getPairsByToken", "market.search", "safety.check_token"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("catalog mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistry_StartAllAggregatesRequiredFailures(t *testing.T) {
	bad := providertest.NewServer()
	bad.InitError = &jsonrpc.Error{Code: -32603, Message: "no"}
	launcher := &providertest.Launcher{Servers: map[string]*providertest.Server{
		"market":   marketServer(),
		"optional": bad,
		"safety":   bad,
	}}
	reg := newTestRegistry(t, launcher, domain.RuntimeConfig{},
		domain.ProviderSpec{Name: "market", Command: "market", Required: true},
		domain.ProviderSpec{Name: "optional", Command: "optional"},
		domain.ProviderSpec{Name: "safety", Command: "safety", Required: true},
	)

	err := reg.StartAll(context.Background())
	require.ErrorIs(t, err, domain.ErrHandshakeFailure)
	require.ErrorContains(t, err, "start safety")
	require.NotContains(t, err.Error(), "start optional")
	require.False(t, reg.Ready())

	client, ok := reg.Client("market")
	require.True(t, ok)
	require.Equal(t, domain.ProviderStateReady, client.State())
}

func TestRegistry_InvokeResolvesNames(t *testing.T) {
	launcher := &providertest.Launcher{Servers: map[string]*providertest.Server{"market": marketServer()}}
	reg := newTestRegistry(t, launcher, domain.RuntimeConfig{},
		domain.ProviderSpec{Name: "market", Command: "market"},
	)
	ctx := context.Background()

	got, err := reg.Invoke(ctx, "market", "getPairsByToken", map[string]any{"tokenAddress": "0xabc"})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"pairs": []any{}}, got)

	got, err = reg.Invoke(ctx, "market", "market.getPairsByToken", map[string]any{"tokenAddress": "0xabc"})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"pairs": []any{}}, got)

	_, err = reg.Invoke(ctx, "nope", "getPairsByToken", nil)
	require.ErrorIs(t, err, domain.ErrUnknownProvider)
}

func TestRegistry_ValidatesArguments(t *testing.T) {
	launcher := &providertest.Launcher{Servers: map[string]*providertest.Server{"market": marketServer()}}
	reg := newTestRegistry(t, launcher, domain.RuntimeConfig{ValidateArguments: true},
		domain.ProviderSpec{Name: "market", Command: "market"},
	)
	ctx := context.Background()
	require.NoError(t, reg.StartAll(ctx))

	_, err := reg.Invoke(ctx, "market", "getPairsByToken", map[string]any{})
	require.ErrorIs(t, err, domain.ErrInvalidArguments)

	_, err = reg.Invoke(ctx, "market", "getPairsByToken", map[string]any{"tokenAddress": 42})
	require.ErrorIs(t, err, domain.ErrInvalidArguments)

	_, err = reg.Invoke(ctx, "market", "getPairsByToken", map[string]any{"tokenAddress": "0xabc"})
	require.NoError(t, err)
}

func TestRegistry_Tool(t *testing.T) {
	launcher := &providertest.Launcher{Servers: map[string]*providertest.Server{"market": marketServer()}}
	reg := newTestRegistry(t, launcher, domain.RuntimeConfig{},
		domain.ProviderSpec{Name: "market", Command: "market"},
	)
	require.NoError(t, reg.StartAll(context.Background()))

	tool, err := reg.Tool("market", "market.search")
	require.NoError(t, err)
	require.Equal(t, "search", tool.Name)

	_, err = reg.Tool("market", "missing")
	require.ErrorIs(t, err, domain.ErrToolNotFound)
}

func TestRegistry_StopAll(t *testing.T) {
	launcher := &providertest.Launcher{Servers: map[string]*providertest.Server{
		"market": marketServer(),
		"safety": safetyServer(),
	}}
	reg := newTestRegistry(t, launcher, domain.RuntimeConfig{},
		domain.ProviderSpec{Name: "market", Command: "market"},
		domain.ProviderSpec{Name: "safety", Command: "safety"},
	)
	require.NoError(t, reg.StartAll(context.Background()))
	require.NoError(t, reg.StopAll(context.Background()))

	for _, status := range reg.Statuses() {
		require.Equal(t, domain.ProviderStateStopped, status.State, status.Name)
	}
	_, err := reg.Invoke(context.Background(), "market", "getPairsByToken", nil)
	require.ErrorIs(t, err, domain.ErrProviderStopped)
}

func TestRegistry_Reload(t *testing.T) {
	launcher := &providertest.Launcher{Servers: map[string]*providertest.Server{
		"market": marketServer(),
		"safety": safetyServer(),
		"extra":  safetyServer(),
	}}
	reg := newTestRegistry(t, launcher, domain.RuntimeConfig{},
		domain.ProviderSpec{Name: "market", Command: "market"},
		domain.ProviderSpec{Name: "safety", Command: "safety"},
	)
	ctx := context.Background()
	require.NoError(t, reg.StartAll(ctx))
	market, _ := reg.Client("market")
	oldSafety, _ := reg.Client("safety")

	err := reg.Reload(ctx, []domain.ProviderSpec{
		{Name: "market", Command: "market"},
		{Name: "safety", Command: "safety --verbose"},
		{Name: "extra", Command: "extra"},
	})
	require.NoError(t, err)

	sameMarket, _ := reg.Client("market")
	require.Same(t, market, sameMarket)
	require.Equal(t, domain.ProviderStateStopped, oldSafety.State())

	newSafety, _ := reg.Client("safety")
	require.NotSame(t, oldSafety, newSafety)
	require.Equal(t, domain.ProviderStateReady, newSafety.State())

	extra, ok := reg.Client("extra")
	require.True(t, ok)
	require.Equal(t, domain.ProviderStateReady, extra.State())

	require.NoError(t, reg.Reload(ctx, []domain.ProviderSpec{{Name: "market", Command: "market"}}))
	require.Equal(t, []string{"market"}, reg.Providers())
	require.Equal(t, domain.ProviderStateStopped, extra.State())
}

func TestRegistry_Ping(t *testing.T) {
	launcher := &providertest.Launcher{Servers: map[string]*providertest.Server{"market": marketServer()}}
	reg := newTestRegistry(t, launcher, domain.RuntimeConfig{},
		domain.ProviderSpec{Name: "market", Command: "market"},
	)

	results := reg.Ping(context.Background(), time.Second)
	require.ErrorIs(t, results["market"], domain.ErrProviderUnavailable)

	require.NoError(t, reg.StartAll(context.Background()))
	results = reg.Ping(context.Background(), time.Second)
	require.NoError(t, results["market"])
}
