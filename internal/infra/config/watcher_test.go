package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"basebot/internal/domain"
)

func TestWatcher_ReloadsOnChange(t *testing.T) {
	path := writeTempConfig(t, "config.yaml", `
providers:
  - name: market
    command: npx server
`)
	watcher := NewWatcher(NewLoader(nil), path, nil)
	watcher.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := make(chan domain.Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- watcher.Run(ctx, func(_ context.Context, cfg domain.Config) {
			changes <- cfg
		})
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`
providers:
  - name: market
    command: npx server --verbose
`), 0o600))

	select {
	case cfg := <-changes:
		require.Equal(t, "npx server --verbose", cfg.Providers[0].Command)
	case <-time.After(3 * time.Second):
		t.Fatal("expected a reload")
	}

	// Invalid content is skipped without stopping the watcher.
	require.NoError(t, os.WriteFile(path, []byte("providers: []\n"), 0o600))
	select {
	case cfg := <-changes:
		t.Fatalf("unexpected reload: %+v", cfg)
	case <-time.After(300 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestShouldReloadForPath(t *testing.T) {
	require.True(t, shouldReloadForPath("/etc/basebot/./config.yaml", "/etc/basebot/config.yaml"))
	require.False(t, shouldReloadForPath("/etc/basebot/other.yaml", "/etc/basebot/config.yaml"))
	require.False(t, shouldReloadForPath("", "/etc/basebot/config.yaml"))
}
