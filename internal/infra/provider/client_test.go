package provider

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"basebot/internal/domain"
	"basebot/internal/infra/provider/providertest"
	"basebot/internal/infra/transport"
)

func newTestClient(t *testing.T, server *providertest.Server, opts Options) (*Client, *providertest.Launcher) {
	t.Helper()
	launcher := &providertest.Launcher{Server: server}
	opts.Launcher = launcher
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	client, err := NewClient(domain.ProviderSpec{Name: "market", Command: "fake-market --stdio"}, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = client.Stop(ctx)
	})
	return client, launcher
}

func TestNewClient_RejectsInvalidCommand(t *testing.T) {
	for _, command := range []string{"", "  ", `node "unterminated`} {
		_, err := NewClient(domain.ProviderSpec{Name: "bad", Command: command}, Options{})
		require.ErrorIs(t, err, domain.ErrInvalidCommand, "command %q", command)
	}
}

func TestClient_StartHandshake(t *testing.T) {
	server := providertest.NewServer()
	client, launcher := newTestClient(t, server, Options{})

	require.NoError(t, client.Start(context.Background()))
	require.Equal(t, domain.ProviderStateReady, client.State())
	require.Equal(t, 1, launcher.Count())

	want := []domain.ToolDescriptor{{
		Provider:    "market",
		Name:        "getPairsByToken",
		Description: "Pairs for a token",
		InputSchema: []byte(`{"type":"object"}`),
	}}
	if diff := cmp.Diff(want, client.Tools()); diff != "" {
		t.Fatalf("tools mismatch (-want +got):\n%s", diff)
	}

	require.Eventually(t, func() bool {
		_, initialized := server.Counts()
		return initialized == 1
	}, time.Second, 5*time.Millisecond)
}

func TestClient_StartIsIdempotent(t *testing.T) {
	server := providertest.NewServer()
	client, launcher := newTestClient(t, server, Options{})

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- client.Start(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.NoError(t, client.Start(context.Background()))

	initCalls, _ := server.Counts()
	require.Equal(t, 1, launcher.Count())
	require.Equal(t, 1, initCalls)
	require.Equal(t, 1, client.Launches())
}

func TestClient_ToolsListPagination(t *testing.T) {
	server := providertest.NewServer()
	server.SetTools(
		map[string]any{"name": "a"},
		map[string]any{"name": "b"},
		map[string]any{"name": "c"},
	)
	server.PageSize = 2
	client, _ := newTestClient(t, server, Options{})

	require.NoError(t, client.Start(context.Background()))
	names := []string{}
	for _, tool := range client.Tools() {
		names = append(names, tool.Name)
	}
	require.Equal(t, []string{"a", "b", "c"}, names)
}

func TestClient_InvokeUnwrapsResults(t *testing.T) {
	server := providertest.NewServer().
		Handle("structured", func(map[string]any) (any, *jsonrpc.Error) {
			return map[string]any{"structuredContent": map[string]any{"pairs": []any{}}}, nil
		}).
		Handle("json", func(args map[string]any) (any, *jsonrpc.Error) {
			return providertest.TextResult(`{"echo":"` + args["tokenAddress"].(string) + `"}`), nil
		}).
		Handle("plain", func(map[string]any) (any, *jsonrpc.Error) {
			return providertest.TextResult("not json"), nil
		})
	client, _ := newTestClient(t, server, Options{})
	ctx := context.Background()

	got, err := client.Invoke(ctx, "structured", nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"pairs": []any{}}, got)

	got, err = client.Invoke(ctx, "json", map[string]any{"tokenAddress": "0xabc"})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"echo": "0xabc"}, got)

	got, err = client.Invoke(ctx, "plain", nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"text": "not json"}, got)
}

func TestClient_InvokeProtocolErrors(t *testing.T) {
	server := providertest.NewServer().
		Handle("flagged", func(map[string]any) (any, *jsonrpc.Error) {
			return map[string]any{"isError": true, "content": []any{map[string]any{"type": "text", "text": "404 not found"}}}, nil
		})
	client, _ := newTestClient(t, server, Options{})
	ctx := context.Background()

	_, err := client.Invoke(ctx, "flagged", nil)
	require.ErrorIs(t, err, domain.ErrProtocol)
	require.Contains(t, err.Error(), "404 not found")
	var perr *domain.ProtocolError
	require.True(t, errors.As(err, &perr))
	require.Equal(t, "market", perr.Provider)
	require.Equal(t, "flagged", perr.Method)

	_, err = client.Invoke(ctx, "missing", nil)
	require.True(t, errors.As(err, &perr))
	require.Equal(t, int64(-32602), perr.Code)
	require.False(t, errors.Is(err, domain.ErrProviderUnavailable))

	require.Equal(t, domain.ProviderStateReady, client.State())
}

func TestClient_OutOfOrderResponses(t *testing.T) {
	release := make(chan struct{})
	server := providertest.NewServer().
		Handle("slow", func(map[string]any) (any, *jsonrpc.Error) {
			<-release
			return providertest.TextResult(`"slow"`), nil
		}).
		Handle("fast", func(map[string]any) (any, *jsonrpc.Error) {
			return providertest.TextResult(`"fast"`), nil
		})
	client, _ := newTestClient(t, server, Options{})
	require.NoError(t, client.Start(context.Background()))

	slowResult := make(chan any, 1)
	go func() {
		value, _ := client.Invoke(context.Background(), "slow", nil)
		slowResult <- value
	}()

	require.Eventually(t, func() bool { return client.Status().Pending == 1 }, time.Second, 5*time.Millisecond)

	fast, err := client.Invoke(context.Background(), "fast", nil)
	require.NoError(t, err)
	require.Equal(t, "fast", fast)

	close(release)
	select {
	case value := <-slowResult:
		require.Equal(t, "slow", value)
	case <-time.After(2 * time.Second):
		t.Fatal("slow call never resolved")
	}
}

func TestClient_ProcessDeathFailsPending(t *testing.T) {
	server := providertest.NewServer().
		Handle("hang", func(map[string]any) (any, *jsonrpc.Error) { return nil, nil }).
		Handle("ok", func(map[string]any) (any, *jsonrpc.Error) { return providertest.TextResult(`{"ok":true}`), nil })
	client, launcher := newTestClient(t, server, Options{})
	require.NoError(t, client.Start(context.Background()))

	const calls = 3
	errs := make(chan error, calls)
	for i := 0; i < calls; i++ {
		go func() {
			_, err := client.Invoke(context.Background(), "hang", nil)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return client.Status().Pending == calls }, time.Second, 5*time.Millisecond)

	launcher.Last().Exit(137)

	for i := 0; i < calls; i++ {
		select {
		case err := <-errs:
			require.ErrorIs(t, err, domain.ErrTransportFailure)
			require.ErrorIs(t, err, domain.ErrProviderUnavailable)
			require.Contains(t, err.Error(), "exit code 137")
		case <-time.After(3 * time.Second):
			t.Fatal("pending call was not resolved")
		}
	}

	require.Eventually(t, func() bool { return client.State() == domain.ProviderStateCrashed }, time.Second, 5*time.Millisecond)
	require.Zero(t, client.Status().Pending)

	got, err := client.Invoke(context.Background(), "ok", nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"ok": true}, got)
	require.Equal(t, 2, launcher.Count())
}

func TestClient_StopFailsPendingAndIsIdempotent(t *testing.T) {
	server := providertest.NewServer().
		Handle("hang", func(map[string]any) (any, *jsonrpc.Error) { return nil, nil })
	client, _ := newTestClient(t, server, Options{})
	require.NoError(t, client.Start(context.Background()))

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Invoke(context.Background(), "hang", nil)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return client.Status().Pending == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, client.Stop(context.Background()))
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, domain.ErrProviderStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was not resolved by stop")
	}

	require.NoError(t, client.Stop(context.Background()))
	require.Equal(t, domain.ProviderStateStopped, client.State())

	_, err := client.Invoke(context.Background(), "hang", nil)
	require.ErrorIs(t, err, domain.ErrProviderStopped)
}

func TestClient_InvokeHonorsContext(t *testing.T) {
	server := providertest.NewServer().
		Handle("hang", func(map[string]any) (any, *jsonrpc.Error) { return nil, nil })
	client, _ := newTestClient(t, server, Options{})
	require.NoError(t, client.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.Invoke(ctx, "hang", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Zero(t, client.Status().Pending)
	require.Equal(t, domain.ProviderStateReady, client.State())
}

func TestClient_AnswersProviderRequests(t *testing.T) {
	server := providertest.NewServer()
	client, _ := newTestClient(t, server, Options{})
	require.NoError(t, client.Start(context.Background()))

	pingID, err := jsonrpc.MakeID("srv-ping")
	require.NoError(t, err)
	otherID, err := jsonrpc.MakeID("srv-sample")
	require.NoError(t, err)
	server.Send(&jsonrpc.Request{ID: pingID, Method: "ping"})
	server.Send(&jsonrpc.Request{ID: otherID, Method: "sampling/createMessage"})

	require.Eventually(t, func() bool { return len(server.Responses()) == 2 }, time.Second, 5*time.Millisecond)

	byID := map[any]*jsonrpc.Response{}
	for _, msg := range server.Responses() {
		resp := msg.(*jsonrpc.Response)
		byID[resp.ID.Raw()] = resp
	}
	require.NoError(t, byID["srv-ping"].Error)
	require.JSONEq(t, `{}`, string(byID["srv-ping"].Result))

	var wireErr *jsonrpc.Error
	require.True(t, errors.As(byID["srv-sample"].Error, &wireErr))
	require.Equal(t, int64(jsonrpc.CodeMethodNotFound), int64(wireErr.Code))
	require.Contains(t, wireErr.Message, "unsupported method")
}

func TestClient_ToolsListChangedRefreshesCatalog(t *testing.T) {
	server := providertest.NewServer()
	client, _ := newTestClient(t, server, Options{})
	require.NoError(t, client.Start(context.Background()))

	server.SetTools(map[string]any{"name": "getPairsByToken"}, map[string]any{"name": "search"})
	server.Send(&jsonrpc.Request{Method: methodToolsChanged})

	require.Eventually(t, func() bool { return len(client.Tools()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestClient_SkipsMalformedFrames(t *testing.T) {
	var server *providertest.Server
	server = providertest.NewServer().
		Handle("noisy", func(map[string]any) (any, *jsonrpc.Error) {
			server.SendRaw("this is not json")
			server.SendRaw("")
			return providertest.TextResult(`{"ok":true}`), nil
		})
	client, _ := newTestClient(t, server, Options{})

	got, err := client.Invoke(context.Background(), "noisy", nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"ok": true}, got)
	require.Equal(t, domain.ProviderStateReady, client.State())
}

func TestClient_OversizedFrameIsSkipped(t *testing.T) {
	var server *providertest.Server
	server = providertest.NewServer().
		Handle("flood", func(map[string]any) (any, *jsonrpc.Error) {
			server.SendRaw(`{"jsonrpc":"2.0","id":"junk","result":{"text":"` + strings.Repeat("x", 2*domain.MinMaxFrameBytes) + `"}}`)
			return providertest.TextResult(`{"ok":true}`), nil
		})
	client, launcher := newTestClient(t, server, Options{MaxFrameBytes: domain.MinMaxFrameBytes})
	require.NoError(t, client.Start(context.Background()))
	first := launcher.Last()

	got, err := client.Invoke(context.Background(), "flood", nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"ok": true}, got)

	require.NoError(t, client.Start(context.Background()))
	require.Equal(t, domain.ProviderStateReady, client.State())
	require.Equal(t, 1, launcher.Count())
	select {
	case <-first.Done():
		t.Fatal("provider process was terminated for an oversized frame")
	default:
	}
}

func TestClient_StdoutClosedTerminatesProcess(t *testing.T) {
	server := providertest.NewServer().
		Handle("hang", func(map[string]any) (any, *jsonrpc.Error) { return nil, nil }).
		Handle("ok", func(map[string]any) (any, *jsonrpc.Error) { return providertest.TextResult(`{"ok":true}`), nil })
	client, launcher := newTestClient(t, server, Options{StopTimeout: 100 * time.Millisecond})
	require.NoError(t, client.Start(context.Background()))
	first := launcher.Last()

	const calls = 2
	errs := make(chan error, calls*2)
	for i := 0; i < calls; i++ {
		go func() {
			_, err := client.Invoke(context.Background(), "hang", nil)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return client.Status().Pending == calls }, time.Second, 5*time.Millisecond)

	first.CloseStdout()

	for i := 0; i < calls; i++ {
		select {
		case err := <-errs:
			require.ErrorIs(t, err, domain.ErrTransportFailure)
			select {
			case <-first.Done():
			default:
				t.Fatal("pending call resolved while the old process was still alive")
			}
		case <-time.After(5 * time.Second):
			t.Fatal("pending call was not resolved")
		}
	}
	require.Eventually(t, func() bool { return client.State() == domain.ProviderStateCrashed }, time.Second, 5*time.Millisecond)
	require.Zero(t, client.Status().Pending)

	got, err := client.Invoke(context.Background(), "ok", nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"ok": true}, got)
	require.Equal(t, 2, launcher.Count())
	require.NotSame(t, first, launcher.Last())

	select {
	case err := <-errs:
		t.Fatalf("pending call resolved twice: %v", err)
	default:
	}
}

func TestClient_HandshakeFailure(t *testing.T) {
	server := providertest.NewServer()
	server.InitError = &jsonrpc.Error{Code: -32603, Message: "boom"}
	client, launcher := newTestClient(t, server, Options{})

	err := client.Start(context.Background())
	require.ErrorIs(t, err, domain.ErrHandshakeFailure)
	require.ErrorIs(t, err, domain.ErrProviderUnavailable)
	require.Equal(t, domain.ProviderStateNotStarted, client.State())

	select {
	case <-launcher.Last().Done():
	case <-time.After(time.Second):
		t.Fatal("process was not torn down after handshake failure")
	}
}

func TestClient_HandshakeTimeout(t *testing.T) {
	server := providertest.NewServer()
	server.SilentInit = true
	client, _ := newTestClient(t, server, Options{HandshakeTimeout: 50 * time.Millisecond})

	err := client.Start(context.Background())
	require.ErrorIs(t, err, domain.ErrHandshakeFailure)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_LaunchErrorIsProviderUnavailable(t *testing.T) {
	launcher := &providertest.Launcher{Server: providertest.NewServer(), LaunchErr: providertest.ErrLaunch}
	client, err := NewClient(domain.ProviderSpec{Name: "market", Command: "fake"}, Options{Launcher: launcher})
	require.NoError(t, err)

	_, err = client.Invoke(context.Background(), "anything", nil)
	require.ErrorIs(t, err, domain.ErrLaunchFailure)
	require.ErrorIs(t, err, domain.ErrProviderUnavailable)
	require.ErrorIs(t, err, providertest.ErrLaunch)
}

func TestClient_PingRequiresReady(t *testing.T) {
	server := providertest.NewServer()
	client, _ := newTestClient(t, server, Options{})

	require.ErrorIs(t, client.Ping(context.Background()), domain.ErrProviderUnavailable)
	require.NoError(t, client.Start(context.Background()))
	require.NoError(t, client.Ping(context.Background()))
}

func TestClient_ImmediateExitIsLaunchFailure(t *testing.T) {
	client, err := NewClient(domain.ProviderSpec{Name: "crashy", Command: `/bin/sh -c "exit 1"`}, Options{
		Launcher: transport.NewCommandLauncher(transport.CommandLauncherOptions{LaunchGrace: 500 * time.Millisecond}),
	})
	require.NoError(t, err)

	err = client.Start(context.Background())
	require.ErrorIs(t, err, domain.ErrLaunchFailure)
	require.ErrorIs(t, err, domain.ErrProviderUnavailable)
	require.Contains(t, err.Error(), "exit code 1")
	require.True(t, client.State().Launchable())

	err = client.Start(context.Background())
	require.ErrorIs(t, err, domain.ErrLaunchFailure)
	require.Equal(t, 2, client.Launches())
}

func TestClient_RealSubprocess(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	client, err := NewClient(domain.ProviderSpec{
		Name: "py",
		Argv: []string{"python3", "-u", "-c", pythonToolServerScript},
	}, Options{Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, client.Stop(ctx))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	got, err := client.Invoke(ctx, "echo", map[string]any{"tokenAddress": "0xabc"})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"tokenAddress": "0xabc"}, got)
	require.Len(t, client.Tools(), 1)
}

const pythonToolServerScript = `import sys, json
def send(msg):
    sys.stdout.write(json.dumps(msg) + "\n")
    sys.stdout.flush()
for line in sys.stdin:
    line = line.strip()
    if not line:
        continue
    msg = json.loads(line)
    if "id" not in msg:
        continue
    method = msg.get("method")
    if method == "initialize":
        send({"jsonrpc": "2.0", "id": msg["id"], "result": {"protocolVersion": "2025-06-18", "capabilities": {}, "serverInfo": {"name": "py", "version": "0"}}})
    elif method == "tools/list":
        send({"jsonrpc": "2.0", "id": msg["id"], "result": {"tools": [{"name": "echo", "inputSchema": {"type": "object"}}]}})
    elif method == "tools/call":
        args = msg["params"].get("arguments", {})
        send({"jsonrpc": "2.0", "id": msg["id"], "result": {"content": [{"type": "text", "text": json.dumps(args)}]}})
    else:
        send({"jsonrpc": "2.0", "id": msg["id"], "error": {"code": -32601, "message": "nope"}})
`
