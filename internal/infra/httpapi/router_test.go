package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"basebot/internal/domain"
	"basebot/internal/infra/journal"
)

type fakeBackend struct {
	ready      bool
	tools      []domain.ToolDescriptor
	runErr     error
	historyErr error
	records    []journal.Record
	got        []domain.Invocation
	limit      int
}

func (f *fakeBackend) Ready() bool { return f.ready }

func (f *fakeBackend) Statuses() []domain.ProviderStatus {
	state := domain.ProviderStateReady
	if !f.ready {
		state = domain.ProviderStateCrashed
	}
	return []domain.ProviderStatus{{Name: "market", State: state, Required: true}}
}

func (f *fakeBackend) Catalog() []domain.ToolDescriptor { return f.tools }

func (f *fakeBackend) Execute(_ context.Context, invocations []domain.Invocation) (domain.Report, error) {
	f.got = invocations
	if f.runErr != nil {
		return domain.Report{}, f.runErr
	}
	results := make([]domain.ExecutionResult, len(invocations))
	for i, inv := range invocations {
		results[i] = domain.ExecutionResult{Invocation: inv, Value: map[string]any{"ok": true}}
	}
	return domain.Report{BatchID: "batch-1", Results: results}, nil
}

func (f *fakeBackend) History(limit int) ([]journal.Record, error) {
	f.limit = limit
	return f.records, f.historyErr
}

func do(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestRouter_Health(t *testing.T) {
	backend := &fakeBackend{ready: true}
	router := NewRouter(Options{Backend: backend})

	rr := do(t, router, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var report HealthReport
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	require.Equal(t, "ok", report.Status)
	require.Len(t, report.Providers, 1)

	backend.ready = false
	rr = do(t, router, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Contains(t, rr.Body.String(), `"degraded"`)
}

func TestRouter_Metrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "basebot_test_total", Help: "test"})
	registry.MustRegister(counter)
	counter.Inc()
	router := NewRouter(Options{Backend: &fakeBackend{}, Gatherer: registry})

	rr := do(t, router, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "basebot_test_total 1")
}

func TestRouter_Catalog(t *testing.T) {
	router := NewRouter(Options{Backend: &fakeBackend{tools: []domain.ToolDescriptor{{Provider: "market", Name: "market.search"}}}})
	rr := do(t, router, http.MethodGet, "/v1/catalog", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"tools":[{"provider":"market","name":"market.search"}]}`, rr.Body.String())

	router = NewRouter(Options{Backend: &fakeBackend{}})
	rr = do(t, router, http.MethodGet, "/v1/catalog", "")
	require.JSONEq(t, `{"tools":[]}`, rr.Body.String())
}

func TestRouter_Run(t *testing.T) {
	backend := &fakeBackend{ready: true}
	router := NewRouter(Options{Backend: backend})

	rr := do(t, router, http.MethodPost, "/v1/run", `{"invocations":[{"provider":"market","method":"getPairsByToken","params":{"tokenAddress":"0xabc"}}]}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Len(t, backend.got, 1)
	require.Equal(t, "0xabc", backend.got[0].Params["tokenAddress"])
	var report map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	require.Equal(t, "batch-1", report["batchId"])
}

func TestRouter_RunErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		runErr error
		status int
		code   domain.ErrorCode
	}{
		{name: "malformed", body: `{`, status: http.StatusBadRequest, code: domain.CodeInvalidArgument},
		{name: "unknown field", body: `{"calls":[]}`, status: http.StatusBadRequest, code: domain.CodeInvalidArgument},
		{name: "empty", body: `{"invocations":[]}`, status: http.StatusBadRequest, code: domain.CodeInvalidArgument},
		{name: "missing method", body: `{"invocations":[{"provider":"market"}]}`, status: http.StatusBadRequest, code: domain.CodeInvalidArgument},
		{
			name:   "unavailable",
			body:   `{"invocations":[{"provider":"market","method":"m"}]}`,
			runErr: fmt.Errorf("start market: %w", domain.ErrLaunchFailure),
			status: http.StatusServiceUnavailable,
			code:   domain.CodeUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewRouter(Options{Backend: &fakeBackend{runErr: tt.runErr}})
			rr := do(t, router, http.MethodPost, "/v1/run", tt.body)
			require.Equal(t, tt.status, rr.Code, rr.Body.String())
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			require.Equal(t, tt.code, resp.Code)
		})
	}
}

func TestRouter_History(t *testing.T) {
	backend := &fakeBackend{records: []journal.Record{{Seq: 2, BatchID: "b2"}}}
	router := NewRouter(Options{Backend: backend})

	rr := do(t, router, http.MethodGet, "/v1/history?limit=5", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 5, backend.limit)
	require.Contains(t, rr.Body.String(), `"batchId":"b2"`)

	rr = do(t, router, http.MethodGet, "/v1/history?limit=-1", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)

	router = NewRouter(Options{Backend: &fakeBackend{historyErr: ErrHistoryDisabled}})
	rr = do(t, router, http.MethodGet, "/v1/history", "")
	require.Equal(t, http.StatusConflict, rr.Code)
}

func TestServeListener_GracefulShutdown(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skip test due to listen error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() {
		errChan <- ServeListener(ctx, listener, NewRouter(Options{Backend: &fakeBackend{ready: true}}), nil)
	}()

	url := fmt.Sprintf("http://%s/healthz", listener.Addr().String())
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errChan:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop in time")
	}
}

func TestServe_AddressInUse(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skip test due to listen error: %v", err)
	}
	defer listener.Close()

	err = Serve(context.Background(), listener.Addr().String(), http.NotFoundHandler(), nil)
	require.ErrorContains(t, err, "http api failed to start")
}
