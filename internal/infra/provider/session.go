package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"go.uber.org/zap"

	"basebot/internal/domain"
	"basebot/internal/infra/mcpcodec"
	"basebot/internal/infra/telemetry"
	"basebot/internal/infra/transport"
)

const (
	methodPing            = "ping"
	methodToolsChanged    = "notifications/tools/list_changed"
	methodInitialize      = "initialize"
	methodInitialized     = "notifications/initialized"
	methodToolsList       = "tools/list"
	methodToolsCall       = "tools/call"
	unsupportedMethodText = "unsupported method"
)

type callResult struct {
	resp *jsonrpc.Response
	err  error
}

// session is the protocol state bound to one provider process. A new
// session is created for every launch so a stale reader cannot touch the
// state of its successor.
type session struct {
	client *Client
	proc   domain.Process
	writer *transport.FrameWriter
	logger *zap.Logger

	mu       sync.Mutex
	pending  map[string]chan callResult
	closed   chan struct{}
	closeErr error
	once     sync.Once
	stopping atomic.Bool
	loopDone chan struct{}
}

func newSession(client *Client, proc domain.Process) *session {
	return &session{
		client:   client,
		proc:     proc,
		writer:   transport.NewFrameWriter(proc.Stdin()),
		logger:   client.logger.With(zap.Int(telemetry.FieldPid, proc.Pid())),
		pending:  make(map[string]chan callResult),
		closed:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}
}

func (s *session) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	rawParams, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}
	key := uuid.NewString()
	id, err := jsonrpc.MakeID(key)
	if err != nil {
		return nil, fmt.Errorf("build request id: %w", err)
	}

	resultCh := make(chan callResult, 1)
	s.mu.Lock()
	if s.pending == nil {
		closeErr := s.closeErr
		s.mu.Unlock()
		return nil, closeErr
	}
	s.pending[idKeyString(key)] = resultCh
	s.mu.Unlock()

	if err := s.writer.Write(&jsonrpc.Request{ID: id, Method: method, Params: rawParams}); err != nil {
		s.removePending(idKeyString(key))
		return nil, fmt.Errorf("%w: provider %q: write %s: %v", domain.ErrTransportFailure, s.client.Name(), method, err)
	}

	select {
	case result := <-resultCh:
		if result.err != nil {
			return nil, result.err
		}
		if result.resp.Error != nil {
			return nil, mcpcodec.ProtocolErrorFrom(s.client.Name(), method, result.resp.Error)
		}
		return result.resp.Result, nil
	case <-ctx.Done():
		s.removePending(idKeyString(key))
		return nil, ctx.Err()
	}
}

func (s *session) notify(method string, params any) error {
	rawParams, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}
	if err := s.writer.Write(&jsonrpc.Request{Method: method, Params: rawParams}); err != nil {
		return fmt.Errorf("%w: provider %q: write %s: %v", domain.ErrTransportFailure, s.client.Name(), method, err)
	}
	return nil
}

func (s *session) readLoop(maxFrameBytes int) {
	defer close(s.loopDone)
	reader := transport.NewFrameReader(s.proc.Stdout(), maxFrameBytes)
	for {
		msg, err := reader.Next()
		if err != nil {
			if errors.Is(err, domain.ErrMalformedFrame) {
				s.logger.Warn("skipping malformed frame",
					telemetry.EventField(telemetry.EventMalformedFrame),
					zap.Error(err),
				)
				s.client.metrics.ObserveMalformedFrame(s.client.Name())
				continue
			}
			s.handleStreamClosed(err)
			return
		}
		switch typed := msg.(type) {
		case *jsonrpc.Response:
			s.dispatchResponse(typed)
		case *jsonrpc.Request:
			if typed.ID.IsValid() {
				s.handleProviderCall(typed)
				continue
			}
			s.handleNotification(typed)
		}
	}
}

func (s *session) dispatchResponse(resp *jsonrpc.Response) {
	key, err := idKey(resp.ID)
	if err != nil {
		s.logger.Debug("drop response with invalid id", zap.Error(err))
		return
	}
	s.mu.Lock()
	ch := s.pending[key]
	delete(s.pending, key)
	s.mu.Unlock()
	if ch == nil {
		s.logger.Debug("drop response with no pending call", zap.String("id", key))
		return
	}
	ch <- callResult{resp: resp}
}

func (s *session) handleProviderCall(req *jsonrpc.Request) {
	var resp *jsonrpc.Response
	switch req.Method {
	case methodPing:
		resp = &jsonrpc.Response{ID: req.ID, Result: json.RawMessage(`{}`)}
	default:
		resp = &jsonrpc.Response{ID: req.ID, Error: &jsonrpc.Error{
			Code:    jsonrpc.CodeMethodNotFound,
			Message: fmt.Sprintf("%s: %s", unsupportedMethodText, req.Method),
		}}
	}
	if err := s.writer.Write(resp); err != nil {
		s.logger.Warn("respond to provider call failed", telemetry.MethodField(req.Method), zap.Error(err))
	}
}

func (s *session) handleNotification(req *jsonrpc.Request) {
	switch req.Method {
	case methodToolsChanged:
		go s.client.refreshTools(s)
	default:
		s.logger.Debug("ignoring provider notification", telemetry.MethodField(req.Method))
	}
}

func (s *session) handleStreamClosed(cause error) {
	code := s.waitExitCode(domain.DefaultExitWait)
	if !s.exited() && !s.stopping.Load() {
		// stdout is gone but the process lives; reap it so a relaunch
		// never runs beside it.
		code = s.reap()
	}
	var failure error
	if s.stopping.Load() {
		failure = fmt.Errorf("%w: provider %q", domain.ErrProviderStopped, s.client.Name())
	} else {
		failure = fmt.Errorf("%w: provider %q stream closed (%s): %v",
			domain.ErrTransportFailure, s.client.Name(), exitCodeText(code), cause)
	}
	s.close(failure)
	s.client.sessionEnded(s, code, failure)
}

func (s *session) reap() int {
	grace := s.client.stopTimeout
	ctx, cancel := context.WithTimeout(context.Background(), grace+domain.DefaultExitWait)
	defer cancel()
	if err := s.proc.Terminate(ctx, grace); err != nil {
		s.logger.Warn("terminate provider with closed stdout failed", zap.Error(err))
	}
	_ = s.proc.Stdout().Close()
	if !s.exited() {
		return -1
	}
	return s.proc.ExitCode()
}

// shutdown terminates the process and fails anything still pending.
func (s *session) shutdown(ctx context.Context, grace time.Duration, reason error) error {
	s.stopping.Store(true)
	err := s.proc.Terminate(ctx, grace)
	_ = s.proc.Stdout().Close()
	s.close(reason)
	return err
}

func (s *session) close(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		pending := s.pending
		s.pending = nil
		s.closeErr = err
		s.mu.Unlock()
		close(s.closed)
		for _, ch := range pending {
			ch <- callResult{err: err}
		}
	})
}

func (s *session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *session) exited() bool {
	select {
	case <-s.proc.Done():
		return true
	default:
		return false
	}
}

func (s *session) waitExitCode(wait time.Duration) int {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-s.proc.Done():
		return s.proc.ExitCode()
	case <-timer.C:
		return -1
	}
}

func (s *session) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *session) removePending(key string) {
	s.mu.Lock()
	if s.pending != nil {
		delete(s.pending, key)
	}
	s.mu.Unlock()
}

func marshalParams(params any) (json.RawMessage, error) {
	switch typed := params.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		return typed, nil
	default:
		return json.Marshal(params)
	}
}

func idKeyString(id string) string {
	return "s:" + id
}

func idKey(id jsonrpc.ID) (string, error) {
	if !id.IsValid() {
		return "", errors.New("missing request id")
	}
	raw := id.Raw()
	switch typed := raw.(type) {
	case string:
		return idKeyString(typed), nil
	case float64:
		return fmt.Sprintf("n:%v", typed), nil
	case int64:
		return fmt.Sprintf("n:%v", typed), nil
	case json.Number:
		return "n:" + typed.String(), nil
	default:
		return "", fmt.Errorf("unsupported id type %T", raw)
	}
}

func exitCodeText(code int) string {
	if code < 0 {
		return "exit code unknown"
	}
	return fmt.Sprintf("exit code %d", code)
}
