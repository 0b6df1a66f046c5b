package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"basebot/internal/domain"
	"basebot/internal/infra/mcpcodec"
	"basebot/internal/infra/telemetry"
	"basebot/internal/infra/transport"
)

type Options struct {
	Logger           *zap.Logger
	Launcher         domain.Launcher
	Metrics          domain.Metrics
	HandshakeTimeout time.Duration
	StopTimeout      time.Duration
	MaxFrameBytes    int
}

// Client owns one tool provider subprocess and the JSON-RPC session on its
// standard streams.
type Client struct {
	spec             domain.ProviderSpec
	launcher         domain.Launcher
	metrics          domain.Metrics
	logger           *zap.Logger
	handshakeTimeout time.Duration
	stopTimeout      time.Duration
	maxFrameBytes    int

	// initMu serializes launch, handshake and stop.
	initMu sync.Mutex

	mu       sync.Mutex
	state    domain.ProviderState
	sess     *session
	tools    []domain.ToolDescriptor
	lastErr  error
	launches int
}

// NewClient validates the launch command and returns a client in the
// not_started state.
func NewClient(spec domain.ProviderSpec, opts Options) (*Client, error) {
	argv, err := transport.ResolveArgv(spec)
	if err != nil {
		return nil, err
	}
	spec.Argv = argv

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	launcher := opts.Launcher
	if launcher == nil {
		launcher = transport.NewCommandLauncher(transport.CommandLauncherOptions{Logger: logger})
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	handshakeTimeout := opts.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = domain.DefaultHandshakeTimeout
	}
	stopTimeout := opts.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = domain.DefaultStopTimeout
	}
	maxFrameBytes := opts.MaxFrameBytes
	if maxFrameBytes <= 0 {
		maxFrameBytes = domain.DefaultMaxFrameBytes
	}

	return &Client{
		spec:             spec,
		launcher:         launcher,
		metrics:          metrics,
		logger:           logger.Named("provider").With(telemetry.ProviderField(spec.Name)),
		handshakeTimeout: handshakeTimeout,
		stopTimeout:      stopTimeout,
		maxFrameBytes:    maxFrameBytes,
		state:            domain.ProviderStateNotStarted,
	}, nil
}

func (c *Client) Name() string {
	return c.spec.Name
}

func (c *Client) Spec() domain.ProviderSpec {
	return c.spec
}

func (c *Client) State() domain.ProviderState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Tools returns a copy of the catalog fetched during the last handshake.
func (c *Client) Tools() []domain.ToolDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.ToolDescriptor, len(c.tools))
	copy(out, c.tools)
	return out
}

// Launches reports how many subprocesses this client has spawned.
func (c *Client) Launches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.launches
}

func (c *Client) Status() domain.ProviderStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := domain.ProviderStatus{
		Name:      c.spec.Name,
		State:     c.state,
		Required:  c.spec.Required,
		ToolCount: len(c.tools),
	}
	if c.sess != nil {
		status.Pending = c.sess.pendingCount()
	}
	if c.lastErr != nil {
		status.LastError = c.lastErr.Error()
	}
	return status
}

// Start launches the provider and completes the handshake. It is a no-op
// when the client is already ready.
func (c *Client) Start(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	if c.readySession() != nil {
		return nil
	}
	return c.startLocked(ctx)
}

func (c *Client) startLocked(ctx context.Context) error {
	c.mu.Lock()
	c.state = domain.ProviderStateStarting
	c.launches++
	c.mu.Unlock()

	started := time.Now()
	c.logger.Info("provider start attempt", telemetry.EventField(telemetry.EventStartAttempt))

	proc, err := c.launcher.Launch(ctx, c.spec)
	if err != nil {
		if !errors.Is(err, domain.ErrProviderUnavailable) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: provider %q: %w", domain.ErrLaunchFailure, c.spec.Name, err)
		}
		return c.startFailed(started, err)
	}

	sess := newSession(c, proc)
	c.mu.Lock()
	c.sess = sess
	c.state = domain.ProviderStateInitializing
	c.mu.Unlock()
	go sess.readLoop(c.maxFrameBytes)

	tools, err := c.handshake(ctx, sess)
	if err != nil {
		c.detach(sess)
		exited := sess.exited()
		_ = sess.shutdown(context.Background(), c.stopTimeout, domain.ErrHandshakeFailure)
		if exited {
			err = fmt.Errorf("%w: provider %q exited during handshake (%s): %w",
				domain.ErrLaunchFailure, c.spec.Name, exitCodeText(proc.ExitCode()), err)
		} else {
			err = fmt.Errorf("%w: provider %q: %w", domain.ErrHandshakeFailure, c.spec.Name, err)
		}
		c.logger.Error("provider initialize failed",
			telemetry.EventField(telemetry.EventInitializeFailure),
			telemetry.DurationField(time.Since(started)),
			zap.Error(err),
		)
		return c.startFailed(started, err)
	}

	c.mu.Lock()
	if c.sess != sess || sess.isClosed() {
		c.mu.Unlock()
		err := fmt.Errorf("%w: provider %q exited after handshake (%s)",
			domain.ErrLaunchFailure, c.spec.Name, exitCodeText(sess.waitExitCode(domain.DefaultExitWait)))
		return c.startFailed(started, err)
	}
	c.tools = tools
	c.state = domain.ProviderStateReady
	c.lastErr = nil
	c.mu.Unlock()

	c.metrics.ObserveProviderStart(c.spec.Name, time.Since(started), nil)
	c.metrics.SetProviderReady(c.spec.Name, true)
	c.logger.Info("provider started",
		telemetry.EventField(telemetry.EventStartSuccess),
		telemetry.StateField(string(domain.ProviderStateReady)),
		telemetry.DurationField(time.Since(started)),
		zap.Int("tools", len(tools)),
	)
	return nil
}

func (c *Client) startFailed(started time.Time, err error) error {
	c.mu.Lock()
	c.state = domain.ProviderStateNotStarted
	c.lastErr = err
	c.mu.Unlock()
	c.metrics.ObserveProviderStart(c.spec.Name, time.Since(started), err)
	c.metrics.SetProviderReady(c.spec.Name, false)
	c.logger.Error("provider start failed",
		telemetry.EventField(telemetry.EventStartFailure),
		telemetry.DurationField(time.Since(started)),
		zap.Error(err),
	)
	return err
}

// Invoke calls a tool on the provider, launching it first when needed.
// Only ctx bounds the wait for the response.
func (c *Client) Invoke(ctx context.Context, method string, params map[string]any) (any, error) {
	sess, err := c.ensureStarted(ctx)
	if err != nil {
		return nil, err
	}
	if sess.exited() {
		return nil, fmt.Errorf("%w: provider %q has exited (%s)",
			domain.ErrTransportFailure, c.spec.Name, exitCodeText(sess.proc.ExitCode()))
	}

	rawParams, err := mcpcodec.EncodeCallParams(method, params)
	if err != nil {
		return nil, fmt.Errorf("encode tools/call params: %w", err)
	}

	started := time.Now()
	raw, err := sess.call(ctx, methodToolsCall, rawParams)
	var value any
	if err == nil {
		value, err = mcpcodec.UnwrapCallResult(raw)
	}
	var perr *domain.ProtocolError
	if errors.As(err, &perr) {
		perr.Provider = c.spec.Name
		perr.Method = method
	}
	c.metrics.ObserveCall(domain.CallMetric{
		Provider: c.spec.Name,
		Method:   method,
		Status:   domain.StatusFor(err),
		Duration: time.Since(started),
	})
	if err != nil {
		c.logger.Debug("provider call failed",
			telemetry.EventField(telemetry.EventCallFailure),
			telemetry.MethodField(method),
			telemetry.DurationField(time.Since(started)),
			zap.Error(err),
		)
		return nil, err
	}
	return value, nil
}

// Ping checks that a ready provider still answers, without launching it.
func (c *Client) Ping(ctx context.Context) error {
	sess := c.readySession()
	if sess == nil {
		return fmt.Errorf("%w: provider %q is %s", domain.ErrProviderUnavailable, c.spec.Name, c.State())
	}
	_, err := sess.call(ctx, methodPing, nil)
	return err
}

func (c *Client) ensureStarted(ctx context.Context) (*session, error) {
	if sess := c.readySession(); sess != nil {
		return sess, nil
	}
	c.initMu.Lock()
	defer c.initMu.Unlock()
	if sess := c.readySession(); sess != nil {
		return sess, nil
	}
	state := c.State()
	if state == domain.ProviderStateStopped || state == domain.ProviderStateStopping {
		return nil, fmt.Errorf("%w: %q", domain.ErrProviderStopped, c.spec.Name)
	}
	if err := c.startLocked(ctx); err != nil {
		return nil, err
	}
	if sess := c.readySession(); sess != nil {
		return sess, nil
	}
	return nil, fmt.Errorf("%w: provider %q is not ready", domain.ErrTransportFailure, c.spec.Name)
}

func (c *Client) readySession() *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != domain.ProviderStateReady || c.sess == nil || c.sess.isClosed() {
		return nil
	}
	return c.sess
}

// Stop terminates the subprocess and fails every pending request with
// domain.ErrProviderStopped. Stopping a stopped client is a no-op.
func (c *Client) Stop(ctx context.Context) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	c.mu.Lock()
	if c.state == domain.ProviderStateStopped {
		c.mu.Unlock()
		return nil
	}
	sess := c.sess
	c.sess = nil
	c.state = domain.ProviderStateStopping
	c.mu.Unlock()

	started := time.Now()
	var err error
	if sess != nil {
		err = sess.shutdown(ctx, c.stopTimeout, fmt.Errorf("%w: %q", domain.ErrProviderStopped, c.spec.Name))
	}

	c.mu.Lock()
	c.state = domain.ProviderStateStopped
	c.mu.Unlock()
	c.metrics.SetProviderReady(c.spec.Name, false)

	if err != nil {
		c.logger.Warn("provider stop failed",
			telemetry.EventField(telemetry.EventStopFailure),
			telemetry.DurationField(time.Since(started)),
			zap.Error(err),
		)
		return err
	}
	c.logger.Info("provider stopped",
		telemetry.EventField(telemetry.EventStopSuccess),
		telemetry.DurationField(time.Since(started)),
	)
	return nil
}

// detach forgets sess so its reader does not report a crash.
func (c *Client) detach(sess *session) {
	c.mu.Lock()
	if c.sess == sess {
		c.sess = nil
	}
	c.mu.Unlock()
}

func (c *Client) sessionEnded(sess *session, code int, cause error) {
	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	if c.state == domain.ProviderStateStopping || c.state == domain.ProviderStateStopped {
		c.mu.Unlock()
		return
	}
	c.state = domain.ProviderStateCrashed
	c.lastErr = cause
	c.mu.Unlock()

	c.metrics.ObserveProviderCrash(c.spec.Name)
	c.metrics.SetProviderReady(c.spec.Name, false)
	c.logger.Warn("provider exited unexpectedly",
		telemetry.EventField(telemetry.EventProviderCrash),
		telemetry.ExitCodeField(code),
		zap.Error(cause),
	)
}

func (c *Client) refreshTools(sess *session) {
	ctx, cancel := context.WithTimeout(context.Background(), c.handshakeTimeout)
	defer cancel()

	tools, err := c.listTools(ctx, sess)
	if err != nil {
		c.logger.Warn("tool catalog refresh failed", telemetry.EventField(telemetry.EventCatalogRefresh), zap.Error(err))
		return
	}
	c.mu.Lock()
	if c.sess == sess {
		c.tools = tools
	}
	c.mu.Unlock()
	c.logger.Info("tool catalog refreshed", telemetry.EventField(telemetry.EventCatalogRefresh), zap.Int("tools", len(tools)))
}
