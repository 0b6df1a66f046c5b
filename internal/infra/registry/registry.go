package registry

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"basebot/internal/domain"
	"basebot/internal/infra/provider"
	"basebot/internal/infra/telemetry"
)

type Options struct {
	Logger   *zap.Logger
	Metrics  domain.Metrics
	Launcher domain.Launcher
	Runtime  domain.RuntimeConfig
}

// Registry holds one provider client per configured, enabled provider.
type Registry struct {
	logger   *zap.Logger
	metrics  domain.Metrics
	launcher domain.Launcher
	runtime  domain.RuntimeConfig
	schemas  *schemaCache

	mu      sync.RWMutex
	order   []string
	clients map[string]*provider.Client
}

func New(specs []domain.ProviderSpec, opts Options) (*Registry, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	r := &Registry{
		logger:   logger.Named("registry"),
		metrics:  metrics,
		launcher: opts.Launcher,
		runtime:  opts.Runtime,
		schemas:  newSchemaCache(),
		clients:  make(map[string]*provider.Client),
	}

	var errs error
	seen := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		if spec.Disabled {
			continue
		}
		if _, ok := seen[spec.Name]; ok {
			errs = multierr.Append(errs, fmt.Errorf("duplicate provider %q", spec.Name))
			continue
		}
		seen[spec.Name] = struct{}{}
		client, err := r.newClient(spec)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		r.order = append(r.order, spec.Name)
		r.clients[spec.Name] = client
	}
	if errs != nil {
		return nil, errs
	}
	if len(r.order) == 0 {
		return nil, errors.New("at least one enabled provider is required")
	}
	return r, nil
}

func (r *Registry) newClient(spec domain.ProviderSpec) (*provider.Client, error) {
	return provider.NewClient(spec, provider.Options{
		Logger:           r.logger,
		Launcher:         r.launcher,
		Metrics:          r.metrics,
		HandshakeTimeout: r.runtime.HandshakeTimeout,
		StopTimeout:      r.runtime.StopTimeout,
		MaxFrameBytes:    r.runtime.MaxFrameBytes,
	})
}

// Providers returns provider names in configuration order.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

func (r *Registry) Client(name string) (*provider.Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[name]
	return client, ok
}

func (r *Registry) snapshot() []*provider.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*provider.Client, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.clients[name])
	}
	return out
}

// StartAll starts every provider concurrently and waits for all of them.
// Only failures of required providers are returned; the rest are logged.
func (r *Registry) StartAll(ctx context.Context) error {
	return r.startClients(ctx, r.snapshot())
}

func (r *Registry) startClients(ctx context.Context, clients []*provider.Client) error {
	errs := make([]error, len(clients))
	var wg sync.WaitGroup
	for i, client := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = client.Start(ctx)
		}()
	}
	wg.Wait()

	var out error
	for i, err := range errs {
		if err == nil {
			continue
		}
		client := clients[i]
		if client.Spec().Required {
			out = multierr.Append(out, fmt.Errorf("start %s: %w", client.Name(), err))
			continue
		}
		r.logger.Warn("optional provider failed to start",
			telemetry.ProviderField(client.Name()),
			zap.Error(err),
		)
	}
	return out
}

// StopAll stops every provider concurrently and aggregates failures.
func (r *Registry) StopAll(ctx context.Context) error {
	return stopClients(ctx, r.snapshot())
}

func stopClients(ctx context.Context, clients []*provider.Client) error {
	errs := make([]error, len(clients))
	var wg sync.WaitGroup
	for i, client := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := client.Stop(ctx); err != nil {
				errs[i] = fmt.Errorf("stop %s: %w", client.Name(), err)
			}
		}()
	}
	wg.Wait()
	return multierr.Combine(errs...)
}

// Catalog returns every provider's tools named provider.method, in
// configuration order and then by tool name.
func (r *Registry) Catalog() []domain.ToolDescriptor {
	var out []domain.ToolDescriptor
	for _, client := range r.snapshot() {
		tools := client.Tools()
		sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
		for _, tool := range tools {
			tool.Provider = client.Name()
			tool.Name = QualifiedName(client.Name(), tool.Name)
			out = append(out, tool)
		}
	}
	return out
}

// Tool finds a tool by provider and bare or qualified method name.
func (r *Registry) Tool(providerName, method string) (domain.ToolDescriptor, error) {
	client, ok := r.Client(providerName)
	if !ok {
		return domain.ToolDescriptor{}, fmt.Errorf("%w: %q", domain.ErrUnknownProvider, providerName)
	}
	method = BareName(providerName, method)
	for _, tool := range client.Tools() {
		if tool.Name == method {
			return tool, nil
		}
	}
	return domain.ToolDescriptor{}, fmt.Errorf("%w: %s", domain.ErrToolNotFound, QualifiedName(providerName, method))
}

// Invoke calls method on the named provider. method may be bare or
// qualified with the provider name.
func (r *Registry) Invoke(ctx context.Context, providerName, method string, params map[string]any) (any, error) {
	client, ok := r.Client(providerName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownProvider, providerName)
	}
	method = BareName(providerName, method)
	if strings.TrimSpace(method) == "" {
		return nil, fmt.Errorf("%w: method is required", domain.ErrInvalidArguments)
	}
	if r.runtime.ValidateArguments {
		if err := r.validate(providerName, method, params); err != nil {
			return nil, err
		}
	}
	return client.Invoke(ctx, method, params)
}

func (r *Registry) validate(providerName, method string, params map[string]any) error {
	tool, err := r.Tool(providerName, method)
	if err != nil {
		// Tools missing from the catalog are passed through to the provider.
		return nil
	}
	if err := r.schemas.validate(tool, params); err != nil {
		if errors.Is(err, errSchemaUnusable) {
			r.logger.Debug("skipping argument validation",
				telemetry.ProviderField(providerName),
				telemetry.MethodField(method),
				zap.Error(err),
			)
			return nil
		}
		return fmt.Errorf("%w: %s: %v", domain.ErrInvalidArguments, QualifiedName(providerName, method), err)
	}
	return nil
}

func (r *Registry) Statuses() []domain.ProviderStatus {
	clients := r.snapshot()
	out := make([]domain.ProviderStatus, 0, len(clients))
	for _, client := range clients {
		out = append(out, client.Status())
	}
	return out
}

// Ready reports whether every required provider is ready.
func (r *Registry) Ready() bool {
	for _, status := range r.Statuses() {
		if status.Required && status.State != domain.ProviderStateReady {
			return false
		}
	}
	return true
}

// Ping pings every ready provider and returns per-provider failures.
func (r *Registry) Ping(ctx context.Context, timeout time.Duration) map[string]error {
	clients := r.snapshot()
	results := make(map[string]error, len(clients))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, client := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pingCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			err := client.Ping(pingCtx)
			mu.Lock()
			results[client.Name()] = err
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

// Reload applies a new provider set: removed providers are stopped, changed
// ones are replaced and added ones are started. Unchanged providers keep
// running untouched.
func (r *Registry) Reload(ctx context.Context, specs []domain.ProviderSpec) error {
	next := make(map[string]domain.ProviderSpec, len(specs))
	var order []string
	for _, spec := range specs {
		if spec.Disabled {
			continue
		}
		if _, ok := next[spec.Name]; ok {
			return fmt.Errorf("duplicate provider %q", spec.Name)
		}
		next[spec.Name] = spec
		order = append(order, spec.Name)
	}
	if len(order) == 0 {
		return errors.New("at least one enabled provider is required")
	}

	r.mu.Lock()
	var (
		stale   []*provider.Client
		started []*provider.Client
		errs    error
	)
	clients := make(map[string]*provider.Client, len(order))
	for _, name := range order {
		spec := next[name]
		current, ok := r.clients[name]
		if ok && specEqual(current.Spec(), spec) {
			clients[name] = current
			continue
		}
		client, err := r.newClient(spec)
		if err != nil {
			errs = multierr.Append(errs, err)
			if ok {
				clients[name] = current
			}
			continue
		}
		if ok {
			stale = append(stale, current)
		}
		clients[name] = client
		started = append(started, client)
	}
	if errs != nil {
		r.mu.Unlock()
		return errs
	}
	for name, client := range r.clients {
		if _, ok := clients[name]; !ok {
			stale = append(stale, client)
		}
	}
	r.clients = clients
	r.order = order
	r.mu.Unlock()

	r.schemas.reset()
	r.logger.Info("providers reloaded",
		telemetry.EventField(telemetry.EventConfigReload),
		zap.Int("stopped", len(stale)),
		zap.Int("started", len(started)),
	)
	return multierr.Combine(stopClients(ctx, stale), r.startClients(ctx, started))
}

func QualifiedName(providerName, method string) string {
	return providerName + "." + method
}

func BareName(providerName, method string) string {
	return strings.TrimPrefix(method, providerName+".")
}

func specEqual(current, next domain.ProviderSpec) bool {
	if len(next.Argv) == 0 {
		// Clients store the parsed argv; compare on the command string instead.
		current.Argv = nil
	}
	return current.Name == next.Name &&
		current.Command == next.Command &&
		slices.Equal(current.Argv, next.Argv) &&
		maps.Equal(current.Env, next.Env) &&
		current.Cwd == next.Cwd &&
		current.Required == next.Required
}
