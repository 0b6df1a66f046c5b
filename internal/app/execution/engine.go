// Package execution runs batches of tool invocations and enriches their
// results with market data and token safety verdicts.
package execution

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"basebot/internal/domain"
	"basebot/internal/infra/cache"
	"basebot/internal/infra/registry"
	"basebot/internal/infra/retry"
	"basebot/internal/infra/telemetry"
)

// Invoker dispatches one tool call to a named provider.
type Invoker interface {
	Invoke(ctx context.Context, provider, method string, params map[string]any) (any, error)
}

type Options struct {
	Logger  *zap.Logger
	Metrics domain.Metrics
	Config  domain.EngineConfig
	Clock   cache.Clock
	Sleep   retry.SleepFunc
}

// Engine executes invocation batches. Its discovery and negative caches
// live as long as the Engine and are shared across batches.
type Engine struct {
	invoker Invoker
	cfg     domain.EngineConfig
	logger  *zap.Logger
	metrics domain.Metrics
	clock   cache.Clock
	sleep   retry.SleepFunc

	// discovery maps token|chain to the best known pair address; "" records
	// that discovery found nothing.
	discovery *cache.TTL[string, string]
	// negative maps token|chain to the reason it could not be verified.
	negative *cache.TTL[string, string]
}

func New(invoker Invoker, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	cfg := normalizeConfig(opts.Config)
	return &Engine{
		invoker:   invoker,
		cfg:       cfg,
		logger:    logger.Named("execution"),
		metrics:   metrics,
		clock:     clock,
		sleep:     opts.Sleep,
		discovery: cache.NewTTL[string, string](cache.Options{TTL: cfg.DiscoveryTTL, MaxSize: 4096, Clock: clock}),
		negative:  cache.NewTTL[string, string](cache.Options{TTL: cfg.NegativeTTL, MaxSize: 4096, Clock: clock}),
	}
}

func normalizeConfig(cfg domain.EngineConfig) domain.EngineConfig {
	defaults := domain.DefaultEngineConfig()
	if cfg.LookupMethod == "" {
		cfg.LookupMethod = defaults.LookupMethod
	}
	if cfg.DiscoveryMethod == "" {
		cfg.DiscoveryMethod = defaults.DiscoveryMethod
	}
	if cfg.SafetyMethod == "" {
		cfg.SafetyMethod = defaults.SafetyMethod
	}
	if cfg.AddressParam == "" {
		cfg.AddressParam = defaults.AddressParam
	}
	if cfg.ChainParam == "" {
		cfg.ChainParam = defaults.ChainParam
	}
	if cfg.PairParam == "" {
		cfg.PairParam = defaults.PairParam
	}
	if cfg.DefaultChain == "" {
		cfg.DefaultChain = defaults.DefaultChain
	}
	if cfg.EnrichmentCap < 0 {
		cfg.EnrichmentCap = 0
	}
	if cfg.SafetyCap < 0 {
		cfg.SafetyCap = 0
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaults.FetchTimeout
	}
	if cfg.FetchRetries <= 0 {
		cfg.FetchRetries = defaults.FetchRetries
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaults.RetryBase
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = defaults.RetryMax
	}
	if cfg.DiscoveryTTL <= 0 {
		cfg.DiscoveryTTL = defaults.DiscoveryTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = domain.NegativeTTLFor(cfg.PollInterval)
	}
	return cfg
}

// Config returns the normalized engine configuration.
func (e *Engine) Config() domain.EngineConfig {
	return e.cfg
}

func (e *Engine) policy() retry.Policy {
	return retry.Policy{
		Attempts: e.cfg.FetchRetries,
		Base:     e.cfg.RetryBase,
		Max:      e.cfg.RetryMax,
		Timeout:  e.cfg.FetchTimeout,
	}
}

// candidate is a token address selected for enrichment and safety checks.
type candidate struct {
	Address string
	Chain   string
}

func (c candidate) key() string {
	return strings.ToLower(c.Address) + "|" + strings.ToLower(c.Chain)
}

// batch accumulates state across the passes of one Execute call.
type batch struct {
	id           string
	results      []domain.ExecutionResult
	supplemental []domain.ExecutionResult
	candidates   []candidate
	seen         map[string]int
	pairs        []pairInfo

	mu       sync.Mutex
	verdicts map[string]domain.Verdict
}

func (b *batch) addCandidate(address, chain string) {
	lower := strings.ToLower(address)
	if _, ok := b.seen[lower]; ok {
		return
	}
	b.seen[lower] = len(b.candidates)
	b.candidates = append(b.candidates, candidate{Address: address, Chain: chain})
}

func (b *batch) entries() []*domain.TokenEntry {
	var out []*domain.TokenEntry
	for _, res := range b.results {
		out = append(out, res.Tokens...)
	}
	for _, res := range b.supplemental {
		out = append(out, res.Tokens...)
	}
	return out
}

// bestPair returns the highest-liquidity pair seen in the batch that
// contains address.
func (b *batch) bestPair(address string) (pairInfo, bool) {
	return bestPairFor(b.pairs, address)
}

func bestPairFor(pairs []pairInfo, address string) (pairInfo, bool) {
	var (
		best  pairInfo
		found bool
	)
	for _, pair := range pairs {
		if pair.Address == "" || !pair.contains(address) {
			continue
		}
		if !found || pair.LiquidityUSD > best.LiquidityUSD {
			best = pair
			found = true
		}
	}
	return best, found
}

// Run executes invocations and returns one result per invocation, in order.
func (e *Engine) Run(ctx context.Context, invocations []domain.Invocation) []domain.ExecutionResult {
	return e.Execute(ctx, invocations).Results
}

// Execute runs the primary, enrichment and safety passes. Per-invocation
// failures are recorded in the results; the batch never aborts.
func (e *Engine) Execute(ctx context.Context, invocations []domain.Invocation) domain.Report {
	started := e.clock()
	b := &batch{
		id:       uuid.NewString(),
		seen:     make(map[string]int),
		verdicts: make(map[string]domain.Verdict),
	}
	logger := e.logger.With(telemetry.BatchIDField(b.id))
	logger.Debug("executing batch", zap.Int("invocations", len(invocations)))

	e.primaryPass(ctx, b, invocations)
	e.enrichmentPass(ctx, logger, b)
	e.safetyPass(ctx, logger, b)
	e.applyVerdicts(b)

	report := domain.Report{
		BatchID:      b.id,
		StartedAt:    started,
		Duration:     e.clock().Sub(started),
		Results:      b.results,
		Supplemental: b.supplemental,
	}
	if len(b.verdicts) > 0 {
		report.Verdicts = b.verdicts
	}
	logger.Info("batch executed",
		zap.Int("results", len(report.Results)),
		zap.Int("supplemental", len(report.Supplemental)),
		zap.Int("verdicts", len(report.Verdicts)),
		telemetry.DurationField(report.Duration),
	)
	return report
}

func (e *Engine) primaryPass(ctx context.Context, b *batch, invocations []domain.Invocation) {
	b.results = make([]domain.ExecutionResult, len(invocations))
	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for i, inv := range invocations {
		g.Go(func() error {
			value, err := e.invoker.Invoke(ctx, inv.Provider, inv.Method, inv.Params)
			b.results[i] = domain.ExecutionResult{Invocation: inv, Value: value, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	for i := range b.results {
		res := &b.results[i]
		if res.Err != nil {
			e.logger.Debug("invocation failed",
				telemetry.EventField(telemetry.EventCallFailure),
				telemetry.ProviderField(res.Invocation.Provider),
				telemetry.MethodField(res.Invocation.Method),
				zap.Error(res.Err),
			)
		}
		chain := e.chainFor(res.Invocation.Params)
		for _, address := range extractParamAddresses(res.Invocation.Params, e.cfg.AddressParam) {
			b.addCandidate(address, chain)
		}
		if res.Err != nil {
			continue
		}
		e.absorb(b, res, chain, true)
	}
}

// absorb runs the extractors over a successful result and records its
// entries and pairs. Candidates are only taken from primary results.
func (e *Engine) absorb(b *batch, res *domain.ExecutionResult, chain string, addCandidates bool) {
	source := registry.QualifiedName(res.Invocation.Provider, registry.BareName(res.Invocation.Provider, res.Invocation.Method))
	x := extractValue(res.Value, source)
	res.Tokens = x.Entries
	for _, pair := range x.Pairs {
		if pair.Chain == "" {
			pair.Chain = chain
		}
		b.pairs = append(b.pairs, pair)
	}
	if !addCandidates {
		return
	}
	chains := make(map[string]string, len(x.Entries))
	for _, entry := range x.Entries {
		if entry.Chain != "" {
			chains[strings.ToLower(entry.Address)] = entry.Chain
		}
	}
	for _, address := range x.Candidates {
		candidateChain := chain
		if c, ok := chains[strings.ToLower(address)]; ok {
			candidateChain = c
		}
		b.addCandidate(address, candidateChain)
	}
}

func (e *Engine) chainFor(params map[string]any) string {
	if raw, ok := params[e.cfg.ChainParam]; ok {
		if chain := strings.TrimSpace(cast.ToString(raw)); chain != "" {
			return chain
		}
	}
	return e.cfg.DefaultChain
}

func (e *Engine) lookupParams(c candidate) map[string]any {
	return map[string]any{
		e.cfg.AddressParam: c.Address,
		e.cfg.ChainParam:   c.Chain,
	}
}

func (e *Engine) applyVerdicts(b *batch) {
	if len(b.verdicts) == 0 {
		return
	}
	for _, entry := range b.entries() {
		verdict, ok := b.verdicts[strings.ToLower(entry.Address)]
		if !ok {
			continue
		}
		v := verdict
		entry.Safety = &v
	}
}
