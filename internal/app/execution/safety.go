package execution

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/spf13/cast"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"basebot/internal/domain"
	"basebot/internal/infra/retry"
	"basebot/internal/infra/telemetry"
)

const (
	notIndexedReason = "Token not indexed by the safety provider; unable to verify contract safety"
	unverifiedReason = "Contract source code is not verified"
)

var errUnrecognizedVerdict = errors.New("unrecognized safety verdict")

// notFoundMarkers identify provider errors meaning the token is unknown to
// the safety provider rather than unsafe.
var notFoundMarkers = []string{"not found", "not indexed", "no pairs", "no pair found"}

var notFoundStatus = regexp.MustCompile(`\b404\b`)

func (e *Engine) safetyPass(ctx context.Context, logger *zap.Logger, b *batch) {
	if e.cfg.SafetyProvider == "" || e.cfg.SafetyCap == 0 || len(b.candidates) == 0 {
		return
	}
	selected := b.rankedCandidates()
	if len(selected) > e.cfg.SafetyCap {
		selected = selected[:e.cfg.SafetyCap]
	}

	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for _, c := range selected {
		g.Go(func() error {
			verdict := e.checkToken(ctx, logger, b, c)
			e.metrics.ObserveVerdict(verdict.Verdict, verdict.Cached)
			logger.Info("safety verdict",
				telemetry.EventField(telemetry.EventSafetyVerdict),
				telemetry.AddressField(c.Address),
				telemetry.ChainField(c.Chain),
				zap.String(telemetry.FieldVerdict, string(verdict.Verdict)),
				zap.Bool("cached", verdict.Cached),
			)
			b.mu.Lock()
			b.verdicts[strings.ToLower(c.Address)] = verdict
			b.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

// rankedCandidates orders candidates by the liquidity of their best known
// pair, highest first. Ties keep discovery order.
func (b *batch) rankedCandidates() []candidate {
	liquidity := make(map[string]float64, len(b.candidates))
	for _, c := range b.candidates {
		if pair, ok := b.bestPair(c.Address); ok {
			liquidity[c.Address] = pair.LiquidityUSD
		}
	}
	ranked := slices.Clone(b.candidates)
	slices.SortStableFunc(ranked, func(a, c candidate) int {
		return cmp.Compare(liquidity[c.Address], liquidity[a.Address])
	})
	return ranked
}

// checkToken produces a verdict for one candidate. It never fails: provider
// errors become CAUTION or ERROR verdicts.
func (e *Engine) checkToken(ctx context.Context, logger *zap.Logger, b *batch, c candidate) domain.Verdict {
	key := c.key()
	if reason, ok := e.negative.Get(key); ok {
		e.metrics.ObserveCacheLookup("negative", domain.CacheHit)
		return domain.Verdict{Verdict: domain.VerdictCaution, Reason: reason, Cached: true}
	}
	e.metrics.ObserveCacheLookup("negative", domain.CacheMiss)

	pair := e.pairHint(ctx, logger, b, c)
	verdict, err := e.callSafety(ctx, c, pair)
	if err != nil && pair == "" && ctx.Err() == nil {
		if fresh := e.discoverPair(ctx, logger, c); fresh != "" {
			pair = fresh
			verdict, err = e.callSafety(ctx, c, pair)
		}
	}
	if err != nil {
		if isNotIndexed(err) {
			e.negative.Set(key, notIndexedReason)
			logger.Debug("token not indexed",
				telemetry.AddressField(c.Address),
				telemetry.ChainField(c.Chain),
				zap.Error(err),
			)
			return domain.Verdict{Verdict: domain.VerdictCaution, Reason: notIndexedReason, PairAddress: pair}
		}
		logger.Warn("safety check failed",
			telemetry.EventField(telemetry.EventCallFailure),
			telemetry.ProviderField(e.cfg.SafetyProvider),
			telemetry.MethodField(e.cfg.SafetyMethod),
			telemetry.AddressField(c.Address),
			zap.Error(err),
		)
		return domain.Verdict{Verdict: domain.VerdictError, Reason: fmt.Sprintf("Safety check failed: %v", err), PairAddress: pair}
	}
	if verdict.PairAddress == "" {
		verdict.PairAddress = pair
	}
	return verdict
}

// pairHint returns the pair to pass with the safety call: a fresh
// discovery cache entry, then the batch's best pair, then a discovery call.
func (e *Engine) pairHint(ctx context.Context, logger *zap.Logger, b *batch, c candidate) string {
	key := c.key()
	if pair, ok := e.discovery.Get(key); ok {
		e.metrics.ObserveCacheLookup("discovery", domain.CacheHit)
		return pair
	}
	e.metrics.ObserveCacheLookup("discovery", domain.CacheMiss)
	if best, ok := b.bestPair(c.Address); ok {
		e.discovery.Set(key, best.Address)
		return best.Address
	}
	return e.discoverPair(ctx, logger, c)
}

// discoverPair asks the market provider for pairs containing the token and
// caches the most liquid one. An empty result is cached too; a failed call
// is not.
func (e *Engine) discoverPair(ctx context.Context, logger *zap.Logger, c candidate) string {
	if e.cfg.MarketProvider == "" {
		return ""
	}
	value, err := retry.Do(ctx, e.policy(), e.sleep, func(ctx context.Context) (any, error) {
		return e.invoker.Invoke(ctx, e.cfg.MarketProvider, e.cfg.DiscoveryMethod, e.lookupParams(c))
	})
	if err != nil {
		logger.Debug("pair discovery failed",
			telemetry.ProviderField(e.cfg.MarketProvider),
			telemetry.MethodField(e.cfg.DiscoveryMethod),
			telemetry.AddressField(c.Address),
			zap.Error(err),
		)
		return ""
	}
	x := extractValue(value, e.cfg.MarketProvider+"."+e.cfg.DiscoveryMethod)
	pair := ""
	if best, ok := bestPairFor(x.Pairs, c.Address); ok {
		pair = best.Address
	}
	e.discovery.Set(c.key(), pair)
	return pair
}

func (e *Engine) callSafety(ctx context.Context, c candidate, pair string) (domain.Verdict, error) {
	params := e.lookupParams(c)
	if pair != "" {
		params[e.cfg.PairParam] = pair
	}
	return retry.Do(ctx, e.policy(), e.sleep, func(ctx context.Context) (domain.Verdict, error) {
		value, err := e.invoker.Invoke(ctx, e.cfg.SafetyProvider, e.cfg.SafetyMethod, params)
		if err != nil {
			if isNotIndexed(err) || errors.Is(err, domain.ErrInvalidArguments) {
				return domain.Verdict{}, retry.Permanent(err)
			}
			return domain.Verdict{}, err
		}
		verdict, err := parseVerdict(value)
		if err != nil {
			return domain.Verdict{}, retry.Permanent(err)
		}
		return verdict, nil
	})
}

func isNotIndexed(err error) bool {
	if errors.Is(err, domain.ErrFetchTimeout) {
		return true
	}
	msg := strings.ToLower(err.Error())
	if notFoundStatus.MatchString(msg) {
		return true
	}
	for _, marker := range notFoundMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// parseVerdict reads a safety provider result. It accepts an explicit
// verdict string, or a honeypot flag, optionally nested under result or
// data.
func parseVerdict(value any) (domain.Verdict, error) {
	obj := asMap(value)
	if obj == nil {
		return domain.Verdict{}, fmt.Errorf("%w: %T", errUnrecognizedVerdict, value)
	}
	level, ok := verdictLevel(obj)
	if !ok {
		for _, key := range []string{"result", "data"} {
			if nested := asMap(obj[key]); nested != nil {
				if level, ok = verdictLevel(nested); ok {
					obj = nested
					break
				}
			}
		}
	}
	if !ok {
		return domain.Verdict{}, errUnrecognizedVerdict
	}

	verdict := domain.Verdict{
		Verdict:     level,
		Reason:      stringField(obj, "reason", "summary", "message"),
		Reasons:     stringList(obj, "reasons", "flags", "risks"),
		PairAddress: stringField(obj, "pairAddress", "pair"),
	}
	if verdict.Reason == "" && len(verdict.Reasons) > 0 {
		verdict.Reason = strings.Join(verdict.Reasons, "; ")
	}
	if verdict.Verdict == domain.VerdictSafe && sourceUnverified(obj) {
		verdict.Verdict = domain.VerdictCaution
		verdict.Reasons = append(verdict.Reasons, unverifiedReason)
		if verdict.Reason == "" {
			verdict.Reason = unverifiedReason
		} else {
			verdict.Reason += "; " + unverifiedReason
		}
	}
	return verdict, nil
}

func verdictLevel(obj map[string]any) (domain.VerdictLevel, bool) {
	if raw := stringField(obj, "verdict", "recommendation", "status"); raw != "" {
		if level, ok := domain.ParseVerdictLevel(raw); ok {
			return level, true
		}
	}
	if honeypot := asMap(obj["honeypotResult"]); honeypot != nil {
		obj = honeypot
	}
	if raw, ok := obj["isHoneypot"]; ok {
		if cast.ToBool(raw) {
			return domain.VerdictAvoid, true
		}
		return domain.VerdictSafe, true
	}
	return "", false
}

// sourceUnverified reports an explicit signal that the contract source is
// not verified. Missing fields do not count.
func sourceUnverified(obj map[string]any) bool {
	for _, key := range []string{"verified", "sourceVerified", "isOpenSource", "openSource"} {
		if raw, ok := obj[key]; ok && raw != nil && !cast.ToBool(raw) {
			return true
		}
	}
	if code := asMap(obj["contractCode"]); code != nil {
		if raw, ok := code["openSource"]; ok && raw != nil && !cast.ToBool(raw) {
			return true
		}
	}
	return false
}

func stringList(obj map[string]any, keys ...string) []string {
	for _, key := range keys {
		raw, ok := obj[key]
		if !ok || raw == nil {
			continue
		}
		list, err := cast.ToStringSliceE(raw)
		if err != nil {
			continue
		}
		var out []string
		for _, item := range list {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}
