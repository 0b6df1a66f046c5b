package execution

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"basebot/internal/domain"
	"basebot/internal/infra/retry"
	"basebot/internal/infra/telemetry"
)

// enrichmentPass fetches market data for candidates that no primary result
// priced. Fetches run sequentially; their results land in the supplemental
// list.
func (e *Engine) enrichmentPass(ctx context.Context, logger *zap.Logger, b *batch) {
	if e.cfg.MarketProvider == "" || e.cfg.EnrichmentCap == 0 {
		return
	}
	var pending []candidate
	for _, c := range b.candidates {
		if len(pending) == e.cfg.EnrichmentCap {
			break
		}
		if hasMarketData(b, c.Address) {
			continue
		}
		pending = append(pending, c)
	}

	for _, c := range pending {
		if ctx.Err() != nil {
			return
		}
		inv := domain.Invocation{
			Provider: e.cfg.MarketProvider,
			Method:   e.cfg.LookupMethod,
			Params:   e.lookupParams(c),
		}
		value, err := retry.Do(ctx, e.policy(), e.sleep, func(ctx context.Context) (any, error) {
			return e.invoker.Invoke(ctx, inv.Provider, inv.Method, inv.Params)
		})
		res := domain.ExecutionResult{Invocation: inv, Value: value, Err: err}
		if err != nil {
			logger.Warn("market enrichment failed",
				telemetry.EventField(telemetry.EventCallFailure),
				telemetry.ProviderField(inv.Provider),
				telemetry.MethodField(inv.Method),
				telemetry.AddressField(c.Address),
				zap.Error(err),
			)
		} else {
			e.absorb(b, &res, c.Chain, false)
		}
		b.supplemental = append(b.supplemental, res)
	}
}

// hasMarketData reports whether any result so far carries liquidity or a
// pair for address.
func hasMarketData(b *batch, address string) bool {
	for _, entry := range b.entries() {
		if !strings.EqualFold(entry.Address, address) {
			continue
		}
		if entry.LiquidityUSD > 0 || entry.PairAddress != "" {
			return true
		}
	}
	_, ok := b.bestPair(address)
	return ok
}
