package execution

import (
	"regexp"
	"strings"

	"github.com/spf13/cast"

	"basebot/internal/domain"
)

var evmAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// paramAddressKeys are invocation parameters whose value names a token.
var paramAddressKeys = []string{"tokenAddress", "address", "token"}

// pairInfo is one trading pair observed in a provider result.
type pairInfo struct {
	Address      string
	BaseAddress  string
	QuoteAddress string
	Chain        string
	LiquidityUSD float64
}

func (p pairInfo) contains(address string) bool {
	return strings.EqualFold(p.BaseAddress, address) || strings.EqualFold(p.QuoteAddress, address)
}

// extraction is everything recognized in one result value.
type extraction struct {
	Entries    []*domain.TokenEntry
	Candidates []string
	Pairs      []pairInfo
}

func (x *extraction) addCandidate(address string) {
	address = strings.TrimSpace(address)
	if address == "" {
		return
	}
	x.Candidates = append(x.Candidates, address)
}

// shapeExtractor recognizes one well-known result shape under a key.
type shapeExtractor struct {
	key     string
	extract func(x *extraction, value any, source string)
}

var shapeExtractors = []shapeExtractor{
	{key: "pairs", extract: extractPairList},
	{key: "pair", extract: extractPairObject},
	{key: "tokens", extract: extractTokenList},
	{key: "items", extract: extractItemList},
	{key: "decoded_input", extract: extractDecodedInput},
	{key: "parameters", extract: extractParameters},
}

// extractValue runs every tagged extractor over a result value. Unknown
// shapes contribute nothing.
func extractValue(value any, source string) extraction {
	var x extraction
	switch typed := value.(type) {
	case map[string]any:
		for _, shape := range shapeExtractors {
			if nested, ok := typed[shape.key]; ok && nested != nil {
				shape.extract(&x, nested, source)
			}
		}
	case []any:
		for _, item := range typed {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if _, isPair := obj["baseToken"]; isPair {
				extractPairObject(&x, obj, source)
				continue
			}
			extractItem(&x, obj, source)
		}
	}
	return x
}

// extractParamAddresses returns token addresses passed explicitly in the
// invocation parameters.
func extractParamAddresses(params map[string]any, addressParam string) []string {
	keys := paramAddressKeys
	if addressParam != "" && !containsString(keys, addressParam) {
		keys = append([]string{addressParam}, keys...)
	}
	var out []string
	for _, key := range keys {
		raw, ok := params[key]
		if !ok {
			continue
		}
		if address := strings.TrimSpace(cast.ToString(raw)); address != "" {
			out = append(out, address)
		}
	}
	return out
}

func extractPairList(x *extraction, value any, source string) {
	list, ok := value.([]any)
	if !ok {
		return
	}
	for _, item := range list {
		extractPairObject(x, item, source)
	}
}

func extractPairObject(x *extraction, value any, source string) {
	pair, ok := value.(map[string]any)
	if !ok {
		return
	}
	base := asMap(pair["baseToken"])
	quote := asMap(pair["quoteToken"])
	baseAddress := stringField(base, "address")
	info := pairInfo{
		Address:      stringField(pair, "pairAddress", "address"),
		BaseAddress:  baseAddress,
		QuoteAddress: stringField(quote, "address"),
		Chain:        stringField(pair, "chainId", "chain"),
		LiquidityUSD: liquidityField(pair),
	}
	if info.Address != "" || info.BaseAddress != "" {
		x.Pairs = append(x.Pairs, info)
	}
	if baseAddress == "" {
		return
	}
	x.Entries = append(x.Entries, &domain.TokenEntry{
		Address:      baseAddress,
		Chain:        info.Chain,
		Symbol:       stringField(base, "symbol"),
		Name:         stringField(base, "name"),
		PairAddress:  info.Address,
		LiquidityUSD: info.LiquidityUSD,
		PriceUSD:     numberField(pair, "priceUsd", "price_usd"),
		Source:       source,
	})
	x.addCandidate(baseAddress)
}

func extractTokenList(x *extraction, value any, source string) {
	list, ok := value.([]any)
	if !ok {
		return
	}
	for _, item := range list {
		if obj, ok := item.(map[string]any); ok {
			extractToken(x, obj, source)
		}
	}
}

func extractToken(x *extraction, token map[string]any, source string) {
	address := stringField(token, "address", "tokenAddress", "contractAddress", "token_address")
	if address == "" {
		return
	}
	x.Entries = append(x.Entries, &domain.TokenEntry{
		Address:      address,
		Chain:        stringField(token, "chainId", "chain"),
		Symbol:       stringField(token, "symbol"),
		Name:         stringField(token, "name"),
		PairAddress:  stringField(token, "pairAddress"),
		LiquidityUSD: liquidityField(token),
		PriceUSD:     numberField(token, "priceUsd", "price_usd", "exchange_rate"),
		Source:       source,
	})
	x.addCandidate(address)
}

func extractItemList(x *extraction, value any, source string) {
	list, ok := value.([]any)
	if !ok {
		return
	}
	for _, item := range list {
		if obj, ok := item.(map[string]any); ok {
			extractItem(x, obj, source)
		}
	}
}

// extractItem handles explorer list items: token balances carrying a nested
// token object, transactions carrying decoded input, or bare tokens.
func extractItem(x *extraction, item map[string]any, source string) {
	if token := asMap(item["token"]); token != nil {
		extractToken(x, token, source)
		return
	}
	if decoded, ok := item["decoded_input"]; ok && decoded != nil {
		extractDecodedInput(x, decoded, source)
		return
	}
	if params, ok := item["parameters"]; ok && params != nil {
		extractParameters(x, params, source)
		return
	}
	extractToken(x, item, source)
}

func extractDecodedInput(x *extraction, value any, source string) {
	decoded := asMap(value)
	if decoded == nil {
		return
	}
	if params, ok := decoded["parameters"]; ok {
		extractParameters(x, params, source)
	}
}

// extractParameters collects address-typed transaction parameters. Only
// well-formed 20-byte hex addresses are accepted here.
func extractParameters(x *extraction, value any, _ string) {
	switch typed := value.(type) {
	case []any:
		for _, item := range typed {
			param := asMap(item)
			if param == nil {
				continue
			}
			kind := strings.ToLower(stringField(param, "type"))
			if kind != "" && kind != "address" && kind != "address[]" {
				continue
			}
			collectAddresses(x, param["value"])
		}
	case map[string]any:
		for _, v := range typed {
			collectAddresses(x, v)
		}
	}
}

func collectAddresses(x *extraction, value any) {
	switch typed := value.(type) {
	case string:
		if evmAddressPattern.MatchString(typed) {
			x.addCandidate(typed)
		}
	case []any:
		for _, item := range typed {
			collectAddresses(x, item)
		}
	}
}

func asMap(value any) map[string]any {
	m, _ := value.(map[string]any)
	return m
}

func stringField(m map[string]any, keys ...string) string {
	for _, key := range keys {
		raw, ok := m[key]
		if !ok || raw == nil {
			continue
		}
		if s := strings.TrimSpace(cast.ToString(raw)); s != "" {
			return s
		}
	}
	return ""
}

func numberField(m map[string]any, keys ...string) float64 {
	for _, key := range keys {
		raw, ok := m[key]
		if !ok || raw == nil {
			continue
		}
		if f, err := cast.ToFloat64E(raw); err == nil {
			return f
		}
	}
	return 0
}

// liquidityField reads liquidity as either {"usd": n} or a bare number.
func liquidityField(m map[string]any) float64 {
	if nested := asMap(m["liquidity"]); nested != nil {
		return numberField(nested, "usd")
	}
	return numberField(m, "liquidity", "liquidityUsd", "liquidity_usd")
}

func containsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
