package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// ProviderSpec describes one configured tool provider.
type ProviderSpec struct {
	Name     string            `json:"name"`
	Command  string            `json:"command"`
	Argv     []string          `json:"argv,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Cwd      string            `json:"cwd,omitempty"`
	Required bool              `json:"required"`
	Disabled bool              `json:"disabled,omitempty"`
}

// ProviderState is the lifecycle state of a tool provider client.
type ProviderState string

const (
	ProviderStateNotStarted   ProviderState = "not_started"
	ProviderStateStarting     ProviderState = "starting"
	ProviderStateInitializing ProviderState = "initializing"
	ProviderStateReady        ProviderState = "ready"
	ProviderStateStopping     ProviderState = "stopping"
	ProviderStateStopped      ProviderState = "stopped"
	// ProviderStateCrashed is reached when the subprocess exits unexpectedly.
	// A later invoke relaunches, exactly as from ProviderStateNotStarted.
	ProviderStateCrashed ProviderState = "crashed"
)

// Launchable reports whether an invoke may (re)launch the provider.
func (s ProviderState) Launchable() bool {
	return s == ProviderStateNotStarted || s == ProviderStateCrashed || s == ""
}

// ToolDescriptor is one tool advertised by a provider.
type ToolDescriptor struct {
	Provider    string          `json:"provider,omitempty"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ProviderStatus summarizes a provider for health reporting.
type ProviderStatus struct {
	Name      string        `json:"name"`
	State     ProviderState `json:"state"`
	Required  bool          `json:"required"`
	ToolCount int           `json:"toolCount"`
	Pending   int           `json:"pending"`
	LastError string        `json:"lastError,omitempty"`
}

// Invocation is one planned tool call.
type Invocation struct {
	Provider string         `json:"provider"`
	Method   string         `json:"method"`
	Params   map[string]any `json:"params,omitempty"`
}

// ExecutionResult is the outcome of running one Invocation.
type ExecutionResult struct {
	Invocation Invocation    `json:"invocation"`
	Value      any           `json:"value,omitempty"`
	Err        error         `json:"-"`
	Tokens     []*TokenEntry `json:"tokens,omitempty"`
}

// OK reports whether the invocation succeeded.
func (r ExecutionResult) OK() bool {
	return r.Err == nil
}

// MarshalJSON renders the error as a string field.
func (r ExecutionResult) MarshalJSON() ([]byte, error) {
	type alias ExecutionResult
	out := struct {
		alias
		Error string `json:"error,omitempty"`
	}{alias: alias(r)}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

// TokenEntry is a token normalized out of a provider result.
type TokenEntry struct {
	Address      string   `json:"address"`
	Chain        string   `json:"chain,omitempty"`
	Symbol       string   `json:"symbol,omitempty"`
	Name         string   `json:"name,omitempty"`
	PairAddress  string   `json:"pairAddress,omitempty"`
	LiquidityUSD float64  `json:"liquidityUsd,omitempty"`
	PriceUSD     float64  `json:"priceUsd,omitempty"`
	Source       string   `json:"source,omitempty"`
	Safety       *Verdict `json:"safety,omitempty"`
}

// VerdictLevel is the safety classification attached to a token.
type VerdictLevel string

const (
	VerdictSafe    VerdictLevel = "SAFE_TO_TRADE"
	VerdictCaution VerdictLevel = "CAUTION"
	VerdictAvoid   VerdictLevel = "DO_NOT_TRADE"
	VerdictError   VerdictLevel = "ERROR"
)

// ParseVerdictLevel normalizes a provider supplied verdict string.
func ParseVerdictLevel(raw string) (VerdictLevel, bool) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	normalized = strings.NewReplacer(" ", "_", "-", "_").Replace(normalized)
	switch normalized {
	case "SAFE_TO_TRADE", "SAFE":
		return VerdictSafe, true
	case "CAUTION", "WARNING", "RISKY":
		return VerdictCaution, true
	case "DO_NOT_TRADE", "UNSAFE", "HONEYPOT", "DANGER":
		return VerdictAvoid, true
	case "ERROR":
		return VerdictError, true
	default:
		return "", false
	}
}

// Verdict is the outcome of a safety check.
type Verdict struct {
	Verdict     VerdictLevel `json:"verdict"`
	Reason      string       `json:"reason"`
	Reasons     []string     `json:"reasons,omitempty"`
	PairAddress string       `json:"pairAddress,omitempty"`
	Cached      bool         `json:"cached,omitempty"`
}

// Report is everything one batch execution produced.
type Report struct {
	BatchID      string             `json:"batchId"`
	StartedAt    time.Time          `json:"startedAt"`
	Duration     time.Duration      `json:"duration"`
	Results      []ExecutionResult  `json:"results"`
	Supplemental []ExecutionResult  `json:"supplemental,omitempty"`
	Verdicts     map[string]Verdict `json:"verdicts,omitempty"`
}
