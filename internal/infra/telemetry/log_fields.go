package telemetry

import (
	"time"

	"go.uber.org/zap"
)

const (
	FieldEvent      = "event"
	FieldProvider   = "provider"
	FieldMethod     = "method"
	FieldState      = "state"
	FieldDurationMs = "duration_ms"
	FieldLogSource  = "log_source"
	FieldLogStream  = "stream"
	FieldRequestID  = "request_id"
	FieldBatchID    = "batch_id"
	FieldExitCode   = "exit_code"
	FieldPid        = "pid"
	FieldAddress    = "address"
	FieldChain      = "chain"
	FieldVerdict    = "verdict"
)

const (
	EventStartAttempt      = "start_attempt"
	EventStartSuccess      = "start_success"
	EventStartFailure      = "start_failure"
	EventInitializeFailure = "initialize_failure"
	EventCatalogRefresh    = "catalog_refresh"
	EventProviderCrash     = "provider_crash"
	EventMalformedFrame    = "malformed_frame"
	EventStopSuccess       = "stop_success"
	EventStopFailure       = "stop_failure"
	EventCallFailure       = "call_failure"
	EventSafetyVerdict     = "safety_verdict"
	EventConfigReload      = "config_reload"
)

const (
	LogSourceCore       = "core"
	LogSourceDownstream = "downstream"
)

func EventField(event string) zap.Field {
	return zap.String(FieldEvent, event)
}

func ProviderField(provider string) zap.Field {
	return zap.String(FieldProvider, provider)
}

func MethodField(method string) zap.Field {
	return zap.String(FieldMethod, method)
}

func StateField(state string) zap.Field {
	return zap.String(FieldState, state)
}

func DurationField(duration time.Duration) zap.Field {
	return zap.Int64(FieldDurationMs, duration.Milliseconds())
}

func RequestIDField(value string) zap.Field {
	return zap.String(FieldRequestID, value)
}

func BatchIDField(value string) zap.Field {
	return zap.String(FieldBatchID, value)
}

func ExitCodeField(code int) zap.Field {
	return zap.Int(FieldExitCode, code)
}

func AddressField(address string) zap.Field {
	return zap.String(FieldAddress, address)
}

func ChainField(chain string) zap.Field {
	return zap.String(FieldChain, chain)
}
