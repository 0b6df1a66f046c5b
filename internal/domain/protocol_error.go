package domain

import (
	"encoding/json"
	"fmt"
)

// ProtocolError captures an explicit error returned by a provider, either a
// JSON-RPC error response or a tool result flagged with isError.
type ProtocolError struct {
	Provider string          `json:"provider,omitempty"`
	Method   string          `json:"method,omitempty"`
	Code     int64           `json:"code"`
	Message  string          `json:"message"`
	Data     json.RawMessage `json:"data,omitempty"`
}

func (e *ProtocolError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != 0 {
		return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
	}
	return e.Message
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}
