package mcpcodec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"basebot/internal/domain"
)

type wireTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type wireToolsPage struct {
	Tools      []wireTool `json:"tools"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

type wireContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type wireCallResult struct {
	Content           []wireContent   `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

// EncodeListToolsParams builds tools/list params for the given page cursor.
func EncodeListToolsParams(cursor string) (json.RawMessage, error) {
	return json.Marshal(&mcp.ListToolsParams{Cursor: cursor})
}

// DecodeToolsPage decodes one tools/list result page. Tools without a
// name are dropped.
func DecodeToolsPage(provider string, raw json.RawMessage) ([]domain.ToolDescriptor, string, error) {
	var page wireToolsPage
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, "", fmt.Errorf("decode tools/list result: %w", err)
	}
	tools := make([]domain.ToolDescriptor, 0, len(page.Tools))
	for _, tool := range page.Tools {
		if strings.TrimSpace(tool.Name) == "" {
			continue
		}
		tools = append(tools, domain.ToolDescriptor{
			Provider:    provider,
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: cloneRaw(tool.InputSchema),
		})
	}
	return tools, page.NextCursor, nil
}

// EncodeCallParams builds tools/call params.
func EncodeCallParams(name string, arguments map[string]any) (json.RawMessage, error) {
	if arguments == nil {
		arguments = map[string]any{}
	}
	return json.Marshal(&mcp.CallToolParams{Name: name, Arguments: arguments})
}

// UnwrapCallResult turns a tools/call result into a plain value.
//
// An isError result becomes a *domain.ProtocolError carrying the content
// text. structuredContent is returned as-is. Otherwise the first text block
// is JSON-decoded, falling back to {"text": <string>} when it is not JSON.
// A result with no text block decodes to the whole result object.
func UnwrapCallResult(raw json.RawMessage) (any, error) {
	var result wireCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode tools/call result: %w", err)
	}
	if result.IsError {
		msg := joinText(result.Content)
		if msg == "" {
			msg = "tool reported an error"
		}
		return nil, &domain.ProtocolError{Method: "tools/call", Message: msg}
	}
	if len(result.StructuredContent) > 0 && !bytes.Equal(bytes.TrimSpace(result.StructuredContent), []byte("null")) {
		var value any
		if err := json.Unmarshal(result.StructuredContent, &value); err != nil {
			return nil, fmt.Errorf("decode structuredContent: %w", err)
		}
		return value, nil
	}
	for _, block := range result.Content {
		if block.Type != "text" {
			continue
		}
		return DecodeText(block.Text), nil
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("decode tools/call result: %w", err)
	}
	return value, nil
}

// DecodeText JSON-decodes text, wrapping it as {"text": text} when it is
// not a JSON document.
func DecodeText(text string) any {
	trimmed := strings.TrimSpace(text)
	if trimmed != "" {
		var value any
		if err := json.Unmarshal([]byte(trimmed), &value); err == nil {
			return value
		}
	}
	return map[string]any{"text": text}
}

// ProtocolErrorFrom converts a JSON-RPC response error into a *domain.ProtocolError.
func ProtocolErrorFrom(provider, method string, err error) *domain.ProtocolError {
	if err == nil {
		return nil
	}
	var existing *domain.ProtocolError
	if errors.As(err, &existing) {
		out := *existing
		if out.Provider == "" {
			out.Provider = provider
		}
		if out.Method == "" {
			out.Method = method
		}
		return &out
	}
	out := &domain.ProtocolError{Provider: provider, Method: method, Message: err.Error()}
	var wireErr *jsonrpc.Error
	if errors.As(err, &wireErr) {
		out.Code = wireErr.Code
		out.Message = wireErr.Message
		out.Data = cloneRaw(wireErr.Data)
	}
	return out
}

func joinText(content []wireContent) string {
	parts := make([]string, 0, len(content))
	for _, block := range content {
		if block.Type == "text" && strings.TrimSpace(block.Text) != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
