package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"basebot/internal/domain"
	"basebot/internal/infra/mcpcodec"
)

// maxToolPages bounds tools/list pagination against a provider that keeps
// returning a cursor.
const maxToolPages = 64

func (c *Client) handshake(ctx context.Context, sess *session) ([]domain.ToolDescriptor, error) {
	initCtx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	params := &mcp.InitializeParams{
		ProtocolVersion: domain.DefaultProtocolVersion,
		ClientInfo: &mcp.Implementation{
			Name:    domain.ClientName,
			Version: domain.ClientVersion,
		},
		Capabilities: &mcp.ClientCapabilities{},
	}
	raw, err := sess.call(initCtx, methodInitialize, params)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	var result mcp.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode initialize result: %w", err)
	}
	if result.ProtocolVersion != "" && result.ProtocolVersion != domain.DefaultProtocolVersion {
		sess.logger.Debug("provider negotiated a different protocol version",
			zap.String("requested", domain.DefaultProtocolVersion),
			zap.String("negotiated", result.ProtocolVersion),
		)
	}
	if result.ServerInfo != nil {
		sess.logger.Debug("provider initialized",
			zap.String("serverName", result.ServerInfo.Name),
			zap.String("serverVersion", result.ServerInfo.Version),
		)
	}

	if err := sess.notify(methodInitialized, &mcp.InitializedParams{}); err != nil {
		return nil, err
	}

	tools, err := c.listTools(ctx, sess)
	if err != nil {
		return nil, err
	}
	return tools, nil
}

func (c *Client) listTools(ctx context.Context, sess *session) ([]domain.ToolDescriptor, error) {
	listCtx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	var (
		tools  []domain.ToolDescriptor
		cursor string
	)
	for page := 0; page < maxToolPages; page++ {
		params, err := mcpcodec.EncodeListToolsParams(cursor)
		if err != nil {
			return nil, fmt.Errorf("encode tools/list params: %w", err)
		}
		raw, err := sess.call(listCtx, methodToolsList, params)
		if err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}
		batch, next, err := mcpcodec.DecodeToolsPage(c.Name(), raw)
		if err != nil {
			return nil, err
		}
		tools = append(tools, batch...)
		if next == "" || next == cursor {
			return tools, nil
		}
		cursor = next
	}
	sess.logger.Warn("tools/list pagination truncated", zap.Int("pages", maxToolPages))
	return tools, nil
}
