package mcpserver

import (
	"context"
	"encoding/json"

	"go-mcp-usa/internal/mcperrors"
	"go-mcp-usa/internal/mcpschema"
	"go-mcp-usa/internal/session"
)

// handleInitialize is the special initialize handler the session invokes
// directly (§4.3). It never fails the request over an unsupported protocol
// version — negotiation is lenient, per §4.3 and the Open Questions.
func (s *Server) handleInitialize(ctx context.Context, params mcpschema.InitializeParams) (mcpschema.InitializeResult, error) {
	return mcpschema.InitializeResult{
		ProtocolVersion: s.negotiateProtocolVersion(params.ProtocolVersion),
		Capabilities:    s.capabilities(),
		ServerInfo:      s.info,
	}, nil
}

// handlePing always returns a non-null, empty object, per §4.4 and §8's
// invariant ("ping always returns a non-null, empty object regardless of
// params").
func (s *Server) handlePing(ctx context.Context, exchange *session.Exchange, params json.RawMessage) (any, error) {
	return map[string]any{}, nil
}

// handleToolsList merges the locally-registered tools with whatever the
// pipeline reports, local names winning on collision, per §4.4's "locally
// registered tools ... coexist" addition.
func (s *Server) handleToolsList(ctx context.Context, exchange *session.Exchange, params json.RawMessage) (any, error) {
	local := s.registry.snapshot()
	tools := make([]mcpschema.Tool, 0, len(local))
	seen := make(map[string]bool, len(local))
	for _, spec := range local {
		tools = append(tools, spec.Tool)
		seen[spec.Tool.Name] = true
	}

	if s.pipelineClient != nil {
		raw, err := s.pipelineClient.ListTools(ctx, params)
		if err != nil {
			return nil, err
		}
		pipelineTools, err := convertPipelineTools(raw)
		if err != nil {
			return nil, err
		}
		for _, tool := range pipelineTools {
			if !seen[tool.Name] {
				tools = append(tools, tool)
			}
		}
	}

	return mcpschema.ListToolsResult{Tools: tools, NextCursor: nil}, nil
}

// handleToolsCall serves a locally-registered tool by name when one exists;
// any other name is delegated to the pipeline, per §4.4 and §7's "unknown
// tool in tools/call ... delegated to the upstream pipeline".
func (s *Server) handleToolsCall(ctx context.Context, exchange *session.Exchange, params json.RawMessage) (any, error) {
	var callParams mcpschema.CallToolParams
	if err := json.Unmarshal(params, &callParams); err != nil {
		return nil, mcperrors.NewRPCError(mcperrors.CodeInvalidRequest, "invalid tools/call params")
	}

	for _, spec := range s.registry.snapshot() {
		if spec.Tool.Name == callParams.Name {
			return spec.Handler(ctx, exchange, callParams.Arguments)
		}
	}

	if s.pipelineClient == nil {
		return nil, mcperrors.NewRPCError(mcperrors.CodeInvalidRequest, "no pipeline configured to serve unknown tool "+callParams.Name)
	}

	raw, err := s.pipelineClient.CallTool(ctx, callParams.Name, callParams.Arguments)
	if err != nil {
		return nil, err
	}

	return mcpschema.NewCallToolResult([]any{mcpschema.NewTextContent(string(raw))}, false)
}

// handleLoggingSetLevel updates the server's minimum logging level, per
// §4.4. The level is stored on the Server only: nothing reads it to filter
// log output, and it is not echoed back to the client beyond the (empty)
// success response.
func (s *Server) handleLoggingSetLevel(ctx context.Context, exchange *session.Exchange, params json.RawMessage) (any, error) {
	var setLevel mcpschema.SetLevelParams
	if err := json.Unmarshal(params, &setLevel); err != nil {
		return nil, mcperrors.NewRPCError(mcperrors.CodeInvalidRequest, "invalid logging/setLevel params")
	}

	s.levelMu.Lock()
	s.minLevel = setLevel.Level
	s.levelMu.Unlock()

	return map[string]any{}, nil
}

// handleInitializedNotification is a no-op acknowledgement of the client's
// post-handshake notification, per §4.4.
func (s *Server) handleInitializedNotification(ctx context.Context, exchange *session.Exchange, params json.RawMessage) error {
	return nil
}
