package session

import (
	"context"
	"encoding/json"

	"go-mcp-usa/internal/mcpschema"
)

// Exchange is the narrow capability handed to each tool handler so it can issue
// server-to-client requests without knowing about Session's internals — the Go
// counterpart of McpAsyncServerExchange.java. It holds no mutable state of its
// own; it is a capability handle, not an identity (§4.5).
type Exchange struct {
	session *Session
}

// ClientCapabilities returns the capabilities the client declared at initialize.
func (e *Exchange) ClientCapabilities() mcpschema.ClientCapabilities {
	e.session.mu.RLock()
	defer e.session.mu.RUnlock()
	return e.session.clientCapabilities
}

// ClientInfo returns the client implementation info declared at initialize.
func (e *Exchange) ClientInfo() mcpschema.Implementation {
	e.session.mu.RLock()
	defer e.session.mu.RUnlock()
	return e.session.clientInfo
}

// ListRoots retrieves a (possibly paginated) list of roots from the client, a
// thin adapter over session.SendRequest("roots/list", ...) exactly as
// McpAsyncServerExchange.listRoots does.
func (e *Exchange) ListRoots(ctx context.Context, cursor *string) (*mcpschema.ListRootsResult, error) {
	raw, err := e.session.SendRequest(ctx, mcpschema.MethodRootsList, mcpschema.PaginatedParams{Cursor: cursor})
	if err != nil {
		return nil, err
	}
	var result mcpschema.ListRootsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SessionID exposes the owning session's id, useful for logging from within a
// handler without the handler needing a Session reference.
func (e *Exchange) SessionID() string {
	return e.session.id
}
