// Package mcperrors defines the error taxonomy used across the protocol runtime.
//
// The JSON-RPC error codes mirror the ones the MCP core actually emits; everything
// else is a plain wrapped Go error, following the %w idiom used throughout the
// teacher CLI's docker and jsonrpc bridges.
package mcperrors

import (
	"errors"
	"fmt"
)

// JSON-RPC 2.0 error codes this core names. CodeInvalidRequest, CodeMethodNotFound
// and CodeInternalError are emitted; CodeParseError is not, since the session
// drops messages that fail to decode. Upstream pipeline failures may carry other
// codes verbatim; those are not enumerated here.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603
)

// RPCError is a domain error that already carries its own JSON-RPC error shape.
// When a handler returns one, the session uses it verbatim instead of wrapping it
// in -32603.
type RPCError struct {
	Code    int
	Message string
	Data    any
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewRPCError builds an RPCError with the given code and message.
func NewRPCError(code int, message string) *RPCError {
	return &RPCError{Code: code, Message: message}
}

// Sentinel errors for conditions named in the error-handling design that are not
// naturally a specific JSON-RPC code.
var (
	// ErrMalformed is returned by the codec when a payload matches none of the
	// three message shapes.
	ErrMalformed = errors.New("malformed jsonrpc message")

	// ErrSessionNotFound names the condition of POST /message naming an unknown
	// session id. The transport answers that case with HTTP 404 directly and does
	// not return this value.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionClosed is the failure mode for every pending outbound request and
	// every further dispatch once a session has closed.
	ErrSessionClosed = errors.New("session closed")

	// ErrDuplicateTool is returned by AddTool when the name already exists.
	ErrDuplicateTool = errors.New("tool with this name already exists")

	// ErrNilToolSpecification names a nil tool specification. AddTool takes its
	// ToolSpecification by value and does not return this value.
	ErrNilToolSpecification = errors.New("tool specification must not be nil")

	// ErrToolsCapabilityMissing names a server built without the tools
	// capability. AddTool does not check the capability and does not return
	// this value.
	ErrToolsCapabilityMissing = errors.New("server was not configured with tool capabilities")
)

// UpstreamFailure wraps an error from the upstream pipeline call with the
// identifying context §7 requires ("message identifying the upstream failure").
func UpstreamFailure(op string, err error) error {
	return fmt.Errorf("upstream pipeline failure during %s: %w", op, err)
}

// AsRPCError unwraps err looking for an *RPCError, the way the session decides
// whether to use a handler error's own JSON-RPC shape or fall back to -32603.
func AsRPCError(err error) (*RPCError, bool) {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr, true
	}
	return nil, false
}
