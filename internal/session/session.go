// Package session implements one per-connection JSON-RPC state machine: the
// correlation table for outstanding server-to-client requests, the ordered send
// queue to the client's SSE stream, and the initialize/operational/closed
// lifecycle (§3, §4.3).
//
// The multiplexer shape — a single writer goroutine draining a channel to keep
// frame writes ordered and out of the hot inbound path — follows the teacher
// CLI's own jsonrpc.StdioClient (jsonrpc/client.go), generalized from a stdio
// pipe to an HTTP/SSE sink and from a client's perspective to a server's.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"go-mcp-usa/internal/jsonrpc"
	"go-mcp-usa/internal/mcperrors"
	"go-mcp-usa/internal/mcpschema"
)

// State is the session lifecycle described in §3: Created → Initialized → Closed.
type State int32

const (
	StateCreated State = iota
	StateInitialized
	StateClosed
)

// Sink is the outbound frame destination a Session writes onto — normally an SSE
// stream owned by the transport. Send must be safe to call from the session's
// single writer goroutine only; the Session itself guarantees that.
type Sink interface {
	Send(frame []byte) error
}

// InitializeHandler is supplied by the server facade. On success it returns the
// negotiated result and the session transitions Created → Initialized.
type InitializeHandler func(ctx context.Context, params mcpschema.InitializeParams) (mcpschema.InitializeResult, error)

// RequestHandler answers a JSON-RPC request. The returned value is marshaled as
// the response's result; a returned error becomes the response's error, using
// the error's own JSON-RPC shape if it is (or wraps) an *mcperrors.RPCError, or
// -32603 otherwise.
type RequestHandler func(ctx context.Context, exchange *Exchange, params json.RawMessage) (any, error)

// NotificationHandler reacts to a JSON-RPC notification. Notifications never
// produce a reply; a returned error is logged, not surfaced.
type NotificationHandler func(ctx context.Context, exchange *Exchange, params json.RawMessage) error

type pendingCall struct {
	resultCh chan pendingResult
}

type pendingResult struct {
	result json.RawMessage
	err    *jsonrpc.Error
}

// Session is one connected client: one SSE stream and its associated state.
type Session struct {
	id     string
	sink   Sink
	logger *slog.Logger

	initializeHandler    InitializeHandler
	requestHandlers      map[string]RequestHandler
	notificationHandlers map[string]NotificationHandler

	state int32 // atomic, holds a State

	mu                 sync.RWMutex
	clientCapabilities mcpschema.ClientCapabilities
	clientInfo         mcpschema.Implementation

	pendingMu sync.Mutex
	pending   map[string]pendingCall

	sendMu sync.RWMutex
	closed bool
	sendCh chan []byte
	doneCh chan struct{}

	closeOnce sync.Once
	exchange  *Exchange
}

// New constructs a Session bound to sink, with the given shared handler tables
// (owned by the server facade, read-only from the session's perspective) and the
// special initialize handler. The returned Session has an id that is a fresh
// UUID, per §3.
func New(sink Sink, logger *slog.Logger, initializeHandler InitializeHandler, requestHandlers map[string]RequestHandler, notificationHandlers map[string]NotificationHandler) *Session {
	s := &Session{
		id:                   uuid.New().String(),
		sink:                 sink,
		logger:               logger,
		initializeHandler:    initializeHandler,
		requestHandlers:      requestHandlers,
		notificationHandlers: notificationHandlers,
		pending:              make(map[string]pendingCall),
		sendCh:               make(chan []byte, 64),
		doneCh:               make(chan struct{}),
	}
	s.exchange = &Exchange{session: s}
	go s.writeLoop()
	return s
}

// ID returns the session's opaque identifier, as used in the /message?sessionId=
// query parameter.
func (s *Session) ID() string { return s.id }

func (s *Session) currentState() State { return State(atomic.LoadInt32(&s.state)) }

func storeState(addr *int32, state State) { atomic.StoreInt32(addr, int32(state)) }

// Dispatch routes one inbound message per §4.3's routing rules. It returns
// promptly: request handlers run in their own goroutine so the HTTP layer never
// blocks waiting for one to finish (§4.2, §5). Once the session has closed,
// Dispatch drops every message.
func (s *Session) Dispatch(ctx context.Context, raw []byte) {
	if s.currentState() == StateClosed {
		return
	}
	msg, err := jsonrpc.Decode(raw)
	if err != nil {
		s.logger.Warn("dropping malformed message", "session", s.id, "error", err)
		return
	}

	switch msg.Kind() {
	case jsonrpc.Request:
		go s.handleRequest(ctx, msg)
	case jsonrpc.Notification:
		go s.handleNotification(ctx, msg)
	case jsonrpc.Response:
		s.handleResponse(msg)
	}
}

func (s *Session) handleRequest(ctx context.Context, msg jsonrpc.Message) {
	if msg.Method == mcpschema.MethodInitialize {
		s.handleInitialize(ctx, msg)
		return
	}

	// §3's invariant: no request may be dispatched to a handler other than
	// initialize or ping before the session is Initialized.
	if s.currentState() != StateInitialized && msg.Method != mcpschema.MethodPing {
		s.sendResponse(jsonrpc.NewError(msg.ID, mcperrors.CodeInvalidRequest, "session is not initialized", nil))
		return
	}

	handler, ok := s.requestHandlers[msg.Method]
	if !ok {
		s.sendResponse(jsonrpc.NewError(msg.ID, mcperrors.CodeMethodNotFound, fmt.Sprintf("method not found: %s", msg.Method), nil))
		return
	}

	result, err := handler(ctx, s.exchange, msg.Params)
	if err != nil {
		s.sendResponse(errorResponse(msg.ID, err))
		return
	}

	response, err := jsonrpc.NewResult(msg.ID, result)
	if err != nil {
		s.sendResponse(jsonrpc.NewError(msg.ID, mcperrors.CodeInternalError, err.Error(), nil))
		return
	}
	s.sendResponse(response)
}

func (s *Session) handleInitialize(ctx context.Context, msg jsonrpc.Message) {
	var params mcpschema.InitializeParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			s.sendResponse(jsonrpc.NewError(msg.ID, mcperrors.CodeInvalidRequest, "invalid initialize params", nil))
			return
		}
	}

	result, err := s.initializeHandler(ctx, params)
	if err != nil {
		s.sendResponse(errorResponse(msg.ID, err))
		return
	}

	s.mu.Lock()
	s.clientCapabilities = params.Capabilities
	s.clientInfo = params.ClientInfo
	s.mu.Unlock()
	storeState(&s.state, StateInitialized)

	response, err := jsonrpc.NewResult(msg.ID, result)
	if err != nil {
		s.sendResponse(jsonrpc.NewError(msg.ID, mcperrors.CodeInternalError, err.Error(), nil))
		return
	}
	s.sendResponse(response)
}

func (s *Session) handleNotification(ctx context.Context, msg jsonrpc.Message) {
	handler, ok := s.notificationHandlers[msg.Method]
	if !ok {
		return
	}
	if err := handler(ctx, s.exchange, msg.Params); err != nil {
		s.logger.Warn("notification handler failed", "session", s.id, "method", msg.Method, "error", err)
	}
}

func (s *Session) handleResponse(msg jsonrpc.Message) {
	key := idKey(msg.ID)

	s.pendingMu.Lock()
	call, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	s.pendingMu.Unlock()

	if !ok {
		s.logger.Warn("dropping stale or duplicate response", "session", s.id, "id", msg.ID)
		return
	}

	call.resultCh <- pendingResult{result: msg.Result, err: msg.Error}
}

// SendRequest allocates a fresh request id, registers a correlation entry,
// writes the Request frame, and blocks until a matching Response arrives, ctx is
// canceled, or the session closes (§4.3, §4.5).
func (s *Session) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := uuid.New().String()
	resultCh := make(chan pendingResult, 1)

	s.pendingMu.Lock()
	if s.pending == nil {
		s.pendingMu.Unlock()
		return nil, mcperrors.ErrSessionClosed
	}
	s.pending[id] = pendingCall{resultCh: resultCh}
	s.pendingMu.Unlock()

	msg, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		s.removePending(id)
		return nil, err
	}
	frame, err := msg.Encode()
	if err != nil {
		s.removePending(id)
		return nil, err
	}
	if err := s.enqueue(frame); err != nil {
		s.removePending(id)
		return nil, err
	}

	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, res.err
		}
		return res.result, nil
	case <-ctx.Done():
		s.removePending(id)
		return nil, ctx.Err()
	case <-s.doneCh:
		return nil, mcperrors.ErrSessionClosed
	}
}

func (s *Session) removePending(id string) {
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
}

func (s *Session) sendResponse(msg jsonrpc.Message) {
	frame, err := msg.Encode()
	if err != nil {
		s.logger.Error("failed to encode response", "session", s.id, "error", err)
		return
	}
	if err := s.enqueue(frame); err != nil {
		s.logger.Debug("dropping response on closed session", "session", s.id)
	}
}

// enqueue hands frame to the single writer goroutine, preserving FIFO order on
// the sink (§5). It fails with ErrSessionClosed once the session has closed.
func (s *Session) enqueue(frame []byte) error {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed {
		return mcperrors.ErrSessionClosed
	}
	select {
	case s.sendCh <- frame:
		return nil
	case <-s.doneCh:
		return mcperrors.ErrSessionClosed
	}
}

func (s *Session) writeLoop() {
	for frame := range s.sendCh {
		if err := s.sink.Send(frame); err != nil {
			s.logger.Warn("failed writing frame to sink", "session", s.id, "error", err)
		}
	}
}

// Close cancels every pending outbound-request future with ErrSessionClosed,
// marks the session Closed, and stops accepting further frames (§5, §7). It is
// idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		storeState(&s.state, StateClosed)

		s.sendMu.Lock()
		s.closed = true
		close(s.doneCh)
		s.sendMu.Unlock()
		close(s.sendCh)

		// Every SendRequest waiter also selects on doneCh, closed above, and
		// returns ErrSessionClosed from there.
		s.pendingMu.Lock()
		s.pending = nil
		s.pendingMu.Unlock()
	})
}

// State reports the current lifecycle state.
func (s *Session) State() State { return s.currentState() }

// Broadcast-friendly helper used by the server facade's list-changed
// notification and by the transport's notifyAll: sends a Notification frame,
// best-effort, returning an error only for encoding failures (write failures are
// logged, not propagated, per §4.2's "best-effort per session").
func (s *Session) Notify(method string, params any) error {
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	frame, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := s.enqueue(frame); err != nil {
		s.logger.Debug("dropping notification on closed session", "session", s.id, "method", method)
	}
	return nil
}

func idKey(id any) string {
	switch v := id.(type) {
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

func errorResponse(id any, err error) jsonrpc.Message {
	if rpcErr, ok := mcperrors.AsRPCError(err); ok {
		return jsonrpc.NewError(id, rpcErr.Code, rpcErr.Message, rpcErr.Data)
	}
	return jsonrpc.NewError(id, mcperrors.CodeInternalError, err.Error(), nil)
}
