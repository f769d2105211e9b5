// Package jsonrpc implements the wire codec described in the core's component
// design: translating between UTF-8 JSON text and the tagged message union of
// Request, Notification, and Response. Dispatch is by structural discrimination —
// presence of "method" and "id" — not a declared "type" field, the way the
// original Java source's inheritance hierarchy collapses into a single Go struct.
package jsonrpc

import (
	"encoding/json"
	"fmt"

	"go-mcp-usa/internal/mcperrors"
)

// Version is the only JSON-RPC version this core speaks.
const Version = "2.0"

// Kind discriminates the three message shapes.
type Kind int

const (
	// Unknown means the message matched none of the three shapes.
	Unknown Kind = iota
	Request
	Notification
	Response
)

func (k Kind) String() string {
	switch k {
	case Request:
		return "request"
	case Notification:
		return "notification"
	case Response:
		return "response"
	default:
		return "unknown"
	}
}

// Error is the JSON-RPC error object embedded in a Response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Message is the single wire-level struct backing all three variants. Unknown
// fields inside Params/Result are preserved verbatim via json.RawMessage rather
// than decoded into a concrete type, so a handler that doesn't recognize a field
// still forwards it untouched — matching §4.1's "unknown fields inside params are
// preserved and forwarded".
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Kind classifies the message per §4.1 by presence of method and id: Request
// has method+id, Notification has method and no id, Response has id and no
// method. Decode additionally requires a Response to carry exactly one of
// result/error.
func (m Message) Kind() Kind {
	hasID := m.ID != nil
	hasMethod := m.Method != ""

	switch {
	case hasMethod && hasID:
		return Request
	case hasMethod && !hasID:
		return Notification
	case !hasMethod && hasID:
		return Response
	default:
		return Unknown
	}
}

// Decode parses text into a Message and classifies it, failing with
// mcperrors.ErrMalformed if the text matches none of the three variant shapes, or
// if a would-be Response carries both a result and an error, or neither.
func Decode(text []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(text, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", mcperrors.ErrMalformed, err)
	}

	switch m.Kind() {
	case Request, Notification:
		return m, nil
	case Response:
		if (len(m.Result) > 0) == (m.Error != nil) {
			return Message{}, fmt.Errorf("%w: response must carry exactly one of result and error", mcperrors.ErrMalformed)
		}
		return m, nil
	default:
		return Message{}, mcperrors.ErrMalformed
	}
}

// Encode serializes m back to wire text. Unset optional fields (id, method,
// params, result, error) are omitted rather than written as null. A Result that
// holds the JSON literal null, as NewResult(id, nil) produces, is written as
// "result": null; callers that want an empty object pass one to NewResult
// (e.g. map[string]any{} or json.RawMessage("{}")), as the ping handler does.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// NewRequest builds a client-bound Request message (used by the session and the
// exchange object to issue server-initiated requests such as roots/list).
func NewRequest(id any, method string, params any) (Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return Message{}, err
	}
	return Message{JSONRPC: Version, ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a Notification message; notifications never carry an id
// and never produce a reply.
func NewNotification(method string, params any) (Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return Message{}, err
	}
	return Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewResult builds a success Response with the same id as the inbound Request.
func NewResult(id any, result any) (Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return Message{}, fmt.Errorf("encoding result: %w", err)
	}
	return Message{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewError builds a failure Response. Exactly one of Result/Error is ever set —
// the codec's Decode enforces this is also true coming in.
func NewError(id any, code int, message string, data any) Message {
	return Message{JSONRPC: Version, ID: id, Error: &Error{Code: code, Message: message, Data: data}}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding params: %w", err)
	}
	return raw, nil
}
