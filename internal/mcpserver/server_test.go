package mcpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go-mcp-usa/internal/jsonrpc"
	"go-mcp-usa/internal/mcpschema"
	"go-mcp-usa/internal/pipeline"
	"go-mcp-usa/internal/session"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func readSSEEvent(t *testing.T, r *bufio.Reader) (event, data string) {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("reading SSE stream: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && event != "":
			return event, data
		}
	}
}

// openSession drives the handshake (scenario 1) against srv and returns the
// reader positioned right after the endpoint event, plus the message URL to
// POST further requests to.
func openSession(t *testing.T, baseURL string) (*bufio.Reader, string, func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/sse", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /sse: %v", err)
	}
	reader := bufio.NewReader(resp.Body)
	event, data := readSSEEvent(t, reader)
	if event != "endpoint" {
		t.Fatalf("expected endpoint event, got %q", event)
	}
	return reader, baseURL + data, func() { cancel(); resp.Body.Close() }
}

func postMessage(t *testing.T, messageURL string, msg jsonrpc.Message) {
	t.Helper()
	body, err := msg.Encode()
	if err != nil {
		t.Fatalf("encoding message: %v", err)
	}
	resp, err := http.Post(messageURL, "application/json", strings.NewReader(string(body)))
	if err != nil {
		t.Fatalf("POST /message: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /message, got %d", resp.StatusCode)
	}
}

func TestHandshakeScenario(t *testing.T) {
	srv, err := NewBuilder().WithServerInfo("custom-server", "0.0.1").WithLogger(discardLogger()).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	reader, messageURL, closeConn := openSession(t, httpSrv.URL)
	defer closeConn()

	initMsg, _ := jsonrpc.NewRequest(float64(1), mcpschema.MethodInitialize, mcpschema.InitializeParams{
		ProtocolVersion: mcpschema.LatestProtocolVersion,
		ClientInfo:      mcpschema.Implementation{Name: "c", Version: "1"},
	})
	postMessage(t, messageURL, initMsg)

	event, data := readSSEEvent(t, reader)
	if event != "message" {
		t.Fatalf("expected message event, got %q", event)
	}
	decoded, err := jsonrpc.Decode([]byte(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var result mcpschema.InitializeResult
	if err := json.Unmarshal(decoded.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.ProtocolVersion != mcpschema.LatestProtocolVersion {
		t.Fatalf("expected echoed protocol version, got %q", result.ProtocolVersion)
	}
	if result.ServerInfo.Name != "custom-server" {
		t.Fatalf("expected server info, got %+v", result.ServerInfo)
	}
}

func TestUnsupportedProtocolVersionScenario(t *testing.T) {
	srv, err := NewBuilder().
		WithServerInfo("custom-server", "0.0.1").
		WithProtocolVersions([]string{"2024-11-05"}).
		WithLogger(discardLogger()).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	reader, messageURL, closeConn := openSession(t, httpSrv.URL)
	defer closeConn()

	initMsg, _ := jsonrpc.NewRequest("1", mcpschema.MethodInitialize, mcpschema.InitializeParams{
		ProtocolVersion: "1999-01-01",
	})
	postMessage(t, messageURL, initMsg)

	_, data := readSSEEvent(t, reader)
	decoded, _ := jsonrpc.Decode([]byte(data))
	if decoded.Error != nil {
		t.Fatalf("expected initialize to still succeed, got error %+v", decoded.Error)
	}
	var result mcpschema.InitializeResult
	json.Unmarshal(decoded.Result, &result)
	if result.ProtocolVersion != "2024-11-05" {
		t.Fatalf("expected fallback to highest supported version, got %q", result.ProtocolVersion)
	}
}

func fakePipelineServer(t *testing.T, listBody, callBody string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if _, isCall := body["sl_tool_name"]; isCall {
			w.Write([]byte(callBody))
			return
		}
		w.Write([]byte(listBody))
	}))
}

func initializedSession(t *testing.T, httpSrvURL string) (*bufio.Reader, string, func()) {
	t.Helper()
	reader, messageURL, closeConn := openSession(t, httpSrvURL)
	initMsg, _ := jsonrpc.NewRequest("0", mcpschema.MethodInitialize, mcpschema.InitializeParams{ProtocolVersion: mcpschema.LatestProtocolVersion})
	postMessage(t, messageURL, initMsg)
	readSSEEvent(t, reader) // initialize response
	return reader, messageURL, closeConn
}

func TestToolsListScenario(t *testing.T) {
	pipelineSrv := fakePipelineServer(t, `[{"tools":[{"name":"echo","description":"e","parameters":[{"name":"msg","type":"STRING","required":true}]}]}]`, "")
	defer pipelineSrv.Close()

	srv, err := NewBuilder().
		WithServerInfo("custom-server", "0.0.1").
		WithCapabilities(true, true).
		WithPipeline(pipeline.New(pipelineSrv.URL, "secret", 0)).
		WithLogger(discardLogger()).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	reader, messageURL, closeConn := initializedSession(t, httpSrv.URL)
	defer closeConn()

	listMsg, _ := jsonrpc.NewRequest("2", mcpschema.MethodToolsList, map[string]any{})
	postMessage(t, messageURL, listMsg)

	_, data := readSSEEvent(t, reader)
	decoded, err := jsonrpc.Decode([]byte(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var result mcpschema.ListToolsResult
	if err := json.Unmarshal(decoded.Result, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(result.Tools) != 1 || result.Tools[0].Name != "echo" {
		t.Fatalf("unexpected tools: %+v", result.Tools)
	}
	prop, ok := result.Tools[0].InputSchema.Properties["msg"]
	if !ok || prop.Type != "string" {
		t.Fatalf("expected msg:string property, got %+v", result.Tools[0].InputSchema)
	}
	if len(result.Tools[0].InputSchema.Required) != 1 || result.Tools[0].InputSchema.Required[0] != "msg" {
		t.Fatalf("expected msg required, got %+v", result.Tools[0].InputSchema.Required)
	}
}

func TestToolsCallScenario(t *testing.T) {
	pipelineSrv := fakePipelineServer(t, "", `[{"reply":"hi"}]`)
	defer pipelineSrv.Close()

	srv, err := NewBuilder().
		WithServerInfo("custom-server", "0.0.1").
		WithCapabilities(true, true).
		WithPipeline(pipeline.New(pipelineSrv.URL, "secret", 0)).
		WithLogger(discardLogger()).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	reader, messageURL, closeConn := initializedSession(t, httpSrv.URL)
	defer closeConn()

	callMsg, _ := jsonrpc.NewRequest("3", mcpschema.MethodToolsCall, mcpschema.CallToolParams{
		Name:      "echo",
		Arguments: map[string]any{"msg": "hi"},
	})
	postMessage(t, messageURL, callMsg)

	_, data := readSSEEvent(t, reader)
	decoded, err := jsonrpc.Decode([]byte(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var result mcpschema.CallToolResult
	if err := json.Unmarshal(decoded.Result, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(result.Content) != 1 {
		t.Fatalf("expected one content block, got %+v", result.Content)
	}
	block, ok := result.Content[0].(map[string]any)
	if !ok || block["text"] != `{"reply":"hi"}` {
		t.Fatalf("unexpected content block: %+v", result.Content[0])
	}
}

func TestUnknownMethodScenario(t *testing.T) {
	srv, err := NewBuilder().WithServerInfo("custom-server", "0.0.1").WithLogger(discardLogger()).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	reader, messageURL, closeConn := initializedSession(t, httpSrv.URL)
	defer closeConn()

	msg, _ := jsonrpc.NewRequest(float64(9), "foo/bar", map[string]any{})
	postMessage(t, messageURL, msg)

	_, data := readSSEEvent(t, reader)
	decoded, _ := jsonrpc.Decode([]byte(data))
	if decoded.Error == nil || decoded.Error.Code != -32601 {
		t.Fatalf("expected -32601, got %+v", decoded.Error)
	}
}

func TestListChangedBroadcastScenario(t *testing.T) {
	srv, err := NewBuilder().
		WithServerInfo("custom-server", "0.0.1").
		WithCapabilities(true, false).
		WithLogger(discardLogger()).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	readerA, _, closeA := initializedSession(t, httpSrv.URL)
	defer closeA()
	readerB, _, closeB := initializedSession(t, httpSrv.URL)
	defer closeB()

	if err := srv.AddTool(ToolSpecification{
		Tool: mcpschema.Tool{Name: "local-tool", Description: "d", InputSchema: mcpschema.JSONSchema{Type: "object"}},
		Handler: func(ctx context.Context, exchange *session.Exchange, arguments map[string]any) (mcpschema.CallToolResult, error) {
			return mcpschema.NewCallToolResult([]any{mcpschema.NewTextContent("ok")}, false)
		},
	}); err != nil {
		t.Fatalf("AddTool: %v", err)
	}

	for _, reader := range []*bufio.Reader{readerA, readerB} {
		event, data := readSSEEvent(t, reader)
		if event != "message" {
			t.Fatalf("expected broadcast message event, got %q", event)
		}
		decoded, err := jsonrpc.Decode([]byte(data))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if decoded.Kind() != jsonrpc.Notification || decoded.Method != mcpschema.MethodNotificationToolsChanged {
			t.Fatalf("expected tools/list_changed notification, got %+v", decoded)
		}
	}
}

func TestAddToolRejectsDuplicateWithoutChangingRegistry(t *testing.T) {
	srv, err := NewBuilder().
		WithServerInfo("custom-server", "0.0.1").
		WithCapabilities(true, false).
		WithLogger(discardLogger()).
		WithTool(ToolSpecification{
			Tool: mcpschema.Tool{Name: "dup", Description: "d", InputSchema: mcpschema.JSONSchema{Type: "object"}},
		}).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	before := srv.registry.snapshot()
	err = srv.AddTool(ToolSpecification{Tool: mcpschema.Tool{Name: "dup", Description: "other"}})
	if err == nil {
		t.Fatal("expected duplicate add to fail")
	}
	after := srv.registry.snapshot()
	if len(before) != len(after) || before[0].Tool.Description != after[0].Tool.Description {
		t.Fatalf("expected registry unchanged after failed add")
	}
}
