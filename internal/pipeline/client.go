// Package pipeline implements the upstream HTTP collaborator described in §6:
// one POST endpoint, a bearer token, application/json bodies. tools/list sends
// the incoming request params verbatim; tools/call sends the tool arguments with
// sl_tool_name injected. The response is a JSON array whose first element holds
// either {"tools": [...]} or the verbatim call result.
//
// This generalizes McpAsyncServer.java's callSnaplogicPipeline: same contract
// (bearer auth, redirect-following client, one shared helper for both call
// sites), but wrapped with tracing (otelhttp, already part of the teacher CLI's
// telemetry dependency closure) and a small bounded retry on transient failures
// (avast/retry-go, used for the same purpose elsewhere in the retrieval pack).
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"go-mcp-usa/internal/mcperrors"
)

// Client calls the upstream pipeline endpoint on behalf of tools/list and
// tools/call.
type Client struct {
	url    string
	token  string
	http   *http.Client
	maxTry uint
}

// New builds a Client whose underlying *http.Client follows redirects with the
// NORMAL policy (net/http's default) and instruments every round trip as a
// traced span via otelhttp.
func New(url, token string, timeout time.Duration) *Client {
	return &Client{
		url:   url,
		token: token,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		maxTry: 3,
	}
}

// ListTools POSTs params to the pipeline and returns the raw tools array found
// at response[0].tools.
func (c *Client) ListTools(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	body := params
	if len(body) == 0 {
		body = json.RawMessage(`{}`)
	}

	respBody, err := c.call(ctx, body)
	if err != nil {
		return nil, mcperrors.UpstreamFailure("tools/list", err)
	}

	var envelope []map[string]json.RawMessage
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, mcperrors.UpstreamFailure("tools/list", fmt.Errorf("decoding pipeline response: %w", err))
	}
	if len(envelope) == 0 {
		return nil, mcperrors.UpstreamFailure("tools/list", fmt.Errorf("pipeline returned an empty array"))
	}
	tools, ok := envelope[0]["tools"]
	if !ok {
		return nil, mcperrors.UpstreamFailure("tools/list", fmt.Errorf("pipeline response missing tools field"))
	}
	return tools, nil
}

// CallTool POSTs arguments (with sl_tool_name injected) to the pipeline and
// returns response[0], verbatim, as raw JSON.
func (c *Client) CallTool(ctx context.Context, toolName string, arguments map[string]any) (json.RawMessage, error) {
	if arguments == nil {
		arguments = map[string]any{}
	}
	arguments["sl_tool_name"] = toolName

	body, err := json.Marshal(arguments)
	if err != nil {
		return nil, mcperrors.UpstreamFailure("tools/call", fmt.Errorf("encoding arguments: %w", err))
	}

	respBody, err := c.call(ctx, body)
	if err != nil {
		return nil, mcperrors.UpstreamFailure("tools/call", err)
	}

	var envelope []json.RawMessage
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, mcperrors.UpstreamFailure("tools/call", fmt.Errorf("decoding pipeline response: %w", err))
	}
	if len(envelope) == 0 {
		return nil, mcperrors.UpstreamFailure("tools/call", fmt.Errorf("pipeline returned an empty array"))
	}
	return envelope[0], nil
}

// call POSTs to the pipeline, retrying transient (5xx, timeout, or transport)
// failures, with at most maxTry attempts in all. A non-2xx response that isn't
// transient (4xx) is returned as-is without retry — it's the pipeline's
// considered answer, not a glitch.
func (c *Client) call(ctx context.Context, body []byte) ([]byte, error) {
	var respBody []byte

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("building request: %w", err))
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Accept", "application/json")
			req.Header.Set("Authorization", "Bearer "+c.token)

			resp, err := c.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}

			if resp.StatusCode >= 500 {
				return fmt.Errorf("pipeline returned status %d", resp.StatusCode)
			}
			if resp.StatusCode >= 400 {
				return retry.Unrecoverable(fmt.Errorf("pipeline returned status %d: %s", resp.StatusCode, data))
			}

			respBody = data
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.maxTry),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(50*time.Millisecond),
	)
	if err != nil {
		return nil, err
	}
	return respBody, nil
}
