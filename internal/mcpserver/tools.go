package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go-mcp-usa/internal/mcperrors"
	"go-mcp-usa/internal/mcpschema"
	"go-mcp-usa/internal/session"
)

// ToolHandler answers one tools/call dispatched to a locally-registered tool,
// as opposed to one delegated to the pipeline.
type ToolHandler func(ctx context.Context, exchange *session.Exchange, arguments map[string]any) (mcpschema.CallToolResult, error)

// ToolSpecification pairs a Tool's advertised schema with the handler that
// serves it, the Go shape of the source's AsyncToolSpecification.
type ToolSpecification struct {
	Tool    mcpschema.Tool
	Handler ToolHandler
}

// registry is the copy-on-write tool table described in §5: reads are a
// lock-free pointer load, adds take a mutex only to serialize the
// check-then-swap against concurrent AddTool calls.
type registry struct {
	mu    sync.Mutex // serializes add's check-then-swap; snapshot never takes it
	tools atomic.Pointer[[]ToolSpecification]
}

func newRegistry() *registry {
	r := &registry{}
	empty := []ToolSpecification{}
	r.tools.Store(&empty)
	return r
}

func (r *registry) snapshot() []ToolSpecification {
	return *r.tools.Load()
}

func (r *registry) add(spec ToolSpecification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current := *r.tools.Load()
	for _, existing := range current {
		if existing.Tool.Name == spec.Tool.Name {
			return mcperrors.ErrDuplicateTool
		}
	}
	next := make([]ToolSpecification, len(current)+1)
	copy(next, current)
	next[len(current)] = spec
	r.tools.Store(&next)
	return nil
}

// pipelineParameter is one entry of a pipeline tool's parameter list, per §6.
type pipelineParameter struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

// pipelineTool is one entry of the array at response[0].tools, per §6.
type pipelineTool struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Parameters  []pipelineParameter `json:"parameters"`
}

// convertPipelineTools decodes the pipeline's raw tools array and converts
// each entry to an mcpschema.Tool, a direct generalization of the source's
// convertToMcpTools.
func convertPipelineTools(raw json.RawMessage) ([]mcpschema.Tool, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var defs []pipelineTool
	if err := json.Unmarshal(raw, &defs); err != nil {
		return nil, fmt.Errorf("decoding pipeline tool definitions: %w", err)
	}
	tools := make([]mcpschema.Tool, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, convertPipelineTool(def))
	}
	return tools, nil
}

// convertPipelineTool builds the restricted JSON-Schema fragment §4.4
// describes: flat properties, a required list, additionalProperties=false,
// top-level type "object" — the Go shape of the source's createJsonSchema.
func convertPipelineTool(def pipelineTool) mcpschema.Tool {
	properties := make(map[string]mcpschema.SchemaProperty, len(def.Parameters))
	var required []string
	for _, param := range def.Parameters {
		properties[param.Name] = mcpschema.SchemaProperty{Type: jsonSchemaType(param.Type)}
		if param.Required {
			required = append(required, param.Name)
		}
	}
	additionalProperties := false

	return mcpschema.Tool{
		Name:        def.Name,
		Description: def.Description,
		InputSchema: mcpschema.JSONSchema{
			Type:                 "object",
			Properties:           properties,
			Required:             required,
			AdditionalProperties: &additionalProperties,
		},
	}
}

// jsonSchemaType maps a pipeline parameter type to its JSON-Schema type tag,
// case-insensitively, defaulting unknown types to "string" per §4.4.
func jsonSchemaType(pipelineType string) string {
	switch strings.ToUpper(pipelineType) {
	case "STRING":
		return "string"
	case "NUMBER":
		return "number"
	case "INTEGER":
		return "integer"
	case "BOOLEAN":
		return "boolean"
	case "ARRAY":
		return "array"
	case "OBJECT":
		return "object"
	default:
		return "string"
	}
}
