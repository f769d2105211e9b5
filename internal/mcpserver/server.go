// Package mcpserver is the server facade described in §4.4: it holds the
// declared server capabilities, the tool registry, and the handler tables for
// ping, tools/list, tools/call, logging/setLevel, and
// notifications/initialized, and it builds the session factory the transport
// uses for every accepted SSE connection.
package mcpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"go-mcp-usa/internal/mcpschema"
	"go-mcp-usa/internal/pipeline"
	"go-mcp-usa/internal/session"
	"go-mcp-usa/internal/transport"
)

// Server is the immutable-after-build facade. Its mutable parts are the tool
// registry (copy-on-write, see tools.go) and the minimum logging level set by
// logging/setLevel; everything else is fixed at Build time.
type Server struct {
	info             mcpschema.Implementation
	protocolVersions []string
	toolsListChanged bool
	loggingCapable   bool
	pipelineClient   *pipeline.Client
	logger           *slog.Logger
	registry         *registry
	transport        *transport.Server
	requestHandlers  map[string]session.RequestHandler
	notifyHandlers   map[string]session.NotificationHandler

	levelMu  sync.RWMutex
	minLevel mcpschema.LoggingLevel
}

// Builder assembles a Server. Mirrors §4.4's "builder that accepts a
// transport, server-identity, server capabilities, and a list of tool
// specifications; yields an immutable server value" — the transport itself
// is constructed by Build, after the handler tables exist, since the
// transport's session factory closes over them.
type Builder struct {
	info             mcpschema.Implementation
	protocolVersions []string
	toolsListChanged bool
	loggingCapable   bool
	pipelineClient   *pipeline.Client
	logger           *slog.Logger
	tools            []ToolSpecification
}

// NewBuilder starts a Builder with the defaults §6 specifies absent explicit
// configuration: the latest protocol version only, no pipeline, and
// slog.Default() as the logger.
func NewBuilder() *Builder {
	return &Builder{
		protocolVersions: []string{mcpschema.LatestProtocolVersion},
		logger:           slog.Default(),
	}
}

func (b *Builder) WithServerInfo(name, version string) *Builder {
	b.info = mcpschema.Implementation{Name: name, Version: version}
	return b
}

func (b *Builder) WithCapabilities(toolsListChanged, loggingCapable bool) *Builder {
	b.toolsListChanged = toolsListChanged
	b.loggingCapable = loggingCapable
	return b
}

func (b *Builder) WithProtocolVersions(versions []string) *Builder {
	if len(versions) > 0 {
		b.protocolVersions = versions
	}
	return b
}

func (b *Builder) WithPipeline(client *pipeline.Client) *Builder {
	b.pipelineClient = client
	return b
}

func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithTool pre-registers a locally-served tool (§4.4's "dynamic tool
// registration", seeded at build time rather than via a later AddTool call).
func (b *Builder) WithTool(spec ToolSpecification) *Builder {
	b.tools = append(b.tools, spec)
	return b
}

// Build assembles the Server and its transport. The returned Server's
// Handler() is the http.Handler to mount; AddTool and Shutdown are the only
// mutating operations exposed afterward.
func (b *Builder) Build() (*Server, error) {
	s := &Server{
		info:             b.info,
		protocolVersions: b.protocolVersions,
		toolsListChanged: b.toolsListChanged,
		loggingCapable:   b.loggingCapable,
		pipelineClient:   b.pipelineClient,
		logger:           b.logger,
		registry:         newRegistry(),
		minLevel:         mcpschema.LoggingLevelInfo,
	}

	for _, spec := range b.tools {
		if err := s.registry.add(spec); err != nil {
			return nil, fmt.Errorf("registering tool %q: %w", spec.Tool.Name, err)
		}
	}

	s.requestHandlers = map[string]session.RequestHandler{
		mcpschema.MethodPing:            s.handlePing,
		mcpschema.MethodToolsList:       s.handleToolsList,
		mcpschema.MethodToolsCall:       s.handleToolsCall,
		mcpschema.MethodLoggingSetLevel: s.handleLoggingSetLevel,
	}
	s.notifyHandlers = map[string]session.NotificationHandler{
		mcpschema.MethodNotificationInitialized: s.handleInitializedNotification,
	}

	s.transport = transport.NewServer(s.newSession, s.logger)
	return s, nil
}

func (s *Server) newSession(sink session.Sink) *session.Session {
	return session.New(sink, s.logger, s.handleInitialize, s.requestHandlers, s.notifyHandlers)
}

// Handler returns the http.Handler the process entry point mounts.
func (s *Server) Handler() http.Handler { return s.transport.Handler() }

// AddTool registers a locally-served tool, per §4.4's addTool: duplicate
// names fail without mutating the registry, and when the server declared
// tools.listChanged, a successful add broadcasts
// notifications/tools/list_changed to every connected session.
func (s *Server) AddTool(spec ToolSpecification) error {
	if err := s.registry.add(spec); err != nil {
		return err
	}
	if s.toolsListChanged {
		s.transport.NotifyAll(mcpschema.MethodNotificationToolsChanged, nil)
	}
	return nil
}

// Shutdown closes every live session. Pair with the embedding *http.Server's
// own Shutdown from the process entry point's signal handler.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.transport.Shutdown(ctx)
}

// negotiateProtocolVersion implements §4.3's lenient negotiation: echo the
// requested version if it's in the supported list, else fall back to the
// last (highest) entry. The configured list is expected in ascending order.
func (s *Server) negotiateProtocolVersion(requested string) string {
	for _, v := range s.protocolVersions {
		if v == requested {
			return requested
		}
	}
	return s.protocolVersions[len(s.protocolVersions)-1]
}

func (s *Server) capabilities() mcpschema.ServerCapabilities {
	caps := mcpschema.ServerCapabilities{
		Tools: &mcpschema.ToolsCapability{ListChanged: s.toolsListChanged},
	}
	if s.loggingCapable {
		caps.Logging = map[string]any{}
	}
	return caps
}
