// Package transport implements the HTTP/SSE wire transport described in §4.2:
// clients open a long-lived GET /sse stream, receive an "endpoint" event
// pointing them at POST /message?sessionId=..., and every inbound message is
// dispatched onto the matching session.Session. The router shape (chi.Router,
// middleware.Recoverer, a plain /healthz) follows inngest's pkg/gateway; the
// SSE framing itself (event/data lines, a single writer per connection, a
// session registry keyed by a generated id) generalizes
// trpc-mcp-go's sseServer to this module's own Session type.
package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"go-mcp-usa/internal/session"
)

// SessionFactory builds a new Session bound to sink. It is owned by the server
// facade, which knows the handler tables and initialize handler; the
// transport only knows how to move bytes.
type SessionFactory func(sink session.Sink) *session.Session

// Server is the HTTP/SSE front door: it owns the chi router, the live
// session registry, and the broadcast path used for server-initiated
// notifications such as tools/list_changed.
type Server struct {
	router  chi.Router
	factory SessionFactory
	logger  *slog.Logger

	messageEndpoint string

	mu       sync.RWMutex
	sessions map[string]*session.Session
}

// NewServer wires the chi router. factory is invoked once per accepted SSE
// connection to build the Session that will own it.
func NewServer(factory SessionFactory, logger *slog.Logger) *Server {
	s := &Server{
		factory:         factory,
		logger:          logger,
		messageEndpoint: "/message",
		sessions:        make(map[string]*session.Session),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/sse", s.handleSSE)
	r.Post("/message", s.handleMessage)
	s.router = r

	return s
}

// Handler returns the http.Handler to mount, e.g. under http.ListenAndServe.
func (s *Server) Handler() http.Handler { return s.router }

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// handleSSE opens one long-lived stream per client, per §4.2's scenario 1: it
// sends the endpoint event first, then relays every frame the session's
// writer goroutine produces until the request context ends.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	sink := &sseSink{w: w, flusher: flusher}
	sess := s.factory(sink)

	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()

	s.logger.Info("session opened", "session", sess.ID())

	endpointURL := fmt.Sprintf("%s?sessionId=%s", s.messageEndpoint, sess.ID())
	if !sink.writeRaw(fmt.Sprintf("event: endpoint\ndata: %s\n\n", endpointURL)) {
		s.removeSession(sess)
		return
	}

	<-r.Context().Done()

	s.removeSession(sess)
	s.logger.Info("session closed", "session", sess.ID())
}

func (s *Server) removeSession(sess *session.Session) {
	s.mu.Lock()
	delete(s.sessions, sess.ID())
	s.mu.Unlock()
	sess.Close()
}

// handleMessage delivers one inbound frame per §4.2's scenario 2: it returns
// 200 once the body has been accepted onto the session, not once the request
// has been handled — Dispatch runs the handler asynchronously.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		http.Error(w, "missing sessionId", http.StatusBadRequest)
		return
	}

	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	// Handlers outlive this POST, so they keep its values but not its cancellation.
	sess.Dispatch(context.WithoutCancel(r.Context()), body)
	w.WriteHeader(http.StatusOK)
}

// NotifyAll broadcasts a notification to every currently connected session,
// used by the server facade's tools/list_changed (§4.4).
func (s *Server) NotifyAll(method string, params any) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, sess := range s.sessions {
		if err := sess.Notify(method, params); err != nil {
			s.logger.Warn("failed to encode broadcast notification", "session", id, "method", method, "error", err)
		}
	}
}

// Shutdown closes every live session. It does not stop the underlying HTTP
// server — callers are expected to pair this with http.Server.Shutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	sessions := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[string]*session.Session)
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
	return nil
}

// sseSink adapts an http.ResponseWriter/http.Flusher pair into a
// session.Sink. Writes are serialized behind a mutex, matching the teacher's
// own jsonrpc.StdioClient write discipline.
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) Send(frame []byte) error {
	if !s.writeRaw(fmt.Sprintf("event: message\ndata: %s\n\n", frame)) {
		return fmt.Errorf("transport: failed to write SSE frame")
	}
	return nil
}

func (s *sseSink) writeRaw(data string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.w, data); err != nil {
		return false
	}
	s.flusher.Flush()
	return true
}
