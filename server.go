package codeassist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	// defaultSendTimeout bounds each server-initiated send, such as a tool
	// list change notification pushed to connected clients.
	defaultSendTimeout = 30 * time.Second

	// defaultShutdownTimeout bounds the graceful shutdown Serve performs when
	// its context is cancelled.
	defaultShutdownTimeout = 10 * time.Second
)

// SessionPolicy controls how tools/call requests that carry no session id are
// handled.
type SessionPolicy int

const (
	// SessionSynthesize derives a session id from the request id, so every
	// call lands in a conversation context even when the client never asked
	// for one. This is the default.
	SessionSynthesize SessionPolicy = iota

	// SessionRequire rejects tools/call requests that carry no session id
	// with an invalid params error.
	SessionRequire
)

// Server ties the protocol together: it owns the tool registry, the context
// manager, and the transports, and implements the request dispatch between
// them. Construct one with NewServer and drive it with Serve, or call
// HandleMessage directly when no transport is involved.
type Server struct {
	info         Info
	instructions string

	transports []ServerTransport
	registry   *Registry
	contexts   *ContextManager
	provider   GenerationProvider
	limiter    *RateLimiter
	metrics    *Metrics
	logger     *slog.Logger

	sendTimeout   time.Duration
	sessionPolicy SessionPolicy

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	done      chan struct{}
}

// ServerOption configures a Server created by NewServer.
type ServerOption func(*Server)

// WithTransports sets the transports the server accepts traffic on. Serve
// installs the message handler on each of them and manages their lifecycle.
func WithTransports(transports ...ServerTransport) ServerOption {
	return func(s *Server) {
		s.transports = transports
	}
}

// WithGenerationProvider sets the AI collaborator behind the default tools.
// Without one the tools serve deterministic fallback content.
func WithGenerationProvider(provider GenerationProvider) ServerOption {
	return func(s *Server) {
		s.provider = provider
	}
}

// WithRegistry replaces the default tool registry. Use this to serve a custom
// tool set instead of, or on top of, the AI assistance tools.
func WithRegistry(registry *Registry) ServerOption {
	return func(s *Server) {
		s.registry = registry
	}
}

// WithContextManager replaces the default memory-only context manager, most
// commonly to plug in one backed by a durable store.
func WithContextManager(manager *ContextManager) ServerOption {
	return func(s *Server) {
		s.contexts = manager
	}
}

// WithRateLimiter enables request admission control. Without one every
// request is admitted immediately.
func WithRateLimiter(limiter *RateLimiter) ServerOption {
	return func(s *Server) {
		s.limiter = limiter
	}
}

// WithServerMetrics sets the metrics sink for request, tool, and session
// instrumentation. The same sink should be shared with the registry and
// context manager the server is built from.
func WithServerMetrics(metrics *Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = metrics
	}
}

// WithServerLogger sets the base logger for the server and the collaborators
// it builds by default. Defaults to slog.Default().
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithSessionPolicy controls the handling of tools/call requests without a
// session id. The default policy synthesizes an id from the request id.
func WithSessionPolicy(policy SessionPolicy) ServerOption {
	return func(s *Server) {
		s.sessionPolicy = policy
	}
}

// WithInstructions sets the usage hint returned to clients in the initialize
// response.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithServerSendTimeout bounds each server-initiated send, such as tool list
// change notifications. Defaults to 30 seconds.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// NewServer assembles a protocol server from its collaborators. Omitted
// collaborators get working defaults: a registry pre-loaded with the AI
// assistance tools bound to the configured provider, and a memory-only
// context manager. A server without transports is still usable through
// direct HandleMessage calls.
func NewServer(info Info, options ...ServerOption) *Server {
	s := &Server{
		info:        info,
		logger:      slog.Default(),
		sendTimeout: defaultSendTimeout,
	}
	for _, opt := range options {
		opt(s)
	}

	base := s.logger
	if s.registry == nil {
		s.registry = NewDefaultRegistry(s.provider,
			WithToolLogger(base), WithToolMetrics(s.metrics))
	}
	if s.contexts == nil {
		s.contexts = NewContextManager(
			WithContextLogger(base), WithContextMetrics(s.metrics))
	}
	s.logger = base.With("component", "server")

	return s
}

// Serve installs the message handler on every transport, starts the
// transports and the context manager, and blocks until ctx is cancelled or
// Shutdown is called. Cancellation triggers a graceful shutdown bounded by
// defaultShutdownTimeout.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.startedAt = time.Now()
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	for _, t := range s.transports {
		t.SetMessageHandler(s.HandleMessage)
	}
	s.contexts.Start()

	for i, t := range s.transports {
		if err := t.Start(ctx); err != nil {
			for _, started := range s.transports[:i] {
				if serr := started.Shutdown(context.Background()); serr != nil {
					s.logger.Error("failed to stop transport",
						slog.String("transport", started.Name()), slog.String("err", serr.Error()))
				}
			}
			s.contexts.Close()
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return fmt.Errorf("failed to start transport %s: %w", t.Name(), err)
		}
	}

	s.logger.Info("server started",
		slog.String("name", s.info.Name),
		slog.Int("transports", len(s.transports)),
		slog.Int("tools", s.registry.Len()))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case <-done:
		return nil
	}
}

// Shutdown stops the transports and then the context manager, unblocking a
// concurrent Serve. Calling it on a stopped server is a no-op.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.done)
	s.mu.Unlock()

	s.logger.Info("shutting down server")

	var errs []error
	for _, t := range s.transports {
		if err := t.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown transport %s: %w", t.Name(), err))
		}
	}
	s.contexts.Close()

	return errors.Join(errs...)
}

// RegisterTool adds or replaces a tool at runtime and notifies connected
// clients that the catalog changed.
func (s *Server) RegisterTool(tool Tool, executor ToolExecutor) {
	s.registry.Register(tool, executor)
	s.notifyToolListChanged()
}

// RemoveTool removes a tool at runtime, reporting whether it was registered.
// Connected clients are notified when the catalog changed.
func (s *Server) RemoveTool(name string) bool {
	removed := s.registry.Remove(name)
	if removed {
		s.notifyToolListChanged()
	}
	return removed
}

func (s *Server) notifyToolListChanged() {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return
	}

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  methodNotificationsToolsListChanged,
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()
	for _, t := range s.transports {
		if err := t.SendMessage(ctx, msg); err != nil {
			s.logger.Error("failed to broadcast tool list change",
				slog.String("transport", t.Name()), slog.String("err", err.Error()))
		}
	}
}

// HandleMessage processes one decoded inbound message and returns the
// response to deliver on the originating channel, or nil when none is
// warranted. It is the MessageHandler Serve installs on every transport and
// is safe for concurrent use. A panic anywhere below the dispatch becomes an
// internal error response instead of tearing down the transport's read loop.
func (s *Server) HandleMessage(ctx context.Context, msg JSONRPCMessage) (resp *JSONRPCMessage) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic while handling message",
				slog.String("method", msg.Method), slog.Any("panic", r))
			resp = nil
			if msg.ID != "" {
				resp = s.errorResponse(msg.ID, ErrCodeInternal, errMsgInternalError,
					map[string]any{"error": fmt.Sprint(r)})
			}
		}
		s.observe(msg.Method, resp, time.Since(start))
	}()

	if err := s.limiter.Wait(ctx, msg.Method); err != nil {
		if msg.ID == "" {
			return nil
		}
		return s.errorResponse(msg.ID, ErrCodeInternal, errMsgInternalError,
			map[string]any{"error": err.Error()})
	}

	return s.dispatch(ctx, msg)
}

func (s *Server) dispatch(ctx context.Context, msg JSONRPCMessage) *JSONRPCMessage {
	if msg.JSONRPC != JSONRPCVersion || msg.Method == "" {
		// Malformed traffic earns a response only when it can be correlated.
		if msg.ID == "" {
			s.logger.Debug("dropping malformed message", slog.String("method", msg.Method))
			return nil
		}
		return s.errorResponse(msg.ID, ErrCodeInvalidRequest, errMsgInvalidRequest, nil)
	}

	if msg.ID == "" {
		s.handleNotification(msg)
		return nil
	}

	switch msg.Method {
	case MethodInitialize:
		return s.handleInitialize(msg)
	case MethodToolsList:
		return s.handleToolsList(msg)
	case MethodToolsCall:
		return s.handleToolsCall(ctx, msg)
	default:
		return s.errorResponse(msg.ID, ErrCodeMethodNotFound,
			fmt.Sprintf("Method '%s' not supported", msg.Method),
			map[string]any{
				"supported_methods": []string{MethodInitialize, MethodToolsList, MethodToolsCall},
			})
	}
}

func (s *Server) handleNotification(msg JSONRPCMessage) {
	switch msg.Method {
	case methodNotificationsInitialized:
		s.logger.Info("client completed initialization")
	default:
		s.logger.Debug("ignoring notification", slog.String("method", msg.Method))
	}
}

func (s *Server) handleInitialize(msg JSONRPCMessage) *JSONRPCMessage {
	var params initializeParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			s.logger.Error("failed to decode initialize params", slog.String("err", err.Error()))
			return s.errorResponse(msg.ID, ErrCodeInternal, "Failed to initialize server",
				map[string]any{"error": err.Error()})
		}
	}

	// Clients may omit the version; they get the supported one back.
	version := params.ProtocolVersion
	if version == "" {
		version = protocolVersion
	}
	if version != protocolVersion {
		return s.errorResponse(msg.ID, ErrCodeInvalidParams,
			fmt.Sprintf("Unsupported protocol version: %s", version),
			map[string]any{"supported_versions": []string{protocolVersion}})
	}

	s.logger.Info("initialize request",
		slog.String("client_name", params.ClientInfo.Name),
		slog.String("client_version", params.ClientInfo.Version))

	return s.resultResponse(msg.ID, initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities: ServerCapabilities{
			Tools: &ToolsCapability{ListChanged: true},
		},
		ServerInfo:   s.info,
		Instructions: s.instructions,
	})
}

func (s *Server) handleToolsList(msg JSONRPCMessage) *JSONRPCMessage {
	tools := s.registry.List()
	s.logger.Debug("listing tools", slog.Int("count", len(tools)))
	return s.resultResponse(msg.ID, ListToolsResult{Tools: tools})
}

func (s *Server) handleToolsCall(ctx context.Context, msg JSONRPCMessage) *JSONRPCMessage {
	var params CallToolParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			s.logger.Error("failed to decode tools/call params", slog.String("err", err.Error()))
			return s.errorResponse(msg.ID, ErrCodeToolExecution,
				fmt.Sprintf("Tool execution failed: %v", err),
				map[string]any{"error": err.Error()})
		}
	}

	if params.Name == "" {
		return s.errorResponse(msg.ID, ErrCodeInvalidParams, errMsgToolNameRequired, nil)
	}

	if err := s.limiter.WaitTool(ctx, params.Name); err != nil {
		return s.errorResponse(msg.ID, ErrCodeInternal, errMsgInternalError,
			map[string]any{"error": err.Error()})
	}

	sessionID, errResp := s.resolveSession(msg, params)
	if errResp != nil {
		return errResp
	}

	// The request is recorded before dispatch so the history keeps it even
	// when the tool turns out to be unknown or its execution fails.
	s.recordToolRequest(ctx, sessionID, params.Name)

	s.logger.Info("calling tool",
		slog.String("tool", params.Name), slog.String("session_id", sessionID))

	result, err := s.registry.Execute(ctx, params.Name, params.Arguments)
	if err != nil {
		if errors.Is(err, ErrToolNotFound) {
			return s.errorResponse(msg.ID, ErrCodeMethodNotFound,
				fmt.Sprintf("Tool '%s' not found", params.Name),
				map[string]any{"available_tools": s.registry.Names()})
		}
		s.metrics.ToolCall(params.Name, ToolOutcomeError)
		s.logger.Error("tool execution failed",
			slog.String("tool", params.Name), slog.String("err", err.Error()))
		return s.errorResponse(msg.ID, ErrCodeToolExecution,
			fmt.Sprintf("Tool execution failed: %v", err),
			map[string]any{"error": err.Error()})
	}

	s.recordToolResponse(ctx, sessionID, result)

	return s.resultResponse(msg.ID, result)
}

// resolveSession determines the conversation context for a tools/call
// request: an explicit params.session_id wins, then clientInfo.session_id,
// and finally an id synthesized from the request id unless the session policy
// demands an explicit one.
func (s *Server) resolveSession(msg JSONRPCMessage, params CallToolParams) (string, *JSONRPCMessage) {
	if params.SessionID != "" {
		return params.SessionID, nil
	}
	if params.ClientInfo != nil && params.ClientInfo.SessionID != "" {
		return params.ClientInfo.SessionID, nil
	}
	if s.sessionPolicy == SessionRequire {
		return "", s.errorResponse(msg.ID, ErrCodeInvalidParams, "Session id is required", nil)
	}
	return "session_" + string(msg.ID), nil
}

// recordToolRequest notes the inbound call in the session's conversation
// history. Context bookkeeping never fails a call; problems are logged and
// absorbed.
func (s *Server) recordToolRequest(ctx context.Context, sessionID, toolName string) {
	s.contexts.GetOrCreate(ctx, CreateContextParams{SessionID: sessionID})
	ok := s.contexts.AddConversationEntry(ctx, sessionID, "user",
		"Called tool: "+toolName,
		map[string]any{"tool": toolName, "method": MethodToolsCall})
	if !ok {
		s.logger.Warn("failed to update request context", slog.String("session_id", sessionID))
	}
}

// recordToolResponse appends the tool outcome to the session's conversation
// history. Failed executions never reach here; isError results do, since the
// client received content for them.
func (s *Server) recordToolResponse(ctx context.Context, sessionID string, result CallToolResult) {
	ok := s.contexts.AddConversationEntry(ctx, sessionID, "assistant",
		responseSummary(result),
		map[string]any{"response_type": "success"})
	if !ok {
		s.logger.Warn("failed to update response context", slog.String("session_id", sessionID))
	}
}

// responseSummary condenses a tool result into a short history entry: the
// first content block's text capped at 200 characters, or a fixed marker when
// the result carries no text.
func responseSummary(result CallToolResult) string {
	if len(result.Content) > 0 && result.Content[0].Text != "" {
		return truncate(result.Content[0].Text, 200) + "..."
	}
	return "Tool executed successfully"
}

func (s *Server) resultResponse(id MustString, result any) *JSONRPCMessage {
	raw, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("failed to marshal result", slog.String("err", err.Error()))
		return s.errorResponse(id, ErrCodeInternal, errMsgInternalError,
			map[string]any{"error": err.Error()})
	}
	return &JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: id, Result: raw}
}

func (s *Server) errorResponse(id MustString, code int, message string, data map[string]any) *JSONRPCMessage {
	return &JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: message, Data: data},
	}
}

// observe records one handled message. Unknown method names collapse into a
// single label so clients cannot grow the metric's cardinality.
func (s *Server) observe(method string, resp *JSONRPCMessage, elapsed time.Duration) {
	if !knownMethod(method) {
		method = "unknown"
	}
	status := "ok"
	if resp != nil && resp.Error != nil {
		status = "error"
	}
	s.metrics.RequestObserved(method, status, elapsed)
}

func knownMethod(method string) bool {
	switch method {
	case MethodInitialize, MethodToolsList, MethodToolsCall, methodNotificationsInitialized:
		return true
	}
	return false
}

// transportStats is the optional introspection surface a transport can expose
// for status and health reports.
type transportStats interface {
	Running() bool
	ClientCount() int
}

// TransportStatus describes one transport in a ServerStatus report.
type TransportStatus struct {
	Running bool `json:"running"`
	Clients int  `json:"clients"`
}

// ServerStatus is a point-in-time operational snapshot of the server, shaped
// for a status endpoint.
type ServerStatus struct {
	ServerName        string                     `json:"server_name"`
	Running           bool                       `json:"running"`
	Transports        map[string]TransportStatus `json:"transports"`
	ProviderAvailable bool                       `json:"provider_available"`
	ToolCount         int                        `json:"tool_count"`
	ContextStats      ContextStats               `json:"context_stats"`
}

// TransportHealth describes one transport in a ServerHealth report.
type TransportHealth struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

// ComponentHealth describes one internal component in a ServerHealth report.
type ComponentHealth struct {
	Status  string         `json:"status"`
	Details map[string]any `json:"details,omitempty"`
}

// ServerHealth is an aggregate liveness report. Status degrades when the
// server is stopped, a transport is down, or no generation provider is
// configured; a degraded server still answers requests with fallback content.
type ServerHealth struct {
	Status     string                     `json:"status"`
	Running    bool                       `json:"server_running"`
	Uptime     string                     `json:"uptime,omitempty"`
	Transports map[string]TransportHealth `json:"transports"`
	Components map[string]ComponentHealth `json:"components"`
}

// Status reports the server's operational state and the live stats of its
// collaborators.
func (s *Server) Status(ctx context.Context) ServerStatus {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	status := ServerStatus{
		ServerName:        s.info.Name,
		Running:           running,
		Transports:        make(map[string]TransportStatus, len(s.transports)),
		ProviderAvailable: s.provider != nil,
		ToolCount:         s.registry.Len(),
		ContextStats:      s.contexts.Stats(ctx),
	}
	for _, t := range s.transports {
		ts := TransportStatus{Running: running}
		if st, ok := t.(transportStats); ok {
			ts.Running = st.Running()
			ts.Clients = st.ClientCount()
		}
		status.Transports[t.Name()] = ts
	}
	return status
}

// Health reports aggregate server health for liveness checks.
func (s *Server) Health(ctx context.Context) ServerHealth {
	s.mu.Lock()
	running := s.running
	startedAt := s.startedAt
	s.mu.Unlock()

	health := ServerHealth{
		Status:     "healthy",
		Running:    running,
		Transports: make(map[string]TransportHealth, len(s.transports)),
		Components: make(map[string]ComponentHealth, 3),
	}
	if running {
		health.Uptime = time.Since(startedAt).Round(time.Second).String()
	} else {
		health.Status = "degraded"
	}

	for _, t := range s.transports {
		th := TransportHealth{Status: "healthy"}
		up := running
		if st, ok := t.(transportStats); ok {
			up = st.Running()
			th.Clients = st.ClientCount()
		}
		if !up {
			th.Status = "stopped"
			health.Status = "degraded"
		}
		health.Transports[t.Name()] = th
	}

	if s.provider != nil {
		health.Components["provider"] = ComponentHealth{Status: "ready"}
	} else {
		health.Components["provider"] = ComponentHealth{Status: "not_configured"}
		health.Status = "degraded"
	}

	stats := s.contexts.Stats(ctx)
	health.Components["context_manager"] = ComponentHealth{
		Status: "healthy",
		Details: map[string]any{
			"total_contexts":  stats.TotalContexts,
			"cached_contexts": stats.CachedContexts,
		},
	}
	health.Components["tool_registry"] = ComponentHealth{
		Status:  "healthy",
		Details: map[string]any{"tool_count": s.registry.Len()},
	}

	return health
}

// HandleStatus returns an HTTP handler serving Status as JSON.
func (s *Server) HandleStatus() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, s.Status(r.Context()))
	})
}

// HandleHealth returns an HTTP handler serving Health as JSON. A degraded
// server still answers 200: fallback mode is a supported serving state, and
// orchestrators should not restart a server that is answering requests.
func (s *Server) HandleHealth() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, s.Health(r.Context()))
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", slog.String("err", err.Error()))
	}
}
