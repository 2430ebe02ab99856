package codeassist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WSServer is a WebSocket transport. Each connection carries JSON-RPC
// messages as text frames, one message per frame, in both directions.
// Malformed frames are dropped; the connection survives them.
//
// The transport exposes one http.Handler, HandleWebSocket, meant to be
// mounted on any mux. Create instances with NewWSServer.
type WSServer struct {
	logger    *slog.Logger
	metrics   *Metrics
	authToken string
	upgrader  websocket.Upgrader

	handler MessageHandler

	mu      sync.Mutex
	running bool
	clients map[string]*wsClient
	done    chan struct{}
	wg      sync.WaitGroup
}

type wsClient struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	sendMsgs   chan wsSendMsg
	done       chan struct{}
	sendClosed chan struct{}
}

type wsSendMsg struct {
	msg  JSONRPCMessage
	errs chan<- error
}

// WSOption configures a WSServer created by NewWSServer.
type WSOption func(*WSServer)

// WithWSLogger sets the logger. Defaults to slog.Default().
func WithWSLogger(logger *slog.Logger) WSOption {
	return func(s *WSServer) {
		s.logger = logger
	}
}

// WithWSMetrics sets the metrics sink feeding the connected-client gauges.
func WithWSMetrics(metrics *Metrics) WSOption {
	return func(s *WSServer) {
		s.metrics = metrics
	}
}

// WithWSAuthToken requires clients to present the given bearer token on the
// upgrade request. An empty token disables the check.
func WithWSAuthToken(token string) WSOption {
	return func(s *WSServer) {
		s.authToken = token
	}
}

// WithWSCheckOrigin replaces the origin check applied during the upgrade.
// The default accepts all origins and leaves access control to the bearer
// token.
func WithWSCheckOrigin(check func(r *http.Request) bool) WSOption {
	return func(s *WSServer) {
		s.upgrader.CheckOrigin = check
	}
}

// NewWSServer creates a WebSocket transport.
func NewWSServer(options ...WSOption) *WSServer {
	s := &WSServer{
		logger:  slog.Default(),
		clients: make(map[string]*wsClient),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With("component", "websocket")

	return s
}

// Name implements ServerTransport.
func (s *WSServer) Name() string {
	return "websocket"
}

// SetMessageHandler installs the handler invoked for every decoded inbound
// message. It must be called before Start.
func (s *WSServer) SetMessageHandler(handler MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

// Start marks the transport as accepting connections. The HTTP listener is
// owned by the caller; upgrade requests arriving before Start are answered
// with 503.
func (s *WSServer) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("websocket transport already started")
	}
	if s.handler == nil {
		return errors.New("message handler not set")
	}
	s.running = true
	s.done = make(chan struct{})
	return nil
}

// Shutdown disconnects every client and waits for their handlers to unwind,
// bounded by ctx.
func (s *WSServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.done)
	s.mu.Unlock()

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close websocket server: %w", ctx.Err())
	case <-waited:
	}
	return nil
}

// SendMessage pushes a server-initiated message to every connected client.
// Clients whose connection rejects the write are disconnected.
func (s *WSServer) SendMessage(ctx context.Context, msg JSONRPCMessage) error {
	s.mu.Lock()
	clients := make([]*wsClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	var errs []error
	for _, c := range clients {
		if err := c.send(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("client %s: %w", c.id, err))
			s.removeClient(c.id)
		}
	}
	return errors.Join(errs...)
}

// Running reports whether the transport has been started and not yet shut
// down.
func (s *WSServer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ClientCount reports the number of connected clients.
func (s *WSServer) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// HandleWebSocket returns an http.Handler upgrading GET requests to
// WebSocket connections. Each decoded frame is handled on its own goroutine;
// responses and server-initiated notifications are serialized through a
// single writer per connection.
func (s *WSServer) HandleWebSocket() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(w, r) {
			return
		}

		s.mu.Lock()
		running := s.running
		handler := s.handler
		s.mu.Unlock()
		if !running {
			http.Error(w, "server not ready", http.StatusServiceUnavailable)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the HTTP error response.
			s.logger.Error("failed to upgrade connection", "err", err)
			return
		}

		clientID := uuid.New().String()
		client := &wsClient{
			id:         clientID,
			conn:       conn,
			logger:     s.logger,
			sendMsgs:   make(chan wsSendMsg, 5),
			done:       make(chan struct{}),
			sendClosed: make(chan struct{}),
		}

		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.clients[clientID] = client
		done := s.done
		s.wg.Add(1)
		s.mu.Unlock()

		go client.processSendMessages()

		// Closing the connection is the only way to unblock a pending read.
		go func() {
			select {
			case <-done:
			case <-client.done:
			}
			conn.Close()
		}()

		s.metrics.ClientConnected("websocket")
		s.logger.Info("client connected", slog.String("client_id", clientID))

		s.readLoop(r, client, handler)

		s.removeClient(clientID)
	})
}

func (s *WSServer) readLoop(r *http.Request, client *wsClient, handler MessageHandler) {
	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("connection closed unexpectedly",
					slog.String("client_id", client.id), slog.String("err", err.Error()))
			}
			return
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("dropping malformed frame",
				slog.String("client_id", client.id), slog.String("err", err.Error()))
			continue
		}

		// Each message is handled on its own goroutine so a slow tool call
		// does not stall the rest of the connection.
		go func() {
			resp := handler(r.Context(), msg)
			if resp == nil {
				return
			}
			if err := client.send(r.Context(), *resp); err != nil {
				s.logger.Error("failed to send response",
					slog.String("client_id", client.id), slog.String("err", err.Error()))
			}
		}()
	}
}

func (s *WSServer) authorized(w http.ResponseWriter, r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	if r.Header.Get("Authorization") != "Bearer "+s.authToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (s *WSServer) removeClient(clientID string) {
	s.mu.Lock()
	client, ok := s.clients[clientID]
	if ok {
		delete(s.clients, clientID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	close(client.done)
	<-client.sendClosed
	s.wg.Done()

	s.metrics.ClientDisconnected("websocket")
	s.logger.Info("client disconnected", slog.String("client_id", clientID))
}

func (c *wsClient) send(ctx context.Context, msg JSONRPCMessage) error {
	errs := make(chan error, 1)

	select {
	case c.sendMsgs <- wsSendMsg{msg: msg, errs: errs}:
	case <-c.done:
		return errors.New("client disconnected")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errs:
		return err
	case <-c.done:
		return errors.New("client disconnected")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *wsClient) processSendMessages() {
	defer close(c.sendClosed)

	for {
		select {
		case sm := <-c.sendMsgs:
			// gorilla/websocket permits one concurrent writer; this loop is
			// the single writer for the connection.
			err := c.conn.WriteJSON(sm.msg)
			if err != nil {
				c.logger.Warn("failed to write message", slog.String("err", err.Error()))
			}
			sm.errs <- err
		case <-c.done:
			return
		}
	}
}
