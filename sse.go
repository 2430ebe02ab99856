package codeassist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer is a framework-agnostic Server-Sent Events transport. Server to
// client traffic streams over SSE; client to server traffic arrives via HTTP
// POST on the message endpoint each client learns from the handshake.
//
// The transport exposes two http.Handlers, HandleSSE and HandleMessage, meant
// to be mounted on any mux. Create instances with NewSSEServer.
type SSEServer struct {
	messageURL string
	logger     *slog.Logger
	metrics    *Metrics
	authToken  string

	handler MessageHandler

	mu      sync.Mutex
	running bool
	clients map[string]*sseClient
	done    chan struct{}
	wg      sync.WaitGroup
}

type sseClient struct {
	id     string
	sess   *sse.Session
	logger *slog.Logger

	sendMsgs   chan sseSendMsg
	done       chan struct{}
	sendClosed chan struct{}
}

type sseSendMsg struct {
	msg  *sse.Message
	errs chan<- error
}

// SSEOption configures an SSEServer created by NewSSEServer.
type SSEOption func(*SSEServer)

// WithSSELogger sets the logger. Defaults to slog.Default().
func WithSSELogger(logger *slog.Logger) SSEOption {
	return func(s *SSEServer) {
		s.logger = logger
	}
}

// WithSSEMetrics sets the metrics sink feeding the connected-client gauges.
func WithSSEMetrics(metrics *Metrics) SSEOption {
	return func(s *SSEServer) {
		s.metrics = metrics
	}
}

// WithSSEAuthToken requires clients to present the given bearer token on both
// the SSE and the message endpoint. An empty token disables the check.
func WithSSEAuthToken(token string) SSEOption {
	return func(s *SSEServer) {
		s.authToken = token
	}
}

// NewSSEServer creates an SSE transport whose clients POST their messages to
// messageURL. The URL must resolve to wherever HandleMessage is mounted, and
// may be relative when both handlers live on the same host.
func NewSSEServer(messageURL string, options ...SSEOption) *SSEServer {
	s := &SSEServer{
		messageURL: messageURL,
		logger:     slog.Default(),
		clients:    make(map[string]*sseClient),
	}
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With("component", "sse")

	return s
}

// Name implements ServerTransport.
func (s *SSEServer) Name() string {
	return "sse"
}

// SetMessageHandler installs the handler invoked for every decoded inbound
// message. It must be called before Start.
func (s *SSEServer) SetMessageHandler(handler MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

// Start marks the transport as accepting connections. The HTTP listener is
// owned by the caller; requests arriving before Start are answered with 503.
func (s *SSEServer) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("sse transport already started")
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
func (s *SSEServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.done)
	s.mu.Unlock()

	// HandleSSE handlers observe the done channel and unregister themselves.
	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-waited:
	}
	return nil
}

// SendMessage pushes a server-initiated message to every connected client.
// Clients that fail or are too slow to take the write are disconnected.
func (s *SSEServer) SendMessage(ctx context.Context, msg JSONRPCMessage) error {
	s.mu.Lock()
	clients := make([]*sseClient, 0, len(s.clients))
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
func (s *SSEServer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ClientCount reports the number of connected clients.
func (s *SSEServer) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// HandleSSE returns an http.Handler managing SSE connections over GET
// requests. The handler upgrades the connection, assigns the client an id,
// and sends an "endpoint" event naming the URL the client must POST its
// messages to. The connection stays open until the client leaves, a failed
// or stalled write forces it out, or the server shuts down.
func (s *SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(w, r) {
			return
		}

		s.mu.Lock()
		running := s.running
		s.mu.Unlock()
		if !running {
			// Past the upgrade the response is an event stream that cannot
			// carry a plain HTTP error.
			http.Error(w, "server not ready", http.StatusServiceUnavailable)
			return
		}

		sess, err := sse.Upgrade(w, r)
		if err != nil {
			s.logger.Error("failed to upgrade session", "err", err)
			http.Error(w, "failed to upgrade session", http.StatusInternalServerError)
			return
		}

		clientID := uuid.New().String()

		endpoint := fmt.Sprintf("%s?sessionID=%s", s.messageURL, clientID)
		msg := sse.Message{
			Type: sse.Type("endpoint"),
		}
		msg.AppendData(endpoint)
		if err := sess.Send(&msg); err != nil {
			s.logger.Error("failed to write SSE endpoint", "err", err)
			return
		}
		if err := sess.Flush(); err != nil {
			s.logger.Error("failed to flush SSE endpoint", "err", err)
			return
		}

		client := &sseClient{
			id:         clientID,
			sess:       sess,
			logger:     s.logger,
			sendMsgs:   make(chan sseSendMsg, 5),
			done:       make(chan struct{}),
			sendClosed: make(chan struct{}),
		}

		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			return
		}
		s.clients[clientID] = client
		done := s.done
		s.wg.Add(1)
		s.mu.Unlock()

		go client.processSendMessages()

		// Expiring the write deadline is the only way to unblock a send
		// stalled on a client that stopped reading.
		controller := http.NewResponseController(w)
		go func() {
			select {
			case <-done:
			case <-client.done:
			}
			controller.SetWriteDeadline(time.Now())
		}()

		s.metrics.ClientConnected("sse")
		s.logger.Info("client connected", slog.String("client_id", clientID))

		// Hold the connection open; responses and notifications flow through
		// the client's send queue in the meantime.
		select {
		case <-r.Context().Done():
		case <-done:
		case <-client.done:
		}

		s.removeClient(clientID)
		// The send loop owns the session; wait for it to exit so no write
		// lands after the handler returns.
		<-client.sendClosed
	})
}

// HandleMessage returns an http.Handler processing client messages POSTed to
// the message endpoint. The response to a request travels back over the
// client's SSE stream; the POST itself is answered with 202 Accepted.
func (s *SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(w, r) {
			return
		}

		sessID := r.URL.Query().Get("sessionID")
		if sessID == "" {
			s.logger.Warn("missing sessionID query parameter")
			http.Error(w, "missing sessionID query parameter", http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		client, ok := s.clients[sessID]
		handler := s.handler
		s.mu.Unlock()
		if handler == nil {
			http.Error(w, "server not ready", http.StatusServiceUnavailable)
			return
		}
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}

		var msg JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			s.logger.Warn("failed to decode message", slog.String("err", err.Error()))
			http.Error(w, fmt.Sprintf("failed to decode message: %v", err), http.StatusBadRequest)
			return
		}

		resp := handler(r.Context(), msg)
		if resp != nil {
			if err := client.send(r.Context(), *resp); err != nil {
				s.logger.Error("failed to send response",
					slog.String("client_id", sessID), slog.String("err", err.Error()))
				http.Error(w, "failed to deliver response", http.StatusInternalServerError)
				return
			}
		}

		w.WriteHeader(http.StatusAccepted)
	})
}

func (s *SSEServer) authorized(w http.ResponseWriter, r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	if r.Header.Get("Authorization") != "Bearer "+s.authToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

func (s *SSEServer) removeClient(clientID string) {
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

	s.metrics.ClientDisconnected("sse")
	s.logger.Info("client disconnected", slog.String("client_id", clientID))
}

func (c *sseClient) send(ctx context.Context, msg JSONRPCMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	sseMsg := &sse.Message{
		Type: sse.Type("message"),
	}
	sseMsg.AppendData(string(data))

	errs := make(chan error, 1)

	// Queue the message for sending to avoid racing inside the sse library.
	select {
	case c.sendMsgs <- sseSendMsg{msg: sseMsg, errs: errs}:
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

func (c *sseClient) processSendMessages() {
	defer close(c.sendClosed)

	for {
		select {
		case sm := <-c.sendMsgs:
			if err := c.sess.Send(sm.msg); err != nil {
				c.logger.Warn("failed to send message", slog.String("err", err.Error()))
				sm.errs <- err
				continue
			}
			if err := c.sess.Flush(); err != nil {
				c.logger.Warn("failed to flush message", slog.String("err", err.Error()))
				sm.errs <- err
				continue
			}
			sm.errs <- nil
		case <-c.done:
			return
		}
	}
}

// SSEClient is the client side of the SSE transport. It connects to an
// SSEServer, learns the message endpoint from the handshake, and exchanges
// JSON-RPC messages with it. Create instances with NewSSEClient.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	messageURL string
	logger     *slog.Logger
	authToken  string

	maxPayloadSize int

	messages chan JSONRPCMessage
}

// SSEClientOption configures an SSEClient created by NewSSEClient.
type SSEClientOption func(*SSEClient)

// WithSSEClientMaxPayloadSize caps the size of a single event received from
// the server. Oversized events terminate the connection.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(c *SSEClient) {
		c.maxPayloadSize = size
	}
}

// WithSSEClientLogger sets the logger. Defaults to slog.Default().
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(c *SSEClient) {
		c.logger = logger
	}
}

// WithSSEClientAuthToken sets the bearer token presented on every request.
func WithSSEClientAuthToken(token string) SSEClientOption {
	return func(c *SSEClient) {
		c.authToken = token
	}
}

// NewSSEClient creates an SSE client that connects to connectURL. A nil
// httpClient falls back to http.DefaultClient. Call Connect to begin
// communication.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	c := &SSEClient{
		connectURL: connectURL,
		httpClient: cli,
		logger:     slog.Default(),
		messages:   make(chan JSONRPCMessage),
	}
	for _, opt := range options {
		opt(c)
	}
	c.logger = c.logger.With("component", "sse-client")

	return c
}

// Connect establishes the SSE stream and blocks until the server's handshake
// names the message endpoint. Received messages are delivered on the Messages
// channel until the stream ends.
func (c *SSEClient) Connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.connectURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to SSE server: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	ready := make(chan error, 1)
	go c.listenSSEMessages(resp.Body, ready)

	select {
	case err := <-ready:
		return err
	case <-ctx.Done():
		resp.Body.Close()
		return ctx.Err()
	}
}

// Messages returns the channel carrying messages streamed by the server. The
// channel is closed when the stream ends.
func (c *SSEClient) Messages() <-chan JSONRPCMessage {
	return c.messages
}

// Send transmits a message to the server through an HTTP POST to the endpoint
// learned during Connect.
func (c *SSEClient) Send(ctx context.Context, msg JSONRPCMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.messageURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

func (c *SSEClient) listenSSEMessages(body io.ReadCloser, ready chan<- error) {
	defer func() {
		body.Close()
		close(c.messages)
	}()

	var config *sse.ReadConfig
	if c.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: c.maxPayloadSize,
		}
	}

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.logger.Error("failed to read SSE message", "err", err)
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			// The endpoint URL is parsed before use so a bogus handshake is
			// caught here instead of on the first Send. Servers may name a
			// relative endpoint; it resolves against the stream URL.
			if ev.Data == "" {
				ready <- errors.New("empty endpoint URL")
				return
			}
			u, err := url.Parse(ev.Data)
			if err != nil {
				ready <- fmt.Errorf("parse endpoint URL: %w", err)
				return
			}
			base, err := url.Parse(c.connectURL)
			if err != nil {
				ready <- fmt.Errorf("parse connect URL: %w", err)
				return
			}
			c.messageURL = base.ResolveReference(u).String()
			ready <- nil
		case "message":
			// A message before the handshake means the server misbehaves.
			if c.messageURL == "" {
				c.logger.Error("received message before endpoint URL")
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				c.logger.Error("failed to unmarshal message", "err", err)
				continue
			}

			c.messages <- msg
		default:
			c.logger.Error("unhandled event type", "type", ev.Type)
		}
	}
}
