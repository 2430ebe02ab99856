package codeassist

import (
	"context"
	"encoding/json"
	"time"
)

// MessageHandler processes a single decoded message and returns the response to
// deliver on the channel that produced it. A nil return means no response is
// warranted, which is the case for notifications and malformed traffic.
type MessageHandler func(ctx context.Context, msg JSONRPCMessage) *JSONRPCMessage

// ServerTransport provides a server-side communication channel. Implementations
// move JSON messages between the wire and the process boundary and never
// interpret message content; all protocol semantics live behind the
// MessageHandler.
type ServerTransport interface {
	// Name identifies the transport in status reports and log lines, for
	// example "stdio" or "sse".
	Name() string

	// Start begins accepting client traffic. It must not block: read loops run
	// on their own goroutines and keep forwarding decoded messages to the
	// handler installed via SetMessageHandler until Shutdown is called.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the transport and disconnects its clients. The
	// caller is guaranteed to call this method only once. Handler invocations
	// already in flight must be allowed to complete.
	Shutdown(ctx context.Context) error

	// SetMessageHandler installs the handler invoked for every decoded inbound
	// message. It must be called before Start.
	SetMessageHandler(handler MessageHandler)

	// SendMessage pushes a server-initiated message to every connected client.
	// Responses to client requests are delivered by the transport itself on the
	// originating channel and never go through this method.
	SendMessage(ctx context.Context, msg JSONRPCMessage) error
}

// ToolExecutor is the capability behind a registered tool. Execute receives the
// raw arguments object from a tools/call request and returns a plain string, a
// []Content, or a CallToolResult; the registry normalizes all three into the
// protocol's content-list shape.
type ToolExecutor interface {
	Execute(ctx context.Context, args json.RawMessage) (any, error)
}

// ToolExecutorFunc adapts a plain function to the ToolExecutor interface.
type ToolExecutorFunc func(ctx context.Context, args json.RawMessage) (any, error)

// Execute calls f(ctx, args).
func (f ToolExecutorFunc) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	return f(ctx, args)
}

// GenerationParams bounds a single text-generation call.
type GenerationParams struct {
	// MaxTokens limits the length of the generated text.
	MaxTokens int
	// Temperature controls sampling randomness, with 0 being deterministic.
	Temperature float32
	// StopSequences truncate generation when encountered.
	StopSequences []string
}

// GenerationProvider is the narrow contract to the external AI-generation
// collaborator. Generate returns the generated text for a prompt, or an error
// when the collaborator is unavailable or refuses the request; callers decide
// how to degrade.
type GenerationProvider interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}

// ContextStore is the durable persistence backend for session contexts, keyed
// by session id. Implementations must be safe for concurrent use.
type ContextStore interface {
	// Put writes one context record, overwriting any previous value for its
	// session id.
	Put(ctx context.Context, sc *SessionContext) error

	// Get reads one context record. It returns ErrContextNotFound when no
	// record exists for the given session id.
	Get(ctx context.Context, sessionID string) (*SessionContext, error)

	// Delete removes one context record, reporting whether a record existed.
	// Deleting a missing record is not an error.
	Delete(ctx context.Context, sessionID string) (bool, error)

	// List returns the session ids of every stored record.
	List(ctx context.Context) ([]string, error)

	// ExpiredBefore returns the session ids of records whose last access is
	// older than cutoff. It is used by the expiry sweeper to bound reads.
	ExpiredBefore(ctx context.Context, cutoff time.Time) ([]string, error)

	// Close releases any resources held by the backend.
	Close() error
}
