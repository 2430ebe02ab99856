package codeassist_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	codeassist "github.com/MegaGrindStone/go-codeassist"
)

// fakeTransport is an in-memory ServerTransport that records lifecycle calls
// and captures broadcast messages.
type fakeTransport struct {
	name     string
	startErr error

	mu      sync.Mutex
	handler codeassist.MessageHandler
	running bool
	clients int
	sent    []codeassist.JSONRPCMessage
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = true
	return nil
}

func (f *fakeTransport) Shutdown(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	return nil
}

func (f *fakeTransport) SetMessageHandler(h codeassist.MessageHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeTransport) SendMessage(_ context.Context, msg codeassist.JSONRPCMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeTransport) ClientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients
}

func (f *fakeTransport) sentMethods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	methods := make([]string, len(f.sent))
	for i, msg := range f.sent {
		methods[i] = msg.Method
	}
	return methods
}

func testInfo() codeassist.Info {
	return codeassist.Info{Name: "codeassist", Version: "1.0.0"}
}

func request(t *testing.T, id, method string, params any) codeassist.JSONRPCMessage {
	t.Helper()
	msg := codeassist.JSONRPCMessage{
		JSONRPC: codeassist.JSONRPCVersion,
		ID:      codeassist.MustString(id),
		Method:  method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("failed to marshal params: %v", err)
		}
		msg.Params = raw
	}
	return msg
}

func decodeResult(t *testing.T, resp *codeassist.JSONRPCMessage, dst any) {
	t.Helper()
	if resp == nil {
		t.Fatal("no response message")
	}
	if resp.Error != nil {
		t.Fatalf("response carries error: %v", resp.Error)
	}
	if err := json.Unmarshal(resp.Result, dst); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestServer_Initialize(t *testing.T) {
	srv := codeassist.NewServer(testInfo(), codeassist.WithInstructions("Use the assistance tools."))

	tests := []struct {
		name        string
		params      any
		wantErrCode int
		wantErrMsg  string
	}{
		{
			name: "supported version",
			params: map[string]any{
				"protocolVersion": "2024-11-05",
				"clientInfo":      map[string]any{"name": "editor", "version": "0.1.0"},
			},
		},
		{
			name:   "missing version defaults to supported",
			params: map[string]any{"clientInfo": map[string]any{"name": "editor"}},
		},
		{
			name:   "no params at all",
			params: nil,
		},
		{
			name:        "unsupported version",
			params:      map[string]any{"protocolVersion": "2025-01-01"},
			wantErrCode: codeassist.ErrCodeInvalidParams,
			wantErrMsg:  "Unsupported protocol version: 2025-01-01",
		},
		{
			name:        "malformed params",
			params:      []int{1, 2, 3},
			wantErrCode: codeassist.ErrCodeInternal,
			wantErrMsg:  "Failed to initialize server",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := srv.HandleMessage(context.Background(),
				request(t, "1", codeassist.MethodInitialize, tt.params))
			if resp == nil {
				t.Fatal("no response message")
			}

			if tt.wantErrCode != 0 {
				if resp.Error == nil {
					t.Fatalf("expected error, got result %s", resp.Result)
				}
				if resp.Error.Code != tt.wantErrCode {
					t.Errorf("error code = %d, want %d", resp.Error.Code, tt.wantErrCode)
				}
				if resp.Error.Message != tt.wantErrMsg {
					t.Errorf("error message = %q, want %q", resp.Error.Message, tt.wantErrMsg)
				}
				return
			}

			var result struct {
				ProtocolVersion string `json:"protocolVersion"`
				Capabilities    struct {
					Tools *struct {
						ListChanged bool `json:"listChanged"`
					} `json:"tools"`
				} `json:"capabilities"`
				ServerInfo   codeassist.Info `json:"serverInfo"`
				Instructions string          `json:"instructions"`
			}
			decodeResult(t, resp, &result)

			if result.ProtocolVersion != "2024-11-05" {
				t.Errorf("protocolVersion = %q, want 2024-11-05", result.ProtocolVersion)
			}
			if result.Capabilities.Tools == nil || !result.Capabilities.Tools.ListChanged {
				t.Error("capabilities do not advertise tool list change notifications")
			}
			if result.ServerInfo.Name != "codeassist" {
				t.Errorf("serverInfo.name = %q, want codeassist", result.ServerInfo.Name)
			}
			if result.Instructions != "Use the assistance tools." {
				t.Errorf("instructions = %q, want the configured hint", result.Instructions)
			}
		})
	}
}

func TestServer_UnsupportedVersionListsSupported(t *testing.T) {
	srv := codeassist.NewServer(testInfo())

	resp := srv.HandleMessage(context.Background(),
		request(t, "1", codeassist.MethodInitialize, map[string]any{"protocolVersion": "1.0"}))
	if resp == nil || resp.Error == nil {
		t.Fatal("expected an error response")
	}

	supported, ok := resp.Error.Data["supported_versions"].([]string)
	if !ok {
		t.Fatalf("supported_versions missing from error data: %v", resp.Error.Data)
	}
	if diff := cmp.Diff([]string{"2024-11-05"}, supported); diff != "" {
		t.Errorf("supported_versions mismatch (-want +got):\n%s", diff)
	}
}

func TestServer_Notifications(t *testing.T) {
	srv := codeassist.NewServer(testInfo())

	tests := []struct {
		name string
		msg  codeassist.JSONRPCMessage
	}{
		{
			name: "initialized notification",
			msg: codeassist.JSONRPCMessage{
				JSONRPC: codeassist.JSONRPCVersion,
				Method:  "notifications/initialized",
			},
		},
		{
			name: "unknown notification",
			msg: codeassist.JSONRPCMessage{
				JSONRPC: codeassist.JSONRPCVersion,
				Method:  "notifications/progress",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Notifications never earn a response, not even an error.
			if resp := srv.HandleMessage(context.Background(), tt.msg); resp != nil {
				t.Errorf("notification got response %+v, want nil", resp)
			}
		})
	}
}

func TestServer_UnknownMethod(t *testing.T) {
	srv := codeassist.NewServer(testInfo())

	resp := srv.HandleMessage(context.Background(), request(t, "1", "resources/list", nil))
	if resp == nil || resp.Error == nil {
		t.Fatal("expected an error response")
	}
	if resp.Error.Code != codeassist.ErrCodeMethodNotFound {
		t.Errorf("error code = %d, want %d", resp.Error.Code, codeassist.ErrCodeMethodNotFound)
	}
	if want := "Method 'resources/list' not supported"; resp.Error.Message != want {
		t.Errorf("error message = %q, want %q", resp.Error.Message, want)
	}

	methods, ok := resp.Error.Data["supported_methods"].([]string)
	if !ok {
		t.Fatalf("supported_methods missing from error data: %v", resp.Error.Data)
	}
	want := []string{
		codeassist.MethodInitialize,
		codeassist.MethodToolsList,
		codeassist.MethodToolsCall,
	}
	if diff := cmp.Diff(want, methods); diff != "" {
		t.Errorf("supported_methods mismatch (-want +got):\n%s", diff)
	}
}

func TestServer_MalformedMessages(t *testing.T) {
	srv := codeassist.NewServer(testInfo())

	tests := []struct {
		name     string
		msg      codeassist.JSONRPCMessage
		wantResp bool
	}{
		{
			name: "wrong jsonrpc version with id",
			msg: codeassist.JSONRPCMessage{
				JSONRPC: "1.0",
				ID:      "1",
				Method:  codeassist.MethodToolsList,
			},
			wantResp: true,
		},
		{
			name: "empty method with id",
			msg: codeassist.JSONRPCMessage{
				JSONRPC: codeassist.JSONRPCVersion,
				ID:      "2",
			},
			wantResp: true,
		},
		{
			// Without an id there is nothing to correlate an error to.
			name: "wrong jsonrpc version without id",
			msg: codeassist.JSONRPCMessage{
				JSONRPC: "1.0",
				Method:  codeassist.MethodToolsList,
			},
			wantResp: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := srv.HandleMessage(context.Background(), tt.msg)
			if !tt.wantResp {
				if resp != nil {
					t.Errorf("got response %+v, want silence", resp)
				}
				return
			}
			if resp == nil || resp.Error == nil {
				t.Fatal("expected an error response")
			}
			if resp.Error.Code != codeassist.ErrCodeInvalidRequest {
				t.Errorf("error code = %d, want %d", resp.Error.Code, codeassist.ErrCodeInvalidRequest)
			}
			if resp.Error.Message != "Invalid request" {
				t.Errorf("error message = %q, want Invalid request", resp.Error.Message)
			}
		})
	}
}

func TestServer_ToolsList(t *testing.T) {
	srv := codeassist.NewServer(testInfo())

	resp := srv.HandleMessage(context.Background(), request(t, "1", codeassist.MethodToolsList, nil))

	var result codeassist.ListToolsResult
	decodeResult(t, resp, &result)

	var names []string
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
		if len(tool.InputSchema) == 0 {
			t.Errorf("tool %s has no input schema", tool.Name)
		}
	}
	want := []string{
		codeassist.ToolCodeCompletion,
		codeassist.ToolCodeExplanation,
		codeassist.ToolDebugAssistance,
	}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("tool names mismatch (-want +got):\n%s", diff)
	}

	// Without intervening registrations a second listing is byte-identical.
	again := srv.HandleMessage(context.Background(), request(t, "2", codeassist.MethodToolsList, nil))
	if !bytes.Equal(resp.Result, again.Result) {
		t.Errorf("repeated tools/list changed:\n first: %s\nsecond: %s", resp.Result, again.Result)
	}
}

func TestServer_ToolsCall(t *testing.T) {
	provider := &stubProvider{text: "return a + b"}
	srv := codeassist.NewServer(testInfo(), codeassist.WithGenerationProvider(provider))

	resp := srv.HandleMessage(context.Background(), request(t, "1", codeassist.MethodToolsCall,
		codeassist.CallToolParams{
			Name:      codeassist.ToolCodeCompletion,
			Arguments: json.RawMessage(`{"code":"def add(a, b):","language":"python"}`),
			SessionID: "sess-1",
		}))

	var result codeassist.CallToolResult
	decodeResult(t, resp, &result)

	if result.IsError {
		t.Fatalf("call reported isError: %v", result.Content)
	}
	if got := result.Content[0].Text; got != "return a + b" {
		t.Errorf("content text = %q, want %q", got, "return a + b")
	}
}

func TestServer_ToolsCallMissingName(t *testing.T) {
	srv := codeassist.NewServer(testInfo())

	resp := srv.HandleMessage(context.Background(), request(t, "1", codeassist.MethodToolsCall,
		codeassist.CallToolParams{Arguments: json.RawMessage(`{}`)}))
	if resp == nil || resp.Error == nil {
		t.Fatal("expected an error response")
	}
	if resp.Error.Code != codeassist.ErrCodeInvalidParams {
		t.Errorf("error code = %d, want %d", resp.Error.Code, codeassist.ErrCodeInvalidParams)
	}
	if resp.Error.Message != "Tool name is required" {
		t.Errorf("error message = %q, want Tool name is required", resp.Error.Message)
	}
}

func TestServer_ToolsCallUnknownTool(t *testing.T) {
	srv := codeassist.NewServer(testInfo())

	resp := srv.HandleMessage(context.Background(), request(t, "1", codeassist.MethodToolsCall,
		codeassist.CallToolParams{Name: "no_such_tool", SessionID: "sess-1"}))
	if resp == nil || resp.Error == nil {
		t.Fatal("expected an error response")
	}
	if resp.Error.Code != codeassist.ErrCodeMethodNotFound {
		t.Errorf("error code = %d, want %d", resp.Error.Code, codeassist.ErrCodeMethodNotFound)
	}
	if want := "Tool 'no_such_tool' not found"; resp.Error.Message != want {
		t.Errorf("error message = %q, want %q", resp.Error.Message, want)
	}

	available, ok := resp.Error.Data["available_tools"].([]string)
	if !ok {
		t.Fatalf("available_tools missing from error data: %v", resp.Error.Data)
	}
	if len(available) != 3 {
		t.Errorf("available_tools = %v, want the three default tools", available)
	}
}

func TestServer_ToolsCallExecutorError(t *testing.T) {
	reg := codeassist.NewRegistry()
	reg.Register(codeassist.Tool{Name: "flaky"}, codeassist.ToolExecutorFunc(
		func(context.Context, json.RawMessage) (any, error) {
			return nil, errors.New("backend exploded")
		}))
	srv := codeassist.NewServer(testInfo(), codeassist.WithRegistry(reg))

	resp := srv.HandleMessage(context.Background(), request(t, "1", codeassist.MethodToolsCall,
		codeassist.CallToolParams{Name: "flaky", SessionID: "sess-1"}))
	if resp == nil || resp.Error == nil {
		t.Fatal("expected an error response")
	}
	if resp.Error.Code != codeassist.ErrCodeToolExecution {
		t.Errorf("error code = %d, want %d", resp.Error.Code, codeassist.ErrCodeToolExecution)
	}
	if !strings.HasPrefix(resp.Error.Message, "Tool execution failed:") {
		t.Errorf("error message = %q, want Tool execution failed prefix", resp.Error.Message)
	}
	detail, _ := resp.Error.Data["error"].(string)
	if !strings.Contains(detail, "backend exploded") {
		t.Errorf("error data = %q, want the executor failure", detail)
	}
}

func TestServer_ToolsCallMalformedParams(t *testing.T) {
	srv := codeassist.NewServer(testInfo())

	resp := srv.HandleMessage(context.Background(),
		request(t, "1", codeassist.MethodToolsCall, []int{1, 2, 3}))
	if resp == nil || resp.Error == nil {
		t.Fatal("expected an error response")
	}
	if resp.Error.Code != codeassist.ErrCodeToolExecution {
		t.Errorf("error code = %d, want %d", resp.Error.Code, codeassist.ErrCodeToolExecution)
	}
	if !strings.HasPrefix(resp.Error.Message, "Tool execution failed:") {
		t.Errorf("error message = %q, want Tool execution failed prefix", resp.Error.Message)
	}
}

func TestServer_PanicBecomesInternalError(t *testing.T) {
	reg := codeassist.NewRegistry()
	reg.Register(codeassist.Tool{Name: "volatile"}, codeassist.ToolExecutorFunc(
		func(context.Context, json.RawMessage) (any, error) {
			panic("executor blew up")
		}))
	srv := codeassist.NewServer(testInfo(), codeassist.WithRegistry(reg))

	resp := srv.HandleMessage(context.Background(), request(t, "1", codeassist.MethodToolsCall,
		codeassist.CallToolParams{Name: "volatile", SessionID: "sess-1"}))
	if resp == nil || resp.Error == nil {
		t.Fatal("expected an error response")
	}
	if resp.Error.Code != codeassist.ErrCodeInternal {
		t.Errorf("error code = %d, want %d", resp.Error.Code, codeassist.ErrCodeInternal)
	}
	if resp.Error.Message != "Internal server error" {
		t.Errorf("error message = %q, want Internal server error", resp.Error.Message)
	}
	detail, _ := resp.Error.Data["error"].(string)
	if !strings.Contains(detail, "executor blew up") {
		t.Errorf("error data = %q, want the panic value", detail)
	}
}

func TestServer_SessionResolution(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		params  codeassist.CallToolParams
		wantSID string
	}{
		{
			name: "explicit session id wins",
			id:   "1",
			params: codeassist.CallToolParams{
				Name:       codeassist.ToolCodeCompletion,
				Arguments:  json.RawMessage(`{"code":"x","language":"go"}`),
				SessionID:  "explicit",
				ClientInfo: &codeassist.Info{Name: "editor", SessionID: "from-client"},
			},
			wantSID: "explicit",
		},
		{
			name: "client info session id",
			id:   "2",
			params: codeassist.CallToolParams{
				Name:       codeassist.ToolCodeCompletion,
				Arguments:  json.RawMessage(`{"code":"x","language":"go"}`),
				ClientInfo: &codeassist.Info{Name: "editor", SessionID: "from-client"},
			},
			wantSID: "from-client",
		},
		{
			name: "synthesized from request id",
			id:   "42",
			params: codeassist.CallToolParams{
				Name:      codeassist.ToolCodeCompletion,
				Arguments: json.RawMessage(`{"code":"x","language":"go"}`),
			},
			wantSID: "session_42",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			contexts := codeassist.NewContextManager()
			defer contexts.Close()
			srv := codeassist.NewServer(testInfo(),
				codeassist.WithContextManager(contexts))

			resp := srv.HandleMessage(context.Background(),
				request(t, tt.id, codeassist.MethodToolsCall, tt.params))
			if resp == nil || resp.Error != nil {
				t.Fatalf("call failed: %+v", resp)
			}

			if contexts.Get(context.Background(), tt.wantSID) == nil {
				t.Errorf("no session context materialized under %q", tt.wantSID)
			}
		})
	}
}

func TestServer_SessionRequirePolicy(t *testing.T) {
	srv := codeassist.NewServer(testInfo(),
		codeassist.WithSessionPolicy(codeassist.SessionRequire))

	resp := srv.HandleMessage(context.Background(), request(t, "1", codeassist.MethodToolsCall,
		codeassist.CallToolParams{
			Name:      codeassist.ToolCodeCompletion,
			Arguments: json.RawMessage(`{"code":"x","language":"go"}`),
		}))
	if resp == nil || resp.Error == nil {
		t.Fatal("expected an error response")
	}
	if resp.Error.Code != codeassist.ErrCodeInvalidParams {
		t.Errorf("error code = %d, want %d", resp.Error.Code, codeassist.ErrCodeInvalidParams)
	}
	if resp.Error.Message != "Session id is required" {
		t.Errorf("error message = %q, want Session id is required", resp.Error.Message)
	}

	// An explicit session id satisfies the policy.
	resp = srv.HandleMessage(context.Background(), request(t, "2", codeassist.MethodToolsCall,
		codeassist.CallToolParams{
			Name:      codeassist.ToolCodeCompletion,
			Arguments: json.RawMessage(`{"code":"x","language":"go"}`),
			SessionID: "sess-1",
		}))
	if resp == nil || resp.Error != nil {
		t.Fatalf("call with explicit session failed: %+v", resp)
	}
}

func TestServer_ConversationRecording(t *testing.T) {
	ctx := context.Background()
	contexts := codeassist.NewContextManager()
	defer contexts.Close()
	provider := &stubProvider{text: "return a + b"}
	srv := codeassist.NewServer(testInfo(),
		codeassist.WithContextManager(contexts),
		codeassist.WithGenerationProvider(provider))

	resp := srv.HandleMessage(ctx, request(t, "1", codeassist.MethodToolsCall,
		codeassist.CallToolParams{
			Name:      codeassist.ToolCodeCompletion,
			Arguments: json.RawMessage(`{"code":"def add(a, b):","language":"python"}`),
			SessionID: "sess-1",
		}))
	if resp == nil || resp.Error != nil {
		t.Fatalf("call failed: %+v", resp)
	}

	history := contexts.History(ctx, "sess-1", 0)
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}

	req := history[0]
	if req.Role != codeassist.RoleUser {
		t.Errorf("request entry role = %q, want user", req.Role)
	}
	if want := "Called tool: code_completion"; req.Content != want {
		t.Errorf("request entry content = %q, want %q", req.Content, want)
	}
	if req.Metadata["tool"] != codeassist.ToolCodeCompletion {
		t.Errorf("request entry tool metadata = %v", req.Metadata["tool"])
	}
	if req.Metadata["method"] != codeassist.MethodToolsCall {
		t.Errorf("request entry method metadata = %v", req.Metadata["method"])
	}

	res := history[1]
	if res.Role != codeassist.RoleAssistant {
		t.Errorf("response entry role = %q, want assistant", res.Role)
	}
	if want := "return a + b..."; res.Content != want {
		t.Errorf("response entry content = %q, want %q", res.Content, want)
	}
	if res.Metadata["response_type"] != "success" {
		t.Errorf("response entry metadata = %v", res.Metadata)
	}
}

func TestServer_UnknownToolStillRecordsRequest(t *testing.T) {
	ctx := context.Background()
	contexts := codeassist.NewContextManager()
	defer contexts.Close()
	srv := codeassist.NewServer(testInfo(), codeassist.WithContextManager(contexts))

	srv.HandleMessage(ctx, request(t, "1", codeassist.MethodToolsCall,
		codeassist.CallToolParams{Name: "no_such_tool", SessionID: "sess-1"}))

	// The request lands in the history even though the call failed; only the
	// response entry is absent.
	history := contexts.History(ctx, "sess-1", 0)
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	if want := "Called tool: no_such_tool"; history[0].Content != want {
		t.Errorf("entry content = %q, want %q", history[0].Content, want)
	}
}

func TestServer_ResponseSummary(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		out  any
		want string
	}{
		{
			name: "short text plus ellipsis",
			out:  "short answer",
			want: "short answer...",
		},
		{
			name: "long text capped at 200 characters",
			out:  strings.Repeat("x", 300),
			want: strings.Repeat("x", 200) + "...",
		},
		{
			name: "empty content uses fixed marker",
			out:  codeassist.CallToolResult{Content: []codeassist.Content{}},
			want: "Tool executed successfully",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			contexts := codeassist.NewContextManager()
			defer contexts.Close()
			reg := codeassist.NewRegistry()
			reg.Register(codeassist.Tool{Name: "emitter"}, codeassist.ToolExecutorFunc(
				func(context.Context, json.RawMessage) (any, error) { return tt.out, nil }))
			srv := codeassist.NewServer(testInfo(),
				codeassist.WithContextManager(contexts),
				codeassist.WithRegistry(reg))

			resp := srv.HandleMessage(ctx, request(t, "1", codeassist.MethodToolsCall,
				codeassist.CallToolParams{Name: "emitter", SessionID: "sess-1"}))
			if resp == nil || resp.Error != nil {
				t.Fatalf("call failed: %+v", resp)
			}

			history := contexts.History(ctx, "sess-1", 0)
			if len(history) != 2 {
				t.Fatalf("history length = %d, want 2", len(history))
			}
			if got := history[1].Content; got != tt.want {
				t.Errorf("summary = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestServer_ConcurrentCalls(t *testing.T) {
	provider := &stubProvider{text: "ok"}
	srv := codeassist.NewServer(testInfo(), codeassist.WithGenerationProvider(provider))

	var g errgroup.Group
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("%d", i)
		g.Go(func() error {
			resp := srv.HandleMessage(context.Background(),
				request(t, id, codeassist.MethodToolsCall, codeassist.CallToolParams{
					Name:      codeassist.ToolCodeCompletion,
					Arguments: json.RawMessage(`{"code":"x","language":"go"}`),
					SessionID: "sess-" + id,
				}))
			if resp == nil {
				return fmt.Errorf("request %s: no response", id)
			}
			if resp.Error != nil {
				return fmt.Errorf("request %s: %v", id, resp.Error)
			}
			if resp.ID != codeassist.MustString(id) {
				return fmt.Errorf("request %s: response id %s", id, resp.ID)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Error(err)
	}
}

func TestServer_RateLimiterRejectsOnDeadContext(t *testing.T) {
	limiter := codeassist.NewRateLimiter(codeassist.DefaultRateLimitConfig())
	srv := codeassist.NewServer(testInfo(), codeassist.WithRateLimiter(limiter))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	resp := srv.HandleMessage(cancelled, request(t, "1", codeassist.MethodToolsList, nil))
	if resp == nil || resp.Error == nil {
		t.Fatal("expected an error response")
	}
	if resp.Error.Code != codeassist.ErrCodeInternal {
		t.Errorf("error code = %d, want %d", resp.Error.Code, codeassist.ErrCodeInternal)
	}

	// The same rejection on a notification stays silent.
	notification := codeassist.JSONRPCMessage{
		JSONRPC: codeassist.JSONRPCVersion,
		Method:  "notifications/initialized",
	}
	if resp := srv.HandleMessage(cancelled, notification); resp != nil {
		t.Errorf("rate-limited notification got response %+v, want nil", resp)
	}
}

func TestServer_ServeAndShutdown(t *testing.T) {
	transport := &fakeTransport{name: "fake"}
	srv := codeassist.NewServer(testInfo(), codeassist.WithTransports(transport))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(context.Background()) }()

	waitFor(t, transport.Running, "transport did not start")

	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
	if transport.Running() {
		t.Error("transport still running after shutdown")
	}

	// A second shutdown is a no-op.
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Errorf("repeated Shutdown() error = %v", err)
	}
}

func TestServer_ServeStopsOnContextCancel(t *testing.T) {
	transport := &fakeTransport{name: "fake"}
	srv := codeassist.NewServer(testInfo(), codeassist.WithTransports(transport))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx) }()

	waitFor(t, transport.Running, "transport did not start")
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}

func TestServer_ServeRejectsSecondCall(t *testing.T) {
	transport := &fakeTransport{name: "fake"}
	srv := codeassist.NewServer(testInfo(), codeassist.WithTransports(transport))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(context.Background()) }()
	waitFor(t, transport.Running, "transport did not start")

	if err := srv.Serve(context.Background()); err == nil {
		t.Error("second Serve() returned nil error")
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	<-errCh
}

func TestServer_StartFailureRollsBack(t *testing.T) {
	healthy := &fakeTransport{name: "healthy"}
	broken := &fakeTransport{name: "broken", startErr: errors.New("port in use")}
	srv := codeassist.NewServer(testInfo(), codeassist.WithTransports(healthy, broken))

	err := srv.Serve(context.Background())
	if err == nil {
		t.Fatal("Serve() returned nil error for a failing transport")
	}
	if !strings.Contains(err.Error(), "broken") {
		t.Errorf("Serve() error = %v, want it to name the failing transport", err)
	}
	// The transport that did start was stopped again.
	if healthy.Running() {
		t.Error("healthy transport left running after rollback")
	}
}

func TestServer_ToolChangeNotifications(t *testing.T) {
	transport := &fakeTransport{name: "fake"}
	srv := codeassist.NewServer(testInfo(), codeassist.WithTransports(transport))

	// Changes before Serve are silent; there is nobody to notify.
	srv.RegisterTool(codeassist.Tool{Name: "early"}, codeassist.ToolExecutorFunc(
		func(context.Context, json.RawMessage) (any, error) { return "ok", nil }))
	if got := transport.sentMethods(); len(got) != 0 {
		t.Fatalf("notifications before Serve = %v, want none", got)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(context.Background()) }()
	waitFor(t, transport.Running, "transport did not start")

	srv.RegisterTool(codeassist.Tool{Name: "late"}, codeassist.ToolExecutorFunc(
		func(context.Context, json.RawMessage) (any, error) { return "ok", nil }))
	if !srv.RemoveTool("late") {
		t.Error("RemoveTool(late) = false")
	}
	if srv.RemoveTool("never-registered") {
		t.Error("RemoveTool(never-registered) = true")
	}

	want := []string{
		"notifications/tools/list_changed",
		"notifications/tools/list_changed",
	}
	if diff := cmp.Diff(want, transport.sentMethods()); diff != "" {
		t.Errorf("broadcast methods mismatch (-want +got):\n%s", diff)
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	<-errCh
}

func TestServer_Status(t *testing.T) {
	transport := &fakeTransport{name: "fake", clients: 2}
	provider := &stubProvider{text: "ok"}
	srv := codeassist.NewServer(testInfo(),
		codeassist.WithTransports(transport),
		codeassist.WithGenerationProvider(provider))

	status := srv.Status(context.Background())
	if status.Running {
		t.Error("Running = true before Serve")
	}
	if status.ServerName != "codeassist" {
		t.Errorf("ServerName = %q, want codeassist", status.ServerName)
	}
	if !status.ProviderAvailable {
		t.Error("ProviderAvailable = false with a configured provider")
	}
	if status.ToolCount != 3 {
		t.Errorf("ToolCount = %d, want 3", status.ToolCount)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(context.Background()) }()
	waitFor(t, transport.Running, "transport did not start")
	defer func() {
		srv.Shutdown(context.Background())
		<-errCh
	}()

	status = srv.Status(context.Background())
	if !status.Running {
		t.Error("Running = false while serving")
	}
	ts, ok := status.Transports["fake"]
	if !ok {
		t.Fatalf("transport missing from status: %v", status.Transports)
	}
	if !ts.Running || ts.Clients != 2 {
		t.Errorf("transport status = %+v, want running with 2 clients", ts)
	}
}

func TestServer_Health(t *testing.T) {
	transport := &fakeTransport{name: "fake"}
	provider := &stubProvider{text: "ok"}
	srv := codeassist.NewServer(testInfo(),
		codeassist.WithTransports(transport),
		codeassist.WithGenerationProvider(provider))

	health := srv.Health(context.Background())
	if health.Status != "degraded" {
		t.Errorf("Status = %q before Serve, want degraded", health.Status)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(context.Background()) }()
	waitFor(t, transport.Running, "transport did not start")
	defer func() {
		srv.Shutdown(context.Background())
		<-errCh
	}()

	health = srv.Health(context.Background())
	if health.Status != "healthy" {
		t.Errorf("Status = %q while serving, want healthy", health.Status)
	}
	if health.Uptime == "" {
		t.Error("Uptime empty while serving")
	}
	if got := health.Components["provider"].Status; got != "ready" {
		t.Errorf("provider component status = %q, want ready", got)
	}
	if got := health.Components["tool_registry"].Details["tool_count"]; got != 3 {
		t.Errorf("tool_registry tool_count = %v, want 3", got)
	}
}

func TestServer_HealthDegradesWithoutProvider(t *testing.T) {
	transport := &fakeTransport{name: "fake"}
	srv := codeassist.NewServer(testInfo(), codeassist.WithTransports(transport))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(context.Background()) }()
	waitFor(t, transport.Running, "transport did not start")
	defer func() {
		srv.Shutdown(context.Background())
		<-errCh
	}()

	health := srv.Health(context.Background())
	if health.Status != "degraded" {
		t.Errorf("Status = %q without provider, want degraded", health.Status)
	}
	if got := health.Components["provider"].Status; got != "not_configured" {
		t.Errorf("provider component status = %q, want not_configured", got)
	}
}

func TestServer_HealthEndpointAnswers200WhenDegraded(t *testing.T) {
	// No provider and no running transports: as degraded as it gets, yet the
	// server still answers requests with fallback content, so the endpoint
	// must not tell an orchestrator to restart it.
	srv := codeassist.NewServer(testInfo())

	rec := httptest.NewRecorder()
	srv.HandleHealth().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != 200 {
		t.Errorf("status code = %d, want 200", rec.Code)
	}
	var health codeassist.ServerHealth
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("failed to decode health body: %v", err)
	}
	if health.Status != "degraded" {
		t.Errorf("health status = %q, want degraded", health.Status)
	}
}

func TestServer_StatusEndpoint(t *testing.T) {
	srv := codeassist.NewServer(testInfo())

	rec := httptest.NewRecorder()
	srv.HandleStatus().ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))

	if rec.Code != 200 {
		t.Errorf("status code = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got)
	}
	var status codeassist.ServerStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("failed to decode status body: %v", err)
	}
	if status.ToolCount != 3 {
		t.Errorf("tool_count = %d, want 3", status.ToolCount)
	}
}
