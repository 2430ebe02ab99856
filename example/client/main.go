// Command client talks to a running code assistance server over its SSE
// transport: it initializes the session, lists the tool catalog, and
// requests a completion for a small Python snippet.
//
// Usage: client [stream-url]
//
// The stream URL defaults to http://localhost:8080/sse. Set
// CODEASSIST_AUTH_TOKEN when the server requires a bearer token.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	codeassist "github.com/MegaGrindStone/go-codeassist"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	url := "http://localhost:8080/sse"
	if len(os.Args) > 1 {
		url = os.Args[1]
	}

	var opts []codeassist.SSEClientOption
	if token := os.Getenv("CODEASSIST_AUTH_TOKEN"); token != "" {
		opts = append(opts, codeassist.WithSSEClientAuthToken(token))
	}
	client := codeassist.NewSSEClient(url, nil, opts...)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	resp, err := call(ctx, client, request("1", codeassist.MethodInitialize, map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo": map[string]any{
			"name":       "codeassist-example-client",
			"version":    "1.0.0",
			"session_id": "example-session",
		},
	}))
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	var init struct {
		ProtocolVersion string          `json:"protocolVersion"`
		ServerInfo      codeassist.Info `json:"serverInfo"`
	}
	if err := json.Unmarshal(resp.Result, &init); err != nil {
		return fmt.Errorf("decode initialize result: %w", err)
	}
	fmt.Printf("connected to %s %s (protocol %s)\n",
		init.ServerInfo.Name, init.ServerInfo.Version, init.ProtocolVersion)

	initialized := codeassist.JSONRPCMessage{
		JSONRPC: codeassist.JSONRPCVersion,
		Method:  "notifications/initialized",
	}
	if err := client.Send(ctx, initialized); err != nil {
		return fmt.Errorf("send initialized: %w", err)
	}

	resp, err = call(ctx, client, request("2", codeassist.MethodToolsList, nil))
	if err != nil {
		return fmt.Errorf("list tools: %w", err)
	}
	var catalog codeassist.ListToolsResult
	if err := json.Unmarshal(resp.Result, &catalog); err != nil {
		return fmt.Errorf("decode tool catalog: %w", err)
	}
	fmt.Println("available tools:")
	for _, tool := range catalog.Tools {
		fmt.Printf("  %s: %s\n", tool.Name, tool.Description)
	}

	args, err := json.Marshal(map[string]any{
		"code":     "def fibonacci(n):",
		"language": "python",
	})
	if err != nil {
		return fmt.Errorf("marshal tool arguments: %w", err)
	}
	resp, err = call(ctx, client, request("3", codeassist.MethodToolsCall, codeassist.CallToolParams{
		Name:      codeassist.ToolCodeCompletion,
		Arguments: args,
		SessionID: "example-session",
	}))
	if err != nil {
		return fmt.Errorf("call %s: %w", codeassist.ToolCodeCompletion, err)
	}
	var result codeassist.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("decode tool result: %w", err)
	}

	fmt.Printf("\n%s:\n", codeassist.ToolCodeCompletion)
	for _, content := range result.Content {
		fmt.Println(content.Text)
	}
	return nil
}

func request(id, method string, params any) codeassist.JSONRPCMessage {
	msg := codeassist.JSONRPCMessage{
		JSONRPC: codeassist.JSONRPCVersion,
		ID:      codeassist.MustString(id),
		Method:  method,
	}
	if params != nil {
		raw, _ := json.Marshal(params)
		msg.Params = raw
	}
	return msg
}

// call sends one request and waits for the response carrying its id,
// skipping server notifications arriving in between.
func call(ctx context.Context, client *codeassist.SSEClient, msg codeassist.JSONRPCMessage) (codeassist.JSONRPCMessage, error) {
	if err := client.Send(ctx, msg); err != nil {
		return codeassist.JSONRPCMessage{}, err
	}
	for {
		select {
		case resp, ok := <-client.Messages():
			if !ok {
				return codeassist.JSONRPCMessage{}, errors.New("server closed the stream")
			}
			if resp.ID != msg.ID {
				continue
			}
			if resp.Error != nil {
				return codeassist.JSONRPCMessage{}, *resp.Error
			}
			return resp, nil
		case <-ctx.Done():
			return codeassist.JSONRPCMessage{}, ctx.Err()
		}
	}
}
