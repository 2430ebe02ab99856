// Package codeassist implements an MCP-compatible JSON-RPC server exposing
// AI code assistance tools: code completion, code explanation, and debug
// assistance. Tool calls are answered by a pluggable generation provider
// (a local llama.cpp server or an OpenAI-compatible API) and degrade to
// deterministic fallback content when no provider is reachable.
//
// The server speaks JSON-RPC 2.0 over three interchangeable transports,
// stdio, Server-Sent Events, and WebSocket, and keeps per-session
// conversation context that can be persisted across restarts through a
// pluggable store.
package codeassist
