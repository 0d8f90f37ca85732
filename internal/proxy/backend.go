// Package proxy exposes the gateway as an MCP server on stdio. It multiplexes
// the tool inventories of any number of upstream MCP backends (plus the
// in-process adapter registry) behind a single endpoint, and routes every
// tools/call through policy evaluation before the backend sees it. Denied
// calls never reach a backend; allowed calls are forwarded and their results
// recorded in the session ledger.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/gatewarden/gatewarden/internal/policy"
	"github.com/gatewarden/gatewarden/internal/session"
)

// protocolVersion is the MCP protocol revision the proxy speaks on both
// sides: toward the agent and toward its backends.
const protocolVersion = "2025-06-18"

// Tool is one tool advertised by a backend.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ToolResult is a backend's answer to a tools/call. Raw carries the JSON-RPC
// result object exactly as the backend produced it, so the proxy can pass it
// through to the agent without re-encoding. IsError and Text are the parsed
// fields the gateway records in the session.
//
// Outcome is set only by in-process backends that can report richer execution
// detail (artifacts, rollback data) than the wire format carries. When nil,
// the recorder derives a result from IsError and Text.
type ToolResult struct {
	Raw     json.RawMessage
	IsError bool
	Text    string
	Outcome *session.Result
}

// CallMeta carries the governance context of one tool call: which session and
// action it belongs to and what budget headroom remains. Remote backends
// ignore it; the in-process backend threads it through to adapters.
type CallMeta struct {
	SessionID string
	ActionID  string
	Budget    policy.BudgetSnapshot
}

// Backend is one upstream tool provider the proxy multiplexes. Implementations
// must be safe for concurrent use after Start returns.
type Backend interface {
	// Name identifies the backend in logs and tool descriptions.
	Name() string
	// Start establishes the connection and completes the MCP handshake.
	Start(ctx context.Context) error
	// ListTools returns the backend's tool inventory.
	ListTools(ctx context.Context) ([]Tool, error)
	// CallTool invokes one tool and returns its result. A non-nil error means
	// the call itself failed (transport or protocol); tool-level failures come
	// back as a ToolResult with IsError set.
	CallTool(ctx context.Context, name string, args map[string]any, meta CallMeta) (*ToolResult, error)
	// Close releases the connection. Safe to call more than once.
	Close() error
}

// transport moves raw JSON-RPC messages to and from one upstream server.
// Implementations serialize concurrent exchanges internally.
type transport interface {
	start(ctx context.Context) error
	// exchange sends one message and blocks until the matching response
	// arrives.
	exchange(ctx context.Context, raw []byte) ([]byte, error)
	// notify sends a message without waiting for a response.
	notify(ctx context.Context, raw []byte) error
	close() error
}

// remoteBackend speaks MCP over a transport: the initialize handshake at
// Start, then tools/list and tools/call as plain JSON-RPC calls.
type remoteBackend struct {
	name   string
	t      transport
	logger *slog.Logger
	nextID atomic.Int64
}

func newRemoteBackend(name string, t transport, logger *slog.Logger) *remoteBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &remoteBackend{
		name:   name,
		t:      t,
		logger: logger.With("component", "proxy.Backend", "backend", name),
	}
}

// Name returns the backend's configured name.
func (b *remoteBackend) Name() string { return b.name }

// Start opens the transport and runs the MCP initialize handshake.
func (b *remoteBackend) Start(ctx context.Context) error {
	if err := b.t.start(ctx); err != nil {
		return fmt.Errorf("start backend %s: %w", b.name, err)
	}

	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "gatewarden",
			"version": serverVersion,
		},
	}
	result, err := b.call(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize backend %s: %w", b.name, err)
	}

	var info struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(result, &info); err == nil {
		b.logger.Debug("backend initialized",
			"server", info.ServerInfo.Name,
			"server_version", info.ServerInfo.Version,
			"protocol", info.ProtocolVersion,
		)
	}

	raw, err := jsonrpc.EncodeMessage(&jsonrpc.Request{Method: "notifications/initialized"})
	if err != nil {
		return fmt.Errorf("encode initialized notification: %w", err)
	}
	if err := b.t.notify(ctx, raw); err != nil {
		return fmt.Errorf("notify backend %s: %w", b.name, err)
	}
	return nil
}

// ListTools fetches the backend's tool inventory via tools/list.
func (b *remoteBackend) ListTools(ctx context.Context) ([]Tool, error) {
	result, err := b.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("list tools from %s: %w", b.name, err)
	}
	var parsed struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("parse tools/list from %s: %w", b.name, err)
	}
	return parsed.Tools, nil
}

// CallTool forwards one tools/call to the backend.
func (b *remoteBackend) CallTool(ctx context.Context, name string, args map[string]any, _ CallMeta) (*ToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	result, err := b.call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", name, b.name, err)
	}
	return parseToolResult(result), nil
}

// Close shuts down the transport.
func (b *remoteBackend) Close() error { return b.t.close() }

// call performs one JSON-RPC request/response round trip.
func (b *remoteBackend) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var rawParams json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		rawParams = encoded
	}

	id, err := jsonrpc.MakeID(float64(b.nextID.Add(1)))
	if err != nil {
		return nil, fmt.Errorf("make request id: %w", err)
	}
	raw, err := jsonrpc.EncodeMessage(&jsonrpc.Request{ID: id, Method: method, Params: rawParams})
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}

	respRaw, err := b.t.exchange(ctx, raw)
	if err != nil {
		return nil, err
	}

	msg, err := jsonrpc.DecodeMessage(respRaw)
	if err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	resp, ok := msg.(*jsonrpc.Response)
	if !ok {
		return nil, fmt.Errorf("%s: backend sent a non-response message", method)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%s: %w", method, resp.Error)
	}
	return resp.Result, nil
}

// toolCallResult is the MCP result shape for tool replies the proxy produces
// itself: denials, gate notices, virtual tool output, and local adapter runs.
type toolCallResult struct {
	Content []toolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type toolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// encodeToolResult builds a text-only MCP tool result.
func encodeToolResult(text string, isError bool) json.RawMessage {
	raw, _ := json.Marshal(toolCallResult{
		Content: []toolContent{{Type: "text", Text: text}},
		IsError: isError,
	})
	return raw
}

// parseToolResult extracts the isError flag and concatenated text content
// from an MCP tool call result. Unparseable results pass through raw with
// both fields zero.
func parseToolResult(result json.RawMessage) *ToolResult {
	tr := &ToolResult{Raw: result}
	var parsed struct {
		IsError bool `json:"isError"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return tr
	}
	tr.IsError = parsed.IsError
	var parts []string
	for _, c := range parsed.Content {
		if c.Type == "text" && c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	tr.Text = strings.Join(parts, "\n")
	return tr
}
