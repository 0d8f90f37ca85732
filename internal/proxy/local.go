package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/gatewarden/gatewarden/internal/adapter"
	"github.com/gatewarden/gatewarden/internal/session"
)

// LocalBackend exposes the in-process adapter registry as a backend, so the
// gateway's built-in tools appear in the proxy's inventory next to remote
// MCP servers. Results carry the full adapter outcome, including rollback
// stashes the wire format has no field for.
type LocalBackend struct {
	registry *adapter.Registry
	logger   *slog.Logger
}

func NewLocalBackend(registry *adapter.Registry, logger *slog.Logger) *LocalBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalBackend{
		registry: registry,
		logger:   logger.With("component", "proxy.LocalBackend"),
	}
}

// Name returns the fixed backend name for built-in tools.
func (b *LocalBackend) Name() string { return "local" }

// Start is a no-op; the registry is already live.
func (b *LocalBackend) Start(context.Context) error { return nil }

// Close is a no-op.
func (b *LocalBackend) Close() error { return nil }

// ListTools returns one tool per registered adapter.
func (b *LocalBackend) ListTools(context.Context) ([]Tool, error) {
	adapters := b.registry.All()
	tools := make([]Tool, 0, len(adapters))
	for _, a := range adapters {
		tools = append(tools, Tool{
			Name:        a.Name(),
			Description: a.Description(),
			InputSchema: a.InputSchema(),
		})
	}
	return tools, nil
}

// CallTool executes the named adapter and shapes its outcome as an MCP tool
// result.
func (b *LocalBackend) CallTool(ctx context.Context, name string, args map[string]any, meta CallMeta) (*ToolResult, error) {
	a, ok := b.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("no adapter registered for tool %s", name)
	}

	if args == nil {
		args = map[string]any{}
	}
	if _, err := json.Marshal(args); err != nil {
		return nil, fmt.Errorf("marshal arguments for %s: %w", name, err)
	}

	res := a.Execute(ctx, args, &adapter.ExecContext{
		SessionID: meta.SessionID,
		ActionID:  meta.ActionID,
		Budget:    meta.Budget,
	})

	text := resultText(res)
	return &ToolResult{
		Raw:     encodeToolResult(text, !res.Success),
		IsError: !res.Success,
		Text:    text,
		Outcome: res,
	}, nil
}

// resultText renders an adapter result as the text an agent sees.
func resultText(res *session.Result) string {
	if res.Error != "" {
		return res.Error
	}
	switch out := res.Output.(type) {
	case nil:
		return "ok"
	case string:
		return out
	default:
		encoded, err := json.Marshal(out)
		if err != nil {
			return fmt.Sprintf("%v", out)
		}
		return string(encoded)
	}
}
