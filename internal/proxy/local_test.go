package proxy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gatewarden/gatewarden/internal/adapter"
	"github.com/gatewarden/gatewarden/internal/policy"
	"github.com/gatewarden/gatewarden/internal/session"
)

func defaultRegistry(t *testing.T) *adapter.Registry {
	t.Helper()
	ev, err := policy.NewEvaluator(testLogger())
	if err != nil {
		t.Fatalf("NewEvaluator() error: %v", err)
	}
	return adapter.Default(ev, testLogger())
}

func TestLocalBackend_ListTools(t *testing.T) {
	b := NewLocalBackend(defaultRegistry(t), testLogger())

	tools, err := b.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools() error: %v", err)
	}
	byName := make(map[string]Tool, len(tools))
	for _, tool := range tools {
		byName[tool.Name] = tool
	}
	for _, want := range []string{"file:read", "file:write", "command:run"} {
		if _, ok := byName[want]; !ok {
			t.Errorf("missing built-in tool %s", want)
		}
	}
	if tool := byName["file:read"]; tool.Description == "" || len(tool.InputSchema) == 0 {
		t.Errorf("file:read tool incomplete: %+v", tool)
	}
}

func TestLocalBackend_CallToolExecutes(t *testing.T) {
	b := NewLocalBackend(defaultRegistry(t), testLogger())
	path := filepath.Join(t.TempDir(), "out.txt")

	tr, err := b.CallTool(context.Background(), "file:write",
		map[string]any{"path": path, "content": "hello"},
		CallMeta{SessionID: "sess", ActionID: "act"},
	)
	if err != nil {
		t.Fatalf("CallTool() error: %v", err)
	}
	if tr.IsError {
		t.Fatalf("IsError = true, text %q", tr.Text)
	}
	if tr.Outcome == nil || !tr.Outcome.Success {
		t.Fatalf("outcome = %+v, want success", tr.Outcome)
	}
	if len(tr.Outcome.RollbackData) == 0 {
		t.Error("outcome carries no rollback stash")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Errorf("file content = %q", data)
	}

	// Raw must be a well-formed tool result for passthrough.
	if _, isErr := toolText(t, tr.Raw); isErr {
		t.Error("raw result flags an error")
	}
}

func TestLocalBackend_CallToolFailure(t *testing.T) {
	b := NewLocalBackend(defaultRegistry(t), testLogger())

	tr, err := b.CallTool(context.Background(), "file:read",
		map[string]any{"path": filepath.Join(t.TempDir(), "missing.txt")},
		CallMeta{},
	)
	if err != nil {
		t.Fatalf("CallTool() error: %v", err)
	}
	if !tr.IsError || tr.Text == "" {
		t.Errorf("result = %+v, want a tool error with text", tr)
	}
	if tr.Outcome == nil || tr.Outcome.Success {
		t.Errorf("outcome = %+v, want failure", tr.Outcome)
	}
}

func TestLocalBackend_UnknownTool(t *testing.T) {
	b := NewLocalBackend(defaultRegistry(t), testLogger())

	_, err := b.CallTool(context.Background(), "nope", nil, CallMeta{})
	if err == nil || !strings.Contains(err.Error(), "no adapter registered") {
		t.Fatalf("CallTool() error = %v", err)
	}
}

func TestResultText(t *testing.T) {
	tests := []struct {
		name string
		res  *session.Result
		want string
	}{
		{"error wins", &session.Result{Error: "boom", Output: "ignored"}, "boom"},
		{"string output", &session.Result{Output: "hi"}, "hi"},
		{"nil output", &session.Result{}, "ok"},
		{"structured output", &session.Result{Output: map[string]any{"n": 1}}, `{"n":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resultText(tt.res); got != tt.want {
				t.Errorf("resultText() = %q, want %q", got, tt.want)
			}
		})
	}
}
