// Package adapter implements the built-in tool surface of the gateway. Each
// adapter owns one tool name: it publishes a JSON Schema for its input,
// validates calls against a policy before anything runs, executes with
// evidence artifacts attached to the result, and knows how to undo what it
// did where undo is possible.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/gatewarden/gatewarden/internal/policy"
	"github.com/gatewarden/gatewarden/internal/session"
)

// Adapter is one governed tool. Validate never touches the system; Execute
// is only called after the caller obtained an allow verdict.
type Adapter interface {
	// Name returns the tool name, e.g. "file:write".
	Name() string

	// Description returns a one-line human description.
	Description() string

	// InputSchema returns the JSON Schema document for the tool's input.
	InputSchema() json.RawMessage

	// Validate checks the input against the schema and then the policy.
	// Schema failures come back as a deny verdict with invalid_input
	// reasons; they never reach the evaluator.
	Validate(input map[string]any, p *policy.Policy) policy.Evaluation

	// DryRun describes what Execute would do without side effects.
	DryRun(ctx context.Context, input map[string]any, ec *ExecContext) (*DryRunResult, error)

	// Execute performs the action. Failures are reported as a result with
	// Success false, not an error: the caller records them either way.
	Execute(ctx context.Context, input map[string]any, ec *ExecContext) *session.Result

	// Rollback undoes a prior Execute using the stash in ec.RollbackData.
	// It is idempotent; a missing stash is a failure with a clear reason.
	Rollback(ctx context.Context, input map[string]any, ec *ExecContext) *RollbackResult
}

// ExecContext carries the session coordinates of an execution. Budget is an
// informational copy taken at evaluate time; the session manager remains the
// only writer of the live budget when the result is recorded.
type ExecContext struct {
	SessionID    string
	ActionID     string
	Budget       policy.BudgetSnapshot
	RollbackData map[string]string
}

func (c *ExecContext) stash(key, value string) {
	if c.RollbackData == nil {
		c.RollbackData = make(map[string]string)
	}
	c.RollbackData[key] = value
}

func (c *ExecContext) stashed(key string) (string, bool) {
	v, ok := c.RollbackData[key]
	return v, ok
}

// StashKey is the rollback-data key for one invocation: the tool name and
// the JSON-encoded input, so re-running Rollback with the same arguments
// finds the same stash.
func StashKey(name string, input map[string]any) string {
	args, err := json.Marshal(input)
	if err != nil {
		return name + ":"
	}
	return name + ":" + string(args)
}

// DryRunResult describes what an execution would do.
type DryRunResult struct {
	WouldDo          string   `json:"would_do"`
	EstimatedChanges int      `json:"estimated_changes"`
	Warnings         []string `json:"warnings,omitempty"`
}

// RollbackResult reports one rollback attempt.
type RollbackResult struct {
	Success     bool   `json:"success"`
	Description string `json:"description,omitempty"`
	Error       string `json:"error,omitempty"`
}

func rollbackFailure(format string, args ...any) *RollbackResult {
	return &RollbackResult{Success: false, Error: fmt.Sprintf(format, args...)}
}

func readOnlyRollback(name string) *RollbackResult {
	return &RollbackResult{Success: true, Description: name + " is read-only; nothing to roll back"}
}

// Registry holds the adapters available to a gateway instance.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	logger   *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		adapters: make(map[string]Adapter),
		logger:   logger.With("component", "adapter.Registry"),
	}
}

// Register adds an adapter. Tool names are unique.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[a.Name()]; ok {
		return fmt.Errorf("adapter %q already registered", a.Name())
	}
	r.adapters[a.Name()] = a
	r.logger.Debug("adapter registered", "tool", a.Name())
	return nil
}

// Get returns the adapter for a tool name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns the registered adapters sorted by name.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		all = append(all, a)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name() < all[j].Name() })
	return all
}

// Default returns a registry with every built-in adapter registered. All
// built-ins share the evaluator so policy semantics match the session
// manager's.
func Default(ev *policy.Evaluator, logger *slog.Logger) *Registry {
	r := NewRegistry(logger)
	for _, a := range []Adapter{
		newFileRead(ev),
		newFileWrite(ev),
		newFileDelete(ev),
		newCommandRun(ev),
		newHTTPRequest(ev),
		newGitDiff(ev),
		newGitApply(ev),
		newDNSLookup(ev),
		newEnvGet(ev),
		newEnvSet(ev),
		newArchiveExtract(ev),
	} {
		if err := r.Register(a); err != nil {
			// Built-in names are compile-time constants; a clash is a
			// programmer error.
			panic(err)
		}
	}
	return r
}
