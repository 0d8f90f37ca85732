package policy

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"
)

// ConditionEvaluator compiles and evaluates the CEL expressions found in
// gate conditions (`cel:` prefix). Expressions are compiled on first use
// and cached; evaluation is lock-free and safe for concurrent use.
type ConditionEvaluator struct {
	env    *cel.Env
	logger *slog.Logger

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewConditionEvaluator creates a ConditionEvaluator with the variable
// declarations available in gate conditions.
func NewConditionEvaluator(logger *slog.Logger) (*ConditionEvaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	env, err := cel.NewEnv(
		cel.Variable("tool", cel.StringType),
		cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &ConditionEvaluator{
		env:      env,
		logger:   logger.With("component", "policy.ConditionEvaluator"),
		programs: make(map[string]cel.Program),
	}, nil
}

// compile parses and type-checks an expression, caching the program for
// repeated evaluation.
func (c *ConditionEvaluator) compile(expr string) (cel.Program, error) {
	c.mu.RLock()
	prg, ok := c.programs[expr]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error in %q: %w", expr, issues.Err())
	}
	// Expressions over input values type-check as dyn; those are verified
	// to be bool at evaluation time instead.
	if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
		return nil, fmt.Errorf("CEL expression %q must evaluate to bool, got %s", expr, t)
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program creation failed for %q: %w", expr, err)
	}

	c.mu.Lock()
	c.programs[expr] = prg
	c.mu.Unlock()

	c.logger.Debug("compiled gate condition", "expression", expr)
	return prg, nil
}

// Fires evaluates the expression against the request and reports whether
// the gate should apply. Compilation and evaluation errors are returned to
// the caller, which fails closed.
func (c *ConditionEvaluator) Fires(expr string, req ActionRequest) (bool, error) {
	prg, err := c.compile(expr)
	if err != nil {
		return false, err
	}

	input := req.Input
	// CEL map access on a nil map panics.
	if input == nil {
		input = map[string]any{}
	}
	vars := map[string]any{
		"tool":  req.Tool,
		"input": input,
	}

	out, _, err := prg.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error for %q: %w", expr, err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression %q returned non-bool: %T", expr, out.Value())
	}
	return result, nil
}
