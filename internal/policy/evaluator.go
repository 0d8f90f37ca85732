package policy

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DenyKind tags a denial with its structural cause so that downstream
// consumers (the evolution suggester in particular) never have to parse the
// human-readable message.
type DenyKind string

const (
	DenyForbidden    DenyKind = "forbidden"
	DenyNoCapability DenyKind = "no_capability"
	DenyScope        DenyKind = "scope"
	DenyBudget       DenyKind = "budget"
	DenySession      DenyKind = "session"
	// DenyInvalidInput is produced by adapters whose input fails schema
	// validation before the policy is ever consulted.
	DenyInvalidInput DenyKind = "invalid_input"
)

// DenyReason is one structured denial. Message carries the stable
// human-readable form; its leading prefix is part of the contract with
// external consumers and must not change between releases.
type DenyReason struct {
	Kind    DenyKind `json:"kind"`
	Tool    string   `json:"tool,omitempty"`
	Field   string   `json:"field,omitempty"`
	Value   string   `json:"value,omitempty"`
	Pattern string   `json:"pattern,omitempty"`
	Message string   `json:"message"`
}

// Evaluation is the outcome of evaluating one action request.
type Evaluation struct {
	Verdict Verdict      `json:"verdict"`
	Tool    string       `json:"tool"`
	Reasons []string     `json:"reasons,omitempty"`
	Denials []DenyReason `json:"denials,omitempty"`
	Gate    *Gate        `json:"gate,omitempty"`
}

// FirstReason returns the first denial message, or "" when the action was
// not denied.
func (e Evaluation) FirstReason() string {
	if len(e.Reasons) > 0 {
		return e.Reasons[0]
	}
	return ""
}

// Evaluator runs action requests through the evaluation pipeline:
// forbidden patterns, capability lookup, scope checks, budget ceilings,
// and finally gates. The first failing level produces a deny; all checks
// within a level are collected so reasons are complete per level.
//
// Evaluator is stateless apart from the compiled condition cache and is
// safe for concurrent use.
type Evaluator struct {
	cond   *ConditionEvaluator
	logger *slog.Logger
}

// NewEvaluator creates an Evaluator with a fresh CEL condition environment.
func NewEvaluator(logger *slog.Logger) (*Evaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cond, err := NewConditionEvaluator(logger)
	if err != nil {
		return nil, fmt.Errorf("create condition evaluator: %w", err)
	}
	return &Evaluator{
		cond:   cond,
		logger: logger.With("component", "policy.Evaluator"),
	}, nil
}

// Evaluate runs the stateless pipeline. budget may be nil, in which case
// the budget level is skipped.
//
// Scope violations normally deny, but when the tool's first gate carries
// the outside_scope condition they are deferred to the gate level and the
// action surfaces as an approval checkpoint instead.
func (e *Evaluator) Evaluate(req ActionRequest, p *Policy, budget *Budget) Evaluation {
	ev := Evaluation{Verdict: VerdictAllow, Tool: req.Tool}
	f := req.Fields
	if f == nil {
		ff := ExtractFields(req.Input)
		f = &ff
	}

	if denials := checkForbidden(p.Forbidden, f); len(denials) > 0 {
		return e.deny(ev, denials)
	}

	capability := p.Capability(req.Tool)
	if capability == nil {
		return e.deny(ev, []DenyReason{{
			Kind:    DenyNoCapability,
			Tool:    req.Tool,
			Message: fmt.Sprintf("No capability defined for tool %q", req.Tool),
		}})
	}

	scopeDenials := checkScope(capability.Scope, f)

	gate := p.FirstGate(req.Tool)
	rescued := gate != nil && gate.Condition == ConditionOutsideScope
	if len(scopeDenials) > 0 && !rescued {
		return e.deny(ev, scopeDenials)
	}

	if budget != nil && p.Limits != nil {
		if denials := budget.Check(p.Limits); len(denials) > 0 {
			return e.deny(ev, denials)
		}
	}

	if gate != nil && e.gateFires(gate, req, len(scopeDenials) > 0) {
		g := *gate
		ev.Verdict = VerdictGate
		ev.Gate = &g
		ev.Denials = scopeDenials
		ev.Reasons = messages(scopeDenials)
		return ev
	}

	return ev
}

func (e *Evaluator) deny(ev Evaluation, denials []DenyReason) Evaluation {
	ev.Verdict = VerdictDeny
	ev.Denials = denials
	ev.Reasons = messages(denials)
	e.logger.Warn("action denied",
		"tool", ev.Tool,
		"kind", string(denials[0].Kind),
		"reason", denials[0].Message,
	)
	return ev
}

// gateFires decides whether a matched gate applies to this request.
// Condition evaluation errors fail closed: the gate fires.
func (e *Evaluator) gateFires(g *Gate, req ActionRequest, outsideScope bool) bool {
	switch {
	case g.Condition == "":
		return true

	case g.Condition == ConditionOutsideScope:
		return outsideScope

	case strings.HasPrefix(g.Condition, conditionCELPrefix):
		expr := strings.TrimSpace(strings.TrimPrefix(g.Condition, conditionCELPrefix))
		fires, err := e.cond.Fires(expr, req)
		if err != nil {
			e.logger.Error("gate condition evaluation error, failing closed (gate fires)",
				"action", g.Action,
				"condition", g.Condition,
				"error", err,
			)
			return true
		}
		return fires

	default:
		e.logger.Warn("unknown gate condition, treating as unconditional",
			"action", g.Action,
			"condition", g.Condition,
		)
		return true
	}
}

func checkForbidden(rules []Forbidden, f *Fields) []DenyReason {
	var out []DenyReason
	for _, rule := range rules {
		if rule.Pattern == "" {
			continue
		}
		if f.Path != "" && globMatch(rule.Pattern, f.Path) {
			out = append(out, DenyReason{
				Kind:    DenyForbidden,
				Field:   "path",
				Value:   f.Path,
				Pattern: rule.Pattern,
				Message: fmt.Sprintf("Path %q matches forbidden pattern %q", f.Path, rule.Pattern),
			})
		}
		if f.Command != "" && strings.Contains(f.Command, rule.Pattern) {
			out = append(out, DenyReason{
				Kind:    DenyForbidden,
				Field:   "command",
				Value:   f.Command,
				Pattern: rule.Pattern,
				Message: fmt.Sprintf("Command %q matches forbidden pattern %q", f.Command, rule.Pattern),
			})
		}
		if f.URL != "" && globMatch(rule.Pattern, f.URL) {
			out = append(out, DenyReason{
				Kind:    DenyForbidden,
				Field:   "url",
				Value:   f.URL,
				Pattern: rule.Pattern,
				Message: fmt.Sprintf("URL %q matches forbidden pattern %q", f.URL, rule.Pattern),
			})
		}
	}
	return out
}

// checkScope collects every applicable allow-list violation. A list is only
// consulted when the corresponding input field is present, except methods,
// which defaults to GET whenever the list is configured.
func checkScope(s *Scope, f *Fields) []DenyReason {
	if s.IsEmpty() {
		return nil
	}
	var out []DenyReason

	if len(s.Paths) > 0 && f.Path != "" && !matchAny(s.Paths, f.Path) {
		out = append(out, DenyReason{
			Kind:    DenyScope,
			Field:   "paths",
			Value:   f.Path,
			Message: fmt.Sprintf("Path %q is outside allowed scope: %s", f.Path, strings.Join(s.Paths, ", ")),
		})
	}

	if len(s.Binaries) > 0 && f.Binary != "" && !containsString(s.Binaries, f.Binary) {
		out = append(out, DenyReason{
			Kind:    DenyScope,
			Field:   "binaries",
			Value:   f.Binary,
			Message: fmt.Sprintf("Binary %q is not in allowed list: %s", f.Binary, strings.Join(s.Binaries, ", ")),
		})
	}

	if len(s.Domains) > 0 {
		switch {
		case f.BadURL:
			out = append(out, DenyReason{
				Kind:    DenyScope,
				Field:   "domains",
				Message: "Invalid URL",
			})
		case f.Domain != "" && !containsString(s.Domains, f.Domain):
			out = append(out, DenyReason{
				Kind:    DenyScope,
				Field:   "domains",
				Value:   f.Domain,
				Message: fmt.Sprintf("Domain %q is not in allowed list: %s", f.Domain, strings.Join(s.Domains, ", ")),
			})
		}
	}

	if len(s.Methods) > 0 {
		m := f.Method
		if m == "" {
			m = "GET"
		}
		if !containsString(s.Methods, m) {
			out = append(out, DenyReason{
				Kind:    DenyScope,
				Field:   "methods",
				Value:   m,
				Message: fmt.Sprintf("HTTP method %q is not in allowed list: %s", m, strings.Join(s.Methods, ", ")),
			})
		}
	}

	if len(s.Repos) > 0 && f.Repo != "" && !matchAny(s.Repos, f.Repo) {
		out = append(out, DenyReason{
			Kind:    DenyScope,
			Field:   "repos",
			Value:   f.Repo,
			Message: fmt.Sprintf("Repository %q is outside allowed scope: %s", f.Repo, strings.Join(s.Repos, ", ")),
		})
	}

	return out
}

// globMatch matches with ** crossing path separators. Malformed patterns
// never match at evaluation time; the validator rejects them at load.
func globMatch(pattern, name string) bool {
	ok, err := doublestar.Match(pattern, name)
	return err == nil && ok
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if globMatch(p, name) {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func messages(denials []DenyReason) []string {
	if len(denials) == 0 {
		return nil
	}
	out := make([]string, len(denials))
	for i, d := range denials {
		out[i] = d.Message
	}
	return out
}
