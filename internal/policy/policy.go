// Package policy implements the governance policy model: the YAML schema,
// loader and validator, and the evaluation engine that turns an action
// request into an allow/deny/gate verdict. Policies are immutable by
// convention; only the evolution subsystem mutates them, through the
// owning session's handle.
package policy

import (
	"strings"
	"time"
)

// Verdict is the outcome of evaluating one action against a policy.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictDeny  Verdict = "deny"
	VerdictGate  Verdict = "gate"
)

// SessionState mirrors the session lifecycle for the session-aware checks.
// The session package owns transitions; the evaluator only reads the state.
type SessionState string

const (
	SessionActive     SessionState = "active"
	SessionPaused     SessionState = "paused"
	SessionTerminated SessionState = "terminated"
)

// Approval modes for gates.
const (
	ApprovalAuto    = "auto"
	ApprovalHuman   = "human"
	ApprovalWebhook = "webhook"
)

// Risk levels, ordered low < medium < high < critical.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// ConditionOutsideScope marks a gate that fires only when the action falls
// outside the matched capability's scope. Scope violations for a tool with
// such a gate become approval checkpoints instead of hard denials.
const ConditionOutsideScope = "outside_scope"

// conditionCELPrefix marks a gate condition holding a CEL expression over
// the action, e.g. `cel: input.path.startsWith("/etc")`.
const conditionCELPrefix = "cel:"

// Policy is the typed form of a governance policy YAML document.
type Policy struct {
	Version      string        `yaml:"version" json:"version"`
	Name         string        `yaml:"name" json:"name"`
	Description  string        `yaml:"description,omitempty" json:"description,omitempty"`
	Capabilities []Capability  `yaml:"capabilities" json:"capabilities"`
	Limits       *Limits       `yaml:"limits,omitempty" json:"limits,omitempty"`
	Gates        []Gate        `yaml:"gates,omitempty" json:"gates,omitempty"`
	Evidence     *Evidence     `yaml:"evidence,omitempty" json:"evidence,omitempty"`
	Forbidden    []Forbidden   `yaml:"forbidden,omitempty" json:"forbidden,omitempty"`
	Remediation  *Remediation  `yaml:"remediation,omitempty" json:"remediation,omitempty"`
	Session      *SessionRules `yaml:"session,omitempty" json:"session,omitempty"`
}

// Capability grants a tool plus an optional scope. A tool with no capability
// is implicitly denied.
type Capability struct {
	Tool  string `yaml:"tool" json:"tool"`
	Scope *Scope `yaml:"scope,omitempty" json:"scope,omitempty"`
}

// Scope is the set of optional allow-lists on a capability. Empty lists are
// treated as absent.
type Scope struct {
	Paths    []string `yaml:"paths,omitempty" json:"paths,omitempty"`
	Binaries []string `yaml:"binaries,omitempty" json:"binaries,omitempty"`
	Domains  []string `yaml:"domains,omitempty" json:"domains,omitempty"`
	Methods  []string `yaml:"methods,omitempty" json:"methods,omitempty"`
	Repos    []string `yaml:"repos,omitempty" json:"repos,omitempty"`
}

// IsEmpty reports whether no allow-list is configured.
func (s *Scope) IsEmpty() bool {
	if s == nil {
		return true
	}
	return len(s.Paths) == 0 && len(s.Binaries) == 0 && len(s.Domains) == 0 &&
		len(s.Methods) == 0 && len(s.Repos) == 0
}

// Limits are optional numeric ceilings on a session's budget. Zero means
// the ceiling is not set.
type Limits struct {
	MaxRuntimeMS    int64   `yaml:"max_runtime_ms,omitempty" json:"max_runtime_ms,omitempty"`
	MaxOutputBytes  int64   `yaml:"max_output_bytes,omitempty" json:"max_output_bytes,omitempty"`
	MaxFilesChanged int     `yaml:"max_files_changed,omitempty" json:"max_files_changed,omitempty"`
	MaxRetries      int     `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	MaxCostUSD      float64 `yaml:"max_cost_usd,omitempty" json:"max_cost_usd,omitempty"`
}

// Gate interposes an approval checkpoint before allowing an action.
type Gate struct {
	Action    string `yaml:"action" json:"action"`
	Approval  string `yaml:"approval" json:"approval"`
	RiskLevel string `yaml:"risk_level,omitempty" json:"risk_level,omitempty"`
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`
}

// Forbidden is a global deny pattern checked before capabilities.
type Forbidden struct {
	Pattern string `yaml:"pattern" json:"pattern"`
	Reason  string `yaml:"reason,omitempty" json:"reason,omitempty"`
}

// Evidence declares ledger requirements propagated to consumers.
type Evidence struct {
	Require []string `yaml:"require,omitempty" json:"require,omitempty"`
	Format  string   `yaml:"format,omitempty" json:"format,omitempty"`
}

// Remediation configures retry strategies for failed tool calls.
type Remediation struct {
	Rules         []RemediationRule `yaml:"rules,omitempty" json:"rules,omitempty"`
	FallbackChain []string          `yaml:"fallback_chain,omitempty" json:"fallback_chain,omitempty"`
}

// RemediationRule maps a failure pattern to a retry strategy.
type RemediationRule struct {
	Match    string `yaml:"match" json:"match"`
	Strategy string `yaml:"strategy" json:"strategy"`
}

// SessionRules are per-session ceilings and escalation triggers.
type SessionRules struct {
	MaxActions int              `yaml:"max_actions,omitempty" json:"max_actions,omitempty"`
	MaxDenials int              `yaml:"max_denials,omitempty" json:"max_denials,omitempty"`
	RateLimit  *RateLimit       `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
	Escalation []EscalationRule `yaml:"escalation,omitempty" json:"escalation,omitempty"`
}

// RateLimit bounds the number of actions in a trailing 60 second window.
type RateLimit struct {
	MaxPerMinute int `yaml:"max_per_minute" json:"max_per_minute"`
}

// EscalationRule forces a human check-in gate once a threshold is crossed.
type EscalationRule struct {
	AfterActions int    `yaml:"after_actions,omitempty" json:"after_actions,omitempty"`
	AfterMinutes int    `yaml:"after_minutes,omitempty" json:"after_minutes,omitempty"`
	Require      string `yaml:"require" json:"require"`
}

// ActionRequest is a single tool invocation the agent wants to perform.
// Input is an untyped bag; the evaluator inspects the well-known keys
// (path/file/target, binary/command/cmd, url/endpoint/domain, method,
// repo/repository) through ExtractFields.
type ActionRequest struct {
	Tool  string         `yaml:"tool" json:"tool"`
	Input map[string]any `yaml:"input,omitempty" json:"input,omitempty"`

	// Fields, when non-nil, carries the canonical input fields as populated
	// by the adapter that owns the tool. Nil means the evaluator extracts
	// them from Input itself.
	Fields *Fields `yaml:"-" json:"-"`
}

// Capability returns the first capability whose tool equals the given tool,
// or nil when the tool has no grant.
func (p *Policy) Capability(tool string) *Capability {
	for i := range p.Capabilities {
		if p.Capabilities[i].Tool == tool {
			return &p.Capabilities[i]
		}
	}
	return nil
}

// FirstGate returns the first gate whose action equals the given tool.
func (p *Policy) FirstGate(tool string) *Gate {
	for i := range p.Gates {
		if p.Gates[i].Action == tool {
			return &p.Gates[i]
		}
	}
	return nil
}

// Clone returns a deep copy. Evolution mutates clones so that a failed
// validation never corrupts the original.
func (p *Policy) Clone() *Policy {
	if p == nil {
		return nil
	}
	out := &Policy{
		Version:     p.Version,
		Name:        p.Name,
		Description: p.Description,
	}
	for _, c := range p.Capabilities {
		out.Capabilities = append(out.Capabilities, Capability{Tool: c.Tool, Scope: c.Scope.clone()})
	}
	if p.Limits != nil {
		l := *p.Limits
		out.Limits = &l
	}
	out.Gates = append(out.Gates, p.Gates...)
	if p.Evidence != nil {
		out.Evidence = &Evidence{Require: cloneStrings(p.Evidence.Require), Format: p.Evidence.Format}
	}
	out.Forbidden = append(out.Forbidden, p.Forbidden...)
	if p.Remediation != nil {
		out.Remediation = &Remediation{
			Rules:         append([]RemediationRule(nil), p.Remediation.Rules...),
			FallbackChain: cloneStrings(p.Remediation.FallbackChain),
		}
	}
	if p.Session != nil {
		s := &SessionRules{
			MaxActions: p.Session.MaxActions,
			MaxDenials: p.Session.MaxDenials,
			Escalation: append([]EscalationRule(nil), p.Session.Escalation...),
		}
		if p.Session.RateLimit != nil {
			rl := *p.Session.RateLimit
			s.RateLimit = &rl
		}
		out.Session = s
	}
	return out
}

func (s *Scope) clone() *Scope {
	if s == nil {
		return nil
	}
	return &Scope{
		Paths:    cloneStrings(s.Paths),
		Binaries: cloneStrings(s.Binaries),
		Domains:  cloneStrings(s.Domains),
		Methods:  cloneStrings(s.Methods),
		Repos:    cloneStrings(s.Repos),
	}
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

// normalize applies schema defaults in place: version, upper-cased HTTP
// methods, and the evidence format.
func (p *Policy) normalize() {
	if p.Version == "" {
		p.Version = "1.0"
	}
	for i := range p.Capabilities {
		sc := p.Capabilities[i].Scope
		if sc == nil {
			continue
		}
		for j, m := range sc.Methods {
			sc.Methods[j] = strings.ToUpper(strings.TrimSpace(m))
		}
	}
	if p.Evidence != nil && p.Evidence.Format == "" {
		p.Evidence.Format = "jsonl"
	}
}

// riskRank orders risk levels for threshold comparisons.
func riskRank(level string) int {
	switch level {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return 1
	}
}

// RiskAtMost reports whether level is at or below threshold in the
// low < medium < high < critical order.
func RiskAtMost(level, threshold string) bool {
	return riskRank(level) <= riskRank(threshold)
}

// AssessRiskLevel returns the gate's explicit risk level when defined,
// otherwise a heuristic based on the tool family.
func AssessRiskLevel(tool string, gate *Gate) string {
	if gate != nil && gate.RiskLevel != "" {
		return gate.RiskLevel
	}
	switch tool {
	case "file:delete", "command:run":
		return RiskHigh
	case "file:write", "git:apply", "http:request":
		return RiskMedium
	case "file:read", "git:diff":
		return RiskLow
	default:
		return RiskMedium
	}
}

// elapsedMinutes is a small helper shared by the escalation checks.
func elapsedMinutes(since time.Time, now time.Time) float64 {
	return now.Sub(since).Minutes()
}
