package policy

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Issue is one validation finding, addressed by a dotted path into the
// policy document.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	return i.Path + ": " + i.Message
}

// ValidationError wraps the full set of issues found in a policy. Callers
// that need the individual findings unwrap with errors.As.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	switch len(e.Issues) {
	case 0:
		return "policy validation failed"
	case 1:
		return "policy validation failed: " + e.Issues[0].String()
	default:
		return fmt.Sprintf("policy validation failed: %s (and %d more)", e.Issues[0], len(e.Issues)-1)
	}
}

var validApprovals = map[string]bool{
	ApprovalAuto:    true,
	ApprovalHuman:   true,
	ApprovalWebhook: true,
}

var validRiskLevels = map[string]bool{
	"":           true,
	RiskLow:      true,
	RiskMedium:   true,
	RiskHigh:     true,
	RiskCritical: true,
}

// Validate checks a normalized policy against the schema rules. Evolution
// runs mutated policies through the same checks before accepting a change.
func Validate(p *Policy) []Issue {
	var issues []Issue
	add := func(path, msg string) {
		issues = append(issues, Issue{Path: path, Message: msg})
	}

	if strings.TrimSpace(p.Name) == "" {
		add("name", "policy name is required")
	}
	if len(p.Capabilities) == 0 {
		add("capabilities", "at least one capability is required")
	}

	for i, c := range p.Capabilities {
		base := fmt.Sprintf("capabilities[%d]", i)
		if strings.TrimSpace(c.Tool) == "" {
			add(base+".tool", "tool is required")
		}
		if c.Scope == nil {
			continue
		}
		validateScopeList(&issues, base+".scope.paths", c.Scope.Paths, true)
		validateScopeList(&issues, base+".scope.binaries", c.Scope.Binaries, false)
		validateScopeList(&issues, base+".scope.domains", c.Scope.Domains, false)
		validateScopeList(&issues, base+".scope.methods", c.Scope.Methods, false)
		validateScopeList(&issues, base+".scope.repos", c.Scope.Repos, true)
	}

	if l := p.Limits; l != nil {
		if l.MaxRuntimeMS < 0 {
			add("limits.max_runtime_ms", "must not be negative")
		}
		if l.MaxOutputBytes < 0 {
			add("limits.max_output_bytes", "must not be negative")
		}
		if l.MaxFilesChanged < 0 {
			add("limits.max_files_changed", "must not be negative")
		}
		if l.MaxRetries < 0 {
			add("limits.max_retries", "must not be negative")
		}
		if l.MaxCostUSD < 0 {
			add("limits.max_cost_usd", "must not be negative")
		}
	}

	for i, g := range p.Gates {
		base := fmt.Sprintf("gates[%d]", i)
		if strings.TrimSpace(g.Action) == "" {
			add(base+".action", "action is required")
		}
		if !validApprovals[g.Approval] {
			add(base+".approval", fmt.Sprintf("approval must be one of auto, human, webhook (got %q)", g.Approval))
		}
		if !validRiskLevels[g.RiskLevel] {
			add(base+".risk_level", fmt.Sprintf("risk_level must be one of low, medium, high, critical (got %q)", g.RiskLevel))
		}
	}

	for i, f := range p.Forbidden {
		base := fmt.Sprintf("forbidden[%d]", i)
		if strings.TrimSpace(f.Pattern) == "" {
			add(base+".pattern", "pattern is required")
		} else if !doublestar.ValidatePattern(f.Pattern) {
			add(base+".pattern", fmt.Sprintf("invalid glob pattern %q", f.Pattern))
		}
	}

	if e := p.Evidence; e != nil {
		if e.Format != "jsonl" {
			add("evidence.format", fmt.Sprintf("format must be \"jsonl\" (got %q)", e.Format))
		}
		for i, r := range e.Require {
			if strings.TrimSpace(r) == "" {
				add(fmt.Sprintf("evidence.require[%d]", i), "requirement must be a non-empty string")
			}
		}
	}

	if r := p.Remediation; r != nil {
		for i, rule := range r.Rules {
			base := fmt.Sprintf("remediation.rules[%d]", i)
			if strings.TrimSpace(rule.Match) == "" {
				add(base+".match", "match is required")
			}
			if strings.TrimSpace(rule.Strategy) == "" {
				add(base+".strategy", "strategy is required")
			}
		}
	}

	if s := p.Session; s != nil {
		if s.MaxActions < 0 {
			add("session.max_actions", "must not be negative")
		}
		if s.MaxDenials < 0 {
			add("session.max_denials", "must not be negative")
		}
		if s.RateLimit != nil && s.RateLimit.MaxPerMinute < 1 {
			add("session.rate_limit.max_per_minute", "must be at least 1")
		}
		for i, rule := range s.Escalation {
			base := fmt.Sprintf("session.escalation[%d]", i)
			if rule.Require != "human_checkin" {
				add(base+".require", fmt.Sprintf("require must be \"human_checkin\" (got %q)", rule.Require))
			}
			if rule.AfterActions <= 0 && rule.AfterMinutes <= 0 {
				add(base, "one of after_actions or after_minutes must be positive")
			}
		}
	}

	return issues
}

// validateScopeList checks that every value is a non-empty string, and for
// glob-matched lists (paths, repos) that the pattern compiles.
func validateScopeList(issues *[]Issue, base string, values []string, glob bool) {
	for i, v := range values {
		path := fmt.Sprintf("%s[%d]", base, i)
		if strings.TrimSpace(v) == "" {
			*issues = append(*issues, Issue{Path: path, Message: "scope values must be non-empty strings"})
			continue
		}
		if glob && !doublestar.ValidatePattern(v) {
			*issues = append(*issues, Issue{Path: path, Message: fmt.Sprintf("invalid glob pattern %q", v)})
		}
	}
}
