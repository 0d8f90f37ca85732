package policy

import (
	"strings"
	"testing"
)

func validPolicy() *Policy {
	return &Policy{
		Version: "1.0",
		Name:    "dev-sandbox",
		Capabilities: []Capability{
			{Tool: "file:read", Scope: &Scope{Paths: []string{"/data/**"}}},
		},
		Limits: &Limits{MaxFilesChanged: 10},
		Gates: []Gate{
			{Action: "file:delete", Approval: ApprovalHuman, RiskLevel: RiskHigh},
		},
		Forbidden: []Forbidden{{Pattern: "**/.env"}},
		Evidence:  &Evidence{Require: []string{"action:evaluate"}, Format: "jsonl"},
		Session: &SessionRules{
			MaxActions: 50,
			RateLimit:  &RateLimit{MaxPerMinute: 10},
			Escalation: []EscalationRule{{AfterActions: 20, Require: "human_checkin"}},
		},
	}
}

func TestValidate_ValidPolicy(t *testing.T) {
	if issues := Validate(validPolicy()); len(issues) != 0 {
		t.Errorf("Validate() = %v, want no issues", issues)
	}
}

func TestValidate_Issues(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Policy)
		wantPath string
	}{
		{
			name:     "missing name",
			mutate:   func(p *Policy) { p.Name = "" },
			wantPath: "name",
		},
		{
			name:     "no capabilities",
			mutate:   func(p *Policy) { p.Capabilities = nil },
			wantPath: "capabilities",
		},
		{
			name:     "capability without tool",
			mutate:   func(p *Policy) { p.Capabilities[0].Tool = "  " },
			wantPath: "capabilities[0].tool",
		},
		{
			name:     "empty scope value",
			mutate:   func(p *Policy) { p.Capabilities[0].Scope.Paths = []string{"/data/**", ""} },
			wantPath: "capabilities[0].scope.paths[1]",
		},
		{
			name:     "malformed path glob",
			mutate:   func(p *Policy) { p.Capabilities[0].Scope.Paths = []string{"/data/[oops"} },
			wantPath: "capabilities[0].scope.paths[0]",
		},
		{
			name:     "negative limit",
			mutate:   func(p *Policy) { p.Limits.MaxCostUSD = -1 },
			wantPath: "limits.max_cost_usd",
		},
		{
			name:     "gate without action",
			mutate:   func(p *Policy) { p.Gates[0].Action = "" },
			wantPath: "gates[0].action",
		},
		{
			name:     "bad approval mode",
			mutate:   func(p *Policy) { p.Gates[0].Approval = "manager" },
			wantPath: "gates[0].approval",
		},
		{
			name:     "bad risk level",
			mutate:   func(p *Policy) { p.Gates[0].RiskLevel = "extreme" },
			wantPath: "gates[0].risk_level",
		},
		{
			name:     "empty forbidden pattern",
			mutate:   func(p *Policy) { p.Forbidden[0].Pattern = "" },
			wantPath: "forbidden[0].pattern",
		},
		{
			name:     "malformed forbidden glob",
			mutate:   func(p *Policy) { p.Forbidden[0].Pattern = "[broken" },
			wantPath: "forbidden[0].pattern",
		},
		{
			name:     "wrong evidence format",
			mutate:   func(p *Policy) { p.Evidence.Format = "csv" },
			wantPath: "evidence.format",
		},
		{
			name:     "rate limit below one",
			mutate:   func(p *Policy) { p.Session.RateLimit.MaxPerMinute = 0 },
			wantPath: "session.rate_limit.max_per_minute",
		},
		{
			name:     "escalation with wrong require",
			mutate:   func(p *Policy) { p.Session.Escalation[0].Require = "manager_checkin" },
			wantPath: "session.escalation[0].require",
		},
		{
			name:     "escalation without thresholds",
			mutate:   func(p *Policy) { p.Session.Escalation[0] = EscalationRule{Require: "human_checkin"} },
			wantPath: "session.escalation[0]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPolicy()
			tt.mutate(p)
			issues := Validate(p)
			if len(issues) == 0 {
				t.Fatalf("Validate() = no issues, want one at %q", tt.wantPath)
			}
			found := false
			for _, issue := range issues {
				if issue.Path == tt.wantPath {
					found = true
					break
				}
			}
			if !found {
				t.Errorf("Validate() = %v, want issue at %q", issues, tt.wantPath)
			}
		})
	}
}

func TestValidate_CollectsMultipleIssues(t *testing.T) {
	p := validPolicy()
	p.Name = ""
	p.Gates[0].Approval = "nobody"

	issues := Validate(p)
	if len(issues) < 2 {
		t.Errorf("Validate() = %v, want both issues reported", issues)
	}
}

func TestValidationError_Error(t *testing.T) {
	err := &ValidationError{Issues: []Issue{
		{Path: "name", Message: "policy name is required"},
		{Path: "capabilities", Message: "at least one capability is required"},
	}}
	msg := err.Error()
	if !strings.Contains(msg, "name: policy name is required") {
		t.Errorf("Error() = %q, want first issue included", msg)
	}
	if !strings.Contains(msg, "1 more") {
		t.Errorf("Error() = %q, want remaining count", msg)
	}
}
