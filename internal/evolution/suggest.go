package evolution

import (
	"fmt"
	"strings"

	"github.com/gatewarden/gatewarden/internal/policy"
)

// Suggestion kinds.
const (
	KindAddCapability   = "add_capability"
	KindWidenScope      = "widen_scope"
	KindRemoveForbidden = "remove_forbidden"
)

// Suggestion is one proposed policy change derived from a denial.
type Suggestion struct {
	Kind    string        `json:"kind"`
	Tool    string        `json:"tool,omitempty"`
	Scope   *policy.Scope `json:"scope,omitempty"`
	Field   string        `json:"field,omitempty"`
	Add     []string      `json:"add,omitempty"`
	Pattern string        `json:"pattern,omitempty"`

	// Loosening marks changes that weaken an explicit prohibition rather
	// than extend a grant. Callers should present these more prominently.
	Loosening bool `json:"loosening,omitempty"`
}

// Suggest derives a policy change from the first denial, or nil when the
// denial is not suggestible. It consumes the structured denial directly;
// the human-readable message is never parsed. Budget, rate-limit and
// session ceilings are hard limits and never produce a suggestion.
func Suggest(action policy.ActionRequest, denials []policy.DenyReason) *Suggestion {
	if len(denials) == 0 {
		return nil
	}
	d := denials[0]
	switch d.Kind {
	case policy.DenyNoCapability:
		return &Suggestion{
			Kind:  KindAddCapability,
			Tool:  action.Tool,
			Scope: inferScope(action),
		}
	case policy.DenyScope:
		// An unparseable URL has no value to widen towards.
		if d.Value == "" {
			return nil
		}
		return &Suggestion{
			Kind:  KindWidenScope,
			Tool:  action.Tool,
			Field: d.Field,
			Add:   []string{d.Value},
		}
	case policy.DenyForbidden:
		return &Suggestion{
			Kind:      KindRemoveForbidden,
			Pattern:   d.Pattern,
			Loosening: true,
		}
	default:
		return nil
	}
}

// inferScope builds the narrowest scope covering the action's input, or nil
// when the input names nothing scopeable.
func inferScope(action policy.ActionRequest) *policy.Scope {
	f := action.Fields
	if f == nil {
		ff := policy.ExtractFields(action.Input)
		f = &ff
	}
	s := &policy.Scope{}
	if f.Path != "" {
		s.Paths = []string{f.Path}
	}
	if f.Binary != "" {
		s.Binaries = []string{f.Binary}
	}
	if f.Domain != "" {
		s.Domains = []string{f.Domain}
	}
	if f.Method != "" {
		s.Methods = []string{f.Method}
	}
	if f.Repo != "" {
		s.Repos = []string{f.Repo}
	}
	if s.IsEmpty() {
		return nil
	}
	return s
}

// Description renders the suggestion as one sentence for approval prompts.
func (s *Suggestion) Description() string {
	switch s.Kind {
	case KindAddCapability:
		if s.Scope == nil {
			return fmt.Sprintf("Add capability %q with no scope restrictions", s.Tool)
		}
		return fmt.Sprintf("Add capability %q scoped to %s", s.Tool, describeScope(s.Scope))
	case KindWidenScope:
		return fmt.Sprintf("Widen %s of %q to include %s", s.Field, s.Tool, strings.Join(s.Add, ", "))
	case KindRemoveForbidden:
		return fmt.Sprintf("Remove forbidden pattern %q (this loosens an explicit prohibition)", s.Pattern)
	}
	return ""
}

func describeScope(sc *policy.Scope) string {
	var parts []string
	add := func(field string, vals []string) {
		if len(vals) > 0 {
			parts = append(parts, field+" "+strings.Join(vals, ", "))
		}
	}
	add("paths", sc.Paths)
	add("binaries", sc.Binaries)
	add("domains", sc.Domains)
	add("methods", sc.Methods)
	add("repos", sc.Repos)
	return strings.Join(parts, "; ")
}
