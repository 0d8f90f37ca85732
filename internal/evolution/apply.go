package evolution

import (
	"fmt"

	"github.com/gatewarden/gatewarden/internal/policy"
)

// Apply returns a mutated deep clone of the policy; the original is never
// touched. The clone is revalidated before it is returned, so a suggestion
// that would produce an invalid policy is rejected with the first issue.
func Apply(p *policy.Policy, s *Suggestion) (*policy.Policy, error) {
	if s == nil {
		return nil, fmt.Errorf("nil suggestion")
	}
	clone := p.Clone()

	switch s.Kind {
	case KindAddCapability:
		clone.Capabilities = append(clone.Capabilities, policy.Capability{
			Tool:  s.Tool,
			Scope: cloneScope(s.Scope),
		})

	case KindWidenScope:
		grant := clone.Capability(s.Tool)
		if grant == nil {
			// Nothing to widen; grant the tool with just the requested field.
			sc := &policy.Scope{}
			target, err := scopeField(sc, s.Field)
			if err != nil {
				return nil, err
			}
			*target = append([]string(nil), s.Add...)
			clone.Capabilities = append(clone.Capabilities, policy.Capability{Tool: s.Tool, Scope: sc})
			break
		}
		if grant.Scope == nil {
			grant.Scope = &policy.Scope{}
		}
		target, err := scopeField(grant.Scope, s.Field)
		if err != nil {
			return nil, err
		}
		*target = unionAppend(*target, s.Add)

	case KindRemoveForbidden:
		kept := clone.Forbidden[:0]
		for _, f := range clone.Forbidden {
			if f.Pattern != s.Pattern {
				kept = append(kept, f)
			}
		}
		clone.Forbidden = kept

	default:
		return nil, fmt.Errorf("unknown suggestion kind %q", s.Kind)
	}

	if issues := policy.Validate(clone); len(issues) > 0 {
		return nil, fmt.Errorf("suggestion produces an invalid policy: %s", issues[0])
	}
	return clone, nil
}

func scopeField(sc *policy.Scope, field string) (*[]string, error) {
	switch field {
	case "paths":
		return &sc.Paths, nil
	case "binaries":
		return &sc.Binaries, nil
	case "domains":
		return &sc.Domains, nil
	case "methods":
		return &sc.Methods, nil
	case "repos":
		return &sc.Repos, nil
	}
	return nil, fmt.Errorf("unknown scope field %q", field)
}

// unionAppend keeps existing order and appends only values not already
// present.
func unionAppend(existing, add []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, v := range existing {
		seen[v] = true
	}
	out := existing
	for _, v := range add {
		if !seen[v] {
			out = append(out, v)
			seen[v] = true
		}
	}
	return out
}

func cloneScope(s *policy.Scope) *policy.Scope {
	if s == nil {
		return nil
	}
	return &policy.Scope{
		Paths:    append([]string(nil), s.Paths...),
		Binaries: append([]string(nil), s.Binaries...),
		Domains:  append([]string(nil), s.Domains...),
		Methods:  append([]string(nil), s.Methods...),
		Repos:    append([]string(nil), s.Repos...),
	}
}
