package evolution

import (
	"strings"
	"testing"

	"github.com/gatewarden/gatewarden/internal/policy"
)

func TestSuggest_NoCapability(t *testing.T) {
	action := policy.ActionRequest{Tool: "file:write", Input: map[string]any{"path": "/data/out.txt"}}
	denials := []policy.DenyReason{{
		Kind: policy.DenyNoCapability,
		Tool: "file:write",
	}}

	sugg := Suggest(action, denials)
	if sugg == nil {
		t.Fatal("expected a suggestion")
	}
	if sugg.Kind != KindAddCapability || sugg.Tool != "file:write" {
		t.Errorf("suggestion = %+v", sugg)
	}
	if sugg.Scope == nil || len(sugg.Scope.Paths) != 1 || sugg.Scope.Paths[0] != "/data/out.txt" {
		t.Errorf("scope = %+v, want paths [/data/out.txt]", sugg.Scope)
	}
	if sugg.Loosening {
		t.Error("adding a capability is not a loosening change")
	}
}

func TestSuggest_ScopeViolation(t *testing.T) {
	tests := []struct {
		name  string
		field string
		value string
	}{
		{"path", "paths", "/etc/hosts"},
		{"binary", "binaries", "curl"},
		{"domain", "domains", "internal.example.com"},
		{"method", "methods", "DELETE"},
		{"repo", "repos", "acme/private"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action := policy.ActionRequest{Tool: "http:request"}
			sugg := Suggest(action, []policy.DenyReason{{
				Kind:  policy.DenyScope,
				Field: tt.field,
				Value: tt.value,
			}})
			if sugg == nil {
				t.Fatal("expected a suggestion")
			}
			if sugg.Kind != KindWidenScope || sugg.Tool != "http:request" {
				t.Errorf("suggestion = %+v", sugg)
			}
			if sugg.Field != tt.field || len(sugg.Add) != 1 || sugg.Add[0] != tt.value {
				t.Errorf("field/add = %s/%v, want %s/[%s]", sugg.Field, sugg.Add, tt.field, tt.value)
			}
		})
	}
}

func TestSuggest_InvalidURLNotSuggestible(t *testing.T) {
	sugg := Suggest(policy.ActionRequest{Tool: "http:request"}, []policy.DenyReason{{
		Kind:    policy.DenyScope,
		Field:   "domains",
		Message: "Invalid URL",
	}})
	if sugg != nil {
		t.Errorf("suggestion = %+v, want nil for an unparseable URL", sugg)
	}
}

func TestSuggest_Forbidden(t *testing.T) {
	sugg := Suggest(policy.ActionRequest{Tool: "file:read"}, []policy.DenyReason{{
		Kind:    policy.DenyForbidden,
		Field:   "path",
		Value:   "/data/.env",
		Pattern: "**/.env",
	}})
	if sugg == nil {
		t.Fatal("expected a suggestion")
	}
	if sugg.Kind != KindRemoveForbidden || sugg.Pattern != "**/.env" {
		t.Errorf("suggestion = %+v", sugg)
	}
	if !sugg.Loosening {
		t.Error("removing a forbidden pattern must be marked as loosening")
	}
}

func TestSuggest_HardLimitsNeverSuggestible(t *testing.T) {
	tests := []struct {
		name string
		kind policy.DenyKind
	}{
		{"budget", policy.DenyBudget},
		{"session", policy.DenySession},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sugg := Suggest(policy.ActionRequest{Tool: "file:read"}, []policy.DenyReason{{Kind: tt.kind}})
			if sugg != nil {
				t.Errorf("suggestion = %+v, want nil", sugg)
			}
		})
	}

	if sugg := Suggest(policy.ActionRequest{Tool: "file:read"}, nil); sugg != nil {
		t.Errorf("suggestion for empty denials = %+v, want nil", sugg)
	}
}

func TestInferScope(t *testing.T) {
	tests := []struct {
		name  string
		input map[string]any
		want  *policy.Scope
	}{
		{
			name:  "path",
			input: map[string]any{"path": "/data/a.txt"},
			want:  &policy.Scope{Paths: []string{"/data/a.txt"}},
		},
		{
			name:  "command reduced to binary",
			input: map[string]any{"command": "/usr/bin/git push origin"},
			want:  &policy.Scope{Binaries: []string{"git"}},
		},
		{
			name:  "url hostname",
			input: map[string]any{"url": "https://api.example.com/v1/items"},
			want:  &policy.Scope{Domains: []string{"api.example.com"}},
		},
		{
			name:  "unparseable url skipped",
			input: map[string]any{"url": "::notaurl::"},
			want:  nil,
		},
		{
			name:  "method upper-cased",
			input: map[string]any{"url": "https://api.example.com", "method": "delete"},
			want:  &policy.Scope{Domains: []string{"api.example.com"}, Methods: []string{"DELETE"}},
		},
		{
			name:  "repo",
			input: map[string]any{"repo": "acme/app"},
			want:  &policy.Scope{Repos: []string{"acme/app"}},
		},
		{
			name:  "empty input",
			input: map[string]any{},
			want:  nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := inferScope(policy.ActionRequest{Tool: "x", Input: tt.input})
			if tt.want == nil {
				if got != nil {
					t.Errorf("scope = %+v, want nil", got)
				}
				return
			}
			if got == nil {
				t.Fatal("scope = nil")
			}
			assertSameList(t, "paths", got.Paths, tt.want.Paths)
			assertSameList(t, "binaries", got.Binaries, tt.want.Binaries)
			assertSameList(t, "domains", got.Domains, tt.want.Domains)
			assertSameList(t, "methods", got.Methods, tt.want.Methods)
			assertSameList(t, "repos", got.Repos, tt.want.Repos)
		})
	}
}

func assertSameList(t *testing.T, field string, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Errorf("%s = %v, want %v", field, got, want)
		return
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("%s = %v, want %v", field, got, want)
			return
		}
	}
}

func TestSuggestion_Description(t *testing.T) {
	tests := []struct {
		name string
		sugg *Suggestion
		want string
	}{
		{
			name: "add capability",
			sugg: &Suggestion{Kind: KindAddCapability, Tool: "file:write", Scope: &policy.Scope{Paths: []string{"/data/**"}}},
			want: `Add capability "file:write" scoped to paths /data/**`,
		},
		{
			name: "add capability unscoped",
			sugg: &Suggestion{Kind: KindAddCapability, Tool: "dns:lookup"},
			want: `Add capability "dns:lookup" with no scope restrictions`,
		},
		{
			name: "widen scope",
			sugg: &Suggestion{Kind: KindWidenScope, Tool: "file:read", Field: "paths", Add: []string{"/etc/hosts"}},
			want: `Widen paths of "file:read" to include /etc/hosts`,
		},
		{
			name: "remove forbidden",
			sugg: &Suggestion{Kind: KindRemoveForbidden, Pattern: "**/.env", Loosening: true},
			want: `Remove forbidden pattern "**/.env"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sugg.Description(); !strings.HasPrefix(got, tt.want) {
				t.Errorf("Description() = %q, want prefix %q", got, tt.want)
			}
		})
	}
}
