package evolution

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gatewarden/gatewarden/internal/gate"
	"github.com/gatewarden/gatewarden/internal/policy"
	"github.com/gatewarden/gatewarden/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func mustEvaluator(t *testing.T) *policy.Evaluator {
	t.Helper()
	e, err := policy.NewEvaluator(testLogger())
	if err != nil {
		t.Fatalf("NewEvaluator() error: %v", err)
	}
	return e
}

func newSessionManager(t *testing.T) *session.Manager {
	t.Helper()
	return session.NewManager(mustEvaluator(t), gate.NewManager(testLogger()), t.TempDir(), testLogger())
}

func sandboxPolicy() *policy.Policy {
	return &policy.Policy{
		Version: "1.0",
		Name:    "dev-sandbox",
		Capabilities: []policy.Capability{
			{Tool: "file:read", Scope: &policy.Scope{Paths: []string{"/data/**"}}},
		},
		Forbidden: []policy.Forbidden{{Pattern: "**/.env"}},
	}
}

func writeRequest() policy.ActionRequest {
	return policy.ActionRequest{Tool: "file:write", Input: map[string]any{"path": "/data/out/r.txt"}}
}

func TestEngine_InBandAddToPolicy(t *testing.T) {
	m := newSessionManager(t)
	policyPath := filepath.Join(t.TempDir(), "policies", "dev.yaml")
	eng := NewEngine(m, Options{PolicyPath: policyPath}, testLogger())
	ctx := context.Background()

	s, err := m.Create(sandboxPolicy(), nil)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := m.Evaluate(ctx, s.ID, writeRequest())
	if err != nil {
		t.Fatal(err)
	}
	if resp.Decision != policy.VerdictDeny {
		t.Fatalf("decision = %s, want deny", resp.Decision)
	}

	id, sugg := eng.RegisterDenial(s.ID, writeRequest(), resp.Denials)
	if id == "" || sugg == nil {
		t.Fatal("denial should be suggestible")
	}
	if len(id) != suggestionIDLength {
		t.Errorf("suggestion id %q length = %d, want %d", id, len(id), suggestionIDLength)
	}
	if sugg.Kind != KindAddCapability {
		t.Errorf("suggestion kind = %s", sugg.Kind)
	}

	out, err := eng.Approve(id, DecisionAddToPolicy)
	if err != nil {
		t.Fatalf("Approve() error: %v", err)
	}
	if !out.Applied || !out.Persisted {
		t.Errorf("outcome = %+v, want applied and persisted", out)
	}
	if !strings.Contains(out.Message, "Retry") {
		t.Errorf("message = %q", out.Message)
	}

	again, err := m.Evaluate(ctx, s.ID, writeRequest())
	if err != nil {
		t.Fatal(err)
	}
	if again.Decision != policy.VerdictAllow {
		t.Errorf("decision after approval = %s (reasons %v), want allow", again.Decision, again.Reasons)
	}

	loaded, err := policy.Load(policyPath)
	if err != nil {
		t.Fatalf("persisted policy does not load: %v", err)
	}
	if loaded.Capability("file:write") == nil {
		t.Error("persisted policy missing the new capability")
	}

	if _, err := eng.Approve(id, DecisionAddToPolicy); err == nil {
		t.Error("double approve expected error")
	} else if !strings.Contains(err.Error(), "not found or already resolved") {
		t.Errorf("error = %v", err)
	}
}

func TestEngine_InBandAllowOnce(t *testing.T) {
	m := newSessionManager(t)
	policyPath := filepath.Join(t.TempDir(), "dev.yaml")
	eng := NewEngine(m, Options{PolicyPath: policyPath}, testLogger())
	ctx := context.Background()

	s, _ := m.Create(sandboxPolicy(), nil)
	resp, err := m.Evaluate(ctx, s.ID, writeRequest())
	if err != nil {
		t.Fatal(err)
	}

	id, _ := eng.RegisterDenial(s.ID, writeRequest(), resp.Denials)
	out, err := eng.Approve(id, DecisionAllowOnce)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Applied || out.Persisted {
		t.Errorf("outcome = %+v, want applied but not persisted", out)
	}

	again, _ := m.Evaluate(ctx, s.ID, writeRequest())
	if again.Decision != policy.VerdictAllow {
		t.Errorf("decision = %s, want allow", again.Decision)
	}
	if _, err := os.Stat(policyPath); !os.IsNotExist(err) {
		t.Error("allow-once must not write the policy file")
	}
}

func TestEngine_InBandDeny(t *testing.T) {
	m := newSessionManager(t)
	eng := NewEngine(m, Options{}, testLogger())
	ctx := context.Background()

	s, _ := m.Create(sandboxPolicy(), nil)
	resp, err := m.Evaluate(ctx, s.ID, writeRequest())
	if err != nil {
		t.Fatal(err)
	}

	id, _ := eng.RegisterDenial(s.ID, writeRequest(), resp.Denials)
	out, err := eng.Approve(id, DecisionDeny)
	if err != nil {
		t.Fatal(err)
	}
	if out.Applied {
		t.Errorf("outcome = %+v, deny must not apply", out)
	}

	again, _ := m.Evaluate(ctx, s.ID, writeRequest())
	if again.Decision != policy.VerdictDeny {
		t.Errorf("decision = %s, want deny to stand", again.Decision)
	}
}

func TestEngine_UnknownDecisionKeepsPending(t *testing.T) {
	m := newSessionManager(t)
	eng := NewEngine(m, Options{}, testLogger())
	ctx := context.Background()

	s, _ := m.Create(sandboxPolicy(), nil)
	resp, _ := m.Evaluate(ctx, s.ID, writeRequest())
	id, _ := eng.RegisterDenial(s.ID, writeRequest(), resp.Denials)

	if _, err := eng.Approve(id, Decision("maybe")); err == nil {
		t.Fatal("unknown decision expected error")
	}
	// The entry is still pending and can be resolved properly.
	if _, err := eng.Approve(id, DecisionDeny); err != nil {
		t.Errorf("Approve() after unknown decision error: %v", err)
	}
}

func TestEngine_ApproveUnknownID(t *testing.T) {
	eng := NewEngine(newSessionManager(t), Options{}, testLogger())
	if _, err := eng.Approve("nosuchsugg12", DecisionDeny); err == nil {
		t.Error("unknown suggestion id expected error")
	}
}

func TestEngine_RegisterDenialNotSuggestible(t *testing.T) {
	eng := NewEngine(newSessionManager(t), Options{}, testLogger())
	id, sugg := eng.RegisterDenial("sess", policy.ActionRequest{Tool: "file:read"}, []policy.DenyReason{{
		Kind:    policy.DenySession,
		Message: "Rate limit exceeded (2 actions in the last minute, max 2)",
	}})
	if id != "" || sugg != nil {
		t.Errorf("got (%q, %+v), want no suggestion for a hard limit", id, sugg)
	}
}

func TestEngine_ParseDecision(t *testing.T) {
	for _, s := range []string{"add-to-policy", "allow-once", "deny"} {
		if _, err := ParseDecision(s); err != nil {
			t.Errorf("ParseDecision(%q) error: %v", s, err)
		}
	}
	if _, err := ParseDecision("approve"); err == nil {
		t.Error("ParseDecision(approve) expected error")
	}
}

func TestEngine_OnDenialAddToPolicy(t *testing.T) {
	m := newSessionManager(t)
	policyPath := filepath.Join(t.TempDir(), "dev.yaml")

	var prompted *Prompt
	eng := NewEngine(m, Options{
		PolicyPath: policyPath,
		Prompt: func(_ context.Context, p *Prompt) (Decision, error) {
			prompted = p
			return DecisionAddToPolicy, nil
		},
	}, testLogger())
	m.SetDenialHook(eng.OnDenial)

	s, _ := m.Create(sandboxPolicy(), nil)
	resp, err := m.Evaluate(context.Background(), s.ID, writeRequest())
	if err != nil {
		t.Fatal(err)
	}
	if resp.Decision != policy.VerdictAllow {
		t.Fatalf("decision = %s (reasons %v), want allow after evolution retry", resp.Decision, resp.Reasons)
	}
	if resp.Budget.ActionsDenied != 0 {
		t.Errorf("actionsDenied = %d, want 0 after successful retry", resp.Budget.ActionsDenied)
	}

	if prompted == nil || prompted.SessionID != s.ID || prompted.Suggestion == nil {
		t.Fatalf("prompt = %+v", prompted)
	}
	if len(prompted.Reasons) == 0 || !strings.HasPrefix(prompted.Reasons[0], `No capability defined for tool "file:write"`) {
		t.Errorf("prompt reasons = %v", prompted.Reasons)
	}

	loaded, err := policy.Load(policyPath)
	if err != nil {
		t.Fatalf("persisted policy does not load: %v", err)
	}
	if loaded.Capability("file:write") == nil {
		t.Error("persisted policy missing the new capability")
	}
}

func TestEngine_OnDenialAllowOnce(t *testing.T) {
	m := newSessionManager(t)
	policyPath := filepath.Join(t.TempDir(), "dev.yaml")
	eng := NewEngine(m, Options{
		PolicyPath: policyPath,
		Prompt: func(_ context.Context, _ *Prompt) (Decision, error) {
			return DecisionAllowOnce, nil
		},
	}, testLogger())
	m.SetDenialHook(eng.OnDenial)

	s, _ := m.Create(sandboxPolicy(), nil)
	resp, err := m.Evaluate(context.Background(), s.ID, writeRequest())
	if err != nil {
		t.Fatal(err)
	}
	if resp.Decision != policy.VerdictAllow {
		t.Errorf("decision = %s, want allow", resp.Decision)
	}
	if _, err := os.Stat(policyPath); !os.IsNotExist(err) {
		t.Error("allow-once must not write the policy file")
	}
}

func TestEngine_OnDenialDenyAndErrors(t *testing.T) {
	tests := []struct {
		name   string
		prompt PromptHandler
	}{
		{
			name: "handler denies",
			prompt: func(_ context.Context, _ *Prompt) (Decision, error) {
				return DecisionDeny, nil
			},
		},
		{
			name: "handler error",
			prompt: func(_ context.Context, _ *Prompt) (Decision, error) {
				return "", errors.New("approval UI crashed")
			},
		},
		{
			name:   "no handler",
			prompt: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newSessionManager(t)
			eng := NewEngine(m, Options{Prompt: tt.prompt}, testLogger())
			m.SetDenialHook(eng.OnDenial)

			s, _ := m.Create(sandboxPolicy(), nil)
			resp, err := m.Evaluate(context.Background(), s.ID, writeRequest())
			if err != nil {
				t.Fatal(err)
			}
			if resp.Decision != policy.VerdictDeny {
				t.Errorf("decision = %s, want deny", resp.Decision)
			}
			if resp.Budget.ActionsDenied != 1 {
				t.Errorf("actionsDenied = %d, want 1", resp.Budget.ActionsDenied)
			}
		})
	}
}

func TestEngine_OnDenialTimeout(t *testing.T) {
	m := newSessionManager(t)
	eng := NewEngine(m, Options{
		PromptTimeout: 10 * time.Millisecond,
		Prompt: func(ctx context.Context, _ *Prompt) (Decision, error) {
			select {
			case <-ctx.Done():
				return DecisionAddToPolicy, ctx.Err()
			case <-time.After(5 * time.Second):
				return DecisionAddToPolicy, nil
			}
		},
	}, testLogger())
	m.SetDenialHook(eng.OnDenial)

	s, _ := m.Create(sandboxPolicy(), nil)
	start := time.Now()
	resp, err := m.Evaluate(context.Background(), s.ID, writeRequest())
	if err != nil {
		t.Fatal(err)
	}
	if resp.Decision != policy.VerdictDeny {
		t.Errorf("decision = %s, want deny on timeout", resp.Decision)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("evaluation took %s, timeout did not fire", elapsed)
	}
}

func TestEngine_OnDenialNonSuggestible(t *testing.T) {
	m := newSessionManager(t)
	calls := 0
	eng := NewEngine(m, Options{
		Prompt: func(_ context.Context, _ *Prompt) (Decision, error) {
			calls++
			return DecisionAddToPolicy, nil
		},
	}, testLogger())
	m.SetDenialHook(eng.OnDenial)

	p := sandboxPolicy()
	p.Session = &policy.SessionRules{RateLimit: &policy.RateLimit{MaxPerMinute: 1}}
	s, _ := m.Create(p, nil)
	ctx := context.Background()

	if _, err := m.Evaluate(ctx, s.ID, policy.ActionRequest{Tool: "file:read", Input: map[string]any{"path": "/data/a.txt"}}); err != nil {
		t.Fatal(err)
	}
	resp, err := m.Evaluate(ctx, s.ID, policy.ActionRequest{Tool: "file:read", Input: map[string]any{"path": "/data/b.txt"}})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Decision != policy.VerdictDeny {
		t.Fatalf("decision = %s, want rate limit deny", resp.Decision)
	}
	if calls != 0 {
		t.Errorf("prompt called %d times for a hard limit", calls)
	}
}
