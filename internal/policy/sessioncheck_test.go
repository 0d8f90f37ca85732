package policy

import (
	"strings"
	"testing"
	"time"
)

func activeSnapshot(now time.Time) SessionSnapshot {
	return SessionSnapshot{State: SessionActive, StartedAt: now}
}

func TestEvaluateSession_InactiveStates(t *testing.T) {
	e := mustNewEvaluator(t)
	now := time.Now()
	req := ActionRequest{Tool: "file:read", Input: map[string]any{"path": "/data/a"}}

	for _, state := range []SessionState{SessionPaused, SessionTerminated} {
		snap := activeSnapshot(now)
		snap.State = state

		ev, _ := e.EvaluateSession(req, scopedPolicy(), nil, snap, now)
		if ev.Verdict != VerdictDeny {
			t.Errorf("state %q: verdict = %q, want deny", state, ev.Verdict)
		}
		want := "Session is not active (state: " + string(state) + ")"
		if ev.FirstReason() != want {
			t.Errorf("state %q: reason = %q, want %q", state, ev.FirstReason(), want)
		}
		if ev.Denials[0].Kind != DenySession {
			t.Errorf("state %q: kind = %q, want session", state, ev.Denials[0].Kind)
		}
	}
}

func TestEvaluateSession_NoSessionRulesDelegates(t *testing.T) {
	e := mustNewEvaluator(t)
	now := time.Now()

	ev, warnings := e.EvaluateSession(
		ActionRequest{Tool: "file:read", Input: map[string]any{"path": "/data/a"}},
		scopedPolicy(), nil, activeSnapshot(now), now)

	if ev.Verdict != VerdictAllow {
		t.Errorf("verdict = %q, want allow", ev.Verdict)
	}
	if warnings != nil {
		t.Errorf("warnings = %v, want none", warnings)
	}
}

func TestEvaluateSession_MaxActions(t *testing.T) {
	e := mustNewEvaluator(t)
	now := time.Now()
	p := scopedPolicy()
	p.Session = &SessionRules{MaxActions: 10}
	req := ActionRequest{Tool: "file:read", Input: map[string]any{"path": "/data/a"}}

	tests := []struct {
		name        string
		evaluated   int
		verdict     Verdict
		wantWarning bool
	}{
		{"well under the limit", 3, VerdictAllow, false},
		{"entering the warning window", 4, VerdictAllow, true},
		{"last allowed action", 9, VerdictAllow, true},
		{"at the limit", 10, VerdictDeny, false},
		{"over the limit", 12, VerdictDeny, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := activeSnapshot(now)
			snap.ActionsEvaluated = tt.evaluated

			ev, warnings := e.EvaluateSession(req, p, nil, snap, now)
			if ev.Verdict != tt.verdict {
				t.Fatalf("verdict = %q, want %q (reasons: %v)", ev.Verdict, tt.verdict, ev.Reasons)
			}
			if tt.verdict == VerdictDeny {
				if !strings.HasPrefix(ev.FirstReason(), "Session action limit reached") {
					t.Errorf("reason = %q", ev.FirstReason())
				}
			}
			if got := len(warnings) > 0; got != tt.wantWarning {
				t.Errorf("warnings = %v, want warning=%v", warnings, tt.wantWarning)
			}
		})
	}
}

func TestEvaluateSession_MaxDenials(t *testing.T) {
	e := mustNewEvaluator(t)
	now := time.Now()
	p := scopedPolicy()
	p.Session = &SessionRules{MaxDenials: 3}

	snap := activeSnapshot(now)
	snap.ActionsDenied = 3

	ev, _ := e.EvaluateSession(ActionRequest{Tool: "file:read", Input: map[string]any{"path": "/data/a"}}, p, nil, snap, now)
	if ev.Verdict != VerdictDeny {
		t.Fatalf("verdict = %q, want deny", ev.Verdict)
	}
	want := "Session denial limit reached: 3 denials (max 3)"
	if ev.FirstReason() != want {
		t.Errorf("reason = %q, want %q", ev.FirstReason(), want)
	}
}

func TestEvaluateSession_RateLimit(t *testing.T) {
	e := mustNewEvaluator(t)
	now := time.Now()
	p := scopedPolicy()
	p.Session = &SessionRules{RateLimit: &RateLimit{MaxPerMinute: 2}}
	req := ActionRequest{Tool: "file:read", Input: map[string]any{"path": "/data/a"}}

	tests := []struct {
		name    string
		times   []time.Time
		verdict Verdict
	}{
		{"no prior actions", nil, VerdictAllow},
		{"one recent action", []time.Time{now.Add(-10 * time.Second)}, VerdictAllow},
		{"two recent actions", []time.Time{now.Add(-10 * time.Second), now.Add(-20 * time.Second)}, VerdictDeny},
		{"old actions fall out of the window", []time.Time{now.Add(-70 * time.Second), now.Add(-90 * time.Second), now.Add(-20 * time.Second)}, VerdictAllow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := activeSnapshot(now)
			snap.ActionTimes = tt.times

			ev, _ := e.EvaluateSession(req, p, nil, snap, now)
			if ev.Verdict != tt.verdict {
				t.Fatalf("verdict = %q, want %q (reasons: %v)", ev.Verdict, tt.verdict, ev.Reasons)
			}
			if tt.verdict == VerdictDeny && !strings.HasPrefix(ev.FirstReason(), "Rate limit exceeded") {
				t.Errorf("reason = %q, want Rate limit exceeded prefix", ev.FirstReason())
			}
		})
	}
}

func TestEvaluateSession_EscalationAfterActions(t *testing.T) {
	e := mustNewEvaluator(t)
	now := time.Now()
	p := scopedPolicy()
	p.Session = &SessionRules{Escalation: []EscalationRule{{AfterActions: 3, Require: "human_checkin"}}}
	req := ActionRequest{Tool: "file:read", Input: map[string]any{"path": "/data/a"}}

	// Below the threshold nothing happens.
	snap := activeSnapshot(now)
	snap.ActionsEvaluated = 2
	ev, _ := e.EvaluateSession(req, p, nil, snap, now)
	if ev.Verdict != VerdictAllow {
		t.Fatalf("below threshold: verdict = %q, want allow", ev.Verdict)
	}

	// At the threshold the synthetic human gate fires.
	snap.ActionsEvaluated = 3
	ev, _ = e.EvaluateSession(req, p, nil, snap, now)
	if ev.Verdict != VerdictGate {
		t.Fatalf("at threshold: verdict = %q, want gate", ev.Verdict)
	}
	if ev.Gate == nil {
		t.Fatal("gate missing")
	}
	if ev.Gate.Approval != ApprovalHuman || ev.Gate.RiskLevel != RiskMedium {
		t.Errorf("gate = %+v, want human approval at medium risk", ev.Gate)
	}
	if ev.Gate.Condition != "after_actions:3" {
		t.Errorf("condition = %q, want after_actions:3", ev.Gate.Condition)
	}

	// A resolved human check-in at or past the threshold suppresses it.
	snap.ResolvedGates = []ResolvedGate{{ActionIndex: 3, Approval: ApprovalHuman, Condition: "after_actions:3", Approved: true}}
	ev, _ = e.EvaluateSession(req, p, nil, snap, now)
	if ev.Verdict != VerdictAllow {
		t.Errorf("after check-in: verdict = %q, want allow", ev.Verdict)
	}

	// A human gate resolved before the threshold does not count.
	snap.ResolvedGates = []ResolvedGate{{ActionIndex: 1, Approval: ApprovalHuman, Approved: true}}
	ev, _ = e.EvaluateSession(req, p, nil, snap, now)
	if ev.Verdict != VerdictGate {
		t.Errorf("stale check-in: verdict = %q, want gate", ev.Verdict)
	}
}

func TestEvaluateSession_EscalationAfterMinutes(t *testing.T) {
	e := mustNewEvaluator(t)
	now := time.Now()
	p := scopedPolicy()
	p.Session = &SessionRules{Escalation: []EscalationRule{{AfterMinutes: 30, Require: "human_checkin"}}}
	req := ActionRequest{Tool: "file:read", Input: map[string]any{"path": "/data/a"}}

	// Young session: nothing.
	snap := activeSnapshot(now.Add(-10 * time.Minute))
	ev, _ := e.EvaluateSession(req, p, nil, snap, now)
	if ev.Verdict != VerdictAllow {
		t.Fatalf("young session: verdict = %q, want allow", ev.Verdict)
	}

	// Past the wall-clock threshold.
	snap = activeSnapshot(now.Add(-31 * time.Minute))
	ev, _ = e.EvaluateSession(req, p, nil, snap, now)
	if ev.Verdict != VerdictGate {
		t.Fatalf("old session: verdict = %q, want gate", ev.Verdict)
	}
	if ev.Gate.Condition != "after_minutes:30" {
		t.Errorf("condition = %q, want after_minutes:30", ev.Gate.Condition)
	}

	// A prior resolved elapsed-time gate suppresses re-firing.
	snap.ResolvedGates = []ResolvedGate{{ActionIndex: 5, Approval: ApprovalHuman, Condition: "after_minutes:30", Approved: false}}
	ev, _ = e.EvaluateSession(req, p, nil, snap, now)
	if ev.Verdict != VerdictAllow {
		t.Errorf("after elapsed-time check-in: verdict = %q, want allow", ev.Verdict)
	}
}

func TestEvaluateSession_WarningSurvivesLaterDeny(t *testing.T) {
	e := mustNewEvaluator(t)
	now := time.Now()
	p := scopedPolicy()
	p.Session = &SessionRules{
		MaxActions: 10,
		RateLimit:  &RateLimit{MaxPerMinute: 1},
	}

	snap := activeSnapshot(now)
	snap.ActionsEvaluated = 8
	snap.ActionTimes = []time.Time{now.Add(-5 * time.Second)}

	ev, warnings := e.EvaluateSession(ActionRequest{Tool: "file:read", Input: map[string]any{"path": "/data/a"}}, p, nil, snap, now)
	if ev.Verdict != VerdictDeny {
		t.Fatalf("verdict = %q, want rate-limit deny", ev.Verdict)
	}
	if len(warnings) != 1 || !strings.HasPrefix(warnings[0], "Approaching session action limit") {
		t.Errorf("warnings = %v, want the action-limit warning attached", warnings)
	}
}

func TestEvaluateSession_DelegatesToStateless(t *testing.T) {
	e := mustNewEvaluator(t)
	now := time.Now()
	p := scopedPolicy()
	p.Session = &SessionRules{MaxActions: 100}

	ev, _ := e.EvaluateSession(ActionRequest{Tool: "file:read", Input: map[string]any{"path": "/etc/passwd"}}, p, nil, activeSnapshot(now), now)
	if ev.Verdict != VerdictDeny {
		t.Fatalf("verdict = %q, want deny from the stateless pipeline", ev.Verdict)
	}
	if ev.Denials[0].Kind != DenyScope {
		t.Errorf("kind = %q, want scope", ev.Denials[0].Kind)
	}
}
