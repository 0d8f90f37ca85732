package policy

import (
	"fmt"
	"strings"
	"time"
)

// actionWarningWindow is how close to the session action ceiling an action
// can get before a warning is attached to its result.
const actionWarningWindow = 5

// SessionSnapshot is the session manager's view of one session at the
// moment of evaluation. The evaluator never touches live session state;
// the manager assembles a snapshot under the session's serialisation.
type SessionSnapshot struct {
	State            SessionState
	StartedAt        time.Time
	ActionsEvaluated int
	ActionsDenied    int

	// ActionTimes are the timestamps of prior evaluations, used for the
	// trailing rate-limit window.
	ActionTimes []time.Time

	// ResolvedGates are all gates already decided for this session, in
	// action order.
	ResolvedGates []ResolvedGate
}

// ResolvedGate records one decided gate for escalation bookkeeping.
type ResolvedGate struct {
	ActionIndex int
	Approval    string
	Condition   string
	Approved    bool
}

// hasHumanGateAtOrAfter reports whether a human gate was resolved for an
// action at or after the given index. Rejected check-ins count: the human
// was consulted either way.
func (s SessionSnapshot) hasHumanGateAtOrAfter(index int) bool {
	for _, g := range s.ResolvedGates {
		if g.Approval == ApprovalHuman && g.ActionIndex >= index {
			return true
		}
	}
	return false
}

// hasElapsedTimeGate reports whether an after_minutes escalation gate was
// already resolved for this session.
func (s SessionSnapshot) hasElapsedTimeGate() bool {
	for _, g := range s.ResolvedGates {
		if strings.HasPrefix(g.Condition, "after_minutes:") {
			return true
		}
	}
	return false
}

// EvaluateSession prepends the session-level checks to the stateless
// pipeline: session state, action and denial ceilings, the trailing-minute
// rate limit, then escalation rules. Escalation produces a synthetic human
// gate rather than a denial. The returned warnings attach to the eventual
// result even when a later level denies.
func (e *Evaluator) EvaluateSession(req ActionRequest, p *Policy, budget *Budget, snap SessionSnapshot, now time.Time) (Evaluation, []string) {
	ev := Evaluation{Verdict: VerdictDeny, Tool: req.Tool}

	if snap.State != SessionActive {
		return e.deny(ev, []DenyReason{{
			Kind:    DenySession,
			Message: fmt.Sprintf("Session is not active (state: %s)", snap.State),
		}}), nil
	}

	rules := p.Session
	if rules == nil {
		return e.Evaluate(req, p, budget), nil
	}

	var warnings []string
	if rules.MaxActions > 0 {
		if snap.ActionsEvaluated >= rules.MaxActions {
			return e.deny(ev, []DenyReason{{
				Kind:    DenySession,
				Message: fmt.Sprintf("Session action limit reached: %d of %d actions", snap.ActionsEvaluated, rules.MaxActions),
			}}), nil
		}
		used := snap.ActionsEvaluated + 1
		if rules.MaxActions-used <= actionWarningWindow {
			warnings = append(warnings,
				fmt.Sprintf("Approaching session action limit: %d of %d actions used", used, rules.MaxActions))
		}
	}

	if rules.MaxDenials > 0 && snap.ActionsDenied >= rules.MaxDenials {
		return e.deny(ev, []DenyReason{{
			Kind:    DenySession,
			Message: fmt.Sprintf("Session denial limit reached: %d denials (max %d)", snap.ActionsDenied, rules.MaxDenials),
		}}), warnings
	}

	if rl := rules.RateLimit; rl != nil && rl.MaxPerMinute > 0 {
		cutoff := now.Add(-time.Minute)
		recent := 0
		for _, t := range snap.ActionTimes {
			if t.After(cutoff) {
				recent++
			}
		}
		if recent >= rl.MaxPerMinute {
			return e.deny(ev, []DenyReason{{
				Kind:    DenySession,
				Message: fmt.Sprintf("Rate limit exceeded: %d actions in the last minute (max %d per minute)", recent, rl.MaxPerMinute),
			}}), warnings
		}
	}

	for _, rule := range rules.Escalation {
		if rule.AfterActions > 0 && snap.ActionsEvaluated >= rule.AfterActions &&
			!snap.hasHumanGateAtOrAfter(rule.AfterActions) {
			ev.Verdict = VerdictGate
			ev.Gate = &Gate{
				Action:    req.Tool,
				Approval:  ApprovalHuman,
				RiskLevel: RiskMedium,
				Condition: fmt.Sprintf("after_actions:%d", rule.AfterActions),
			}
			e.logger.Info("escalation gate triggered",
				"tool", req.Tool,
				"after_actions", rule.AfterActions,
				"actions_evaluated", snap.ActionsEvaluated,
			)
			return ev, warnings
		}
		if rule.AfterMinutes > 0 && elapsedMinutes(snap.StartedAt, now) >= float64(rule.AfterMinutes) &&
			!snap.hasElapsedTimeGate() {
			ev.Verdict = VerdictGate
			ev.Gate = &Gate{
				Action:    req.Tool,
				Approval:  ApprovalHuman,
				RiskLevel: RiskMedium,
				Condition: fmt.Sprintf("after_minutes:%d", rule.AfterMinutes),
			}
			e.logger.Info("escalation gate triggered",
				"tool", req.Tool,
				"after_minutes", rule.AfterMinutes,
			)
			return ev, warnings
		}
	}

	return e.Evaluate(req, p, budget), warnings
}
