// Package session manages governed agent sessions: per-session policy
// evaluation, budget accounting, gate lifecycle, and the evidence ledger.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gatewarden/gatewarden/internal/gate"
	"github.com/gatewarden/gatewarden/internal/ledger"
	"github.com/gatewarden/gatewarden/internal/policy"
)

// sessionState holds one session plus its in-memory bookkeeping. The mutex
// serialises evaluate, recordResult, resolveGate, and terminate for the
// session; cross-session work never coordinates.
type sessionState struct {
	mu            sync.Mutex
	session       *Session
	ledger        *ledger.Ledger
	actionTimes   []time.Time
	resolvedGates []policy.ResolvedGate
}

func (st *sessionState) snapshot() policy.SessionSnapshot {
	s := st.session
	return policy.SessionSnapshot{
		State:            s.State,
		StartedAt:        s.Budget.StartedAt,
		ActionsEvaluated: s.Budget.ActionsEvaluated,
		ActionsDenied:    s.Budget.ActionsDenied,
		ActionTimes:      st.actionTimes,
		ResolvedGates:    st.resolvedGates,
	}
}

// Manager is the central orchestrator: it owns the session map and drives
// evaluator, gate manager, and ledger for each session.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState

	evaluator *policy.Evaluator
	gates     *gate.Manager
	ledgerDir string
	logger    *slog.Logger

	onDenial    DenialHook
	onTerminate func(*Report)
	onEvent     func(ledger.Entry)
}

// NewManager creates a session manager writing ledgers under ledgerDir.
func NewManager(evaluator *policy.Evaluator, gates *gate.Manager, ledgerDir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions:  make(map[string]*sessionState),
		evaluator: evaluator,
		gates:     gates,
		ledgerDir: ledgerDir,
		logger:    logger.With("component", "session.Manager"),
	}
}

// SetDenialHook wires the evolution denial hook. Set before serving.
func (m *Manager) SetDenialHook(h DenialHook) { m.onDenial = h }

// SetTerminateHook wires a callback invoked with the final report after a
// session terminates. Set before serving.
func (m *Manager) SetTerminateHook(h func(*Report)) { m.onTerminate = h }

// SetEventHook wires a callback invoked for every ledger entry written. The
// callback must not block. Set before serving.
func (m *Manager) SetEventHook(h func(ledger.Entry)) { m.onEvent = h }

// Gates exposes the gate manager for read-side consumers.
func (m *Manager) Gates() *gate.Manager { return m.gates }

// Create opens a new session: allocate an id, clone the policy so the
// session owns its copy, open the ledger file, and record session:start.
func (m *Manager) Create(p *policy.Policy, metadata map[string]string) (*Session, error) {
	if p == nil {
		return nil, fmt.Errorf("policy is required")
	}

	id := newSessionID()
	led, err := ledger.Open(m.ledgerDir, id, m.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger for session %s: %w", id, err)
	}

	now := time.Now().UTC()
	s := &Session{
		ID:         id,
		Policy:     p.Clone(),
		PolicyName: p.Name,
		State:      policy.SessionActive,
		Budget:     policy.NewBudget(now),
		Metadata:   metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	st := &sessionState{session: s, ledger: led}
	if err := m.append(st, ledger.EventSessionStart, map[string]any{
		"policy":   p.Name,
		"metadata": metadata,
	}); err != nil {
		_ = led.Close()
		return nil, fmt.Errorf("failed to record session start: %w", err)
	}

	m.mu.Lock()
	m.sessions[id] = st
	m.mu.Unlock()

	m.logger.Info("created session", "session_id", id, "policy", p.Name)
	return s, nil
}

// Evaluate runs one action through the session-aware pipeline, records it,
// and drives any resulting gate. See the package doc for the full flow.
func (m *Manager) Evaluate(ctx context.Context, sessionID string, req policy.ActionRequest) (*EvalResponse, error) {
	st, err := m.state(sessionID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return m.evaluateLocked(ctx, st, req)
}

func (m *Manager) evaluateLocked(ctx context.Context, st *sessionState, req policy.ActionRequest) (*EvalResponse, error) {
	s := st.session
	now := time.Now().UTC()

	// A terminated session's ledger is closed; reject with the state denial
	// without recording anything further.
	if s.State == policy.SessionTerminated {
		ev, _ := m.evaluator.EvaluateSession(req, s.Policy, s.Budget, st.snapshot(), now)
		return &EvalResponse{
			Decision: ev.Verdict,
			Reasons:  ev.Reasons,
			Denials:  ev.Denials,
			Budget:   s.Budget.Snapshot(s.Policy.Limits, now),
		}, nil
	}

	ev, warnings := m.evaluator.EvaluateSession(req, s.Policy, s.Budget, st.snapshot(), now)

	s.Budget.ActionsEvaluated++
	if ev.Verdict == policy.VerdictDeny {
		s.Budget.ActionsDenied++
	}

	val := ev
	action := &Action{
		ID:         newActionID(),
		Index:      len(s.Actions),
		Request:    req,
		Validation: &val,
		Timestamp:  now,
	}
	s.Actions = append(s.Actions, action)
	st.actionTimes = append(st.actionTimes, now)
	s.UpdatedAt = now

	m.recordEvaluation(st, action, ev, warnings)

	resp := &EvalResponse{
		ActionID: action.ID,
		Decision: ev.Verdict,
		Reasons:  ev.Reasons,
		Denials:  ev.Denials,
		Gate:     ev.Gate,
		Warnings: warnings,
	}

	if ev.Verdict == policy.VerdictGate {
		decision, reasons := m.consultGate(ctx, st, action, ev)
		resp.Decision = decision
		if len(reasons) > 0 {
			resp.Reasons = reasons
		}
	}

	// The denial hook may mutate the policy and ask for a re-evaluation. The
	// denial counter is parked during the prompt so a successful retry never
	// counts as a deny.
	if ev.Verdict == policy.VerdictDeny && m.onDenial != nil {
		s.Budget.ActionsDenied--
		if m.onDenial(ctx, s, action) == DecisionRetry {
			retryEv, retryWarnings := m.evaluator.EvaluateSession(req, s.Policy, s.Budget, st.snapshot(), time.Now().UTC())
			if retryEv.Verdict == policy.VerdictDeny {
				s.Budget.ActionsDenied++
			}
			retryVal := retryEv
			action.Validation = &retryVal
			m.recordEvaluation(st, action, retryEv, retryWarnings)

			resp.Decision = retryEv.Verdict
			resp.Reasons = retryEv.Reasons
			resp.Denials = retryEv.Denials
			resp.Gate = retryEv.Gate
			resp.Warnings = append(resp.Warnings, retryWarnings...)

			if retryEv.Verdict == policy.VerdictGate {
				decision, reasons := m.consultGate(ctx, st, action, retryEv)
				resp.Decision = decision
				if len(reasons) > 0 {
					resp.Reasons = reasons
				}
			}
		} else {
			s.Budget.ActionsDenied++
		}
	}

	// Breaching the denial ceiling terminates the session once the retry
	// protocol has settled.
	if rules := s.Policy.Session; rules != nil && rules.MaxDenials > 0 &&
		s.Budget.ActionsDenied >= rules.MaxDenials && s.State != policy.SessionTerminated {
		if _, err := m.terminateLocked(st, "Session denial limit reached"); err != nil {
			m.logger.Error("failed to auto-terminate session", "session_id", s.ID, "error", err)
		}
	}

	resp.Budget = s.Budget.Snapshot(s.Policy.Limits, time.Now().UTC())
	return resp, nil
}

// recordEvaluation writes the action:evaluate entry plus any budget events.
func (m *Manager) recordEvaluation(st *sessionState, action *Action, ev policy.Evaluation, warnings []string) {
	data := map[string]any{
		"actionId": action.ID,
		"tool":     action.Request.Tool,
		"input":    action.Request.Input,
		"verdict":  ev.Verdict,
	}
	if len(ev.Reasons) > 0 {
		data["reasons"] = ev.Reasons
	}
	if ev.Gate != nil {
		data["gate"] = ev.Gate
	}
	_ = m.append(st, ledger.EventActionEvaluate, data)

	if len(warnings) > 0 {
		_ = m.append(st, ledger.EventBudgetWarning, map[string]any{
			"actionId": action.ID,
			"warnings": warnings,
		})
	}
	if ev.Verdict == policy.VerdictDeny && hasKind(ev.Denials, policy.DenyBudget) {
		_ = m.append(st, ledger.EventBudgetExceeded, map[string]any{
			"actionId": action.ID,
			"reasons":  ev.Reasons,
		})
	}
}

// consultGate pauses the session, records the gate, and asks the gate
// manager for a decision. Immediate approval returns allow, immediate
// rejection deny; otherwise the session stays paused and the verdict stays
// gate.
func (m *Manager) consultGate(ctx context.Context, st *sessionState, action *Action, ev policy.Evaluation) (policy.Verdict, []string) {
	s := st.session
	g := ev.Gate
	risk := policy.AssessRiskLevel(action.Request.Tool, g)

	if strings.HasPrefix(g.Condition, "after_actions:") || strings.HasPrefix(g.Condition, "after_minutes:") {
		_ = m.append(st, ledger.EventEscalation, map[string]any{
			"actionId":  action.ID,
			"condition": g.Condition,
		})
	}

	m.setState(st, policy.SessionPaused, "gate pending")
	_ = m.append(st, ledger.EventGateRequested, map[string]any{
		"actionId":  action.ID,
		"tool":      action.Request.Tool,
		"approval":  g.Approval,
		"riskLevel": risk,
		"condition": g.Condition,
	})

	gateResp, err := m.gates.RequestApproval(ctx, &gate.Request{
		SessionID:   s.ID,
		ActionID:    action.ID,
		Tool:        action.Request.Tool,
		Input:       action.Request.Input,
		Gate:        *g,
		RiskLevel:   risk,
		Reasons:     ev.Reasons,
		RequestedAt: action.Timestamp,
	})
	if err != nil {
		m.logger.Error("gate request failed, leaving session paused", "session_id", s.ID, "action_id", action.ID, "error", err)
		return policy.VerdictGate, nil
	}
	if gateResp == nil {
		return policy.VerdictGate, nil
	}

	m.recordResolution(st, action.Index, *g, gateResp)
	if gateResp.Approved {
		return policy.VerdictAllow, nil
	}
	reason := "Gate rejected"
	if gateResp.Reason != "" {
		reason = fmt.Sprintf("Gate rejected: %s", gateResp.Reason)
	}
	return policy.VerdictDeny, []string{reason}
}

// recordResolution books a decided gate: escalation bookkeeping, the ledger
// event, and the paused→active transition once nothing is pending.
func (m *Manager) recordResolution(st *sessionState, actionIndex int, g policy.Gate, resp *gate.Response) {
	st.resolvedGates = append(st.resolvedGates, policy.ResolvedGate{
		ActionIndex: actionIndex,
		Approval:    g.Approval,
		Condition:   g.Condition,
		Approved:    resp.Approved,
	})

	evt := ledger.EventGateRejected
	if resp.Approved {
		evt = ledger.EventGateApproved
	}
	_ = m.append(st, evt, map[string]any{
		"actionId":    resp.ActionID,
		"respondedBy": resp.RespondedBy,
		"reason":      resp.Reason,
	})

	if !m.gates.HasPending(st.session.ID) {
		m.setState(st, policy.SessionActive, "gates resolved")
	}
}

// ResolveGate decides a pending gate from outside (REST or CLI) and resumes
// the session when no gates remain pending.
func (m *Manager) ResolveGate(sessionID, actionID string, approved bool, respondedBy, reason string) (*gate.Response, error) {
	st, err := m.state(sessionID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	action := findAction(st.session, actionID)
	if action == nil {
		return nil, fmt.Errorf("action %s in session %s: %w", actionID, sessionID, ErrActionNotFound)
	}
	if action.Validation == nil || action.Validation.Gate == nil {
		return nil, fmt.Errorf("action %s has no gate to resolve", actionID)
	}

	resp, err := m.gates.Resolve(sessionID, actionID, approved, respondedBy, reason)
	if err != nil {
		return nil, err
	}
	m.recordResolution(st, action.Index, *action.Validation.Gate, resp)
	st.session.UpdatedAt = time.Now().UTC()
	return resp, nil
}

// RecordResult attaches an execution result to an action, at most once, and
// feeds the budget counters.
func (m *Manager) RecordResult(sessionID, actionID string, result *Result) error {
	st, err := m.state(sessionID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	s := st.session
	if s.State == policy.SessionTerminated {
		return fmt.Errorf("session %s: %w", sessionID, ErrSessionTerminated)
	}
	action := findAction(s, actionID)
	if action == nil {
		return fmt.Errorf("action %s in session %s: %w", actionID, sessionID, ErrActionNotFound)
	}
	if action.Result != nil {
		return fmt.Errorf("action %s: %w", actionID, ErrResultAlreadyRecorded)
	}

	action.Result = result
	s.Budget.FilesChanged += result.FilesChangedArtifacts()
	if result.Output != nil {
		if b, err := json.Marshal(result.Output); err == nil {
			s.Budget.TotalOutputBytes += int64(len(b))
		}
	}
	s.Budget.CostUSD += result.CostUSD
	s.Budget.Retries += result.Retries
	s.UpdatedAt = time.Now().UTC()

	data := map[string]any{
		"actionId":   actionID,
		"success":    result.Success,
		"durationMs": result.DurationMS,
	}
	if result.CostUSD > 0 {
		data["costUsd"] = result.CostUSD
	}
	if result.Error != "" {
		data["error"] = result.Error
	}
	_ = m.append(st, ledger.EventActionResult, data)
	return nil
}

// RecordRollback books one compensation attempt against an action. Rollback
// runs against terminated sessions, whose ledger was closed at termination;
// the stream is resumed so the attempt chains onto the same evidence file.
func (m *Manager) RecordRollback(sessionID, actionID string, success bool, description, errMsg string) error {
	st, err := m.state(sessionID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	action := findAction(st.session, actionID)
	if action == nil {
		return fmt.Errorf("action %s in session %s: %w", actionID, sessionID, ErrActionNotFound)
	}
	if st.ledger.Closed() {
		led, err := ledger.Open(m.ledgerDir, sessionID, m.logger)
		if err != nil {
			return fmt.Errorf("reopen ledger for session %s: %w", sessionID, err)
		}
		st.ledger = led
	}
	data := map[string]any{
		"actionId":    actionID,
		"tool":        action.Request.Tool,
		"success":     success,
		"description": description,
	}
	if errMsg != "" {
		data["error"] = errMsg
	}
	return m.append(st, ledger.EventActionRollback, data)
}

// Policy returns the session's current policy. The pointer is the live
// policy; it is replaced wholesale on evolution, never mutated in place, so
// callers may read it or Clone it but must go through UpdatePolicy to change
// anything.
func (m *Manager) Policy(sessionID string) (*policy.Policy, error) {
	st, err := m.state(sessionID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.session.Policy, nil
}

// UpdatePolicy swaps the session's policy. Evolution uses this for decisions
// arriving outside the evaluation path.
func (m *Manager) UpdatePolicy(sessionID string, p *policy.Policy) error {
	if p == nil {
		return fmt.Errorf("policy is required")
	}
	st, err := m.state(sessionID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.session.Policy = p
	st.session.UpdatedAt = time.Now().UTC()
	return nil
}

// Terminate ends a session: snapshot state, clear gates, write the terminate
// entry with tallies, close the ledger, and emit the final report.
func (m *Manager) Terminate(sessionID, reason string) (*Report, error) {
	st, err := m.state(sessionID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return m.terminateLocked(st, reason)
}

func (m *Manager) terminateLocked(st *sessionState, reason string) (*Report, error) {
	s := st.session
	if s.State == policy.SessionTerminated {
		return nil, fmt.Errorf("session %s: %w", s.ID, ErrSessionTerminated)
	}
	if reason == "" {
		reason = "terminated"
	}

	now := time.Now().UTC()
	s.State = policy.SessionTerminated
	s.TerminatedAt = &now
	s.TerminationReason = reason
	s.UpdatedAt = now

	m.gates.ClearSession(s.ID)

	_ = m.append(st, ledger.EventSessionTerminate, map[string]any{
		"reason":           reason,
		"actionsEvaluated": s.Budget.ActionsEvaluated,
		"actionsDenied":    s.Budget.ActionsDenied,
		"filesChanged":     s.Budget.FilesChanged,
		"outputBytes":      s.Budget.TotalOutputBytes,
		"costUsd":          s.Budget.CostUSD,
		"durationMs":       now.Sub(s.Budget.StartedAt).Milliseconds(),
	})
	if err := st.ledger.Close(); err != nil {
		m.logger.Error("failed to close ledger", "session_id", s.ID, "error", err)
	}

	report := m.buildReport(st, now)
	m.logger.Warn("terminated session",
		"session_id", s.ID,
		"reason", reason,
		"actions_evaluated", s.Budget.ActionsEvaluated,
		"actions_denied", s.Budget.ActionsDenied,
		"cost_usd", s.Budget.CostUSD,
	)
	if m.onTerminate != nil {
		m.onTerminate(report)
	}
	return report, nil
}

// TerminateAll ends every live session, returning their reports. Used at
// process shutdown.
func (m *Manager) TerminateAll(reason string) []*Report {
	m.mu.RLock()
	states := make([]*sessionState, 0, len(m.sessions))
	for _, st := range m.sessions {
		states = append(states, st)
	}
	m.mu.RUnlock()

	var reports []*Report
	for _, st := range states {
		st.mu.Lock()
		if st.session.State != policy.SessionTerminated {
			if report, err := m.terminateLocked(st, reason); err == nil {
				reports = append(reports, report)
			}
		}
		st.mu.Unlock()
	}
	return reports
}

// Get returns a point-in-time copy of a session, safe to serialize while the
// live session keeps moving.
func (m *Manager) Get(sessionID string) (*Session, error) {
	st, err := m.state(sessionID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return copySession(st.session), nil
}

// List returns copies of all sessions, oldest first.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	states := make([]*sessionState, 0, len(m.sessions))
	for _, st := range m.sessions {
		states = append(states, st)
	}
	m.mu.RUnlock()

	sessions := make([]*Session, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		sessions = append(sessions, copySession(st.session))
		st.mu.Unlock()
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions
}

// Report builds the current report for a session without terminating it.
func (m *Manager) Report(sessionID string) (*Report, error) {
	st, err := m.state(sessionID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return m.buildReport(st, time.Now().UTC()), nil
}

// LedgerEntries reads the session's ledger under the session lock so reads
// never race appends.
func (m *Manager) LedgerEntries(sessionID string) ([]ledger.Entry, error) {
	st, err := m.state(sessionID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return ledger.ReadAll(st.ledger.Path())
}

// VerifyLedger replays the session's ledger under the session lock.
func (m *Manager) VerifyLedger(sessionID string) (*ledger.VerifyResult, error) {
	st, err := m.state(sessionID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	res := ledger.VerifyIntegrity(st.ledger.Path())
	return &res, nil
}

// Count returns how many sessions the manager is tracking.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) state(sessionID string) (*sessionState, error) {
	m.mu.RLock()
	st, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	return st, nil
}

// setState transitions the session and records session:state_change. No-op
// when the state is unchanged.
func (m *Manager) setState(st *sessionState, to policy.SessionState, reason string) {
	s := st.session
	if s.State == to {
		return
	}
	from := s.State
	s.State = to
	s.UpdatedAt = time.Now().UTC()
	_ = m.append(st, ledger.EventSessionStateChange, map[string]any{
		"from":   from,
		"to":     to,
		"reason": reason,
	})
	m.logger.Info("session state changed", "session_id", s.ID, "from", from, "to", to, "reason", reason)
}

// append writes a ledger entry and feeds the event hook. Ledger write
// failures are logged; the session keeps operating so a full disk never
// wedges evaluation.
func (m *Manager) append(st *sessionState, typ ledger.EventType, data any) error {
	entry, err := st.ledger.Append(typ, data)
	if err != nil {
		m.logger.Error("failed to append ledger entry", "session_id", st.session.ID, "type", typ, "error", err)
		return err
	}
	if m.onEvent != nil {
		m.onEvent(*entry)
	}
	return nil
}

func (m *Manager) buildReport(st *sessionState, now time.Time) *Report {
	s := st.session
	allowed, denied, gated := 0, 0, 0
	for _, a := range s.Actions {
		if a.Validation == nil {
			continue
		}
		switch a.Validation.Verdict {
		case policy.VerdictAllow:
			allowed++
		case policy.VerdictDeny:
			denied++
		case policy.VerdictGate:
			gated++
		}
	}

	end := now
	if s.TerminatedAt != nil {
		end = *s.TerminatedAt
	}
	return &Report{
		SessionID:         s.ID,
		PolicyName:        s.PolicyName,
		State:             string(s.State),
		CreatedAt:         s.CreatedAt,
		TerminatedAt:      s.TerminatedAt,
		TerminationReason: s.TerminationReason,
		DurationMS:        end.Sub(s.CreatedAt).Milliseconds(),
		ActionsEvaluated:  s.Budget.ActionsEvaluated,
		ActionsAllowed:    allowed,
		ActionsDenied:     s.Budget.ActionsDenied,
		ActionsGated:      gated,
		FilesChanged:      s.Budget.FilesChanged,
		OutputBytes:       s.Budget.TotalOutputBytes,
		CostUSD:           s.Budget.CostUSD,
		LedgerPath:        st.ledger.Path(),
		LedgerEntries:     st.ledger.Seq(),
	}
}

func findAction(s *Session, actionID string) *Action {
	for _, a := range s.Actions {
		if a.ID == actionID {
			return a
		}
	}
	return nil
}

func hasKind(denials []policy.DenyReason, kind policy.DenyKind) bool {
	for _, d := range denials {
		if d.Kind == kind {
			return true
		}
	}
	return false
}

// copySession snapshots a session for external readers. Action values are
// copied so later Result writes never race a marshal.
func copySession(s *Session) *Session {
	cp := *s
	budget := *s.Budget
	cp.Budget = &budget
	cp.Actions = make([]*Action, len(s.Actions))
	for i, a := range s.Actions {
		ac := *a
		cp.Actions[i] = &ac
	}
	return &cp
}
