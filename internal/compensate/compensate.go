// Package compensate turns a session's executed actions into a reverse-order
// rollback plan and runs it best-effort. Planning is pure bookkeeping over the
// session's action log; execution delegates the actual undo to the registered
// tool adapters and records every attempt in the session's ledger.
package compensate

import (
	"context"
	"log/slog"
	"time"

	"github.com/gatewarden/gatewarden/internal/adapter"
	"github.com/gatewarden/gatewarden/internal/session"
)

// Step is one candidate rollback in a plan. Steps are emitted for every
// action in the session, newest first; the two flags decide what Execute
// does with them.
type Step struct {
	ActionID string         `json:"action_id"`
	Index    int            `json:"index"`
	Tool     string         `json:"tool"`
	Input    map[string]any `json:"input,omitempty"`

	// WasExecuted is true when the action ran and reported success. Only
	// executed steps are rolled back; everything else never touched the
	// system.
	WasExecuted bool `json:"was_executed"`

	// CanRollback is true when an adapter is registered for the tool.
	CanRollback bool `json:"can_rollback"`

	rollbackData map[string]string
}

// Plan is an ordered set of rollback steps for one session.
type Plan struct {
	SessionID string    `json:"session_id"`
	BuiltAt   time.Time `json:"built_at"`
	Steps     []Step    `json:"steps"`
}

// Executable counts the steps Execute would actually attempt.
func (p *Plan) Executable() int {
	n := 0
	for _, s := range p.Steps {
		if s.WasExecuted {
			n++
		}
	}
	return n
}

// StepResult is the outcome of one step during Execute.
type StepResult struct {
	ActionID    string `json:"action_id"`
	Tool        string `json:"tool"`
	Skipped     bool   `json:"skipped,omitempty"`
	Success     bool   `json:"success"`
	Description string `json:"description,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Report summarises an Execute run.
type Report struct {
	SessionID string       `json:"session_id"`
	Attempted int          `json:"attempted"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Skipped   int          `json:"skipped"`
	Steps     []StepResult `json:"steps"`
}

// Planner builds and executes rollback plans against a fixed adapter
// registry, reporting each attempt back through the session manager so it
// lands in the ledger.
type Planner struct {
	registry *adapter.Registry
	sessions *session.Manager
	logger   *slog.Logger
}

// NewPlanner creates a planner. The session manager may be nil for
// plan-only use; Execute requires it.
func NewPlanner(registry *adapter.Registry, sessions *session.Manager, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		registry: registry,
		sessions: sessions,
		logger:   logger.With("component", "compensate.Planner"),
	}
}

// Build walks the session's actions in reverse index order and emits one
// step per action. A step is marked executed only when a result was recorded
// with success; it is marked rollbackable only when the tool has a
// registered adapter.
func (pl *Planner) Build(sess *session.Session) *Plan {
	plan := &Plan{
		SessionID: sess.ID,
		BuiltAt:   time.Now().UTC(),
		Steps:     make([]Step, 0, len(sess.Actions)),
	}

	for i := len(sess.Actions) - 1; i >= 0; i-- {
		act := sess.Actions[i]
		step := Step{
			ActionID:    act.ID,
			Index:       act.Index,
			Tool:        act.Request.Tool,
			Input:       act.Request.Input,
			WasExecuted: act.Result != nil && act.Result.Success,
		}
		if pl.registry != nil {
			_, step.CanRollback = pl.registry.Get(act.Request.Tool)
		}
		if act.Result != nil {
			step.rollbackData = act.Result.RollbackData
		}
		plan.Steps = append(plan.Steps, step)
	}

	pl.logger.Debug("compensation plan built",
		"session_id", sess.ID,
		"steps", len(plan.Steps),
		"executable", plan.Executable())
	return plan
}

// Execute runs the plan best-effort: steps that never executed are skipped,
// steps without an adapter fail, and adapter rollback errors do not stop the
// remaining steps. Every attempt, successful or not, is appended to the
// session's ledger as a rollback event.
func (pl *Planner) Execute(ctx context.Context, plan *Plan) *Report {
	report := &Report{
		SessionID: plan.SessionID,
		Steps:     make([]StepResult, 0, len(plan.Steps)),
	}

	for _, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			pl.logger.Warn("compensation interrupted", "session_id", plan.SessionID, "error", err)
			break
		}

		sr := StepResult{ActionID: step.ActionID, Tool: step.Tool}

		if !step.WasExecuted {
			sr.Skipped = true
			sr.Description = "action did not execute; nothing to roll back"
			report.Skipped++
			report.Steps = append(report.Steps, sr)
			continue
		}

		report.Attempted++

		if !step.CanRollback {
			sr.Error = "no adapter registered for tool " + step.Tool
			report.Failed++
			report.Steps = append(report.Steps, sr)
			pl.record(plan.SessionID, step.ActionID, false, "", sr.Error)
			continue
		}

		a, _ := pl.registry.Get(step.Tool)
		ec := &adapter.ExecContext{
			SessionID:    plan.SessionID,
			ActionID:     step.ActionID,
			RollbackData: step.rollbackData,
		}
		rr := a.Rollback(ctx, step.Input, ec)

		sr.Success = rr.Success
		sr.Description = rr.Description
		sr.Error = rr.Error
		if rr.Success {
			report.Succeeded++
		} else {
			report.Failed++
		}
		report.Steps = append(report.Steps, sr)
		pl.record(plan.SessionID, step.ActionID, rr.Success, rr.Description, rr.Error)

		pl.logger.Info("rollback step",
			"session_id", plan.SessionID,
			"action_id", step.ActionID,
			"tool", step.Tool,
			"success", rr.Success)
	}

	return report
}

func (pl *Planner) record(sessionID, actionID string, success bool, description, errMsg string) {
	if pl.sessions == nil {
		return
	}
	if err := pl.sessions.RecordRollback(sessionID, actionID, success, description, errMsg); err != nil {
		pl.logger.Warn("failed to record rollback in ledger",
			"session_id", sessionID,
			"action_id", actionID,
			"error", err)
	}
}
