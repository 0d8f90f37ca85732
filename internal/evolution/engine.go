package evolution

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gatewarden/gatewarden/internal/policy"
	"github.com/gatewarden/gatewarden/internal/session"
)

// Decision is an approval verdict for a suggested policy change.
type Decision string

const (
	DecisionAddToPolicy Decision = "add-to-policy"
	DecisionAllowOnce   Decision = "allow-once"
	DecisionDeny        Decision = "deny"
)

// ParseDecision validates a decision string from an external caller.
func ParseDecision(s string) (Decision, error) {
	switch Decision(s) {
	case DecisionAddToPolicy, DecisionAllowOnce, DecisionDeny:
		return Decision(s), nil
	}
	return "", fmt.Errorf("unknown decision %q", s)
}

// DefaultPromptTimeout bounds out-of-band decision prompts.
const DefaultPromptTimeout = 30 * time.Second

// Prompt carries everything a handler needs to decide on a suggestion.
type Prompt struct {
	SessionID  string               `json:"session_id"`
	Action     policy.ActionRequest `json:"action"`
	Reasons    []string             `json:"reasons"`
	Suggestion *Suggestion          `json:"suggestion"`
}

// PromptHandler asks a human (or an automated stand-in) to decide on a
// suggestion. The engine abandons handlers that outlive the configured
// timeout; a well-behaved handler watches ctx.
type PromptHandler func(ctx context.Context, p *Prompt) (Decision, error)

// Options configures an Engine.
type Options struct {
	// PolicyPath is where add-to-policy decisions are persisted. Empty
	// disables persistence; decisions still mutate the session policy.
	PolicyPath string
	// Prompt handles out-of-band decisions. When nil, OnDenial keeps every
	// denial standing.
	Prompt PromptHandler
	// PromptTimeout overrides DefaultPromptTimeout when positive.
	PromptTimeout time.Duration
}

// Engine turns denials into policy suggestions and applies approved ones.
// In-band consumers (the MCP proxy) register suggestions and resolve them
// through the policy_evolution_approve virtual tool; out-of-band consumers
// install OnDenial as the session manager's denial hook.
type Engine struct {
	sessions *session.Manager
	opts     Options
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingSuggestion
}

type pendingSuggestion struct {
	Suggestion *Suggestion
	Action     policy.ActionRequest
	SessionID  string
	CreatedAt  time.Time
}

// NewEngine creates an evolution engine bound to the session manager.
func NewEngine(sessions *session.Manager, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PromptTimeout <= 0 {
		opts.PromptTimeout = DefaultPromptTimeout
	}
	return &Engine{
		sessions: sessions,
		opts:     opts,
		logger:   logger.With("component", "evolution.Engine"),
		pending:  make(map[string]*pendingSuggestion),
	}
}

// RegisterDenial binds a suggestion for a denied action and returns its id.
// The empty id means the denial is not suggestible.
func (e *Engine) RegisterDenial(sessionID string, action policy.ActionRequest, denials []policy.DenyReason) (string, *Suggestion) {
	sugg := Suggest(action, denials)
	if sugg == nil {
		return "", nil
	}
	id := newSuggestionID()

	e.mu.Lock()
	e.pending[id] = &pendingSuggestion{
		Suggestion: sugg,
		Action:     action,
		SessionID:  sessionID,
		CreatedAt:  time.Now().UTC(),
	}
	e.mu.Unlock()

	e.logger.Info("registered policy suggestion",
		"suggestion_id", id,
		"session_id", sessionID,
		"kind", sugg.Kind,
		"tool", action.Tool,
	)
	return id, sugg
}

// Outcome reports what an approval decision did.
type Outcome struct {
	Decision  Decision `json:"decision"`
	Applied   bool     `json:"applied"`
	Persisted bool     `json:"persisted"`
	Message   string   `json:"message"`
}

// Approve resolves a pending suggestion. add-to-policy mutates the session
// policy and persists it to disk; allow-once mutates the session policy
// only; deny drops the entry. An unknown decision leaves the entry pending.
func (e *Engine) Approve(suggestionID string, decision Decision) (*Outcome, error) {
	switch decision {
	case DecisionAddToPolicy, DecisionAllowOnce, DecisionDeny:
	default:
		return nil, fmt.Errorf("unknown decision %q", decision)
	}

	e.mu.Lock()
	pend, ok := e.pending[suggestionID]
	if ok {
		delete(e.pending, suggestionID)
	}
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("suggestion %s not found or already resolved", suggestionID)
	}

	if decision == DecisionDeny {
		e.logger.Info("suggestion denied",
			"suggestion_id", suggestionID,
			"session_id", pend.SessionID,
		)
		return &Outcome{Decision: decision, Message: "Suggestion dropped; the policy is unchanged."}, nil
	}

	current, err := e.sessions.Policy(pend.SessionID)
	if err != nil {
		return nil, err
	}
	updated, err := Apply(current, pend.Suggestion)
	if err != nil {
		return nil, err
	}
	if err := e.sessions.UpdatePolicy(pend.SessionID, updated); err != nil {
		return nil, err
	}

	out := &Outcome{Decision: decision, Applied: true}
	if decision == DecisionAddToPolicy && e.opts.PolicyPath != "" {
		if err := policy.WriteFile(updated, e.opts.PolicyPath); err != nil {
			e.logger.Error("failed to persist evolved policy",
				"path", e.opts.PolicyPath,
				"error", err,
			)
			return nil, fmt.Errorf("policy applied to session but not persisted: %w", err)
		}
		out.Persisted = true
		out.Message = fmt.Sprintf("Policy updated and saved: %s. Retry the original call.", pend.Suggestion.Description())
	} else {
		out.Message = fmt.Sprintf("Allowed for this session: %s. Retry the original call.", pend.Suggestion.Description())
	}

	e.logger.Info("suggestion applied",
		"suggestion_id", suggestionID,
		"session_id", pend.SessionID,
		"decision", string(decision),
		"persisted", out.Persisted,
	)
	return out, nil
}

// OnDenial is a session.DenialHook. It derives a suggestion for the denial,
// prompts the configured handler, applies approved changes to the live
// session policy, and asks the manager to retry. Timeouts, handler errors,
// and non-suggestible denials keep the denial standing; cancellation never
// mutates policy.
func (e *Engine) OnDenial(ctx context.Context, sess *session.Session, act *session.Action) session.DenialOutcome {
	if e.opts.Prompt == nil || act.Validation == nil {
		return session.DecisionDeny
	}
	sugg := Suggest(act.Request, act.Validation.Denials)
	if sugg == nil {
		return session.DecisionDeny
	}

	decision, err := e.promptDecision(ctx, &Prompt{
		SessionID:  sess.ID,
		Action:     act.Request,
		Reasons:    act.Validation.Reasons,
		Suggestion: sugg,
	})
	if err != nil {
		e.logger.Warn("evolution prompt failed, keeping denial",
			"session_id", sess.ID,
			"action_id", act.ID,
			"error", err,
		)
		return session.DecisionDeny
	}

	switch decision {
	case DecisionAddToPolicy, DecisionAllowOnce:
		updated, err := Apply(sess.Policy, sugg)
		if err != nil {
			e.logger.Warn("suggestion did not apply cleanly, keeping denial",
				"session_id", sess.ID,
				"action_id", act.ID,
				"error", err,
			)
			return session.DecisionDeny
		}
		// The hook runs under the session's serialisation; replacing the
		// policy here is the sanctioned mutation path.
		sess.Policy = updated
		if decision == DecisionAddToPolicy && e.opts.PolicyPath != "" {
			if err := policy.WriteFile(updated, e.opts.PolicyPath); err != nil {
				e.logger.Error("failed to persist evolved policy",
					"path", e.opts.PolicyPath,
					"error", err,
				)
			}
		}
		e.logger.Info("policy evolved after denial",
			"session_id", sess.ID,
			"action_id", act.ID,
			"kind", sugg.Kind,
			"decision", string(decision),
		)
		return session.DecisionRetry

	default:
		return session.DecisionDeny
	}
}

// promptDecision races the handler against the configured timeout.
func (e *Engine) promptDecision(ctx context.Context, p *Prompt) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.PromptTimeout)
	defer cancel()

	type reply struct {
		decision Decision
		err      error
	}
	ch := make(chan reply, 1)
	go func() {
		d, err := e.opts.Prompt(ctx, p)
		ch <- reply{d, err}
	}()

	select {
	case r := <-ch:
		return r.decision, r.err
	case <-ctx.Done():
		return DecisionDeny, ctx.Err()
	}
}

const (
	suggestionIDLength = 12
	idCharset          = "abcdefghijklmnopqrstuvwxyz0123456789"
)

func newSuggestionID() string {
	b := make([]byte, suggestionIDLength)
	if _, err := rand.Read(b); err != nil {
		s := fmt.Sprintf("%d", time.Now().UnixNano())
		for len(s) < suggestionIDLength {
			s += s
		}
		return s[:suggestionIDLength]
	}
	for i := range b {
		b[i] = idCharset[b[i]%byte(len(idCharset))]
	}
	return string(b)
}
