// Package gate tracks approval gates raised during policy evaluation and
// routes them to decision handlers.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gatewarden/gatewarden/internal/policy"
)

// ErrGateNotFound is returned when resolving a gate that is not pending,
// either because it never existed or because it was already decided.
var ErrGateNotFound = errors.New("gate not found or already resolved")

// Request is a gate awaiting a decision.
type Request struct {
	SessionID   string         `json:"session_id"`
	ActionID    string         `json:"action_id"`
	Tool        string         `json:"tool"`
	Input       map[string]any `json:"input,omitempty"`
	Gate        policy.Gate    `json:"gate"`
	RiskLevel   string         `json:"risk_level"`
	Reasons     []string       `json:"reasons,omitempty"`
	RequestedAt time.Time      `json:"requested_at"`
}

// Response records how a gate was decided.
type Response struct {
	SessionID   string    `json:"session_id"`
	ActionID    string    `json:"action_id"`
	Approved    bool      `json:"approved"`
	RespondedBy string    `json:"responded_by"`
	Reason      string    `json:"reason,omitempty"`
	ResolvedAt  time.Time `json:"resolved_at"`
}

// Handler decides gates for one approval mode. Returning a nil Response with
// a nil error leaves the gate pending for an external Resolve call.
type Handler interface {
	Name() string
	Decide(ctx context.Context, req *Request) (*Response, error)
}

// Manager maps (session, action) pairs to pending requests and resolved
// responses, dispatching non-auto gates to registered handlers.
type Manager struct {
	mu       sync.RWMutex
	pending  map[string]*Request
	resolved map[string]*Response
	handlers map[string]Handler
	logger   *slog.Logger
}

// NewManager creates an empty gate manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		pending:  make(map[string]*Request),
		resolved: make(map[string]*Response),
		handlers: make(map[string]Handler),
		logger:   logger.With("component", "gate.Manager"),
	}
}

func key(sessionID, actionID string) string {
	return sessionID + "/" + actionID
}

// RegisterHandler installs a decision handler for an approval mode,
// replacing any previous handler for that mode.
func (m *Manager) RegisterHandler(mode string, h Handler) {
	m.mu.Lock()
	m.handlers[mode] = h
	m.mu.Unlock()
	m.logger.Info("gate handler registered", "mode", mode, "handler", h.Name())
}

// RequestApproval records the gate and attempts to decide it immediately.
// Auto gates approve on the spot. Other modes go to the handler registered
// for the mode; no handler, a handler error, or a handler that declines to
// decide all leave the gate pending until Resolve is called. A nil Response
// with a nil error means pending.
func (m *Manager) RequestApproval(ctx context.Context, req *Request) (*Response, error) {
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now().UTC()
	}
	k := key(req.SessionID, req.ActionID)

	if req.Gate.Approval == policy.ApprovalAuto {
		resp := &Response{
			SessionID:   req.SessionID,
			ActionID:    req.ActionID,
			Approved:    true,
			RespondedBy: "auto",
			ResolvedAt:  time.Now().UTC(),
		}
		m.mu.Lock()
		m.resolved[k] = resp
		m.mu.Unlock()
		m.logger.Info("gate auto-approved",
			"session_id", req.SessionID,
			"action_id", req.ActionID,
			"tool", req.Tool,
		)
		return resp, nil
	}

	m.mu.Lock()
	if _, dup := m.pending[k]; dup {
		m.mu.Unlock()
		return nil, fmt.Errorf("gate %s is already pending", k)
	}
	m.pending[k] = req
	handler := m.handlers[req.Gate.Approval]
	m.mu.Unlock()

	if handler == nil {
		m.logger.Info("gate pending",
			"session_id", req.SessionID,
			"action_id", req.ActionID,
			"tool", req.Tool,
			"approval", req.Gate.Approval,
			"risk_level", req.RiskLevel,
		)
		return nil, nil
	}

	resp, err := handler.Decide(ctx, req)
	if err != nil {
		m.logger.Error("gate handler failed, leaving gate pending",
			"handler", handler.Name(),
			"session_id", req.SessionID,
			"action_id", req.ActionID,
			"error", err,
		)
		return nil, nil
	}
	if resp == nil {
		m.logger.Info("gate pending",
			"session_id", req.SessionID,
			"action_id", req.ActionID,
			"tool", req.Tool,
			"handler", handler.Name(),
		)
		return nil, nil
	}

	resp.SessionID = req.SessionID
	resp.ActionID = req.ActionID
	if resp.ResolvedAt.IsZero() {
		resp.ResolvedAt = time.Now().UTC()
	}
	m.mu.Lock()
	delete(m.pending, k)
	m.resolved[k] = resp
	m.mu.Unlock()
	m.logger.Info("gate decided",
		"session_id", req.SessionID,
		"action_id", req.ActionID,
		"approved", resp.Approved,
		"responded_by", resp.RespondedBy,
	)
	return resp, nil
}

// Resolve decides a pending gate from outside the handler path.
func (m *Manager) Resolve(sessionID, actionID string, approved bool, respondedBy, reason string) (*Response, error) {
	k := key(sessionID, actionID)

	m.mu.Lock()
	req, ok := m.pending[k]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("gate %s: %w", k, ErrGateNotFound)
	}
	delete(m.pending, k)
	resp := &Response{
		SessionID:   sessionID,
		ActionID:    actionID,
		Approved:    approved,
		RespondedBy: respondedBy,
		Reason:      reason,
		ResolvedAt:  time.Now().UTC(),
	}
	m.resolved[k] = resp
	m.mu.Unlock()

	m.logger.Info("gate resolved",
		"session_id", sessionID,
		"action_id", actionID,
		"tool", req.Tool,
		"approved", approved,
		"responded_by", respondedBy,
	)
	return resp, nil
}

// Pending returns the pending request for an action, if any.
func (m *Manager) Pending(sessionID, actionID string) (*Request, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.pending[key(sessionID, actionID)]
	return req, ok
}

// Resolved returns the recorded response for an action, if any.
func (m *Manager) Resolved(sessionID, actionID string) (*Response, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	resp, ok := m.resolved[key(sessionID, actionID)]
	return resp, ok
}

// ListPending returns pending requests, oldest first. An empty sessionID
// lists every session.
func (m *Manager) ListPending(sessionID string) []*Request {
	m.mu.RLock()
	requests := make([]*Request, 0, len(m.pending))
	for k, req := range m.pending {
		if sessionID != "" && !strings.HasPrefix(k, sessionID+"/") {
			continue
		}
		requests = append(requests, req)
	}
	m.mu.RUnlock()

	sort.Slice(requests, func(i, j int) bool {
		if requests[i].RequestedAt.Equal(requests[j].RequestedAt) {
			return requests[i].ActionID < requests[j].ActionID
		}
		return requests[i].RequestedAt.Before(requests[j].RequestedAt)
	})
	return requests
}

// HasPending reports whether a session still has unresolved gates.
func (m *Manager) HasPending(sessionID string) bool {
	prefix := sessionID + "/"
	m.mu.RLock()
	defer m.mu.RUnlock()
	for k := range m.pending {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

// ClearSession evicts every pending and resolved entry for a session.
func (m *Manager) ClearSession(sessionID string) {
	prefix := sessionID + "/"
	cleared := 0

	m.mu.Lock()
	for k := range m.pending {
		if strings.HasPrefix(k, prefix) {
			delete(m.pending, k)
			cleared++
		}
	}
	for k := range m.resolved {
		if strings.HasPrefix(k, prefix) {
			delete(m.resolved, k)
		}
	}
	m.mu.Unlock()

	if cleared > 0 {
		m.logger.Info("cleared pending gates", "session_id", sessionID, "count", cleared)
	}
}
