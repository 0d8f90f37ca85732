package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/gatewarden/gatewarden/internal/policy"
)

// RiskThresholdHandler auto-approves gates whose assessed risk is at or
// below a configured threshold. Higher-risk gates are left pending.
type RiskThresholdHandler struct {
	threshold string
}

// NewRiskThresholdHandler creates a handler approving risk levels up to and
// including threshold, ordered low < medium < high < critical.
func NewRiskThresholdHandler(threshold string) *RiskThresholdHandler {
	return &RiskThresholdHandler{threshold: threshold}
}

func (h *RiskThresholdHandler) Name() string { return "risk-threshold" }

func (h *RiskThresholdHandler) Decide(_ context.Context, req *Request) (*Response, error) {
	if !policy.RiskAtMost(req.RiskLevel, h.threshold) {
		return nil, nil
	}
	return &Response{
		SessionID:   req.SessionID,
		ActionID:    req.ActionID,
		Approved:    true,
		RespondedBy: "risk-threshold",
		Reason:      fmt.Sprintf("risk %s within threshold %s", req.RiskLevel, h.threshold),
		ResolvedAt:  time.Now().UTC(),
	}, nil
}
