package gate

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookHandler posts gate requests to an external endpoint and maps its
// reply to a decision. Transport failures and non-2xx responses leave the
// gate pending rather than deciding it.
type WebhookHandler struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookHandler creates a webhook decision handler. A zero timeout
// defaults to 10 seconds.
func NewWebhookHandler(url, secret string, timeout time.Duration) *WebhookHandler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookHandler{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: timeout},
	}
}

func (w *WebhookHandler) Name() string { return "webhook" }

type webhookDecision struct {
	Decision    string `json:"decision"`
	RespondedBy string `json:"responded_by"`
	Reason      string `json:"reason"`
}

// Decide posts the gate request as JSON and expects
// {"decision":"approve"|"reject","responded_by":...,"reason":...} back.
func (w *WebhookHandler) Decide(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal gate request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create gate webhook request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "Gatewarden/1.0")

	// Sign payload if secret is configured
	if w.secret != "" {
		httpReq.Header.Set("X-Gatewarden-Signature", computeHMAC(body, []byte(w.secret)))
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call gate webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("gate webhook returned %d", resp.StatusCode)
	}

	var decision webhookDecision
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		return nil, fmt.Errorf("failed to decode gate webhook response: %w", err)
	}

	switch decision.Decision {
	case "approve", "reject":
	default:
		return nil, fmt.Errorf("gate webhook returned unknown decision %q", decision.Decision)
	}

	respondedBy := decision.RespondedBy
	if respondedBy == "" {
		respondedBy = "webhook"
	}
	return &Response{
		SessionID:   req.SessionID,
		ActionID:    req.ActionID,
		Approved:    decision.Decision == "approve",
		RespondedBy: respondedBy,
		Reason:      decision.Reason,
		ResolvedAt:  time.Now().UTC(),
	}, nil
}

func computeHMAC(data, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}
