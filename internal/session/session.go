package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/gatewarden/gatewarden/internal/policy"
)

const (
	sessionIDLength = 16
	actionIDLength  = 12
)

// Usage errors. Callers distinguish them with errors.Is; the verdict path
// never produces these.
var (
	ErrSessionNotFound       = errors.New("session not found")
	ErrActionNotFound        = errors.New("action not found")
	ErrResultAlreadyRecorded = errors.New("action already has a result")
	ErrSessionTerminated     = errors.New("session is terminated")
)

// Session is one governed agent conversation. The session exclusively owns
// its policy (evolution swaps it under the session's serialisation) and its
// ledger handle.
type Session struct {
	ID                string              `json:"id"`
	Policy            *policy.Policy      `json:"-"`
	PolicyName        string              `json:"policy_name"`
	State             policy.SessionState `json:"state"`
	Budget            *policy.Budget      `json:"budget"`
	Actions           []*Action           `json:"actions"`
	Metadata          map[string]string   `json:"metadata,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
	TerminatedAt      *time.Time          `json:"terminated_at,omitempty"`
	TerminationReason string              `json:"termination_reason,omitempty"`
}

// Action is one evaluated tool invocation. Actions are append-only within a
// session; Result is set at most once by RecordResult.
type Action struct {
	ID         string               `json:"id"`
	Index      int                  `json:"index"`
	Request    policy.ActionRequest `json:"request"`
	Validation *policy.Evaluation   `json:"validation"`
	Result     *Result              `json:"result,omitempty"`
	Timestamp  time.Time            `json:"timestamp"`
}

// Result is the reported outcome of executing an allowed action.
type Result struct {
	Success      bool              `json:"success"`
	Output       any               `json:"output,omitempty"`
	Error        string            `json:"error,omitempty"`
	DurationMS   int64             `json:"duration_ms,omitempty"`
	CostUSD      float64           `json:"cost_usd,omitempty"`
	Retries      int               `json:"retries,omitempty"`
	Artifacts    []Artifact        `json:"artifacts,omitempty"`
	RollbackData map[string]string `json:"rollback_data,omitempty"`
}

// Artifact is a piece of evidence attached to a result.
type Artifact struct {
	Type string `json:"type"`
	Path string `json:"path,omitempty"`
	Data string `json:"data,omitempty"`
}

// Artifact types. Checksum and diff artifacts mark mutations and feed the
// files-changed budget; log and exit_code are evidence only.
const (
	ArtifactChecksum = "checksum"
	ArtifactDiff     = "diff"
	ArtifactLog      = "log"
	ArtifactExitCode = "exit_code"
)

// FilesChangedArtifacts counts distinct mutated targets among the result's
// artifacts. A single write typically carries both a diff and a checksum for
// the same path; that is one change, not two.
func (r *Result) FilesChangedArtifacts() int {
	seen := make(map[string]bool)
	n := 0
	for _, a := range r.Artifacts {
		if a.Type != ArtifactDiff && a.Type != ArtifactChecksum {
			continue
		}
		if a.Path == "" {
			n++
			continue
		}
		if !seen[a.Path] {
			seen[a.Path] = true
			n++
		}
	}
	return n
}

// EvalResponse is what Evaluate returns to the caller.
type EvalResponse struct {
	ActionID string                `json:"action_id"`
	Decision policy.Verdict        `json:"decision"`
	Reasons  []string              `json:"reasons,omitempty"`
	Denials  []policy.DenyReason   `json:"denials,omitempty"`
	Gate     *policy.Gate          `json:"gate,omitempty"`
	Budget   policy.BudgetSnapshot `json:"budget"`
	Warnings []string              `json:"warnings,omitempty"`
}

// Report summarises a session for callers and the archive.
type Report struct {
	SessionID         string     `json:"session_id"`
	PolicyName        string     `json:"policy_name"`
	State             string     `json:"state"`
	CreatedAt         time.Time  `json:"created_at"`
	TerminatedAt      *time.Time `json:"terminated_at,omitempty"`
	TerminationReason string     `json:"termination_reason,omitempty"`
	DurationMS        int64      `json:"duration_ms"`
	ActionsEvaluated  int        `json:"actions_evaluated"`
	ActionsAllowed    int        `json:"actions_allowed"`
	ActionsDenied     int        `json:"actions_denied"`
	ActionsGated      int        `json:"actions_gated"`
	FilesChanged      int        `json:"files_changed"`
	OutputBytes       int64      `json:"output_bytes"`
	CostUSD           float64    `json:"cost_usd"`
	LedgerPath        string     `json:"ledger_path"`
	LedgerEntries     int64      `json:"ledger_entries"`
}

// DenialOutcome is a denial hook's instruction to the manager.
type DenialOutcome int

const (
	// DecisionDeny keeps the original denial.
	DecisionDeny DenialOutcome = iota
	// DecisionRetry asks the manager to re-evaluate the action against the
	// session's (possibly mutated) policy.
	DecisionRetry
)

// DenialHook is consulted after a denied evaluation, before the denial
// counter settles. It runs under the session's serialisation and may replace
// sess.Policy before returning DecisionRetry.
type DenialHook func(ctx context.Context, sess *Session, act *Action) DenialOutcome

const idCharset = "abcdefghijklmnopqrstuvwxyz0123456789"

// randomID returns n random charset characters, falling back to a
// timestamp-based ID if crypto/rand fails (should never happen).
func randomID(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		s := fmt.Sprintf("%d", time.Now().UnixNano())
		for len(s) < n {
			s += s
		}
		return s[:n]
	}
	for i := range b {
		b[i] = idCharset[b[i]%byte(len(idCharset))]
	}
	return string(b)
}

func newSessionID() string { return randomID(sessionIDLength) }
func newActionID() string  { return randomID(actionIDLength) }
