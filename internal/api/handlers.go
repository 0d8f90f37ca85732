package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gatewarden/gatewarden/internal/archive"
	"github.com/gatewarden/gatewarden/internal/gate"
	"github.com/gatewarden/gatewarden/internal/ledger"
	"github.com/gatewarden/gatewarden/internal/policy"
	"github.com/gatewarden/gatewarden/internal/session"
)

// maxBodyBytes bounds request bodies; policies and results are small.
const maxBodyBytes = 1 << 20

// --- Sessions ---

type createSessionRequest struct {
	// Policy is an inline policy document in YAML. Empty means the
	// server's default policy.
	Policy   string            `json:"policy,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var p *policy.Policy
	if req.Policy != "" {
		parsed, err := policy.Parse([]byte(req.Policy))
		if err != nil {
			writePolicyError(w, err)
			return
		}
		p = parsed
	} else if s.opts.Policies != nil {
		p = s.opts.Policies.Get()
	}
	if p == nil {
		writeError(w, http.StatusBadRequest, "no policy provided and server has no default policy")
		return
	}

	sess, err := s.sessions.Create(p, req.Metadata)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")

	live := s.sessions.List()
	if state != "" {
		filtered := live[:0]
		for _, sess := range live {
			if string(sess.State) == state {
				filtered = append(filtered, sess)
			}
		}
		live = filtered
	}

	response := map[string]any{
		"sessions": live,
		"total":    len(live),
	}

	// Reports archived by earlier process runs; sessions still held by the
	// manager are skipped so a freshly terminated session appears once.
	if s.opts.Archive != nil {
		seen := make(map[string]bool, len(live))
		for _, sess := range live {
			seen[sess.ID] = true
		}
		reports, _, err := s.opts.Archive.List(archive.Filter{
			State:  state,
			Limit:  queryInt(r, "limit", 50),
			Offset: queryInt(r, "offset", 0),
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		archived := make([]*session.Report, 0, len(reports))
		for _, rep := range reports {
			if !seen[rep.SessionID] {
				archived = append(archived, rep)
			}
		}
		response["archived"] = archived
		response["total"] = len(live) + len(archived)
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req policy.ActionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Tool == "" {
		writeError(w, http.StatusBadRequest, "tool is required")
		return
	}

	resp, err := s.sessions.Evaluate(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type recordResultRequest struct {
	ActionID string          `json:"action_id"`
	Result   *session.Result `json:"result"`
}

func (s *Server) handleRecordResult(w http.ResponseWriter, r *http.Request) {
	var req recordResultRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ActionID == "" || req.Result == nil {
		writeError(w, http.StatusBadRequest, "action_id and result are required")
		return
	}

	if err := s.sessions.RecordResult(r.PathValue("id"), req.ActionID, req.Result); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

type resolveGateRequest struct {
	ActionID    string `json:"action_id"`
	RespondedBy string `json:"responded_by,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.resolveGate(w, r, true)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.resolveGate(w, r, false)
}

func (s *Server) resolveGate(w http.ResponseWriter, r *http.Request, approved bool) {
	var req resolveGateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ActionID == "" {
		writeError(w, http.StatusBadRequest, "action_id is required")
		return
	}
	if req.RespondedBy == "" {
		req.RespondedBy = "api"
	}

	resp, err := s.sessions.ResolveGate(r.PathValue("id"), req.ActionID, approved, req.RespondedBy, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type terminateRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	var req terminateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = "terminated via API"
	}

	report, err := s.sessions.Terminate(r.PathValue("id"), req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	if s.planner == nil {
		writeError(w, http.StatusServiceUnavailable, "rollback is not available: no adapter registry configured")
		return
	}

	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if sess.State != policy.SessionTerminated {
		writeError(w, http.StatusConflict, "session must be terminated before rollback")
		return
	}

	plan := s.planner.Build(sess)
	report := s.planner.Execute(r.Context(), plan)
	writeJSON(w, http.StatusOK, report)
}

// --- Ledger ---

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.reportFor(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	entries, err := s.sessions.LedgerEntries(id)
	if errors.Is(err, session.ErrSessionNotFound) && s.opts.Archive != nil {
		var report *session.Report
		report, err = s.opts.Archive.Get(id)
		if err == nil {
			entries, err = ledger.ReadAll(report.LedgerPath)
		}
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"entries":    entries,
		"count":      len(entries),
	})
}

func (s *Server) handleLedgerSummary(w http.ResponseWriter, r *http.Request) {
	report, err := s.reportFor(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	summary, err := ledger.Summarize(report.LedgerPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleLedgerVerify(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// Chain breaks are data, not transport errors; the result is always 200.
	result, err := s.sessions.VerifyLedger(id)
	if err == nil {
		writeJSON(w, http.StatusOK, result)
		return
	}
	if errors.Is(err, session.ErrSessionNotFound) && s.opts.Archive != nil {
		report, aerr := s.opts.Archive.Get(id)
		if aerr == nil {
			verified := ledger.VerifyIntegrity(report.LedgerPath)
			writeJSON(w, http.StatusOK, &verified)
			return
		}
		err = aerr
	}
	writeDomainError(w, err)
}

// reportFor resolves a session report from the live manager first, then the
// archive.
func (s *Server) reportFor(id string) (*session.Report, error) {
	report, err := s.sessions.Report(id)
	if errors.Is(err, session.ErrSessionNotFound) && s.opts.Archive != nil {
		return s.opts.Archive.Get(id)
	}
	return report, err
}

// --- Policies ---

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read request body: "+err.Error())
		return
	}

	p, err := policy.Parse(body)
	if err != nil {
		writePolicyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "name": p.Name})
}

// --- System ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.sessions.Count(),
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps the session, gate, and archive sentinels onto HTTP
// status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrActionNotFound),
		errors.Is(err, gate.ErrGateNotFound),
		errors.Is(err, archive.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrSessionTerminated),
		errors.Is(err, session.ErrResultAlreadyRecorded):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// writePolicyError renders a failed policy parse. Schema violations carry
// their per-field issues.
func writePolicyError(w http.ResponseWriter, err error) {
	var verr *policy.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"valid":  false,
			"error":  verr.Error(),
			"issues": verr.Issues,
		})
		return
	}
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"valid": false,
		"error": err.Error(),
	})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
