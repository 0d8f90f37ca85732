package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/oklog/ulid/v2"

	"github.com/gatewarden/gatewarden/internal/evolution"
	"github.com/gatewarden/gatewarden/internal/policy"
	"github.com/gatewarden/gatewarden/internal/session"
)

// serverVersion is reported in the initialize handshake on both sides.
const serverVersion = "1.0.0"

// evolutionToolName is the virtual tool through which an operator (or the
// agent, when so configured) resolves pending policy change suggestions.
const evolutionToolName = "policy_evolution_approve"

// JSON-RPC error codes. The first four are defined by the JSON-RPC 2.0 spec;
// errCodeBackend is the implementation-defined code for upstream failures.
const (
	errCodeParse          int64 = -32700
	errCodeInvalidParams  int64 = -32602
	errCodeMethodNotFound int64 = -32601
	errCodeInternal       int64 = -32603
	errCodeBackend        int64 = -32000
)

// Options configures a proxy Server.
type Options struct {
	// Policy governs the session every proxied call runs under.
	Policy *policy.Policy
	// Backends are the upstream tool providers to multiplex.
	Backends []Backend
	// Engine, when non-nil, enables denial-driven policy evolution: denials
	// carry change suggestions and the inventory gains the approval tool.
	Engine *evolution.Engine
	// Metadata is merged into the proxy session's metadata.
	Metadata map[string]string
}

// Server is the MCP endpoint the agent connects to. It presents the merged
// tool inventory of all backends as a single server and routes every
// tools/call through policy evaluation; denied calls never reach a backend,
// and every outcome lands in the session ledger.
type Server struct {
	sessions *session.Manager
	opts     Options
	logger   *slog.Logger

	sessionID string
	tools     map[string]toolEntry
	order     []string
}

// toolEntry binds one advertised tool to the backend that owns it.
type toolEntry struct {
	backend Backend
	tool    Tool
}

func NewServer(sessions *session.Manager, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		sessions: sessions,
		opts:     opts,
		logger:   logger.With("component", "proxy.Server"),
	}
}

// NewStdioBackend returns a backend that runs an MCP server as a child
// process speaking newline-delimited JSON-RPC on its stdio.
func NewStdioBackend(name, command string, args, env []string, logger *slog.Logger) Backend {
	return newRemoteBackend(name, newStdioTransport(command, args, env, logger), logger)
}

// NewHTTPBackend returns a backend that reaches an MCP server over
// streamable HTTP.
func NewHTTPBackend(name, endpoint string, logger *slog.Logger) Backend {
	return newRemoteBackend(name, newHTTPTransport(endpoint, logger), logger)
}

// Run serves MCP over in/out until ctx is cancelled or in reaches EOF. It
// starts the backends, merges their tool inventories, opens one governed
// session for the connection, and terminates it on the way out.
func (s *Server) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	started, err := s.startBackends(ctx)
	if err != nil {
		return err
	}
	defer s.closeBackends(started)

	s.discoverTools(ctx, started)

	sess, err := s.sessions.Create(s.opts.Policy, s.sessionMetadata())
	if err != nil {
		return fmt.Errorf("create proxy session: %w", err)
	}
	s.sessionID = sess.ID
	defer func() {
		if _, err := s.sessions.Terminate(s.sessionID, "MCP proxy stopped"); err != nil &&
			!errors.Is(err, session.ErrSessionTerminated) {
			s.logger.Warn("terminate proxy session", "session_id", s.sessionID, "error", err)
		}
	}()

	s.logger.Info("proxy ready",
		"session_id", sess.ID,
		"policy", sess.PolicyName,
		"backends", len(started),
		"tools", len(s.order),
	)

	return s.serve(ctx, in, out)
}

// startBackends starts every configured backend, skipping (and logging)
// failures. All backends failing is fatal; a partial inventory is not.
func (s *Server) startBackends(ctx context.Context) ([]Backend, error) {
	if len(s.opts.Backends) == 0 {
		return nil, nil
	}
	started := make([]Backend, 0, len(s.opts.Backends))
	for _, b := range s.opts.Backends {
		if err := b.Start(ctx); err != nil {
			s.logger.Error("backend failed to start", "backend", b.Name(), "error", err)
			continue
		}
		started = append(started, b)
	}
	if len(started) == 0 {
		return nil, errors.New("no backends available")
	}
	return started, nil
}

func (s *Server) closeBackends(started []Backend) {
	for _, b := range started {
		if err := b.Close(); err != nil {
			s.logger.Warn("close backend", "backend", b.Name(), "error", err)
		}
	}
}

// discoverTools merges the backends' inventories. On a name collision the
// first backend to advertise the tool keeps it, matching config order.
func (s *Server) discoverTools(ctx context.Context, started []Backend) {
	s.tools = make(map[string]toolEntry)
	for _, b := range started {
		tools, err := b.ListTools(ctx)
		if err != nil {
			s.logger.Error("tool discovery failed", "backend", b.Name(), "error", err)
			continue
		}
		for _, t := range tools {
			if existing, ok := s.tools[t.Name]; ok {
				s.logger.Warn("tool name collision, keeping first",
					"tool", t.Name,
					"kept", existing.backend.Name(),
					"dropped", b.Name(),
				)
				continue
			}
			s.tools[t.Name] = toolEntry{backend: b, tool: t}
		}
	}
	s.order = make([]string, 0, len(s.tools))
	for name := range s.tools {
		s.order = append(s.order, name)
	}
	sort.Strings(s.order)
}

func (s *Server) sessionMetadata() map[string]string {
	meta := make(map[string]string, len(s.opts.Metadata)+1)
	for k, v := range s.opts.Metadata {
		meta[k] = v
	}
	meta["source"] = "mcp-proxy"
	return meta
}

// serve reads newline-delimited JSON-RPC messages from in and answers on
// out. Reads happen on a separate goroutine so cancellation is honoured even
// while blocked on input.
func (s *Server) serve(ctx context.Context, in io.Reader, out io.Writer) error {
	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, scanInitialBuf), scanMaxBuf)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("proxy stopping", "reason", ctx.Err())
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("read stdin: %w", err)
					}
				default:
				}
				s.logger.Info("client closed the connection")
				return nil
			}
			if len(strings.TrimSpace(string(line))) == 0 {
				continue
			}
			s.handle(ctx, out, line)
		}
	}
}

// handle processes one inbound message and writes any response.
func (s *Server) handle(ctx context.Context, out io.Writer, line []byte) {
	msg, err := jsonrpc.DecodeMessage(line)
	if err != nil {
		s.logger.Warn("undecodable message", "error", err)
		s.writeRaw(out, s.logger, parseErrorResponse(line, err))
		return
	}
	req, ok := msg.(*jsonrpc.Request)
	if !ok {
		s.logger.Debug("ignoring non-request message")
		return
	}

	log := s.logger.With("trace_id", generateTraceID(), "method", req.Method)

	// Notifications get no response. notifications/initialized and friends
	// are consumed here.
	if !req.IsCall() {
		log.Debug("notification consumed")
		return
	}

	switch req.Method {
	case "initialize":
		s.respondResult(out, log, req.ID, map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "gatewarden", "version": serverVersion},
		})
	case "ping":
		s.respondResult(out, log, req.ID, map[string]any{})
	case "tools/list":
		s.respondResult(out, log, req.ID, map[string]any{"tools": s.listTools()})
	case "tools/call":
		s.handleToolCall(ctx, out, log, req)
	default:
		s.respondError(out, log, req.ID, errCodeMethodNotFound,
			fmt.Sprintf("method not found: %s", req.Method))
	}
}

// listTools returns the merged inventory, each description prefixed with the
// owning backend's name, plus the evolution tool when the engine is wired.
func (s *Server) listTools() []Tool {
	tools := make([]Tool, 0, len(s.order)+1)
	for _, name := range s.order {
		e := s.tools[name]
		t := e.tool
		t.Description = "[" + e.backend.Name() + "] " + t.Description
		tools = append(tools, t)
	}
	if s.opts.Engine != nil {
		tools = append(tools, evolutionTool())
	}
	return tools
}

func evolutionTool() Tool {
	return Tool{
		Name: evolutionToolName,
		Description: "Resolve a pending policy change suggestion raised by a denied call. " +
			"Decisions: add-to-policy (persist the change), allow-once (this session only), deny.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"suggestion_id": {"type": "string", "description": "The suggestion to resolve"},
				"decision": {"type": "string", "enum": ["add-to-policy", "allow-once", "deny"]}
			},
			"required": ["suggestion_id", "decision"]
		}`),
	}
}

// handleToolCall runs the governance pipeline for one tools/call: evaluate,
// then forward to the owning backend only on an allow, then record.
func (s *Server) handleToolCall(ctx context.Context, out io.Writer, log *slog.Logger, req *jsonrpc.Request) {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.respondError(out, log, req.ID, errCodeInvalidParams,
				fmt.Sprintf("invalid tools/call params: %v", err))
			return
		}
	}
	if params.Name == "" {
		s.respondError(out, log, req.ID, errCodeInvalidParams, "missing tool name")
		return
	}
	log = log.With("tool", params.Name)

	if s.opts.Engine != nil && params.Name == evolutionToolName {
		s.respondResult(out, log, req.ID, s.callEvolutionTool(log, params.Arguments))
		return
	}

	entry, ok := s.tools[params.Name]
	if !ok {
		s.respondError(out, log, req.ID, errCodeMethodNotFound,
			fmt.Sprintf("Tool not found: %s", params.Name))
		return
	}

	actReq := policy.ActionRequest{Tool: params.Name, Input: params.Arguments}
	resp, err := s.sessions.Evaluate(ctx, s.sessionID, actReq)
	if err != nil {
		s.respondError(out, log, req.ID, errCodeInternal,
			fmt.Sprintf("evaluate action: %v", err))
		return
	}
	log = log.With("action_id", resp.ActionID)

	switch resp.Decision {
	case policy.VerdictDeny:
		log.Info("request blocked by policy", "reasons", strings.Join(resp.Reasons, "; "))
		s.respondResult(out, log, req.ID, s.denialResult(actReq, resp))
	case policy.VerdictGate:
		log.Info("request gated", "condition", gateCondition(resp.Gate))
		s.respondResult(out, log, req.ID, encodeToolResult(gateText(params.Name, resp), true))
	case policy.VerdictAllow:
		s.forwardCall(ctx, out, log, req.ID, entry, params.Arguments, resp)
	default:
		s.respondError(out, log, req.ID, errCodeInternal,
			fmt.Sprintf("unexpected verdict %q", resp.Decision))
	}
}

// forwardCall sends an allowed call to its backend and records the outcome.
func (s *Server) forwardCall(ctx context.Context, out io.Writer, log *slog.Logger, id jsonrpc.ID, entry toolEntry, args map[string]any, resp *session.EvalResponse) {
	if len(resp.Warnings) > 0 {
		log.Warn("budget warnings", "warnings", strings.Join(resp.Warnings, "; "))
	}

	start := time.Now()
	tr, err := entry.backend.CallTool(ctx, entry.tool.Name, args, CallMeta{
		SessionID: s.sessionID,
		ActionID:  resp.ActionID,
		Budget:    resp.Budget,
	})
	if err != nil {
		outcome := &session.Result{
			Success:    false,
			Error:      err.Error(),
			DurationMS: time.Since(start).Milliseconds(),
		}
		if rerr := s.sessions.RecordResult(s.sessionID, resp.ActionID, outcome); rerr != nil {
			log.Warn("record result", "error", rerr)
		}
		log.Error("backend call failed", "backend", entry.backend.Name(), "error", err)
		s.respondError(out, log, id, errCodeBackend,
			fmt.Sprintf("backend %s failed: %v", entry.backend.Name(), err))
		return
	}

	outcome := tr.Outcome
	if outcome == nil {
		outcome = &session.Result{
			Success:    !tr.IsError,
			Output:     tr.Text,
			DurationMS: time.Since(start).Milliseconds(),
		}
		if tr.IsError {
			outcome.Error = tr.Text
		}
	}
	if err := s.sessions.RecordResult(s.sessionID, resp.ActionID, outcome); err != nil {
		log.Warn("record result", "error", err)
	}

	log.Info("request completed",
		"backend", entry.backend.Name(),
		"success", outcome.Success,
		"duration_ms", outcome.DurationMS,
	)

	raw := tr.Raw
	if len(raw) == 0 {
		raw = encodeToolResult(tr.Text, tr.IsError)
	}
	s.respondResult(out, log, id, raw)
}

// denialResult shapes a denial as a tool error, registering a policy change
// suggestion when the denial is suggestible and the engine is wired.
func (s *Server) denialResult(actReq policy.ActionRequest, resp *session.EvalResponse) json.RawMessage {
	text := "Denied by policy: " + strings.Join(resp.Reasons, "; ")
	if s.opts.Engine != nil {
		if id, sugg := s.opts.Engine.RegisterDenial(s.sessionID, actReq, resp.Denials); id != "" {
			text += fmt.Sprintf(
				"\n\nSuggested policy change [%s]: %s\nTo resolve, call %s with suggestion_id=%q and decision=add-to-policy, allow-once, or deny.",
				id, sugg.Description(), evolutionToolName, id,
			)
		}
	}
	return encodeToolResult(text, true)
}

// callEvolutionTool resolves one pending suggestion. Failures come back as
// tool errors so the agent can read them, not as protocol errors.
func (s *Server) callEvolutionTool(log *slog.Logger, args map[string]any) json.RawMessage {
	id, _ := args["suggestion_id"].(string)
	decisionStr, _ := args["decision"].(string)
	if id == "" || decisionStr == "" {
		return encodeToolResult("suggestion_id and decision are required", true)
	}
	decision, err := evolution.ParseDecision(decisionStr)
	if err != nil {
		return encodeToolResult(err.Error(), true)
	}
	outcome, err := s.opts.Engine.Approve(id, decision)
	if err != nil {
		return encodeToolResult(err.Error(), true)
	}
	log.Info("suggestion resolved", "suggestion_id", id, "decision", decision, "applied", outcome.Applied)
	return encodeToolResult(outcome.Message, false)
}

func gateText(tool string, resp *session.EvalResponse) string {
	desc := tool + " requires approval"
	if g := resp.Gate; g != nil {
		desc = fmt.Sprintf("%s requires %s approval", tool, g.Approval)
		if g.RiskLevel != "" {
			desc += fmt.Sprintf(" (risk: %s)", g.RiskLevel)
		}
		if g.Condition != "" {
			desc += fmt.Sprintf(" [%s]", g.Condition)
		}
	}
	return fmt.Sprintf(
		"Approval required: %s. The call is parked as action %s until a decision is recorded.",
		desc, resp.ActionID,
	)
}

func gateCondition(g *policy.Gate) string {
	if g == nil {
		return ""
	}
	return g.Condition
}

// respondResult writes a success response. result may be a json.RawMessage
// or any marshalable value.
func (s *Server) respondResult(out io.Writer, log *slog.Logger, id jsonrpc.ID, result any) {
	raw, ok := result.(json.RawMessage)
	if !ok {
		encoded, err := json.Marshal(result)
		if err != nil {
			s.respondError(out, log, id, errCodeInternal, "encode result")
			return
		}
		raw = encoded
	}
	s.writeMessage(out, log, &jsonrpc.Response{ID: id, Result: raw})
}

func (s *Server) respondError(out io.Writer, log *slog.Logger, id jsonrpc.ID, code int64, message string) {
	s.writeMessage(out, log, &jsonrpc.Response{ID: id, Error: &jsonrpc.Error{Code: code, Message: message}})
}

func (s *Server) writeMessage(out io.Writer, log *slog.Logger, msg jsonrpc.Message) {
	raw, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		log.Error("encode response", "error", err)
		return
	}
	s.writeRaw(out, log, raw)
}

func (s *Server) writeRaw(out io.Writer, log *slog.Logger, raw []byte) {
	if err := writeLine(out, raw); err != nil {
		log.Error("write response", "error", err)
	}
}

// parseErrorResponse builds the reply to an undecodable message by hand,
// reusing whatever id could be salvaged from the raw bytes.
func parseErrorResponse(line []byte, err error) []byte {
	reply := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Error   struct {
			Code    int64  `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}{JSONRPC: "2.0", ID: extractRawID(line)}
	reply.Error.Code = errCodeParse
	reply.Error.Message = fmt.Sprintf("parse error: %v", err)
	raw, _ := json.Marshal(reply)
	return raw
}

// extractRawID pulls the id field out of a raw message, or null when absent.
func extractRawID(line []byte) json.RawMessage {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(line, &probe); err != nil || len(probe.ID) == 0 {
		return json.RawMessage("null")
	}
	return probe.ID
}

// generateTraceID returns a sortable unique id for correlating a request's
// log lines.
func generateTraceID() string {
	return ulid.Make().String()
}
