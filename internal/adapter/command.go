package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/gatewarden/gatewarden/internal/policy"
	"github.com/gatewarden/gatewarden/internal/session"
)

// DefaultCommandTimeout bounds command:run when the caller does not pass
// timeout_ms.
const DefaultCommandTimeout = 30 * time.Second

// commandLogCap is the most output a log artifact keeps; full output still
// travels in the result.
const commandLogCap = 4096

const commandRunSchema = `{
  "type": "object",
  "properties": {
    "command": {"type": "string", "minLength": 1, "description": "Shell command line to run"},
    "dir": {"type": "string", "description": "Working directory"},
    "timeout_ms": {"type": "integer", "minimum": 1, "description": "Timeout in milliseconds"}
  },
  "required": ["command"],
  "additionalProperties": false
}`

type commandRun struct {
	base
}

func newCommandRun(ev *policy.Evaluator) *commandRun {
	return &commandRun{base: newBase("command:run", "Run a shell command and capture its output", commandRunSchema, ev)}
}

func (a *commandRun) Validate(input map[string]any, p *policy.Policy) policy.Evaluation {
	// The command key is one of the well-known conventions, so the
	// canonical extractor produces the right binary and command fields.
	f := policy.ExtractFields(input)
	return a.validate(input, &f, p)
}

func (a *commandRun) DryRun(_ context.Context, input map[string]any, _ *ExecContext) (*DryRunResult, error) {
	command := stringArg(input, "command")
	res := &DryRunResult{WouldDo: fmt.Sprintf("run %q with a %s timeout", command, commandTimeout(input))}
	if bin := policy.ExtractFields(input).Binary; bin != "" {
		if _, err := exec.LookPath(bin); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("binary %q not found in PATH", bin))
		}
	}
	return res, nil
}

func (a *commandRun) Execute(ctx context.Context, input map[string]any, _ *ExecContext) *session.Result {
	start := time.Now()
	command := stringArg(input, "command")
	timeout := commandTimeout(input)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	if dir := stringArg(input, "dir"); dir != "" {
		cmd.Dir = dir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		res := failure(start, "command timed out after %s: %q", timeout, command)
		res.Output = commandOutput(command, &stdout, &stderr, -1)
		res.Artifacts = commandArtifacts(&stdout, &stderr, -1)
		return res
	}

	exit := 0
	if err != nil {
		var ee *exec.ExitError
		if !errors.As(err, &ee) {
			return failure(start, "run %q: %v", command, err)
		}
		exit = ee.ExitCode()
	}

	res := success(start, commandOutput(command, &stdout, &stderr, exit), commandArtifacts(&stdout, &stderr, exit)...)
	if exit != 0 {
		res.Success = false
		res.Error = fmt.Sprintf("exit status %d", exit)
	}
	return res
}

func (a *commandRun) Rollback(_ context.Context, input map[string]any, _ *ExecContext) *RollbackResult {
	return rollbackFailure("command:run cannot be rolled back; effects of %q are unknown", stringArg(input, "command"))
}

func commandTimeout(input map[string]any) time.Duration {
	if ms, ok := intArg(input, "timeout_ms"); ok && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return DefaultCommandTimeout
}

func commandOutput(command string, stdout, stderr *bytes.Buffer, exit int) map[string]any {
	return map[string]any{
		"command":   command,
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": exit,
	}
}

func commandArtifacts(stdout, stderr *bytes.Buffer, exit int) []session.Artifact {
	combined := stdout.String()
	if stderr.Len() > 0 {
		combined += stderr.String()
	}
	return []session.Artifact{
		{Type: session.ArtifactExitCode, Data: strconv.Itoa(exit)},
		{Type: session.ArtifactLog, Data: capText(combined, commandLogCap)},
	}
}

func capText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + " … (truncated)"
}
