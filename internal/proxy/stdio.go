package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

const (
	// scanInitialBuf is the starting scanner buffer for backend stdout.
	scanInitialBuf = 256 * 1024
	// scanMaxBuf caps a single JSON-RPC line from a backend.
	scanMaxBuf = 1024 * 1024
)

// stdioTransport runs an MCP server as a child process and frames messages
// as newline-delimited JSON on its stdin/stdout. The child's stderr passes
// through to ours so backend diagnostics stay visible.
type stdioTransport struct {
	command string
	args    []string
	env     []string
	logger  *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	scanner *bufio.Scanner
	closed  bool
}

func newStdioTransport(command string, args, env []string, logger *slog.Logger) *stdioTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &stdioTransport{
		command: command,
		args:    args,
		env:     env,
		logger:  logger.With("component", "proxy.StdioTransport"),
	}
}

// start spawns the child process. The process is tied to ctx: cancelling it
// kills the child, which unblocks any pending read.
func (t *stdioTransport) start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cmd := exec.CommandContext(ctx, t.command, t.args...)
	if len(t.env) > 0 {
		cmd.Env = append(os.Environ(), t.env...)
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", t.command, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, scanInitialBuf), scanMaxBuf)

	t.cmd = cmd
	t.stdin = stdin
	t.stdout = stdout
	t.scanner = scanner

	t.logger.Debug("backend process started", "command", t.command, "pid", cmd.Process.Pid)
	return nil
}

// exchange writes one message and reads lines until the backend's response
// arrives. Server-originated requests and notifications can interleave with
// the response on stdout; those carry a method field and are skipped.
func (t *stdioTransport) exchange(ctx context.Context, raw []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.closed || t.stdin == nil {
		return nil, errors.New("transport closed")
	}

	if err := writeLine(t.stdin, raw); err != nil {
		return nil, fmt.Errorf("write to backend: %w", err)
	}

	for {
		if !t.scanner.Scan() {
			if err := t.scanner.Err(); err != nil {
				return nil, fmt.Errorf("read from backend: %w", err)
			}
			return nil, io.ErrUnexpectedEOF
		}
		line := t.scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var probe struct {
			Method string `json:"method"`
		}
		if err := json.Unmarshal(line, &probe); err == nil && probe.Method != "" {
			t.logger.Debug("skipping server-originated message", "method", probe.Method)
			continue
		}

		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
}

// notify writes one message without reading a response.
func (t *stdioTransport) notify(ctx context.Context, raw []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if t.closed || t.stdin == nil {
		return errors.New("transport closed")
	}
	return writeLine(t.stdin, raw)
}

// close shuts down the child process: stdin first so well-behaved servers
// exit on EOF, then a kill for the rest.
func (t *stdioTransport) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	var errs []error
	if t.stdin != nil {
		if err := t.stdin.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close stdin: %w", err))
		}
	}
	if t.cmd != nil && t.cmd.Process != nil {
		if err := t.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = append(errs, fmt.Errorf("kill process: %w", err))
		}
		// Reap the child. Kill above guarantees this returns promptly.
		_ = t.cmd.Wait()
	}
	if t.stdout != nil {
		if err := t.stdout.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, fmt.Errorf("close stdout: %w", err))
		}
	}
	return errors.Join(errs...)
}

// writeLine writes raw followed by a newline unless one is already present.
func writeLine(w io.Writer, raw []byte) error {
	if _, err := w.Write(raw); err != nil {
		return err
	}
	if len(raw) == 0 || raw[len(raw)-1] != '\n' {
		if _, err := w.Write([]byte{'\n'}); err != nil {
			return err
		}
	}
	return nil
}
