package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/gatewarden/gatewarden/internal/policy"
	"github.com/gatewarden/gatewarden/internal/session"
)

const gitTimeout = 30 * time.Second

const gitDiffSchema = `{
  "type": "object",
  "properties": {
    "repo": {"type": "string", "description": "Repository directory, current directory when omitted"},
    "path": {"type": "string", "description": "Limit the diff to this path"},
    "staged": {"type": "boolean", "description": "Diff the index instead of the worktree"}
  },
  "additionalProperties": false
}`

type gitDiff struct {
	base
}

func newGitDiff(ev *policy.Evaluator) *gitDiff {
	return &gitDiff{base: newBase("git:diff", "Show uncommitted changes in a git repository", gitDiffSchema, ev)}
}

func (a *gitDiff) Validate(input map[string]any, p *policy.Policy) policy.Evaluation {
	return a.validate(input, &policy.Fields{
		Binary:  "git",
		Command: "git diff",
		Repo:    stringArg(input, "repo"),
		Path:    stringArg(input, "path"),
	}, p)
}

func (a *gitDiff) DryRun(_ context.Context, input map[string]any, _ *ExecContext) (*DryRunResult, error) {
	res := &DryRunResult{WouldDo: fmt.Sprintf("run git diff in %s", gitRepoDir(input))}
	if _, err := exec.LookPath("git"); err != nil {
		res.Warnings = append(res.Warnings, "git not found in PATH")
	}
	return res, nil
}

func (a *gitDiff) Execute(ctx context.Context, input map[string]any, _ *ExecContext) *session.Result {
	start := time.Now()
	repo := gitRepoDir(input)
	args := []string{"-C", repo, "diff"}
	if boolArg(input, "staged") {
		args = append(args, "--cached")
	}
	if path := stringArg(input, "path"); path != "" {
		args = append(args, "--", path)
	}

	stdout, stderr, err := runGit(ctx, "", args...)
	if err != nil {
		return failure(start, "git diff in %s: %v: %s", repo, err, strings.TrimSpace(stderr))
	}
	return success(start, map[string]any{"repo": repo, "diff": stdout},
		// The diff text is evidence of current state, not a mutation, so it
		// rides in a log artifact.
		session.Artifact{Type: session.ArtifactLog, Path: repo, Data: capText(stdout, commandLogCap)},
	)
}

func (a *gitDiff) Rollback(context.Context, map[string]any, *ExecContext) *RollbackResult {
	return readOnlyRollback(a.name)
}

const gitApplySchema = `{
  "type": "object",
  "properties": {
    "repo": {"type": "string", "description": "Repository directory, current directory when omitted"},
    "patch": {"type": "string", "minLength": 1, "description": "Unified diff to apply"},
    "reverse": {"type": "boolean", "description": "Apply the patch in reverse"}
  },
  "required": ["patch"],
  "additionalProperties": false
}`

// gitApplyStash records the applied patch so Rollback can reverse it.
type gitApplyStash struct {
	Patch   string `json:"patch"`
	Reverse bool   `json:"reverse,omitempty"`
}

type gitApply struct {
	base
}

func newGitApply(ev *policy.Evaluator) *gitApply {
	return &gitApply{base: newBase("git:apply", "Apply a unified diff to a git repository", gitApplySchema, ev)}
}

func (a *gitApply) Validate(input map[string]any, p *policy.Policy) policy.Evaluation {
	return a.validate(input, &policy.Fields{
		Binary:  "git",
		Command: "git apply",
		Repo:    stringArg(input, "repo"),
	}, p)
}

func (a *gitApply) DryRun(ctx context.Context, input map[string]any, _ *ExecContext) (*DryRunResult, error) {
	repo := gitRepoDir(input)
	patch := stringArg(input, "patch")
	res := &DryRunResult{
		WouldDo:          fmt.Sprintf("apply a %d-byte patch in %s", len(patch), repo),
		EstimatedChanges: patchFileCount(patch),
	}
	args := []string{"-C", repo, "apply", "--check"}
	if boolArg(input, "reverse") {
		args = append(args, "--reverse")
	}
	if _, stderr, err := runGit(ctx, patch, args...); err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("patch does not apply cleanly: %s", strings.TrimSpace(stderr)))
	}
	return res, nil
}

func (a *gitApply) Execute(ctx context.Context, input map[string]any, ec *ExecContext) *session.Result {
	start := time.Now()
	repo := gitRepoDir(input)
	patch := stringArg(input, "patch")
	reverse := boolArg(input, "reverse")

	args := []string{"-C", repo, "apply"}
	if reverse {
		args = append(args, "--reverse")
	}
	if _, stderr, err := runGit(ctx, patch, args...); err != nil {
		return failure(start, "git apply in %s: %v: %s", repo, err, strings.TrimSpace(stderr))
	}

	raw, _ := json.Marshal(gitApplyStash{Patch: patch, Reverse: reverse})
	ec.stash(StashKey(a.name, input), string(raw))

	res := success(start, map[string]any{"repo": repo, "applied": true, "files": patchFileCount(patch)},
		session.Artifact{Type: session.ArtifactChecksum, Path: repo, Data: sha256Hex([]byte(patch))},
		session.Artifact{Type: session.ArtifactDiff, Path: repo, Data: capText(patch, commandLogCap)},
	)
	res.RollbackData = ec.RollbackData
	return res
}

func (a *gitApply) Rollback(ctx context.Context, input map[string]any, ec *ExecContext) *RollbackResult {
	repo := gitRepoDir(input)
	raw, ok := ec.stashed(StashKey(a.name, input))
	if !ok {
		return rollbackFailure("no rollback data for %s in %s", a.name, repo)
	}
	var stash gitApplyStash
	if err := json.Unmarshal([]byte(raw), &stash); err != nil {
		return rollbackFailure("corrupt rollback data for %s in %s: %v", a.name, repo, err)
	}

	args := []string{"-C", repo, "apply"}
	direction := "reverse-applied"
	if !stash.Reverse {
		args = append(args, "--reverse")
	} else {
		direction = "re-applied"
	}
	// A second rollback of the same patch no longer applies; treat that as
	// already rolled back rather than an error.
	check := append(append([]string{}, args...), "--check")
	if _, stderr, err := runGit(ctx, stash.Patch, check...); err != nil {
		if strings.Contains(stderr, "patch does not apply") || strings.Contains(stderr, "already exists") {
			return &RollbackResult{Success: true, Description: fmt.Sprintf("patch already %s in %s", direction, repo)}
		}
		return rollbackFailure("git apply --check in %s: %v: %s", repo, err, strings.TrimSpace(stderr))
	}
	if _, stderr, err := runGit(ctx, stash.Patch, args...); err != nil {
		return rollbackFailure("git apply in %s: %v: %s", repo, err, strings.TrimSpace(stderr))
	}
	return &RollbackResult{Success: true, Description: fmt.Sprintf("patch %s in %s", direction, repo)}
}

func gitRepoDir(input map[string]any) string {
	if repo := stringArg(input, "repo"); repo != "" {
		return repo
	}
	return "."
}

// patchFileCount counts the files a unified diff touches.
func patchFileCount(patch string) int {
	n := 0
	for _, line := range strings.Split(patch, "\n") {
		if strings.HasPrefix(line, "+++ ") {
			n++
		}
	}
	return n
}

func runGit(ctx context.Context, stdin string, args ...string) (string, string, error) {
	runCtx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "git", args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}
