package adapter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/gatewarden/gatewarden/internal/policy"
	"github.com/gatewarden/gatewarden/internal/session"
)

// fileStash is the rollback record for file mutations. Content round-trips
// through JSON as base64, so binary files restore byte for byte.
type fileStash struct {
	Existed bool   `json:"existed"`
	Content []byte `json:"content,omitempty"`
}

const fileReadSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string", "minLength": 1, "description": "Absolute or relative path of the file to read"}
  },
  "required": ["path"],
  "additionalProperties": false
}`

type fileRead struct {
	base
}

func newFileRead(ev *policy.Evaluator) *fileRead {
	return &fileRead{base: newBase("file:read", "Read the contents of a file", fileReadSchema, ev)}
}

func (a *fileRead) Validate(input map[string]any, p *policy.Policy) policy.Evaluation {
	return a.validate(input, &policy.Fields{Path: stringArg(input, "path")}, p)
}

func (a *fileRead) DryRun(_ context.Context, input map[string]any, _ *ExecContext) (*DryRunResult, error) {
	path := stringArg(input, "path")
	res := &DryRunResult{WouldDo: fmt.Sprintf("read %s", path)}
	info, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		res.Warnings = append(res.Warnings, fmt.Sprintf("file does not exist: %s", path))
	case err != nil:
		res.Warnings = append(res.Warnings, err.Error())
	case info.IsDir():
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s is a directory", path))
	}
	return res, nil
}

func (a *fileRead) Execute(_ context.Context, input map[string]any, _ *ExecContext) *session.Result {
	start := time.Now()
	path := stringArg(input, "path")
	data, err := os.ReadFile(path)
	if err != nil {
		return failure(start, "read %s: %v", path, err)
	}
	output := map[string]any{"path": path, "size": len(data)}
	if utf8.Valid(data) {
		output["content"] = string(data)
	} else {
		output["content"] = base64.StdEncoding.EncodeToString(data)
		output["encoding"] = "base64"
	}
	return success(start, output, session.Artifact{
		Type: session.ArtifactLog,
		Path: path,
		Data: fmt.Sprintf("read %d bytes", len(data)),
	})
}

func (a *fileRead) Rollback(context.Context, map[string]any, *ExecContext) *RollbackResult {
	return readOnlyRollback(a.name)
}

const fileWriteSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string", "minLength": 1, "description": "Path of the file to write"},
    "content": {"type": "string", "description": "Full content to write"}
  },
  "required": ["path", "content"],
  "additionalProperties": false
}`

type fileWrite struct {
	base
}

func newFileWrite(ev *policy.Evaluator) *fileWrite {
	return &fileWrite{base: newBase("file:write", "Create or overwrite a file with the given content", fileWriteSchema, ev)}
}

func (a *fileWrite) Validate(input map[string]any, p *policy.Policy) policy.Evaluation {
	return a.validate(input, &policy.Fields{Path: stringArg(input, "path")}, p)
}

func (a *fileWrite) DryRun(_ context.Context, input map[string]any, _ *ExecContext) (*DryRunResult, error) {
	path := stringArg(input, "path")
	content := stringArg(input, "content")
	res := &DryRunResult{EstimatedChanges: 1}
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		res.WouldDo = fmt.Sprintf("overwrite %s (%d bytes -> %d bytes)", path, info.Size(), len(content))
	} else {
		res.WouldDo = fmt.Sprintf("create %s (%d bytes)", path, len(content))
	}
	return res, nil
}

func (a *fileWrite) Execute(_ context.Context, input map[string]any, ec *ExecContext) *session.Result {
	start := time.Now()
	path := stringArg(input, "path")
	content := []byte(stringArg(input, "content"))

	stash := fileStash{}
	if prior, err := os.ReadFile(path); err == nil {
		stash.Existed = true
		stash.Content = prior
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return failure(start, "write %s: %v", path, err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return failure(start, "write %s: %v", path, err)
	}

	raw, _ := json.Marshal(stash)
	ec.stash(StashKey(a.name, input), string(raw))

	diff := fmt.Sprintf("created (%d bytes)", len(content))
	if stash.Existed {
		diff = fmt.Sprintf("%d bytes -> %d bytes", len(stash.Content), len(content))
	}
	res := success(start, map[string]any{"path": path, "bytes_written": len(content)},
		session.Artifact{Type: session.ArtifactChecksum, Path: path, Data: sha256Hex(content)},
		session.Artifact{Type: session.ArtifactDiff, Path: path, Data: diff},
	)
	res.RollbackData = ec.RollbackData
	return res
}

func (a *fileWrite) Rollback(_ context.Context, input map[string]any, ec *ExecContext) *RollbackResult {
	path := stringArg(input, "path")
	raw, ok := ec.stashed(StashKey(a.name, input))
	if !ok {
		return rollbackFailure("no rollback data for %s %s", a.name, path)
	}
	var stash fileStash
	if err := json.Unmarshal([]byte(raw), &stash); err != nil {
		return rollbackFailure("corrupt rollback data for %s %s: %v", a.name, path, err)
	}
	if !stash.Existed {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return rollbackFailure("remove %s: %v", path, err)
		}
		return &RollbackResult{Success: true, Description: fmt.Sprintf("removed created file %s", path)}
	}
	if err := os.WriteFile(path, stash.Content, 0o644); err != nil {
		return rollbackFailure("restore %s: %v", path, err)
	}
	return &RollbackResult{Success: true, Description: fmt.Sprintf("restored previous content of %s (%d bytes)", path, len(stash.Content))}
}

const fileDeleteSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string", "minLength": 1, "description": "Path of the file to delete"}
  },
  "required": ["path"],
  "additionalProperties": false
}`

type fileDelete struct {
	base
}

func newFileDelete(ev *policy.Evaluator) *fileDelete {
	return &fileDelete{base: newBase("file:delete", "Delete a file", fileDeleteSchema, ev)}
}

func (a *fileDelete) Validate(input map[string]any, p *policy.Policy) policy.Evaluation {
	return a.validate(input, &policy.Fields{Path: stringArg(input, "path")}, p)
}

func (a *fileDelete) DryRun(_ context.Context, input map[string]any, _ *ExecContext) (*DryRunResult, error) {
	path := stringArg(input, "path")
	res := &DryRunResult{WouldDo: fmt.Sprintf("delete %s", path), EstimatedChanges: 1}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		res.Warnings = append(res.Warnings, fmt.Sprintf("file does not exist: %s", path))
		res.EstimatedChanges = 0
	}
	return res, nil
}

func (a *fileDelete) Execute(_ context.Context, input map[string]any, ec *ExecContext) *session.Result {
	start := time.Now()
	path := stringArg(input, "path")
	prior, err := os.ReadFile(path)
	if err != nil {
		return failure(start, "delete %s: %v", path, err)
	}
	if err := os.Remove(path); err != nil {
		return failure(start, "delete %s: %v", path, err)
	}

	raw, _ := json.Marshal(fileStash{Existed: true, Content: prior})
	ec.stash(StashKey(a.name, input), string(raw))

	res := success(start, map[string]any{"path": path, "bytes_removed": len(prior)},
		session.Artifact{Type: session.ArtifactChecksum, Path: path, Data: sha256Hex(prior)},
		session.Artifact{Type: session.ArtifactDiff, Path: path, Data: fmt.Sprintf("deleted (%d bytes)", len(prior))},
	)
	res.RollbackData = ec.RollbackData
	return res
}

func (a *fileDelete) Rollback(_ context.Context, input map[string]any, ec *ExecContext) *RollbackResult {
	path := stringArg(input, "path")
	raw, ok := ec.stashed(StashKey(a.name, input))
	if !ok {
		return rollbackFailure("no rollback data for %s %s", a.name, path)
	}
	var stash fileStash
	if err := json.Unmarshal([]byte(raw), &stash); err != nil {
		return rollbackFailure("corrupt rollback data for %s %s: %v", a.name, path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return rollbackFailure("restore %s: %v", path, err)
	}
	if err := os.WriteFile(path, stash.Content, 0o644); err != nil {
		return rollbackFailure("restore %s: %v", path, err)
	}
	return &RollbackResult{Success: true, Description: fmt.Sprintf("restored deleted file %s (%d bytes)", path, len(stash.Content))}
}
