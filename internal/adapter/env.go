package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/gatewarden/gatewarden/internal/policy"
	"github.com/gatewarden/gatewarden/internal/session"
)

const envGetSchema = `{
  "type": "object",
  "properties": {
    "name": {"type": "string", "minLength": 1, "description": "Environment variable name"}
  },
  "required": ["name"],
  "additionalProperties": false
}`

type envGet struct {
	base
}

func newEnvGet(ev *policy.Evaluator) *envGet {
	return &envGet{base: newBase("env:get", "Read an environment variable", envGetSchema, ev)}
}

func (a *envGet) Validate(input map[string]any, p *policy.Policy) policy.Evaluation {
	// Variable names have no canonical field; the capability check is the
	// whole gate.
	return a.validate(input, &policy.Fields{}, p)
}

func (a *envGet) DryRun(_ context.Context, input map[string]any, _ *ExecContext) (*DryRunResult, error) {
	name := stringArg(input, "name")
	res := &DryRunResult{WouldDo: fmt.Sprintf("read environment variable %s", name)}
	if _, ok := os.LookupEnv(name); !ok {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s is not set", name))
	}
	return res, nil
}

func (a *envGet) Execute(_ context.Context, input map[string]any, _ *ExecContext) *session.Result {
	start := time.Now()
	name := stringArg(input, "name")
	value, set := os.LookupEnv(name)
	state := "set"
	if !set {
		state = "unset"
	}
	return success(start, map[string]any{"name": name, "value": value, "set": set},
		session.Artifact{Type: session.ArtifactLog, Data: fmt.Sprintf("read %s (%s)", name, state)})
}

func (a *envGet) Rollback(context.Context, map[string]any, *ExecContext) *RollbackResult {
	return readOnlyRollback(a.name)
}

const envSetSchema = `{
  "type": "object",
  "properties": {
    "name": {"type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_]*$", "description": "Environment variable name"},
    "value": {"type": "string", "description": "Value to set"}
  },
  "required": ["name", "value"],
  "additionalProperties": false
}`

// envStash records the prior state of a variable for rollback.
type envStash struct {
	Existed bool   `json:"existed"`
	Value   string `json:"value,omitempty"`
}

type envSet struct {
	base
}

func newEnvSet(ev *policy.Evaluator) *envSet {
	return &envSet{base: newBase("env:set", "Set an environment variable in the gateway process", envSetSchema, ev)}
}

func (a *envSet) Validate(input map[string]any, p *policy.Policy) policy.Evaluation {
	return a.validate(input, &policy.Fields{}, p)
}

func (a *envSet) DryRun(_ context.Context, input map[string]any, _ *ExecContext) (*DryRunResult, error) {
	name := stringArg(input, "name")
	res := &DryRunResult{EstimatedChanges: 1}
	if prior, ok := os.LookupEnv(name); ok {
		res.WouldDo = fmt.Sprintf("replace %s (%d-byte value)", name, len(prior))
	} else {
		res.WouldDo = fmt.Sprintf("set %s", name)
	}
	return res, nil
}

func (a *envSet) Execute(_ context.Context, input map[string]any, ec *ExecContext) *session.Result {
	start := time.Now()
	name := stringArg(input, "name")
	value := stringArg(input, "value")

	stash := envStash{}
	if prior, ok := os.LookupEnv(name); ok {
		stash.Existed = true
		stash.Value = prior
	}
	if err := os.Setenv(name, value); err != nil {
		return failure(start, "set %s: %v", name, err)
	}

	raw, _ := json.Marshal(stash)
	ec.stash(StashKey(a.name, input), string(raw))

	res := success(start, map[string]any{"name": name, "set": true},
		// Mutations carry a checksum even when the target is not a file;
		// the budget counts changes, not paths.
		session.Artifact{Type: session.ArtifactChecksum, Path: name, Data: sha256Hex([]byte(value))},
		session.Artifact{Type: session.ArtifactLog, Data: fmt.Sprintf("set %s (%d bytes)", name, len(value))},
	)
	res.RollbackData = ec.RollbackData
	return res
}

func (a *envSet) Rollback(_ context.Context, input map[string]any, ec *ExecContext) *RollbackResult {
	name := stringArg(input, "name")
	raw, ok := ec.stashed(StashKey(a.name, input))
	if !ok {
		return rollbackFailure("no rollback data for %s %s", a.name, name)
	}
	var stash envStash
	if err := json.Unmarshal([]byte(raw), &stash); err != nil {
		return rollbackFailure("corrupt rollback data for %s %s: %v", a.name, name, err)
	}
	if !stash.Existed {
		if err := os.Unsetenv(name); err != nil {
			return rollbackFailure("unset %s: %v", name, err)
		}
		return &RollbackResult{Success: true, Description: fmt.Sprintf("unset %s", name)}
	}
	if err := os.Setenv(name, stash.Value); err != nil {
		return rollbackFailure("restore %s: %v", name, err)
	}
	return &RollbackResult{Success: true, Description: fmt.Sprintf("restored previous value of %s", name)}
}
