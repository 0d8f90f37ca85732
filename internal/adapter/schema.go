package adapter

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/gatewarden/gatewarden/internal/policy"
	"github.com/gatewarden/gatewarden/internal/session"
)

// mustSchema compiles a built-in adapter's schema document. The documents
// are compile-time constants, so a failure here is a programmer error.
func mustSchema(name, doc string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := "https://gatewarden.local/schemas/" + name + ".schema.json"
	if err := c.AddResource(url, strings.NewReader(doc)); err != nil {
		panic(fmt.Sprintf("adapter %s schema: %v", name, err))
	}
	s, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("adapter %s schema: %v", name, err))
	}
	return s
}

// base carries the pieces every built-in shares: identity, compiled schema,
// and the evaluator that turns canonical fields into a verdict.
type base struct {
	name        string
	description string
	schema      *jsonschema.Schema
	raw         json.RawMessage
	ev          *policy.Evaluator
}

func newBase(name, description, schemaDoc string, ev *policy.Evaluator) base {
	return base{
		name:        name,
		description: description,
		schema:      mustSchema(name, schemaDoc),
		raw:         json.RawMessage(schemaDoc),
		ev:          ev,
	}
}

func (b base) Name() string                 { return b.name }
func (b base) Description() string          { return b.description }
func (b base) InputSchema() json.RawMessage { return b.raw }

// checkInput validates the input against the adapter's schema and returns
// the failures as invalid_input deny reasons, one per leaf cause.
func (b base) checkInput(input map[string]any) []policy.DenyReason {
	err := b.schema.Validate(normalize(input))
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []policy.DenyReason{{
			Kind:    policy.DenyInvalidInput,
			Tool:    b.name,
			Message: fmt.Sprintf("Input validation failed for %q: %v", b.name, err),
		}}
	}
	var out []policy.DenyReason
	for _, leaf := range leafCauses(ve) {
		loc := leaf.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		out = append(out, policy.DenyReason{
			Kind:    policy.DenyInvalidInput,
			Tool:    b.name,
			Field:   loc,
			Message: fmt.Sprintf("Input validation failed for %q at %s: %s", b.name, loc, leaf.Message),
		})
	}
	return out
}

func leafCauses(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var out []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		out = append(out, leafCauses(c)...)
	}
	return out
}

// normalize rebuilds the input through encoding/json so schema validation
// sees the same value shapes (float64 numbers, nested maps) regardless of
// how the caller constructed the map.
func normalize(input map[string]any) any {
	if input == nil {
		return map[string]any{}
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return input
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return input
	}
	return v
}

// validate is the common Validate body: schema first, then the evaluator
// with the adapter's canonical fields.
func (b base) validate(input map[string]any, fields *policy.Fields, p *policy.Policy) policy.Evaluation {
	if denials := b.checkInput(input); len(denials) > 0 {
		return denyEvaluation(b.name, denials)
	}
	return b.ev.Evaluate(policy.ActionRequest{Tool: b.name, Input: input, Fields: fields}, p, nil)
}

func denyEvaluation(tool string, denials []policy.DenyReason) policy.Evaluation {
	reasons := make([]string, len(denials))
	for i, d := range denials {
		reasons[i] = d.Message
	}
	return policy.Evaluation{
		Verdict: policy.VerdictDeny,
		Tool:    tool,
		Denials: denials,
		Reasons: reasons,
	}
}

// moreRestrictive merges two evaluations for adapters that touch two
// endpoints: any deny wins and the denials are pooled, then any gate, then
// allow.
func moreRestrictive(a, b policy.Evaluation) policy.Evaluation {
	aDeny := a.Verdict == policy.VerdictDeny
	bDeny := b.Verdict == policy.VerdictDeny
	switch {
	case aDeny && bDeny:
		a.Denials = append(a.Denials, b.Denials...)
		a.Reasons = append(a.Reasons, b.Reasons...)
		return a
	case aDeny:
		return a
	case bDeny:
		return b
	case a.Verdict == policy.VerdictGate:
		return a
	case b.Verdict == policy.VerdictGate:
		return b
	}
	return a
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// success builds a successful result with the elapsed duration filled in.
func success(start time.Time, output any, artifacts ...session.Artifact) *session.Result {
	return &session.Result{
		Success:    true,
		Output:     output,
		DurationMS: time.Since(start).Milliseconds(),
		Artifacts:  artifacts,
	}
}

// failure builds a failed result. Execution failures are data, not errors;
// the session records them like any other outcome.
func failure(start time.Time, format string, args ...any) *session.Result {
	return &session.Result{
		Success:    false,
		Error:      fmt.Sprintf(format, args...),
		DurationMS: time.Since(start).Milliseconds(),
	}
}

// stringArg reads a string argument. Schema validation guarantees presence
// and type on the evaluate path; rollback and dry-run inputs arrive unchecked.
func stringArg(input map[string]any, key string) string {
	if v, ok := input[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func intArg(input map[string]any, key string) (int64, bool) {
	switch v := input[key].(type) {
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}

func boolArg(input map[string]any, key string) bool {
	v, ok := input[key].(bool)
	return ok && v
}
