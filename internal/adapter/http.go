package adapter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gatewarden/gatewarden/internal/policy"
	"github.com/gatewarden/gatewarden/internal/session"
)

// httpBodyCap bounds how much of a response body the result carries.
const httpBodyCap = 1 << 20

const httpRequestSchema = `{
  "type": "object",
  "properties": {
    "url": {"type": "string", "minLength": 1, "description": "Request URL"},
    "method": {"type": "string", "enum": ["GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"], "description": "HTTP method, GET when omitted"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}, "description": "Request headers"},
    "body": {"type": "string", "description": "Request body"}
  },
  "required": ["url"],
  "additionalProperties": false
}`

type httpRequest struct {
	base
	client *http.Client
}

func newHTTPRequest(ev *policy.Evaluator) *httpRequest {
	return &httpRequest{
		base:   newBase("http:request", "Send an HTTP request and capture the response", httpRequestSchema, ev),
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *httpRequest) Validate(input map[string]any, p *policy.Policy) policy.Evaluation {
	// url and method are well-known keys; the extractor parses the domain
	// and flags unparseable URLs.
	f := policy.ExtractFields(input)
	return a.validate(input, &f, p)
}

func (a *httpRequest) DryRun(_ context.Context, input map[string]any, _ *ExecContext) (*DryRunResult, error) {
	f := policy.ExtractFields(input)
	method := f.Method
	if method == "" {
		method = http.MethodGet
	}
	res := &DryRunResult{WouldDo: fmt.Sprintf("send %s %s (%d-byte body)", method, f.URL, len(stringArg(input, "body")))}
	if f.BadURL {
		res.Warnings = append(res.Warnings, fmt.Sprintf("url has no parseable hostname: %s", f.URL))
	}
	return res, nil
}

func (a *httpRequest) Execute(ctx context.Context, input map[string]any, _ *ExecContext) *session.Result {
	start := time.Now()
	url := stringArg(input, "url")
	method := strings.ToUpper(stringArg(input, "method"))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if b := stringArg(input, "body"); b != "" {
		body = strings.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return failure(start, "%s %s: %v", method, url, err)
	}
	if headers, ok := input["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return failure(start, "%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, httpBodyCap+1))
	if err != nil {
		return failure(start, "%s %s: read response: %v", method, url, err)
	}
	truncated := len(data) > httpBodyCap
	if truncated {
		data = data[:httpBodyCap]
	}

	output := map[string]any{
		"status_code": resp.StatusCode,
		"status":      resp.Status,
		"body":        string(data),
		"body_bytes":  len(data),
	}
	if truncated {
		output["truncated"] = true
	}
	return success(start, output, session.Artifact{
		Type: session.ArtifactLog,
		Data: fmt.Sprintf("%s %s -> %d (%d bytes)", method, url, resp.StatusCode, len(data)),
	})
}

func (a *httpRequest) Rollback(_ context.Context, input map[string]any, _ *ExecContext) *RollbackResult {
	return rollbackFailure("http:request cannot be rolled back; the remote effect of %s is unknown", stringArg(input, "url"))
}
