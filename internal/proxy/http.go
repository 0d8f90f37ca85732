package proxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	httpTimeout = 30 * time.Second
	// maxResponseSize caps a single backend HTTP response body.
	maxResponseSize = 10 * 1024 * 1024
)

// httpTransport speaks streamable HTTP: one POST per JSON-RPC message, with
// the server's Mcp-Session-Id header echoed back on every subsequent request.
// Servers may answer a POST with either a plain JSON body or a short SSE
// stream; both are handled.
type httpTransport struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger

	mu        sync.Mutex
	sessionID string
}

func newHTTPTransport(endpoint string, logger *slog.Logger) *httpTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &httpTransport{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: httpTimeout,
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger.With("component", "proxy.HTTPTransport"),
	}
}

// start validates the endpoint URL. The connection itself is established
// lazily on the first POST.
func (t *httpTransport) start(_ context.Context) error {
	u, err := url.Parse(t.endpoint)
	if err != nil {
		return fmt.Errorf("parse endpoint %q: %w", t.endpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("endpoint %q: scheme must be http or https", t.endpoint)
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint %q: missing host", t.endpoint)
	}
	return nil
}

// exchange POSTs one message and returns the backend's response payload.
func (t *httpTransport) exchange(ctx context.Context, raw []byte) ([]byte, error) {
	body, contentType, err := t.post(ctx, raw)
	if err != nil {
		return nil, err
	}

	if strings.HasPrefix(contentType, "text/event-stream") {
		// The response to our request is the first event without a method
		// field; interleaved server notifications carry one and are skipped.
		for _, payload := range sseData(body) {
			var probe struct {
				Method string `json:"method"`
			}
			if err := json.Unmarshal(payload, &probe); err == nil && probe.Method != "" {
				t.logger.Debug("skipping server-originated event", "method", probe.Method)
				continue
			}
			return payload, nil
		}
		return nil, errors.New("event stream carried no response")
	}

	body = bytes.TrimRight(body, "\r\n")
	if len(body) == 0 {
		return nil, errors.New("backend returned an empty response")
	}
	return body, nil
}

// notify POSTs one message and discards the response body. Servers commonly
// answer notifications with 202 Accepted and no payload.
func (t *httpTransport) notify(ctx context.Context, raw []byte) error {
	_, _, err := t.post(ctx, raw)
	return err
}

func (t *httpTransport) close() error {
	t.client.CloseIdleConnections()
	return nil
}

func (t *httpTransport) post(ctx context.Context, raw []byte) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	t.mu.Lock()
	if t.sessionID != "" {
		req.Header.Set("Mcp-Session-Id", t.sessionID)
	}
	t.mu.Unlock()

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("post to backend: %w", err)
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, "", fmt.Errorf("read backend response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("backend returned status %d", resp.StatusCode)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// sseData extracts the data payload of each event in an SSE body. Multiple
// data: lines within one event are joined with newlines, per the SSE format.
func sseData(body []byte) [][]byte {
	var events [][]byte
	var current [][]byte
	flush := func() {
		if len(current) > 0 {
			events = append(events, bytes.Join(current, []byte{'\n'}))
			current = nil
		}
	}

	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, scanInitialBuf), scanMaxBuf)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			flush()
			continue
		}
		if data, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			data = bytes.TrimPrefix(data, []byte(" "))
			current = append(current, append([]byte(nil), data...))
		}
	}
	flush()
	return events
}
