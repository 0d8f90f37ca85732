// Package ledger implements the append-only evidence ledger: one JSONL
// file per session, each entry hash-chained to its predecessor so that
// any later mutation of recorded evidence is detectable.
package ledger

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
)

// EventType categorizes ledger entries. The set is closed; consumers rely
// on it for filtering and reporting.
type EventType string

const (
	EventSessionStart       EventType = "session:start"
	EventSessionStateChange EventType = "session:state_change"
	EventSessionTerminate   EventType = "session:terminate"
	EventActionEvaluate     EventType = "action:evaluate"
	EventActionResult       EventType = "action:result"
	EventActionRollback     EventType = "action:rollback"
	EventGateRequested      EventType = "gate:requested"
	EventGateApproved       EventType = "gate:approved"
	EventGateRejected       EventType = "gate:rejected"
	EventBudgetWarning      EventType = "budget:warning"
	EventBudgetExceeded     EventType = "budget:exceeded"
	EventEscalation         EventType = "escalation:triggered"
)

// GenesisPrev is the prev value of the first entry in every ledger.
const GenesisPrev = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// tsFormat renders timestamps as ISO-8601 UTC with millisecond precision.
const tsFormat = "2006-01-02T15:04:05.000Z"

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("ledger: closed")

// scanner buffer sizing for replaying ledger files; single entries can
// carry large serialized tool outputs.
const (
	scanInitialBuf = 64 * 1024
	scanMaxBuf     = 1024 * 1024
)

// Entry is one ledger line. Data holds the canonicalized JSON payload
// exactly as hashed, so verification replays the bytes on disk.
type Entry struct {
	Seq       int64           `json:"seq"`
	TS        string          `json:"ts"`
	Hash      string          `json:"hash"`
	Prev      string          `json:"prev"`
	SessionID string          `json:"sessionId"`
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data"`
}

// DecodeData unmarshals the entry payload into v.
func (e *Entry) DecodeData(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Ledger is the append-only writer for one session's evidence file. It is
// safe for concurrent use; entries are written line-at-a-time in append
// mode.
type Ledger struct {
	mu        sync.Mutex
	f         *os.File
	path      string
	sessionID string
	seq       int64
	lastHash  string
	closed    bool
	logger    *slog.Logger
}

// Open creates <dir>/<sessionID>.jsonl (and the directory) or resumes an
// existing file. On resume the last line supplies the sequence number and
// chain head; a malformed tail is a hard error because silently restarting
// the chain would discard evidence.
func Open(dir, sessionID string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create ledger directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, sessionID+".jsonl")
	l := &Ledger{
		path:      path,
		sessionID: sessionID,
		lastHash:  GenesisPrev,
		logger:    logger.With("component", "ledger.Ledger"),
	}

	if err := l.resume(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open ledger file %s: %w", path, err)
	}
	l.f = f

	if l.seq > 0 {
		l.logger.Info("ledger resumed",
			"path", path,
			"session_id", sessionID,
			"entries", l.seq,
		)
	}
	return l, nil
}

// resume recovers seq and lastHash from the final line of an existing file.
func (l *Ledger) resume() error {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open ledger file %s: %w", l.path, err)
	}
	defer f.Close()

	var lastLine string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, scanInitialBuf), scanMaxBuf)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lastLine = line
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read ledger file %s: %w", l.path, err)
	}
	if lastLine == "" {
		return nil
	}

	var tail Entry
	if err := json.Unmarshal([]byte(lastLine), &tail); err != nil {
		return fmt.Errorf("resume ledger %s: malformed tail entry: %w", l.path, err)
	}
	if tail.Seq < 1 || tail.Hash == "" {
		return fmt.Errorf("resume ledger %s: malformed tail entry: missing seq or hash", l.path)
	}
	l.seq = tail.Seq
	l.lastHash = tail.Hash
	return nil
}

// Append canonicalizes data, chains and writes a new entry, and returns it.
func (l *Ledger) Append(typ EventType, data any) (*Entry, error) {
	canonical, err := canonicalJSON(data)
	if err != nil {
		return nil, fmt.Errorf("canonicalize ledger data: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}

	entry := &Entry{
		Seq:       l.seq + 1,
		TS:        time.Now().UTC().Format(tsFormat),
		Prev:      l.lastHash,
		SessionID: l.sessionID,
		Type:      typ,
		Data:      canonical,
	}
	entry.Hash = computeHash(entry.Seq, entry.TS, entry.Prev, entry.Type, canonical)

	line, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("serialize ledger entry: %w", err)
	}
	if _, err := l.f.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("append to ledger %s: %w", l.path, err)
	}

	l.seq = entry.Seq
	l.lastHash = entry.Hash
	return entry, nil
}

// Closed reports whether the stream has been closed. A closed ledger can be
// resumed with Open; the tail entry carries the chain head.
func (l *Ledger) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close ends the stream. Further appends fail with ErrClosed.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.f.Close(); err != nil {
		return fmt.Errorf("close ledger %s: %w", l.path, err)
	}
	return nil
}

// Path returns the ledger file path.
func (l *Ledger) Path() string { return l.path }

// SessionID returns the owning session id.
func (l *Ledger) SessionID() string { return l.sessionID }

// Seq returns the sequence number of the last written entry.
func (l *Ledger) Seq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// ReadAll parses every entry of a ledger file in order. A missing file is
// an error; an empty file yields no entries.
func ReadAll(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ledger file %s: %w", path, err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, scanInitialBuf), scanMaxBuf)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("parse ledger entry at line %d: %w", lineNo, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ledger file %s: %w", path, err)
	}
	return entries, nil
}

// canonicalJSON serializes v and applies RFC 8785 canonicalization (sorted
// keys, normalized numbers). Append and verify both use this form, so the
// hash input is stable regardless of map iteration order.
func canonicalJSON(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, err
	}
	return canonical, nil
}

// computeHash derives the chained entry hash from the pipe-joined fields.
func computeHash(seq int64, ts, prev string, typ EventType, canonicalData []byte) string {
	payload := fmt.Sprintf("%d|%s|%s|%s|%s", seq, ts, prev, typ, canonicalData)
	sum := sha256.Sum256([]byte(payload))
	return "sha256:" + hex.EncodeToString(sum[:])
}
