package ledger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestLedger(t *testing.T, dir, sessionID string) *Ledger {
	t.Helper()
	l, err := Open(dir, sessionID, nil)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	return l
}

func TestLedger_AppendAndVerify(t *testing.T) {
	dir := t.TempDir()
	l := openTestLedger(t, dir, "sess1234567890ab")

	if _, err := l.Append(EventSessionStart, map[string]any{"policy": "dev-sandbox"}); err != nil {
		t.Fatalf("Append(session:start) error: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := l.Append(EventActionEvaluate, map[string]any{"verdict": "allow", "index": i}); err != nil {
			t.Fatalf("Append(action:evaluate) error: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	res := VerifyIntegrity(l.Path())
	if !res.Valid {
		t.Fatalf("VerifyIntegrity() = %+v, want valid", res)
	}
	if res.Entries != 4 {
		t.Errorf("entries = %d, want 4", res.Entries)
	}

	entries, err := ReadAll(l.Path())
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	if entries[0].Prev != GenesisPrev {
		t.Errorf("first prev = %q, want genesis", entries[0].Prev)
	}
	for i, e := range entries {
		if e.Seq != int64(i+1) {
			t.Errorf("entry %d seq = %d, want %d", i, e.Seq, i+1)
		}
		if e.SessionID != "sess1234567890ab" {
			t.Errorf("entry %d sessionId = %q", i, e.SessionID)
		}
		if i > 0 && e.Prev != entries[i-1].Hash {
			t.Errorf("entry %d prev = %q, want previous hash %q", i, e.Prev, entries[i-1].Hash)
		}
		if !strings.HasPrefix(e.Hash, "sha256:") {
			t.Errorf("entry %d hash = %q, want sha256: prefix", i, e.Hash)
		}
	}
}

func TestLedger_TamperDetection(t *testing.T) {
	dir := t.TempDir()
	l := openTestLedger(t, dir, "sesstamper000000")

	if _, err := l.Append(EventSessionStart, map[string]any{"policy": "dev-sandbox"}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := l.Append(EventActionEvaluate, map[string]any{"verdict": "allow"}); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	// Mutate the first entry's data.policy in place.
	raw, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatal(err)
	}
	first["data"].(map[string]any)["policy"] = "tampered"
	mutated, err := json.Marshal(first)
	if err != nil {
		t.Fatal(err)
	}
	lines[0] = string(mutated)
	if err := os.WriteFile(l.Path(), []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	res := VerifyIntegrity(l.Path())
	if res.Valid {
		t.Fatal("VerifyIntegrity() = valid, want tamper detected")
	}
	if res.BrokenAt != 1 {
		t.Errorf("brokenAt = %d, want 1", res.BrokenAt)
	}
	if !strings.Contains(res.Error, "Hash mismatch") {
		t.Errorf("error = %q, want Hash mismatch", res.Error)
	}
}

func TestLedger_BrokenChainDetected(t *testing.T) {
	dir := t.TempDir()
	l := openTestLedger(t, dir, "sesschain0000000")
	for i := 0; i < 3; i++ {
		if _, err := l.Append(EventActionEvaluate, map[string]any{"i": i}); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	// Rewrite entry 2 with a forged prev and a self-consistent hash: the
	// chain linkage check must catch it even though the entry hashes clean.
	entries, err := ReadAll(l.Path())
	if err != nil {
		t.Fatal(err)
	}
	forged := entries[1]
	forged.Prev = GenesisPrev
	forged.Hash = computeHash(forged.Seq, forged.TS, forged.Prev, forged.Type, forged.Data)

	var out strings.Builder
	for i, e := range entries {
		if i == 1 {
			e = forged
		}
		line, err := json.Marshal(e)
		if err != nil {
			t.Fatal(err)
		}
		out.Write(line)
		out.WriteByte('\n')
	}
	if err := os.WriteFile(l.Path(), []byte(out.String()), 0o600); err != nil {
		t.Fatal(err)
	}

	res := VerifyIntegrity(l.Path())
	if res.Valid {
		t.Fatal("VerifyIntegrity() = valid, want broken chain detected")
	}
	if res.BrokenAt != 2 {
		t.Errorf("brokenAt = %d, want 2", res.BrokenAt)
	}
	if !strings.Contains(res.Error, "Broken chain") {
		t.Errorf("error = %q, want Broken chain", res.Error)
	}
}

func TestLedger_ReplayErrors(t *testing.T) {
	tests := []struct {
		name         string
		mutate       func(lines []string) []string
		wantBrokenAt int64
		wantError    string
	}{
		{
			name: "sequence gap",
			mutate: func(lines []string) []string {
				return []string{lines[0], lines[2]}
			},
			wantBrokenAt: 3,
			wantError:    "Sequence gap at seq 3: expected 2",
		},
		{
			name: "malformed middle entry",
			mutate: func(lines []string) []string {
				lines[1] = "garbage"
				return lines
			},
			wantBrokenAt: 2,
			wantError:    "Malformed entry at seq 2",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			l := openTestLedger(t, dir, "sessreplay000000")
			for i := 0; i < 3; i++ {
				if _, err := l.Append(EventActionEvaluate, map[string]any{"i": i}); err != nil {
					t.Fatal(err)
				}
			}
			if err := l.Close(); err != nil {
				t.Fatal(err)
			}

			raw, err := os.ReadFile(l.Path())
			if err != nil {
				t.Fatal(err)
			}
			lines := tt.mutate(strings.Split(strings.TrimRight(string(raw), "\n"), "\n"))
			if err := os.WriteFile(l.Path(), []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
				t.Fatal(err)
			}

			res := VerifyIntegrity(l.Path())
			if res.Valid {
				t.Fatal("VerifyIntegrity() = valid, want failure")
			}
			if res.BrokenAt != tt.wantBrokenAt {
				t.Errorf("brokenAt = %d, want %d", res.BrokenAt, tt.wantBrokenAt)
			}
			if !strings.Contains(res.Error, tt.wantError) {
				t.Errorf("error = %q, want %q", res.Error, tt.wantError)
			}
		})
	}
}

func TestLedger_ResumeSequence(t *testing.T) {
	dir := t.TempDir()

	l := openTestLedger(t, dir, "sessresume000000")
	if _, err := l.Append(EventSessionStart, map[string]any{"policy": "p"}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(EventActionEvaluate, map[string]any{"verdict": "allow"}); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	resumed := openTestLedger(t, dir, "sessresume000000")
	entry, err := resumed.Append(EventActionEvaluate, map[string]any{"verdict": "deny"})
	if err != nil {
		t.Fatal(err)
	}
	if entry.Seq != 3 {
		t.Errorf("resumed seq = %d, want 3", entry.Seq)
	}
	if err := resumed.Close(); err != nil {
		t.Fatal(err)
	}

	entries, err := ReadAll(resumed.Path())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	if entries[2].Prev != entries[1].Hash {
		t.Error("resumed entry does not chain to the previous tail")
	}
	if res := VerifyIntegrity(resumed.Path()); !res.Valid {
		t.Errorf("VerifyIntegrity() after resume = %+v, want valid", res)
	}
}

func TestLedger_MalformedTailFatal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessbadtail00000.jsonl")
	if err := os.WriteFile(path, []byte("{not json}\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := Open(dir, "sessbadtail00000", nil)
	if err == nil {
		t.Fatal("Open() on malformed tail expected error")
	}
	if !strings.Contains(err.Error(), "malformed tail") {
		t.Errorf("error = %v, want malformed tail", err)
	}
}

func TestLedger_EmptyFileValid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessempty0000000.jsonl")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	res := VerifyIntegrity(path)
	if !res.Valid || res.Entries != 0 {
		t.Errorf("VerifyIntegrity(empty) = %+v, want valid with 0 entries", res)
	}

	// Opening an empty file starts the chain at seq 1.
	l := openTestLedger(t, dir, "sessempty0000000")
	entry, err := l.Append(EventSessionStart, map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	if entry.Seq != 1 || entry.Prev != GenesisPrev {
		t.Errorf("entry = seq %d prev %q, want 1 and genesis", entry.Seq, entry.Prev)
	}
	l.Close()
}

func TestLedger_AppendAfterClose(t *testing.T) {
	l := openTestLedger(t, t.TempDir(), "sessclosed000000")
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(EventSessionStart, map[string]any{}); err != ErrClosed {
		t.Errorf("Append after Close = %v, want ErrClosed", err)
	}
}

func TestLedger_CanonicalData(t *testing.T) {
	l := openTestLedger(t, t.TempDir(), "sesscanon0000000")
	defer l.Close()

	type payload struct {
		Zulu  int    `json:"zulu"`
		Alpha string `json:"alpha"`
	}
	entry, err := l.Append(EventActionEvaluate, payload{Zulu: 1, Alpha: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if got := string(entry.Data); got != `{"alpha":"x","zulu":1}` {
		t.Errorf("canonical data = %s, want sorted keys", got)
	}
}

func TestLedger_TimestampFormat(t *testing.T) {
	l := openTestLedger(t, t.TempDir(), "sessts0000000000")
	defer l.Close()

	entry, err := l.Append(EventSessionStart, map[string]any{})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(entry.TS, "Z") {
		t.Errorf("ts = %q, want UTC Z suffix", entry.TS)
	}
	if _, err := time.Parse("2006-01-02T15:04:05.000Z", entry.TS); err != nil {
		t.Errorf("ts %q does not parse with millisecond layout: %v", entry.TS, err)
	}
}

func TestLedger_FilePermissions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "evidence")
	l := openTestLedger(t, dir, "sessperms0000000")
	if _, err := l.Append(EventSessionStart, map[string]any{}); err != nil {
		t.Fatal(err)
	}
	l.Close()

	dirInfo, err := os.Stat(dir)
	if err != nil {
		t.Fatal(err)
	}
	if perm := dirInfo.Mode().Perm(); perm != 0o700 {
		t.Errorf("ledger dir perm = %o, want 0700", perm)
	}
	fileInfo, err := os.Stat(l.Path())
	if err != nil {
		t.Fatal(err)
	}
	if perm := fileInfo.Mode().Perm(); perm != 0o600 {
		t.Errorf("ledger file perm = %o, want 0600", perm)
	}
}

func TestVerifyIntegrity_MissingFile(t *testing.T) {
	res := VerifyIntegrity(filepath.Join(t.TempDir(), "absent.jsonl"))
	if res.Valid {
		t.Error("VerifyIntegrity(missing) = valid, want error")
	}
	if res.Error == "" {
		t.Error("expected an error message for a missing file")
	}
}
