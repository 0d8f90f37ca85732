package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/gowebpki/jcs"
)

// VerifyResult reports the outcome of an integrity check.
type VerifyResult struct {
	Valid    bool   `json:"valid"`
	Entries  int    `json:"entries"`
	BrokenAt int64  `json:"brokenAt,omitempty"`
	Error    string `json:"error,omitempty"`
}

// VerifyIntegrity replays a ledger file and checks the hash chain: every
// entry's prev must equal the previous hash, the sequence must be gapless
// from 1, and the recomputed hash over the canonical data must match the
// stored one. An empty file is valid with zero entries.
func VerifyIntegrity(path string) VerifyResult {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{Valid: false, Error: fmt.Sprintf("open ledger file: %v", err)}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, scanInitialBuf), scanMaxBuf)

	prevHash := GenesisPrev
	var expectedSeq int64 = 1
	entries := 0

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return VerifyResult{
				Valid:    false,
				Entries:  entries,
				BrokenAt: expectedSeq,
				Error:    fmt.Sprintf("Malformed entry at seq %d: %v", expectedSeq, err),
			}
		}

		if e.Seq != expectedSeq {
			return VerifyResult{
				Valid:    false,
				Entries:  entries,
				BrokenAt: e.Seq,
				Error:    fmt.Sprintf("Sequence gap at seq %d: expected %d", e.Seq, expectedSeq),
			}
		}

		if e.Prev != prevHash {
			return VerifyResult{
				Valid:    false,
				Entries:  entries,
				BrokenAt: e.Seq,
				Error:    fmt.Sprintf("Broken chain at seq %d: prev %s does not match %s", e.Seq, e.Prev, prevHash),
			}
		}

		canonical, err := jcs.Transform(e.Data)
		if err != nil {
			return VerifyResult{
				Valid:    false,
				Entries:  entries,
				BrokenAt: e.Seq,
				Error:    fmt.Sprintf("Malformed entry at seq %d: %v", e.Seq, err),
			}
		}
		computed := computeHash(e.Seq, e.TS, e.Prev, e.Type, canonical)
		if computed != e.Hash {
			return VerifyResult{
				Valid:    false,
				Entries:  entries,
				BrokenAt: e.Seq,
				Error:    fmt.Sprintf("Hash mismatch at seq %d: entry records %s, recomputed %s", e.Seq, e.Hash, computed),
			}
		}

		prevHash = e.Hash
		expectedSeq++
		entries++
	}
	if err := scanner.Err(); err != nil {
		return VerifyResult{Valid: false, Entries: entries, Error: fmt.Sprintf("read ledger file: %v", err)}
	}

	return VerifyResult{Valid: true, Entries: entries}
}
