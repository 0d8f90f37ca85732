package adapter

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gatewarden/gatewarden/internal/policy"
	"github.com/gatewarden/gatewarden/internal/session"
)

type archiveEntry struct {
	name    string
	content string
}

func makeZip(t *testing.T, path string, entries []archiveEntry) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	w := zip.NewWriter(f)
	for _, e := range entries {
		fw, err := w.Create(e.name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write([]byte(e.content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func makeTarGz(t *testing.T, path string, entries []archiveEntry) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0o644, Size: int64(len(e.content)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(e.content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestArchiveExtract_Zip(t *testing.T) {
	r := testRegistry(t)
	dir := t.TempDir()
	archive := filepath.Join(dir, "bundle.zip")
	makeZip(t, archive, []archiveEntry{
		{"a.txt", "alpha"},
		{"sub/b.txt", "beta"},
	})
	dest := filepath.Join(dir, "out")
	input := map[string]any{"archive": archive, "dest": dest}
	ec := &ExecContext{}

	a := mustGet(t, r, "archive:extract")
	res := a.Execute(context.Background(), input, ec)
	if !res.Success {
		t.Fatalf("Execute() failed: %s", res.Error)
	}
	for name, want := range map[string]string{"a.txt": "alpha", "sub/b.txt": "beta"} {
		data, err := os.ReadFile(filepath.Join(dest, name))
		if err != nil || string(data) != want {
			t.Errorf("%s = %q, %v", name, data, err)
		}
	}
	if out := res.Output.(map[string]any); out["files"] != 2 {
		t.Errorf("output files = %v, want 2", out["files"])
	}
	if got := res.FilesChangedArtifacts(); got != 2 {
		t.Errorf("FilesChangedArtifacts() = %d, want 2", got)
	}
	if artifactOfType(res.Artifacts, session.ArtifactLog) == nil {
		t.Error("missing summary log artifact")
	}

	rb := a.Rollback(context.Background(), input, ec)
	if !rb.Success {
		t.Fatalf("Rollback() failed: %s", rb.Error)
	}
	if _, err := os.Stat(filepath.Join(dest, "a.txt")); !os.IsNotExist(err) {
		t.Error("extracted file survived rollback")
	}

	again := a.Rollback(context.Background(), input, ec)
	if !again.Success || !strings.Contains(again.Description, "removed 0") {
		t.Errorf("second rollback = %+v", again)
	}
}

func TestArchiveExtract_TarGz(t *testing.T) {
	r := testRegistry(t)
	dir := t.TempDir()
	archive := filepath.Join(dir, "bundle.tar.gz")
	makeTarGz(t, archive, []archiveEntry{{"x/y.txt", "nested"}})
	dest := filepath.Join(dir, "out")

	res := mustGet(t, r, "archive:extract").Execute(context.Background(),
		map[string]any{"archive": archive, "dest": dest}, &ExecContext{})
	if !res.Success {
		t.Fatalf("Execute() failed: %s", res.Error)
	}
	data, err := os.ReadFile(filepath.Join(dest, "x", "y.txt"))
	if err != nil || string(data) != "nested" {
		t.Errorf("extracted = %q, %v", data, err)
	}
}

func TestArchiveExtract_TraversalBlocked(t *testing.T) {
	r := testRegistry(t)
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.zip")
	makeZip(t, archive, []archiveEntry{
		{"ok.txt", "fine"},
		{"../escape.txt", "evil"},
	})
	dest := filepath.Join(dir, "out")
	input := map[string]any{"archive": archive, "dest": dest}
	ec := &ExecContext{}

	a := mustGet(t, r, "archive:extract")
	res := a.Execute(context.Background(), input, ec)
	if res.Success {
		t.Fatal("Execute() succeeded on an archive with a traversal entry")
	}
	if !strings.Contains(res.Error, "escapes the destination") {
		t.Errorf("error = %q", res.Error)
	}
	if _, err := os.Stat(filepath.Join(dir, "escape.txt")); !os.IsNotExist(err) {
		t.Fatal("traversal entry was written outside the destination")
	}

	// The partial extraction is stashed so rollback can clean it up.
	if len(res.RollbackData) == 0 {
		t.Fatal("failed extraction stashed no rollback data")
	}
	rb := a.Rollback(context.Background(), input, ec)
	if !rb.Success {
		t.Fatalf("Rollback() failed: %s", rb.Error)
	}
	if _, err := os.Stat(filepath.Join(dest, "ok.txt")); !os.IsNotExist(err) {
		t.Error("partial extraction survived rollback")
	}
}

func TestArchiveExtract_DryRun(t *testing.T) {
	r := testRegistry(t)
	dir := t.TempDir()
	archive := filepath.Join(dir, "bundle.zip")
	makeZip(t, archive, []archiveEntry{
		{"a.txt", "alpha"},
		{"b.txt", "beta"},
	})
	dest := filepath.Join(dir, "out")
	a := mustGet(t, r, "archive:extract")

	res, err := a.DryRun(context.Background(), map[string]any{"archive": archive, "dest": dest}, &ExecContext{})
	if err != nil {
		t.Fatal(err)
	}
	if res.EstimatedChanges != 2 || len(res.Warnings) != 0 {
		t.Errorf("dry run = %+v", res)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("dry run created the destination")
	}

	remaining := 1
	ec := &ExecContext{Budget: policy.BudgetSnapshot{RemainingFiles: &remaining}}
	tight, err := a.DryRun(context.Background(), map[string]any{"archive": archive, "dest": dest}, ec)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, w := range tight.Warnings {
		if strings.Contains(w, "exceed the remaining file budget") {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings = %v, want a budget warning", tight.Warnings)
	}
}

func TestArchiveExtract_ValidateTwoEndpoints(t *testing.T) {
	r := testRegistry(t)
	dir := t.TempDir()
	a := mustGet(t, r, "archive:extract")

	inside := filepath.Join(dir, "bundle.zip")
	outside := "/somewhere/else/bundle.zip"
	dest := filepath.Join(dir, "out")

	p := sandboxPolicy(dir)
	if ev := a.Validate(map[string]any{"archive": inside, "dest": dest}, p); ev.Verdict != policy.VerdictAllow {
		t.Errorf("both inside verdict = %s: %v", ev.Verdict, ev.Reasons)
	}

	ev := a.Validate(map[string]any{"archive": outside, "dest": dest}, p)
	if ev.Verdict != policy.VerdictDeny {
		t.Fatalf("source outside verdict = %s, want deny", ev.Verdict)
	}
	if !strings.Contains(ev.Reasons[0], outside) {
		t.Errorf("reason = %q, want the archive path named", ev.Reasons[0])
	}

	both := a.Validate(map[string]any{"archive": outside, "dest": "/also/outside"}, p)
	if both.Verdict != policy.VerdictDeny || len(both.Denials) != 2 {
		t.Errorf("both outside: verdict = %s, denials = %d, want deny with 2", both.Verdict, len(both.Denials))
	}
}

func TestArchiveFormat(t *testing.T) {
	tests := []struct {
		name    string
		input   map[string]any
		want    string
		wantErr bool
	}{
		{"explicit", map[string]any{"archive": "x.bin", "format": "tar"}, "tar", false},
		{"zip extension", map[string]any{"archive": "x.zip"}, "zip", false},
		{"tgz extension", map[string]any{"archive": "x.tgz"}, "tar.gz", false},
		{"tar.gz extension", map[string]any{"archive": "x.tar.gz"}, "tar.gz", false},
		{"tar extension", map[string]any{"archive": "x.tar"}, "tar", false},
		{"unknown", map[string]any{"archive": "x.dat"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := archiveFormat(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("archiveFormat() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("archiveFormat() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSafeTarget(t *testing.T) {
	dest := "/data/out"
	if _, err := safeTarget(dest, "sub/file.txt"); err != nil {
		t.Errorf("nested entry rejected: %v", err)
	}
	if _, err := safeTarget(dest, "../evil.txt"); err == nil {
		t.Error("parent escape accepted")
	}
	if _, err := safeTarget(dest, "/abs/evil.txt"); err == nil {
		t.Error("absolute entry accepted")
	}
	if _, err := safeTarget(dest, "a/../../evil.txt"); err == nil {
		t.Error("nested escape accepted")
	}
}
