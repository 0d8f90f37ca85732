package adapter

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gatewarden/gatewarden/internal/policy"
	"github.com/gatewarden/gatewarden/internal/session"
)

// DefaultExtractTimeout bounds archive:extract when the caller does not pass
// timeout_ms.
const DefaultExtractTimeout = 60 * time.Second

const archiveExtractSchema = `{
  "type": "object",
  "properties": {
    "archive": {"type": "string", "minLength": 1, "description": "Path of the archive to extract"},
    "dest": {"type": "string", "minLength": 1, "description": "Directory to extract into"},
    "format": {"type": "string", "enum": ["zip", "tar", "tar.gz"], "description": "Archive format, inferred from the extension when omitted"},
    "timeout_ms": {"type": "integer", "minimum": 1, "description": "Timeout in milliseconds"}
  },
  "required": ["archive", "dest"],
  "additionalProperties": false
}`

type archiveExtract struct {
	base
}

func newArchiveExtract(ev *policy.Evaluator) *archiveExtract {
	return &archiveExtract{base: newBase("archive:extract", "Extract a zip or tar archive into a directory", archiveExtractSchema, ev)}
}

// Validate checks both endpoints: the archive is read, the destination is
// written. The more restrictive verdict wins.
func (a *archiveExtract) Validate(input map[string]any, p *policy.Policy) policy.Evaluation {
	if denials := a.checkInput(input); len(denials) > 0 {
		return denyEvaluation(a.name, denials)
	}
	src := a.ev.Evaluate(policy.ActionRequest{
		Tool: a.name, Input: input, Fields: &policy.Fields{Path: stringArg(input, "archive")},
	}, p, nil)
	dst := a.ev.Evaluate(policy.ActionRequest{
		Tool: a.name, Input: input, Fields: &policy.Fields{Path: stringArg(input, "dest")},
	}, p, nil)
	return moreRestrictive(src, dst)
}

func (a *archiveExtract) DryRun(_ context.Context, input map[string]any, ec *ExecContext) (*DryRunResult, error) {
	archivePath := stringArg(input, "archive")
	dest := stringArg(input, "dest")
	res := &DryRunResult{WouldDo: fmt.Sprintf("extract %s into %s", archivePath, dest)}

	format, err := archiveFormat(input)
	if err != nil {
		res.Warnings = append(res.Warnings, err.Error())
		return res, nil
	}
	files := 0
	err = iterateArchive(archivePath, format, func(name string, _ os.FileMode, isDir bool, _ io.Reader) error {
		if isDir {
			return nil
		}
		if _, err := safeTarget(dest, name); err != nil {
			res.Warnings = append(res.Warnings, err.Error())
			return nil
		}
		files++
		return nil
	})
	if err != nil {
		res.Warnings = append(res.Warnings, err.Error())
		return res, nil
	}
	res.EstimatedChanges = files
	if ec != nil && ec.Budget.RemainingFiles != nil && files > *ec.Budget.RemainingFiles {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("extraction would exceed the remaining file budget (%d > %d)", files, *ec.Budget.RemainingFiles))
	}
	return res, nil
}

func (a *archiveExtract) Execute(ctx context.Context, input map[string]any, ec *ExecContext) *session.Result {
	start := time.Now()
	archivePath := stringArg(input, "archive")
	dest := stringArg(input, "dest")

	format, err := archiveFormat(input)
	if err != nil {
		return failure(start, "extract %s: %v", archivePath, err)
	}
	timeout := DefaultExtractTimeout
	if ms, ok := intArg(input, "timeout_ms"); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return failure(start, "extract %s: %v", archivePath, err)
	}

	var created []string
	var artifacts []session.Artifact
	extractErr := iterateArchive(archivePath, format, func(name string, mode os.FileMode, isDir bool, r io.Reader) error {
		if err := runCtx.Err(); err != nil {
			return fmt.Errorf("extraction timed out after %s", timeout)
		}
		target, err := safeTarget(dest, name)
		if err != nil {
			return err
		}
		if isDir {
			return os.MkdirAll(target, 0o755)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		data, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("read entry %q: %w", name, err)
		}
		perm := mode.Perm()
		if perm == 0 {
			perm = 0o644
		}
		if err := os.WriteFile(target, data, perm); err != nil {
			return err
		}
		created = append(created, target)
		artifacts = append(artifacts, session.Artifact{
			Type: session.ArtifactChecksum, Path: target, Data: sha256Hex(data),
		})
		return nil
	})

	// Stash whatever was created even on failure, so a rollback can clean
	// up a partial extraction.
	if len(created) > 0 {
		raw, _ := json.Marshal(created)
		ec.stash(StashKey(a.name, input), string(raw))
	}
	if extractErr != nil {
		res := failure(start, "extract %s: %v", archivePath, extractErr)
		res.RollbackData = ec.RollbackData
		return res
	}

	artifacts = append(artifacts, session.Artifact{
		Type: session.ArtifactLog,
		Path: dest,
		Data: fmt.Sprintf("extracted %d files from %s", len(created), archivePath),
	})
	res := success(start, map[string]any{"archive": archivePath, "dest": dest, "files": len(created)}, artifacts...)
	res.RollbackData = ec.RollbackData
	return res
}

func (a *archiveExtract) Rollback(_ context.Context, input map[string]any, ec *ExecContext) *RollbackResult {
	raw, ok := ec.stashed(StashKey(a.name, input))
	if !ok {
		return rollbackFailure("no rollback data for %s of %s", a.name, stringArg(input, "archive"))
	}
	var created []string
	if err := json.Unmarshal([]byte(raw), &created); err != nil {
		return rollbackFailure("corrupt rollback data for %s: %v", a.name, err)
	}
	removed := 0
	for i := len(created) - 1; i >= 0; i-- {
		err := os.Remove(created[i])
		switch {
		case err == nil:
			removed++
		case os.IsNotExist(err):
			// Already gone; rollback stays idempotent.
		default:
			return rollbackFailure("remove %s: %v", created[i], err)
		}
	}
	return &RollbackResult{Success: true, Description: fmt.Sprintf("removed %d extracted files", removed)}
}

func archiveFormat(input map[string]any) (string, error) {
	if f := stringArg(input, "format"); f != "" {
		return f, nil
	}
	name := strings.ToLower(stringArg(input, "archive"))
	switch {
	case strings.HasSuffix(name, ".zip"):
		return "zip", nil
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return "tar.gz", nil
	case strings.HasSuffix(name, ".tar"):
		return "tar", nil
	}
	return "", fmt.Errorf("cannot determine archive format of %q; pass format explicitly", name)
}

// safeTarget joins an entry name onto the destination and rejects names
// that would land outside it.
func safeTarget(dest, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("entry %q has an absolute path", name)
	}
	cleanDest := filepath.Clean(dest)
	target := filepath.Join(cleanDest, name)
	if target != cleanDest && !strings.HasPrefix(target, cleanDest+string(os.PathSeparator)) {
		return "", fmt.Errorf("entry %q escapes the destination directory", name)
	}
	return target, nil
}

// iterateArchive walks archive entries in order. Symlinks and other special
// entries are skipped; only files and directories reach the callback.
func iterateArchive(path, format string, fn func(name string, mode os.FileMode, isDir bool, r io.Reader) error) error {
	switch format {
	case "zip":
		return iterateZip(path, fn)
	case "tar", "tar.gz":
		return iterateTar(path, format == "tar.gz", fn)
	}
	return fmt.Errorf("unsupported archive format %q", format)
}

func iterateZip(path string, fn func(string, os.FileMode, bool, io.Reader) error) error {
	r, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer r.Close()
	for _, f := range r.File {
		mode := f.Mode()
		if !mode.IsDir() && !mode.IsRegular() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("open entry %q: %w", f.Name, err)
		}
		err = fn(f.Name, mode, mode.IsDir(), rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func iterateTar(path string, gzipped bool, fn func(string, os.FileMode, bool, io.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var src io.Reader = f
	if gzipped {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer gz.Close()
		src = gz
	}

	tr := tar.NewReader(src)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		switch hdr.Typeflag {
		case tar.TypeReg, tar.TypeDir:
		default:
			continue
		}
		if err := fn(hdr.Name, hdr.FileInfo().Mode(), hdr.Typeflag == tar.TypeDir, tr); err != nil {
			return err
		}
	}
}
