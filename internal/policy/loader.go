package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Parse decodes a policy document in strict mode (unknown keys reject),
// applies schema defaults, and validates. An empty document is treated as
// an empty policy, which then fails validation.
func Parse(data []byte) (*Policy, error) {
	var p Policy
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse policy YAML: %w", err)
	}
	p.normalize()
	if issues := Validate(&p); len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}
	return &p, nil
}

// Load reads and parses a policy file.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file %s: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return p, nil
}

// WriteFile serializes the policy as YAML (2-space indent, insertion-order
// keys) and writes it atomically, creating missing directories. Evolution
// uses this to persist add-to-policy decisions.
func WriteFile(p *Policy, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create policy directory %s: %w", dir, err)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return fmt.Errorf("serialize policy: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("serialize policy: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".policy-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp policy file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp policy file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp policy file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace policy file %s: %w", path, err)
	}
	return nil
}

// Loader owns the policy file used in serve mode: it loads the base policy,
// hands out clones for new sessions, and optionally watches the file for
// hot reload. A reload that fails validation is logged and skipped so one
// bad edit does not take down running sessions.
type Loader struct {
	path   string
	logger *slog.Logger

	polMu   sync.RWMutex
	current *Policy

	// watcher state
	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

// NewLoader creates a Loader for the given policy path. Call Load before
// Get.
func NewLoader(path string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		path:   path,
		logger: logger.With("component", "policy.Loader"),
	}
}

// Path returns the policy file path.
func (l *Loader) Path() string { return l.path }

// Load reads the policy from disk and makes it current.
func (l *Loader) Load() (*Policy, error) {
	p, err := Load(l.path)
	if err != nil {
		return nil, err
	}
	l.polMu.Lock()
	l.current = p
	l.polMu.Unlock()
	l.logger.Info("policy loaded",
		"path", l.path,
		"name", p.Name,
		"capabilities", len(p.Capabilities),
		"gates", len(p.Gates),
	)
	return p, nil
}

// Get returns a deep copy of the current policy, so every caller owns its
// own mutable instance. Nil until Load succeeds.
func (l *Loader) Get() *Policy {
	l.polMu.RLock()
	defer l.polMu.RUnlock()
	return l.current.Clone()
}

// Watch starts an fsnotify watcher on the policy file. When the file
// changes and re-parses cleanly, the new policy becomes current and
// onChange is invoked with a clone. Call StopWatch to clean up.
func (l *Loader) Watch(onChange func(*Policy)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.watcher != nil {
		l.stopWatchLocked()
	}

	absPath, err := filepath.Abs(l.path)
	if err != nil {
		return fmt.Errorf("failed to resolve policy path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	// Watch the directory rather than the file to catch editor
	// rename-and-replace patterns (e.g. vim, nano).
	dir := filepath.Dir(absPath)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	l.watcher = w
	l.watchDone = make(chan struct{})

	go l.watchLoop(w, absPath, onChange)

	l.logger.Info("watching policy for changes", "path", absPath)
	return nil
}

func (l *Loader) watchLoop(w *fsnotify.Watcher, targetPath string, onChange func(*Policy)) {
	defer close(l.watchDone)

	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			absEvent, _ := filepath.Abs(event.Name)
			if absEvent != targetPath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				l.logger.Info("policy file changed, reloading", "path", targetPath)
				p, err := Load(targetPath)
				if err != nil {
					l.logger.Error("policy reload failed, keeping previous policy",
						"path", targetPath,
						"error", err,
					)
					continue
				}
				l.polMu.Lock()
				l.current = p
				l.polMu.Unlock()
				if onChange != nil {
					onChange(p.Clone())
				}
			}

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Error("fsnotify error", "error", err)
		}
	}
}

// StopWatch stops the policy file watcher, if running.
func (l *Loader) StopWatch() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopWatchLocked()
}

func (l *Loader) stopWatchLocked() {
	if l.watcher != nil {
		_ = l.watcher.Close()
		if l.watchDone != nil {
			<-l.watchDone
		}
		l.watcher = nil
		l.watchDone = nil
	}
}
