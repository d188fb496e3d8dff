// Package workspace owns the on-disk layout for research sessions.
package workspace

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Well-known file and directory names inside a session workspace.
const (
	PlanFile                = "orchestrator_plan.json"
	OrchestratorWorklogFile = "orchestrator_worklog.md"
	ReportFile              = "final_report.md"
	WorklogFile             = "worklog.md"
	ResultsFile             = "results.md"
	StatusFile              = "status.json"

	agentsDirName    = "agents"
	artifactsDirName = "artifacts"
	chartsDirName    = "charts"
)

// ErrPathEscape is returned when a resolved path would land outside its
// containing session or agent directory, including escapes via symlinks.
var ErrPathEscape = errors.New("path escapes workspace")

// Manager creates per-session directory trees under a single root and
// enforces path containment for every user-supplied path. All paths handed
// out by the manager are canonical absolute paths.
//
// Layout per session:
//
//	<root>/<sessionId>/
//	  orchestrator_plan.json
//	  orchestrator_worklog.md
//	  final_report.md
//	  agents/<agentId>/{worklog.md, results.md, status.json, charts/}
//	  artifacts/<agentId>/
type Manager struct {
	root string // canonical absolute root

	mu     sync.Mutex
	timers map[string]*time.Timer // pending deferred removals by session ID
}

// NewManager creates the workspace root if needed and canonicalises it.
func NewManager(root string) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalise workspace root: %w", err)
	}
	return &Manager{
		root:   real,
		timers: make(map[string]*time.Timer),
	}, nil
}

// Root returns the canonical workspace root.
func (m *Manager) Root() string {
	return m.root
}

// SessionDir returns the directory for a session. The directory may not
// exist yet; call InitSession first.
func (m *Manager) SessionDir(sessionID string) string {
	return filepath.Join(m.root, sessionID)
}

// AgentDir returns the working directory for an agent within a session.
func (m *Manager) AgentDir(sessionID, agentID string) string {
	return filepath.Join(m.root, sessionID, agentsDirName, agentID)
}

// ChartsDir returns the chart output directory for an agent.
func (m *Manager) ChartsDir(sessionID, agentID string) string {
	return filepath.Join(m.AgentDir(sessionID, agentID), chartsDirName)
}

// ArtifactsDir returns the shared artifacts directory for an agent's
// collected outputs.
func (m *Manager) ArtifactsDir(sessionID, agentID string) string {
	return filepath.Join(m.root, sessionID, artifactsDirName, agentID)
}

// PlanPath returns the session's plan file path.
func (m *Manager) PlanPath(sessionID string) string {
	return filepath.Join(m.SessionDir(sessionID), PlanFile)
}

// OrchestratorWorklogPath returns the orchestrator's worklog path.
func (m *Manager) OrchestratorWorklogPath(sessionID string) string {
	return filepath.Join(m.SessionDir(sessionID), OrchestratorWorklogFile)
}

// ReportPath returns the session's final report path.
func (m *Manager) ReportPath(sessionID string) string {
	return filepath.Join(m.SessionDir(sessionID), ReportFile)
}

// InitSession creates the directory tree for a new session.
func (m *Manager) InitSession(sessionID string) error {
	if err := validateID(sessionID); err != nil {
		return err
	}
	for _, dir := range []string{
		m.SessionDir(sessionID),
		filepath.Join(m.SessionDir(sessionID), agentsDirName),
		filepath.Join(m.SessionDir(sessionID), artifactsDirName),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create session directory: %w", err)
		}
	}
	return nil
}

// InitAgent creates an agent's working directory (including charts/) and
// returns its path.
func (m *Manager) InitAgent(sessionID, agentID string) (string, error) {
	if err := validateID(agentID); err != nil {
		return "", err
	}
	dir := m.AgentDir(sessionID, agentID)
	if err := os.MkdirAll(filepath.Join(dir, chartsDirName), 0o755); err != nil {
		return "", fmt.Errorf("failed to create agent directory: %w", err)
	}
	return dir, nil
}

// ResolveSession resolves a user-supplied path against the session directory
// and returns its canonical absolute form. Returns ErrPathEscape when the
// result would leave the session directory, including via symlinks.
func (m *Manager) ResolveSession(sessionID, path string) (string, error) {
	return resolveUnder(m.SessionDir(sessionID), path)
}

// ResolveAgent is like ResolveSession but confines the path to a single
// agent's directory.
func (m *Manager) ResolveAgent(sessionID, agentID, path string) (string, error) {
	return resolveUnder(m.AgentDir(sessionID, agentID), path)
}

// ChartFiles lists chart image filenames for an agent, sorted by name.
// A missing charts directory yields an empty list.
func (m *Manager) ChartFiles(sessionID, agentID string) ([]string, error) {
	entries, err := os.ReadDir(m.ChartsDir(sessionID, agentID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list charts: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".png", ".jpg", ".jpeg":
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// CopyToArtifacts copies the given files into artifacts/<agentId>/ and
// returns their session-relative destination paths. The copy is two-phase:
// every source is first written to a temporary name, then all temporaries
// are renamed into place, so readers never observe a partial file.
func (m *Manager) CopyToArtifacts(sessionID, agentID string, srcs []string) ([]string, error) {
	destDir := m.ArtifactsDir(sessionID, agentID)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifacts directory: %w", err)
	}

	type staged struct {
		tmp, final string
	}
	var pending []staged
	cleanup := func() {
		for _, p := range pending {
			_ = os.Remove(p.tmp)
		}
	}

	// 1. Stage every source under a temporary name.
	var rels []string
	for _, src := range srcs {
		final := filepath.Join(destDir, filepath.Base(src))
		tmp, err := copyToTemp(src, destDir)
		if err != nil {
			cleanup()
			return nil, err
		}
		pending = append(pending, staged{tmp: tmp, final: final})
		rels = append(rels, filepath.Join(artifactsDirName, agentID, filepath.Base(src)))
	}

	// 2. Rename into place; same-directory rename is atomic.
	for _, p := range pending {
		if err := os.Rename(p.tmp, p.final); err != nil {
			cleanup()
			return nil, fmt.Errorf("failed to finalise artifact copy: %w", err)
		}
	}
	return rels, nil
}

// RemoveSession deletes a session's entire directory tree.
func (m *Manager) RemoveSession(sessionID string) error {
	if err := validateID(sessionID); err != nil {
		return err
	}
	return os.RemoveAll(m.SessionDir(sessionID))
}

// ScheduleRemoval arranges for the session directory to be deleted after the
// given delay. Rescheduling replaces any pending timer; a non-positive delay
// removes immediately.
func (m *Manager) ScheduleRemoval(sessionID string, delay time.Duration) {
	if delay <= 0 {
		m.remove(sessionID)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.timers[sessionID]; ok {
		prev.Stop()
	}
	m.timers[sessionID] = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, sessionID)
		m.mu.Unlock()
		m.remove(sessionID)
	})
}

// Close cancels all pending deferred removals.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}

func (m *Manager) remove(sessionID string) {
	if err := m.RemoveSession(sessionID); err != nil {
		slog.Error("Failed to remove session workspace", "session_id", sessionID, "error", err)
		return
	}
	slog.Info("Removed session workspace", "session_id", sessionID)
}

// validateID rejects IDs that could traverse the directory tree.
func validateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid workspace identifier %q", id)
	}
	return nil
}

// resolveUnder resolves path against base and verifies the canonical result
// stays inside base. Symlinks are resolved through the nearest existing
// ancestor so escapes are caught even for files that do not exist yet.
func resolveUnder(base, path string) (string, error) {
	target := path
	if !filepath.IsAbs(target) {
		target = filepath.Join(base, target)
	}
	target = filepath.Clean(target)

	real, err := canonicalise(target)
	if err != nil {
		slog.Warn("Path resolution refused", "path", path, "base", base, "error", err)
		return "", err
	}
	if !within(real, base) {
		slog.Warn("Path containment refused", "path", path, "resolved", real, "base", base)
		return "", fmt.Errorf("%w: %s", ErrPathEscape, path)
	}
	return real, nil
}

// canonicalise resolves all symlinks in target. For non-existent paths it
// canonicalises the nearest existing ancestor and reattaches the remaining
// components. Dangling symlinks anywhere on the path are refused: a later
// write through one could land outside the tree the caller checked.
func canonicalise(target string) (string, error) {
	real, err := filepath.EvalSymlinks(target)
	if err == nil {
		return real, nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}

	dir := target
	var tail []string
	for {
		if info, err := os.Lstat(dir); err == nil && info.Mode()&os.ModeSymlink != 0 {
			return "", fmt.Errorf("%w: unresolvable symlink %s", ErrPathEscape, dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return filepath.Clean(target), nil
		}
		tail = append([]string{filepath.Base(dir)}, tail...)
		dir = parent

		if real, err := filepath.EvalSymlinks(dir); err == nil {
			parts := append([]string{real}, tail...)
			return filepath.Join(parts...), nil
		}
	}
}

// within reports whether child equals parent or lives underneath it.
func within(child, parent string) bool {
	return child == parent || strings.HasPrefix(child, parent+string(filepath.Separator))
}

func copyToTemp(src, destDir string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("failed to open artifact source: %w", err)
	}
	defer in.Close()

	out, err := os.CreateTemp(destDir, ".staged-*")
	if err != nil {
		return "", fmt.Errorf("failed to stage artifact: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", fmt.Errorf("failed to stage artifact: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return "", fmt.Errorf("failed to stage artifact: %w", err)
	}
	return out.Name(), nil
}
