// Package worktree manages git worktrees so a loop can run an agent on
// an isolated branch instead of the live checkout.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/flywheeldev/flywheel/internal/debug"
)

const worktreeDir = ".flywheel-worktrees"

// Info describes an active flywheel-managed worktree.
type Info struct {
	Path   string
	Branch string
}

// Manager creates, finishes and cleans up worktrees under one git
// repository root.
type Manager struct {
	repoRoot string
}

// NewManager creates a Manager rooted at the given repository root.
func NewManager(repoRoot string) *Manager {
	return &Manager{repoRoot: repoRoot}
}

// RepoRoot resolves the repository top level containing dir.
func RepoRoot(ctx context.Context, dir string) (string, error) {
	out, err := gitIn(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("%s is not inside a git repository", dir)
	}
	return strings.TrimSpace(out), nil
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

func sanitize(s string) string {
	return unsafeChars.ReplaceAllString(s, "_")
}

var branchNonce atomic.Uint64

// BranchName builds a conventional branch name for a run.
func BranchName(runID string) string {
	short := runID
	if len(short) > 8 {
		short = short[:8]
	}
	ts := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("flywheel/%s/%s-%d", sanitize(short), ts, branchNonce.Add(1))
}

// Create makes a new branch at HEAD and checks it out in a worktree
// under .flywheel-worktrees/. It returns the worktree path on disk.
func (m *Manager) Create(ctx context.Context, branch string) (string, error) {
	debug.LogKV("worktree", "Create()", "branch", branch, "repo_root", m.repoRoot)
	base := filepath.Join(m.repoRoot, worktreeDir)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return "", fmt.Errorf("creating worktree dir: %w", err)
	}
	wtPath := filepath.Join(base, sanitize(branch))

	head, err := m.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("rev-parse HEAD: %w", err)
	}
	if _, err := m.run(ctx, "branch", branch, head); err != nil {
		return "", fmt.Errorf("creating branch %s: %w", branch, err)
	}
	if _, err := m.run(ctx, "worktree", "add", wtPath, branch); err != nil {
		m.run(ctx, "branch", "-D", branch)
		return "", fmt.Errorf("worktree add: %w", err)
	}

	debug.LogKV("worktree", "created", "branch", branch, "path", wtPath, "head", head)
	return wtPath, nil
}

// Remove removes a worktree, falling back to manual cleanup when git
// refuses.
func (m *Manager) Remove(ctx context.Context, wtPath string) error {
	_, err := m.run(ctx, "worktree", "remove", "--force", wtPath)
	if err == nil {
		return nil
	}
	defer m.run(ctx, "worktree", "prune")
	if removeErr := os.RemoveAll(wtPath); removeErr != nil {
		return fmt.Errorf("worktree remove failed (%w) and manual cleanup also failed: %v", err, removeErr)
	}
	return nil
}

// RemoveWithBranch removes a worktree and deletes its branch.
func (m *Manager) RemoveWithBranch(ctx context.Context, wtPath, branch string) error {
	if err := m.Remove(ctx, wtPath); err != nil {
		return err
	}
	if branch != "" {
		m.run(ctx, "branch", "-D", branch)
	}
	return nil
}

// AutoCommitIfDirty stages and commits everything the run left behind
// in the worktree. It returns (commitHash, committed, error); committed
// is false when the tree was already clean.
func (m *Manager) AutoCommitIfDirty(ctx context.Context, wtPath, message string) (string, bool, error) {
	debug.LogKV("worktree", "AutoCommitIfDirty()", "path", wtPath)
	if strings.TrimSpace(wtPath) == "" {
		return "", false, fmt.Errorf("worktree path is empty")
	}

	status, err := gitIn(ctx, wtPath, "status", "--porcelain")
	if err != nil {
		return "", false, fmt.Errorf("status in worktree %s: %w", wtPath, err)
	}
	if strings.TrimSpace(status) == "" {
		return "", false, nil
	}

	if _, err := gitIn(ctx, wtPath, "add", "-A"); err != nil {
		return "", false, fmt.Errorf("staging changes in worktree %s: %w", wtPath, err)
	}
	// A stable local identity so the commit works without user-level
	// git config.
	if _, err := gitIn(ctx, wtPath,
		"-c", "user.name=flywheel",
		"-c", "user.email=flywheel@local",
		"commit", "-m", message,
	); err != nil {
		return "", false, fmt.Errorf("auto-commit in worktree %s: %w", wtPath, err)
	}

	hash, err := gitIn(ctx, wtPath, "rev-parse", "HEAD")
	if err != nil {
		return "", false, fmt.Errorf("rev-parse HEAD in worktree %s: %w", wtPath, err)
	}
	return strings.TrimSpace(hash), true, nil
}

// Finish commits whatever the run left dirty, removes the worktree and
// reports whether the branch carries commits beyond the repository
// HEAD. A branch with nothing on it is deleted.
func (m *Manager) Finish(ctx context.Context, wtPath, branch, message string) (kept bool, err error) {
	if _, _, err := m.AutoCommitIfDirty(ctx, wtPath, message); err != nil {
		return false, err
	}

	ahead := 0
	if out, err := m.run(ctx, "rev-list", "--count", "HEAD.."+branch); err == nil {
		ahead, _ = strconv.Atoi(out)
	}
	if ahead == 0 {
		return false, m.RemoveWithBranch(ctx, wtPath, branch)
	}

	debug.LogKV("worktree", "finished", "branch", branch, "commits", ahead)
	return true, m.Remove(ctx, wtPath)
}

// ListActive returns all worktrees under .flywheel-worktrees/.
func (m *Manager) ListActive(ctx context.Context) ([]Info, error) {
	out, err := m.run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}

	// Porcelain output is blocks of "worktree <path>" followed by
	// attribute lines; only blocks under our directory count.
	base := filepath.Join(m.repoRoot, worktreeDir)
	var (
		result  []Info
		current Info
	)
	flush := func() {
		if current.Path != "" && strings.HasPrefix(current.Path, base) {
			result = append(result, current)
		}
		current = Info{}
	}
	for _, line := range strings.Split(out, "\n") {
		if path, ok := strings.CutPrefix(line, "worktree "); ok {
			flush()
			current.Path = path
		} else if branch, ok := strings.CutPrefix(line, "branch refs/heads/"); ok {
			current.Branch = branch
		}
	}
	flush()
	return result, nil
}

// CleanupAll removes every flywheel-managed worktree and branch. Used
// for crash recovery.
func (m *Manager) CleanupAll(ctx context.Context) error {
	active, err := m.ListActive(ctx)
	if err != nil {
		return err
	}
	for _, wt := range active {
		if err := m.RemoveWithBranch(ctx, wt.Path, wt.Branch); err != nil {
			debug.LogKV("worktree", "CleanupAll: remove failed", "path", wt.Path, "branch", wt.Branch, "error", err)
		}
	}
	os.RemoveAll(filepath.Join(m.repoRoot, worktreeDir))
	m.run(ctx, "worktree", "prune")
	return nil
}

// CleanupStale removes worktrees older than maxAge. Safe to call on
// every startup.
func (m *Manager) CleanupStale(ctx context.Context, maxAge time.Duration) (removed int, _ error) {
	if maxAge <= 0 {
		return 0, nil
	}
	active, err := m.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	for _, wt := range active {
		info, err := os.Stat(wt.Path)
		if err != nil || time.Since(info.ModTime()) <= maxAge {
			continue
		}
		if err := m.RemoveWithBranch(ctx, wt.Path, wt.Branch); err != nil {
			debug.LogKV("worktree", "CleanupStale: remove failed", "path", wt.Path, "branch", wt.Branch, "error", err)
		}
		removed++
	}

	if removed > 0 {
		m.run(ctx, "worktree", "prune")
	}
	return removed, nil
}

// run executes git in the repository root.
func (m *Manager) run(ctx context.Context, args ...string) (string, error) {
	return gitIn(ctx, m.repoRoot, args...)
}

// gitIn executes git in dir and returns trimmed combined output. Errors
// carry the output since git explains itself on stderr.
func gitIn(ctx context.Context, dir string, args ...string) (string, error) {
	debug.LogKV("worktree", "git exec", "cmd", "git "+strings.Join(args, " "), "dir", dir)
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		debug.LogKV("worktree", "git exec failed", "cmd", "git "+strings.Join(args, " "), "error", err, "output_len", len(out))
		return strings.TrimSpace(string(out)), fmt.Errorf("git %s: %s: %w", args[0], strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}
