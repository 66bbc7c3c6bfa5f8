// Package gitops isolates each workspace on its own git branch
// (worktree/<folder>) checked out in a dedicated worktree, and merges
// finished work back to main. The main checkout doubles as the
// deployment tree: /deploy pulls it, and the rollback continuation
// file resets it when a deploy fails validation.
package gitops

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/pynchy/internal/config"
	"github.com/nextlevelbuilder/pynchy/internal/store"
	"github.com/nextlevelbuilder/pynchy/pkg/protocol"
)

// Merge policies. Workspaces may override the global policy through
// their container_config.
const (
	PolicyMerge       = "merge"
	PolicyPullRequest = "pull-request"
)

// BranchPrefix namespaces per-workspace branches.
const BranchPrefix = "worktree/"

const defaultCmdTimeout = 2 * time.Minute

// Notifier delivers post-merge notices to a workspace. The router
// implementation decides whether that lands in the running session or
// as a host-visible chat message.
type Notifier interface {
	NotifyWorkspace(ctx context.Context, folder, message string)
}

// Manager owns the main checkout and the per-workspace worktrees. All
// history-mutating operations serialize on one lock; git itself offers
// no cross-process ordering for a shared clone.
type Manager struct {
	projectDir   string
	worktreesDir string
	mainBranch   string
	remote       string
	policy       string

	groups store.GroupStore
	notify Notifier

	cmdTimeout time.Duration

	mu sync.Mutex
	wg sync.WaitGroup
}

// Option adjusts manager behavior.
type Option func(*Manager)

// WithCommandTimeout bounds each git invocation.
func WithCommandTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.cmdTimeout = d
		}
	}
}

// New builds a worktree manager from config. groups supplies
// per-workspace merge-policy overrides and notify receives post-merge
// notices; both may be nil.
func New(cfg config.GitConfig, groups store.GroupStore, notify Notifier, opts ...Option) *Manager {
	m := &Manager{
		projectDir:   cfg.ProjectDir,
		worktreesDir: cfg.WorktreesDir,
		mainBranch:   cfg.MainBranch,
		remote:       cfg.Remote,
		policy:       cfg.MergePolicy,
		groups:       groups,
		notify:       notify,
		cmdTimeout:   defaultCmdTimeout,
	}
	if m.mainBranch == "" {
		m.mainBranch = "main"
	}
	if m.worktreesDir == "" {
		m.worktreesDir = filepath.Join(filepath.Dir(cfg.ProjectDir), "worktrees")
	}
	if m.policy == "" {
		m.policy = PolicyMerge
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Close waits for background rebase broadcasts to finish.
func (m *Manager) Close() {
	m.wg.Wait()
}

// WorktreePath returns the host directory of folder's worktree.
func (m *Manager) WorktreePath(folder string) string {
	return filepath.Join(m.worktreesDir, folder)
}

// Branch returns folder's branch name.
func Branch(folder string) string {
	return BranchPrefix + folder
}

// run executes name in dir with a per-command timeout. Errors carry
// stderr, which is where git explains itself.
func (m *Manager) run(ctx context.Context, dir, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cmdTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%s %s: %s", name, args[0], msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	return m.run(ctx, dir, "git", args...)
}

func (m *Manager) isDirty(ctx context.Context, dir string) (bool, error) {
	out, err := m.git(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// revCount counts commits in the given range, e.g. "main..worktree/x".
func (m *Manager) revCount(ctx context.Context, rang string) (int, error) {
	out, err := m.git(ctx, m.projectDir, "rev-list", "--count", rang)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(out)
	if err != nil {
		return 0, fmt.Errorf("rev-list count %q: %w", out, err)
	}
	return n, nil
}

// EnsureWorktree creates folder's branch and worktree on first access
// and brings an existing worktree up to date with main. Update
// failures are non-fatal: a dirty or conflicted worktree is left
// exactly as the agent last saw it.
func (m *Manager) EnsureWorktree(ctx context.Context, folder string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wt := m.WorktreePath(folder)
	branch := Branch(folder)
	m.fetch(ctx)

	if _, err := os.Stat(filepath.Join(wt, ".git")); err == nil {
		m.updateWorktree(ctx, folder, wt)
		return wt, nil
	}

	if _, err := m.git(ctx, m.projectDir, "rev-parse", "--verify", branch); err != nil {
		if _, err := m.git(ctx, m.projectDir, "branch", branch, m.mainBranch); err != nil {
			return "", fmt.Errorf("create branch for %s: %w", folder, err)
		}
	}
	if err := os.MkdirAll(m.worktreesDir, 0o755); err != nil {
		return "", fmt.Errorf("create worktrees dir: %w", err)
	}
	if _, err := m.git(ctx, m.projectDir, "worktree", "add", wt, branch); err != nil {
		return "", fmt.Errorf("add worktree for %s: %w", folder, err)
	}
	slog.Info("git.worktree_created", "folder", folder, "branch", branch)
	return wt, nil
}

// fetch is best-effort: offline operation continues on local state.
func (m *Manager) fetch(ctx context.Context) {
	if m.remote == "" {
		return
	}
	if _, err := m.git(ctx, m.projectDir, "fetch", m.remote); err != nil {
		slog.Warn("git.fetch_failed", "remote", m.remote, "error", err)
	}
}

// updateWorktree fast-forwards from main, falling back to a rebase
// when the branch has its own commits. The branch is checked out in
// the worktree, so the rebase must run there, not in the main clone.
func (m *Manager) updateWorktree(ctx context.Context, folder, wt string) {
	dirty, err := m.isDirty(ctx, wt)
	if err != nil || dirty {
		return
	}
	if _, err := m.git(ctx, wt, "merge", "--ff-only", m.mainBranch); err == nil {
		return
	}
	if _, err := m.git(ctx, wt, "rebase", m.mainBranch); err != nil {
		// Routine updates must not wedge the tree in a half-rebase.
		m.git(ctx, wt, "rebase", "--abort")
		slog.Warn("git.worktree_update_failed", "folder", folder, "error", err)
	}
}

func (m *Manager) policyFor(folder string) string {
	if m.groups != nil {
		if p, err := m.groups.GetByFolder(folder); err == nil && p != nil && p.Overrides.MergePolicy != "" {
			return p.Overrides.MergePolicy
		}
	}
	return m.policy
}

// MergeWorktreeToMain lands folder's commits on main: rebase the
// worktree onto main, fast-forward main, push with one rebase-retry.
// Under the pull-request policy the branch is pushed instead and main
// is left alone. The error return is for operational failures only;
// policy outcomes (conflict, dirty tree, up to date) ride the outcome.
func (m *Manager) MergeWorktreeToMain(ctx context.Context, folder string) (protocol.MergeOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wt := m.WorktreePath(folder)
	branch := Branch(folder)
	if _, err := os.Stat(filepath.Join(wt, ".git")); err != nil {
		return protocol.MergeOutcome{}, fmt.Errorf("workspace %s has no worktree", folder)
	}

	dirty, err := m.isDirty(ctx, wt)
	if err != nil {
		return protocol.MergeOutcome{}, err
	}
	if dirty {
		return protocol.MergeOutcome{
			Status: protocol.MergeStatusError,
			Detail: "uncommitted changes in worktree; commit or stash before syncing",
		}, nil
	}

	m.fetch(ctx)

	ahead, err := m.revCount(ctx, m.mainBranch+".."+branch)
	if err != nil {
		return protocol.MergeOutcome{}, err
	}
	if ahead == 0 {
		return protocol.MergeOutcome{Status: protocol.MergeStatusUpToDate}, nil
	}

	if _, err := m.git(ctx, wt, "rebase", m.mainBranch); err != nil {
		// Markers stay in place; the agent resolves inside its worktree.
		return protocol.MergeOutcome{
			Status: protocol.MergeStatusConflict,
			Detail: fmt.Sprintf("rebase onto %s hit conflicts; resolve in the worktree, `git rebase --continue`, then sync again", m.mainBranch),
		}, nil
	}

	subject, _ := m.git(ctx, wt, "log", "-1", "--format=%s")

	if m.policyFor(folder) == PolicyPullRequest {
		return m.pushPullRequest(ctx, folder, branch, ahead, subject)
	}

	if _, err := m.git(ctx, m.projectDir, "merge", "--ff-only", branch); err != nil {
		return protocol.MergeOutcome{}, fmt.Errorf("fast-forward %s: %w", m.mainBranch, err)
	}
	slog.Info("git.merged", "folder", folder, "commits", ahead, "subject", subject)

	outcome := protocol.MergeOutcome{
		Status:  protocol.MergeStatusMerged,
		Detail:  subject,
		Commits: ahead,
	}
	if m.remote != "" {
		if err := m.pushMainWithRetry(ctx); err != nil {
			// The merge is already on local main; the next sync's push
			// carries it.
			slog.Error("git.push_failed", "error", err)
			outcome.Detail = fmt.Sprintf("merged %d commits; push to %s failed: %v", ahead, m.remote, err)
		}
	}

	m.wg.Add(1)
	go m.broadcastRebase(folder, subject)

	return outcome, nil
}

// pushMainWithRetry pushes main, rebasing once onto the remote when it
// advanced between fetch and push.
func (m *Manager) pushMainWithRetry(ctx context.Context) error {
	if _, err := m.git(ctx, m.projectDir, "push", m.remote, m.mainBranch); err == nil {
		return nil
	}
	if _, err := m.git(ctx, m.projectDir, "pull", "--rebase", m.remote, m.mainBranch); err != nil {
		return err
	}
	_, err := m.git(ctx, m.projectDir, "push", m.remote, m.mainBranch)
	return err
}

// pushPullRequest pushes folder's branch and opens a PR through the gh
// CLI when one is installed. Without gh the push alone is the outcome;
// no forge API client is carried for this.
func (m *Manager) pushPullRequest(ctx context.Context, folder, branch string, ahead int, subject string) (protocol.MergeOutcome, error) {
	if m.remote == "" {
		return protocol.MergeOutcome{
			Status: protocol.MergeStatusError,
			Detail: "pull-request policy requires a configured remote",
		}, nil
	}
	// The rebase rewrote the branch, so an earlier push must be replaced.
	if _, err := m.git(ctx, m.projectDir, "push", "--force-with-lease", m.remote, branch); err != nil {
		return protocol.MergeOutcome{}, fmt.Errorf("push %s: %w", branch, err)
	}

	detail := fmt.Sprintf("pushed %s (%d commits); open a pull request to merge", branch, ahead)
	if gh, err := exec.LookPath("gh"); err == nil {
		out, err := m.run(ctx, m.projectDir, gh, "pr", "create", "--fill", "--head", branch, "--base", m.mainBranch)
		switch {
		case err == nil:
			detail = "opened pull request: " + out
		case strings.Contains(err.Error(), "already exists"):
			detail = fmt.Sprintf("updated pull request for %s (%d commits)", branch, ahead)
		default:
			slog.Warn("git.pr_create_failed", "folder", folder, "error", err)
		}
	}
	slog.Info("git.branch_pushed", "folder", folder, "branch", branch, "commits", ahead, "subject", subject)
	return protocol.MergeOutcome{Status: protocol.MergeStatusPR, Detail: detail, Commits: ahead}, nil
}

// broadcastRebase brings every other worktree up to date after a merge
// moved main. Clean trees are rebased; dirty or conflicted ones only
// get told.
func (m *Manager) broadcastRebase(merged, subject string) {
	defer m.wg.Done()
	ctx := context.Background()

	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.worktreesDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == merged {
			continue
		}
		folder := e.Name()
		wt := filepath.Join(m.worktreesDir, folder)
		if _, err := os.Stat(filepath.Join(wt, ".git")); err != nil {
			continue
		}

		behind, err := m.revCount(ctx, Branch(folder)+".."+m.mainBranch)
		if err != nil || behind == 0 {
			continue
		}
		dirty, err := m.isDirty(ctx, wt)
		if err != nil {
			continue
		}
		if dirty {
			m.notifyWorkspace(ctx, folder, fmt.Sprintf(
				"Main advanced by %d commits (%s). Your worktree has uncommitted changes; stash or commit, then sync.", behind, subject))
			continue
		}
		if _, err := m.git(ctx, wt, "rebase", m.mainBranch); err != nil {
			m.notifyWorkspace(ctx, folder, fmt.Sprintf(
				"Rebase onto %s hit conflicts; resolve them, then `git rebase --continue`.", m.mainBranch))
			continue
		}
		m.notifyWorkspace(ctx, folder, fmt.Sprintf(
			"Auto-rebased %d commits from main; latest: %s", behind, subject))
	}
}

func (m *Manager) notifyWorkspace(ctx context.Context, folder, message string) {
	if m.notify == nil {
		return
	}
	m.notify.NotifyWorkspace(ctx, folder, message)
}

// HeadSHA returns the current commit of the main checkout.
func (m *Manager) HeadSHA(ctx context.Context) (string, error) {
	return m.git(ctx, m.projectDir, "rev-parse", "HEAD")
}

// HeadSubject returns the subject line of the current commit.
func (m *Manager) HeadSubject(ctx context.Context) (string, error) {
	return m.git(ctx, m.projectDir, "log", "-1", "--format=%s")
}

// PullMain fast-forwards the deployment checkout for /deploy.
func (m *Manager) PullMain(ctx context.Context) error {
	if m.remote == "" {
		return fmt.Errorf("no remote configured")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.git(ctx, m.projectDir, "pull", "--ff-only", m.remote, m.mainBranch)
	return err
}

// ResetHard moves the deployment checkout back to sha. Used by the
// rollback continuation on the start after a failed deploy.
func (m *Manager) ResetHard(ctx context.Context, sha string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.git(ctx, m.projectDir, "reset", "--hard", sha)
	return err
}
