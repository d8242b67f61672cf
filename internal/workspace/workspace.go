// Package workspace is Conductor's Workspace Manager: a single coherent
// working tree per task id, with clone-or-reuse, branch management, commit,
// and push (spec §4.6). Git operations shell out to the system git binary
// the way other_examples' alekspetrov-pilot NewGitOperations wraps
// exec.CommandContext for branch/commit/push plumbing; no example repo in
// the pack vendors a pure-Go git library, so this stays on os/exec
// deliberately (see DESIGN.md's standard-library justifications).
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Workspace is a prepared working tree ready for agent use.
type Workspace struct {
	Path       string
	BranchName string
	BaseBranch string
}

// Credential scopes a clone to one installation's short-lived token.
type Credential struct {
	Username string
	Token    string
}

// BotIdentity is the commit author used for all Conductor-authored commits.
type BotIdentity struct {
	Name  string
	Email string
}

// Manager provides prepareWorkspace/commitAndPush/cleanup with a per-task-id
// mutual-exclusion lock, generalising the teacher's
// `configurationLock sync.RWMutex` getter/setter discipline (server/plugin.go)
// from "one global config lock" to "one lock per task id".
type Manager struct {
	root  string
	bot   BotIdentity
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager returns a Manager rooted at workspacesRoot
// (<workspaces_root>/<task_id> per task).
func NewManager(workspacesRoot string, bot BotIdentity) *Manager {
	return &Manager{root: workspacesRoot, bot: bot, locks: make(map[string]*sync.Mutex)}
}

func (m *Manager) lockFor(taskID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[taskID] = l
	}
	return l
}

// Lock acquires the per-task mutual-exclusion lock, blocking until
// available, and returns a function that releases it.
func (m *Manager) Lock(taskID string) func() {
	l := m.lockFor(taskID)
	l.Lock()
	return l.Unlock
}

func (m *Manager) pathFor(taskID string) string { return filepath.Join(m.root, taskID) }

// Path returns the working tree path for a task id without touching disk,
// used by callers that already hold a prepared workspace's lock and need to
// reference its location (e.g. to commit/push or run a test command).
func (m *Manager) Path(taskID string) string { return m.pathFor(taskID) }

func (m *Manager) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), errors.Wrapf(err, "git %s failed: %s", strings.Join(args, " "), string(out))
	}
	return string(out), nil
}

func isGitCheckout(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil && info != nil
}

// PrepareWorkspace implements spec §4.6's four-step contract. The caller is
// expected to hold the per-task lock via Lock before calling this.
func (m *Manager) PrepareWorkspace(ctx context.Context, taskID, repoCloneURL, branchName, defaultBranch string, cred Credential) (*Workspace, error) {
	path := m.pathFor(taskID)

	if isGitCheckout(path) {
		if _, err := m.run(ctx, path, "fetch", "origin"); err != nil {
			return nil, err
		}
		if _, err := m.run(ctx, path, "checkout", branchName); err != nil {
			if _, err := m.run(ctx, path, "checkout", "-b", branchName, "origin/"+defaultBranch); err != nil {
				return nil, err
			}
		}
		return &Workspace{Path: path, BranchName: branchName, BaseBranch: defaultBranch}, nil
	}

	if err := os.RemoveAll(path); err != nil {
		return nil, errors.Wrap(err, "failed to clear partial workspace")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create workspaces root")
	}

	cloneURL := scopeCredential(repoCloneURL, cred)
	if _, err := m.run(ctx, filepath.Dir(path), "clone", cloneURL, path); err != nil {
		return nil, err
	}
	if _, err := m.run(ctx, path, "config", "user.name", m.bot.Name); err != nil {
		return nil, err
	}
	if _, err := m.run(ctx, path, "config", "user.email", m.bot.Email); err != nil {
		return nil, err
	}
	if _, err := m.run(ctx, path, "checkout", "-b", branchName); err != nil {
		return nil, err
	}

	return &Workspace{Path: path, BranchName: branchName, BaseBranch: defaultBranch}, nil
}

// scopeCredential embeds a short-lived installation token into an HTTPS
// clone URL (x-access-token convention used by GitHub App installations).
func scopeCredential(cloneURL string, cred Credential) string {
	if cred.Token == "" || !strings.HasPrefix(cloneURL, "https://") {
		return cloneURL
	}
	user := cred.Username
	if user == "" {
		user = "x-access-token"
	}
	return strings.Replace(cloneURL, "https://", fmt.Sprintf("https://%s:%s@", user, cred.Token), 1)
}

// CommitAndPush stages all changes and, if the tree is dirty, commits as the
// bot identity and pushes the branch. Returns the new head commit id, or the
// empty string if there was nothing to commit. A push failure is returned
// alongside the new head commit id, so callers may treat it as non-fatal,
// matching spec §4.6.
func (m *Manager) CommitAndPush(ctx context.Context, ws *Workspace, message string) (string, error) {
	if _, err := m.run(ctx, ws.Path, "add", "-A"); err != nil {
		return "", err
	}

	status, err := m.run(ctx, ws.Path, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(status) == "" {
		return "", nil
	}

	if _, err := m.run(ctx, ws.Path, "commit", "-m", message); err != nil {
		return "", err
	}

	head, err := m.run(ctx, ws.Path, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	headSHA := strings.TrimSpace(head)

	if _, err := m.run(ctx, ws.Path, "push", "-u", "origin", ws.BranchName); err != nil {
		return headSHA, err
	}
	return headSHA, nil
}

// Cleanup best-effort removes the task's working tree.
func (m *Manager) Cleanup(taskID string) {
	_ = os.RemoveAll(m.pathFor(taskID))
}

// ReadFile returns one file's current contents from the task's working
// tree, used by the Reviewer's fallback diff path (spec §4.8) when the
// source-forge compare-commits call is unavailable.
func (m *Manager) ReadFile(taskID, path string) (string, error) {
	content, err := os.ReadFile(filepath.Join(m.pathFor(taskID), path))
	if err != nil {
		return "", errors.Wrapf(err, "failed to read %s from workspace", path)
	}
	return string(content), nil
}

// GitStatus returns the union of modified-and-staged and untracked file
// paths in the task's working tree ("git status --porcelain" plus
// "git ls-files -o --exclude-standard"), used to supplement the Fixer's
// runner-reported file list with a source-control-derived one (spec §4.9).
func (m *Manager) GitStatus(ctx context.Context, taskID string) ([]string, error) {
	path := m.pathFor(taskID)

	var files []string
	status, err := m.run(ctx, path, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	for _, line := range strings.Split(status, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		files = append(files, fields[len(fields)-1])
	}

	untracked, err := m.run(ctx, path, "ls-files", "-o", "--exclude-standard")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(files))
	for _, f := range files {
		seen[f] = true
	}
	for _, line := range strings.Split(untracked, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !seen[line] {
			seen[line] = true
			files = append(files, line)
		}
	}

	return files, nil
}

// RunTestCommand runs cmdline in ws with a hard cap, used by the smoke-test
// stage (spec §4.4 smoke_test). Absence of a test command is treated by the
// caller as success, not represented here.
func (m *Manager) RunTestCommand(ctx context.Context, ws *Workspace, cmdline string, cap time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, cap)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", cmdline)
	cmd.Dir = ws.Path
	out, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "test command failed: %s", string(out))
	}
	return nil
}
