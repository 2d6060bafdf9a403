// Package gitops wraps the git CLI for the worktree and merge operations the
// runner and PR cycle consume. Worktree creation/removal is the isolation
// mechanism: each workspace is an independent working directory sharing one
// repository, so agents never trample each other's files.
package gitops

import (
	"fmt"
	"os/exec"
	"strings"
)

// Repo operates on a git repository rooted at a working directory.
type Repo struct {
	dir string
}

// New creates a Repo for the given directory.
func New(dir string) *Repo {
	return &Repo{dir: dir}
}

// Dir returns the repository root this Repo operates on.
func (r *Repo) Dir() string { return r.dir }

func (r *Repo) git(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = r.dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %s", args[0], strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// IsRepo checks whether the directory is inside a git work tree.
func (r *Repo) IsRepo() bool {
	out, err := r.git("rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// CurrentBranch returns the checked-out branch name.
func (r *Repo) CurrentBranch() (string, error) {
	out, err := r.git("rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// BaseBranch detects the main/master branch, falling back to the current one.
func (r *Repo) BaseBranch() (string, error) {
	for _, name := range []string{"main", "master"} {
		if _, err := r.git("rev-parse", "--verify", name); err == nil {
			return name, nil
		}
	}
	return r.CurrentBranch()
}

// BranchExists checks whether a branch exists.
func (r *Repo) BranchExists(branch string) bool {
	_, err := r.git("rev-parse", "--verify", branch)
	return err == nil
}

// Head returns the commit hash of HEAD.
func (r *Repo) Head() (string, error) {
	out, err := r.git("rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CreateWorktree adds a worktree at path on a new branch cut from base and
// returns the worktree path. If the branch already exists it is reused.
func (r *Repo) CreateWorktree(path, branch, base string) (string, error) {
	if r.BranchExists(branch) {
		if _, err := r.git("worktree", "add", path, branch); err != nil {
			return "", err
		}
		return path, nil
	}
	if _, err := r.git("worktree", "add", "-b", branch, path, base); err != nil {
		return "", err
	}
	return path, nil
}

// RemoveWorktree detaches and prunes a worktree.
func (r *Repo) RemoveWorktree(path string) error {
	if _, err := r.git("worktree", "remove", path, "--force"); err != nil {
		return err
	}
	r.git("worktree", "prune")
	return nil
}

// ListWorktrees returns the paths of all active worktrees.
func (r *Repo) ListWorktrees() ([]string, error) {
	out, err := r.git("worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "worktree ") {
			paths = append(paths, strings.TrimPrefix(line, "worktree "))
		}
	}
	return paths, nil
}

// HasUncommittedChanges checks for dirty state in the working tree.
func (r *Repo) HasUncommittedChanges() bool {
	out, err := r.git("status", "--porcelain")
	return err == nil && strings.TrimSpace(out) != ""
}

// CommitAll stages everything and commits. Returns false when there was
// nothing to commit.
func (r *Repo) CommitAll(message string) (bool, error) {
	if _, err := r.git("add", "-A"); err != nil {
		return false, err
	}
	if _, err := r.git("diff", "--cached", "--quiet"); err == nil {
		return false, nil
	}
	if _, err := r.git("commit", "-m", message); err != nil {
		return false, err
	}
	return true, nil
}

// Checkout switches to an existing branch.
func (r *Repo) Checkout(branch string) error {
	_, err := r.git("checkout", branch)
	return err
}

// MergeResult reports the outcome of a merge attempt.
type MergeResult struct {
	Commit   string
	Conflict bool
}

// Merge merges branch into base with the given strategy (squash, merge,
// rebase) and returns the resulting commit. A conflicting merge is aborted
// and reported via Conflict rather than as an error.
func (r *Repo) Merge(base, branch, strategy, message string) (*MergeResult, error) {
	if err := r.Checkout(base); err != nil {
		return nil, err
	}

	var out string
	var err error
	switch strategy {
	case "squash":
		out, err = r.git("merge", "--squash", branch)
		if err == nil {
			_, err = r.git("commit", "-m", message)
			out = ""
		}
	case "rebase":
		// Replay the branch onto base, then fast-forward.
		if _, rerr := r.git("rebase", base, branch); rerr != nil {
			r.git("rebase", "--abort")
			r.Checkout(base)
			return &MergeResult{Conflict: true}, nil
		}
		if err := r.Checkout(base); err != nil {
			return nil, err
		}
		out, err = r.git("merge", "--ff-only", branch)
	default: // merge
		out, err = r.git("merge", "--no-ff", branch, "-m", message)
	}

	if err != nil {
		if isConflict(out, err) {
			// A conflicted --squash has no MERGE_HEAD, so abort may be a
			// no-op; reset --merge cleans up either way.
			r.git("merge", "--abort")
			r.git("reset", "--merge")
			return &MergeResult{Conflict: true}, nil
		}
		return nil, err
	}

	commit, err := r.Head()
	if err != nil {
		return nil, err
	}
	return &MergeResult{Commit: commit}, nil
}

// RebaseOnto rebases branch onto base in place. A conflict aborts the rebase
// and is reported, not returned as an error.
func (r *Repo) RebaseOnto(base, branch string) (conflict bool, err error) {
	if _, err := r.git("rebase", base, branch); err != nil {
		r.git("rebase", "--abort")
		return true, nil
	}
	return false, nil
}

// DiffStat summarizes changes between base and branch.
func (r *Repo) DiffStat(base, branch string) (string, error) {
	out, err := r.git("diff", "--stat", base+"..."+branch)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// AheadOfBase reports whether branch carries commits base does not have.
func (r *Repo) AheadOfBase(base, branch string) bool {
	out, err := r.git("rev-list", "--count", base+".."+branch)
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) != "0"
}

func isConflict(out string, err error) bool {
	text := out + " " + err.Error()
	return strings.Contains(text, "CONFLICT") || strings.Contains(text, "conflict")
}
