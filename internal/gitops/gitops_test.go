package gitops

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func initRepo(t *testing.T) *Repo {
	t.Helper()
	dir := t.TempDir()
	r := New(dir)
	gitRun(t, dir, "init", "-b", "main")
	gitRun(t, dir, "config", "user.email", "test@example.com")
	gitRun(t, dir, "config", "user.name", "test")
	writeFile(t, dir, "file.txt", "base\n")
	gitRun(t, dir, "add", "-A")
	gitRun(t, dir, "commit", "-m", "base")
	return r
}

func gitRun(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %s", args, out)
	}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestIsRepoAndBaseBranch(t *testing.T) {
	r := initRepo(t)
	if !r.IsRepo() {
		t.Error("initialized repo not recognized")
	}
	base, err := r.BaseBranch()
	if err != nil || base != "main" {
		t.Errorf("base branch %q err %v", base, err)
	}

	plain := New(t.TempDir())
	if plain.IsRepo() {
		t.Error("plain directory recognized as repo")
	}
}

func TestWorktreeLifecycle(t *testing.T) {
	r := initRepo(t)
	wtPath := filepath.Join(t.TempDir(), "wt")

	got, err := r.CreateWorktree(wtPath, "foreman/wf_1", "main")
	if err != nil {
		t.Fatalf("CreateWorktree: %v", err)
	}
	if got != wtPath {
		t.Errorf("worktree path %q", got)
	}

	wt := New(wtPath)
	branch, _ := wt.CurrentBranch()
	if branch != "foreman/wf_1" {
		t.Errorf("worktree branch %q", branch)
	}

	paths, err := r.ListWorktrees()
	if err != nil {
		t.Fatalf("ListWorktrees: %v", err)
	}
	found := false
	for _, p := range paths {
		if strings.Contains(p, "wt") {
			found = true
		}
	}
	if !found {
		t.Errorf("worktree not listed: %v", paths)
	}

	if err := r.RemoveWorktree(wtPath); err != nil {
		t.Fatalf("RemoveWorktree: %v", err)
	}
	if _, err := os.Stat(wtPath); !os.IsNotExist(err) {
		t.Error("worktree directory survived removal")
	}
}

func TestCreateWorktree_ReusesExistingBranch(t *testing.T) {
	r := initRepo(t)
	first := filepath.Join(t.TempDir(), "first")
	if _, err := r.CreateWorktree(first, "foreman/wf_1", "main"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.RemoveWorktree(first); err != nil {
		t.Fatalf("remove: %v", err)
	}

	second := filepath.Join(t.TempDir(), "second")
	if _, err := r.CreateWorktree(second, "foreman/wf_1", "main"); err != nil {
		t.Fatalf("recreate on existing branch: %v", err)
	}
}

func TestCommitAll(t *testing.T) {
	r := initRepo(t)

	// Nothing staged.
	committed, err := r.CommitAll("empty")
	if err != nil {
		t.Fatalf("CommitAll: %v", err)
	}
	if committed {
		t.Error("empty tree reported committed")
	}

	writeFile(t, r.Dir(), "new.txt", "content\n")
	if !r.HasUncommittedChanges() {
		t.Error("dirty tree not detected")
	}
	committed, err = r.CommitAll("add new file")
	if err != nil || !committed {
		t.Fatalf("CommitAll: committed=%v err=%v", committed, err)
	}
	if r.HasUncommittedChanges() {
		t.Error("tree dirty after commit")
	}
}

func featureBranch(t *testing.T, r *Repo, conflicting bool) {
	t.Helper()
	gitRun(t, r.Dir(), "checkout", "-b", "feature")
	if conflicting {
		writeFile(t, r.Dir(), "file.txt", "feature side\n")
	} else {
		writeFile(t, r.Dir(), "feature.txt", "feature\n")
	}
	gitRun(t, r.Dir(), "add", "-A")
	gitRun(t, r.Dir(), "commit", "-m", "feature work")
	gitRun(t, r.Dir(), "checkout", "main")
	if conflicting {
		writeFile(t, r.Dir(), "file.txt", "main side\n")
		gitRun(t, r.Dir(), "add", "-A")
		gitRun(t, r.Dir(), "commit", "-m", "mainline work")
	}
}

func TestMerge_Strategies(t *testing.T) {
	for _, strategy := range []string{"squash", "merge", "rebase"} {
		t.Run(strategy, func(t *testing.T) {
			r := initRepo(t)
			featureBranch(t, r, false)

			mr, err := r.Merge("main", "feature", strategy, "land feature")
			if err != nil {
				t.Fatalf("Merge: %v", err)
			}
			if mr.Conflict {
				t.Fatal("clean merge reported conflict")
			}
			if mr.Commit == "" {
				t.Error("no merge commit reported")
			}
			if _, err := os.Stat(filepath.Join(r.Dir(), "feature.txt")); err != nil {
				t.Error("feature file missing after merge")
			}
		})
	}
}

func TestMerge_ConflictAbortsCleanly(t *testing.T) {
	for _, strategy := range []string{"squash", "merge", "rebase"} {
		t.Run(strategy, func(t *testing.T) {
			r := initRepo(t)
			featureBranch(t, r, true)

			mr, err := r.Merge("main", "feature", strategy, "land feature")
			if err != nil {
				t.Fatalf("Merge: %v", err)
			}
			if !mr.Conflict {
				t.Fatal("conflict not reported")
			}
			if r.HasUncommittedChanges() {
				t.Error("conflicted merge left the tree dirty")
			}
			// A second attempt must start from the same clean state.
			mr, err = r.Merge("main", "feature", strategy, "retry")
			if err != nil || !mr.Conflict {
				t.Errorf("retry after abort: %+v err %v", mr, err)
			}
		})
	}
}

func TestAheadOfBaseAndDiffStat(t *testing.T) {
	r := initRepo(t)
	featureBranch(t, r, false)

	if !r.AheadOfBase("main", "feature") {
		t.Error("feature not reported ahead")
	}
	if r.AheadOfBase("feature", "main") {
		t.Error("main reported ahead of feature")
	}

	stat, err := r.DiffStat("main", "feature")
	if err != nil {
		t.Fatalf("DiffStat: %v", err)
	}
	if !strings.Contains(stat, "feature.txt") {
		t.Errorf("diff stat %q", stat)
	}
}

func TestRebaseOnto(t *testing.T) {
	r := initRepo(t)
	featureBranch(t, r, false)
	// Advance main so the feature branch is actually behind.
	writeFile(t, r.Dir(), "main.txt", "more\n")
	gitRun(t, r.Dir(), "add", "-A")
	gitRun(t, r.Dir(), "commit", "-m", "advance main")

	conflict, err := r.RebaseOnto("main", "feature")
	if err != nil {
		t.Fatalf("RebaseOnto: %v", err)
	}
	if conflict {
		t.Fatal("clean rebase reported conflict")
	}
	if !r.AheadOfBase("main", "feature") {
		t.Error("rebased branch lost its commits")
	}
}
