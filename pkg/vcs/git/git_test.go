package git

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenInitsRepository(t *testing.T) {
	dir := t.TempDir()
	if _, err := Open(dir); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		t.Fatalf("expected .git directory: %v", err)
	}
	// Opening again finds the existing repository.
	if _, err := Open(dir); err != nil {
		t.Fatalf("reopen: %v", err)
	}
}

func TestCommitAndCleanWorktree(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	repo, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	path := filepath.Join(dir, "snapshot.json")
	if err := os.WriteFile(path, []byte(`{"status":"locked"}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	status, err := repo.Commit(ctx, "state: locked, 0 accounts", []string{"snapshot.json"})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !status.Committed || status.Hash == "" {
		t.Fatalf("expected a commit, got %+v", status)
	}

	// Nothing changed, so a second commit attempt reports a clean
	// worktree instead of failing.
	status, err = repo.Commit(ctx, "state: locked, 0 accounts", []string{"snapshot.json"})
	if err != nil {
		t.Fatalf("clean commit: %v", err)
	}
	if status.Committed {
		t.Fatalf("expected clean worktree, got %+v", status)
	}

	if err := os.WriteFile(path, []byte(`{"status":"ready"}`), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	status, err = repo.Commit(ctx, "state: ready, 1 accounts", []string{path})
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if !status.Committed {
		t.Fatalf("expected a commit after change, got %+v", status)
	}
}
