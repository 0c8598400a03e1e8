// Package git keeps a commit history of the profile's non-secret state
// snapshot. The vault file and anything derived from secret material must
// never be added to the repository.
package git

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Status represents repository state following a commit attempt.
type Status struct {
	Committed bool   `json:"committed"`
	Hash      string `json:"hash,omitempty"`
}

// Repo wraps a go-git repository rooted at the profile directory.
type Repo struct {
	path string
	repo *gogit.Repository
}

// Open opens the repository at path, initializing it on first use.
func Open(path string) (*Repo, error) {
	repo, err := gogit.PlainOpen(path)
	if errors.Is(err, gogit.ErrRepositoryNotExists) {
		repo, err = gogit.PlainInit(path, false)
	}
	if err != nil {
		return nil, err
	}
	return &Repo{path: path, repo: repo}, nil
}

// Commit stages files (paths relative to or inside the repo root) and
// records a commit. A clean worktree yields Committed=false rather than
// an error.
func (r *Repo) Commit(ctx context.Context, message string, files []string) (Status, error) {
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}
	wt, err := r.repo.Worktree()
	if err != nil {
		return Status{}, err
	}
	for _, file := range files {
		rel := file
		if filepath.IsAbs(file) {
			rel, err = filepath.Rel(r.path, file)
			if err != nil {
				return Status{}, err
			}
		}
		if _, err := wt.Add(rel); err != nil {
			return Status{}, err
		}
	}
	status, err := wt.Status()
	if err != nil {
		return Status{}, err
	}
	if status.IsClean() {
		return Status{Committed: false}, nil
	}
	hash, err := wt.Commit(message, &gogit.CommitOptions{
		Author: &object.Signature{
			Name:  "walletd",
			Email: "walletd@localhost",
			When:  time.Now(),
		},
	})
	if err != nil {
		return Status{}, err
	}
	return Status{Committed: true, Hash: hash.String()}, nil
}

// Push pushes to the configured origin; up-to-date is not an error.
func (r *Repo) Push(ctx context.Context) error {
	err := r.repo.PushContext(ctx, &gogit.PushOptions{})
	if errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return nil
	}
	return err
}

// Pull fetches and fast-forwards from origin; up-to-date is not an error.
func (r *Repo) Pull(ctx context.Context) error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return err
	}
	err = wt.PullContext(ctx, &gogit.PullOptions{})
	if errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return nil
	}
	return err
}
