// Package reposync brings a book's working copy up to date from its remote
// repository. Policy: pull if a copy exists, otherwise clone; a clone that
// fails because the target is already initialized gets one wipe-and-retry;
// anything else is a fatal sync error. Every step is echoed into the build
// log as it happens.
package reposync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"git.home.luguber.info/inful/bookpub/internal/buildlog"
	git "github.com/go-git/go-git/v5"
)

// SyncError is a fatal synchronization failure: the retry policy is
// exhausted and the build cannot proceed.
type SyncError struct {
	URL string
	Err error
}

func (e *SyncError) Error() string { return fmt.Sprintf("sync %s: %v", e.URL, e.Err) }
func (e *SyncError) Unwrap() error { return e.Err }

// gitOps abstracts the three repository operations so the retry policy can
// be tested without a remote.
type gitOps interface {
	Pull(ctx context.Context, path string, log *buildlog.Writer) error
	Clone(ctx context.Context, path, url string, log *buildlog.Writer) error
	AlreadyExists(err error) bool
}

// Syncer updates working copies using go-git.
type Syncer struct {
	ops gitOps
}

// New returns a Syncer backed by go-git.
func New() *Syncer { return &Syncer{ops: goGitOps{}} }

// Sync makes the working copy at path match the remote at url, logging
// every operation and its outcome into log.
func (s *Syncer) Sync(ctx context.Context, path, url string, log *buildlog.Writer) error {
	if hasWorkingCopy(path) {
		log.Command("git", "pull")
		err := s.ops.Pull(ctx, path, log)
		if err == nil {
			return nil
		}
		log.Printf("pull failed: %v", err)
	}

	log.Command("git", "clone", url, path)
	err := s.ops.Clone(ctx, path, url, log)
	if err == nil {
		return nil
	}

	if !s.ops.AlreadyExists(err) {
		return &SyncError{URL: url, Err: err}
	}

	// The path holds a corrupt or foreign checkout. Wipe and retry exactly
	// once; a second identical failure propagates.
	log.Printf("clone target already initialized, wiping %s", path)
	if rmErr := os.RemoveAll(path); rmErr != nil {
		return &SyncError{URL: url, Err: fmt.Errorf("wipe working copy: %w", rmErr)}
	}
	log.Command("git", "clone", url, path)
	if err := s.ops.Clone(ctx, path, url, log); err != nil {
		return &SyncError{URL: url, Err: err}
	}
	return nil
}

func hasWorkingCopy(path string) bool {
	_, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil
}

// goGitOps implements gitOps with go-git, streaming transfer progress into
// the build log.
type goGitOps struct{}

func (goGitOps) Pull(ctx context.Context, path string, log *buildlog.Writer) error {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}
	err = wt.PullContext(ctx, &git.PullOptions{RemoteName: "origin", Progress: log})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		log.Printf("already up to date")
		return nil
	}
	if err != nil {
		return fmt.Errorf("pull: %w", err)
	}
	logHead(repo, log)
	return nil
}

func (goGitOps) Clone(ctx context.Context, path, url string, log *buildlog.Writer) error {
	repo, err := git.PlainCloneContext(ctx, path, false, &git.CloneOptions{
		URL:      url,
		Progress: log,
	})
	if err != nil {
		return fmt.Errorf("clone %s: %w", url, err)
	}
	logHead(repo, log)
	return nil
}

func (goGitOps) AlreadyExists(err error) bool {
	return errors.Is(err, git.ErrRepositoryAlreadyExists)
}

func logHead(repo *git.Repository, log *buildlog.Writer) {
	if ref, err := repo.Head(); err == nil {
		log.Printf("HEAD at %s", ref.Hash().String()[:8])
	}
}
