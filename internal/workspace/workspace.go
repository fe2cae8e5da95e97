// Package workspace gives each run an isolated git clone so the base
// repository only ever changes through an explicit merge at ship time.
//
// Lifecycle is strict: Created -> Active -> Merged or Abandoned. Merged
// workspaces are cleaned up; abandoned ones are preserved verbatim for
// diagnosis.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipwright/internal/logging"
)

// Status is a workspace lifecycle state.
type Status string

const (
	StatusCreated   Status = "created"
	StatusActive    Status = "active"
	StatusMerged    Status = "merged"
	StatusAbandoned Status = "abandoned"
)

// ErrBaseNotRepository is returned when the target path is not a git
// repository.
var ErrBaseNotRepository = errors.New("base path is not a git repository")

// ErrBaseDirty is returned by Merge when the base repository's worktree
// has uncommitted changes that a merge would clobber.
var ErrBaseDirty = errors.New("base worktree has uncommitted changes")

// LifecycleError reports a transition the state machine forbids.
type LifecycleError struct {
	Op   string
	From Status
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("cannot %s workspace in state %q", e.Op, e.From)
}

const committerName = "shipwright"
const committerEmail = "shipwright@localhost"

// Workspace is one isolated clone of the base repository.
type Workspace struct {
	ID       string
	Branch   string
	Dir      string
	BaseHead plumbing.Hash

	mu     sync.Mutex
	status Status
}

// Status returns the current lifecycle state.
func (w *Workspace) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *Workspace) transition(op string, from Status, to Status) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status != from {
		return &LifecycleError{Op: op, From: w.status}
	}
	w.status = to
	return nil
}

// Activate marks the workspace ready for builder dispatches.
func (w *Workspace) Activate() error {
	return w.transition("activate", StatusCreated, StatusActive)
}

// Commit stages everything in the clone and commits it. Returns the new
// head hash. No-op error git.ErrEmptyCommit is swallowed; callers only
// care that the tree is captured.
func (w *Workspace) Commit(ctx context.Context, message string) (plumbing.Hash, error) {
	if s := w.Status(); s != StatusActive {
		return plumbing.ZeroHash, &LifecycleError{Op: "commit", From: s}
	}
	repo, err := git.PlainOpen(w.Dir)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("opening workspace clone: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("opening worktree: %w", err)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("staging changes: %w", err)
	}
	sig := &object.Signature{Name: committerName, Email: committerEmail, When: time.Now()}
	hash, err := wt.Commit(message, &git.CommitOptions{Author: sig, Committer: sig})
	if err != nil {
		if errors.Is(err, git.ErrEmptyCommit) {
			return w.head()
		}
		return plumbing.ZeroHash, fmt.Errorf("committing workspace changes: %w", err)
	}
	return hash, nil
}

// Diff renders the cumulative patch between the base head and the
// workspace head. Reviews run against this fixed snapshot.
func (w *Workspace) Diff(ctx context.Context) (string, error) {
	repo, err := git.PlainOpen(w.Dir)
	if err != nil {
		return "", fmt.Errorf("opening workspace clone: %w", err)
	}
	headHash, err := w.head()
	if err != nil {
		return "", err
	}
	headCommit, err := repo.CommitObject(headHash)
	if err != nil {
		return "", fmt.Errorf("resolving workspace head: %w", err)
	}
	baseCommit, err := repo.CommitObject(w.BaseHead)
	if err != nil {
		return "", fmt.Errorf("resolving base head: %w", err)
	}
	patch, err := baseCommit.PatchContext(ctx, headCommit)
	if err != nil {
		return "", fmt.Errorf("computing patch: %w", err)
	}
	return patch.String(), nil
}

func (w *Workspace) head() (plumbing.Hash, error) {
	repo, err := git.PlainOpen(w.Dir)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("opening workspace clone: %w", err)
	}
	ref, err := repo.Head()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolving workspace head: %w", err)
	}
	return ref.Hash(), nil
}

// Reattach reconstructs the handle for an existing active clone, for
// runs resumed from persisted state.
func Reattach(id, branch, dir string, baseHead plumbing.Hash) (*Workspace, error) {
	if _, err := git.PlainOpen(dir); err != nil {
		return nil, fmt.Errorf("opening workspace clone %s: %w", dir, err)
	}
	return &Workspace{
		ID:       id,
		Branch:   branch,
		Dir:      dir,
		BaseHead: baseHead,
		status:   StatusActive,
	}, nil
}

// Manager creates, merges, and abandons workspaces against one base
// repository.
type Manager struct {
	baseDir      string
	clonesDir    string
	branchPrefix string
	logger       *logging.Logger
}

// NewManager validates the base repository and the directory that will
// hold clones.
func NewManager(baseDir, clonesDir, branchPrefix string, logger *logging.Logger) (*Manager, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	if _, err := git.PlainOpen(baseDir); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBaseNotRepository, baseDir)
	}
	if err := os.MkdirAll(clonesDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating clones dir: %w", err)
	}
	return &Manager{
		baseDir:      baseDir,
		clonesDir:    clonesDir,
		branchPrefix: branchPrefix,
		logger:       logger.Named("workspace"),
	}, nil
}

// Create clones the base repository at its current head and checks out a
// fresh run branch in the clone. The seed callback, when non-nil, runs
// inside the new clone before anyone else sees it, so runs can plant
// their artifact snapshot.
func (m *Manager) Create(ctx context.Context, id string, seed func(dir string) error) (*Workspace, error) {
	base, err := git.PlainOpen(m.baseDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBaseNotRepository, m.baseDir)
	}
	baseHead, err := base.Head()
	if err != nil {
		return nil, fmt.Errorf("resolving base head: %w", err)
	}

	branch := m.branchPrefix + id
	dir := filepath.Join(m.clonesDir, id)
	clone, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{URL: m.baseDir})
	if err != nil {
		return nil, fmt.Errorf("cloning base repository: %w", err)
	}
	wt, err := clone.Worktree()
	if err != nil {
		return nil, fmt.Errorf("opening clone worktree: %w", err)
	}
	err = wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(branch),
		Hash:   baseHead.Hash(),
		Create: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating run branch %q: %w", branch, err)
	}

	if seed != nil {
		if err := seed(dir); err != nil {
			return nil, fmt.Errorf("seeding workspace: %w", err)
		}
	}

	m.logger.Info(ctx, "workspace created",
		zap.String("id", id),
		zap.String("branch", branch),
		zap.String("base_head", baseHead.Hash().String()))

	return &Workspace{
		ID:       id,
		Branch:   branch,
		Dir:      dir,
		BaseHead: baseHead.Hash(),
		status:   StatusCreated,
	}, nil
}

// Merge lands the workspace branch on the base repository's current
// branch. Fast-forward when the base has not moved since the clone,
// otherwise an explicit two-parent merge commit carrying the workspace
// tree. The clone directory is removed afterwards.
func (m *Manager) Merge(ctx context.Context, w *Workspace) error {
	if s := w.Status(); s != StatusActive {
		return &LifecycleError{Op: "merge", From: s}
	}

	base, err := git.PlainOpen(m.baseDir)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBaseNotRepository, m.baseDir)
	}
	wt, err := base.Worktree()
	if err != nil {
		return fmt.Errorf("opening base worktree: %w", err)
	}
	// A hard reset would clobber uncommitted user changes. Refuse; the
	// workspace stays Active so the run can block and preserve it.
	st, err := wt.Status()
	if err != nil {
		return fmt.Errorf("checking base worktree: %w", err)
	}
	if !st.IsClean() {
		return fmt.Errorf("%w: %s", ErrBaseDirty, m.baseDir)
	}
	headRef, err := base.Head()
	if err != nil {
		return fmt.Errorf("resolving base head: %w", err)
	}

	wsHead, err := w.head()
	if err != nil {
		return err
	}
	if err := m.fetchBranch(ctx, base, w); err != nil {
		return err
	}

	baseCommit, err := base.CommitObject(headRef.Hash())
	if err != nil {
		return fmt.Errorf("loading base head commit: %w", err)
	}
	wsCommit, err := base.CommitObject(wsHead)
	if err != nil {
		return fmt.Errorf("loading workspace head commit: %w", err)
	}

	target := wsHead
	ff, err := baseCommit.IsAncestor(wsCommit)
	if err != nil {
		return fmt.Errorf("checking merge ancestry: %w", err)
	}
	if !ff {
		target, err = m.mergeCommit(base, headRef.Hash(), wsCommit, w.Branch)
		if err != nil {
			return err
		}
	}

	if err := base.Storer.SetReference(plumbing.NewHashReference(headRef.Name(), target)); err != nil {
		return fmt.Errorf("advancing %s: %w", headRef.Name(), err)
	}
	if err := wt.Reset(&git.ResetOptions{Mode: git.HardReset, Commit: target}); err != nil {
		return fmt.Errorf("materializing merged tree: %w", err)
	}

	if err := w.transition("merge", StatusActive, StatusMerged); err != nil {
		return err
	}
	// Merged workspaces leave nothing behind: clone gone, branch gone.
	if err := os.RemoveAll(w.Dir); err != nil {
		return fmt.Errorf("removing workspace clone: %w", err)
	}
	if err := base.Storer.RemoveReference(plumbing.NewBranchReferenceName(w.Branch)); err != nil {
		return fmt.Errorf("deleting run branch: %w", err)
	}

	m.logger.Info(ctx, "workspace merged",
		zap.String("id", w.ID),
		zap.Bool("fast_forward", ff),
		zap.String("head", target.String()))
	return nil
}

// Abandon marks the workspace abandoned and preserves the clone and its
// branch untouched.
func (m *Manager) Abandon(ctx context.Context, w *Workspace, reason string) error {
	if err := w.transition("abandon", StatusActive, StatusAbandoned); err != nil {
		return err
	}
	m.logger.Warn(ctx, "workspace abandoned",
		zap.String("id", w.ID),
		zap.String("dir", w.Dir),
		zap.String("reason", reason))
	return nil
}

func (m *Manager) fetchBranch(ctx context.Context, base *git.Repository, w *Workspace) error {
	refspec := gitconfig.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/heads/%s", w.Branch, w.Branch))
	remote, err := base.CreateRemoteAnonymous(&gitconfig.RemoteConfig{
		Name:  "anonymous",
		URLs:  []string{w.Dir},
		Fetch: []gitconfig.RefSpec{refspec},
	})
	if err != nil {
		return fmt.Errorf("configuring workspace remote: %w", err)
	}
	err = remote.FetchContext(ctx, &git.FetchOptions{RefSpecs: []gitconfig.RefSpec{refspec}})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetching run branch: %w", err)
	}
	return nil
}

// mergeCommit writes a two-parent merge commit carrying the workspace
// tree. The run's milestones were built and reviewed against the base
// head recorded at clone time, so the workspace tree wins wholesale.
func (m *Manager) mergeCommit(base *git.Repository, baseHead plumbing.Hash, wsCommit *object.Commit, branch string) (plumbing.Hash, error) {
	sig := object.Signature{Name: committerName, Email: committerEmail, When: time.Now()}
	commit := &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      fmt.Sprintf("Merge branch '%s'", branch),
		TreeHash:     wsCommit.TreeHash,
		ParentHashes: []plumbing.Hash{baseHead, wsCommit.Hash},
	}
	obj := base.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("encoding merge commit: %w", err)
	}
	hash, err := base.Storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("writing merge commit: %w", err)
	}
	return hash, nil
}
