package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initBaseRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	commitFile(t, repo, dir, "README.md", "# demo\n", "initial commit")
	return dir
}

func commitFile(t *testing.T, repo *git.Repository, dir, name, content, msg string) plumbing.Hash {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(name)
	require.NoError(t, err)
	sig := &object.Signature{Name: "test", Email: "test@localhost", When: time.Now()}
	hash, err := wt.Commit(msg, &git.CommitOptions{Author: sig, Committer: sig})
	require.NoError(t, err)
	return hash
}

func newTestManager(t *testing.T, baseDir string) *Manager {
	t.Helper()
	m, err := NewManager(baseDir, t.TempDir(), "shipwright/", nil)
	require.NoError(t, err)
	return m
}

func TestNewManager_RejectsNonRepository(t *testing.T) {
	_, err := NewManager(t.TempDir(), t.TempDir(), "shipwright/", nil)
	require.ErrorIs(t, err, ErrBaseNotRepository)
}

func TestManager_CreateSeedsClone(t *testing.T) {
	ctx := context.Background()
	baseDir := initBaseRepo(t)
	m := newTestManager(t, baseDir)

	ws, err := m.Create(ctx, "run-1", func(dir string) error {
		return os.WriteFile(filepath.Join(dir, "idea.md"), []byte("build a thing\n"), 0o644)
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, ws.Status())
	assert.Equal(t, "shipwright/run-1", ws.Branch)

	// Clone carries the base content plus the seed.
	assert.FileExists(t, filepath.Join(ws.Dir, "README.md"))
	assert.FileExists(t, filepath.Join(ws.Dir, "idea.md"))

	clone, err := git.PlainOpen(ws.Dir)
	require.NoError(t, err)
	head, err := clone.Head()
	require.NoError(t, err)
	assert.Equal(t, "shipwright/run-1", head.Name().Short())
	assert.Equal(t, ws.BaseHead, head.Hash())
}

func TestWorkspace_LifecycleOrdering(t *testing.T) {
	ctx := context.Background()
	baseDir := initBaseRepo(t)
	m := newTestManager(t, baseDir)

	ws, err := m.Create(ctx, "run-1", nil)
	require.NoError(t, err)

	// No commits or merges before activation.
	_, err = ws.Commit(ctx, "too early")
	var lcErr *LifecycleError
	require.ErrorAs(t, err, &lcErr)
	assert.Equal(t, StatusCreated, lcErr.From)

	require.ErrorAs(t, m.Merge(ctx, ws), &lcErr)

	require.NoError(t, ws.Activate())
	assert.Equal(t, StatusActive, ws.Status())

	// Activation is not repeatable.
	require.ErrorAs(t, ws.Activate(), &lcErr)
}

func TestManager_MergeFastForward(t *testing.T) {
	ctx := context.Background()
	baseDir := initBaseRepo(t)
	m := newTestManager(t, baseDir)

	ws, err := m.Create(ctx, "run-1", nil)
	require.NoError(t, err)
	require.NoError(t, ws.Activate())

	require.NoError(t, os.WriteFile(filepath.Join(ws.Dir, "feature.go"), []byte("package demo\n"), 0o644))
	wsHead, err := ws.Commit(ctx, "add feature")
	require.NoError(t, err)

	require.NoError(t, m.Merge(ctx, ws))
	assert.Equal(t, StatusMerged, ws.Status())

	// Base fast-forwarded to the workspace head and materialized the file.
	base, err := git.PlainOpen(baseDir)
	require.NoError(t, err)
	head, err := base.Head()
	require.NoError(t, err)
	assert.Equal(t, wsHead, head.Hash())
	assert.FileExists(t, filepath.Join(baseDir, "feature.go"))

	// Clone and run branch are gone.
	assert.NoDirExists(t, ws.Dir)
	_, err = base.Reference(plumbing.NewBranchReferenceName(ws.Branch), false)
	require.Error(t, err)

	// Merged is terminal.
	var lcErr *LifecycleError
	require.ErrorAs(t, m.Merge(ctx, ws), &lcErr)
}

func TestManager_MergeDiverged(t *testing.T) {
	ctx := context.Background()
	baseDir := initBaseRepo(t)
	m := newTestManager(t, baseDir)

	ws, err := m.Create(ctx, "run-1", nil)
	require.NoError(t, err)
	require.NoError(t, ws.Activate())

	// Base moves while the run is in flight.
	base, err := git.PlainOpen(baseDir)
	require.NoError(t, err)
	baseHead := commitFile(t, base, baseDir, "hotfix.md", "urgent\n", "hotfix on base")

	require.NoError(t, os.WriteFile(filepath.Join(ws.Dir, "feature.go"), []byte("package demo\n"), 0o644))
	wsHead, err := ws.Commit(ctx, "add feature")
	require.NoError(t, err)

	require.NoError(t, m.Merge(ctx, ws))

	head, err := base.Head()
	require.NoError(t, err)
	mergeCommit, err := base.CommitObject(head.Hash())
	require.NoError(t, err)
	require.Len(t, mergeCommit.ParentHashes, 2)
	assert.Equal(t, baseHead, mergeCommit.ParentHashes[0])
	assert.Equal(t, wsHead, mergeCommit.ParentHashes[1])
	assert.FileExists(t, filepath.Join(baseDir, "feature.go"))
}

func TestManager_MergeRefusesDirtyBaseWorktree(t *testing.T) {
	ctx := context.Background()
	baseDir := initBaseRepo(t)
	m := newTestManager(t, baseDir)

	ws, err := m.Create(ctx, "run-1", nil)
	require.NoError(t, err)
	require.NoError(t, ws.Activate())

	require.NoError(t, os.WriteFile(filepath.Join(ws.Dir, "feature.go"), []byte("package demo\n"), 0o644))
	_, err = ws.Commit(ctx, "add feature")
	require.NoError(t, err)

	// Uncommitted edit in the base: the merge's hard reset would lose it.
	require.NoError(t, os.WriteFile(filepath.Join(baseDir, "README.md"), []byte("# edited locally\n"), 0o644))

	require.ErrorIs(t, m.Merge(ctx, ws), ErrBaseDirty)

	// Nothing changed: the user's edit, the clone, and the Active status
	// all survive, so the run can still block and preserve the workspace.
	content, err := os.ReadFile(filepath.Join(baseDir, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "# edited locally\n", string(content))
	assert.NoFileExists(t, filepath.Join(baseDir, "feature.go"))
	assert.DirExists(t, ws.Dir)
	assert.Equal(t, StatusActive, ws.Status())
}

func TestManager_AbandonPreservesClone(t *testing.T) {
	ctx := context.Background()
	baseDir := initBaseRepo(t)
	m := newTestManager(t, baseDir)

	ws, err := m.Create(ctx, "run-1", nil)
	require.NoError(t, err)
	require.NoError(t, ws.Activate())

	require.NoError(t, os.WriteFile(filepath.Join(ws.Dir, "partial.go"), []byte("package demo\n"), 0o644))
	_, err = ws.Commit(ctx, "partial work")
	require.NoError(t, err)

	require.NoError(t, m.Abandon(ctx, ws, "iteration cap exhausted"))
	assert.Equal(t, StatusAbandoned, ws.Status())

	// Everything stays put for diagnosis; base never saw the work.
	assert.DirExists(t, ws.Dir)
	assert.FileExists(t, filepath.Join(ws.Dir, "partial.go"))
	assert.NoFileExists(t, filepath.Join(baseDir, "partial.go"))

	var lcErr *LifecycleError
	require.ErrorAs(t, m.Merge(ctx, ws), &lcErr)
}

func TestWorkspace_Diff(t *testing.T) {
	ctx := context.Background()
	baseDir := initBaseRepo(t)
	m := newTestManager(t, baseDir)

	ws, err := m.Create(ctx, "run-1", nil)
	require.NoError(t, err)
	require.NoError(t, ws.Activate())

	require.NoError(t, os.WriteFile(filepath.Join(ws.Dir, "feature.go"), []byte("package demo\n"), 0o644))
	_, err = ws.Commit(ctx, "add feature")
	require.NoError(t, err)

	diff, err := ws.Diff(ctx)
	require.NoError(t, err)
	assert.Contains(t, diff, "feature.go")
	assert.Contains(t, diff, "package demo")
}
