package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/shipwright/internal/artifact"
	"github.com/fyrsmithlabs/shipwright/internal/governor"
	"github.com/fyrsmithlabs/shipwright/internal/ledger"
	"github.com/fyrsmithlabs/shipwright/internal/sched"
	"github.com/fyrsmithlabs/shipwright/internal/worker"
	"github.com/fyrsmithlabs/shipwright/internal/workspace"
)

const testSpecification = `# Specification

## Feature: artifact listing
Given a store with two artifacts
When the user lists them
Then both names appear in order

## Out of Scope
- remote storage
`

const testArchitecture = `# Architecture

## Components
- store
- lister

## Error Handling
Wrap and propagate; no silent retries.
`

const testBreakdown = `# Task Breakdown

## Milestone 1: Core store

### Task: implement store
ID: m1-t1
Files: store.go
Size: [M]

## Milestone 2: Listing [security]

### Task: wire lister
ID: m2-t1
Depends: m1-t1
Files: lister.go
Size: [S]
`

const passingVerification = `# Verification Report

Passed: 7
Failed: 0
Verdict: PASS
`

const failingVerification = `# Verification Report

Passed: 5
Failed: 2
Verdict: FAIL
`

func writeRawArtifact(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

// stubRunner scripts worker behavior per dispatch, keyed by call number.
type stubRunner struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, a worker.Assignment) (worker.Result, error)
}

func (s *stubRunner) Run(ctx context.Context, a worker.Assignment, history []worker.Exchange) (worker.Result, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	return s.fn(call, a)
}

func (s *stubRunner) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func completed(summary string, outputs map[artifact.Name]string) (worker.Result, error) {
	return worker.Result{Status: worker.ResultCompleted, Summary: summary, Outputs: outputs}, nil
}

// wsDirFrom recovers the workspace path from a dispatch brief.
func wsDirFrom(instructions string) string {
	const marker = "workspace at "
	i := strings.Index(instructions, marker)
	if i < 0 {
		return ""
	}
	rest := instructions[i+len(marker):]
	if j := strings.IndexAny(rest, " \n"); j >= 0 {
		rest = rest[:j]
	}
	return strings.TrimSuffix(rest, ".")
}

// defaultArchitect produces each document phase's artifact.
func defaultArchitect() *stubRunner {
	return &stubRunner{fn: func(call int, a worker.Assignment) (worker.Result, error) {
		if len(a.Writes) == 0 {
			return completed("nothing to write", nil)
		}
		switch a.Writes[0] {
		case artifact.DiscoveryBrief:
			return completed("assessed idea", map[artifact.Name]string{artifact.DiscoveryBrief: "# Discovery Brief\n\nSmall CLI, one user flow.\n"})
		case artifact.Specification:
			return completed("wrote specification", map[artifact.Name]string{artifact.Specification: testSpecification})
		case artifact.ArchitectureDoc:
			return completed("wrote architecture", map[artifact.Name]string{artifact.ArchitectureDoc: testArchitecture})
		case artifact.TaskBreakdown:
			return completed("wrote breakdown", map[artifact.Name]string{artifact.TaskBreakdown: testBreakdown})
		}
		return worker.Result{}, fmt.Errorf("unexpected architect write %v", a.Writes)
	}}
}

// defaultBuilder drops a numbered file into the workspace per dispatch.
func defaultBuilder() *stubRunner {
	s := &stubRunner{}
	s.fn = func(call int, a worker.Assignment) (worker.Result, error) {
		dir := wsDirFrom(a.Instructions)
		if dir == "" {
			return worker.Result{}, fmt.Errorf("no workspace in instructions")
		}
		name := fmt.Sprintf("change_%d.txt", call)
		if err := os.WriteFile(filepath.Join(dir, name), []byte("work\n"), 0o644); err != nil {
			return worker.Result{}, err
		}
		return completed("wrote "+name, nil)
	}
	return s
}

func cleanReviewer() *stubRunner {
	return &stubRunner{fn: func(call int, a worker.Assignment) (worker.Result, error) {
		return completed("reviewed", map[artifact.Name]string{
			artifact.ReviewLog: fmt.Sprintf("## Review %d\n- [Minor] naming nit\nVerdict: PASS\n", call),
		})
	}}
}

func passingQA() *stubRunner {
	return &stubRunner{fn: func(call int, a worker.Assignment) (worker.Result, error) {
		return completed("verified", map[artifact.Name]string{artifact.VerificationReport: passingVerification})
	}}
}

type testEnv struct {
	baseDir    string
	runDir     string
	store      *artifact.Store
	ledger     *ledger.Ledger
	controller *sched.Controller
	governor   *governor.Governor
	pipeline   *Pipeline
	runners    map[worker.Role]*stubRunner
}

func newTestEnv(t *testing.T, runners map[worker.Role]*stubRunner) *testEnv {
	t.Helper()
	ctx := context.Background()

	baseDir := t.TempDir()
	repo, err := git.PlainInit(baseDir, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(baseDir, "README.md"), []byte("# demo\n"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	sig := &object.Signature{Name: "test", Email: "test@localhost", When: time.Now()}
	_, err = wt.Commit("initial commit", &git.CommitOptions{Author: sig, Committer: sig})
	require.NoError(t, err)

	runDir := t.TempDir()
	store, err := artifact.New(filepath.Join(runDir, "artifacts"), nil)
	require.NoError(t, err)
	_, err = store.Put(ctx, artifact.Idea, "a small artifact lister", artifact.Overwrite)
	require.NoError(t, err)

	return restartEnv(t, baseDir, runDir, store, runners)
}

// restartEnv builds fresh collaborators against existing run state, the
// way a second CLI invocation would.
func restartEnv(t *testing.T, baseDir, runDir string, store *artifact.Store, runners map[worker.Role]*stubRunner) *testEnv {
	t.Helper()

	wsManager, err := workspace.NewManager(baseDir, filepath.Join(runDir, "clones"), "shipwright/", nil)
	require.NoError(t, err)

	led := ledger.New(nil)
	t.Cleanup(led.Close)

	dispatcherRunners := make(map[worker.Role]worker.Runner, len(runners))
	for role, r := range runners {
		dispatcherRunners[role] = r
	}
	dispatcher, err := worker.NewDispatcher(dispatcherRunners, 30*time.Second, nil)
	require.NoError(t, err)
	t.Cleanup(dispatcher.Shutdown)

	controller := sched.New()
	gov := governor.New(5, 2, nil)

	p, err := New(Options{
		RunID:      "run-1",
		RunDir:     runDir,
		Store:      store,
		Ledger:     led,
		Dispatcher: dispatcher,
		Controller: controller,
		Governor:   gov,
		Workspaces: wsManager,
		Reviewers:  2,
	})
	require.NoError(t, err)

	return &testEnv{
		baseDir:    baseDir,
		runDir:     runDir,
		store:      store,
		ledger:     led,
		controller: controller,
		governor:   gov,
		pipeline:   p,
		runners:    runners,
	}
}

func defaultRunners() map[worker.Role]*stubRunner {
	return map[worker.Role]*stubRunner{
		worker.RoleArchitect: defaultArchitect(),
		worker.RoleBuilder:   defaultBuilder(),
		worker.RoleReviewer:  cleanReviewer(),
		worker.RoleQA:        passingQA(),
	}
}

func TestPipeline_HappyPathShips(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, defaultRunners())

	report, err := env.pipeline.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, RunShipped, report.Status)
	assert.Equal(t, 1, report.Iterations)
	assert.Contains(t, report.Summary, "Tests passing: 7")

	// Terminal artifacts: ship summary present, blocked report absent.
	assert.True(t, env.store.Exists(ctx, artifact.ShipSummary))
	assert.False(t, env.store.Exists(ctx, artifact.BlockedReport))

	// Builder work landed on the trunk via the merge.
	matches, err := filepath.Glob(filepath.Join(env.baseDir, "change_*.txt"))
	require.NoError(t, err)
	assert.NotEmpty(t, matches)

	// Every task completed in the ledger.
	tasks, err := env.ledger.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, ledger.StatusCompleted, task.Status)
	}

	// Run state is durable and terminal.
	st, err := LoadState(env.runDir)
	require.NoError(t, err)
	assert.Equal(t, RunShipped, st.Status)

	// Milestone 2 is the only checkpoint (count 2 plus security tag), so
	// exactly one reviewer pair ran.
	assert.Equal(t, 2, env.runners[worker.RoleReviewer].callCount())
}

func TestPipeline_ReviewPairOverlapsAndExcludesMutation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, defaultRunners())

	_, err := env.pipeline.Run(ctx)
	require.NoError(t, err)

	var reviews, mutations []sched.Interval
	for _, iv := range env.controller.Intervals() {
		if iv.Class == sched.ClassReview {
			reviews = append(reviews, iv)
		} else {
			mutations = append(mutations, iv)
		}
	}
	require.Len(t, reviews, 2)
	assert.True(t, reviews[0].Overlaps(reviews[1]), "reviewer pair must genuinely overlap")

	for _, mut := range mutations {
		for _, rev := range reviews {
			assert.False(t, mut.Overlaps(rev), "mutation %s overlaps a review", mut.TaskID)
		}
	}
	for i, a := range mutations {
		for _, b := range mutations[i+1:] {
			assert.False(t, a.Overlaps(b), "mutations %s and %s overlap", a.TaskID, b.TaskID)
		}
	}
}

func TestPipeline_FixLoopWithTrivialPathAndRetry(t *testing.T) {
	ctx := context.Background()
	runners := defaultRunners()

	// First pair: one reviewer reports a Critical finding plus a trivial
	// Important one carrying its mechanical edit. Re-reviews: first attempt
	// not cleared, second clears.
	runners[worker.RoleReviewer] = &stubRunner{fn: func(call int, a worker.Assignment) (worker.Result, error) {
		switch call {
		case 1:
			return completed("review a", map[artifact.Name]string{
				artifact.ReviewLog: "## Review A\n" +
					"- [Critical] nil deref in lister on empty store\n" +
					"- [Important] change note wording {fix: files=1 delta=1 pattern=typo path=change_2.txt find=\"work\" replace=\"listed work\"}\n" +
					"Verdict: NEEDS_FIXES\n",
			})
		case 2:
			return completed("review b", map[artifact.Name]string{
				artifact.ReviewLog: "## Review B\n- [Minor] prefer early return\nVerdict: PASS\n",
			})
		case 3:
			return completed("re-review", map[artifact.Name]string{
				artifact.ReviewLog: "## Re-review\nNo findings resolved yet.\nVerdict: FAIL\n",
			})
		default:
			return completed("re-review", map[artifact.Name]string{
				artifact.ReviewLog: "## Re-review\nNo findings\nVerdict: PASS\n",
			})
		}
	}}

	env := newTestEnv(t, runners)
	report, err := env.pipeline.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, RunShipped, report.Status)

	// 2 tasks + 2 fix attempts for the Critical finding. The trivial fix
	// is applied by the orchestrator itself: no builder dispatch.
	assert.Equal(t, 4, env.runners[worker.RoleBuilder].callCount(),
		"trivial fix must not dispatch a builder worker")
	// 2 checkpoint reviewers + 2 re-reviews; the trivial fix is not
	// re-reviewed either.
	assert.Equal(t, 4, env.runners[worker.RoleReviewer].callCount())

	// Fix attempts never touch the global iteration counter.
	assert.Equal(t, 1, env.governor.Iteration())

	// The mechanical edit landed in the workspace and shipped to the trunk.
	merged, err := os.ReadFile(filepath.Join(env.baseDir, "change_2.txt"))
	require.NoError(t, err)
	assert.Equal(t, "listed work\n", string(merged))

	log, err := env.store.Get(ctx, artifact.ReviewLog)
	require.NoError(t, err)
	assert.Contains(t, log, "Trivial fix applied")
	assert.Contains(t, log, "Review A")
	assert.Contains(t, log, "Review B")
}

func TestPipeline_TrivialProposalWithoutEditTakesCountedCycle(t *testing.T) {
	ctx := context.Background()
	runners := defaultRunners()

	// Eligible shape, but no mechanical edit attached: the orchestrator
	// has nothing to apply, so the finding goes through the counted,
	// re-reviewed cycle like any other.
	runners[worker.RoleReviewer] = &stubRunner{fn: func(call int, a worker.Assignment) (worker.Result, error) {
		switch call {
		case 1:
			return completed("review a", map[artifact.Name]string{
				artifact.ReviewLog: "## Review A\n" +
					"- [Important] usage text says 'artefact' {fix: files=1 delta=1 pattern=typo}\n" +
					"Verdict: NEEDS_FIXES\n",
			})
		case 2:
			return completed("review b", map[artifact.Name]string{
				artifact.ReviewLog: "## Review B\nNo findings\nVerdict: PASS\n",
			})
		default:
			return completed("re-review", map[artifact.Name]string{
				artifact.ReviewLog: "## Re-review\nFixed.\nVerdict: PASS\n",
			})
		}
	}}

	env := newTestEnv(t, runners)
	report, err := env.pipeline.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, RunShipped, report.Status)

	// 2 tasks + 1 counted fix dispatch.
	assert.Equal(t, 3, env.runners[worker.RoleBuilder].callCount())
	// 2 checkpoint reviewers + 1 re-review.
	assert.Equal(t, 3, env.runners[worker.RoleReviewer].callCount())

	log, err := env.store.Get(ctx, artifact.ReviewLog)
	require.NoError(t, err)
	assert.NotContains(t, log, "Trivial fix applied")
}

func TestPipeline_FixExhaustionDefersAndProceeds(t *testing.T) {
	ctx := context.Background()
	runners := defaultRunners()

	// The finding never clears: two attempts, then deferred.
	runners[worker.RoleReviewer] = &stubRunner{fn: func(call int, a worker.Assignment) (worker.Result, error) {
		switch call {
		case 1:
			return completed("review a", map[artifact.Name]string{
				artifact.ReviewLog: "## Review A\n- [Important] lister ignores context cancellation\nVerdict: NEEDS_FIXES\n",
			})
		case 2:
			return completed("review b", map[artifact.Name]string{
				artifact.ReviewLog: "## Review B\nNo findings\nVerdict: PASS\n",
			})
		default:
			return completed("re-review", map[artifact.Name]string{
				artifact.ReviewLog: "## Re-review\nStill broken.\nVerdict: FAIL\n",
			})
		}
	}}

	env := newTestEnv(t, runners)
	report, err := env.pipeline.Run(ctx)
	require.NoError(t, err)

	// Deferred, not blocked: the run still ships.
	require.Equal(t, RunShipped, report.Status)
	deferred := env.governor.Deferred()
	require.Len(t, deferred, 1)
	assert.Equal(t, 3, deferred[0].Attempts)
	assert.Contains(t, report.Summary, "Deferred Issues")

	log, err := env.store.Get(ctx, artifact.ReviewLog)
	require.NoError(t, err)
	assert.Contains(t, log, "Deferred m2-finding-1 after 2 failed fix attempts")
}

func TestPipeline_ArchitectureGapReentersDirectly(t *testing.T) {
	ctx := context.Background()
	runners := defaultRunners()

	runners[worker.RoleQA] = &stubRunner{fn: func(call int, a worker.Assignment) (worker.Result, error) {
		if call == 1 {
			return completed("found gaps", map[artifact.Name]string{
				artifact.VerificationReport: failingVerification,
				artifact.GapsReport:         "# Gaps\n\n- [architecture] lister couples to store internals\n",
			})
		}
		return completed("verified", map[artifact.Name]string{artifact.VerificationReport: passingVerification})
	}}

	env := newTestEnv(t, runners)
	report, err := env.pipeline.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, RunShipped, report.Status)

	// Exactly one routed iteration: counter went 1 -> 2.
	assert.Equal(t, 2, report.Iterations)
	assert.Equal(t, 2, env.runners[worker.RoleQA].callCount())

	// The architect revised the architecture document (5th dispatch); the
	// pipeline returned to verification without re-running planning or
	// build: builder ran only the two original tasks.
	assert.Equal(t, 5, env.runners[worker.RoleArchitect].callCount())
	assert.Equal(t, 2, env.runners[worker.RoleBuilder].callCount())

	routings := env.governor.RoutingLog()
	require.Len(t, routings, 1)
	assert.Equal(t, governor.TargetArchitecture, routings[0].Target)

	rev, ok := env.store.Revision(artifact.ArchitectureDoc)
	require.True(t, ok)
	assert.Equal(t, 2, rev)
}

func TestPipeline_IterationExhaustionBlocksAndNeverResumes(t *testing.T) {
	ctx := context.Background()
	runners := defaultRunners()

	// Verification fails forever with a build-routed bug.
	runners[worker.RoleQA] = &stubRunner{fn: func(call int, a worker.Assignment) (worker.Result, error) {
		return completed("still failing", map[artifact.Name]string{
			artifact.VerificationReport: failingVerification,
			artifact.GapsReport:         "# Gaps\n\n- [bug] lister drops the last artifact\n",
		})
	}}

	env := newTestEnv(t, runners)
	report, err := env.pipeline.Run(ctx)
	require.NoError(t, err)

	require.Equal(t, RunBlocked, report.Status)
	// Counter climbed 1 -> 5 and halted on the attempt that would exceed 5.
	assert.Equal(t, 5, report.Iterations)
	assert.Equal(t, 5, env.runners[worker.RoleQA].callCount())

	// Blocked report is durable and carries routing targets.
	blocked, err := env.store.Get(ctx, artifact.BlockedReport)
	require.NoError(t, err)
	assert.Contains(t, blocked, "-> build")
	assert.Contains(t, blocked, "Workspace preserved at")

	// Workspace abandoned, not deleted.
	require.NotEmpty(t, report.WorkspaceDir)
	assert.DirExists(t, report.WorkspaceDir)

	// Trunk never saw the partial work.
	matches, err := filepath.Glob(filepath.Join(env.baseDir, "change_*.txt"))
	require.NoError(t, err)
	assert.Empty(t, matches)

	// A repeated invocation observes the terminal state and spawns no
	// workers.
	fresh := defaultRunners()
	env2 := restartEnv(t, env.baseDir, env.runDir, env.store, fresh)
	report2, err := env2.pipeline.Run(ctx)
	require.ErrorIs(t, err, ErrRunTerminal)
	require.NotNil(t, report2)
	assert.Equal(t, RunBlocked, report2.Status)
	for role, r := range fresh {
		assert.Zerof(t, r.callCount(), "role %s was dispatched after terminal block", role)
	}
}

func TestPipeline_WorkerFailureBlocksRun(t *testing.T) {
	ctx := context.Background()
	runners := defaultRunners()
	runners[worker.RoleArchitect] = &stubRunner{fn: func(call int, a worker.Assignment) (worker.Result, error) {
		if call == 1 {
			return completed("assessed idea", map[artifact.Name]string{artifact.DiscoveryBrief: "# Discovery Brief\n\nok\n"})
		}
		return worker.Result{}, fmt.Errorf("model backend unreachable")
	}}

	env := newTestEnv(t, runners)
	report, err := env.pipeline.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, RunBlocked, report.Status)
	assert.Contains(t, report.Summary, "definition")

	st, err := LoadState(env.runDir)
	require.NoError(t, err)
	assert.Equal(t, RunBlocked, st.Status)
	assert.Equal(t, PhaseFailed, st.Phases[PhaseDefinition])
}
