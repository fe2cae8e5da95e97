package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/shipwright/internal/artifact"
	"github.com/fyrsmithlabs/shipwright/internal/governor"
	"github.com/fyrsmithlabs/shipwright/internal/ledger"
	"github.com/fyrsmithlabs/shipwright/internal/logging"
	"github.com/fyrsmithlabs/shipwright/internal/metrics"
	"github.com/fyrsmithlabs/shipwright/internal/plan"
	"github.com/fyrsmithlabs/shipwright/internal/policy"
	"github.com/fyrsmithlabs/shipwright/internal/sched"
	"github.com/fyrsmithlabs/shipwright/internal/worker"
	"github.com/fyrsmithlabs/shipwright/internal/workspace"
)

const instrumentationName = "github.com/fyrsmithlabs/shipwright/internal/pipeline"

// Options wires a pipeline's collaborators.
type Options struct {
	RunID      string
	RunDir     string
	Store      *artifact.Store
	Ledger     *ledger.Ledger
	Dispatcher *worker.Dispatcher
	Controller *sched.Controller
	Governor   *governor.Governor
	Workspaces *workspace.Manager
	Metrics    *metrics.Metrics
	Logger     *logging.Logger

	// Reviewers is the reviewer pair size at a checkpoint.
	Reviewers int
}

// Report is the single terminal output of a run: exactly one of a ship
// summary or a blocked summary.
type Report struct {
	Status       RunStatus
	Summary      string
	Iterations   int
	WorkspaceDir string
}

// Pipeline is the orchestrator core for one run.
type Pipeline struct {
	runID      string
	runDir     string
	store      *artifact.Store
	ledger     *ledger.Ledger
	dispatcher *worker.Dispatcher
	controller *sched.Controller
	governor   *governor.Governor
	workspaces *workspace.Manager
	metrics    *metrics.Metrics
	logger     *logging.Logger
	tracer     trace.Tracer
	reviewers  int

	machine *Machine
	state   *RunState
	ws      *workspace.Workspace
	plan    *plan.Plan

	// doneMilestones survives governor re-entries into build so finished
	// milestones are not rebuilt.
	doneMilestones map[int]bool
}

// New builds a pipeline and loads any persisted run state.
func New(opts Options) (*Pipeline, error) {
	switch {
	case opts.RunID == "":
		return nil, fmt.Errorf("run id is required")
	case opts.Store == nil, opts.Ledger == nil, opts.Dispatcher == nil,
		opts.Controller == nil, opts.Governor == nil, opts.Workspaces == nil:
		return nil, fmt.Errorf("pipeline collaborators must all be set")
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Metrics == nil {
		m, err := metrics.New()
		if err != nil {
			return nil, fmt.Errorf("creating metrics: %w", err)
		}
		opts.Metrics = m
	}
	if opts.Reviewers < 1 {
		opts.Reviewers = 2
	}
	if opts.RunDir == "" {
		opts.RunDir = opts.Store.Dir()
	}

	state, err := LoadState(opts.RunDir)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		runID:          opts.RunID,
		runDir:         opts.RunDir,
		store:          opts.Store,
		ledger:         opts.Ledger,
		dispatcher:     opts.Dispatcher,
		controller:     opts.Controller,
		governor:       opts.Governor,
		workspaces:     opts.Workspaces,
		metrics:        opts.Metrics,
		logger:         opts.Logger.Named("pipeline"),
		tracer:         otel.Tracer(instrumentationName),
		reviewers:      opts.Reviewers,
		state:          state,
		doneMilestones: make(map[int]bool),
	}
	if state != nil {
		p.machine = RestoreMachine(opts.Store, state.Phases)
		p.governor.Restore(state.Iteration)
	} else {
		p.machine = NewMachine(opts.Store)
	}
	return p, nil
}

// Run executes the run to its terminal report. A run that already ended
// returns its prior report with ErrRunTerminal and spawns no workers.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	ctx = logging.WithRunID(ctx, p.runID)
	ctx, span := p.tracer.Start(ctx, "pipeline.run")
	defer span.End()

	if p.state != nil && p.state.Status.Terminal() {
		p.logger.Warn(ctx, "run already terminal, refusing to respawn workers",
			zap.String("status", string(p.state.Status)))
		return &Report{
			Status:       p.state.Status,
			Summary:      fmt.Sprintf("run %s already ended: %s", p.runID, p.state.Status),
			Iterations:   p.state.Iteration,
			WorkspaceDir: p.state.WorkspaceDir,
		}, ErrRunTerminal
	}
	if p.state == nil {
		p.state = &RunState{
			RunID:     p.runID,
			Status:    RunRunning,
			Iteration: p.governor.Iteration(),
			Phases:    p.machine.Statuses(),
		}
		if err := p.saveState(); err != nil {
			return nil, err
		}
	}

	if err := p.runDocumentPhases(ctx); err != nil {
		return p.blockOnError(ctx, err)
	}
	if err := p.loadPlan(ctx); err != nil {
		return p.blockOnError(ctx, err)
	}
	if err := p.runIsolation(ctx); err != nil {
		return p.blockOnError(ctx, err)
	}
	if err := p.runBuild(ctx); err != nil {
		return p.blockOnError(ctx, err)
	}

	// Verification loop: every routed fix returns here directly.
	for {
		gaps, err := p.runVerification(ctx)
		if err != nil {
			return p.blockOnError(ctx, err)
		}
		if gaps == nil {
			break
		}
		routings, err := p.governor.FailVerification(ctx, gaps)
		if err != nil {
			if errors.Is(err, governor.ErrIterationExhausted) {
				return p.block(ctx, "global iteration cap exhausted with verification still failing")
			}
			return p.blockOnError(ctx, err)
		}
		p.metrics.IterationAdvanced(ctx, p.governor.Iteration())
		p.state.Iteration = p.governor.Iteration()
		if _, err := p.store.PutAs(ctx, artifact.GapsReport, governor.RenderRouted(routings), artifact.Overwrite, "governor"); err != nil {
			return p.blockOnError(ctx, err)
		}
		if err := p.saveState(); err != nil {
			return nil, err
		}
		for _, r := range routings {
			if err := p.reenter(ctx, r); err != nil {
				return p.blockOnError(ctx, err)
			}
		}
	}

	return p.ship(ctx)
}

func (p *Pipeline) saveState() error {
	p.state.Phases = p.machine.Statuses()
	return SaveState(p.runDir, p.state)
}

// dispatch spawns an assignment and waits for its result.
func (p *Pipeline) dispatch(ctx context.Context, a worker.Assignment) (worker.Result, error) {
	start := time.Now()
	handle, err := p.dispatcher.Spawn(ctx, a)
	if err != nil {
		return worker.Result{}, err
	}
	res, err := handle.Await(ctx)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	p.metrics.DispatchCompleted(ctx, string(a.Role), outcome, time.Since(start))
	return res, err
}

// commitOutputs publishes a worker's outputs to the store. Review logs
// append; everything else overwrites.
func (p *Pipeline) commitOutputs(ctx context.Context, role worker.Role, res worker.Result) error {
	for name, content := range res.Outputs {
		mode := artifact.Overwrite
		if name == artifact.ReviewLog {
			mode = artifact.Append
		}
		if _, err := p.store.PutAs(ctx, name, content, mode, string(role)); err != nil {
			return fmt.Errorf("committing %s: %w", name, err)
		}
	}
	return nil
}

type documentPhase struct {
	phase        Phase
	role         worker.Role
	persistence  worker.Persistence
	reads        []artifact.Name
	writes       []artifact.Name
	instructions string
}

// documentPhases is the fixed front half of the pipeline. One persistent
// architect lineage spans definition through planning.
var documentPhases = []documentPhase{
	{
		phase:        PhaseDiscovery,
		role:         worker.RoleArchitect,
		persistence:  worker.Ephemeral,
		reads:        []artifact.Name{artifact.Idea},
		writes:       []artifact.Name{artifact.DiscoveryBrief},
		instructions: "Assess the idea: restate the problem, the intended users, and the smallest shippable scope. Produce the discovery brief.",
	},
	{
		phase:        PhaseDefinition,
		role:         worker.RoleArchitect,
		persistence:  worker.Persistent,
		reads:        []artifact.Name{artifact.DiscoveryBrief},
		writes:       []artifact.Name{artifact.Specification},
		instructions: "Write the specification: one Feature section per feature with at least one Given/When/Then criterion each, plus an explicit Out of Scope section.",
	},
	{
		phase:        PhaseArchitecture,
		role:         worker.RoleArchitect,
		persistence:  worker.Persistent,
		reads:        []artifact.Name{artifact.Specification},
		writes:       []artifact.Name{artifact.ArchitectureDoc},
		instructions: "Write the architecture document: a Components section listing every component, and an Error Handling section stating the strategy.",
	},
	{
		phase:        PhasePlanning,
		role:         worker.RoleArchitect,
		persistence:  worker.Persistent,
		reads:        []artifact.Name{artifact.Specification, artifact.ArchitectureDoc},
		writes:       []artifact.Name{artifact.TaskBreakdown},
		instructions: "Write the task breakdown: numbered milestones, each task with an ID, exact file targets, and a size tag [S], [M], or [L]. Tag security-sensitive milestones [security].",
	},
}

func (p *Pipeline) runDocumentPhases(ctx context.Context) error {
	for _, dp := range documentPhases {
		if p.machine.Status(dp.phase) == PhaseDone {
			continue
		}
		if err := p.runDocumentPhase(ctx, dp); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) runDocumentPhase(ctx context.Context, dp documentPhase) error {
	ctx = logging.WithPhase(ctx, string(dp.phase))
	ctx, span := p.tracer.Start(ctx, "pipeline.phase."+string(dp.phase))
	defer span.End()
	start := time.Now()

	if err := p.machine.Enter(ctx, dp.phase); err != nil {
		return err
	}
	p.logger.Info(ctx, "phase started", zap.String("role", string(dp.role)))

	res, err := p.dispatch(ctx, worker.Assignment{
		Role:         dp.role,
		Persistence:  dp.persistence,
		Instructions: dp.instructions,
		Reads:        dp.reads,
		Writes:       dp.writes,
	})
	if err != nil {
		p.machine.MarkFailed(dp.phase)
		p.metrics.PhaseCompleted(ctx, string(dp.phase), "failed", time.Since(start))
		_ = p.saveState()
		return err
	}
	if err := p.commitOutputs(ctx, dp.role, res); err != nil {
		p.machine.MarkFailed(dp.phase)
		return err
	}
	if err := p.machine.RecordCompletion(ctx, dp.phase, dp.writes); err != nil {
		return err
	}
	p.metrics.PhaseCompleted(ctx, string(dp.phase), "done", time.Since(start))
	p.logger.Info(ctx, "phase done", zap.String("summary", res.Summary))
	return p.saveState()
}

// loadPlan parses the task breakdown, registers every task with the
// ledger, and computes review checkpoints.
func (p *Pipeline) loadPlan(ctx context.Context) error {
	content, err := p.store.Get(ctx, artifact.TaskBreakdown)
	if err != nil {
		return fmt.Errorf("loading task breakdown: %w", err)
	}
	parsed, err := plan.Parse(content)
	if err != nil {
		return fmt.Errorf("parsing task breakdown: %w", err)
	}

	checkpoints := policy.CheckpointsFor(len(parsed.Milestones), parsed.SecurityFlags())
	for i := range parsed.Milestones {
		parsed.Milestones[i].ReviewCheckpoint = checkpoints[parsed.Milestones[i].Ordinal]
	}
	p.plan = parsed
	p.logger.Info(ctx, "plan loaded",
		zap.Int("milestones", len(parsed.Milestones)),
		zap.Ints("checkpoints", policy.Ordinals(checkpoints)))

	for _, m := range parsed.Milestones {
		for _, t := range m.Tasks {
			err := p.ledger.Create(ctx, ledger.Task{
				ID:        t.ID,
				Title:     t.Title,
				Milestone: t.Milestone,
				DependsOn: t.DependsOn,
				Role:      string(worker.RoleBuilder),
			})
			if err != nil && !errors.Is(err, ledger.ErrTaskExists) {
				return fmt.Errorf("registering task %s: %w", t.ID, err)
			}
		}
	}
	return nil
}

func (p *Pipeline) runIsolation(ctx context.Context) error {
	if p.machine.Status(PhaseIsolation) == PhaseDone {
		if p.ws != nil {
			return nil
		}
		// Resumed run: reattach the clone recorded in state.
		if p.state.WorkspaceDir == "" {
			return fmt.Errorf("isolation done but no workspace recorded")
		}
		ws, err := workspace.Reattach(p.runID, p.state.WorkspaceRef, p.state.WorkspaceDir,
			plumbing.NewHash(p.state.WorkspaceBase))
		if err != nil {
			return err
		}
		p.ws = ws
		return nil
	}
	ctx = logging.WithPhase(ctx, string(PhaseIsolation))
	if err := p.machine.Enter(ctx, PhaseIsolation); err != nil {
		return err
	}

	ws, err := p.workspaces.Create(ctx, p.runID, func(dir string) error {
		return p.store.Snapshot(filepath.Join(dir, ".shipwright", "artifacts"))
	})
	if err != nil {
		p.machine.MarkFailed(PhaseIsolation)
		return fmt.Errorf("creating workspace: %w", err)
	}
	if err := ws.Activate(); err != nil {
		return err
	}
	p.ws = ws
	p.metrics.WorkspaceEvent(ctx, "created")
	p.state.WorkspaceDir = ws.Dir
	p.state.WorkspaceRef = ws.Branch
	p.state.WorkspaceBase = ws.BaseHead.String()
	if err := p.machine.RecordCompletion(ctx, PhaseIsolation, nil); err != nil {
		return err
	}
	return p.saveState()
}

func (p *Pipeline) runBuild(ctx context.Context) error {
	if p.machine.Status(PhaseBuild) == PhaseDone {
		return nil
	}
	ctx = logging.WithPhase(ctx, string(PhaseBuild))
	ctx, span := p.tracer.Start(ctx, "pipeline.phase.build")
	defer span.End()
	start := time.Now()

	if err := p.machine.Enter(ctx, PhaseBuild); err != nil {
		return err
	}

	// Milestones run strictly sequentially.
	for _, m := range p.plan.Milestones {
		if p.doneMilestones[m.Ordinal] {
			continue
		}
		if err := p.runMilestone(ctx, m); err != nil {
			p.machine.MarkFailed(PhaseBuild)
			p.metrics.PhaseCompleted(ctx, string(PhaseBuild), "failed", time.Since(start))
			_ = p.saveState()
			return err
		}
		p.doneMilestones[m.Ordinal] = true
	}

	if err := p.machine.RecordCompletion(ctx, PhaseBuild, nil); err != nil {
		return err
	}
	p.metrics.PhaseCompleted(ctx, string(PhaseBuild), "done", time.Since(start))
	return p.saveState()
}

func (p *Pipeline) runMilestone(ctx context.Context, m plan.Milestone) error {
	ctx = logging.WithMilestone(ctx, m.Ordinal)
	p.logger.Info(ctx, "milestone started",
		zap.String("title", m.Title),
		zap.Bool("checkpoint", m.ReviewCheckpoint))

	for _, t := range m.Tasks {
		if err := p.runTask(ctx, m, t); err != nil {
			return err
		}
	}

	if m.ReviewCheckpoint {
		if err := p.runReviewCheckpoint(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) runTask(ctx context.Context, m plan.Milestone, t plan.Task) error {
	if err := p.ledger.UpdateStatus(ctx, t.ID, ledger.StatusInProgress, string(worker.RoleBuilder)); err != nil {
		return err
	}

	// Exclusive mutation lease for the whole dispatch.
	release, err := p.controller.Acquire(ctx, sched.ClassImplementation, m.Ordinal, t.ID)
	if err != nil {
		return err
	}
	res, err := p.dispatch(ctx, worker.Assignment{
		Role:        worker.RoleBuilder,
		Persistence: worker.Ephemeral,
		Instructions: fmt.Sprintf(
			"Implement task %s: %s. Work only in the workspace at %s. File targets: %s. Size: [%s].",
			t.ID, t.Title, p.ws.Dir, strings.Join(t.Files, ", "), t.Size),
		Reads: []artifact.Name{artifact.Specification, artifact.ArchitectureDoc, artifact.TaskBreakdown},
	})
	release()
	if err != nil {
		return err
	}

	if _, err := p.ws.Commit(ctx, fmt.Sprintf("%s: %s", t.ID, res.Summary)); err != nil {
		return err
	}
	return p.ledger.UpdateStatus(ctx, t.ID, ledger.StatusCompleted, string(worker.RoleBuilder))
}

// runReviewCheckpoint dispatches the reviewer pair on a fixed diff
// snapshot. Both reviewers must return before the milestone proceeds;
// a rendezvous barrier guarantees their executions genuinely overlap.
func (p *Pipeline) runReviewCheckpoint(ctx context.Context, m plan.Milestone) error {
	diff, err := p.ws.Diff(ctx)
	if err != nil {
		return fmt.Errorf("snapshotting milestone diff: %w", err)
	}

	findings, err := p.reviewPair(ctx, m.Ordinal, diff)
	if err != nil {
		return err
	}
	for _, f := range findings {
		p.metrics.FindingRecorded(ctx, string(f.Severity))
	}

	var blocking []artifact.Finding
	for _, f := range findings {
		if f.Severity.Blocking() {
			blocking = append(blocking, f)
		}
	}
	if len(blocking) == 0 {
		return nil
	}

	revErr := &ReviewFailureError{Milestone: m.Ordinal, Findings: blocking}
	p.logger.Warn(ctx, "review checkpoint failed", zap.Error(revErr))
	return p.runFixLoop(ctx, m, revErr)
}

// reviewPair runs the configured number of reviewers concurrently under
// review leases and returns all findings they reported.
func (p *Pipeline) reviewPair(ctx context.Context, milestone int, diff string) ([]artifact.Finding, error) {
	barrier := sched.NewRendezvous(p.reviewers)
	results := make([]worker.Result, p.reviewers)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.reviewers; i++ {
		g.Go(func() error {
			release, err := p.controller.Acquire(gctx, sched.ClassReview, milestone, fmt.Sprintf("review-%d", i))
			if err != nil {
				return err
			}
			defer release()
			// Hold the lease until the whole pair is inside: the overlap
			// is a guarantee, not a scheduling accident.
			if err := barrier.Arrive(gctx); err != nil {
				return err
			}
			res, err := p.dispatch(gctx, worker.Assignment{
				Role:        worker.RoleReviewer,
				Persistence: worker.Ephemeral,
				Instructions: fmt.Sprintf(
					"Review the milestone %d diff below. Report findings as '- [Critical|Important|Minor] description' and end with a Verdict line.\n\n%s",
					milestone, diff),
				Reads:  []artifact.Name{artifact.Specification, artifact.ArchitectureDoc},
				Writes: []artifact.Name{artifact.ReviewLog},
			})
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var findings []artifact.Finding
	for _, res := range results {
		if err := p.commitOutputs(ctx, worker.RoleReviewer, res); err != nil {
			return nil, err
		}
		findings = append(findings, artifact.ParseFindings(res.Outputs[artifact.ReviewLog])...)
	}
	return findings, nil
}

// runFixLoop addresses blocking findings one at a time. Trivial fixes
// are applied by the orchestrator itself, with no worker dispatch and no
// re-review; everything else dispatches a fix and re-reviews until the
// finding clears or its attempts run out. An exhausted issue is deferred
// with a note and the milestone proceeds.
func (p *Pipeline) runFixLoop(ctx context.Context, m plan.Milestone, revErr *ReviewFailureError) error {
	for i, finding := range revErr.Findings {
		issueID := fmt.Sprintf("m%d-finding-%d", m.Ordinal, i+1)

		if proposal, ok := governor.ParseProposal(finding.Description); ok &&
			governor.TrivialEligible(proposal) && proposal.HasEdit() {
			applied, err := p.applyTrivialFix(ctx, m, proposal, finding)
			if err != nil {
				return err
			}
			if applied {
				if _, err := p.store.PutAs(ctx, artifact.ReviewLog,
					fmt.Sprintf("Trivial fix applied for %s: %s\nVerdict: PASS", issueID, finding.Description),
					artifact.Append, "pipeline"); err != nil {
					return err
				}
				continue
			}
			p.logger.Warn(ctx, "trivial fix proposal not applicable, taking the counted fix cycle",
				zap.String("issue", issueID), zap.String("path", proposal.Path))
		}

		for {
			attempt, ok := p.governor.AttemptFix(issueID)
			if !ok {
				p.governor.DeferIssue(ctx, issueID, finding.Description)
				p.logger.Warn(ctx, "proceeding with deferred issue",
					zap.String("issue", issueID), zap.Error(ErrFixExhausted))
				if _, err := p.store.PutAs(ctx, artifact.ReviewLog,
					fmt.Sprintf("Deferred %s after %d failed fix attempts: %s\nVerdict: NEEDS_FIXES", issueID, attempt-1, finding.Description),
					artifact.Append, "pipeline"); err != nil {
					return err
				}
				break
			}

			if err := p.applyFix(ctx, m, finding, fmt.Sprintf("fix attempt %d for %s: %s", attempt, issueID, finding.Description)); err != nil {
				return err
			}
			cleared, err := p.reReview(ctx, m, finding)
			if err != nil {
				return err
			}
			if cleared {
				break
			}
		}
	}
	return nil
}

// applyTrivialFix commits a reviewer-proposed mechanical edit straight to
// the workspace, under the same exclusive mutation lease a builder would
// hold but without dispatching one. A proposal whose target file or search
// text is missing is reported not applied; the caller falls back to the
// counted fix cycle.
func (p *Pipeline) applyTrivialFix(ctx context.Context, m plan.Milestone, proposal governor.FixProposal, finding artifact.Finding) (bool, error) {
	rel := filepath.Clean(proposal.Path)
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false, fmt.Errorf("fix proposal escapes the workspace: %s", proposal.Path)
	}

	release, err := p.controller.Acquire(ctx, sched.ClassFix, m.Ordinal, "trivial-fix")
	if err != nil {
		return false, err
	}
	defer release()

	target := filepath.Join(p.ws.Dir, rel)
	fi, err := os.Stat(target)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	content, err := os.ReadFile(target)
	if err != nil {
		return false, err
	}
	edited := strings.Replace(string(content), proposal.Find, proposal.Replace, 1)
	if edited == string(content) {
		return false, nil
	}
	if err := os.WriteFile(target, []byte(edited), fi.Mode().Perm()); err != nil {
		return false, err
	}
	if _, err := p.ws.Commit(ctx, "trivial fix: "+finding.Description); err != nil {
		return false, err
	}
	return true, nil
}

// applyFix dispatches one builder fix under an exclusive mutation lease
// and commits the workspace.
func (p *Pipeline) applyFix(ctx context.Context, m plan.Milestone, finding artifact.Finding, brief string) error {
	release, err := p.controller.Acquire(ctx, sched.ClassFix, m.Ordinal, "fix")
	if err != nil {
		return err
	}
	res, err := p.dispatch(ctx, worker.Assignment{
		Role:         worker.RoleBuilder,
		Persistence:  worker.Ephemeral,
		Instructions: fmt.Sprintf("%s. Work only in the workspace at %s.", brief, p.ws.Dir),
		Reads:        []artifact.Name{artifact.Specification, artifact.ArchitectureDoc},
	})
	release()
	if err != nil {
		return err
	}
	_, err = p.ws.Commit(ctx, "fix: "+res.Summary)
	return err
}

// reReview asks a single reviewer whether a fix cleared its finding.
func (p *Pipeline) reReview(ctx context.Context, m plan.Milestone, finding artifact.Finding) (bool, error) {
	diff, err := p.ws.Diff(ctx)
	if err != nil {
		return false, err
	}

	release, err := p.controller.Acquire(ctx, sched.ClassReview, m.Ordinal, "re-review")
	if err != nil {
		return false, err
	}
	res, err := p.dispatch(ctx, worker.Assignment{
		Role:        worker.RoleReviewer,
		Persistence: worker.Ephemeral,
		Instructions: fmt.Sprintf(
			"Confirm this finding is resolved in the diff below: %s. End with a Verdict line.\n\n%s",
			finding.Description, diff),
		Writes: []artifact.Name{artifact.ReviewLog},
	})
	release()
	if err != nil {
		return false, err
	}
	if err := p.commitOutputs(ctx, worker.RoleReviewer, res); err != nil {
		return false, err
	}

	verdict, err := artifact.ParseVerdict(res.Outputs[artifact.ReviewLog])
	if err != nil {
		return false, fmt.Errorf("re-review verdict: %w", err)
	}
	return verdict == artifact.VerdictPass, nil
}

// runVerification dispatches QA and interprets the report. A nil gaps
// return means the run passed verification.
func (p *Pipeline) runVerification(ctx context.Context) ([]governor.Gap, error) {
	ctx = logging.WithPhase(ctx, string(PhaseVerification))
	ctx, span := p.tracer.Start(ctx, "pipeline.phase.verification")
	defer span.End()
	start := time.Now()

	if err := p.machine.Enter(ctx, PhaseVerification); err != nil {
		return nil, err
	}

	res, err := p.dispatch(ctx, worker.Assignment{
		Role:        worker.RoleQA,
		Persistence: worker.Ephemeral,
		Instructions: fmt.Sprintf(
			"Verify the implementation in the workspace at %s against the specification. Report 'Verdict: PASS' or 'Verdict: FAIL' plus 'Passed: N' and 'Failed: N' counts. On failure, also write the gaps document: one '- [kind] description' item per gap with kind in missing-feature, bug, architecture, unclear-spec, bad-breakdown.",
			p.ws.Dir),
		Reads:  []artifact.Name{artifact.Specification, artifact.TaskBreakdown},
		Writes: []artifact.Name{artifact.VerificationReport, artifact.GapsReport},
	})
	if err != nil {
		p.machine.MarkFailed(PhaseVerification)
		p.metrics.PhaseCompleted(ctx, string(PhaseVerification), "failed", time.Since(start))
		_ = p.saveState()
		return nil, err
	}

	report, ok := res.Outputs[artifact.VerificationReport]
	if !ok {
		p.machine.MarkFailed(PhaseVerification)
		return nil, fmt.Errorf("verification produced no report")
	}
	verdict, err := artifact.ParseVerdict(report)
	if err != nil {
		p.machine.MarkFailed(PhaseVerification)
		return nil, fmt.Errorf("verification report: %w", err)
	}
	passed, failed, err := artifact.ParseCounts(report)
	if err != nil {
		p.machine.MarkFailed(PhaseVerification)
		return nil, fmt.Errorf("verification report: %w", err)
	}
	if _, err := p.store.PutAs(ctx, artifact.VerificationReport, report, artifact.Overwrite, string(worker.RoleQA)); err != nil {
		return nil, err
	}
	p.logger.Info(ctx, "verification reported",
		zap.String("verdict", string(verdict)),
		zap.Int("passed", passed),
		zap.Int("failed", failed))

	if verdict == artifact.VerdictPass {
		if err := p.machine.RecordCompletion(ctx, PhaseVerification, []artifact.Name{artifact.VerificationReport}); err != nil {
			return nil, err
		}
		p.metrics.PhaseCompleted(ctx, string(PhaseVerification), "done", time.Since(start))
		return nil, p.saveState()
	}

	p.machine.MarkFailed(PhaseVerification)
	p.metrics.PhaseCompleted(ctx, string(PhaseVerification), "failed", time.Since(start))
	if err := p.saveState(); err != nil {
		return nil, err
	}

	gapsDoc, ok := res.Outputs[artifact.GapsReport]
	if !ok {
		return nil, fmt.Errorf("verification failed without a gaps document")
	}
	gaps, err := governor.ParseGaps(gapsDoc)
	if err != nil {
		return nil, fmt.Errorf("gaps document: %w", err)
	}
	return gaps, nil
}

// reenter re-runs the phase a gap was routed to, then control returns
// directly to verification.
func (p *Pipeline) reenter(ctx context.Context, r governor.Routing) error {
	p.logger.Info(ctx, "re-entering phase",
		zap.String("target", string(r.Target)),
		zap.String("gap", r.Gap.Description),
		zap.Int("iteration", r.Iteration))

	switch r.Target {
	case governor.TargetBuild:
		p.machine.Reopen(PhaseBuild)
		if err := p.machine.Enter(ctx, PhaseBuild); err != nil {
			return err
		}
		milestone := plan.Milestone{Ordinal: 0}
		if len(p.plan.Milestones) > 0 {
			milestone = p.plan.Milestones[len(p.plan.Milestones)-1]
		}
		finding := artifact.Finding{Severity: artifact.SeverityImportant, Description: r.Gap.Description}
		if err := p.applyFix(ctx, milestone, finding, "close verification gap: "+r.Gap.Description); err != nil {
			p.machine.MarkFailed(PhaseBuild)
			return err
		}
		return p.machine.RecordCompletion(ctx, PhaseBuild, nil)

	case governor.TargetDefinition, governor.TargetArchitecture, governor.TargetPlanning:
		dp, err := reentryPhaseFor(r.Target)
		if err != nil {
			return err
		}
		dp.instructions = fmt.Sprintf("Revise for this verification gap: %s. %s", r.Gap.Description, dp.instructions)
		dp.reads = append(dp.reads, artifact.GapsReport)
		p.machine.Reopen(dp.phase)
		if err := p.runDocumentPhase(ctx, dp); err != nil {
			return err
		}
		if r.Target == governor.TargetPlanning {
			// A revised breakdown changes tasks and checkpoints.
			return p.loadPlan(ctx)
		}
		return nil

	default:
		return fmt.Errorf("unroutable target %q", r.Target)
	}
}

func reentryPhaseFor(target governor.Target) (documentPhase, error) {
	for _, dp := range documentPhases {
		if string(dp.phase) == string(target) {
			return dp, nil
		}
	}
	return documentPhase{}, fmt.Errorf("no document phase for target %q", target)
}
