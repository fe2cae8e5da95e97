package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipwright/internal/artifact"
	"github.com/fyrsmithlabs/shipwright/internal/config"
	"github.com/fyrsmithlabs/shipwright/internal/governor"
	"github.com/fyrsmithlabs/shipwright/internal/ledger"
	"github.com/fyrsmithlabs/shipwright/internal/logging"
	"github.com/fyrsmithlabs/shipwright/internal/metrics"
	"github.com/fyrsmithlabs/shipwright/internal/pipeline"
	"github.com/fyrsmithlabs/shipwright/internal/sched"
	"github.com/fyrsmithlabs/shipwright/internal/worker"
	"github.com/fyrsmithlabs/shipwright/internal/workspace"
)

var (
	ideaPath string
	repoDir  string
	runID    string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a full pipeline run from an idea file",
	Long: `Execute a full run: read the idea, produce the discovery brief,
specification, architecture, and task breakdown, build milestone by
milestone in an isolated workspace, verify, and ship or block.

Examples:
  # Run against the current repository
  shipwright run --idea idea.md --repo .

  # With metrics
  shipwright run --idea idea.md --repo . --metrics-addr :9090`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&ideaPath, "idea", "", "path to the idea file (required)")
	runCmd.Flags().StringVar(&repoDir, "repo", ".", "target git repository")
	runCmd.Flags().StringVar(&runID, "run-id", "", "run identifier (default: generated)")
	_ = runCmd.MarkFlagRequired("idea")
}

func runRun(cmd *cobra.Command, args []string) error {
	idea, err := os.ReadFile(ideaPath)
	if err != nil {
		return fmt.Errorf("reading idea file: %w", err)
	}
	if runID == "" {
		runID = uuid.NewString()[:8]
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := buildRunEnv(ctx, runID)
	if err != nil {
		return err
	}
	defer env.close()

	if _, err := env.store.PutAs(ctx, artifact.Idea, string(idea), artifact.Overwrite, "user"); err != nil {
		return fmt.Errorf("storing idea: %w", err)
	}

	return executeRun(ctx, cmd, env)
}

// runEnv holds one invocation's collaborators.
type runEnv struct {
	cfg         *config.Config
	logger      *logging.Logger
	store       *artifact.Store
	ledger      *ledger.Ledger
	dispatcher  *worker.Dispatcher
	metrics     *metrics.Metrics
	pipeline    *pipeline.Pipeline
	stopMetrics context.CancelFunc
}

func (e *runEnv) close() {
	e.dispatcher.Shutdown()
	e.ledger.Close()
	if e.stopMetrics != nil {
		e.stopMetrics()
	}
	_ = e.logger.Sync()
}

func buildRunEnv(ctx context.Context, runID string) (*runEnv, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := buildLogger(cfg)
	if err != nil {
		return nil, err
	}

	dir := runDir(cfg, runID)
	store, err := artifact.New(filepath.Join(dir, "artifacts"), logger)
	if err != nil {
		return nil, err
	}

	runners, err := buildRunners(cfg, store)
	if err != nil {
		return nil, err
	}
	dispatcher, err := worker.NewDispatcher(runners, cfg.Workers.DispatchTimeout.Duration(), logger)
	if err != nil {
		return nil, err
	}

	wsManager, err := workspace.NewManager(repoDir, filepath.Join(dir, "clones"), cfg.Workspace.BranchPrefix, logger)
	if err != nil {
		return nil, err
	}

	m, err := metrics.New()
	if err != nil {
		return nil, err
	}
	var stopMetrics context.CancelFunc
	if cfg.Run.MetricsAddr != "" {
		var mctx context.Context
		mctx, stopMetrics = context.WithCancel(context.Background())
		go func() {
			if err := m.Serve(mctx, cfg.Run.MetricsAddr); err != nil {
				logger.Error(ctx, "metrics server failed", zap.Error(err))
			}
		}()
	}

	led := ledger.New(logger)
	gov := governor.New(cfg.Pipeline.IterationCap, cfg.Pipeline.FixAttemptCap, logger)

	p, err := pipeline.New(pipeline.Options{
		RunID:      runID,
		RunDir:     dir,
		Store:      store,
		Ledger:     led,
		Dispatcher: dispatcher,
		Controller: sched.New(),
		Governor:   gov,
		Workspaces: wsManager,
		Metrics:    m,
		Logger:     logger,
		Reviewers:  cfg.Pipeline.ReviewersPerCheckpoint,
	})
	if err != nil {
		if stopMetrics != nil {
			stopMetrics()
		}
		dispatcher.Shutdown()
		led.Close()
		return nil, err
	}

	return &runEnv{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		ledger:      led,
		dispatcher:  dispatcher,
		metrics:     m,
		pipeline:    p,
		stopMetrics: stopMetrics,
	}, nil
}

// buildRunners wires one exec-backed runner per role from config. Workers
// receive their brief on stdin with referenced artifacts inlined from the
// store, and report back on stdout.
func buildRunners(cfg *config.Config, store *artifact.Store) (map[worker.Role]worker.Runner, error) {
	fetch := func(ctx context.Context, name artifact.Name) (string, error) {
		return store.Get(ctx, name)
	}
	commands := map[worker.Role][]string{
		worker.RoleArchitect: cfg.Workers.Architect.Command,
		worker.RoleBuilder:   cfg.Workers.Builder.Command,
		worker.RoleReviewer:  cfg.Workers.Reviewer.Command,
		worker.RoleQA:        cfg.Workers.QA.Command,
	}
	runners := make(map[worker.Role]worker.Runner, len(commands))
	for _, role := range worker.Roles() {
		command := commands[role]
		if len(command) == 0 {
			return nil, fmt.Errorf("no command configured for %s worker", role)
		}
		runner, err := worker.NewExecRunner(command, fetch)
		if err != nil {
			return nil, fmt.Errorf("building %s runner: %w", role, err)
		}
		runners[role] = runner
	}
	return runners, nil
}

func executeRun(ctx context.Context, cmd *cobra.Command, env *runEnv) error {
	report, err := env.pipeline.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Println(report.Summary)
	if report.Status == pipeline.RunBlocked {
		fmt.Printf("\nRun blocked after %d iteration(s). Workspace preserved at %s\n",
			report.Iterations, report.WorkspaceDir)
		cmd.SilenceErrors = true
		cmd.SilenceUsage = true
		return errRunBlocked
	}
	fmt.Printf("\nShipped in %d iteration(s).\n", report.Iterations)
	return nil
}
