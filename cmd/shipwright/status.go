package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/shipwright/internal/artifact"
	"github.com/fyrsmithlabs/shipwright/internal/pipeline"
)

var (
	statusRunID  string
	statusFollow bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a run's phase and artifact snapshot",
	Long: `Show the persisted phase statuses and committed artifact revisions
for a run. With --follow, keep watching the artifact store and print each
change as it lands.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusRunID, "run-id", "", "run identifier (required)")
	statusCmd.Flags().BoolVar(&statusFollow, "follow", false, "keep watching for artifact changes")
	_ = statusCmd.MarkFlagRequired("run-id")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir := runDir(cfg, statusRunID)

	state, err := pipeline.LoadState(dir)
	if err != nil {
		return err
	}
	if state == nil {
		return fmt.Errorf("no run state found for %q under %s", statusRunID, cfg.Run.RunsDir)
	}

	fmt.Printf("Run:       %s\n", state.RunID)
	fmt.Printf("Status:    %s\n", state.Status)
	fmt.Printf("Iteration: %d\n", state.Iteration)
	if state.WorkspaceDir != "" {
		fmt.Printf("Workspace: %s\n", state.WorkspaceDir)
	}

	fmt.Println("\nPhases:")
	for _, phase := range pipeline.PhaseOrder {
		fmt.Printf("  %-13s %s\n", phase, state.Phases[phase])
	}

	store, err := artifact.New(filepath.Join(dir, "artifacts"), nil)
	if err != nil {
		return err
	}
	fmt.Println("\nArtifacts:")
	for _, info := range store.List() {
		fmt.Printf("  %-24s rev %d  (%s)\n", info.Name, info.Revision, info.Producer)
	}

	if !statusFollow {
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events, err := store.Watch(ctx)
	if err != nil {
		return err
	}
	fmt.Println("\nWatching for changes (ctrl-c to stop):")
	for ev := range events {
		printEvent(ctx, store, ev)
	}
	return nil
}

func printEvent(ctx context.Context, store *artifact.Store, ev artifact.Event) {
	if rev, ok := store.Revision(ev.Name); ok {
		fmt.Printf("  %s %s (rev %d)\n", ev.Op, ev.Name, rev)
		return
	}
	fmt.Printf("  %s %s\n", ev.Op, ev.Name)
}
