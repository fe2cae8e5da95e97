package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/shipwright/internal/pipeline"
)

var resumeRunID string

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume an interrupted run",
	Long: `Resume a run from its persisted state. Completed phases are not
re-executed. A run that ended, shipped or blocked, is terminal: resume
refuses to spawn workers and reports the prior outcome instead.`,
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().StringVar(&resumeRunID, "run-id", "", "run identifier (required)")
	resumeCmd.Flags().StringVar(&repoDir, "repo", ".", "target git repository")
	_ = resumeCmd.MarkFlagRequired("run-id")
}

func runResume(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := buildRunEnv(ctx, resumeRunID)
	if err != nil {
		return err
	}
	defer env.close()

	report, err := env.pipeline.Run(ctx)
	if errors.Is(err, pipeline.ErrRunTerminal) {
		fmt.Printf("Run %s already ended: %s (after %d iteration(s)).\n",
			resumeRunID, report.Status, report.Iterations)
		if report.WorkspaceDir != "" {
			fmt.Printf("Workspace preserved at %s\n", report.WorkspaceDir)
		}
		cmd.SilenceErrors = true
		cmd.SilenceUsage = true
		return errRunBlocked
	}
	if err != nil {
		return err
	}

	fmt.Println(report.Summary)
	if report.Status == pipeline.RunBlocked {
		cmd.SilenceErrors = true
		cmd.SilenceUsage = true
		return errRunBlocked
	}
	return nil
}
