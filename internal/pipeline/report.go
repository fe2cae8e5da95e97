package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipwright/internal/artifact"
	"github.com/fyrsmithlabs/shipwright/internal/ledger"
	"github.com/fyrsmithlabs/shipwright/internal/logging"
	"github.com/fyrsmithlabs/shipwright/internal/workspace"
)

// ship merges the workspace and publishes the ship summary. This is the
// only step that ever updates the trunk.
func (p *Pipeline) ship(ctx context.Context) (*Report, error) {
	ctx = logging.WithPhase(ctx, string(PhaseShip))
	ctx, span := p.tracer.Start(ctx, "pipeline.phase.ship")
	defer span.End()
	start := time.Now()

	if err := p.machine.Enter(ctx, PhaseShip); err != nil {
		return nil, err
	}

	diff, err := p.ws.Diff(ctx)
	if err != nil {
		return p.blockOnError(ctx, err)
	}
	filesChanged := countChangedFiles(diff)

	if err := p.workspaces.Merge(ctx, p.ws); err != nil {
		return p.blockOnError(ctx, fmt.Errorf("merging workspace: %w", err))
	}
	p.metrics.WorkspaceEvent(ctx, "merged")

	report, _ := p.store.Get(ctx, artifact.VerificationReport)
	passed, failed, _ := artifact.ParseCounts(report)

	summary := p.renderShipSummary(filesChanged, passed, failed)
	if _, err := p.store.PutAs(ctx, artifact.ShipSummary, summary, artifact.Overwrite, "pipeline"); err != nil {
		return nil, err
	}
	if err := p.machine.RecordCompletion(ctx, PhaseShip, []artifact.Name{artifact.ShipSummary}); err != nil {
		return nil, err
	}
	p.metrics.PhaseCompleted(ctx, string(PhaseShip), "done", time.Since(start))

	p.state.Status = RunShipped
	p.state.WorkspaceDir = ""
	if err := p.saveState(); err != nil {
		return nil, err
	}
	p.logger.Info(ctx, "run shipped",
		zap.Int("files_changed", filesChanged),
		zap.Int("iterations", p.governor.Iteration()))

	return &Report{
		Status:     RunShipped,
		Summary:    summary,
		Iterations: p.governor.Iteration(),
	}, nil
}

func (p *Pipeline) renderShipSummary(filesChanged, passed, failed int) string {
	var sb strings.Builder
	sb.WriteString("# Ship Summary\n\n")
	fmt.Fprintf(&sb, "Run: %s\n", p.runID)
	fmt.Fprintf(&sb, "Files changed: %d\n", filesChanged)
	fmt.Fprintf(&sb, "Tests passing: %d (failing: %d)\n", passed, failed)
	fmt.Fprintf(&sb, "Iterations used: %d\n", p.governor.Iteration())
	if deferred := p.governor.Deferred(); len(deferred) > 0 {
		sb.WriteString("\n## Deferred Issues\n")
		for _, d := range deferred {
			fmt.Fprintf(&sb, "%s (%d attempts): %s\n", d.ID, d.Attempts, d.Note)
		}
	}
	return sb.String()
}

// blockOnError converts any mid-run failure into the terminal blocked
// report.
func (p *Pipeline) blockOnError(ctx context.Context, err error) (*Report, error) {
	p.logger.Error(ctx, "run failed", zap.Error(err))
	report, blockErr := p.block(ctx, err.Error())
	if blockErr != nil {
		return nil, fmt.Errorf("%v (additionally failed to record blocked state: %w)", err, blockErr)
	}
	return report, nil
}

// block writes the blocked report, abandons the workspace, and persists
// the terminal state. Blocked runs never spawn workers again.
func (p *Pipeline) block(ctx context.Context, reason string) (*Report, error) {
	wsDir := ""
	if p.ws != nil {
		wsDir = p.ws.Dir
		if p.ws.Status() == workspace.StatusActive {
			if err := p.workspaces.Abandon(ctx, p.ws, reason); err != nil {
				return nil, err
			}
			p.metrics.WorkspaceEvent(ctx, "abandoned")
		}
	}

	content := p.renderBlockedReport(ctx, reason, wsDir)
	if _, err := p.store.PutAs(ctx, artifact.BlockedReport, content, artifact.Overwrite, "pipeline"); err != nil {
		return nil, err
	}

	p.state.Status = RunBlocked
	p.state.WorkspaceDir = wsDir
	p.state.Iteration = p.governor.Iteration()
	if err := p.saveState(); err != nil {
		return nil, err
	}
	p.logger.Error(ctx, "run blocked",
		zap.String("reason", reason),
		zap.String("workspace", wsDir))

	return &Report{
		Status:       RunBlocked,
		Summary:      content,
		Iterations:   p.governor.Iteration(),
		WorkspaceDir: wsDir,
	}, nil
}

// renderBlockedReport describes what works, what is stuck, where the
// preserved workspace is, and the recommended next step. Every outstanding
// item carries an explicit routing target.
func (p *Pipeline) renderBlockedReport(ctx context.Context, reason, wsDir string) string {
	var sb strings.Builder
	sb.WriteString("# Blocked Report\n\n")
	fmt.Fprintf(&sb, "Run: %s\n", p.runID)
	fmt.Fprintf(&sb, "Reason: %s\n", reason)
	fmt.Fprintf(&sb, "Iterations used: %d\n", p.governor.Iteration())
	if wsDir != "" {
		fmt.Fprintf(&sb, "Workspace preserved at: %s\n", wsDir)
	}

	sb.WriteString("\n## What Works\n")
	done := 0
	for phase, status := range p.machine.Statuses() {
		if status == PhaseDone {
			done++
			fmt.Fprintf(&sb, "Phase %s completed.\n", phase)
		}
	}
	if tasks, err := p.ledger.Snapshot(ctx); err == nil {
		completed := 0
		for _, t := range tasks {
			if t.Status == ledger.StatusCompleted {
				completed++
			}
		}
		fmt.Fprintf(&sb, "Tasks completed: %d of %d.\n", completed, len(tasks))
	}

	sb.WriteString("\n## Outstanding\n")
	routings := p.governor.RoutingLog()
	if len(routings) == 0 {
		fmt.Fprintf(&sb, "- %s -> %s\n", reason, recommendedPhase(p.machine))
	}
	for _, r := range routings {
		fmt.Fprintf(&sb, "- [%s] %s -> %s\n", r.Gap.Kind, r.Gap.Description, r.Target)
	}
	for _, d := range p.governor.Deferred() {
		fmt.Fprintf(&sb, "- deferred %s: %s -> build\n", d.ID, d.Note)
	}

	sb.WriteString("\nRecommended action: inspect the workspace and the outstanding items above, resolve manually, then start a fresh run.\n")
	return sb.String()
}

// recommendedPhase names the phase a human should look at first: the
// failed one, or the first that never completed.
func recommendedPhase(m *Machine) Phase {
	statuses := m.Statuses()
	pick := PhaseShip
	for _, p := range PhaseOrder {
		if statuses[p] == PhaseFailed {
			pick = p
			break
		}
		if pick == PhaseShip && statuses[p] != PhaseDone {
			pick = p
		}
	}
	// Isolation is a sub-phase of build; gaps route to the phase proper.
	if pick == PhaseIsolation {
		pick = PhaseBuild
	}
	return pick
}

func countChangedFiles(diff string) int {
	count := 0
	for _, line := range strings.Split(diff, "\n") {
		if strings.HasPrefix(line, "diff --git ") {
			count++
		}
	}
	return count
}
