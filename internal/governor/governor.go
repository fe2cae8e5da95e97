// Package governor bounds retries for a pipeline run.
//
// Two counters that must not be conflated:
//
//  1. the per-issue fix-attempt counter (cap 2): after two failed fix
//     dispatches on one issue it is deferred and the milestone proceeds;
//  2. the global iteration counter (starts at 1, cap 5): incremented each
//     time verification fails and a gap is routed back to an earlier
//     phase.
//
// Exhausting one issue's fix attempts does not touch the global counter.
// On global exhaustion the run halts permanently into a diagnosable
// blocked state; resumption must not silently retry.
package governor

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipwright/internal/logging"
)

// GapKind classifies a verification failure item.
type GapKind string

const (
	GapMissingFeature GapKind = "missing-feature"
	GapBug            GapKind = "bug"
	GapArchitecture   GapKind = "architecture"
	GapUnclearSpec    GapKind = "unclear-spec"
	GapBadBreakdown   GapKind = "bad-breakdown"
)

// Target is the pipeline phase a gap is routed back to.
type Target string

const (
	TargetBuild        Target = "build"
	TargetArchitecture Target = "architecture"
	TargetDefinition   Target = "definition"
	TargetPlanning     Target = "planning"
)

// Gap is one verification failure item awaiting routing.
type Gap struct {
	Kind        GapKind
	Description string
}

// Routing is one recorded (gap -> target phase) decision.
type Routing struct {
	Gap       Gap
	Target    Target
	Iteration int
	At        time.Time
}

// DeferredIssue is an issue whose fix attempts were exhausted.
type DeferredIssue struct {
	ID       string
	Note     string
	Attempts int
}

// ErrIterationExhausted is returned when another iteration would exceed
// the global cap. It is fatal to the run.
var ErrIterationExhausted = errors.New("global iteration cap exhausted")

// Route maps a gap kind to its owning phase via the fixed classification
// table. Pure; unknown kinds are an error, never a guess.
func Route(gap Gap) (Target, error) {
	switch gap.Kind {
	case GapMissingFeature, GapBug:
		return TargetBuild, nil
	case GapArchitecture:
		return TargetArchitecture, nil
	case GapUnclearSpec:
		return TargetDefinition, nil
	case GapBadBreakdown:
		return TargetPlanning, nil
	default:
		return "", fmt.Errorf("unknown gap kind %q", gap.Kind)
	}
}

// Governor tracks both retry counters for one run.
type Governor struct {
	iterationCap int
	fixCap       int
	logger       *logging.Logger

	mu          sync.Mutex
	iteration   int
	routingLog  []Routing
	fixAttempts map[string]int
	deferred    []DeferredIssue
}

// New creates a governor. The global counter starts at 1: the first pass
// through the pipeline is iteration 1.
func New(iterationCap, fixCap int, logger *logging.Logger) *Governor {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Governor{
		iterationCap: iterationCap,
		fixCap:       fixCap,
		logger:       logger.Named("governor"),
		iteration:    1,
		fixAttempts:  make(map[string]int),
	}
}

// Iteration returns the current global iteration number.
func (g *Governor) Iteration() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.iteration
}

// Restore sets the iteration counter from persisted run state.
func (g *Governor) Restore(iteration int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if iteration > g.iteration {
		g.iteration = iteration
	}
}

// FailVerification routes each gap to its owning phase and increments the
// global counter. When the increment would exceed the cap it returns
// ErrIterationExhausted and the counter stays put: the run halts on
// exactly the attempt where the counter would exceed the cap.
func (g *Governor) FailVerification(ctx context.Context, gaps []Gap) ([]Routing, error) {
	if len(gaps) == 0 {
		return nil, fmt.Errorf("verification failed with no gaps to route")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.iteration >= g.iterationCap {
		g.logger.Error(ctx, "iteration cap exhausted",
			zap.Int("iteration", g.iteration),
			zap.Int("cap", g.iterationCap))
		return nil, fmt.Errorf("%w: iteration %d of %d", ErrIterationExhausted, g.iteration, g.iterationCap)
	}
	g.iteration++

	routings := make([]Routing, 0, len(gaps))
	for _, gap := range gaps {
		target, err := Route(gap)
		if err != nil {
			return nil, err
		}
		r := Routing{Gap: gap, Target: target, Iteration: g.iteration, At: time.Now().UTC()}
		g.routingLog = append(g.routingLog, r)
		routings = append(routings, r)
		g.logger.Info(ctx, "gap routed",
			zap.String("kind", string(gap.Kind)),
			zap.String("target", string(target)),
			zap.Int("iteration", g.iteration))
	}
	return routings, nil
}

// RoutingLog returns a copy of all routing decisions so far.
func (g *Governor) RoutingLog() []Routing {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Routing, len(g.routingLog))
	copy(out, g.routingLog)
	return out
}

// AttemptFix registers one fix attempt against an issue. ok is false once
// the issue has exhausted its attempts; callers then defer the issue and
// proceed rather than blocking the pipeline on it.
func (g *Governor) AttemptFix(issueID string) (attempt int, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fixAttempts[issueID]++
	attempt = g.fixAttempts[issueID]
	return attempt, attempt <= g.fixCap
}

// DeferIssue records an issue as deferred after its attempts ran out.
// Deferring is local recovery: it never touches the global counter.
func (g *Governor) DeferIssue(ctx context.Context, issueID, note string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deferred = append(g.deferred, DeferredIssue{
		ID:       issueID,
		Note:     note,
		Attempts: g.fixAttempts[issueID],
	})
	g.logger.Warn(ctx, "issue deferred after exhausted fix attempts",
		zap.String("issue", issueID),
		zap.Int("attempts", g.fixAttempts[issueID]))
}

// Deferred returns all deferred issues.
func (g *Governor) Deferred() []DeferredIssue {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]DeferredIssue, len(g.deferred))
	copy(out, g.deferred)
	return out
}

var gapLineRe = regexp.MustCompile(`(?m)^\s*-\s*\[([a-z-]+)\]\s*(.+?)(?:\s*->\s*\S+)?\s*$`)

// ParseGaps extracts gaps from a gaps document. Each item must carry a
// known kind tag; routing annotations are recomputed, not trusted.
func ParseGaps(content string) ([]Gap, error) {
	matches := gapLineRe.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil, fmt.Errorf("no gap items found")
	}
	gaps := make([]Gap, 0, len(matches))
	for _, m := range matches {
		gap := Gap{Kind: GapKind(m[1]), Description: strings.TrimSpace(m[2])}
		if _, err := Route(gap); err != nil {
			return nil, err
		}
		gaps = append(gaps, gap)
	}
	return gaps, nil
}

// RenderRouted formats routing decisions as the routed gaps document, one
// item per line with its explicit routing target.
func RenderRouted(routings []Routing) string {
	var sb strings.Builder
	for _, r := range routings {
		fmt.Fprintf(&sb, "- [%s] %s -> %s\n", r.Gap.Kind, r.Gap.Description, r.Target)
	}
	return sb.String()
}
