package governor

import (
	"regexp"
	"strconv"
)

// FixPattern names the shape of a proposed fix.
type FixPattern string

const (
	PatternMissingNilGuard FixPattern = "missing-nil-guard"
	PatternMissingImport   FixPattern = "missing-import"
	PatternOffByOne        FixPattern = "off-by-one"
	PatternTypo            FixPattern = "typo"
)

// FixProposal describes a fix a reviewer proposes inline with a finding.
// Path, Find, and Replace carry the mechanical edit itself so the
// orchestrator can apply it without dispatching a worker.
type FixProposal struct {
	FilesTouched int
	LineDelta    int
	Pattern      FixPattern

	Path    string
	Find    string
	Replace string
}

// HasEdit reports whether the proposal carries a complete mechanical edit.
// Eligible proposals without one still take the full counted fix cycle.
func (p FixProposal) HasEdit() bool {
	return p.Path != "" && p.Find != ""
}

// TrivialEligible reports whether a proposed fix may be applied directly
// by the orchestrator, with a log entry and no worker dispatch or
// re-review. A fix is trivial only when it touches exactly one file,
// changes fewer than five lines, and matches one of the enumerated
// patterns. Total over all inputs; anything else goes through the full
// fix cycle.
func TrivialEligible(p FixProposal) bool {
	if p.FilesTouched != 1 {
		return false
	}
	if p.LineDelta >= 5 || p.LineDelta < 0 {
		return false
	}
	switch p.Pattern {
	case PatternMissingNilGuard, PatternMissingImport, PatternOffByOne, PatternTypo:
		return true
	default:
		return false
	}
}

var proposalRe = regexp.MustCompile(`\{fix:\s*files=(\d+)\s+delta=(-?\d+)\s+pattern=([a-z-]+)(?:\s+path=(\S+)\s+find="([^"]*)"\s+replace="([^"]*)")?\}`)

// ParseProposal extracts an inline fix proposal from a finding line, e.g.
// "{fix: files=1 delta=2 pattern=typo path=main.go find="artefact"
// replace="artifact"}". The path/find/replace trailer is optional.
// Findings without a proposal are not trivial candidates; they take the
// full fix cycle.
func ParseProposal(finding string) (FixProposal, bool) {
	m := proposalRe.FindStringSubmatch(finding)
	if m == nil {
		return FixProposal{}, false
	}
	files, err := strconv.Atoi(m[1])
	if err != nil {
		return FixProposal{}, false
	}
	delta, err := strconv.Atoi(m[2])
	if err != nil {
		return FixProposal{}, false
	}
	return FixProposal{
		FilesTouched: files,
		LineDelta:    delta,
		Pattern:      FixPattern(m[3]),
		Path:         m[4],
		Find:         m[5],
		Replace:      m[6],
	}, true
}
