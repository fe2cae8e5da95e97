package artifact

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Kind is the schema family an artifact is validated against.
type Kind string

const (
	KindFreeform      Kind = "freeform"
	KindSpecification Kind = "specification"
	KindArchitecture  Kind = "architecture"
	KindBreakdown     Kind = "task-breakdown"
	KindReview        Kind = "review"
	KindVerification  Kind = "verification"
	KindRouted        Kind = "routed" // gaps and blocked reports
)

// Verdict is the terminal token a review or verification document must carry.
type Verdict string

const (
	VerdictPass       Verdict = "PASS"
	VerdictFail       Verdict = "FAIL"
	VerdictNeedsFixes Verdict = "NEEDS_FIXES"
)

// KindFor maps well-known artifact names to their schema kind. Unknown
// names are freeform: schema enforcement exists for the documents that
// gate phase entry, not for incidental notes.
func KindFor(name Name) Kind {
	switch name {
	case Specification:
		return KindSpecification
	case ArchitectureDoc:
		return KindArchitecture
	case TaskBreakdown:
		return KindBreakdown
	case ReviewLog:
		return KindReview
	case VerificationReport:
		return KindVerification
	case GapsReport, BlockedReport:
		return KindRouted
	default:
		return KindFreeform
	}
}

var (
	featureHeadingRe = regexp.MustCompile(`(?mi)^#{2,3}\s+Feature[:\s]`)
	outOfScopeRe     = regexp.MustCompile(`(?mi)^#{2,3}\s+Out of Scope`)
	componentsRe     = regexp.MustCompile(`(?mi)^#{2,3}\s+Components`)
	errorHandlingRe  = regexp.MustCompile(`(?mi)^#{2,3}\s+Error Handling`)
	taskHeadingRe    = regexp.MustCompile(`(?mi)^#{2,4}\s+Task[:\s]`)
	sizeTagRe        = regexp.MustCompile(`\[(S|M|L)\]`)
	filesLineRe      = regexp.MustCompile(`(?mi)^\s*Files?:\s*\S`)
	findingRe        = regexp.MustCompile(`(?mi)^\s*-\s*\[(Critical|Important|Minor)\]`)
	verdictRe        = regexp.MustCompile(`(?m)^\s*Verdict:\s*(PASS|FAIL|NEEDS_FIXES)\s*$`)
	passedCountRe    = regexp.MustCompile(`(?mi)^\s*Passed:\s*(\d+)`)
	failedCountRe    = regexp.MustCompile(`(?mi)^\s*Failed:\s*(\d+)`)
	routedItemRe     = regexp.MustCompile(`(?m)^\s*-\s*.+->\s*(discovery|definition|architecture|planning|build|verification|ship)\s*$`)
	bulletRe         = regexp.MustCompile(`(?m)^\s*-\s*\S`)
)

// ValidateSchema checks content against the minimal schema for kind.
// A nil return means the document is usable by downstream phases.
func ValidateSchema(name Name, content string) error {
	kind := KindFor(name)

	fail := func(reason string) error {
		return &SchemaError{Name: name, Kind: kind, Reason: reason}
	}

	if kind != KindFreeform && strings.TrimSpace(content) == "" {
		return fail("document is empty")
	}

	switch kind {
	case KindFreeform:
		return nil

	case KindSpecification:
		features := splitSections(content, featureHeadingRe)
		if len(features) == 0 {
			return fail("no feature sections found")
		}
		for i, feature := range features {
			if !strings.Contains(feature, "Given") ||
				!strings.Contains(feature, "When") ||
				!strings.Contains(feature, "Then") {
				return fail(fmt.Sprintf("feature %d lacks a Given/When/Then criterion", i+1))
			}
		}
		if !outOfScopeRe.MatchString(content) {
			return fail("missing Out of Scope section")
		}
		return nil

	case KindArchitecture:
		if !componentsRe.MatchString(content) {
			return fail("missing Components section")
		}
		if !errorHandlingRe.MatchString(content) {
			return fail("missing Error Handling section")
		}
		return nil

	case KindBreakdown:
		tasks := splitSections(content, taskHeadingRe)
		if len(tasks) == 0 {
			return fail("no task sections found")
		}
		for i, task := range tasks {
			if !filesLineRe.MatchString(task) {
				return fail(fmt.Sprintf("task %d lacks file targets", i+1))
			}
			if !sizeTagRe.MatchString(task) {
				return fail(fmt.Sprintf("task %d lacks a size tag", i+1))
			}
		}
		return nil

	case KindReview:
		if !verdictRe.MatchString(content) {
			return fail("missing terminal verdict token")
		}
		if !findingRe.MatchString(content) && !strings.Contains(content, "No findings") {
			return fail("missing severity-classified finding list")
		}
		return nil

	case KindVerification:
		if !verdictRe.MatchString(content) {
			return fail("missing terminal verdict token")
		}
		if !passedCountRe.MatchString(content) || !failedCountRe.MatchString(content) {
			return fail("missing pass/fail counts")
		}
		return nil

	case KindRouted:
		if !bulletRe.MatchString(content) {
			return fail("no items found")
		}
		items := bulletRe.FindAllString(content, -1)
		routed := routedItemRe.FindAllString(content, -1)
		if len(routed) < len(items) {
			return fail("item lacks an explicit routing target")
		}
		return nil

	default:
		return fail("unknown schema kind")
	}
}

// ParseVerdict extracts the terminal verdict token from a review or
// verification document. When multiple verdict lines are present the last
// one wins: reviewers may restate earlier verdicts while appending.
func ParseVerdict(content string) (Verdict, error) {
	matches := verdictRe.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return "", fmt.Errorf("no verdict token found")
	}
	return Verdict(matches[len(matches)-1][1]), nil
}

// ParseCounts extracts numeric pass/fail counts from a verification document.
func ParseCounts(content string) (passed, failed int, err error) {
	p := passedCountRe.FindStringSubmatch(content)
	f := failedCountRe.FindStringSubmatch(content)
	if p == nil || f == nil {
		return 0, 0, fmt.Errorf("missing pass/fail counts")
	}
	passed, err = strconv.Atoi(p[1])
	if err != nil {
		return 0, 0, fmt.Errorf("parsing passed count: %w", err)
	}
	failed, err = strconv.Atoi(f[1])
	if err != nil {
		return 0, 0, fmt.Errorf("parsing failed count: %w", err)
	}
	return passed, failed, nil
}

// Severity classifies a review finding.
type Severity string

const (
	SeverityCritical  Severity = "Critical"
	SeverityImportant Severity = "Important"
	SeverityMinor     Severity = "Minor"
)

// Blocking reports whether a finding of this severity blocks milestone
// progress.
func (s Severity) Blocking() bool {
	return s == SeverityCritical || s == SeverityImportant
}

// Finding is one severity-classified item from a review document.
type Finding struct {
	Severity    Severity
	Description string
}

var findingLineRe = regexp.MustCompile(`(?m)^\s*-\s*\[(Critical|Important|Minor)\]\s*(.+?)\s*$`)

// ParseFindings extracts all findings from a review document, in document
// order.
func ParseFindings(content string) []Finding {
	matches := findingLineRe.FindAllStringSubmatch(content, -1)
	findings := make([]Finding, 0, len(matches))
	for _, m := range matches {
		findings = append(findings, Finding{
			Severity:    Severity(m[1]),
			Description: strings.TrimSpace(m[2]),
		})
	}
	return findings
}

// splitSections returns the chunks following each heading match, so each
// chunk can be validated independently.
func splitSections(content string, headingRe *regexp.Regexp) []string {
	locs := headingRe.FindAllStringIndex(content, -1)
	if len(locs) == 0 {
		return nil
	}
	sections := make([]string, 0, len(locs))
	for i, loc := range locs {
		end := len(content)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		sections = append(sections, content[loc[0]:end])
	}
	return sections
}
