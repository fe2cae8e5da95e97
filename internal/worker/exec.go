package worker

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/shipwright/internal/artifact"
)

// Fetcher reads an artifact the worker is allowed to consume. The
// orchestrator wires this to the store; runners never get store handles.
type Fetcher func(ctx context.Context, name artifact.Name) (string, error)

// ExecRunner runs one external command per dispatch. The brief (free-form
// instructions plus the permitted artifact references inlined) is written
// to stdin; the completion report is parsed from stdout.
//
// Stdout protocol:
//
//	SUMMARY: one line describing the outcome
//	=== artifact: <name> ===
//	...full document content...
//	=== end ===
//
// Any artifact block naming a document outside the assignment's write
// allow-list makes the result malformed.
type ExecRunner struct {
	command []string
	fetch   Fetcher
}

// NewExecRunner builds a runner from a command line (executable + args).
func NewExecRunner(command []string, fetch Fetcher) (*ExecRunner, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("command must not be empty")
	}
	return &ExecRunner{command: command, fetch: fetch}, nil
}

var artifactBlockRe = regexp.MustCompile(`(?ms)^=== artifact: (\S+) ===\n(.*?)^=== end ===$`)

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, a Assignment, history []Exchange) (Result, error) {
	brief, err := r.buildBrief(ctx, a, history)
	if err != nil {
		return Result{}, err
	}

	cmd := exec.CommandContext(ctx, r.command[0], r.command[1:]...)
	cmd.Stdin = strings.NewReader(brief)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Result{}, fmt.Errorf("running %s worker command: %w (stderr: %s)",
			a.Role, err, strings.TrimSpace(stderr.String()))
	}

	return r.parseReport(a, stdout.String())
}

func (r *ExecRunner) buildBrief(ctx context.Context, a Assignment, history []Exchange) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ROLE: %s\nDISPATCH: %s\n\n", a.Role, a.ID)

	for _, ex := range history {
		fmt.Fprintf(&sb, "PREVIOUSLY:\n%s\n-> %s\n\n", ex.Instructions, ex.Summary)
	}

	sb.WriteString("INSTRUCTIONS:\n")
	sb.WriteString(a.Instructions)
	sb.WriteString("\n")

	for _, name := range a.Reads {
		content, err := r.fetch(ctx, name)
		if err != nil {
			return "", fmt.Errorf("fetching %s for brief: %w", name, err)
		}
		fmt.Fprintf(&sb, "\n=== artifact: %s ===\n%s\n=== end ===\n", name, content)
	}

	if len(a.Writes) > 0 {
		sb.WriteString("\nMAY WRITE:\n")
		for _, name := range a.Writes {
			fmt.Fprintf(&sb, "- %s\n", name)
		}
	}
	return sb.String(), nil
}

func (r *ExecRunner) parseReport(a Assignment, output string) (Result, error) {
	result := Result{Status: ResultCompleted, Outputs: make(map[artifact.Name]string)}

	for _, line := range strings.Split(output, "\n") {
		if rest, ok := strings.CutPrefix(line, "SUMMARY:"); ok {
			result.Summary = strings.TrimSpace(rest)
			break
		}
	}

	allowed := make(map[artifact.Name]bool, len(a.Writes))
	for _, name := range a.Writes {
		allowed[name] = true
	}

	for _, m := range artifactBlockRe.FindAllStringSubmatch(output, -1) {
		name := artifact.Name(m[1])
		if !allowed[name] {
			return Result{}, fmt.Errorf("worker wrote artifact %q outside its allow-list", name)
		}
		result.Outputs[name] = m[2]
	}

	return result, nil
}
