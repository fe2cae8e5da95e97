// Package plan models the build plan parsed from the task-breakdown
// artifact: ordered milestones, each holding the atomic tasks executed
// sequentially inside the build phase.
package plan

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Milestone is an ordered group of tasks within the build phase. It is the
// unit the checkpoint policy operates on.
type Milestone struct {
	Ordinal          int    `json:"ordinal"`
	Title            string `json:"title"`
	SecurityCritical bool   `json:"security_critical"`

	// ReviewCheckpoint is computed by the checkpoint policy, not parsed.
	ReviewCheckpoint bool `json:"review_checkpoint"`

	Tasks []Task `json:"tasks"`
}

// Task is an atomic unit of implementation work.
type Task struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Milestone int      `json:"milestone"`
	DependsOn []string `json:"depends_on,omitempty"`
	Files     []string `json:"files"`
	Size      string   `json:"size"`
}

// Plan is the parsed, validated task breakdown.
type Plan struct {
	Milestones []Milestone `json:"milestones"`
}

// SecurityFlags returns the ordinals of security-critical milestones,
// in the form the checkpoint policy consumes.
func (p *Plan) SecurityFlags() map[int]bool {
	flags := make(map[int]bool)
	for _, m := range p.Milestones {
		if m.SecurityCritical {
			flags[m.Ordinal] = true
		}
	}
	return flags
}

var (
	milestoneRe = regexp.MustCompile(`(?m)^##\s+Milestone\s+(\d+)(?::\s*(.*?))?\s*$`)
	taskRe      = regexp.MustCompile(`(?m)^###\s+Task:\s*(.+?)\s*$`)
	idRe        = regexp.MustCompile(`(?m)^ID:\s*(\S+)`)
	dependsRe   = regexp.MustCompile(`(?m)^Depends:\s*(.+)`)
	filesRe     = regexp.MustCompile(`(?m)^Files?:\s*(.+)`)
	sizeRe      = regexp.MustCompile(`\[(S|M|L)\]`)
)

const securityTag = "[security]"

// Parse builds a Plan from the task-breakdown document, failing fast on
// structural problems rather than letting the build phase consume a
// malformed plan.
func Parse(content string) (*Plan, error) {
	milestoneLocs := milestoneRe.FindAllStringSubmatchIndex(content, -1)
	if len(milestoneLocs) == 0 {
		return nil, fmt.Errorf("task breakdown contains no milestones")
	}

	plan := &Plan{}
	seenTaskIDs := make(map[string]bool)

	for i, loc := range milestoneLocs {
		end := len(content)
		if i+1 < len(milestoneLocs) {
			end = milestoneLocs[i+1][0]
		}
		section := content[loc[0]:end]

		ordinal, err := strconv.Atoi(content[loc[2]:loc[3]])
		if err != nil {
			return nil, fmt.Errorf("milestone %d: invalid ordinal: %w", i+1, err)
		}
		if ordinal != i+1 {
			return nil, fmt.Errorf("milestone ordinals must be contiguous from 1: got %d at position %d", ordinal, i+1)
		}

		title := ""
		if loc[4] >= 0 {
			title = content[loc[4]:loc[5]]
		}

		m := Milestone{
			Ordinal:          ordinal,
			Title:            strings.TrimSpace(strings.ReplaceAll(title, securityTag, "")),
			SecurityCritical: strings.Contains(title, securityTag),
		}

		tasks, err := parseTasks(section, ordinal, seenTaskIDs)
		if err != nil {
			return nil, err
		}
		if len(tasks) == 0 {
			return nil, fmt.Errorf("milestone %d has no tasks", ordinal)
		}
		m.Tasks = tasks

		plan.Milestones = append(plan.Milestones, m)
	}

	if err := plan.validateDependencies(seenTaskIDs); err != nil {
		return nil, err
	}
	return plan, nil
}

func parseTasks(section string, milestone int, seen map[string]bool) ([]Task, error) {
	taskLocs := taskRe.FindAllStringSubmatchIndex(section, -1)
	tasks := make([]Task, 0, len(taskLocs))

	for i, loc := range taskLocs {
		end := len(section)
		if i+1 < len(taskLocs) {
			end = taskLocs[i+1][0]
		}
		block := section[loc[0]:end]
		title := section[loc[2]:loc[3]]

		task := Task{
			Title:     title,
			Milestone: milestone,
			ID:        fmt.Sprintf("m%d-t%d", milestone, i+1),
		}

		if m := idRe.FindStringSubmatch(block); m != nil {
			task.ID = m[1]
		}
		if seen[task.ID] {
			return nil, fmt.Errorf("duplicate task id %q", task.ID)
		}
		seen[task.ID] = true

		if m := dependsRe.FindStringSubmatch(block); m != nil {
			for _, dep := range strings.Split(m[1], ",") {
				if dep = strings.TrimSpace(dep); dep != "" {
					task.DependsOn = append(task.DependsOn, dep)
				}
			}
		}

		m := filesRe.FindStringSubmatch(block)
		if m == nil {
			return nil, fmt.Errorf("task %q lacks file targets", task.ID)
		}
		for _, f := range strings.Split(m[1], ",") {
			if f = strings.TrimSpace(f); f != "" {
				task.Files = append(task.Files, f)
			}
		}

		sm := sizeRe.FindStringSubmatch(block)
		if sm == nil {
			return nil, fmt.Errorf("task %q lacks a size tag", task.ID)
		}
		task.Size = sm[1]

		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (p *Plan) validateDependencies(known map[string]bool) error {
	for _, m := range p.Milestones {
		for _, t := range m.Tasks {
			for _, dep := range t.DependsOn {
				if !known[dep] {
					return fmt.Errorf("task %q depends on unknown task %q", t.ID, dep)
				}
			}
		}
	}
	return nil
}
