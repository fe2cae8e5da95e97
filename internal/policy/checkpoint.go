// Package policy decides which build milestones get a review checkpoint.
//
// The decision scales with milestone count and is forced on by security
// risk flags. CheckpointsFor is pure: re-entering the build phase after an
// iteration recomputes exactly the same set.
package policy

import "sort"

// CheckpointsFor returns the set of milestone ordinals (1-based) that must
// pass through review.
//
//   - count <= 3: only the last milestone
//   - 4 <= count <= 6: the first and the last
//   - count >= 7: every stride-th milestone with stride = ceil(count/3),
//     always including the last
//
// Any ordinal present in securityFlags is added regardless of the base
// policy.
func CheckpointsFor(count int, securityFlags map[int]bool) map[int]bool {
	checkpoints := make(map[int]bool)
	if count < 1 {
		return checkpoints
	}

	switch {
	case count <= 3:
		checkpoints[count] = true
	case count <= 6:
		checkpoints[1] = true
		checkpoints[count] = true
	default:
		stride := (count + 2) / 3 // ceil(count/3)
		for ordinal := stride; ordinal <= count; ordinal += stride {
			checkpoints[ordinal] = true
		}
		checkpoints[count] = true
	}

	for ordinal, flagged := range securityFlags {
		if flagged && ordinal >= 1 && ordinal <= count {
			checkpoints[ordinal] = true
		}
	}
	return checkpoints
}

// Ordinals returns the checkpoint set as a sorted slice, for stable logs
// and reports.
func Ordinals(checkpoints map[int]bool) []int {
	out := make([]int, 0, len(checkpoints))
	for ordinal := range checkpoints {
		out = append(out, ordinal)
	}
	sort.Ints(out)
	return out
}
