package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleBreakdown = `# Task Breakdown

## Milestone 1: storage layer

### Task: artifact store
ID: store
Files: internal/artifact/store.go
Size: [M]

### Task: schema validation
ID: schema
Depends: store
Files: internal/artifact/schema.go
Size: [S]

## Milestone 2: auth [security]

### Task: token handling
Files: internal/auth/token.go, internal/auth/verify.go
Size: [L]
`

func TestParse_Valid(t *testing.T) {
	p, err := Parse(sampleBreakdown)
	require.NoError(t, err)
	require.Len(t, p.Milestones, 2)

	m1 := p.Milestones[0]
	assert.Equal(t, 1, m1.Ordinal)
	assert.Equal(t, "storage layer", m1.Title)
	assert.False(t, m1.SecurityCritical)
	require.Len(t, m1.Tasks, 2)
	assert.Equal(t, "store", m1.Tasks[0].ID)
	assert.Equal(t, []string{"store"}, m1.Tasks[1].DependsOn)
	assert.Equal(t, "S", m1.Tasks[1].Size)

	m2 := p.Milestones[1]
	assert.True(t, m2.SecurityCritical)
	assert.Equal(t, "auth", m2.Title)
	require.Len(t, m2.Tasks, 1)
	// Generated id when none declared
	assert.Equal(t, "m2-t1", m2.Tasks[0].ID)
	assert.Equal(t, []string{"internal/auth/token.go", "internal/auth/verify.go"}, m2.Tasks[0].Files)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"no milestones", "just prose", "no milestones"},
		{
			"non-contiguous ordinals",
			"## Milestone 2\n### Task: x\nFiles: a.go\nSize: [S]\n",
			"contiguous",
		},
		{
			"milestone without tasks",
			"## Milestone 1\nno tasks here\n",
			"no tasks",
		},
		{
			"task without files",
			"## Milestone 1\n### Task: x\nSize: [S]\n",
			"file targets",
		},
		{
			"task without size",
			"## Milestone 1\n### Task: x\nFiles: a.go\n",
			"size tag",
		},
		{
			"unknown dependency",
			"## Milestone 1\n### Task: x\nID: a\nDepends: ghost\nFiles: a.go\nSize: [S]\n",
			"unknown task",
		},
		{
			"duplicate id",
			"## Milestone 1\n### Task: x\nID: a\nFiles: a.go\nSize: [S]\n### Task: y\nID: a\nFiles: b.go\nSize: [S]\n",
			"duplicate task id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.content)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPlan_SecurityFlags(t *testing.T) {
	p, err := Parse(sampleBreakdown)
	require.NoError(t, err)

	flags := p.SecurityFlags()
	assert.Equal(t, map[int]bool{2: true}, flags)
}
