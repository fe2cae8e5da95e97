package artifact

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validSpec = `# Specification

## Feature: artifact storage

Given a committed artifact
When a consumer reads it
Then the latest revision is returned

## Out of Scope

- distributed replication
`

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	rev, err := s.Put(ctx, Specification, validSpec, Overwrite)
	require.NoError(t, err)
	assert.Equal(t, 1, rev)

	got, err := s.Get(ctx, Specification)
	require.NoError(t, err)
	assert.Equal(t, validSpec, got)
}

func TestStore_GetNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), Specification)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_OverwriteReplacesAndBumpsRevision(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Put(ctx, DiscoveryBrief, "first", Overwrite)
	require.NoError(t, err)
	rev, err := s.Put(ctx, DiscoveryBrief, "second", Overwrite)
	require.NoError(t, err)
	assert.Equal(t, 2, rev)

	got, err := s.Get(ctx, DiscoveryBrief)
	require.NoError(t, err)
	assert.Equal(t, "second", got)
}

func TestStore_PutRejectsSchemaInvalid(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Put(ctx, Specification, "just prose, no features", Overwrite)
	require.Error(t, err)

	var schemaErr *SchemaError
	assert.True(t, errors.As(err, &schemaErr))
}

func TestStore_GetFailsFastOnSchemaInvalid(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// Freeform names skip validation on write, so an out-of-band rename to
	// a schema'd name is simulated by writing the file directly.
	require.NoError(t, s.writeAtomic(VerificationReport, []byte("no verdict here")))

	_, err := s.Get(ctx, VerificationReport)
	require.Error(t, err)

	var schemaErr *SchemaError
	require.True(t, errors.As(err, &schemaErr))
	assert.Equal(t, KindVerification, schemaErr.Kind)
}

func TestStore_AppendPreservesCallOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Put(ctx, DiscoveryBrief, "section A\n", Append)
	require.NoError(t, err)
	_, err = s.Put(ctx, DiscoveryBrief, "section B\n", Append)
	require.NoError(t, err)

	got, err := s.Get(ctx, DiscoveryBrief)
	require.NoError(t, err)
	assert.Less(t, strings.Index(got, "section A"), strings.Index(got, "section B"))
}

func TestStore_ConcurrentAppendIsLossless(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	const appenders = 8
	const perAppender = 25

	var wg sync.WaitGroup
	for i := 0; i < appenders; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < perAppender; j++ {
				_, err := s.Put(ctx, DiscoveryBrief, fmt.Sprintf("appender-%d section-%d\n", id, j), Append)
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	got, err := s.Get(ctx, DiscoveryBrief)
	require.NoError(t, err)

	for i := 0; i < appenders; i++ {
		for j := 0; j < perAppender; j++ {
			assert.Contains(t, got, fmt.Sprintf("appender-%d section-%d", i, j))
		}
	}

	rev, ok := s.Revision(DiscoveryBrief)
	require.True(t, ok)
	assert.Equal(t, appenders*perAppender, rev)
}

func TestStore_IndexSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := New(dir, nil)
	require.NoError(t, err)
	_, err = s.PutAs(ctx, Specification, validSpec, Overwrite, "definition")
	require.NoError(t, err)

	reopened, err := New(dir, nil)
	require.NoError(t, err)

	rev, ok := reopened.Revision(Specification)
	require.True(t, ok)
	assert.Equal(t, 1, rev)

	infos := reopened.List()
	require.Len(t, infos, 1)
	assert.Equal(t, "definition", infos[0].Producer)
}

func TestStore_Snapshot(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.Put(ctx, Specification, validSpec, Overwrite)
	require.NoError(t, err)
	_, err = s.Put(ctx, DiscoveryBrief, "notes", Overwrite)
	require.NoError(t, err)

	dst := t.TempDir()
	require.NoError(t, s.Snapshot(dst))

	copied, err := New(dst, nil)
	require.NoError(t, err)
	got, err := copied.Get(ctx, Specification)
	require.NoError(t, err)
	assert.Equal(t, validSpec, got)
}
