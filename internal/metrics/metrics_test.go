package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordAndScrape(t *testing.T) {
	ctx := context.Background()
	m, err := New()
	require.NoError(t, err)

	m.PhaseCompleted(ctx, "build", "done", 42*time.Second)
	m.DispatchCompleted(ctx, "reviewer", "success", 3*time.Second)
	m.DispatchCompleted(ctx, "reviewer", "timeout", 900*time.Second)
	m.FindingRecorded(ctx, "critical")
	m.FindingRecorded(ctx, "minor")
	m.IterationAdvanced(ctx, 3)
	m.WorkspaceEvent(ctx, "merged")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := string(body)
	assert.Contains(t, out, `shipwright_pipeline_phase_completions_total{outcome="done",phase="build"} 1`)
	assert.Contains(t, out, `shipwright_worker_dispatches_total{outcome="success",role="reviewer"} 1`)
	assert.Contains(t, out, `shipwright_worker_dispatches_total{outcome="timeout",role="reviewer"} 1`)
	assert.Contains(t, out, `shipwright_review_findings_total{severity="critical"} 1`)
	assert.Contains(t, out, "shipwright_governor_iteration 3")
	assert.Contains(t, out, `shipwright_workspace_events_total{event="merged"} 1`)
}

func TestMetrics_ServeStopsOnCancel(t *testing.T) {
	m, err := New()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx, "127.0.0.1:0") }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not shut down")
	}
}
