package logging

import (
	"context"

	"go.uber.org/zap"
)

type contextKey int

const (
	runIDKey contextKey = iota
	phaseKey
	milestoneKey
)

// WithRunID attaches a run identifier to the context for log correlation.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// WithPhase attaches the current pipeline phase to the context.
func WithPhase(ctx context.Context, phase string) context.Context {
	return context.WithValue(ctx, phaseKey, phase)
}

// WithMilestone attaches the current milestone ordinal to the context.
func WithMilestone(ctx context.Context, ordinal int) context.Context {
	return context.WithValue(ctx, milestoneKey, ordinal)
}

// ContextFields extracts correlation fields from the context.
// Missing values are simply omitted.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}

	var fields []zap.Field
	if runID, ok := ctx.Value(runIDKey).(string); ok && runID != "" {
		fields = append(fields, zap.String("run_id", runID))
	}
	if phase, ok := ctx.Value(phaseKey).(string); ok && phase != "" {
		fields = append(fields, zap.String("phase", phase))
	}
	if ordinal, ok := ctx.Value(milestoneKey).(int); ok {
		fields = append(fields, zap.Int("milestone", ordinal))
	}
	return fields
}
