// Package logging provides structured logging for the shipwright orchestrator.
//
// It wraps Zap with:
//   - Custom Trace level (-2, below Debug) for dispatch-loop internals
//   - Automatic context field injection (run_id, phase, milestone)
//   - A TestLogger with observation helpers for assertions
//
// Create a logger from config:
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
// Log with context correlation:
//
//	ctx = logging.WithRunID(ctx, runID)
//	ctx = logging.WithPhase(ctx, "build")
//	logger.Info(ctx, "milestone completed", zap.Int("ordinal", 3))
//
// Configuration follows standard shipwright precedence: defaults, then
// config.yaml, then SHIPWRIGHT_LOGGING_* environment variables.
package logging
