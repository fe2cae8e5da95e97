package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipwright/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/shipwright/internal/worker"

// outcome is what a Handle resolves to.
type outcome struct {
	result Result
	err    error
}

// Handle is the future returned by Spawn. It resolves exactly once.
type Handle struct {
	id   string
	role Role
	done chan outcome
}

// ID returns the dispatch id.
func (h *Handle) ID() string { return h.id }

// Role returns the dispatched role.
func (h *Handle) Role() Role { return h.role }

// Await blocks until the worker reports completion or ctx is cancelled.
// A crashed, timed-out, or malformed completion surfaces as a
// *FailureError.
func (h *Handle) Await(ctx context.Context) (Result, error) {
	select {
	case out := <-h.done:
		return out.result, out.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Dispatcher spawns workers bound to a role and a minimal context.
type Dispatcher struct {
	runners map[Role]Runner
	timeout time.Duration
	logger  *logging.Logger
	tracer  trace.Tracer

	mu         sync.Mutex
	persistent map[Role]*persistentWorker
	closed     bool
}

// NewDispatcher creates a dispatcher with one runner per role. timeout
// bounds a single dispatch; a deadline surfaces as a worker failure.
func NewDispatcher(runners map[Role]Runner, timeout time.Duration, logger *logging.Logger) (*Dispatcher, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("dispatch timeout must be > 0")
	}
	for role := range runners {
		if !role.Valid() {
			return nil, fmt.Errorf("unknown role %q", role)
		}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Dispatcher{
		runners:    runners,
		timeout:    timeout,
		logger:     logger.Named("dispatcher"),
		tracer:     otel.Tracer(instrumentationName),
		persistent: make(map[Role]*persistentWorker),
	}, nil
}

// Spawn dispatches an assignment and returns a handle that resolves when
// the worker reports completion. The dispatcher never retries on failure.
func (d *Dispatcher) Spawn(ctx context.Context, a Assignment) (*Handle, error) {
	if !a.Role.Valid() {
		return nil, fmt.Errorf("unknown role %q", a.Role)
	}
	runner, ok := d.runners[a.Role]
	if !ok {
		return nil, fmt.Errorf("no runner registered for role %q", a.Role)
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}

	handle := &Handle{
		id:   a.ID,
		role: a.Role,
		done: make(chan outcome, 1),
	}

	d.logger.Debug(ctx, "worker dispatched",
		zap.String("dispatch_id", a.ID),
		zap.String("role", string(a.Role)),
		zap.Stringer("persistence", a.Persistence),
		zap.Int("reads", len(a.Reads)),
		zap.Int("writes", len(a.Writes)))

	if a.Persistence == Persistent {
		pw, err := d.persistentFor(a.Role, runner)
		if err != nil {
			return nil, err
		}
		if err := pw.dispatch(ctx, a, handle); err != nil {
			return nil, err
		}
		return handle, nil
	}

	go func() {
		handle.done <- d.execute(ctx, runner, a, nil)
	}()
	return handle, nil
}

// Shutdown stops all persistent workers. Outstanding dispatches are
// allowed to finish; new Spawn calls fail.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for _, pw := range d.persistent {
		pw.stop()
	}
	d.persistent = make(map[Role]*persistentWorker)
}

// execute runs one assignment under the dispatch timeout and normalizes
// every failure shape into a *FailureError.
func (d *Dispatcher) execute(ctx context.Context, runner Runner, a Assignment, history []Exchange) outcome {
	ctx, span := d.tracer.Start(ctx, "worker.dispatch",
		trace.WithAttributes(
			attribute.String("worker.role", string(a.Role)),
			attribute.String("worker.dispatch_id", a.ID),
			attribute.String("worker.persistence", a.Persistence.String()),
		))
	defer span.End()

	runCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	result, err := runner.Run(runCtx, a, history)
	result.Duration = time.Since(start)

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		// A timeout is treated identically to a crash.
		err = &FailureError{Role: a.Role, DispatchID: a.ID, Reason: "dispatch timed out", Err: runCtx.Err()}
	case err != nil:
		err = &FailureError{Role: a.Role, DispatchID: a.ID, Reason: "worker crashed", Err: err}
	case result.Status == ResultFailed:
		err = &FailureError{Role: a.Role, DispatchID: a.ID, Reason: "worker reported failure: " + result.Summary}
	case result.Status != ResultCompleted:
		err = &FailureError{Role: a.Role, DispatchID: a.ID, Reason: fmt.Sprintf("malformed result status %q", result.Status)}
	case result.Summary == "":
		err = &FailureError{Role: a.Role, DispatchID: a.ID, Reason: "malformed result: missing summary"}
	}

	if err != nil {
		d.logger.Warn(ctx, "worker dispatch failed",
			zap.String("dispatch_id", a.ID),
			zap.String("role", string(a.Role)),
			zap.Error(err))
		return outcome{err: err}
	}

	d.logger.Info(ctx, "worker completed",
		zap.String("dispatch_id", a.ID),
		zap.String("role", string(a.Role)),
		zap.Duration("duration", result.Duration),
		zap.Int("outputs", len(result.Outputs)))
	return outcome{result: result}
}

func (d *Dispatcher) persistentFor(role Role, runner Runner) (*persistentWorker, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("dispatcher is shut down")
	}
	pw, ok := d.persistent[role]
	if !ok {
		pw = newPersistentWorker(d, role, runner)
		d.persistent[role] = pw
	}
	return pw, nil
}
