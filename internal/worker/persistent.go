package worker

import (
	"context"
	"fmt"
)

// persistentWorker is a long-lived actor for one role lineage. Dispatches
// arrive on its inbox and execute strictly sequentially; the transcript of
// completed exchanges is replayed to the runner on every dispatch so the
// worker retains context across phases (e.g. one architect instance
// spanning definition through planning).
type persistentWorker struct {
	role    Role
	inbox   chan persistentDispatch
	stopped chan struct{}
}

type persistentDispatch struct {
	ctx        context.Context
	assignment Assignment
	handle     *Handle
}

func newPersistentWorker(d *Dispatcher, role Role, runner Runner) *persistentWorker {
	pw := &persistentWorker{
		role:    role,
		inbox:   make(chan persistentDispatch, 8),
		stopped: make(chan struct{}),
	}
	go pw.loop(d, runner)
	return pw
}

func (pw *persistentWorker) dispatch(ctx context.Context, a Assignment, handle *Handle) error {
	select {
	case pw.inbox <- persistentDispatch{ctx: ctx, assignment: a, handle: handle}:
		return nil
	case <-pw.stopped:
		return fmt.Errorf("persistent %s worker is stopped", pw.role)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (pw *persistentWorker) stop() {
	close(pw.stopped)
}

func (pw *persistentWorker) loop(d *Dispatcher, runner Runner) {
	var history []Exchange
	for {
		select {
		case <-pw.stopped:
			return
		case msg := <-pw.inbox:
			out := d.execute(msg.ctx, runner, msg.assignment, history)
			if out.err == nil {
				history = append(history, Exchange{
					Instructions: msg.assignment.Instructions,
					Summary:      out.result.Summary,
				})
			}
			msg.handle.done <- out
		}
	}
}
