// Package ledger implements the observable task ledger.
//
// The ledger is a progress log, not a gate: phase progress is gated by the
// artifact store, while the ledger exists so a human or supervising process
// can watch task status without inspecting file contents. A single
// goroutine owns all task records; every mutation and query goes through
// its inbox, so no caller ever touches shared state directly.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipwright/internal/logging"
)

// Status is the lifecycle state of a ledger task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusBlocked    Status = "blocked"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

var (
	// ErrTaskNotFound indicates an unknown task id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskExists indicates a duplicate Create.
	ErrTaskExists = errors.New("task already exists")

	// ErrDependencyNotSatisfied rejects a Completed transition while any
	// dependency is not yet Completed.
	ErrDependencyNotSatisfied = errors.New("dependency not satisfied")

	// ErrClosed indicates the ledger has shut down.
	ErrClosed = errors.New("ledger closed")
)

// Task is one observable ledger record.
type Task struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Milestone int       `json:"milestone"`
	DependsOn []string  `json:"depends_on,omitempty"`
	Role      string    `json:"role"`
	Status    Status    `json:"status"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Filter selects tasks for Query. Zero values match everything.
type Filter struct {
	Milestone int
	Status    Status
	Role      string
}

func (f Filter) matches(t Task) bool {
	if f.Milestone != 0 && t.Milestone != f.Milestone {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Role != "" && t.Role != f.Role {
		return false
	}
	return true
}

type request struct {
	create *Task
	update *statusUpdate
	query  *Filter
	reply  chan response
}

type statusUpdate struct {
	id        string
	status    Status
	updatedBy string
}

type response struct {
	tasks []Task
	err   error
}

// Ledger owns all task records behind a single goroutine.
type Ledger struct {
	inbox  chan request
	done   chan struct{}
	logger *logging.Logger
}

// New starts a ledger actor. Call Close when the run ends.
func New(logger *logging.Logger) *Ledger {
	if logger == nil {
		logger = logging.NewNop()
	}
	l := &Ledger{
		inbox:  make(chan request),
		done:   make(chan struct{}),
		logger: logger.Named("ledger"),
	}
	go l.loop()
	return l
}

// Close shuts the actor down. Pending callers receive ErrClosed.
func (l *Ledger) Close() {
	close(l.done)
}

// Create registers a new task record. Status starts Pending, or Blocked
// when the task declares dependencies.
func (l *Ledger) Create(ctx context.Context, task Task) error {
	_, err := l.send(ctx, request{create: &task})
	return err
}

// UpdateStatus transitions a task. Completed is rejected with
// ErrDependencyNotSatisfied unless every dependency is already Completed.
func (l *Ledger) UpdateStatus(ctx context.Context, id string, status Status, updatedBy string) error {
	_, err := l.send(ctx, request{update: &statusUpdate{id: id, status: status, updatedBy: updatedBy}})
	return err
}

// Query returns copies of all tasks matching the filter, ordered by
// milestone then id.
func (l *Ledger) Query(ctx context.Context, filter Filter) ([]Task, error) {
	return l.send(ctx, request{query: &filter})
}

// Snapshot returns copies of every task.
func (l *Ledger) Snapshot(ctx context.Context) ([]Task, error) {
	return l.Query(ctx, Filter{})
}

func (l *Ledger) send(ctx context.Context, req request) ([]Task, error) {
	select {
	case <-l.done:
		return nil, ErrClosed
	default:
	}

	req.reply = make(chan response, 1)
	select {
	case l.inbox <- req:
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case resp := <-req.reply:
		return resp.tasks, resp.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Ledger) loop() {
	tasks := make(map[string]*Task)
	for {
		select {
		case <-l.done:
			return
		case req := <-l.inbox:
			req.reply <- l.handle(tasks, req)
		}
	}
}

func (l *Ledger) handle(tasks map[string]*Task, req request) response {
	switch {
	case req.create != nil:
		t := *req.create
		if t.ID == "" {
			return response{err: fmt.Errorf("task id must not be empty")}
		}
		if _, ok := tasks[t.ID]; ok {
			return response{err: fmt.Errorf("%w: %s", ErrTaskExists, t.ID)}
		}
		now := time.Now().UTC()
		t.CreatedAt = now
		t.UpdatedAt = now
		if t.Status == "" {
			t.Status = StatusPending
			if len(t.DependsOn) > 0 {
				t.Status = StatusBlocked
			}
		}
		tasks[t.ID] = &t
		l.logger.Debug(context.Background(), "task created",
			zap.String("task", t.ID), zap.Int("milestone", t.Milestone))
		return response{}

	case req.update != nil:
		u := req.update
		t, ok := tasks[u.id]
		if !ok {
			return response{err: fmt.Errorf("%w: %s", ErrTaskNotFound, u.id)}
		}
		if u.status == StatusCompleted {
			for _, dep := range t.DependsOn {
				depTask, ok := tasks[dep]
				if !ok || depTask.Status != StatusCompleted {
					return response{err: fmt.Errorf("%w: task %s requires %s", ErrDependencyNotSatisfied, u.id, dep)}
				}
			}
		}
		t.Status = u.status
		t.UpdatedBy = u.updatedBy
		t.UpdatedAt = time.Now().UTC()
		return response{}

	case req.query != nil:
		var out []Task
		for _, t := range tasks {
			if req.query.matches(*t) {
				out = append(out, *t)
			}
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].Milestone != out[j].Milestone {
				return out[i].Milestone < out[j].Milestone
			}
			return out[i].ID < out[j].ID
		})
		return response{tasks: out}

	default:
		return response{err: fmt.Errorf("empty ledger request")}
	}
}
