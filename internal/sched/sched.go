// Package sched enforces the orchestrator's concurrency discipline.
//
// The rule table is enforced, not advisory:
//
//	Implementation (mutates files)  excludes everything
//	Fix (mutates files)             excludes everything
//	Review (reads a diff snapshot)  shares with other reviews, excludes mutation
//
// Mutation-class leases are exclusive with respect to the workspace and
// the milestone's artifact set; review leases are shared among themselves.
// Every lease is recorded as an Interval so tests (and diagnostics) can
// check the no-overlap properties against real wall-clock executions.
package sched

import (
	"context"
	"sync"
	"time"
)

// Class distinguishes lease behavior.
type Class string

const (
	ClassImplementation Class = "implementation"
	ClassFix            Class = "fix"
	ClassReview         Class = "review"
)

// Mutating reports whether the class requires exclusive access.
func (c Class) Mutating() bool {
	return c == ClassImplementation || c == ClassFix
}

// Interval records one lease's lifetime for observability and testing.
type Interval struct {
	Class     Class
	Milestone int
	TaskID    string
	Start     time.Time
	End       time.Time
}

// Overlaps reports whether two closed intervals intersect in time.
func (iv Interval) Overlaps(other Interval) bool {
	return iv.Start.Before(other.End) && other.Start.Before(iv.End)
}

// Controller hands out mutation and review leases.
type Controller struct {
	mu   sync.Mutex
	cond *sync.Cond

	mutationActive bool
	reviewsActive  int

	intervals []*Interval
}

// New creates a Controller.
func New() *Controller {
	c := &Controller{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Acquire blocks until the requested lease is grantable or ctx is
// cancelled. The returned release function must be called exactly once.
func (c *Controller) Acquire(ctx context.Context, class Class, milestone int, taskID string) (func(), error) {
	// Wake waiters when the caller gives up.
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()

	for !c.grantableLocked(class) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if class.Mutating() {
		c.mutationActive = true
	} else {
		c.reviewsActive++
	}

	iv := &Interval{
		Class:     class,
		Milestone: milestone,
		TaskID:    taskID,
		Start:     time.Now(),
	}
	c.intervals = append(c.intervals, iv)

	var once sync.Once
	release := func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			iv.End = time.Now()
			if class.Mutating() {
				c.mutationActive = false
			} else {
				c.reviewsActive--
			}
			c.cond.Broadcast()
		})
	}
	return release, nil
}

func (c *Controller) grantableLocked(class Class) bool {
	if class.Mutating() {
		return !c.mutationActive && c.reviewsActive == 0
	}
	return !c.mutationActive
}

// Intervals returns copies of all recorded lease intervals, including any
// still open (zero End).
func (c *Controller) Intervals() []Interval {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Interval, len(c.intervals))
	for i, iv := range c.intervals {
		out[i] = *iv
	}
	return out
}

// Rendezvous is a reusable barrier for a fixed party count. Review pairs
// arrive at the barrier inside their leases, guaranteeing their execution
// intervals genuinely overlap in wall-clock time.
type Rendezvous struct {
	parties int

	mu      sync.Mutex
	waiting int
	release chan struct{}
}

// NewRendezvous creates a barrier for the given party count.
func NewRendezvous(parties int) *Rendezvous {
	return &Rendezvous{
		parties: parties,
		release: make(chan struct{}),
	}
}

// Arrive blocks until all parties have arrived or ctx is cancelled.
func (r *Rendezvous) Arrive(ctx context.Context) error {
	r.mu.Lock()
	r.waiting++
	release := r.release
	if r.waiting == r.parties {
		r.waiting = 0
		r.release = make(chan struct{})
		close(release)
	}
	r.mu.Unlock()

	select {
	case <-release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
