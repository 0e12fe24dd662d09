// Package taskqueue holds submissions for graph runs until a worker applies
// them to an engine. Tasks are leased: a dequeued task stays invisible to
// other workers until its lease expires, and is removed only when acked.
package taskqueue

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/graphflow/pkg/api"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	TaskStartRun    TaskType = "start-run"
	TaskResolveGate TaskType = "resolve-gate"
	TaskCancelRun   TaskType = "cancel-run"
	TaskResumeRun   TaskType = "resume-run"
)

var (
	// ErrTaskNotFound is returned when acking, nacking or renewing a task
	// that is not in the queue.
	ErrTaskNotFound = errors.New("task not found")
	// ErrLeaseLost is returned when the caller no longer holds the lease.
	ErrLeaseLost = errors.New("task lease lost")
)

// Task is a unit of work for the worker.
type Task struct {
	ID   string
	Type TaskType

	// Graph and Input are set for start-run tasks.
	Graph string
	Input api.Message

	// RunID is set for resolve-gate, cancel-run and resume-run tasks.
	RunID string

	// Node and Resolution are set for resolve-gate tasks.
	Node       string
	Resolution api.GateResolution

	EnqueuedAt time.Time
	// NotBefore is the earliest time the task may be dequeued. Zero means
	// immediately.
	NotBefore time.Time
	// Attempts counts failed processing attempts so far.
	Attempts int
}

// Queue is a leased task queue.
type Queue interface {
	// Enqueue adds a task. An empty ID is replaced with a generated one.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue leases the next eligible task to owner for leaseTTL, blocking
	// until one is available or ctx is done.
	Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error)

	// Ack removes a task leased by owner.
	Ack(ctx context.Context, taskID, owner string) error

	// Nack releases a task leased by owner and makes it eligible again at
	// notBefore with the given attempt count.
	Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error

	// RenewLease extends the lease of owner by leaseTTL from now.
	RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error

	// Len returns the approximate number of queued tasks, leased or not.
	Len() int
}

// DefaultPollInterval is how often polling queues look for eligible tasks.
const DefaultPollInterval = 20 * time.Millisecond

// prepare fills in the generated fields of a task being enqueued.
func prepare(t Task, newID func() string) Task {
	if t.ID == "" {
		t.ID = newID()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = t.EnqueuedAt
	}
	return t
}

// wait sleeps for d or until ctx is done.
func wait(ctx context.Context, tmr *time.Timer, d time.Duration) error {
	tmr.Reset(d)
	select {
	case <-ctx.Done():
		tmr.Stop()
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}

func newStoppedTimer() *time.Timer {
	tmr := time.NewTimer(time.Hour)
	tmr.Stop()
	return tmr
}
