package taskqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memEntry struct {
	task       Task
	seq        uint64
	owner      string
	leaseUntil time.Time
}

func (e *memEntry) visible(now time.Time) bool {
	if now.Before(e.task.NotBefore) {
		return false
	}
	return e.owner == "" || !now.Before(e.leaseUntil)
}

// InMemoryQueue is a Queue kept in process memory. It is safe for
// concurrent use.
type InMemoryQueue struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	seq     uint64
	notify  chan struct{}
}

// NewInMemoryQueue creates an empty queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		entries: make(map[string]*memEntry),
		notify:  make(chan struct{}, 1),
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t = prepare(t, uuid.NewString)

	q.mu.Lock()
	if _, dup := q.entries[t.ID]; dup {
		q.mu.Unlock()
		return fmt.Errorf("enqueue: task %q already queued", t.ID)
	}
	q.seq++
	q.entries[t.ID] = &memEntry{task: t, seq: q.seq}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	tmr := newStoppedTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if t := q.claim(owner, leaseTTL); t != nil {
			return t, nil
		}

		tmr.Reset(DefaultPollInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
			tmr.Stop()
		case <-tmr.C:
		}
	}
}

func (q *InMemoryQueue) claim(owner string, leaseTTL time.Duration) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var best *memEntry
	for _, e := range q.entries {
		if !e.visible(now) {
			continue
		}
		if best == nil || e.task.NotBefore.Before(best.task.NotBefore) ||
			(e.task.NotBefore.Equal(best.task.NotBefore) && e.seq < best.seq) {
			best = e
		}
	}
	if best == nil {
		return nil
	}
	best.owner = owner
	best.leaseUntil = now.Add(leaseTTL)
	t := best.task
	return &t
}

// leased returns the entry of taskID if owner holds its lease.
func (q *InMemoryQueue) leased(taskID, owner string) (*memEntry, error) {
	e, ok := q.entries[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
	}
	if e.owner != owner || !time.Now().Before(e.leaseUntil) {
		return nil, fmt.Errorf("%w: %q by %q", ErrLeaseLost, taskID, owner)
	}
	return e, nil
}

func (q *InMemoryQueue) Ack(ctx context.Context, taskID, owner string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, err := q.leased(taskID, owner); err != nil {
		return err
	}
	delete(q.entries, taskID)
	return nil
}

func (q *InMemoryQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	q.mu.Lock()
	e, err := q.leased(taskID, owner)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	e.owner = ""
	e.leaseUntil = time.Time{}
	e.task.NotBefore = notBefore
	e.task.Attempts = attempts
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *InMemoryQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, err := q.leased(taskID, owner)
	if err != nil {
		return err
	}
	e.leaseUntil = time.Now().Add(leaseTTL)
	return nil
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
