package graphflow

import (
	"context"
	"database/sql"

	"github.com/petrijr/graphflow/internal/taskqueue"
	workerpkg "github.com/petrijr/graphflow/pkg/worker"
)

// WorkerBundle is a graph engine and the queue of run submissions feeding
// it, stored in one database. Start-run, resolve-gate, cancel-run and
// resume-run tasks enqueued through Worker survive a restart together with
// the run snapshots they act on.
type WorkerBundle struct {
	Engine Engine
	Worker *workerpkg.Worker

	queue taskqueue.Queue
}

// NewSQLiteBundle keeps run snapshots, run histories and queued run tasks
// in db. Graphs are not persisted; register them on Engine after every
// start, then call RecoverStuckRuns before processing tasks.
//
//	db, _ := sql.Open("sqlite", "file:graphflow.db?_journal=WAL")
//	b, err := graphflow.NewSQLiteBundle(db, worker.Config{MaxAttempts: 3})
//	review.MustRegister(b.Engine)
//	b.Worker.EnqueueStartRun(ctx, "review", graphflow.Text("draft"))
//	b.Drain(ctx)
func NewSQLiteBundle(db *sql.DB, cfg workerpkg.Config) (*WorkerBundle, error) {
	eng, err := NewSQLiteEngine(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	return &WorkerBundle{
		Engine: eng,
		Worker: workerpkg.NewWithConfig(eng, q, cfg),
		queue:  q,
	}, nil
}

// Pending returns the number of queued run tasks, leased ones included.
func (b *WorkerBundle) Pending() int {
	return b.queue.Len()
}

// Drain applies queued run tasks until none are left. Each task returns
// once its run has settled, so after Drain every submitted run is either
// terminal or waiting on a gate. It stops at the first task error.
func (b *WorkerBundle) Drain(ctx context.Context) (int, error) {
	n := 0
	for b.Pending() > 0 {
		processed, err := b.Worker.ProcessOne(ctx)
		if processed {
			n++
		}
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
