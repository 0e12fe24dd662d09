package worker

import (
	"context"
	"database/sql"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petrijr/graphflow/internal/engine"
	"github.com/petrijr/graphflow/internal/taskqueue"
	"github.com/petrijr/graphflow/pkg/api"
)

type engineFactory func(t *testing.T) api.Engine

func inMemoryEngine(t *testing.T) api.Engine {
	t.Helper()
	return engine.NewInMemoryEngine()
}

func sqliteEngine(t *testing.T) api.Engine {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	eng, err := engine.NewSQLiteEngine(db)
	if err != nil {
		t.Fatalf("NewSQLiteEngine failed: %v", err)
	}
	return eng
}

// upper -> shout: a two-node pipeline that decorates its input.
func pipeline(name string) api.GraphDefinition {
	step := func(prefix string) api.Worker {
		return api.WorkerFunc(func(ctx context.Context, req api.InvocationRequest) (api.Result, error) {
			return api.Result{Text: prefix + req.Text()}, nil
		})
	}
	return api.GraphDefinition{
		Name: name,
		Nodes: []api.NodeDefinition{
			{ID: "draft", Kind: api.KindWorker, Worker: step("draft:")},
			{ID: "polish", Kind: api.KindWorker, Worker: step("polish:")},
		},
		Edges: []api.EdgeDefinition{api.Edge("draft", "polish")},
	}
}

// prepare -> approve (gate) -> ship
func approval(name string, tokens ...string) api.GraphDefinition {
	return api.GraphDefinition{
		Name: name,
		Nodes: []api.NodeDefinition{
			{ID: "prepare", Kind: api.KindLiteral, Literal: &api.LiteralConfig{Text: "prepared"}},
			{ID: "approve", Kind: api.KindGate, Gate: &api.GateConfig{Prompt: "ship it?", Tokens: tokens}},
			{ID: "ship", Kind: api.KindWorker, Worker: api.WorkerFunc(func(ctx context.Context, req api.InvocationRequest) (api.Result, error) {
				return api.Result{Text: "shipped after " + req.Text()}, nil
			})},
		},
		Edges: []api.EdgeDefinition{api.Edge("prepare", "approve"), api.Edge("approve", "ship")},
	}
}

// stubEngine satisfies api.Engine for tests that only exercise the
// worker's queue handling. Start blocks until release is closed.
type stubEngine struct {
	api.Engine

	started  chan struct{}
	release  chan struct{}
	startErr func(n int32) error
	starts   atomic.Int32
}

func newStubEngine() *stubEngine {
	return &stubEngine{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (e *stubEngine) Start(ctx context.Context, graph string, input api.Message) (*api.RunInstance, error) {
	n := e.starts.Add(1)
	select {
	case <-e.started:
	default:
		close(e.started)
	}
	if e.startErr != nil {
		if err := e.startErr(n); err != nil {
			return nil, err
		}
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.release:
		return &api.RunInstance{ID: "run-1", Graph: graph, Status: api.RunRunning}, nil
	}
}

func (e *stubEngine) GetRun(ctx context.Context, runID string) (*api.RunInstance, error) {
	return &api.RunInstance{ID: runID, Status: api.RunCompleted}, nil
}

// countingQueue counts lease renewals of an inner queue.
type countingQueue struct {
	taskqueue.Queue
	renews atomic.Int64
	nacks  atomic.Int64
}

func (q *countingQueue) RenewLease(ctx context.Context, taskID string, owner string, leaseTTL time.Duration) error {
	q.renews.Add(1)
	return q.Queue.RenewLease(ctx, taskID, owner, leaseTTL)
}

func (q *countingQueue) Nack(ctx context.Context, taskID string, owner string, notBefore time.Time, attempts int) error {
	q.nacks.Add(1)
	return q.Queue.Nack(ctx, taskID, owner, notBefore, attempts)
}

func enqueueStart(t *testing.T, q taskqueue.Queue) {
	t.Helper()
	err := q.Enqueue(context.Background(), taskqueue.Task{
		ID:    "t1",
		Type:  taskqueue.TaskStartRun,
		Graph: "g",
		Input: api.TextMessage("x"),
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
}
