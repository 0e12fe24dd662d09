package graphflow

import (
	"context"
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/graphflow/internal/engine"
	"github.com/petrijr/graphflow/internal/observability"
	"github.com/petrijr/graphflow/internal/taskqueue"
	"github.com/petrijr/graphflow/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine            = api.Engine
	GraphDefinition   = api.GraphDefinition
	NodeDefinition    = api.NodeDefinition
	EdgeDefinition    = api.EdgeDefinition
	NodeKind          = api.NodeKind
	SplitConfig       = api.SplitConfig
	Condition         = api.Condition
	Message           = api.Message
	Worker            = api.Worker
	WorkerFunc        = api.WorkerFunc
	InvocationRequest = api.InvocationRequest
	Result            = api.Result
	RetryPolicy       = api.RetryPolicy
	GateRequest       = api.GateRequest
	GateResolution    = api.GateResolution
	RunInstance       = api.RunInstance
	RunListOptions    = api.RunListOptions
	RunStatus         = api.RunStatus
	RunEvent          = api.RunEvent

	Observer             = api.Observer
	NodeEvent            = api.NodeEvent
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Re-export common constructors.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver

	Always    = api.Always
	AnyOf     = api.AnyOf
	NoneOf    = api.NoneOf
	Keywords  = api.Keywords
	Regex     = api.Regex
	Predicate = api.Predicate
)

// Re-export status values for convenience.

const (
	StatusPending   = api.RunPending
	StatusRunning   = api.RunRunning
	StatusWaiting   = api.RunWaiting
	StatusCompleted = api.RunCompleted
	StatusFailed    = api.RunFailed
	StatusCancelled = api.RunCancelled

	// RetainAll keeps every delivered message for the lifetime of a run.
	RetainAll = api.RetainAll
)

// Text builds a plain message, typically a run input.
func Text(s string) Message { return api.TextMessage(s) }

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryEngine returns an Engine that keeps run state in memory.
func NewInMemoryEngine() Engine {
	return engine.NewInMemoryEngine()
}

// NewInMemoryEngineWithObserver returns an in-memory Engine with the given Observer.
func NewInMemoryEngineWithObserver(obs Observer) Engine {
	return engine.NewInMemoryEngineWithObserver(obs)
}

// NewSQLiteEngine returns an Engine that persists run snapshots and
// histories in a SQLite database. Graph definitions are kept in memory and
// must be registered again after a restart.
func NewSQLiteEngine(db *sql.DB) (Engine, error) {
	return engine.NewSQLiteEngine(db)
}

// NewSQLiteEngineWithObserver returns a SQLite-backed Engine with the given Observer.
func NewSQLiteEngineWithObserver(db *sql.DB, obs Observer) (Engine, error) {
	return engine.NewSQLiteEngineWithObserver(db, obs)
}

// NewPostgresEngine returns an Engine that persists runs in PostgreSQL.
func NewPostgresEngine(db *sql.DB) (Engine, error) {
	return engine.NewPostgresEngine(db)
}

// NewPostgresEngineWithObserver returns a Postgres-backed Engine with the given Observer.
func NewPostgresEngineWithObserver(db *sql.DB, obs Observer) (Engine, error) {
	return engine.NewPostgresEngineWithObserver(db, obs)
}

// NewRedisEngine returns an Engine that persists runs in Redis.
func NewRedisEngine(client *redis.Client) Engine {
	return engine.NewRedisEngine(client)
}

// NewRedisEngineWithObserver returns a Redis-backed Engine with the given Observer.
func NewRedisEngineWithObserver(client *redis.Client, obs Observer) Engine {
	return engine.NewRedisEngineWithObserver(client, obs)
}

// NewMongoEngine returns an Engine that persists runs in MongoDB.
func NewMongoEngine(client *mongo.Client) Engine {
	return engine.NewMongoEngine(client)
}

// NewMongoEngineWithObserver returns a Mongo-backed Engine with the given Observer.
func NewMongoEngineWithObserver(client *mongo.Client, obs Observer) Engine {
	return engine.NewMongoEngineWithObserver(client, obs)
}

// NewPrometheusObserver registers run, node and gate metrics under
// namespace with reg.
func NewPrometheusObserver(reg prometheus.Registerer, namespace string) Observer {
	return observability.NewPrometheusObserver(reg, namespace)
}

// NewTracingObserver records one OpenTelemetry span per run and one child
// span per node invocation. A nil tp uses the global provider.
func NewTracingObserver(tp trace.TracerProvider) Observer {
	return observability.NewTracingObserver(tp)
}

// Queue is the task queue consumed by worker.Worker.
type Queue = taskqueue.Queue

// NewInMemoryQueue returns a non-durable task queue for use with
// worker.Worker.
func NewInMemoryQueue() Queue {
	return taskqueue.NewInMemoryQueue()
}

// NewSQLiteQueue returns a durable queue stored in db.
func NewSQLiteQueue(db *sql.DB) (Queue, error) {
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	return q, nil
}

// NewPostgresQueue returns a durable queue stored in PostgreSQL. Multiple
// worker processes may share it.
func NewPostgresQueue(db *sql.DB) (Queue, error) {
	q, err := taskqueue.NewPostgresQueue(db)
	if err != nil {
		return nil, err
	}
	return q, nil
}

// NewRedisQueue returns a queue kept in Redis under keys starting with
// prefix. It is not safe for Redis Cluster.
func NewRedisQueue(client *redis.Client, prefix string) Queue {
	return taskqueue.NewRedisQueue(client, prefix)
}

// NewMongoQueue returns a queue stored in the given MongoDB collection.
func NewMongoQueue(client *mongo.Client, dbName, collName string) Queue {
	return taskqueue.NewMongoQueue(client, dbName, collName)
}

// Convenience helpers that just forward to the underlying Engine.

// Run runs a registered graph and waits for it to finish.
func Run(ctx context.Context, eng Engine, graph string, input Message) (*RunInstance, error) {
	return eng.Run(ctx, graph, input)
}

// GetRun fetches a run by ID.
func GetRun(ctx context.Context, eng Engine, id string) (*RunInstance, error) {
	return eng.GetRun(ctx, id)
}

// ListRuns lists runs according to the given options.
func ListRuns(ctx context.Context, eng Engine, opts RunListOptions) ([]*RunInstance, error) {
	return eng.ListRuns(ctx, opts)
}

// Resume resumes a FAILED or CANCELLED run.
func Resume(ctx context.Context, eng Engine, id string) (*RunInstance, error) {
	return eng.Resume(ctx, id)
}

// ResolveGate supplies the decision for a pending gate.
func ResolveGate(ctx context.Context, eng Engine, runID, nodeID, token, payload string) error {
	return eng.ResolveGate(ctx, runID, nodeID, GateResolution{Token: token, Payload: payload})
}

// RecoverStuckRuns delegates to eng.RecoverStuckRuns.
//
// It is typically called on process startup before starting any workers:
//
//	count, err := graphflow.RecoverStuckRuns(ctx, engine)
func RecoverStuckRuns(ctx context.Context, eng Engine) (int, error) {
	return eng.RecoverStuckRuns(ctx)
}
