package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/graphflow/internal/fanout"
	"github.com/petrijr/graphflow/internal/loop"
	"github.com/petrijr/graphflow/internal/persistence"
	"github.com/petrijr/graphflow/pkg/api"
)

// DefaultCancelGrace is how long a cancelled run waits for in-flight
// handlers before it is finalized without them.
const DefaultCancelGrace = 5 * time.Second

// engineImpl executes graph runs in-process. Each live run is driven by a
// single coordinator goroutine; handlers report back to it over a channel.
type engineImpl struct {
	graphs *graphRegistry
	runs   persistence.RunStore
	events persistence.EventStore

	observer api.Observer
	logger   *slog.Logger
	cfg      Config

	mu   sync.Mutex
	live map[string]*run
}

// Config describes how to construct an engineImpl.
// External callers normally use the helper constructors.
type Config struct {
	Persistence persistence.Persistence
	Observer    api.Observer
	Logger      *slog.Logger

	// MaxConcurrency bounds in-flight worker invocations per run. Zero means
	// unbounded. Gates never count against it.
	MaxConcurrency int
	// DefaultTimeout applies to worker invocations whose node has no Timeout.
	// Zero means no timeout.
	DefaultTimeout time.Duration
	// DefaultMaxParallel applies to split edges whose MaxParallel is zero.
	DefaultMaxParallel int
	// CancelGrace bounds how long cancellation waits for handlers that
	// ignore their context.
	CancelGrace time.Duration

	// NewID generates run IDs. Defaults to random UUIDs.
	NewID func() string
}

func NewInMemoryEngine() api.Engine {
	return NewInMemoryEngineWithObserver(nil)
}

func NewInMemoryEngineWithObserver(obs api.Observer) api.Engine {
	return NewEngineWithConfig(Config{Persistence: persistence.NewInMemory(), Observer: obs})
}

func NewSQLiteEngine(db *sql.DB) (api.Engine, error) {
	return NewSQLiteEngineWithObserver(db, nil)
}

func NewSQLiteEngineWithObserver(db *sql.DB, obs api.Observer) (api.Engine, error) {
	runs, err := persistence.NewSQLiteRunStore(db)
	if err != nil {
		return nil, err
	}
	events, err := persistence.NewSQLiteEventStore(db)
	if err != nil {
		return nil, err
	}
	return NewEngineWithConfig(Config{Persistence: persistence.Persistence{Runs: runs, Events: events}, Observer: obs}), nil
}

func NewPostgresEngine(db *sql.DB) (api.Engine, error) {
	return NewPostgresEngineWithObserver(db, nil)
}

func NewPostgresEngineWithObserver(db *sql.DB, obs api.Observer) (api.Engine, error) {
	runs, err := persistence.NewPostgresRunStore(db)
	if err != nil {
		return nil, err
	}
	events, err := persistence.NewPostgresEventStore(db)
	if err != nil {
		return nil, err
	}
	return NewEngineWithConfig(Config{Persistence: persistence.Persistence{Runs: runs, Events: events}, Observer: obs}), nil
}

// NewRedisEngine creates an engine that keeps run snapshots and histories in Redis.
func NewRedisEngine(client *redis.Client) api.Engine {
	return NewRedisEngineWithObserver(client, nil)
}

func NewRedisEngineWithObserver(client *redis.Client, obs api.Observer) api.Engine {
	return NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{
			Runs:   persistence.NewRedisRunStore(client, "graphflow:"),
			Events: persistence.NewRedisEventStore(client, "graphflow:"),
		},
		Observer: obs,
	})
}

// NewMongoEngine creates an engine that keeps run snapshots in MongoDB.
// Histories stay in memory.
func NewMongoEngine(client *mongo.Client) api.Engine {
	return NewMongoEngineWithObserver(client, nil)
}

func NewMongoEngineWithObserver(client *mongo.Client, obs api.Observer) api.Engine {
	return NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{
			Runs:   persistence.NewMongoRunStore(client, "", ""),
			Events: persistence.NewInMemoryEventStore(),
		},
		Observer: obs,
	})
}

// NewEngineWithConfig creates a new Engine using the given configuration.
func NewEngineWithConfig(cfg Config) api.Engine {
	return newEngine(cfg)
}

// NewEngine returns an Engine backed by the given persistence.
func NewEngine(p persistence.Persistence) api.Engine {
	return NewEngineWithConfig(Config{
		Persistence: p,
	})
}

func newEngine(cfg Config) *engineImpl {
	if cfg.Persistence.Runs == nil {
		cfg.Persistence.Runs = persistence.NewInMemoryStore()
	}
	if cfg.Persistence.Events == nil {
		cfg.Persistence.Events = persistence.NoopEventStore{}
	}
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultMaxParallel <= 0 {
		cfg.DefaultMaxParallel = fanout.DefaultMaxParallel
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = DefaultCancelGrace
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &engineImpl{
		graphs:   newGraphRegistry(),
		runs:     cfg.Persistence.Runs,
		events:   cfg.Persistence.Events,
		observer: obs,
		logger:   logger,
		cfg:      cfg,
		live:     make(map[string]*run),
	}
}

func (e *engineImpl) RegisterGraph(def api.GraphDefinition) error {
	topo, err := e.graphs.Register(def)
	if err != nil {
		return err
	}
	e.logger.Debug("graph registered",
		"graph", def.Name,
		"nodes", topo.NodeCount(),
		"layers", len(topo.Layers()),
		"cycles", len(topo.Cycles()),
	)
	return nil
}

func (e *engineImpl) Start(ctx context.Context, graph string, input api.Message) (*api.RunInstance, error) {
	topo, err := e.graphs.Get(graph)
	if err != nil {
		return nil, err
	}

	r := newRun(e, topo, e.cfg.NewID(), input)
	r.seed()

	if err := e.runs.SaveRun(ctx, r.snapshot()); err != nil {
		return nil, fmt.Errorf("save run: %w", err)
	}

	e.track(r)
	view := r.view()
	e.recordEvent(api.RunEvent{RunID: r.id, Type: api.EventRunStarted, Graph: graph})
	e.observer.OnRunStart(ctx, view)
	e.logger.Info("run started", "run_id", r.id, "graph", graph)

	go r.coordinate()
	return view, nil
}

func (e *engineImpl) Run(ctx context.Context, graph string, input api.Message) (*api.RunInstance, error) {
	inst, err := e.Start(ctx, graph, input)
	if err != nil {
		return nil, err
	}
	return e.waitOrCancel(ctx, inst.ID)
}

// waitOrCancel waits for the run; if ctx ends first the run is cancelled
// and its final view returned together with ctx's error.
func (e *engineImpl) waitOrCancel(ctx context.Context, runID string) (*api.RunInstance, error) {
	inst, err := e.Wait(ctx, runID)
	if err == nil {
		return inst, inst.Err
	}
	if ctx.Err() == nil {
		return inst, err
	}
	_ = e.Cancel(context.Background(), runID)
	final, werr := e.Wait(context.Background(), runID)
	if werr != nil {
		return nil, werr
	}
	return final, ctx.Err()
}

func (e *engineImpl) Wait(ctx context.Context, runID string) (*api.RunInstance, error) {
	if r := e.lookup(runID); r != nil {
		select {
		case <-r.done:
			return r.view(), nil
		case <-ctx.Done():
			return r.view(), ctx.Err()
		}
	}
	return e.GetRun(ctx, runID)
}

func (e *engineImpl) Cancel(ctx context.Context, runID string) error {
	r := e.lookup(runID)
	if r == nil {
		snap, err := e.runs.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if snap.Status.Terminal() {
			return nil
		}
		return fmt.Errorf("%w: run %s is not executing on this engine", api.ErrRunNotResumable, runID)
	}
	e.logger.Info("run cancel requested", "run_id", runID)
	r.cancel(api.ErrRunCancelled)
	return nil
}

func (e *engineImpl) GetRun(ctx context.Context, runID string) (*api.RunInstance, error) {
	if r := e.lookup(runID); r != nil {
		return r.view(), nil
	}
	snap, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return e.instanceOf(snap), nil
}

// instanceOf converts a persisted snapshot into a view, restoring cycle
// details when the graph is registered.
func (e *engineImpl) instanceOf(snap *api.RunSnapshot) *api.RunInstance {
	inst := snap.Instance()
	if topo, err := e.graphs.Get(snap.Graph); err == nil {
		inst.Cycles = loop.Restore(topo, snap.Loops).States()
	}
	return inst
}

func (e *engineImpl) ListRuns(ctx context.Context, opts api.RunListOptions) ([]*api.RunInstance, error) {
	snaps, err := e.runs.ListRuns(ctx, persistence.RunFilter{Graph: opts.Graph, Status: opts.Status})
	if err != nil {
		return nil, err
	}

	out := make([]*api.RunInstance, 0, len(snaps))
	for _, snap := range snaps {
		inst := e.instanceOf(snap)
		if r := e.lookup(snap.RunID); r != nil {
			inst = r.view()
			if opts.Status != "" && inst.Status != opts.Status {
				continue
			}
		}
		out = append(out, inst)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (e *engineImpl) PendingGates(ctx context.Context, runID string) ([]api.GateRequest, error) {
	if r := e.lookup(runID); r != nil {
		return r.gates.list(), nil
	}
	if _, err := e.runs.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return nil, nil
}

func (e *engineImpl) ResolveGate(ctx context.Context, runID, nodeID string, res api.GateResolution) error {
	r := e.lookup(runID)
	if r == nil {
		if _, err := e.runs.GetRun(ctx, runID); err != nil {
			return err
		}
		return fmt.Errorf("%w: run %s is not live", api.ErrGateNotPending, runID)
	}
	if err := r.gates.resolve(nodeID, res); err != nil {
		return err
	}
	e.logger.Info("gate resolved", "run_id", runID, "node", nodeID, "token", res.Token)
	return nil
}

func (e *engineImpl) Resume(ctx context.Context, runID string) (*api.RunInstance, error) {
	if e.lookup(runID) != nil {
		return nil, fmt.Errorf("%w: run %s is still executing", api.ErrRunNotResumable, runID)
	}
	snap, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if snap.Status != api.RunFailed && snap.Status != api.RunCancelled {
		return nil, fmt.Errorf("%w: run %s is %s", api.ErrRunNotResumable, runID, snap.Status)
	}
	topo, err := e.graphs.Get(snap.Graph)
	if err != nil {
		return nil, err
	}

	r := restoreRun(e, topo, snap)
	if err := e.runs.UpdateRun(ctx, r.snapshot()); err != nil {
		return nil, fmt.Errorf("update run: %w", err)
	}

	e.track(r)
	view := r.view()
	e.recordEvent(api.RunEvent{RunID: r.id, Type: api.EventRunResumed, Graph: snap.Graph,
		Detail: fmt.Sprintf("%d pending rounds", len(snap.Pending))})
	e.observer.OnRunStart(ctx, view)
	e.logger.Info("run resumed", "run_id", r.id, "graph", snap.Graph, "pending", len(snap.Pending))

	go r.coordinate()
	return view, nil
}

// RecoverStuckRuns scans persisted RUNNING/WAITING/PENDING runs that are
// not live in this engine and marks them FAILED so they can be resumed.
func (e *engineImpl) RecoverStuckRuns(ctx context.Context) (int, error) {
	count := 0
	for _, status := range []api.RunStatus{api.RunPending, api.RunRunning, api.RunWaiting} {
		snaps, err := e.runs.ListRuns(ctx, persistence.RunFilter{Status: status})
		if err != nil {
			return count, err
		}
		for _, snap := range snaps {
			if e.lookup(snap.RunID) != nil {
				continue
			}
			snap.Status = api.RunFailed
			snap.Reason = "run interrupted: engine stopped while it was " + string(status)
			snap.UpdatedAt = time.Now()
			if err := e.runs.UpdateRun(ctx, snap); err != nil {
				return count, err
			}
			e.recordEvent(api.RunEvent{RunID: snap.RunID, Type: api.EventRunFailed, Graph: snap.Graph, Detail: snap.Reason})
			e.logger.Warn("recovered stuck run", "run_id", snap.RunID, "graph", snap.Graph, "status", status)
			count++
		}
	}
	return count, nil
}

func (e *engineImpl) ListEvents(ctx context.Context, runID string) ([]api.RunEvent, error) {
	return e.events.ListEvents(ctx, runID)
}

func (e *engineImpl) track(r *run) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.live[r.id] = r
}

func (e *engineImpl) forget(r *run) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.live[r.id] == r {
		delete(e.live, r.id)
	}
}

func (e *engineImpl) lookup(id string) *run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.live[id]
}

func (e *engineImpl) recordEvent(ev api.RunEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if err := e.events.AppendEvent(context.Background(), ev); err != nil {
		e.logger.Warn("append event failed", "run_id", ev.RunID, "type", ev.Type, "err", err)
	}
}
