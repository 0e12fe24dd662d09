package engine

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/graphflow/internal/persistence"
	"github.com/petrijr/graphflow/pkg/api"
)

func newTestEngine(t *testing.T, mutate ...func(*Config)) *engineImpl {
	t.Helper()
	cfg := Config{
		Persistence: persistence.NewInMemory(),
		CancelGrace: 200 * time.Millisecond,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return newEngine(cfg)
}

// recorder is a worker that remembers every request it received.
type recorder struct {
	mu    sync.Mutex
	reqs  []api.InvocationRequest
	calls atomic.Int32
	fn    func(req api.InvocationRequest) (api.Result, error)
}

func (r *recorder) Invoke(ctx context.Context, req api.InvocationRequest) (api.Result, error) {
	r.calls.Add(1)
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	if r.fn != nil {
		return r.fn(req)
	}
	return api.Result{Text: req.NodeID + "(" + req.Text() + ")"}, nil
}

func (r *recorder) requests() []api.InvocationRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]api.InvocationRequest(nil), r.reqs...)
}

func echo(text string) api.Worker {
	return api.WorkerFunc(func(ctx context.Context, req api.InvocationRequest) (api.Result, error) {
		return api.Result{Text: text}, nil
	})
}

func worker(id string, w api.Worker) api.NodeDefinition {
	return api.NodeDefinition{ID: id, Kind: api.KindWorker, Worker: w}
}

func counter(id string, max int) api.NodeDefinition {
	return api.NodeDefinition{ID: id, Kind: api.KindCounter, Counter: &api.CounterConfig{Max: max}}
}

func gate(id string, tokens ...string) api.NodeDefinition {
	return api.NodeDefinition{ID: id, Kind: api.KindGate, Gate: &api.GateConfig{Prompt: "approve " + id + "?", Tokens: tokens}}
}

func when(e api.EdgeDefinition, c api.Condition) api.EdgeDefinition {
	e.Condition = c
	return e
}

func runGraph(t *testing.T, e *engineImpl, def api.GraphDefinition, input string) *api.RunInstance {
	t.Helper()
	require.NoError(t, e.RegisterGraph(def))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	inst, _ := e.Run(ctx, def.Name, api.TextMessage(input))
	require.NotNil(t, inst)
	require.True(t, inst.Terminal(), "run did not finish: %s", inst.Status)
	return inst
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func texts(msgs []api.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Text)
	}
	return out
}

func eventTypes(evs []api.RunEvent) string {
	var b strings.Builder
	for _, ev := range evs {
		b.WriteString(string(ev.Type))
		b.WriteString(" ")
	}
	return b.String()
}
