package graphflow

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	workerpkg "github.com/petrijr/graphflow/pkg/worker"
)

// TestSQLiteBundle_DurableAcrossRestart demonstrates that a run submitted
// through the queue survives a simulated process restart, assuming graphs
// are re-registered on startup.
func TestSQLiteBundle_DurableAcrossRestart(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dsn := "file:" + filepath.Join(t.TempDir(), "graphflow_bundle.db") + "?_journal=WAL"

	g := NewGraph("async-shout").Worker("shout", upper())

	// --- Phase 1: enqueue a start-run task, no processing yet.

	db1, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)

	bundle1, err := NewSQLiteBundle(db1, workerpkg.Config{MaxAttempts: 3})
	require.NoError(t, err)
	require.NoError(t, g.Register(bundle1.Engine))

	require.NoError(t, bundle1.Worker.EnqueueStartRun(ctx, g.Name(), Text("hello")))
	require.Equal(t, 1, bundle1.Pending())

	mid, err := bundle1.Engine.ListRuns(ctx, RunListOptions{Graph: g.Name()})
	require.NoError(t, err)
	require.Empty(t, mid, "no runs should exist before a worker processes the queue")

	// Simulate a crash.
	require.NoError(t, db1.Close())

	// --- Phase 2: restart with a new handle and bundle.

	db2, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	defer db2.Close()

	bundle2, err := NewSQLiteBundle(db2, workerpkg.Config{MaxAttempts: 3})
	require.NoError(t, err)

	// Graph definitions live in memory only.
	require.NoError(t, g.Register(bundle2.Engine))

	_, err = RecoverStuckRuns(ctx, bundle2.Engine)
	require.NoError(t, err)

	processed, err := bundle2.Worker.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	require.Zero(t, bundle2.Pending())

	after, err := bundle2.Engine.ListRuns(ctx, RunListOptions{Graph: g.Name()})
	require.NoError(t, err)
	require.Len(t, after, 1)
	require.Equal(t, StatusCompleted, after[0].Status)
	require.Equal(t, "HELLO", after[0].Output())
}

func TestSQLiteBundle_DrainSettlesRunsAtGates(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "drain.db")+"?_journal=WAL")
	require.NoError(t, err)
	defer db.Close()

	b, err := NewSQLiteBundle(db, workerpkg.Config{MaxAttempts: 2})
	require.NoError(t, err)
	NewGraph("gated-shout").
		Worker("shout", upper()).
		Gate("approve", "ship?", "YES").
		Passthrough("done").
		Edge("shout", "approve").
		Edge("approve", "done").
		MustRegister(b.Engine)

	require.NoError(t, b.Worker.EnqueueStartRun(ctx, "gated-shout", Text("one")))
	require.NoError(t, b.Worker.EnqueueStartRun(ctx, "gated-shout", Text("two")))

	n, err := b.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Zero(t, b.Pending())

	runs, err := b.Engine.ListRuns(ctx, RunListOptions{Graph: "gated-shout"})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	for _, r := range runs {
		require.Equal(t, StatusWaiting, r.Status)
	}

	require.NoError(t, b.Worker.EnqueueResolveGate(ctx, runs[0].ID, "approve", GateResolution{Token: "YES"}))
	n, err = b.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	done, err := b.Engine.GetRun(ctx, runs[0].ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, done.Status)

	other, err := b.Engine.GetRun(ctx, runs[1].ID)
	require.NoError(t, err)
	require.Equal(t, StatusWaiting, other.Status)
}
