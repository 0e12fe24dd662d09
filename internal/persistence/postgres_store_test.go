package persistence

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/graphflow/pkg/api"
)

func newMockPostgresStore(t *testing.T) (*PostgresRunStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS runs")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	store, err := NewPostgresRunStore(db)
	require.NoError(t, err)
	return store, mock
}

func TestPostgresRunStore_SaveAndGet(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	ctx := context.Background()
	snap := sampleSnapshot("run-1", "review-loop", api.RunRunning)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO runs (id, graph_name, status, reason, snapshot, updated_at)")).
		WithArgs("run-1", "review-loop", "RUNNING", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, store.SaveRun(ctx, snap))

	data, err := EncodeSnapshot(snap)
	require.NoError(t, err)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT snapshot FROM runs WHERE id = $1")).
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"snapshot"}).AddRow(data))

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "review-loop", got.Graph)
	assert.Equal(t, "draft v2", got.Buffers["review"][0].Text)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRunStore_NotFound(t *testing.T) {
	store, mock := newMockPostgresStore(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT snapshot FROM runs WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"snapshot"}))
	_, err := store.GetRun(ctx, "missing")
	if !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE runs")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err = store.UpdateRun(ctx, sampleSnapshot("missing", "g", api.RunFailed))
	if !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound on update, got %v", err)
	}

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRunStore_ListBuildsPositionalFilters(t *testing.T) {
	store, mock := newMockPostgresStore(t)

	a, err := EncodeSnapshot(sampleSnapshot("a", "g", api.RunCompleted))
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT snapshot FROM runs WHERE graph_name = $1 AND status = $2 ORDER BY id")).
		WithArgs("g", "COMPLETED").
		WillReturnRows(sqlmock.NewRows([]string{"snapshot"}).AddRow(a))

	runs, err := store.ListRuns(context.Background(), RunFilter{Graph: "g", Status: api.RunCompleted})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "a", runs[0].RunID)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEventStore_Append(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS run_events")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := NewPostgresEventStore(db)
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO run_events")).
		WithArgs("r1", sqlmock.AnyArg(), "run.started", "g", "", "").
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, store.AppendEvent(context.Background(), api.RunEvent{RunID: "r1", Type: api.EventRunStarted, Graph: "g"}))

	require.NoError(t, mock.ExpectationsWereMet())
}
