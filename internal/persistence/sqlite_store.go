package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/petrijr/graphflow/pkg/api"
)

// SQLiteRunStore is a RunStore backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteRunStore struct {
	db *sql.DB
}

// Ensure SQLiteRunStore implements RunStore.
var _ RunStore = (*SQLiteRunStore)(nil)

// NewSQLiteRunStore initializes the required schema in the given
// database and returns a new SQLiteRunStore.
func NewSQLiteRunStore(db *sql.DB) (*SQLiteRunStore, error) {
	s := &SQLiteRunStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteRunStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			graph_name TEXT NOT NULL,
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			snapshot BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_graph_status ON runs(graph_name, status);`,
	)
	return err
}

func (s *SQLiteRunStore) SaveRun(ctx context.Context, snap *api.RunSnapshot) error {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, graph_name, status, reason, snapshot, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		snap.RunID,
		snap.Graph,
		string(snap.Status),
		snap.Reason,
		data,
		updatedAt(snap).UnixNano(),
	)
	return err
}

func (s *SQLiteRunStore) UpdateRun(ctx context.Context, snap *api.RunSnapshot) error {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET graph_name = ?, status = ?, reason = ?, snapshot = ?, updated_at = ?
		WHERE id = ?`,
		snap.Graph,
		string(snap.Status),
		snap.Reason,
		data,
		updatedAt(snap).UnixNano(),
		snap.RunID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRunNotFound
	}

	return nil
}

func (s *SQLiteRunStore) GetRun(ctx context.Context, id string) (*api.RunSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT snapshot FROM runs WHERE id = ?`, id)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return DecodeSnapshot(data)
}

func (s *SQLiteRunStore) ListRuns(ctx context.Context, filter RunFilter) ([]*api.RunSnapshot, error) {
	query := `SELECT snapshot FROM runs`
	var args []any
	var clauses []string

	if filter.Graph != "" {
		clauses = append(clauses, "graph_name = ?")
		args = append(args, filter.Graph)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}

	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSnapshots(rows)
}

func scanSnapshots(rows *sql.Rows) ([]*api.RunSnapshot, error) {
	var out []*api.RunSnapshot
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		snap, err := DecodeSnapshot(data)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func updatedAt(snap *api.RunSnapshot) time.Time {
	if snap.UpdatedAt.IsZero() {
		return time.Now()
	}
	return snap.UpdatedAt
}
