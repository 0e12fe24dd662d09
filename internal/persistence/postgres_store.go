package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petrijr/graphflow/pkg/api"
)

// PostgresRunStore is a RunStore backed by PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver (for example,
// "github.com/jackc/pgx/v5/stdlib").
//
// The caller is responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open.
type PostgresRunStore struct {
	db *sql.DB
}

// Ensure PostgresRunStore implements RunStore.
var _ RunStore = (*PostgresRunStore)(nil)

// NewPostgresRunStore initializes the required schema in the given
// database and returns a new PostgresRunStore.
func NewPostgresRunStore(db *sql.DB) (*PostgresRunStore, error) {
	s := &PostgresRunStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresRunStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id         TEXT PRIMARY KEY,
			graph_name TEXT NOT NULL,
			status     TEXT NOT NULL,
			reason     TEXT NOT NULL DEFAULT '',
			snapshot   BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
	`)
	return err
}

func (s *PostgresRunStore) SaveRun(ctx context.Context, snap *api.RunSnapshot) error {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, graph_name, status, reason, snapshot, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		snap.RunID,
		snap.Graph,
		string(snap.Status),
		snap.Reason,
		data,
		updatedAt(snap),
	)
	return err
}

func (s *PostgresRunStore) UpdateRun(ctx context.Context, snap *api.RunSnapshot) error {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET graph_name = $1,
		    status     = $2,
		    reason     = $3,
		    snapshot   = $4,
		    updated_at = $5
		WHERE id = $6
	`,
		snap.Graph,
		string(snap.Status),
		snap.Reason,
		data,
		updatedAt(snap),
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

func (s *PostgresRunStore) GetRun(ctx context.Context, id string) (*api.RunSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT snapshot FROM runs WHERE id = $1`, id)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return DecodeSnapshot(data)
}

func (s *PostgresRunStore) ListRuns(ctx context.Context, filter RunFilter) ([]*api.RunSnapshot, error) {
	query := `SELECT snapshot FROM runs`
	var args []any
	var clauses []string

	if filter.Graph != "" {
		clauses = append(clauses, fmt.Sprintf("graph_name = $%d", len(args)+1))
		args = append(args, filter.Graph)
	}
	if filter.Status != "" {
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)+1))
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

// PostgresEventStore stores run events in PostgreSQL.
type PostgresEventStore struct {
	db *sql.DB
}

var _ EventStore = (*PostgresEventStore)(nil)

func NewPostgresEventStore(db *sql.DB) (*PostgresEventStore, error) {
	s := &PostgresEventStore{db: db}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS run_events (
			id         BIGSERIAL PRIMARY KEY,
			run_id     TEXT NOT NULL,
			at         TIMESTAMPTZ NOT NULL,
			type       TEXT NOT NULL,
			graph_name TEXT NOT NULL DEFAULT '',
			node       TEXT NOT NULL DEFAULT '',
			detail     TEXT NOT NULL DEFAULT ''
		);
	`)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresEventStore) AppendEvent(ctx context.Context, ev api.RunEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_events (run_id, at, type, graph_name, node, detail)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ev.RunID, at, string(ev.Type), ev.Graph, ev.Node, ev.Detail)
	return err
}

func (s *PostgresEventStore) ListEvents(ctx context.Context, runID string) ([]api.RunEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, at, type, graph_name, node, detail
		FROM run_events
		WHERE run_id = $1
		ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.RunEvent
	for rows.Next() {
		var ev api.RunEvent
		var typ string
		if err := rows.Scan(&ev.RunID, &ev.At, &typ, &ev.Graph, &ev.Node, &ev.Detail); err != nil {
			return nil, err
		}
		ev.Type = api.EventType(typ)
		out = append(out, ev)
	}
	return out, rows.Err()
}
