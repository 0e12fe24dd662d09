package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresQueue implements Queue using a PostgreSQL table. Claims use
// SELECT ... FOR UPDATE SKIP LOCKED so concurrent workers never lease the
// same row.
//
// Schema (created automatically if missing):
//
//	CREATE TABLE IF NOT EXISTS queue_tasks (
//	    id          TEXT PRIMARY KEY,
//	    seq         BIGSERIAL,
//	    payload     BYTEA NOT NULL,
//	    not_before  TIMESTAMPTZ NOT NULL,
//	    attempts    INTEGER NOT NULL,
//	    lease_owner TEXT NOT NULL DEFAULT '',
//	    lease_until TIMESTAMPTZ
//	);
type PostgresQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewPostgresQueue creates the required schema if needed and returns a Queue.
func NewPostgresQueue(db *sql.DB) (*PostgresQueue, error) {
	q := &PostgresQueue{db: db, pollInterval: 100 * time.Millisecond}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

// Ensure PostgresQueue implements Queue.
var _ Queue = (*PostgresQueue)(nil)

func (q *PostgresQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS queue_tasks (
			id          TEXT PRIMARY KEY,
			seq         BIGSERIAL,
			payload     BYTEA NOT NULL,
			not_before  TIMESTAMPTZ NOT NULL,
			attempts    INTEGER NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_until TIMESTAMPTZ
		)
	`)
	return err
}

func (q *PostgresQueue) Enqueue(ctx context.Context, t Task) error {
	t = prepare(t, uuid.NewString)
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO queue_tasks (id, payload, not_before, attempts)
		VALUES ($1, $2, $3, $4)
	`, t.ID, data, t.NotBefore.UTC(), t.Attempts)
	return err
}

func (q *PostgresQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	tmr := newStoppedTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t, err := q.claim(ctx, owner, leaseTTL)
		if err != nil {
			return nil, err
		}
		if t != nil {
			return t, nil
		}
		if err := wait(ctx, tmr, q.pollInterval); err != nil {
			return nil, err
		}
	}
}

func (q *PostgresQueue) claim(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	now := time.Now().UTC()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		id        string
		payload   []byte
		notBefore time.Time
		attempts  int
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, payload, not_before, attempts
		FROM queue_tasks
		WHERE not_before <= $1 AND (lease_owner = '' OR lease_until <= $1)
		ORDER BY not_before, seq
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`, now).Scan(&id, &payload, &notBefore, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE queue_tasks SET lease_owner = $1, lease_until = $2 WHERE id = $3
	`, owner, now.Add(leaseTTL), id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	t, err := DecodeTask(payload)
	if err != nil {
		return nil, fmt.Errorf("decode task %q failed: %w", id, err)
	}
	t.NotBefore = notBefore
	t.Attempts = attempts
	return t, nil
}

// leased runs stmt for taskID when owner holds a live lease. The statement
// must use $1 for the task id, $2 for the owner and $3 for now; its own
// arguments start at $4.
func (q *PostgresQueue) leased(ctx context.Context, taskID, owner, stmt string, args ...any) error {
	args = append([]any{taskID, owner, time.Now().UTC()}, args...)
	res, err := q.db.ExecContext(ctx, stmt+` WHERE id = $1 AND lease_owner = $2 AND lease_until > $3`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var exists bool
	if err := q.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM queue_tasks WHERE id = $1)`, taskID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
	}
	return fmt.Errorf("%w: %q by %q", ErrLeaseLost, taskID, owner)
}

func (q *PostgresQueue) Ack(ctx context.Context, taskID, owner string) error {
	return q.leased(ctx, taskID, owner, `DELETE FROM queue_tasks`)
}

func (q *PostgresQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	return q.leased(ctx, taskID, owner,
		`UPDATE queue_tasks SET lease_owner = '', lease_until = NULL, not_before = $4, attempts = $5`,
		notBefore.UTC(), attempts)
}

func (q *PostgresQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	return q.leased(ctx, taskID, owner, `UPDATE queue_tasks SET lease_until = $4`, time.Now().UTC().Add(leaseTTL))
}

// Len returns an approximate number of queued tasks.
func (q *PostgresQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM queue_tasks`).Scan(&n); err != nil {
		return 0
	}
	return n
}
