package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SQLiteQueue is a persistent Queue backed by SQLite. Eligible tasks are
// claimed in (not_before, id) order inside a transaction.
type SQLiteQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewSQLiteQueue initializes the tasks table in the given DB and returns a new queue.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	q := &SQLiteQueue{
		db:           db,
		pollInterval: DefaultPollInterval,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			payload BLOB NOT NULL,
			not_before INTEGER NOT NULL,
			attempts INTEGER NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_until INTEGER NOT NULL DEFAULT 0
		);
	`)
	if err != nil {
		return err
	}
	_, err = q.db.Exec(`CREATE INDEX IF NOT EXISTS tasks_not_before ON tasks(not_before, id)`)
	return err
}

// Ensure SQLiteQueue implements Queue.
var _ Queue = (*SQLiteQueue)(nil)

func (q *SQLiteQueue) Enqueue(ctx context.Context, t Task) error {
	t = prepare(t, uuid.NewString)
	payload, err := EncodeTask(t)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, type, payload, not_before, attempts)
		VALUES (?, ?, ?, ?, ?)`,
		t.ID, string(t.Type), payload, t.NotBefore.UnixNano(), t.Attempts,
	)
	return err
}

func (q *SQLiteQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
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

func (q *SQLiteQueue) claim(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	now := time.Now()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		id        int64
		payload   []byte
		notBefore int64
		attempts  int
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, payload, not_before, attempts
		FROM tasks
		WHERE not_before <= ? AND (lease_owner = '' OR lease_until <= ?)
		ORDER BY not_before, id
		LIMIT 1`, now.UnixNano(), now.UnixNano()).Scan(&id, &payload, &notBefore, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET lease_owner = ?, lease_until = ? WHERE id = ?`,
		owner, now.Add(leaseTTL).UnixNano(), id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	t, err := DecodeTask(payload)
	if err != nil {
		return nil, fmt.Errorf("decode task %d: %w", id, err)
	}
	t.NotBefore = time.Unix(0, notBefore)
	t.Attempts = attempts
	return t, nil
}

// leased runs stmt against the row of taskID when owner holds a live lease.
func (q *SQLiteQueue) leased(ctx context.Context, taskID, owner, stmt string, args ...any) error {
	now := time.Now().UnixNano()
	args = append(args, taskID, owner, now)
	res, err := q.db.ExecContext(ctx, stmt+` WHERE task_id = ? AND lease_owner = ? AND lease_until > ?`, args...)
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

	var exists int
	err = q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE task_id = ?`, taskID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("%w: %q", ErrTaskNotFound, taskID)
	}
	return fmt.Errorf("%w: %q by %q", ErrLeaseLost, taskID, owner)
}

func (q *SQLiteQueue) Ack(ctx context.Context, taskID, owner string) error {
	return q.leased(ctx, taskID, owner, `DELETE FROM tasks`)
}

func (q *SQLiteQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	return q.leased(ctx, taskID, owner,
		`UPDATE tasks SET lease_owner = '', lease_until = 0, not_before = ?, attempts = ?`,
		notBefore.UnixNano(), attempts)
}

func (q *SQLiteQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	return q.leased(ctx, taskID, owner, `UPDATE tasks SET lease_until = ?`, time.Now().Add(leaseTTL).UnixNano())
}

func (q *SQLiteQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM tasks`).Scan(&n); err != nil {
		return 0
	}
	return n
}
