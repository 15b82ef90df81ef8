/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq" // Postgres driver.

	"github.com/acronis/go-syncdispatch/syncop"
)

const (
	postgresQueueTableName      = "sync_dispatch_queue"
	postgresDeadLetterTableName = "sync_dispatch_dead_letters"
	postgresOperationTimeout    = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresQueue is a durable Queue implementation on top of PostgreSQL.
// Claims rely on row locks (FOR UPDATE SKIP LOCKED), so concurrent workers,
// possibly in different processes, never claim the same operation twice
// within a visibility window.
type PostgresQueue struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	now func() time.Time
}

// NewPostgresQueue creates a queue backed by the Postgres instance at dsn.
// The schema is created lazily on first use.
func NewPostgresQueue(dsn string) (*PostgresQueue, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN must not be empty")
	}
	return &PostgresQueue{
		dsn:    dsn,
		openDB: sql.Open,
		now:    time.Now,
	}, nil
}

// Enqueue adds a new operation to the queue.
func (q *PostgresQueue) Enqueue(ctx context.Context, op *syncop.Operation) error {
	if op == nil || op.ID == "" {
		return fmt.Errorf("operation must have an ID")
	}
	if err := q.ensureReady(); err != nil {
		return err
	}

	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = q.now()
	}
	if op.Status == "" {
		op.Status = syncop.StatusPending
	}
	payload, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal operation: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"INSERT INTO %s (operation_id, operation, ready_at) VALUES ($1, $2, $3)", postgresQueueTableName)
	_, err = q.db.ExecContext(ctx, query, op.ID, string(payload), op.EnqueuedAt.UTC())
	return err
}

// Claim returns the next ready operation and stamps a claim on its row.
// Rows whose claim deadline has passed are claimable again, which covers
// crashed workers that never acknowledged.
func (q *PostgresQueue) Claim(
	ctx context.Context, workerID string, visibilityTimeout time.Duration,
) (*syncop.Operation, error) {
	if err := q.ensureReady(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := q.now().UTC()
	selectQuery := fmt.Sprintf(`
		SELECT operation_id, operation FROM %s
		WHERE ready_at <= $1 AND (claim_deadline IS NULL OR claim_deadline <= $1)
		ORDER BY ready_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, postgresQueueTableName)

	var opID, payload string
	err = tx.QueryRowContext(ctx, selectQuery, now).Scan(&opID, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select claimable operation: %w", err)
	}

	updateQuery := fmt.Sprintf(
		"UPDATE %s SET claimed_by = $1, claim_deadline = $2 WHERE operation_id = $3", postgresQueueTableName)
	if _, err = tx.ExecContext(ctx, updateQuery, workerID, now.Add(visibilityTimeout), opID); err != nil {
		return nil, fmt.Errorf("stamp claim: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}

	var op syncop.Operation
	if err = json.Unmarshal([]byte(payload), &op); err != nil {
		return nil, fmt.Errorf("unmarshal operation %q: %w", opID, err)
	}
	return &op, nil
}

// Ack permanently removes a claimed operation from the queue. The claimed_by
// predicate fences off workers whose claim expired and was redelivered.
func (q *PostgresQueue) Ack(ctx context.Context, workerID, operationID string) error {
	if err := q.ensureReady(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"DELETE FROM %s WHERE operation_id = $1 AND claimed_by = $2", postgresQueueTableName)
	res, err := q.db.ExecContext(ctx, query, operationID, workerID)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("ack %q by %q: %w", operationID, workerID, q.claimLossCause(ctx, operationID))
	}
	return nil
}

// Requeue releases the claim on an operation and schedules its redelivery after delay.
// The claimed_by predicate fences off workers whose claim expired and was redelivered.
func (q *PostgresQueue) Requeue(ctx context.Context, workerID string, op *syncop.Operation, delay time.Duration) error {
	if err := q.ensureReady(); err != nil {
		return err
	}

	payload, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal operation: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET operation = $1, ready_at = $2, claimed_by = NULL, claim_deadline = NULL
		WHERE operation_id = $3 AND claimed_by = $4`, postgresQueueTableName)
	res, err := q.db.ExecContext(ctx, query, string(payload), q.now().UTC().Add(delay), op.ID, workerID)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("requeue %q by %q: %w", op.ID, workerID, q.claimLossCause(ctx, op.ID))
	}
	return nil
}

// claimLossCause distinguishes a vanished operation from one whose claim is
// now held elsewhere, for a zero-row Ack or Requeue.
func (q *PostgresQueue) claimLossCause(ctx context.Context, operationID string) error {
	query := fmt.Sprintf("SELECT 1 FROM %s WHERE operation_id = $1", postgresQueueTableName)
	var one int
	err := q.db.QueryRowContext(ctx, query, operationID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrOperationNotFound
	}
	if err != nil {
		return err
	}
	return ErrClaimNotHeld
}

// DeadLetter moves the operation's terminal record to the dead letter table.
func (q *PostgresQueue) DeadLetter(ctx context.Context, entry *syncop.DeadLetterEntry) error {
	if err := q.ensureReady(); err != nil {
		return err
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead letter entry: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"INSERT INTO %s (operation_id, entry, dead_at) VALUES ($1, $2, $3)", postgresDeadLetterTableName)
	_, err = q.db.ExecContext(ctx, query, entry.Operation.ID, string(payload), entry.DeadAt.UTC())
	return err
}

// ListDeadLetters returns up to limit dead letter entries, oldest first.
func (q *PostgresQueue) ListDeadLetters(ctx context.Context, limit int) ([]*syncop.DeadLetterEntry, error) {
	if err := q.ensureReady(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT entry FROM %s ORDER BY dead_at", postgresDeadLetterTableName)
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var entries []*syncop.DeadLetterEntry
	for rows.Next() {
		var payload string
		if err = rows.Scan(&payload); err != nil {
			return nil, err
		}
		var entry syncop.DeadLetterEntry
		if err = json.Unmarshal([]byte(payload), &entry); err != nil {
			return nil, fmt.Errorf("unmarshal dead letter entry: %w", err)
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// ReplayDeadLetter re-enqueues the operation of a dead letter entry with a
// reset attempt budget and removes the entry.
func (q *PostgresQueue) ReplayDeadLetter(ctx context.Context, operationID string) error {
	if err := q.ensureReady(); err != nil {
		return err
	}

	delCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"DELETE FROM %s WHERE operation_id = $1 RETURNING entry", postgresDeadLetterTableName)
	var payload string
	err := q.db.QueryRowContext(delCtx, query, operationID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("replay %q: %w", operationID, ErrOperationNotFound)
	}
	if err != nil {
		return err
	}

	var entry syncop.DeadLetterEntry
	if err = json.Unmarshal([]byte(payload), &entry); err != nil {
		return fmt.Errorf("unmarshal dead letter entry: %w", err)
	}
	op := entry.Operation.Clone()
	op.Status = syncop.StatusPending
	op.Attempts = 0
	return q.Enqueue(ctx, op)
}

// Depths returns the current queue depth. Implements DepthReporter.
func (q *PostgresQueue) Depths(ctx context.Context) (Lengths, error) {
	if err := q.ensureReady(); err != nil {
		return Lengths{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	now := q.now().UTC()
	query := fmt.Sprintf(`
		SELECT
			COUNT(*) FILTER (WHERE ready_at <= $1 AND (claim_deadline IS NULL OR claim_deadline <= $1)),
			COUNT(*) FILTER (WHERE ready_at > $1),
			COUNT(*) FILTER (WHERE claim_deadline IS NOT NULL AND claim_deadline > $1)
		FROM %s`, postgresQueueTableName)

	var l Lengths
	if err := q.db.QueryRowContext(ctx, query, now).Scan(&l.Ready, &l.Delayed, &l.Claimed); err != nil {
		return Lengths{}, fmt.Errorf("count queue depth: %w", err)
	}

	deadQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s", postgresDeadLetterTableName)
	if err := q.db.QueryRowContext(ctx, deadQuery).Scan(&l.Dead); err != nil {
		return Lengths{}, fmt.Errorf("count dead letters: %w", err)
	}
	return l, nil
}

// Close closes the underlying database handle.
func (q *PostgresQueue) Close() error {
	if q.db == nil {
		return nil
	}
	return q.db.Close()
}

func (q *PostgresQueue) ensureReady() error {
	q.initOnce.Do(func() {
		db, err := q.openDB("postgres", q.dsn)
		if err != nil {
			q.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		queueTable := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				operation_id TEXT PRIMARY KEY,
				operation TEXT NOT NULL,
				ready_at TIMESTAMPTZ NOT NULL,
				claimed_by TEXT,
				claim_deadline TIMESTAMPTZ
			)`, postgresQueueTableName)
		if _, err = db.ExecContext(ctx, queueTable); err != nil {
			_ = db.Close()
			q.initErr = fmt.Errorf("create queue table: %w", err)
			return
		}

		dlqTable := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				operation_id TEXT PRIMARY KEY,
				entry TEXT NOT NULL,
				dead_at TIMESTAMPTZ NOT NULL
			)`, postgresDeadLetterTableName)
		if _, err = db.ExecContext(ctx, dlqTable); err != nil {
			_ = db.Close()
			q.initErr = fmt.Errorf("create dead letter table: %w", err)
			return
		}

		q.db = db
	})
	return q.initErr
}

var (
	_ Queue           = (*PostgresQueue)(nil)
	_ DeadLetterStore = (*PostgresQueue)(nil)
	_ DepthReporter   = (*PostgresQueue)(nil)
)
