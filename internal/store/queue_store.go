package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailsync/internal/model"
)

// queueRow mirrors the sync_queue table.
type queueRow struct {
	ID         int64          `db:"id"`
	Type       string         `db:"operation_type"`
	EmailID    string         `db:"email_id"`
	AccountID  string         `db:"account_id"`
	Timestamp  int64          `db:"timestamp"`
	RetryCount int            `db:"retry_count"`
	LastError  sql.NullString `db:"last_error"`
	ExtraData  string         `db:"extra_data"`
}

const enqueueSQL = `
	INSERT INTO sync_queue (
		operation_type, email_id, account_id, timestamp,
		retry_count, last_error, extra_data
	) VALUES (?, ?, ?, ?, 0, NULL, ?)`

// Enqueue appends op to the queue and returns its assigned ID.
func (s *SQLiteStore) Enqueue(ctx context.Context, op model.SyncOperation) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		id, err = enqueueTx(ctx, tx, op)
		return err
	})
	return id, err
}

// EnqueueAll appends ops in order inside one transaction. Either every
// entry is queued or none is.
func (s *SQLiteStore) EnqueueAll(ctx context.Context, ops []model.SyncOperation) error {
	if len(ops) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, op := range ops {
			if _, err := enqueueTx(ctx, tx, op); err != nil {
				return err
			}
		}
		return nil
	})
}

func enqueueTx(ctx context.Context, tx *sqlx.Tx, op model.SyncOperation) (int64, error) {
	if !op.Type.Valid() {
		return 0, fmt.Errorf("enqueuing %s for %s: unknown operation type", op.Type, op.EmailID)
	}
	if op.Timestamp == 0 {
		op.Timestamp = model.NowMillis()
	}

	res, err := tx.ExecContext(ctx, enqueueSQL,
		string(op.Type), op.EmailID, op.AccountID, op.Timestamp, op.ExtraData,
	)
	if err != nil {
		return 0, fmt.Errorf("enqueuing %s for %s: %w", op.Type, op.EmailID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading queue id: %w", err)
	}
	return id, nil
}

// ListPending returns the queued operations of an account ordered by
// enqueue time, ties broken by ID.
func (s *SQLiteStore) ListPending(
	ctx context.Context,
	accountID string,
) ([]model.SyncOperation, error) {
	query := "SELECT * FROM sync_queue"
	var args []interface{}
	if accountID != "" {
		query += " WHERE account_id = ?"
		args = append(args, accountID)
	}
	query += " ORDER BY timestamp ASC, id ASC"

	return s.selectOps(ctx, query, args...)
}

// HasPending reports whether any queued operation targets emailID.
func (s *SQLiteStore) HasPending(ctx context.Context, emailID string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM sync_queue WHERE email_id = ?", emailID)
	if err != nil {
		return false, fmt.Errorf("counting queue entries for %s: %w", emailID, err)
	}
	return n > 0, nil
}

// IncrementRetry bumps the retry count of an entry in place and records
// the failure.
func (s *SQLiteStore) IncrementRetry(ctx context.Context, id int64, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE sync_queue SET retry_count = retry_count + 1, last_error = ? WHERE id = ?",
		errMsg, id,
	)
	if err != nil {
		return fmt.Errorf("incrementing retry of queue entry %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue entry %d not found", id)
	}
	return nil
}

// Park raises an entry's retry count to at least retries so it stops
// being replayed, and records the failure.
func (s *SQLiteStore) Park(ctx context.Context, id int64, retries int, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE sync_queue SET retry_count = MAX(retry_count, ?), last_error = ? WHERE id = ?",
		retries, errMsg, id,
	)
	if err != nil {
		return fmt.Errorf("parking queue entry %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue entry %d not found", id)
	}
	return nil
}

// Remove deletes one queue entry. Removing a missing entry is not an error.
func (s *SQLiteStore) Remove(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sync_queue WHERE id = ?", id); err != nil {
		return fmt.Errorf("removing queue entry %d: %w", id, err)
	}
	return nil
}

// RemoveAll deletes the given queue entries in one statement.
func (s *SQLiteStore) RemoveAll(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In("DELETE FROM sync_queue WHERE id IN (?)", ids)
	if err != nil {
		return fmt.Errorf("building queue delete: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("removing %d queue entries: %w", len(ids), err)
	}
	return nil
}

// ListFailed returns entries whose retry count reached maxRetries.
func (s *SQLiteStore) ListFailed(
	ctx context.Context,
	maxRetries int,
) ([]model.SyncOperation, error) {
	return s.selectOps(ctx,
		"SELECT * FROM sync_queue WHERE retry_count >= ? ORDER BY timestamp ASC, id ASC",
		maxRetries,
	)
}

func (s *SQLiteStore) selectOps(
	ctx context.Context,
	query string,
	args ...interface{},
) ([]model.SyncOperation, error) {
	var rows []queueRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying sync queue: %w", err)
	}

	ops := make([]model.SyncOperation, 0, len(rows))
	for _, r := range rows {
		t, err := model.ParseOpType(r.Type)
		if err != nil {
			return nil, fmt.Errorf("queue entry %d: %w", r.ID, err)
		}
		op := model.SyncOperation{
			ID:         r.ID,
			Type:       t,
			EmailID:    r.EmailID,
			AccountID:  r.AccountID,
			Timestamp:  r.Timestamp,
			RetryCount: r.RetryCount,
			ExtraData:  r.ExtraData,
		}
		if r.LastError.Valid {
			msg := r.LastError.String
			op.LastError = &msg
		}
		ops = append(ops, op)
	}
	return ops, nil
}
