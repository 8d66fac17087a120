package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nhle/mailsync/internal/model"
)

// GetSyncState returns the pull watermark of an account. An account that
// never synced gets a zero state rather than an error.
func (s *SQLiteStore) GetSyncState(
	ctx context.Context,
	accountID string,
) (*model.SyncState, error) {
	state := model.SyncState{AccountID: accountID}
	err := s.db.QueryRowxContext(ctx,
		"SELECT last_remote_timestamp, last_sync_at FROM sync_state WHERE account_id = ?",
		accountID,
	).Scan(&state.LastRemoteTimestamp, &state.LastSyncAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting sync state of %s: %w", accountID, err)
	}
	return &state, nil
}

// SaveSyncState inserts or replaces the watermark of an account.
func (s *SQLiteStore) SaveSyncState(ctx context.Context, state model.SyncState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_state (
			account_id, last_remote_timestamp, last_sync_at
		) VALUES (?, ?, ?)`,
		state.AccountID, state.LastRemoteTimestamp, state.LastSyncAt,
	)
	if err != nil {
		return fmt.Errorf("saving sync state of %s: %w", state.AccountID, err)
	}
	return nil
}
