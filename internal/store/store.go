package store

import (
	"context"

	"github.com/nhle/mailsync/internal/model"
)

// MessageFilter controls filtering and pagination for message queries.
// Results are always ordered by timestamp, newest first.
type MessageFilter struct {
	AccountID *string
	Label     *string // location label or tag, e.g. "inbox"
	IsRead    *bool
	IsStarred *bool

	HasAttachments *bool
	From           *string // substring of the sender address

	Since *int64 // inclusive lower bound, epoch millis
	Until *int64 // inclusive upper bound, epoch millis

	// Terms must all appear in the subject, body, or sender.
	Terms []string

	Limit  int
	Offset int
}

// Store defines the persistence contract for messages, attachments, the
// sync queue ledger, and per-account sync state.
type Store interface {
	// === Messages ===

	GetMessage(ctx context.Context, id string) (*model.Message, error)
	GetMessages(ctx context.Context, filter MessageFilter) ([]model.Message, error)
	UpsertMessage(ctx context.Context, msg model.Message) error
	DeleteBefore(ctx context.Context, timestamp int64) (int, error)
	DeleteByAccount(ctx context.Context, accountID string) (int, error)
	DeleteByLabel(ctx context.Context, accountID, label string) (int, error)

	// SaveMutation writes msg and, when op is non-nil, appends op to the
	// sync queue in the same transaction.
	SaveMutation(ctx context.Context, msg model.Message, op *model.SyncOperation) error

	// === Attachments ===

	UpsertAttachment(ctx context.Context, att model.Attachment) error
	GetAttachments(ctx context.Context, emailID string) ([]model.Attachment, error)

	// === Sync queue ===

	Enqueue(ctx context.Context, op model.SyncOperation) (int64, error)
	EnqueueAll(ctx context.Context, ops []model.SyncOperation) error
	// ListPending returns queued operations for accountID in FIFO order.
	// An empty accountID lists every account.
	ListPending(ctx context.Context, accountID string) ([]model.SyncOperation, error)
	HasPending(ctx context.Context, emailID string) (bool, error)
	IncrementRetry(ctx context.Context, id int64, errMsg string) error
	// Park takes an entry out of replay by raising its retry count to
	// retries.
	Park(ctx context.Context, id int64, retries int, errMsg string) error
	Remove(ctx context.Context, id int64) error
	RemoveAll(ctx context.Context, ids []int64) error
	ListFailed(ctx context.Context, maxRetries int) ([]model.SyncOperation, error)

	// === Sync state ===

	GetSyncState(ctx context.Context, accountID string) (*model.SyncState, error)
	SaveSyncState(ctx context.Context, state model.SyncState) error

	Close() error
}
