package model

import "fmt"

// OpType identifies the remote side-effect a queued operation replays.
// The set is closed; ParseOpType rejects anything else.
type OpType string

const (
	OpDelete       OpType = "DELETE"
	OpArchive      OpType = "ARCHIVE"
	OpStar         OpType = "STAR"
	OpUnstar       OpType = "UNSTAR"
	OpMarkRead     OpType = "MARK_READ"
	OpMarkUnread   OpType = "MARK_UNREAD"
	OpMoveToFolder OpType = "MOVE_TO_FOLDER"
)

// OpTypes lists every operation type in declaration order.
var OpTypes = []OpType{
	OpDelete, OpArchive, OpStar, OpUnstar,
	OpMarkRead, OpMarkUnread, OpMoveToFolder,
}

// Valid reports whether t is one of the known operation types.
func (t OpType) Valid() bool {
	for _, known := range OpTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseOpType converts the stored representation back to an OpType.
func ParseOpType(s string) (OpType, error) {
	t := OpType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown sync operation type %q", s)
	}
	return t, nil
}

// SyncOperation is one row of the durable replay queue.
type SyncOperation struct {
	// ID is assigned by the queue and increases monotonically.
	ID int64 `json:"id"`

	Type      OpType `json:"operation_type"`
	EmailID   string `json:"email_id"`
	AccountID string `json:"account_id"`

	// Timestamp is the enqueue time in epoch millis and the FIFO key.
	Timestamp int64 `json:"timestamp"`

	RetryCount int     `json:"retry_count"`
	LastError  *string `json:"last_error,omitempty"`

	// ExtraData carries operation-specific payload, e.g. the target
	// folder of MOVE_TO_FOLDER.
	ExtraData string `json:"extra_data,omitempty"`
}

// NewSyncOperation builds an operation stamped with the current time.
func NewSyncOperation(t OpType, msg *Message, extra string) SyncOperation {
	return SyncOperation{
		Type:      t,
		EmailID:   msg.ID,
		AccountID: msg.AccountID,
		Timestamp: NowMillis(),
		ExtraData: extra,
	}
}

// SyncResult summarizes one sync pass for one account.
type SyncResult struct {
	AccountID string `json:"account_id"`

	New     int `json:"new"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`

	// Deleted counts rows purged by the retention sweep.
	Deleted int `json:"deleted"`

	// Replayed and Failed count queue entries drained this pass.
	Replayed int `json:"replayed"`
	Failed   int `json:"failed"`

	Success bool  `json:"success"`
	Err     error `json:"-"`
}

// SyncState is the per-account pull watermark.
type SyncState struct {
	AccountID string

	// LastRemoteTimestamp is the newest remote timestamp seen, in epoch
	// millis. Zero means no pull has completed yet.
	LastRemoteTimestamp int64

	LastSyncAt int64
}
