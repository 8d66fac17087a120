package testutil

import (
	"path/filepath"
	"testing"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

// NewTestStore creates a SQLiteStore in a per-test temporary directory
// with all migrations applied. It automatically closes the store when the
// test completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "mail.db"))
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// NewMessage returns a minimal inbox message for account acct.
func NewMessage(id, acct string, ts int64) model.Message {
	return model.Message{
		ID:        id,
		ThreadID:  "thread-" + id,
		AccountID: acct,
		From:      "alice@example.com",
		To:        []string{"bob@example.com"},
		Subject:   "Subject " + id,
		BodyText:  "Body of " + id,
		Timestamp: ts,
		Labels:    model.NewLabels(model.LabelInbox),
	}
}
