package store

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/model"
)

func newMockStore(t *testing.T) (*SQLiteStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return newWithDB(sqlx.NewDb(db, "sqlmock")), mock
}

func TestSaveMutationRollsBackWhenQueueInsertFails(t *testing.T) {
	s, mock := newMockStore(t)

	msg := model.Message{
		ID: "m1", AccountID: "acct", Timestamp: 1,
		Labels: model.NewLabels(model.LabelTrash),
	}
	op := model.NewSyncOperation(model.OpDelete, &msg, "")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO messages")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO sync_queue")).
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err := s.SaveMutation(context.Background(), msg, &op)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "enqueuing DELETE for m1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMessagesWrapsQueryError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM messages")).
		WillReturnError(errors.New("database is locked"))

	_, err := s.GetMessages(context.Background(), MessageFilter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "querying messages")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildMessageQuery(t *testing.T) {
	acct := "acct"
	label := "Inbox"
	query, args := buildMessageQuery(MessageFilter{
		AccountID: &acct,
		Label:     &label,
		Terms:     []string{"50%_off", " "},
		Limit:     20,
		Offset:    40,
	})

	assert.Equal(t,
		`SELECT * FROM messages WHERE account_id = ? AND (',' || labels || ',') LIKE ? ESCAPE '\' `+
			`AND (subject LIKE ? ESCAPE '\' OR body_text LIKE ? ESCAPE '\' `+
			`OR body_html LIKE ? ESCAPE '\' OR from_addr LIKE ? ESCAPE '\') `+
			`ORDER BY timestamp DESC, id ASC LIMIT 20 OFFSET 40`,
		query)
	term := `%50\%\_off%`
	assert.Equal(t, []interface{}{"acct", "%,inbox,%", term, term, term, term}, args)
}
