package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nhle/mailsync/internal/mailerr"
	"github.com/nhle/mailsync/internal/model"
)

// messageRow mirrors the messages table.
type messageRow struct {
	ID           string `db:"id"`
	ThreadID     string `db:"thread_id"`
	AccountID    string `db:"account_id"`
	From         string `db:"from_addr"`
	To           string `db:"to_addrs"`
	Cc           string `db:"cc_addrs"`
	Bcc          string `db:"bcc_addrs"`
	Subject      string `db:"subject"`
	BodyText     string `db:"body_text"`
	BodyHTML     string `db:"body_html"`
	BodyMarkdown string `db:"body_markdown"`
	Timestamp    int64  `db:"timestamp"`
	IsRead       bool   `db:"is_read"`
	IsStarred    bool   `db:"is_starred"`
	Labels       string `db:"labels"`
}

type attachmentRow struct {
	ID        string `db:"id"`
	EmailID   string `db:"email_id"`
	FileName  string `db:"file_name"`
	MimeType  string `db:"mime_type"`
	Size      int64  `db:"size"`
	URL       string `db:"url"`
	LocalPath string `db:"local_path"`
}

const upsertMessageSQL = `
	INSERT INTO messages (
		id, thread_id, account_id,
		from_addr, to_addrs, cc_addrs, bcc_addrs,
		subject, body_text, body_html, body_markdown,
		timestamp, is_read, is_starred, labels
	) VALUES (
		?, ?, ?,
		?, ?, ?, ?,
		?, ?, ?, ?,
		?, ?, ?, ?
	)
	ON CONFLICT(id) DO UPDATE SET
		thread_id = excluded.thread_id,
		account_id = excluded.account_id,
		from_addr = excluded.from_addr,
		to_addrs = excluded.to_addrs,
		cc_addrs = excluded.cc_addrs,
		bcc_addrs = excluded.bcc_addrs,
		subject = excluded.subject,
		body_text = excluded.body_text,
		body_html = excluded.body_html,
		body_markdown = excluded.body_markdown,
		timestamp = excluded.timestamp,
		is_read = excluded.is_read,
		is_starred = excluded.is_starred,
		labels = excluded.labels`

const upsertAttachmentSQL = `
	INSERT INTO attachments (
		id, email_id, file_name, mime_type, size, url, local_path
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		file_name = excluded.file_name,
		mime_type = excluded.mime_type,
		size = excluded.size,
		url = excluded.url,
		local_path = excluded.local_path`

// GetMessage retrieves a single message by ID, including its attachments.
func (s *SQLiteStore) GetMessage(
	ctx context.Context,
	id string,
) (*model.Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM messages WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &mailerr.NotFoundError{Resource: "message", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", id, err)
	}

	msg, err := row.toModel()
	if err != nil {
		return nil, err
	}

	atts, err := s.GetAttachments(ctx, id)
	if err != nil {
		return nil, err
	}
	msg.Attachments = atts

	return &msg, nil
}

// GetMessages retrieves messages matching the filter, newest first.
func (s *SQLiteStore) GetMessages(
	ctx context.Context,
	filter MessageFilter,
) ([]model.Message, error) {
	query, args := buildMessageQuery(filter)

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}

	msgs := make([]model.Message, 0, len(rows))
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		m, err := r.toModel()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
		ids = append(ids, m.ID)
	}

	byEmail, err := s.attachmentsFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		msgs[i].Attachments = byEmail[msgs[i].ID]
	}

	return msgs, nil
}

// likeClause matches with backslash as the escape character so user
// input containing % or _ is taken literally.
const likeClause = ` LIKE ? ESCAPE '\'`

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likeEscape(s string) string {
	return likeEscaper.Replace(s)
}

// buildMessageQuery assembles the SELECT for a MessageFilter.
func buildMessageQuery(f MessageFilter) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if f.AccountID != nil {
		conditions = append(conditions, "account_id = ?")
		args = append(args, *f.AccountID)
	}
	if f.Label != nil && *f.Label != "" {
		conditions = append(conditions, "(',' || labels || ',')"+likeClause)
		args = append(args, "%,"+likeEscape(strings.ToLower(*f.Label))+",%")
	}
	if f.IsRead != nil {
		conditions = append(conditions, "is_read = ?")
		args = append(args, boolToInt(*f.IsRead))
	}
	if f.IsStarred != nil {
		conditions = append(conditions, "is_starred = ?")
		args = append(args, boolToInt(*f.IsStarred))
	}
	if f.HasAttachments != nil {
		exists := "EXISTS (SELECT 1 FROM attachments a WHERE a.email_id = messages.id)"
		if !*f.HasAttachments {
			exists = "NOT " + exists
		}
		conditions = append(conditions, exists)
	}
	if f.From != nil && *f.From != "" {
		conditions = append(conditions, "from_addr"+likeClause)
		args = append(args, "%"+likeEscape(*f.From)+"%")
	}
	if f.Since != nil {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, *f.Since)
	}
	if f.Until != nil {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, *f.Until)
	}
	for _, term := range f.Terms {
		if strings.TrimSpace(term) == "" {
			continue
		}
		conditions = append(conditions, "(subject"+likeClause+
			" OR body_text"+likeClause+
			" OR body_html"+likeClause+
			" OR from_addr"+likeClause+")")
		q := "%" + likeEscape(term) + "%"
		args = append(args, q, q, q, q)
	}

	query := "SELECT * FROM messages"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY timestamp DESC, id ASC"

	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
		if f.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", f.Offset)
		}
	}

	return query, args
}

// UpsertMessage inserts or updates a message and its attachments.
func (s *SQLiteStore) UpsertMessage(ctx context.Context, msg model.Message) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := upsertMessageTx(ctx, tx, msg); err != nil {
			return err
		}
		for _, att := range msg.Attachments {
			att.EmailID = msg.ID
			if err := upsertAttachmentTx(ctx, tx, att); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveMutation writes the message row and, when op is not nil, the
// matching queue entry in one transaction. Attachments are not touched.
func (s *SQLiteStore) SaveMutation(
	ctx context.Context,
	msg model.Message,
	op *model.SyncOperation,
) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := upsertMessageTx(ctx, tx, msg); err != nil {
			return err
		}
		if op == nil {
			return nil
		}
		_, err := enqueueTx(ctx, tx, *op)
		return err
	})
}

// DeleteBefore purges every message older than timestamp. Attachments
// cascade. It returns the number of messages removed.
func (s *SQLiteStore) DeleteBefore(ctx context.Context, timestamp int64) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM messages WHERE timestamp < ?", timestamp)
	if err != nil {
		return 0, fmt.Errorf("deleting messages before %d: %w", timestamp, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteByAccount purges every message of an account.
func (s *SQLiteStore) DeleteByAccount(ctx context.Context, accountID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM messages WHERE account_id = ?", accountID)
	if err != nil {
		return 0, fmt.Errorf("deleting messages of account %s: %w", accountID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteByLabel purges the messages of an account carrying label. An
// empty accountID matches every account.
func (s *SQLiteStore) DeleteByLabel(
	ctx context.Context,
	accountID, label string,
) (int, error) {
	query := "DELETE FROM messages WHERE (',' || labels || ',')" + likeClause
	args := []interface{}{"%," + likeEscape(strings.ToLower(label)) + ",%"}
	if accountID != "" {
		query += " AND account_id = ?"
		args = append(args, accountID)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("deleting %s messages: %w", label, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// UpsertAttachment inserts or updates one attachment. If the attachment
// has no ID, a new UUID is generated.
func (s *SQLiteStore) UpsertAttachment(ctx context.Context, att model.Attachment) error {
	if att.ID == "" {
		att.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, upsertAttachmentSQL,
		att.ID, att.EmailID, att.FileName, att.MimeType,
		att.Size, att.URL, att.LocalPath,
	)
	if err != nil {
		return fmt.Errorf("upserting attachment %s: %w", att.ID, err)
	}
	return nil
}

// GetAttachments lists the attachments of one message.
func (s *SQLiteStore) GetAttachments(
	ctx context.Context,
	emailID string,
) ([]model.Attachment, error) {
	var rows []attachmentRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM attachments WHERE email_id = ? ORDER BY file_name, id", emailID)
	if err != nil {
		return nil, fmt.Errorf("querying attachments of %s: %w", emailID, err)
	}

	atts := make([]model.Attachment, 0, len(rows))
	for _, r := range rows {
		atts = append(atts, r.toModel())
	}
	return atts, nil
}

// attachmentsFor loads attachments for a page of messages in one query.
func (s *SQLiteStore) attachmentsFor(
	ctx context.Context,
	emailIDs []string,
) (map[string][]model.Attachment, error) {
	out := make(map[string][]model.Attachment)
	if len(emailIDs) == 0 {
		return out, nil
	}

	query, args, err := sqlx.In(
		"SELECT * FROM attachments WHERE email_id IN (?) ORDER BY file_name, id", emailIDs)
	if err != nil {
		return nil, fmt.Errorf("building attachment query: %w", err)
	}

	var rows []attachmentRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("querying attachments: %w", err)
	}
	for _, r := range rows {
		out[r.EmailID] = append(out[r.EmailID], r.toModel())
	}
	return out, nil
}

func upsertMessageTx(ctx context.Context, tx *sqlx.Tx, msg model.Message) error {
	to, err := encodeAddrs(msg.To)
	if err != nil {
		return fmt.Errorf("marshaling to for message %s: %w", msg.ID, err)
	}
	cc, err := encodeAddrs(msg.Cc)
	if err != nil {
		return fmt.Errorf("marshaling cc for message %s: %w", msg.ID, err)
	}
	bcc, err := encodeAddrs(msg.Bcc)
	if err != nil {
		return fmt.Errorf("marshaling bcc for message %s: %w", msg.ID, err)
	}

	_, err = tx.ExecContext(ctx, upsertMessageSQL,
		msg.ID, msg.ThreadID, msg.AccountID,
		msg.From, to, cc, bcc,
		msg.Subject, msg.BodyText, msg.BodyHTML, msg.BodyMarkdown,
		msg.Timestamp, boolToInt(msg.IsRead), boolToInt(msg.IsStarred),
		msg.Labels.String(),
	)
	if err != nil {
		return fmt.Errorf("upserting message %s: %w", msg.ID, err)
	}
	return nil
}

func upsertAttachmentTx(ctx context.Context, tx *sqlx.Tx, att model.Attachment) error {
	if att.ID == "" {
		att.ID = uuid.New().String()
	}
	_, err := tx.ExecContext(ctx, upsertAttachmentSQL,
		att.ID, att.EmailID, att.FileName, att.MimeType,
		att.Size, att.URL, att.LocalPath,
	)
	if err != nil {
		return fmt.Errorf("upserting attachment %s: %w", att.ID, err)
	}
	return nil
}

func (r messageRow) toModel() (model.Message, error) {
	msg := model.Message{
		ID:           r.ID,
		ThreadID:     r.ThreadID,
		AccountID:    r.AccountID,
		From:         r.From,
		Subject:      r.Subject,
		BodyText:     r.BodyText,
		BodyHTML:     r.BodyHTML,
		BodyMarkdown: r.BodyMarkdown,
		Timestamp:    r.Timestamp,
		IsRead:       r.IsRead,
		IsStarred:    r.IsStarred,
		Labels:       model.ParseLabels(r.Labels),
	}

	var err error
	if msg.To, err = decodeAddrs(r.To); err != nil {
		return model.Message{}, fmt.Errorf("unmarshaling to of %s: %w", r.ID, err)
	}
	if msg.Cc, err = decodeAddrs(r.Cc); err != nil {
		return model.Message{}, fmt.Errorf("unmarshaling cc of %s: %w", r.ID, err)
	}
	if msg.Bcc, err = decodeAddrs(r.Bcc); err != nil {
		return model.Message{}, fmt.Errorf("unmarshaling bcc of %s: %w", r.ID, err)
	}

	return msg, nil
}

func (r attachmentRow) toModel() model.Attachment {
	return model.Attachment{
		ID:        r.ID,
		EmailID:   r.EmailID,
		FileName:  r.FileName,
		MimeType:  r.MimeType,
		Size:      r.Size,
		URL:       r.URL,
		LocalPath: r.LocalPath,
	}
}

func encodeAddrs(addrs []string) (string, error) {
	if len(addrs) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(addrs)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeAddrs(s string) ([]string, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var addrs []string
	if err := json.Unmarshal([]byte(s), &addrs); err != nil {
		return nil, err
	}
	return addrs, nil
}
