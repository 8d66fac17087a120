package repository

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/mailerr"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/parser"
	"github.com/nhle/mailsync/internal/store"
)

// DefaultPageSize applies when a caller passes a non-positive page size.
const DefaultPageSize = 50

// SearchQuery combines free text with structured filters. Every set part
// must match; an empty query matches everything.
type SearchQuery struct {
	// Text is split on whitespace; each token must appear in the
	// subject, body, or sender.
	Text string

	AccountID      *string
	Label          *string
	From           *string
	Since          *int64
	Until          *int64
	HasAttachments *bool
	IsRead         *bool
	IsStarred      *bool

	Page     int
	PageSize int
}

// GetMessages returns one page of messages, newest first. An empty
// accountID spans every account. Pages are zero-based.
func (mb *Mailbox) GetMessages(
	ctx context.Context,
	accountID string,
	page, pageSize int,
) ([]model.Message, error) {
	f := store.MessageFilter{}
	if accountID != "" {
		f.AccountID = &accountID
	}
	return mb.page(ctx, f, page, pageSize)
}

// GetInbox returns one page of the inbox.
func (mb *Mailbox) GetInbox(ctx context.Context, accountID string, page, pageSize int) ([]model.Message, error) {
	return mb.folder(ctx, accountID, model.LabelInbox, page, pageSize)
}

// GetSent returns one page of sent messages.
func (mb *Mailbox) GetSent(ctx context.Context, accountID string, page, pageSize int) ([]model.Message, error) {
	return mb.folder(ctx, accountID, model.LabelSent, page, pageSize)
}

// GetDrafts returns one page of drafts.
func (mb *Mailbox) GetDrafts(ctx context.Context, accountID string, page, pageSize int) ([]model.Message, error) {
	return mb.folder(ctx, accountID, model.LabelDrafts, page, pageSize)
}

// GetArchive returns one page of archived messages.
func (mb *Mailbox) GetArchive(ctx context.Context, accountID string, page, pageSize int) ([]model.Message, error) {
	return mb.folder(ctx, accountID, model.LabelArchive, page, pageSize)
}

// GetTrash returns one page of the trash.
func (mb *Mailbox) GetTrash(ctx context.Context, accountID string, page, pageSize int) ([]model.Message, error) {
	return mb.folder(ctx, accountID, model.LabelTrash, page, pageSize)
}

// GetStarred returns one page of starred messages in any folder.
func (mb *Mailbox) GetStarred(ctx context.Context, accountID string, page, pageSize int) ([]model.Message, error) {
	starred := true
	f := store.MessageFilter{IsStarred: &starred}
	if accountID != "" {
		f.AccountID = &accountID
	}
	return mb.page(ctx, f, page, pageSize)
}

// GetMessage returns one message with its attachments.
func (mb *Mailbox) GetMessage(ctx context.Context, emailID string) (*model.Message, error) {
	msg, err := mb.store.GetMessage(ctx, emailID)
	if err != nil {
		return nil, mailerr.Database("loading message", err)
	}
	return msg, nil
}

// Search runs q against the local store.
func (mb *Mailbox) Search(ctx context.Context, q SearchQuery) ([]model.Message, error) {
	if q.Since != nil && q.Until != nil && *q.Since > *q.Until {
		return nil, &mailerr.ValidationError{Field: "since", Message: "date range is inverted"}
	}

	f := store.MessageFilter{
		AccountID:      q.AccountID,
		Label:          q.Label,
		From:           q.From,
		Since:          q.Since,
		Until:          q.Until,
		HasAttachments: q.HasAttachments,
		IsRead:         q.IsRead,
		IsStarred:      q.IsStarred,
		Terms:          strings.Fields(q.Text),
	}
	return mb.page(ctx, f, q.Page, q.PageSize)
}

func (mb *Mailbox) folder(
	ctx context.Context,
	accountID, label string,
	page, pageSize int,
) ([]model.Message, error) {
	f := store.MessageFilter{Label: &label}
	if accountID != "" {
		f.AccountID = &accountID
	}
	return mb.page(ctx, f, page, pageSize)
}

// page runs a paged query and drops repeated ids.
func (mb *Mailbox) page(
	ctx context.Context,
	f store.MessageFilter,
	page, pageSize int,
) ([]model.Message, error) {
	if page < 0 {
		page = 0
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	f.Limit = pageSize
	f.Offset = page * pageSize

	msgs, err := mb.store.GetMessages(ctx, f)
	if err != nil {
		return nil, mailerr.Database("querying messages", err)
	}
	return mb.dedup(msgs), nil
}

// dedup keeps the first occurrence of every id. Duplicates mean a store
// invariant broke upstream, so they are logged.
func (mb *Mailbox) dedup(msgs []model.Message) []model.Message {
	seen := make(map[string]struct{}, len(msgs))
	out := msgs[:0]
	var dupes []string

	for _, m := range msgs {
		if _, ok := seen[m.ID]; ok {
			dupes = append(dupes, m.ID)
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}

	if len(dupes) > 0 {
		mb.log.WithFields(logrus.Fields{
			"duplicates": len(dupes),
			"email_ids":  dupes,
		}).Warn("duplicate message ids in query result")
	}
	return out
}

// SaveDraft stores msg in the drafts folder. Drafts never reach the
// remote. A missing id is generated.
func (mb *Mailbox) SaveDraft(ctx context.Context, msg model.Message) (*model.Message, error) {
	if msg.AccountID == "" {
		return nil, &mailerr.ValidationError{Field: "account_id", Message: "draft has no account"}
	}

	draft := prepareOutgoing(msg, model.LabelDrafts)
	draft.IsRead = true

	if err := mb.store.UpsertMessage(ctx, *draft); err != nil {
		return nil, mailerr.Database("saving draft", err)
	}
	return draft, nil
}

// Send delivers msg through the Sender and, once accepted, files it under
// sent. A draft with the same id is replaced.
func (mb *Mailbox) Send(ctx context.Context, msg model.Message) (*model.Message, error) {
	if len(msg.To)+len(msg.Cc)+len(msg.Bcc) == 0 {
		return nil, &mailerr.ValidationError{Field: "to", Message: "at least one recipient is required"}
	}
	if msg.AccountID == "" {
		return nil, &mailerr.ValidationError{Field: "account_id", Message: "message has no account"}
	}
	if mb.sender == nil {
		return nil, &mailerr.ValidationError{Field: "account_id", Message: "sending is not configured"}
	}

	out := prepareOutgoing(msg, model.LabelSent)
	out.IsRead = true

	if err := mb.sender.SendMessage(ctx, *out); err != nil {
		return nil, err
	}

	if err := mb.store.UpsertMessage(ctx, *out); err != nil {
		// Already delivered; the next pull brings the copy back.
		mb.log.WithField("email_id", out.ID).WithError(err).
			Warn("message sent but local copy not saved")
		return nil, mailerr.Database("saving sent message", err)
	}
	return out, nil
}

func prepareOutgoing(msg model.Message, folder string) *model.Message {
	out := msg.Clone()
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	if out.ThreadID == "" {
		out.ThreadID = parser.ThreadID(out.Subject)
	}
	out.Timestamp = model.NowMillis()
	out.Labels = out.Labels.Remove(model.LocationLabels...).Add(folder)
	for i := range out.Attachments {
		out.Attachments[i].EmailID = out.ID
	}
	return out
}

// EmptyTrash permanently removes the account's trashed messages. An
// empty accountID empties every account's trash. Nothing is queued: the
// remote copies were already deleted when they were trashed.
func (mb *Mailbox) EmptyTrash(ctx context.Context, accountID string) (int, error) {
	n, err := mb.store.DeleteByLabel(ctx, accountID, model.LabelTrash)
	if err != nil {
		return 0, mailerr.Database("emptying trash", err)
	}
	mb.log.WithField("account", accountID).WithField("removed", n).Info("trash emptied")
	return n, nil
}

// SaveAttachment stores one attachment of an existing message.
func (mb *Mailbox) SaveAttachment(ctx context.Context, att model.Attachment) error {
	if att.EmailID == "" {
		return &mailerr.ValidationError{Field: "email_id", Message: "attachment has no message"}
	}
	if _, err := mb.store.GetMessage(ctx, att.EmailID); err != nil {
		return mailerr.Database("loading message", err)
	}
	return mailerr.Database("saving attachment", mb.store.UpsertAttachment(ctx, att))
}

// PendingOperations lists every queued operation in replay order.
func (mb *Mailbox) PendingOperations(ctx context.Context) ([]model.SyncOperation, error) {
	ops, err := mb.store.ListPending(ctx, "")
	if err != nil {
		return nil, mailerr.Database("listing sync queue", err)
	}
	return ops, nil
}

// FailedOperations lists queued operations that reached maxRetries and
// are no longer replayed.
func (mb *Mailbox) FailedOperations(ctx context.Context, maxRetries int) ([]model.SyncOperation, error) {
	ops, err := mb.store.ListFailed(ctx, maxRetries)
	if err != nil {
		return nil, mailerr.Database("listing failed operations", err)
	}
	return ops, nil
}

// PurgeFailed drops every parked operation and returns how many were
// removed.
func (mb *Mailbox) PurgeFailed(ctx context.Context, maxRetries int) (int, error) {
	ops, err := mb.FailedOperations(ctx, maxRetries)
	if err != nil {
		return 0, err
	}
	if len(ops) == 0 {
		return 0, nil
	}

	ids := make([]int64, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}
	if err := mb.store.RemoveAll(ctx, ids); err != nil {
		return 0, mailerr.Database("purging failed operations", err)
	}
	return len(ids), nil
}
