// Package repository is the mailbox facade used by the rest of the
// application. Writes land in the local store first and are queued for
// remote replay; reads are paged and deduplicated.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/mailerr"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

// SyncPolicy reports whether remote sync is on for an account.
// *model.AppConfig and the sync engine both satisfy it.
type SyncPolicy interface {
	IsSyncEnabled(accountID string) bool
}

// Sender delivers an outgoing message to the remote server.
type Sender interface {
	SendMessage(ctx context.Context, msg model.Message) error
}

// Mutation is a field-level change applied by MutateLocal. Nil fields are
// left unchanged.
type Mutation struct {
	IsRead    *bool
	IsStarred *bool
	Labels    model.Labels
}

// Mailbox implements the local-first read and write paths.
type Mailbox struct {
	store  store.Store
	policy SyncPolicy
	sender Sender
	log    logrus.FieldLogger
}

// NewMailbox creates a facade over s. sender may be nil, in which case
// Send fails with a ValidationError.
func NewMailbox(
	s store.Store,
	policy SyncPolicy,
	sender Sender,
	log logrus.FieldLogger,
) *Mailbox {
	return &Mailbox{
		store:  s,
		policy: policy,
		sender: sender,
		log:    log,
	}
}

// MutateLocal applies m to one message in a single row write. Nothing is
// queued for the remote. Labels naming more than one folder are rejected.
func (mb *Mailbox) MutateLocal(ctx context.Context, emailID string, m Mutation) error {
	if locs := m.Labels.Locations(); len(locs) > 1 {
		return &mailerr.ValidationError{
			Field:   "labels",
			Message: fmt.Sprintf("at most one folder label allowed, got %s", strings.Join(locs, ", ")),
		}
	}

	msg, err := mb.store.GetMessage(ctx, emailID)
	if err != nil {
		return mailerr.Database("loading message", err)
	}

	if m.IsRead != nil {
		msg.IsRead = *m.IsRead
	}
	if m.IsStarred != nil {
		msg.IsStarred = *m.IsStarred
	}
	if m.Labels != nil {
		msg.Labels = m.Labels.Clone()
	}

	return mailerr.Database("saving message", mb.store.SaveMutation(ctx, *msg, nil))
}

// DeleteMessage moves a message to the trash.
func (mb *Mailbox) DeleteMessage(ctx context.Context, emailID string) error {
	return mb.apply(ctx, emailID, model.OpDelete, "", func(m *model.Message) {
		m.Labels = model.NewLabels(model.LabelTrash)
	})
}

// ArchiveMessage moves a message out of the inbox into the archive and
// marks it read.
func (mb *Mailbox) ArchiveMessage(ctx context.Context, emailID string) error {
	return mb.apply(ctx, emailID, model.OpArchive, "", func(m *model.Message) {
		m.Labels = m.Labels.Remove(model.LabelInbox).Add(model.LabelArchive)
		m.IsRead = true
	})
}

// RestoreMessage takes a message out of the trash and back to the inbox.
// The remote sees it as a move to the inbox.
func (mb *Mailbox) RestoreMessage(ctx context.Context, emailID string) error {
	return mb.apply(ctx, emailID, model.OpMoveToFolder, model.LabelInbox, func(m *model.Message) {
		m.Labels = m.Labels.Remove(model.LabelTrash).Add(model.LabelInbox)
	})
}

// MoveMessage places a message in exactly one folder, target.
func (mb *Mailbox) MoveMessage(ctx context.Context, emailID, target string) error {
	if target == "" {
		return &mailerr.ValidationError{Field: "target", Message: "folder must not be empty"}
	}
	return mb.apply(ctx, emailID, model.OpMoveToFolder, target, func(m *model.Message) {
		m.Labels = m.Labels.Remove(model.LocationLabels...).Add(target)
	})
}

// ToggleStar sets the starred flag.
func (mb *Mailbox) ToggleStar(ctx context.Context, emailID string, starred bool) error {
	op := model.OpUnstar
	if starred {
		op = model.OpStar
	}
	return mb.apply(ctx, emailID, op, "", func(m *model.Message) {
		m.IsStarred = starred
	})
}

// MarkRead sets the read flag.
func (mb *Mailbox) MarkRead(ctx context.Context, emailID string, read bool) error {
	op := model.OpMarkUnread
	if read {
		op = model.OpMarkRead
	}
	return mb.apply(ctx, emailID, op, "", func(m *model.Message) {
		m.IsRead = read
	})
}

// DeleteMessages applies DeleteMessage to each id.
func (mb *Mailbox) DeleteMessages(ctx context.Context, emailIDs []string) error {
	return mb.each(emailIDs, func(id string) error { return mb.DeleteMessage(ctx, id) })
}

// ArchiveMessages applies ArchiveMessage to each id.
func (mb *Mailbox) ArchiveMessages(ctx context.Context, emailIDs []string) error {
	return mb.each(emailIDs, func(id string) error { return mb.ArchiveMessage(ctx, id) })
}

// RestoreMessages applies RestoreMessage to each id.
func (mb *Mailbox) RestoreMessages(ctx context.Context, emailIDs []string) error {
	return mb.each(emailIDs, func(id string) error { return mb.RestoreMessage(ctx, id) })
}

// MoveMessages applies MoveMessage to each id.
func (mb *Mailbox) MoveMessages(ctx context.Context, emailIDs []string, target string) error {
	return mb.each(emailIDs, func(id string) error { return mb.MoveMessage(ctx, id, target) })
}

// ToggleStars applies ToggleStar to each id.
func (mb *Mailbox) ToggleStars(ctx context.Context, emailIDs []string, starred bool) error {
	return mb.each(emailIDs, func(id string) error { return mb.ToggleStar(ctx, id, starred) })
}

// MarkReadMany applies MarkRead to each id.
func (mb *Mailbox) MarkReadMany(ctx context.Context, emailIDs []string, read bool) error {
	return mb.each(emailIDs, func(id string) error { return mb.MarkRead(ctx, id, read) })
}

// each runs fn for every id. A failing id does not stop the batch; the
// failures are joined.
func (mb *Mailbox) each(ids []string, fn func(id string) error) error {
	var errs []error
	for _, id := range ids {
		if err := fn(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// apply runs the local-first write protocol: load the row, compute the
// new state, persist it, and queue the remote side-effect when sync is
// on for the account. The call succeeds once the row is committed.
func (mb *Mailbox) apply(
	ctx context.Context,
	emailID string,
	opType model.OpType,
	extra string,
	transition func(*model.Message),
) error {
	current, err := mb.store.GetMessage(ctx, emailID)
	if err != nil {
		return mailerr.Database("loading message", err)
	}

	next := current.Clone()
	transition(next)

	if !mb.policy.IsSyncEnabled(next.AccountID) {
		return mailerr.Database("saving message", mb.store.SaveMutation(ctx, *next, nil))
	}

	op := model.NewSyncOperation(opType, next, extra)
	err = mb.store.SaveMutation(ctx, *next, &op)
	if err == nil {
		return nil
	}

	// The combined write failed. Keep the local change and let the next
	// pull reconcile the remote.
	mb.log.WithFields(logrus.Fields{
		"email_id": emailID,
		"op":       opType,
	}).WithError(err).Warn("queueing remote operation failed, saving locally only")

	return mailerr.Database("saving message", mb.store.SaveMutation(ctx, *next, nil))
}
