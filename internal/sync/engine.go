package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailsync/internal/dav"
	"github.com/nhle/mailsync/internal/mailerr"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
)

// maxParallelAccounts bounds SyncAll fan-out.
const maxParallelAccounts = 4

// Engine runs sync passes: pull, reconcile, retention sweep, and queue
// drain. At most one pass per account runs at a time; distinct accounts
// proceed in parallel.
type Engine struct {
	store     store.Store
	cfg       *model.AppConfig
	connector Connector
	log       logrus.FieldLogger
	now       func() time.Time

	mu    gosync.Mutex
	locks map[string]*gosync.Mutex
}

// NewEngine creates an engine over the given store and connector.
func NewEngine(
	s store.Store,
	cfg *model.AppConfig,
	connector Connector,
	log logrus.FieldLogger,
) *Engine {
	return &Engine{
		store:     s,
		cfg:       cfg,
		connector: connector,
		log:       log,
		now:       time.Now,
		locks:     make(map[string]*gosync.Mutex),
	}
}

// IsSyncEnabled reports whether remote sync is on for the account.
func (e *Engine) IsSyncEnabled(accountID string) bool {
	return e.cfg.IsSyncEnabled(accountID)
}

// accountLock returns the mutex serializing passes of one account.
func (e *Engine) accountLock(accountID string) *gosync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	l, ok := e.locks[accountID]
	if !ok {
		l = &gosync.Mutex{}
		e.locks[accountID] = l
	}
	return l
}

// RunSyncPass performs one full pass for an account. A pull failure
// aborts the pass with a SyncError; individual replay failures are
// recorded on the queue and reported in the result.
func (e *Engine) RunSyncPass(ctx context.Context, accountID string) (*model.SyncResult, error) {
	acc, err := e.cfg.Account(accountID)
	if err != nil {
		return nil, &mailerr.ValidationError{Field: "account", Message: err.Error()}
	}

	log := e.log.WithField("account", accountID)
	result := &model.SyncResult{AccountID: accountID}

	if !acc.SyncEnabled {
		log.Debug("sync disabled, skipping pass")
		result.Success = true
		return result, nil
	}

	lock := e.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	fail := func(err error) (*model.SyncResult, error) {
		syncErr := &mailerr.SyncError{AccountID: accountID, Err: err}
		result.Err = syncErr
		log.WithError(err).Error("sync pass aborted")
		return result, syncErr
	}

	state, err := e.store.GetSyncState(ctx, accountID)
	if err != nil {
		return fail(mailerr.Database("loading sync state", err))
	}

	remote, err := e.connector.Connect(ctx, *acc)
	if err != nil {
		return fail(err)
	}
	defer remote.Close()

	msgs, err := remote.FetchMessages(ctx, state.LastRemoteTimestamp)
	if err != nil {
		return fail(fmt.Errorf("pulling messages: %w", err))
	}

	cutoff := e.now().Add(-e.cfg.Sync.RetentionWindow()).UnixMilli()
	watermark := state.LastRemoteTimestamp
	for _, m := range msgs {
		if m.Timestamp == 0 {
			ts, err := e.undatedTimestamp(ctx, m.ID)
			if err != nil {
				return fail(mailerr.Database("reconciling "+m.ID, err))
			}
			m.Timestamp = ts
		} else if m.Timestamp > watermark {
			watermark = m.Timestamp
		}
		if m.Timestamp < cutoff {
			result.Skipped++
			continue
		}
		if err := e.reconcile(ctx, m, result, log); err != nil {
			return fail(mailerr.Database("reconciling "+m.ID, err))
		}
	}

	purged, err := e.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		log.WithError(err).Warn("retention sweep failed")
	}
	result.Deleted = purged

	if err := e.drain(ctx, remote, accountID, result, log); err != nil {
		return fail(err)
	}

	err = e.store.SaveSyncState(ctx, model.SyncState{
		AccountID:           accountID,
		LastRemoteTimestamp: watermark,
		LastSyncAt:          e.now().UnixMilli(),
	})
	if err != nil {
		return fail(mailerr.Database("saving sync state", err))
	}

	result.Success = true
	log.WithFields(logrus.Fields{
		"new":      result.New,
		"updated":  result.Updated,
		"skipped":  result.Skipped,
		"deleted":  result.Deleted,
		"replayed": result.Replayed,
		"failed":   result.Failed,
	}).Info("sync pass complete")

	return result, nil
}

// undatedTimestamp stamps a remote message the server gave no time for.
// A known message keeps its local timestamp so repeated pulls compare
// equal; a new one is stamped with the current time. Neither moves the
// pull watermark.
func (e *Engine) undatedTimestamp(ctx context.Context, emailID string) (int64, error) {
	local, err := e.store.GetMessage(ctx, emailID)
	if mailerr.IsNotFound(err) {
		return e.now().UnixMilli(), nil
	}
	if err != nil {
		return 0, err
	}
	return local.Timestamp, nil
}

// reconcile applies one remote message with last-writer-wins on the
// timestamp. Local read and starred flags always survive an overwrite,
// and local labels survive while a queued operation still targets the
// message.
func (e *Engine) reconcile(
	ctx context.Context,
	remote model.Message,
	result *model.SyncResult,
	log logrus.FieldLogger,
) error {
	local, err := e.store.GetMessage(ctx, remote.ID)
	if mailerr.IsNotFound(err) {
		if err := e.store.UpsertMessage(ctx, remote); err != nil {
			return err
		}
		result.New++
		return nil
	}
	if err != nil {
		return err
	}

	switch {
	case remote.Timestamp > local.Timestamp:
		merged := remote.Clone()
		merged.IsRead = local.IsRead
		merged.IsStarred = local.IsStarred

		pending, err := e.store.HasPending(ctx, remote.ID)
		if err != nil {
			return err
		}
		if pending {
			merged.Labels = local.Labels.Clone()
		}

		if err := e.store.UpsertMessage(ctx, *merged); err != nil {
			return err
		}
		result.Updated++

	case remote.Timestamp == local.Timestamp:
		if remote.IsRead != local.IsRead || remote.IsStarred != local.IsStarred {
			log.WithField("email_id", remote.ID).
				Debug("equal timestamps with diverging flags, keeping local copy")
		}
		result.Skipped++

	default:
		result.Skipped++
	}

	return nil
}

// drain replays the account's queue in FIFO order. A transient failure
// stays in place with its retry count bumped, and later entries for the
// same message wait for the next pass. A request the server rejects for
// good is parked at once. Parked entries (retry count at MaxRetries) are
// kept for inspection and not replayed.
func (e *Engine) drain(
	ctx context.Context,
	remote Remote,
	accountID string,
	result *model.SyncResult,
	log logrus.FieldLogger,
) error {
	ops, err := e.store.ListPending(ctx, accountID)
	if err != nil {
		return mailerr.Database("listing sync queue", err)
	}

	maxRetries := e.cfg.Sync.MaxRetries
	blocked := make(map[string]bool)

	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return err
		}
		if op.RetryCount >= maxRetries || blocked[op.EmailID] {
			continue
		}

		opLog := log.WithFields(logrus.Fields{
			"op":       op.Type,
			"email_id": op.EmailID,
			"queue_id": op.ID,
		})

		replayErr := e.replay(ctx, remote, op)
		if replayErr == nil {
			if err := e.store.Remove(ctx, op.ID); err != nil {
				return mailerr.Database("removing replayed entry", err)
			}
			result.Replayed++
			continue
		}

		result.Failed++
		blocked[op.EmailID] = true
		// Record the failure even when the pass itself was cancelled.
		bookCtx := context.WithoutCancel(ctx)
		stop := mailerr.IsAuth(replayErr) ||
			errors.Is(replayErr, context.Canceled) ||
			errors.Is(replayErr, context.DeadlineExceeded)

		if !stop && !dav.IsRetryable(replayErr) {
			// A rejected request fails the same way on every pass.
			if err := e.store.Park(bookCtx, op.ID, maxRetries, replayErr.Error()); err != nil {
				return mailerr.Database("parking replay failure", err)
			}
			opLog.WithError(replayErr).Warn("replay rejected, parked")
			continue
		}

		if err := e.store.IncrementRetry(bookCtx, op.ID, replayErr.Error()); err != nil {
			return mailerr.Database("recording replay failure", err)
		}
		opLog.WithError(replayErr).
			WithField("retry_count", op.RetryCount+1).
			Warn("replay failed, will retry next pass")

		if stop {
			// Every remaining entry would fail the same way.
			break
		}
	}

	return nil
}

// replay translates a queued operation into its protocol request.
func (e *Engine) replay(ctx context.Context, remote Remote, op model.SyncOperation) error {
	yes, no := true, false

	switch op.Type {
	case model.OpStar:
		return remote.PatchFlags(ctx, op.EmailID, dav.FlagPatch{Flagged: &yes})
	case model.OpUnstar:
		return remote.PatchFlags(ctx, op.EmailID, dav.FlagPatch{Flagged: &no})
	case model.OpMarkRead:
		return remote.PatchFlags(ctx, op.EmailID, dav.FlagPatch{Read: &yes})
	case model.OpMarkUnread:
		return remote.PatchFlags(ctx, op.EmailID, dav.FlagPatch{Read: &no})
	case model.OpArchive:
		folder := model.LabelArchive
		return remote.PatchFlags(ctx, op.EmailID, dav.FlagPatch{Folder: &folder, Read: &yes})
	case model.OpMoveToFolder:
		if op.ExtraData == "" {
			return &mailerr.ValidationError{Field: "extra_data", Message: "move without target folder"}
		}
		folder := op.ExtraData
		return remote.PatchFlags(ctx, op.EmailID, dav.FlagPatch{Folder: &folder})
	case model.OpDelete:
		err := remote.Delete(ctx, op.EmailID)
		if mailerr.IsNotFound(err) {
			return nil
		}
		return err
	default:
		return fmt.Errorf("unknown sync operation type %q", op.Type)
	}
}

// SyncAll runs a pass for every sync-enabled account in parallel. Each
// account's outcome is in its result; the returned error joins the
// failures.
func (e *Engine) SyncAll(ctx context.Context) ([]*model.SyncResult, error) {
	var ids []string
	for _, acc := range e.cfg.Accounts {
		if acc.SyncEnabled {
			ids = append(ids, acc.ID)
		}
	}

	results := make([]*model.SyncResult, len(ids))
	errs := make([]error, len(ids))

	var g errgroup.Group
	g.SetLimit(maxParallelAccounts)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			res, err := e.RunSyncPass(ctx, id)
			if res == nil {
				res = &model.SyncResult{AccountID: id, Err: err}
			}
			results[i] = res
			errs[i] = err
			return nil
		})
	}
	_ = g.Wait()

	return results, errors.Join(errs...)
}

// SendMessage uploads msg through the account's session. It satisfies
// the mailbox's Sender collaborator.
func (e *Engine) SendMessage(ctx context.Context, msg model.Message) error {
	acc, err := e.cfg.Account(msg.AccountID)
	if err != nil {
		return &mailerr.ValidationError{Field: "account", Message: err.Error()}
	}
	if !acc.SyncEnabled {
		return &mailerr.ValidationError{
			Field:   "account",
			Message: fmt.Sprintf("sync is disabled for %s, cannot send", acc.ID),
		}
	}

	if msg.From == "" {
		msg.From = acc.Username
	}

	remote, err := e.connector.Connect(ctx, *acc)
	if err != nil {
		return err
	}
	defer remote.Close()

	if err := remote.Send(ctx, msg); err != nil {
		return err
	}

	e.log.WithField("account", acc.ID).WithField("email_id", msg.ID).Info("message sent")
	return nil
}
