package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nhle/mailsync/internal/dav"
	"github.com/nhle/mailsync/internal/mailerr"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var fixedNow = time.UnixMilli(1_700_000_000_000)

// base is a timestamp well inside the retention window.
var base = fixedNow.Add(-time.Hour).UnixMilli()

type fakeRemote struct {
	mu       gosync.Mutex
	messages []model.Message
	fetchErr error
	failures map[string]error // keyed by email id
	calls    []string
	sinces   []int64
	sent     []model.Message

	// block, when set, holds FetchMessages until closed.
	block    chan struct{}
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (f *fakeRemote) FetchMessages(ctx context.Context, since int64) ([]model.Message, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if f.block != nil {
		<-f.block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinces = append(f.sinces, since)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := make([]model.Message, len(f.messages))
	for i := range f.messages {
		out[i] = *f.messages[i].Clone()
	}
	return out, nil
}

func (f *fakeRemote) record(call, emailID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.failures[emailID]
}

func (f *fakeRemote) Send(ctx context.Context, msg model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeRemote) Delete(ctx context.Context, id string) error {
	return f.record("DELETE "+id, id)
}

func (f *fakeRemote) PatchFlags(ctx context.Context, id string, p dav.FlagPatch) error {
	call := "PATCH " + id
	if p.Read != nil {
		call += fmt.Sprintf(" read=%t", *p.Read)
	}
	if p.Flagged != nil {
		call += fmt.Sprintf(" flagged=%t", *p.Flagged)
	}
	if p.Folder != nil {
		call += " folder=" + *p.Folder
	}
	return f.record(call, id)
}

func (f *fakeRemote) Close() {}

func (f *fakeRemote) setFailure(emailID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures == nil {
		f.failures = map[string]error{}
	}
	if err == nil {
		delete(f.failures, emailID)
		return
	}
	f.failures[emailID] = err
}

func (f *fakeRemote) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeConnector struct {
	remote *fakeRemote
	err    error
}

func (c *fakeConnector) Connect(ctx context.Context, acc model.AccountConfig) (Remote, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.remote, nil
}

func testConfig(accounts ...string) *model.AppConfig {
	cfg := model.DefaultAppConfig()
	cfg.Sync.MaxRetries = 3
	for _, id := range accounts {
		cfg.Accounts = append(cfg.Accounts, model.AccountConfig{
			ID: id, ServerURL: "https://mail.example.com", Username: id, SyncEnabled: true,
		})
	}
	return cfg
}

func newTestEngine(t *testing.T, remote *fakeRemote) (*Engine, store.Store) {
	t.Helper()
	s := testutil.NewTestStore(t)
	log, _ := test.NewNullLogger()
	e := NewEngine(s, testConfig("acct"), &fakeConnector{remote: remote}, log)
	e.now = func() time.Time { return fixedNow }
	return e, s
}

func enqueue(t *testing.T, s store.Store, typ model.OpType, emailID string, ts int64, extra string) {
	t.Helper()
	_, err := s.Enqueue(context.Background(), model.SyncOperation{
		Type: typ, EmailID: emailID, AccountID: "acct", Timestamp: ts, ExtraData: extra,
	})
	require.NoError(t, err)
}

func transient() error {
	return &mailerr.NetworkError{Op: "PROPPATCH", Err: errors.New("503 service unavailable")}
}

func TestDrainIsFIFOAndRetriesFailedEntryInPlace(t *testing.T) {
	ctx := context.Background()
	remote := &fakeRemote{}
	remote.setFailure("m-b", transient())
	e, s := newTestEngine(t, remote)

	enqueue(t, s, model.OpStar, "m-a", base+1, "")
	enqueue(t, s, model.OpDelete, "m-b", base+2, "")
	enqueue(t, s, model.OpMarkRead, "m-c", base+3, "")

	res, err := e.RunSyncPass(ctx, "acct")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Replayed)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []string{
		"PATCH m-a flagged=true",
		"DELETE m-b",
		"PATCH m-c read=true",
	}, remote.callLog())

	pending, err := s.ListPending(ctx, "acct")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "m-b", pending[0].EmailID)
	assert.Equal(t, 1, pending[0].RetryCount)
	require.NotNil(t, pending[0].LastError)
	assert.Contains(t, *pending[0].LastError, "503")

	remote.setFailure("m-b", nil)
	res, err = e.RunSyncPass(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replayed)

	pending, err = s.ListPending(ctx, "acct")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDrainDefersLaterEntriesOfFailedMessage(t *testing.T) {
	ctx := context.Background()
	remote := &fakeRemote{}
	remote.setFailure("m-b", transient())
	e, s := newTestEngine(t, remote)

	enqueue(t, s, model.OpStar, "m-b", base+1, "")
	enqueue(t, s, model.OpUnstar, "m-b", base+2, "")
	enqueue(t, s, model.OpArchive, "m-c", base+3, "")

	res, err := e.RunSyncPass(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replayed)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []string{
		"PATCH m-b flagged=true",
		"PATCH m-c read=true folder=archive",
	}, remote.callLog())

	pending, err := s.ListPending(ctx, "acct")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, 1, pending[0].RetryCount)
	assert.Equal(t, 0, pending[1].RetryCount, "deferred entry is not charged a retry")
}

func TestDrainSkipsParkedEntries(t *testing.T) {
	ctx := context.Background()
	remote := &fakeRemote{}
	e, s := newTestEngine(t, remote)

	enqueue(t, s, model.OpMoveToFolder, "m-a", base+1, "work")
	pending, err := s.ListPending(ctx, "acct")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.IncrementRetry(ctx, pending[0].ID, "boom"))
	}
	enqueue(t, s, model.OpMoveToFolder, "m-b", base+2, "work")

	res, err := e.RunSyncPass(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replayed)
	assert.Equal(t, []string{"PATCH m-b folder=work"}, remote.callLog())

	failed, err := s.ListFailed(ctx, 3)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "m-a", failed[0].EmailID)
}

func TestDeleteOfMissingRemoteMessageSucceeds(t *testing.T) {
	ctx := context.Background()
	remote := &fakeRemote{}
	remote.setFailure("gone", &mailerr.NotFoundError{Resource: "remote resource", ID: "/mail/gone.eml"})
	e, s := newTestEngine(t, remote)

	enqueue(t, s, model.OpDelete, "gone", base, "")

	res, err := e.RunSyncPass(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Replayed)
	assert.Zero(t, res.Failed)

	pending, err := s.ListPending(ctx, "acct")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestAuthFailureStopsDrain(t *testing.T) {
	ctx := context.Background()
	remote := &fakeRemote{}
	remote.setFailure("m-a", &mailerr.AuthenticationError{AccountID: "acct", Status: 401})
	e, s := newTestEngine(t, remote)

	enqueue(t, s, model.OpStar, "m-a", base+1, "")
	enqueue(t, s, model.OpStar, "m-b", base+2, "")

	res, err := e.RunSyncPass(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []string{"PATCH m-a flagged=true"}, remote.callLog())
}

func TestPullIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m1 := testutil.NewMessage("r1", "acct", base+10)
	m1.Attachments = []model.Attachment{{ID: "r1-a", EmailID: "r1", FileName: "a.pdf"}}
	m2 := testutil.NewMessage("r2", "acct", base+20)
	remote := &fakeRemote{messages: []model.Message{m1, m2}}
	e, s := newTestEngine(t, remote)

	res, err := e.RunSyncPass(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, 2, res.New)

	before, err := s.GetMessages(ctx, store.MessageFilter{})
	require.NoError(t, err)

	res, err = e.RunSyncPass(ctx, "acct")
	require.NoError(t, err)
	assert.Zero(t, res.New)
	assert.Zero(t, res.Updated)
	assert.Equal(t, 2, res.Skipped)

	after, err := s.GetMessages(ctx, store.MessageFilter{})
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// The watermark from the first pass is handed to the second pull.
	assert.Equal(t, []int64{0, base + 20}, remote.sinces)
}

func TestReconcileKeepsLocalFlagsOnNewerRemote(t *testing.T) {
	ctx := context.Background()
	remoteMsg := testutil.NewMessage("m1", "acct", base+150)
	remoteMsg.Subject = "edited on server"
	remoteMsg.IsRead = false
	remote := &fakeRemote{messages: []model.Message{remoteMsg}}
	e, s := newTestEngine(t, remote)

	local := testutil.NewMessage("m1", "acct", base+100)
	local.IsRead = true
	require.NoError(t, s.UpsertMessage(ctx, local))

	res, err := e.RunSyncPass(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	got, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, got.IsRead, "local read flag wins")
	assert.Equal(t, "edited on server", got.Subject)
	assert.Equal(t, base+150, got.Timestamp)
}

func TestReconcileSkipsOlderAndEqualRemote(t *testing.T) {
	ctx := context.Background()
	older := testutil.NewMessage("old", "acct", base+50)
	older.Subject = "stale"
	equal := testutil.NewMessage("eq", "acct", base+100)
	equal.IsStarred = true
	remote := &fakeRemote{messages: []model.Message{older, equal}}
	e, s := newTestEngine(t, remote)

	require.NoError(t, s.UpsertMessage(ctx, testutil.NewMessage("old", "acct", base+100)))
	require.NoError(t, s.UpsertMessage(ctx, testutil.NewMessage("eq", "acct", base+100)))

	res, err := e.RunSyncPass(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Skipped)

	got, err := s.GetMessage(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, "Subject old", got.Subject)

	got, err = s.GetMessage(ctx, "eq")
	require.NoError(t, err)
	assert.False(t, got.IsStarred)
}

func TestReconcileKeepsLabelsWhileOperationQueued(t *testing.T) {
	ctx := context.Background()
	remoteMsg := testutil.NewMessage("m1", "acct", base+200)
	remote := &fakeRemote{messages: []model.Message{remoteMsg}}
	remote.setFailure("m1", transient())
	e, s := newTestEngine(t, remote)

	local := testutil.NewMessage("m1", "acct", base+100)
	local.Labels = model.NewLabels(model.LabelArchive)
	require.NoError(t, s.UpsertMessage(ctx, local))
	enqueue(t, s, model.OpArchive, "m1", base+101, "")

	_, err := e.RunSyncPass(ctx, "acct")
	require.NoError(t, err)

	got, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.NewLabels(model.LabelArchive), got.Labels)
	assert.Equal(t, base+200, got.Timestamp)
}

func TestPullFailureAbortsWithSyncError(t *testing.T) {
	ctx := context.Background()
	remote := &fakeRemote{fetchErr: &mailerr.NetworkError{Op: "PROPFIND", Err: errors.New("timeout")}}
	e, s := newTestEngine(t, remote)
	enqueue(t, s, model.OpStar, "m-a", base, "")

	res, err := e.RunSyncPass(ctx, "acct")
	require.Error(t, err)
	assert.True(t, mailerr.IsSync(err))
	assert.True(t, mailerr.IsNetwork(err))
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Empty(t, remote.callLog(), "nothing drained after a failed pull")

	state, err := s.GetSyncState(ctx, "acct")
	require.NoError(t, err)
	assert.Zero(t, state.LastSyncAt)
}

func TestConnectFailureIsSyncError(t *testing.T) {
	s := testutil.NewTestStore(t)
	log, _ := test.NewNullLogger()
	e := NewEngine(s, testConfig("acct"),
		&fakeConnector{err: &mailerr.AuthenticationError{AccountID: "acct", Status: 401}}, log)

	_, err := e.RunSyncPass(context.Background(), "acct")
	require.Error(t, err)
	assert.True(t, mailerr.IsSync(err))
	assert.True(t, mailerr.IsAuth(err))
}

func TestRetentionSweep(t *testing.T) {
	ctx := context.Background()
	ancient := fixedNow.Add(-40 * 24 * time.Hour).UnixMilli()
	remote := &fakeRemote{messages: []model.Message{
		testutil.NewMessage("remote-old", "acct", ancient),
		testutil.NewMessage("remote-new", "acct", base),
	}}
	e, s := newTestEngine(t, remote)
	require.NoError(t, s.UpsertMessage(ctx, testutil.NewMessage("local-old", "acct", ancient)))

	res, err := e.RunSyncPass(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, 1, res.New)
	assert.Equal(t, 1, res.Deleted)

	msgs, err := s.GetMessages(ctx, store.MessageFilter{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "remote-new", msgs[0].ID)
}

func TestUnknownAndDisabledAccounts(t *testing.T) {
	remote := &fakeRemote{}
	e, _ := newTestEngine(t, remote)

	_, err := e.RunSyncPass(context.Background(), "nope")
	assert.True(t, mailerr.IsValidation(err))

	e.cfg.Accounts[0].SyncEnabled = false
	assert.False(t, e.IsSyncEnabled("acct"))
	res, err := e.RunSyncPass(context.Background(), "acct")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, remote.sinces)

	err = e.SendMessage(context.Background(), testutil.NewMessage("x", "acct", base))
	assert.True(t, mailerr.IsValidation(err))
}

func TestSendMessage(t *testing.T) {
	remote := &fakeRemote{}
	e, _ := newTestEngine(t, remote)

	require.NoError(t, e.SendMessage(context.Background(), testutil.NewMessage("out", "acct", base)))
	require.Len(t, remote.sent, 1)
	assert.Equal(t, "out", remote.sent[0].ID)
}

func TestPassesForOneAccountAreSerialized(t *testing.T) {
	remote := &fakeRemote{block: make(chan struct{})}
	e, _ := newTestEngine(t, remote)

	var wg gosync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.RunSyncPass(context.Background(), "acct")
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(remote.block)
	wg.Wait()

	assert.Equal(t, int32(1), remote.maxSeen.Load())
	assert.Len(t, remote.sinces, 3)
}

func TestSyncAllRunsAccountsInParallel(t *testing.T) {
	s := testutil.NewTestStore(t)
	log, _ := test.NewNullLogger()
	remote := &fakeRemote{block: make(chan struct{})}
	cfg := testConfig("a1", "a2", "a3")
	cfg.Accounts[2].SyncEnabled = false
	e := NewEngine(s, cfg, &fakeConnector{remote: remote}, log)
	e.now = func() time.Time { return fixedNow }

	done := make(chan struct{})
	var results []*model.SyncResult
	var err error
	go func() {
		defer close(done)
		results, err = e.SyncAll(context.Background())
	}()

	require.Eventually(t, func() bool { return remote.inFlight.Load() == 2 },
		time.Second, 5*time.Millisecond)
	close(remote.block)
	<-done

	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a1", results[0].AccountID)
	assert.Equal(t, "a2", results[1].AccountID)
}

func TestSyncAllJoinsFailures(t *testing.T) {
	s := testutil.NewTestStore(t)
	log, _ := test.NewNullLogger()
	remote := &fakeRemote{fetchErr: errors.New("down")}
	e := NewEngine(s, testConfig("a1", "a2"), &fakeConnector{remote: remote}, log)

	results, err := e.SyncAll(context.Background())
	require.Error(t, err)
	assert.True(t, mailerr.IsSync(err))
	require.Len(t, results, 2)
	for _, r := range results {
		assert.False(t, r.Success)
		assert.Error(t, r.Err)
	}
}

func TestDAVConnectorWithoutPassword(t *testing.T) {
	c := &DAVConnector{password: func(string) (string, error) {
		return "", errors.New("secret not found in keyring")
	}}

	_, err := c.Connect(context.Background(), model.AccountConfig{ID: "acct"})
	require.Error(t, err)
	assert.True(t, mailerr.IsAuth(err))
}

func TestUndatedRemoteMessageStaysStableAcrossPulls(t *testing.T) {
	ctx := context.Background()
	undated := testutil.NewMessage("undated", "acct", 0)
	dated := testutil.NewMessage("dated", "acct", base)
	remote := &fakeRemote{messages: []model.Message{undated, dated}}
	e, s := newTestEngine(t, remote)

	res, err := e.RunSyncPass(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, 2, res.New)

	got, err := s.GetMessage(ctx, "undated")
	require.NoError(t, err)
	assert.Equal(t, fixedNow.UnixMilli(), got.Timestamp)

	// A later clock must not make the same payload look newer.
	e.now = func() time.Time { return fixedNow.Add(time.Minute) }
	res, err = e.RunSyncPass(ctx, "acct")
	require.NoError(t, err)
	assert.Zero(t, res.New)
	assert.Zero(t, res.Updated)
	assert.Equal(t, 2, res.Skipped)

	got, err = s.GetMessage(ctx, "undated")
	require.NoError(t, err)
	assert.Equal(t, fixedNow.UnixMilli(), got.Timestamp)

	// Only the dated message moves the watermark.
	assert.Equal(t, []int64{0, base}, remote.sinces)
}

func TestRejectedReplayIsParkedImmediately(t *testing.T) {
	ctx := context.Background()
	remote := &fakeRemote{}
	remote.setFailure("gone", &mailerr.NotFoundError{Resource: "remote resource", ID: "/mail/gone.eml"})
	remote.setFailure("conflict", &dav.StatusError{Method: "PROPPATCH", Path: "/mail/conflict.eml", Code: 409})
	e, s := newTestEngine(t, remote)

	enqueue(t, s, model.OpMoveToFolder, "gone", base+1, model.LabelInbox)
	enqueue(t, s, model.OpStar, "conflict", base+2, "")
	enqueue(t, s, model.OpMarkRead, "fine", base+3, "")

	res, err := e.RunSyncPass(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 1, res.Replayed)

	failed, err := s.ListFailed(ctx, 3)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Equal(t, "gone", failed[0].EmailID)
	assert.Equal(t, 3, failed[0].RetryCount)
	require.NotNil(t, failed[1].LastError)
	assert.Contains(t, *failed[1].LastError, "409")

	// Parked entries are not attempted again.
	calls := len(remote.callLog())
	_, err = e.RunSyncPass(ctx, "acct")
	require.NoError(t, err)
	assert.Len(t, remote.callLog(), calls)
}
