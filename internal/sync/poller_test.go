package sync

import (
	"context"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/mailerr"
	"github.com/nhle/mailsync/internal/model"
)

type countingSyncer struct {
	mu    gosync.Mutex
	calls map[string]int
	errs  map[string]error
}

func (c *countingSyncer) RunSyncPass(ctx context.Context, accountID string) (*model.SyncResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = map[string]int{}
	}
	c.calls[accountID]++
	if err := c.errs[accountID]; err != nil {
		return &model.SyncResult{AccountID: accountID, Err: err}, err
	}
	return &model.SyncResult{AccountID: accountID, Success: true, New: 1}, nil
}

func (c *countingSyncer) count(accountID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[accountID]
}

// blockingSyncer holds every pass until its context is cancelled.
type blockingSyncer struct {
	started chan struct{}
}

func (b *blockingSyncer) RunSyncPass(ctx context.Context, accountID string) (*model.SyncResult, error) {
	close(b.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestPollerInitialPassAndTrigger(t *testing.T) {
	syncer := &countingSyncer{}
	log, _ := test.NewNullLogger()
	p := NewPoller(syncer, []string{"a1", "a2"}, time.Hour, log)
	p.Start()
	defer p.Stop()

	require.Eventually(t, func() bool {
		return syncer.count("a1") == 1 && syncer.count("a2") == 1
	}, time.Second, 5*time.Millisecond)

	assert.True(t, p.Trigger("a1"))
	assert.False(t, p.Trigger("unknown"))

	require.Eventually(t, func() bool { return syncer.count("a1") == 2 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, syncer.count("a2"))

	res := <-p.Results()
	assert.True(t, res.Success)
}

func TestPollerStatuses(t *testing.T) {
	authErr := &mailerr.AuthenticationError{AccountID: "bad", Status: 401}
	syncer := &countingSyncer{errs: map[string]error{"bad": authErr}}
	log, hook := test.NewNullLogger()
	p := NewPoller(syncer, []string{"good", "bad"}, time.Hour, log)

	statuses := p.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, PassIdle, statuses[0].State)

	p.Start()
	require.Eventually(t, func() bool {
		s := p.Statuses()
		return !s[0].LastSync.IsZero() && s[1].State == PassFailed
	}, time.Second, 5*time.Millisecond)
	p.Stop()

	statuses = p.Statuses()
	assert.Equal(t, "good", statuses[0].AccountID)
	assert.Equal(t, PassIdle, statuses[0].State)
	assert.NoError(t, statuses[0].Error)
	assert.Equal(t, "bad", statuses[1].AccountID)
	assert.True(t, statuses[1].AuthFailed)
	assert.True(t, errors.Is(statuses[1].Error, authErr))
	assert.Equal(t, "failed", statuses[1].State.String())

	require.NotEmpty(t, hook.AllEntries())
	assert.Equal(t, "scheduled sync failed", hook.LastEntry().Message)
}

func TestPollerStopCancelsInFlightPass(t *testing.T) {
	syncer := &blockingSyncer{started: make(chan struct{})}
	log, _ := test.NewNullLogger()
	p := NewPoller(syncer, []string{"a1"}, time.Hour, log)
	p.Start()

	<-syncer.started

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return while a pass was in flight")
	}

	s := p.Statuses()[0]
	assert.Equal(t, PassFailed, s.State)
	assert.ErrorIs(t, s.Error, context.Canceled)

	// A second Stop is a no-op.
	p.Stop()
}
