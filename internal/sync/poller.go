package sync

import (
	"context"
	gosync "sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/mailerr"
	"github.com/nhle/mailsync/internal/model"
)

// PassState represents the current state of an account's sync loop.
type PassState int

const (
	PassIdle PassState = iota
	PassRunning
	PassFailed
)

func (s PassState) String() string {
	switch s {
	case PassIdle:
		return "idle"
	case PassRunning:
		return "running"
	case PassFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Status holds the sync state for a single account.
type Status struct {
	AccountID  string
	State      PassState
	LastSync   time.Time
	LastResult *model.SyncResult
	Error      error
	AuthFailed bool
}

// Syncer runs one sync pass for an account.
type Syncer interface {
	RunSyncPass(ctx context.Context, accountID string) (*model.SyncResult, error)
}

// passTimeout is the maximum time allowed for a single sync pass.
const passTimeout = 5 * time.Minute

// defaultPollInterval applies when the configured interval is not positive.
const defaultPollInterval = 300 * time.Second

// Poller schedules sync passes per account on a ticker and on demand.
type Poller struct {
	syncer   Syncer
	interval time.Duration
	log      logrus.FieldLogger

	accounts []string
	statuses map[string]*Status
	triggers map[string]chan struct{}
	resultCh chan model.SyncResult
	stopCh   chan struct{}
	wg       gosync.WaitGroup
	mu       gosync.Mutex
	running  bool
}

// NewPoller creates a poller for the given accounts.
func NewPoller(
	syncer Syncer,
	accountIDs []string,
	interval time.Duration,
	log logrus.FieldLogger,
) *Poller {
	if interval <= 0 {
		interval = defaultPollInterval
	}

	p := &Poller{
		syncer:   syncer,
		interval: interval,
		log:      log,
		accounts: append([]string(nil), accountIDs...),
		statuses: make(map[string]*Status, len(accountIDs)),
		triggers: make(map[string]chan struct{}, len(accountIDs)),
		resultCh: make(chan model.SyncResult, 16),
		stopCh:   make(chan struct{}),
	}
	for _, id := range accountIDs {
		p.statuses[id] = &Status{AccountID: id, State: PassIdle}
		p.triggers[id] = make(chan struct{}, 1)
	}
	return p
}

// Start launches one polling goroutine per account. Each does an
// initial pass immediately.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.running = true

	for _, id := range p.accounts {
		p.wg.Add(1)
		go p.pollAccount(id)
	}
}

// Stop halts all polling goroutines and waits for in-flight passes.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
}

// Results delivers the outcome of each completed pass. Results are
// dropped when nobody reads them.
func (p *Poller) Results() <-chan model.SyncResult {
	return p.resultCh
}

// Trigger requests an immediate pass for one account. It reports false
// for unknown accounts. Triggers coalesce while a pass is queued.
func (p *Poller) Trigger(accountID string) bool {
	ch, ok := p.triggers[accountID]
	if !ok {
		return false
	}
	select {
	case ch <- struct{}{}:
	default:
	}
	return true
}

// TriggerAll requests an immediate pass for every account.
func (p *Poller) TriggerAll() {
	for _, id := range p.accounts {
		p.Trigger(id)
	}
}

// Statuses returns a snapshot of every account's status, in
// registration order.
func (p *Poller) Statuses() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Status, 0, len(p.accounts))
	for _, id := range p.accounts {
		out = append(out, *p.statuses[id])
	}
	return out
}

// pollAccount runs the polling loop for a single account.
func (p *Poller) pollAccount(accountID string) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.runPass(accountID)

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.runPass(accountID)
		case <-p.triggers[accountID]:
			p.runPass(accountID)
		}
	}
}

// runPass performs one pass, records the status, and publishes the
// result without blocking.
func (p *Poller) runPass(accountID string) {
	p.setStatus(accountID, func(s *Status) {
		s.State = PassRunning
	})

	ctx, cancel := context.WithTimeout(context.Background(), passTimeout)
	defer cancel()

	// Abort the pass promptly when the poller stops.
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	result, err := p.syncer.RunSyncPass(ctx, accountID)
	if result == nil {
		result = &model.SyncResult{AccountID: accountID, Err: err}
	}

	p.setStatus(accountID, func(s *Status) {
		s.LastResult = result
		s.Error = err
		s.AuthFailed = mailerr.IsAuth(err)
		if err != nil {
			s.State = PassFailed
			return
		}
		s.State = PassIdle
		s.LastSync = time.Now()
	})

	if err != nil {
		p.log.WithField("account", accountID).WithError(err).Warn("scheduled sync failed")
	}

	select {
	case p.resultCh <- *result:
	default:
		// Drop if channel is full to avoid blocking the poller
	}
}

func (p *Poller) setStatus(accountID string, update func(*Status)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.statuses[accountID]; ok {
		update(s)
	}
}
