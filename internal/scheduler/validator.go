package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuixiaotu/lbdm/internal/dashboard"
	"github.com/cuixiaotu/lbdm/internal/events"
	"github.com/cuixiaotu/lbdm/internal/models"
)

// Credential check outcomes reported to the Recorder.
const (
	CheckValid   = "valid"
	CheckExpired = "expired"
	CheckFailed  = "failed"
	CheckSkipped = "skipped"
)

const defaultProbeConcurrency = 8

// ValidationReport summarises one validation cycle.
type ValidationReport struct {
	Ran     bool `json:"ran"`
	Checked int  `json:"checked"`
	Expired int  `json:"expired"`
	Failed  int  `json:"failed"`
}

// Validator periodically probes every cached account and marks accounts whose
// session has expired as invalid. A successful probe never revalidates an
// account; only a credential refresh does.
type Validator struct {
	accounts Accounts
	client   dashboard.Client
	events   events.Publisher
	recorder Recorder
	logger   *slog.Logger
	interval func() time.Duration

	concurrency int

	mu      sync.Mutex
	running bool
	timer   *time.Timer

	inFlight atomic.Bool
	cycles   sync.WaitGroup

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	notifiedMu sync.Mutex
	notified   map[string]bool
}

// NewValidator creates a stopped validation loop. interval is read every time
// the timer is armed.
func NewValidator(accounts Accounts, client dashboard.Client, publisher events.Publisher, interval func() time.Duration, logger *slog.Logger) *Validator {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Validator{
		accounts:    accounts,
		client:      client,
		events:      publisher,
		recorder:    nopRecorder{},
		logger:      logger,
		interval:    interval,
		concurrency: defaultProbeConcurrency,
		locks:       make(map[string]*sync.Mutex),
		notified:    make(map[string]bool),
	}
}

// SetRecorder registers an activity observer.
func (v *Validator) SetRecorder(r Recorder) {
	if r == nil {
		r = nopRecorder{}
	}
	v.recorder = r
}

// Start arms the timer. Starting a running loop is a no-op.
func (v *Validator) Start() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.running {
		return
	}
	v.running = true
	v.armLocked()
	v.logger.Info("Starting credential validation loop", "interval", v.interval())
}

// Stop disarms the timer and waits for a cycle in progress to finish.
func (v *Validator) Stop() {
	v.mu.Lock()
	if !v.running {
		v.mu.Unlock()
		return
	}
	v.running = false
	if v.timer != nil {
		v.timer.Stop()
		v.timer = nil
	}
	v.mu.Unlock()

	v.cycles.Wait()
	v.logger.Info("Credential validation loop stopped")
}

// Running reports whether the loop is armed.
func (v *Validator) Running() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.running
}

// UpdateInterval re-arms the timer with the current interval.
func (v *Validator) UpdateInterval() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.running {
		return
	}
	if v.timer != nil {
		v.timer.Stop()
	}
	v.armLocked()
	v.logger.Info("Credential check interval updated", "interval", v.interval())
}

func (v *Validator) armLocked() {
	v.timer = time.AfterFunc(v.interval(), v.tick)
}

// tick re-arms before running so a slow cycle does not delay the schedule.
func (v *Validator) tick() {
	v.mu.Lock()
	if !v.running {
		v.mu.Unlock()
		return
	}
	v.armLocked()
	v.cycles.Add(1)
	v.mu.Unlock()

	defer v.cycles.Done()
	v.RunOnce(context.Background())
}

// RunOnce probes every cached account. It returns a report with Ran false when
// another cycle is in progress.
func (v *Validator) RunOnce(ctx context.Context) ValidationReport {
	if !v.inFlight.CompareAndSwap(false, true) {
		v.recorder.CredentialCheck(CheckSkipped)
		return ValidationReport{}
	}
	defer v.inFlight.Store(false)

	ctx = context.WithoutCancel(ctx)
	report := ValidationReport{Ran: true}

	accounts, err := v.accounts.All()
	if err != nil {
		v.logger.Error("credential validation could not list accounts", "error", err)
		return report
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(v.concurrency)
	for _, account := range accounts {
		if account.IsValid {
			v.clearNotice(account.ID)
		}
		g.Go(func() error {
			outcome := v.check(ctx, account)
			v.recorder.CredentialCheck(outcome)

			mu.Lock()
			report.Checked++
			switch outcome {
			case CheckExpired:
				report.Expired++
			case CheckFailed:
				report.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	v.logger.Debug("credential validation cycle finished",
		"checked", report.Checked,
		"expired", report.Expired,
		"failed", report.Failed)
	return report
}

func (v *Validator) check(ctx context.Context, account models.Account) string {
	lock := v.accountLock(account.ID)
	lock.Lock()
	defer lock.Unlock()

	err := v.client.Probe(ctx, account.Session())
	switch {
	case err == nil:
		return CheckValid
	case dashboard.IsCredentialExpired(err):
		v.expire(ctx, account, err)
		return CheckExpired
	default:
		v.logger.Warn("credential probe failed", "account_id", account.ID, "account", account.Label(), "error", err)
		return CheckFailed
	}
}

func (v *Validator) expire(ctx context.Context, account models.Account, cause error) {
	if _, err := v.accounts.SetValid(ctx, account.ID, false); err != nil {
		v.logger.Error("failed to mark account invalid", "account_id", account.ID, "error", err)
		return
	}

	if !v.markNotice(account.ID) {
		return
	}
	v.logger.Warn("account credentials expired", "account_id", account.ID, "account", account.Label(), "error", cause)
	v.events.Publish(events.Event{
		Kind:      events.CredentialExpired,
		AccountID: account.ID,
		Message:   fmt.Sprintf("credentials of account %s have expired; log in again to refresh them", account.Label()),
	})
}

// markNotice records that a notice went out and reports whether it was the first.
func (v *Validator) markNotice(accountID string) bool {
	v.notifiedMu.Lock()
	defer v.notifiedMu.Unlock()
	if v.notified[accountID] {
		return false
	}
	v.notified[accountID] = true
	return true
}

func (v *Validator) clearNotice(accountID string) {
	v.notifiedMu.Lock()
	delete(v.notified, accountID)
	v.notifiedMu.Unlock()
}

func (v *Validator) accountLock(accountID string) *sync.Mutex {
	v.locksMu.Lock()
	defer v.locksMu.Unlock()
	l, ok := v.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		v.locks[accountID] = l
	}
	return l
}
