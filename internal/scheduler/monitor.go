package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuixiaotu/lbdm/internal/cache"
	"github.com/cuixiaotu/lbdm/internal/config"
	"github.com/cuixiaotu/lbdm/internal/dashboard"
	"github.com/cuixiaotu/lbdm/internal/events"
	"github.com/cuixiaotu/lbdm/internal/ingestion"
	"github.com/cuixiaotu/lbdm/internal/models"
)

const (
	// LookbackWindow bounds how far back a facet query reaches.
	LookbackWindow = 24 * time.Hour
	// unknownStartOffset places the observed start of a room already live at
	// admission this far before its first poll.
	unknownStartOffset = 3 * time.Minute
)

// QueueReason explains a rejected queue operation.
type QueueReason string

const (
	ReasonAccountNotFound    QueueReason = "account_not_found"
	ReasonCredentialsInvalid QueueReason = "credentials_invalid"
	ReasonProbeFailed        QueueReason = "probe_failed"
	ReasonRoomNotFound       QueueReason = "room_not_found"
	ReasonRoomIncomplete     QueueReason = "room_incomplete"
	ReasonAlreadyQueued      QueueReason = "already_queued"
	ReasonNotInQueue         QueueReason = "not_in_queue"
)

// QueueResult is the outcome of adding or removing a queue entry. Rejections
// are values, not errors.
type QueueResult struct {
	OK      bool                      `json:"ok"`
	Reason  QueueReason               `json:"reason,omitempty"`
	Message string                    `json:"message"`
	Entry   *models.MonitorQueueEntry `json:"entry,omitempty"`
}

func reject(reason QueueReason, format string, args ...any) QueueResult {
	return QueueResult{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// MonitorOptions configures a MonitorScheduler.
type MonitorOptions struct {
	Database  config.DatabaseConfig
	Tunnel    config.TunnelConfig
	Intervals *config.Intervals
	DebugRoom bool
}

// MonitorScheduler polls every queued live room on a fixed period and writes
// its metric facets to the remote store.
type MonitorScheduler struct {
	accounts  Accounts
	client    dashboard.Client
	collector FacetCollector
	conn      Connection
	events    events.Publisher
	recorder  Recorder
	logger    *slog.Logger
	opts      MonitorOptions
	now       func() time.Time

	mu    sync.Mutex
	queue map[models.QueueKey]*models.MonitorQueueEntry

	runMu    sync.Mutex
	running  bool
	ticker   *time.Ticker
	stopChan chan struct{}
	loopDone chan struct{}

	inFlight atomic.Bool
	cycles   sync.WaitGroup
}

// NewMonitorScheduler creates a stopped scheduler with an empty queue.
func NewMonitorScheduler(
	accounts Accounts,
	client dashboard.Client,
	collector FacetCollector,
	conn Connection,
	publisher events.Publisher,
	logger *slog.Logger,
	opts MonitorOptions,
) *MonitorScheduler {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if opts.Intervals == nil {
		opts.Intervals = config.NewIntervals(config.Default().Monitor)
	}
	return &MonitorScheduler{
		accounts:  accounts,
		client:    client,
		collector: collector,
		conn:      conn,
		events:    publisher,
		recorder:  nopRecorder{},
		logger:    logger,
		opts:      opts,
		now:       time.Now,
		queue:     make(map[models.QueueKey]*models.MonitorQueueEntry),
	}
}

// SetRecorder registers an activity observer.
func (s *MonitorScheduler) SetRecorder(r Recorder) {
	if r == nil {
		r = nopRecorder{}
	}
	s.recorder = r
}

// Start connects to the remote store, runs one cycle immediately and then one
// per poll interval. Starting a running scheduler is a no-op.
func (s *MonitorScheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.running {
		return nil
	}

	if err := s.conn.Initialize(ctx, s.opts.Database, s.opts.Tunnel); err != nil {
		return fmt.Errorf("monitor: connect to metrics store: %w", err)
	}

	interval := s.opts.Intervals.Poll()
	s.running = true
	s.ticker = time.NewTicker(interval)
	s.stopChan = make(chan struct{})
	s.loopDone = make(chan struct{})

	s.logger.Info("Starting monitor scheduler", "poll_interval", interval, "queued", s.QueueLen())

	go s.loop(s.ticker, s.stopChan, s.loopDone)
	s.launchCycle()
	return nil
}

// Stop disarms the ticker, waits for an in-flight cycle to finish and closes
// the remote store connection. Stopping a stopped scheduler is a no-op.
func (s *MonitorScheduler) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	s.ticker.Stop()
	close(s.stopChan)
	<-s.loopDone

	s.cycles.Wait()

	if err := s.conn.Close(); err != nil {
		s.logger.Warn("closing metrics store connection failed", "error", err)
	}
	s.logger.Info("Monitor scheduler stopped")
}

// Running reports whether the scheduler is started.
func (s *MonitorScheduler) Running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.running
}

// SetPollInterval changes the polling period. A running scheduler picks it up
// immediately; a stopped one uses it on the next Start.
func (s *MonitorScheduler) SetPollInterval(d time.Duration) error {
	if !s.opts.Intervals.SetPoll(d) {
		return fmt.Errorf("poll interval must be positive, got %v", d)
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		s.ticker.Reset(d)
	}
	s.logger.Info("Poll interval updated", "poll_interval", d, "running", s.running)
	return nil
}

// PollInterval returns the current polling period.
func (s *MonitorScheduler) PollInterval() time.Duration {
	return s.opts.Intervals.Poll()
}

func (s *MonitorScheduler) loop(ticker *time.Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ticker.C:
			s.launchCycle()
		case <-stop:
			return
		}
	}
}

// ErrNotRunning is returned by PollNow while the scheduler is stopped.
var ErrNotRunning = errors.New("monitor: scheduler is not running")

// PollNow runs one cycle on the caller's goroutine. Stop waits for it like a
// scheduled cycle.
func (s *MonitorScheduler) PollNow(ctx context.Context) (bool, error) {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return false, ErrNotRunning
	}
	s.cycles.Add(1)
	s.runMu.Unlock()

	defer s.cycles.Done()
	return s.RunCycle(ctx), nil
}

// launchCycle starts a cycle in the background. Work in flight is never
// cancelled by Stop.
func (s *MonitorScheduler) launchCycle() {
	s.cycles.Add(1)
	go func() {
		defer s.cycles.Done()
		s.RunCycle(context.Background())
	}()
}

// RunCycle polls every queued room once. It reports false without doing
// anything when a cycle is already in progress.
func (s *MonitorScheduler) RunCycle(ctx context.Context) bool {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.logger.Debug("poll cycle still running, skipping tick")
		s.recorder.PollSkipped()
		return false
	}
	defer s.inFlight.Store(false)

	ctx = context.WithoutCancel(ctx)
	start := time.Now()

	groups := make(map[string][]models.MonitorQueueEntry)
	entries := s.Entries()
	for _, e := range entries {
		if e.IsActive {
			groups[e.AccountID] = append(groups[e.AccountID], e)
		}
	}

	var wg sync.WaitGroup
	for accountID, group := range groups {
		wg.Add(1)
		go func(accountID string, group []models.MonitorQueueEntry) {
			defer wg.Done()
			s.pollAccount(ctx, accountID, group)
		}(accountID, group)
	}
	wg.Wait()

	elapsed := time.Since(start)
	s.recorder.PollCycle(elapsed, len(entries))
	s.recorder.QueueSize(s.QueueLen())
	s.events.Publish(events.Event{
		Kind:    events.PollCompleted,
		Message: fmt.Sprintf("polled %d rooms across %d accounts in %s", len(entries), len(groups), elapsed.Round(time.Millisecond)),
	})
	return true
}

func (s *MonitorScheduler) pollAccount(ctx context.Context, accountID string, entries []models.MonitorQueueEntry) {
	account, err := s.accounts.Get(accountID)
	if err != nil {
		if errors.Is(err, cache.ErrAccountNotFound) {
			removed := s.RemoveAccountEntries(accountID)
			s.logger.Warn("account no longer exists, dropping its rooms", "account_id", accountID, "rooms", removed)
			return
		}
		s.logger.Error("failed to load account for polling", "account_id", accountID, "error", err)
		return
	}
	if !account.IsValid {
		s.logger.Debug("skipping rooms of account with invalid credentials", "account_id", accountID, "rooms", len(entries))
		return
	}

	var wg sync.WaitGroup
	for _, entry := range entries {
		wg.Add(1)
		go func(entry models.MonitorQueueEntry) {
			defer wg.Done()
			s.pollRoom(ctx, account, entry)
		}(entry)
	}
	wg.Wait()
}

// pollRoom confirms liveness before any facet is fetched.
func (s *MonitorScheduler) pollRoom(ctx context.Context, account models.Account, entry models.MonitorQueueEntry) {
	session := account.Session()

	attrs, err := s.client.RoomStatus(ctx, session, entry.RoomID)
	if err != nil {
		if dashboard.IsCredentialExpired(err) {
			s.invalidate(ctx, account, err)
			return
		}
		s.logger.Warn("room status check failed", "account_id", account.ID, "room_id", entry.RoomID, "error", err)
		return
	}

	if !attrs.IsLive() {
		s.evict(entry, attrs)
		return
	}

	now := s.now()
	started := s.settleStart(entry.Key(), now)
	window := models.TimeWindow{Start: started, End: now}
	if earliest := now.Add(-LookbackWindow); window.Start.Before(earliest) {
		window.Start = earliest
	}

	if s.opts.DebugRoom {
		s.logger.Debug("collecting room facets",
			"account_id", account.ID,
			"room_id", entry.RoomID,
			"window_start", window.Start,
			"window_end", window.End)
	}

	results := s.collector.CollectAll(ctx, ingestion.Target{
		Session: session,
		Room: ingestion.RoomRef{
			AccountID: account.ID,
			UniqueID:  entry.RoomInfo.UniqueID,
			RoomID:    entry.RoomID,
		},
		Attributes: attrs,
		Window:     window,
	})

	failed := 0
	for _, res := range results {
		if res.Err == nil {
			continue
		}
		failed++
		if dashboard.IsCredentialExpired(res.Err) {
			s.invalidate(ctx, account, res.Err)
			break
		}
	}

	s.touch(entry.Key(), attrs, now)

	if s.opts.DebugRoom {
		s.logger.Debug("room polled", "room_id", entry.RoomID, "facets", len(results), "failed", failed)
	}
}

// settleStart returns the room's observed start time. On the first poll a
// room that was already live when admitted has its start moved to a few
// minutes before now; the value is fixed from then on.
func (s *MonitorScheduler) settleStart(key models.QueueKey, now time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.queue[key]
	if !ok {
		return now.Add(-unknownStartOffset)
	}
	if !e.StartSettled {
		if e.RoomInfo.IsLive() || e.RoomInfo.ObservedStartTime.IsZero() {
			e.RoomInfo.ObservedStartTime = now.Add(-unknownStartOffset)
		}
		e.StartSettled = true
	}
	return e.RoomInfo.ObservedStartTime
}

func (s *MonitorScheduler) touch(key models.QueueKey, attrs models.RoomAttributes, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.queue[key]; ok {
		e.LastUpdated = now
		e.RoomInfo.Status = attrs.Status
	}
}

func (s *MonitorScheduler) evict(entry models.MonitorQueueEntry, attrs models.RoomAttributes) {
	s.mu.Lock()
	_, ok := s.queue[entry.Key()]
	delete(s.queue, entry.Key())
	size := len(s.queue)
	s.mu.Unlock()

	if !ok {
		return
	}
	s.recorder.QueueSize(size)
	s.logger.Info("room ended, removed from monitor queue",
		"account_id", entry.AccountID,
		"room_id", entry.RoomID,
		"room_status", attrs.Status)
	s.events.Publish(events.Event{
		Kind:      events.RoomEvicted,
		AccountID: entry.AccountID,
		RoomID:    entry.RoomID,
		Message:   fmt.Sprintf("%s's live room %s has ended and left the monitor queue", entry.AnchorNickname, entry.RoomID),
	})
}

func (s *MonitorScheduler) invalidate(ctx context.Context, account models.Account, cause error) {
	changed, err := s.accounts.SetValid(ctx, account.ID, false)
	if err != nil {
		s.logger.Error("failed to mark account invalid", "account_id", account.ID, "error", err)
		return
	}
	if changed {
		s.logger.Warn("account credentials expired during polling", "account_id", account.ID, "account", account.Label(), "error", cause)
	}
}

// AddToMonitorQueue validates the account, its credentials and the room, and
// queues the room for polling.
func (s *MonitorScheduler) AddToMonitorQueue(ctx context.Context, accountID, roomID string) QueueResult {
	account, err := s.accounts.Lookup(ctx, accountID)
	if err != nil {
		return reject(ReasonAccountNotFound, "account %s not found: %v", accountID, err)
	}
	if !account.IsValid {
		return reject(ReasonCredentialsInvalid, "credentials of account %s are invalid; refresh them first", account.Label())
	}

	session := account.Session()
	if _, err := s.client.AccountInfo(ctx, session); err != nil {
		if dashboard.IsCredentialExpired(err) {
			s.invalidate(ctx, account, err)
			return reject(ReasonCredentialsInvalid, "credentials of account %s have expired", account.Label())
		}
		return reject(ReasonProbeFailed, "could not verify account %s: %v", account.Label(), err)
	}

	rooms, err := s.client.ListRooms(ctx, session)
	snapshot := models.RoomSnapshot{
		AccountID:      account.ID,
		OrganizationID: account.OrganizationID,
		Rooms:          rooms,
		FetchedAt:      s.now(),
		Success:        err == nil,
	}
	if err != nil {
		snapshot.Error = err.Error()
	}
	s.accounts.SetLiveRooms(snapshot)
	if err != nil {
		if dashboard.IsCredentialExpired(err) {
			s.invalidate(ctx, account, err)
			return reject(ReasonCredentialsInvalid, "credentials of account %s have expired", account.Label())
		}
		return reject(ReasonProbeFailed, "could not list live rooms of account %s: %v", account.Label(), err)
	}

	room, ok := snapshot.FindRoom(roomID)
	if !ok {
		return reject(ReasonRoomNotFound, "room %s is not among the live rooms of account %s", roomID, account.Label())
	}
	if !room.Complete() {
		return reject(ReasonRoomIncomplete, "room %s is missing identifying fields", roomID)
	}

	now := s.now()
	room.ObservedStartTime = room.LiveMetrics.StartedAt
	if room.ObservedStartTime.IsZero() {
		room.ObservedStartTime = now
	}
	entry := &models.MonitorQueueEntry{
		RoomID:         roomID,
		AccountID:      account.ID,
		AccountName:    account.Label(),
		OrganizationID: account.OrganizationID,
		AnchorNickname: room.Nickname,
		AddedAt:        now,
		LastUpdated:    now,
		IsActive:       true,
		RoomInfo:       room,
	}

	s.mu.Lock()
	if _, exists := s.queue[entry.Key()]; exists {
		s.mu.Unlock()
		return reject(ReasonAlreadyQueued, "room %s of account %s is already being monitored", roomID, account.Label())
	}
	s.queue[entry.Key()] = entry
	size := len(s.queue)
	cp := *entry
	s.mu.Unlock()

	s.recorder.QueueSize(size)
	s.logger.Info("room added to monitor queue", "account_id", account.ID, "room_id", roomID, "anchor", room.Nickname)
	s.events.Publish(events.Event{
		Kind:      events.RoomAdded,
		AccountID: account.ID,
		RoomID:    roomID,
		Message:   fmt.Sprintf("now monitoring %s's live room %s", room.Nickname, roomID),
	})

	return QueueResult{OK: true, Message: "room added to monitor queue", Entry: &cp}
}

// RemoveFromMonitorQueue drops a queued room. An entry whose account has since
// been deleted can still be removed.
func (s *MonitorScheduler) RemoveFromMonitorQueue(ctx context.Context, accountID, roomID string) QueueResult {
	key := models.QueueKey{AccountID: accountID, RoomID: roomID}

	s.mu.Lock()
	entry, ok := s.queue[key]
	if ok {
		delete(s.queue, key)
	}
	size := len(s.queue)
	s.mu.Unlock()

	if !ok {
		if _, err := s.accounts.Lookup(ctx, accountID); err != nil {
			return reject(ReasonAccountNotFound, "account %s not found: %v", accountID, err)
		}
		return reject(ReasonNotInQueue, "room %s of account %s is not in the monitor queue", roomID, accountID)
	}

	s.recorder.QueueSize(size)
	s.logger.Info("room removed from monitor queue", "account_id", accountID, "room_id", roomID)
	s.events.Publish(events.Event{
		Kind:      events.RoomRemoved,
		AccountID: accountID,
		RoomID:    roomID,
		Message:   fmt.Sprintf("stopped monitoring %s's live room %s", entry.AnchorNickname, roomID),
	})

	cp := *entry
	return QueueResult{OK: true, Message: "room removed from monitor queue", Entry: &cp}
}

// RemoveAccountEntries drops every queued room of an account and returns how
// many were removed.
func (s *MonitorScheduler) RemoveAccountEntries(accountID string) int {
	s.mu.Lock()
	removed := 0
	for key := range s.queue {
		if key.AccountID == accountID {
			delete(s.queue, key)
			removed++
		}
	}
	size := len(s.queue)
	s.mu.Unlock()

	if removed > 0 {
		s.recorder.QueueSize(size)
	}
	return removed
}

// Entries returns a snapshot of the queue ordered by AddedAt.
func (s *MonitorScheduler) Entries() []models.MonitorQueueEntry {
	s.mu.Lock()
	out := make([]models.MonitorQueueEntry, 0, len(s.queue))
	for _, e := range s.queue {
		out = append(out, *e)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].RoomID < out[j].RoomID
		}
		return out[i].AddedAt.Before(out[j].AddedAt)
	})
	return out
}

// QueueLen returns the number of queued rooms.
func (s *MonitorScheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
