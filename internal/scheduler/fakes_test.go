package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuixiaotu/lbdm/internal/cache"
	"github.com/cuixiaotu/lbdm/internal/config"
	"github.com/cuixiaotu/lbdm/internal/events"
	"github.com/cuixiaotu/lbdm/internal/ingestion"
	"github.com/cuixiaotu/lbdm/internal/models"
)

type fakeAccounts struct {
	mu       sync.Mutex
	accounts map[string]models.Account
	rooms    map[string]models.RoomSnapshot
	setValid int
}

func newFakeAccounts(accounts ...models.Account) *fakeAccounts {
	f := &fakeAccounts{
		accounts: make(map[string]models.Account),
		rooms:    make(map[string]models.RoomSnapshot),
	}
	for _, a := range accounts {
		f.accounts[a.ID] = a
	}
	return f
}

func (f *fakeAccounts) All() ([]models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Account, 0, len(f.accounts))
	for _, a := range f.accounts {
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeAccounts) Get(id string) (models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return models.Account{}, cache.ErrAccountNotFound
	}
	return a, nil
}

func (f *fakeAccounts) Lookup(ctx context.Context, id string) (models.Account, error) {
	return f.Get(id)
}

func (f *fakeAccounts) SetValid(ctx context.Context, id string, valid bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setValid++
	a, ok := f.accounts[id]
	if !ok {
		return false, cache.ErrAccountNotFound
	}
	if a.IsValid == valid {
		return false, nil
	}
	a.IsValid = valid
	f.accounts[id] = a
	return true, nil
}

func (f *fakeAccounts) SetLiveRooms(snapshot models.RoomSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms[snapshot.AccountID] = snapshot
}

func (f *fakeAccounts) valid(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accounts[id].IsValid
}

type fakeConn struct {
	mu     sync.Mutex
	inits  int
	closes int
	err    error
}

func (c *fakeConn) Initialize(ctx context.Context, cfg config.DatabaseConfig, tunnel config.TunnelConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inits++
	return c.err
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *fakeConn) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inits, c.closes
}

// stubCollector records targets and optionally blocks until released.
type stubCollector struct {
	mu      sync.Mutex
	targets []ingestion.Target
	results []ingestion.FacetResult
	entered chan struct{}
	release chan struct{}
}

func (c *stubCollector) CollectAll(ctx context.Context, target ingestion.Target) []ingestion.FacetResult {
	c.mu.Lock()
	c.targets = append(c.targets, target)
	results := c.results
	c.mu.Unlock()

	if c.entered != nil {
		c.entered <- struct{}{}
	}
	if c.release != nil {
		<-c.release
	}
	return results
}

func (c *stubCollector) collected() []ingestion.Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ingestion.Target(nil), c.targets...)
}

func waitForKind(t *testing.T, ch <-chan events.Event, kind events.Kind) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Kind == kind {
				return
			}
		case <-timeout:
			t.Fatalf("no %s event within 2s", kind)
		}
	}
}

func drain(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func countKind(evs []events.Event, kind events.Kind) int {
	n := 0
	for _, e := range evs {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func liveRoom(roomID, uniqueID string) models.RoomInfo {
	return models.RoomInfo{
		UserID:   "u-" + uniqueID,
		UniqueID: uniqueID,
		Nickname: "anchor " + uniqueID,
		RoomID:   roomID,
		Status:   models.RoomStatusLive,
	}
}

var testNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
