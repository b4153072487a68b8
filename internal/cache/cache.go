package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuixiaotu/lbdm/internal/models"
)

var (
	// ErrNotInitialized is returned by every read issued before Initialize completed.
	ErrNotInitialized = errors.New("cache: account cache used before Initialize")
	// ErrAccountNotFound is returned when the id is not in the cache.
	ErrAccountNotFound = errors.New("cache: account not found")
)

// CredentialStore is the durable copy of the account list.
type CredentialStore interface {
	List(ctx context.Context) ([]models.Account, error)
	Create(ctx context.Context, account *models.Account) error
	Update(ctx context.Context, account *models.Account) error
	UpdateValidity(ctx context.Context, id string, valid bool, failureCount int) (time.Time, error)
	UpdateCredentials(ctx context.Context, id, cookie, csrfToken string) (time.Time, error)
	Delete(ctx context.Context, id string) error
}

// AccountCache mirrors the credential store in memory.
//
// Every mutation performs the durable write first and then updates the
// in-memory copy, with writeMu held across both steps so that mutations are
// serialized process-wide. Reads never take writeMu.
type AccountCache struct {
	store  CredentialStore
	logger *slog.Logger

	writeMu sync.Mutex

	mu          sync.RWMutex
	initialized bool
	accounts    []models.Account

	roomsMu sync.RWMutex
	rooms   map[string]models.RoomSnapshot
}

// New creates an empty cache. Initialize must be called before use.
func New(store CredentialStore, logger *slog.Logger) *AccountCache {
	return &AccountCache{
		store:  store,
		logger: logger,
		rooms:  make(map[string]models.RoomSnapshot),
	}
}

// Initialize loads every account from the store exactly once.
// Later calls are no-ops.
func (c *AccountCache) Initialize(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.RLock()
	done := c.initialized
	c.mu.RUnlock()
	if done {
		return nil
	}

	return c.reloadLocked(ctx)
}

// Refresh reloads the full account list from the store, replacing the
// in-memory copy wholesale.
func (c *AccountCache) Refresh(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.reloadLocked(ctx)
}

func (c *AccountCache) reloadLocked(ctx context.Context) error {
	accounts, err := c.store.List(ctx)
	if err != nil {
		return fmt.Errorf("cache: load accounts: %w", err)
	}

	c.mu.Lock()
	c.accounts = accounts
	c.initialized = true
	c.mu.Unlock()

	c.logger.Debug("account cache loaded", "count", len(accounts))
	return nil
}

// All returns a copy of every cached account.
func (c *AccountCache) All() ([]models.Account, error) {
	return c.filter(func(*models.Account) bool { return true })
}

// Valid returns a copy of every account whose credentials are currently valid.
func (c *AccountCache) Valid() ([]models.Account, error) {
	return c.filter(func(a *models.Account) bool { return a.IsValid })
}

func (c *AccountCache) filter(keep func(*models.Account) bool) ([]models.Account, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.initialized {
		return nil, ErrNotInitialized
	}

	out := make([]models.Account, 0, len(c.accounts))
	for i := range c.accounts {
		if keep(&c.accounts[i]) {
			out = append(out, clone(c.accounts[i]))
		}
	}
	return out, nil
}

// Get returns a copy of the account with the given id.
func (c *AccountCache) Get(id string) (models.Account, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.initialized {
		return models.Account{}, ErrNotInitialized
	}
	idx := c.indexLocked(id)
	if idx < 0 {
		return models.Account{}, ErrAccountNotFound
	}
	return clone(c.accounts[idx]), nil
}

// Lookup is Get with a single Refresh on a miss, so that accounts created by
// another process become visible.
func (c *AccountCache) Lookup(ctx context.Context, id string) (models.Account, error) {
	account, err := c.Get(id)
	if !errors.Is(err, ErrAccountNotFound) {
		return account, err
	}

	c.logger.Info("account not cached, refreshing from store", "account_id", id)
	if err := c.Refresh(ctx); err != nil {
		return models.Account{}, err
	}
	return c.Get(id)
}

// Add persists a new account and caches it.
func (c *AccountCache) Add(ctx context.Context, account models.Account) (models.Account, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.requireInitialized(); err != nil {
		return models.Account{}, err
	}

	account = clone(account)
	if err := c.store.Create(ctx, &account); err != nil {
		return models.Account{}, fmt.Errorf("cache: add account: %w", err)
	}

	c.mu.Lock()
	c.accounts = append(c.accounts, account)
	c.mu.Unlock()

	return clone(account), nil
}

// Update applies fn to a copy of the cached account, persists the result and
// then mirrors it. fn runs while the write lock is held, so read-modify-write
// sequences from concurrent callers never lose updates.
func (c *AccountCache) Update(ctx context.Context, id string, fn func(*models.Account)) (models.Account, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	current, err := c.currentLocked(id)
	if err != nil {
		return models.Account{}, err
	}

	next := clone(current)
	fn(&next)
	next.ID = id

	if err := c.store.Update(ctx, &next); err != nil {
		return models.Account{}, fmt.Errorf("cache: update account %s: %w", id, err)
	}

	c.replace(next)
	return clone(next), nil
}

// SetValid records the validity flag for an account. It reports whether the
// flag actually changed. A valid->invalid transition bumps FailureCount.
func (c *AccountCache) SetValid(ctx context.Context, id string, valid bool) (bool, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	current, err := c.currentLocked(id)
	if err != nil {
		return false, err
	}

	failures := current.FailureCount
	if current.IsValid && !valid {
		failures++
	}

	updatedAt, err := c.store.UpdateValidity(ctx, id, valid, failures)
	if err != nil {
		return false, fmt.Errorf("cache: update validity %s: %w", id, err)
	}

	next := current
	next.IsValid = valid
	next.FailureCount = failures
	next.UpdatedAt = updatedAt
	c.replace(next)

	return current.IsValid != valid, nil
}

// UpdateCredentials stores a refreshed cookie pair. This is the only path that
// marks an invalid account valid again.
func (c *AccountCache) UpdateCredentials(ctx context.Context, id, cookie, csrfToken string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	current, err := c.currentLocked(id)
	if err != nil {
		return err
	}

	updatedAt, err := c.store.UpdateCredentials(ctx, id, cookie, csrfToken)
	if err != nil {
		return fmt.Errorf("cache: update credentials %s: %w", id, err)
	}

	next := current
	next.SessionCookie = cookie
	next.CSRFToken = csrfToken
	next.IsValid = true
	next.FailureCount = 0
	next.UpdatedAt = updatedAt
	c.replace(next)

	return nil
}

// Delete removes an account from the store and the cache.
func (c *AccountCache) Delete(ctx context.Context, id string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.currentLocked(id); err != nil {
		return err
	}

	if err := c.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("cache: delete account %s: %w", id, err)
	}

	c.mu.Lock()
	if idx := c.indexLocked(id); idx >= 0 {
		c.accounts = append(c.accounts[:idx], c.accounts[idx+1:]...)
	}
	c.mu.Unlock()

	c.ClearLiveRooms(id)
	return nil
}

// SetLiveRooms replaces the cached room listing for an account.
func (c *AccountCache) SetLiveRooms(snapshot models.RoomSnapshot) {
	rooms := make([]models.RoomInfo, len(snapshot.Rooms))
	copy(rooms, snapshot.Rooms)
	snapshot.Rooms = rooms

	c.roomsMu.Lock()
	c.rooms[snapshot.AccountID] = snapshot
	c.roomsMu.Unlock()
}

// LiveRooms returns the last room listing cached for an account.
func (c *AccountCache) LiveRooms(accountID string) (models.RoomSnapshot, bool) {
	c.roomsMu.RLock()
	snapshot, ok := c.rooms[accountID]
	c.roomsMu.RUnlock()
	if !ok {
		return models.RoomSnapshot{}, false
	}

	rooms := make([]models.RoomInfo, len(snapshot.Rooms))
	copy(rooms, snapshot.Rooms)
	snapshot.Rooms = rooms
	return snapshot, true
}

// ClearLiveRooms drops the cached room listing for an account.
func (c *AccountCache) ClearLiveRooms(accountID string) {
	c.roomsMu.Lock()
	delete(c.rooms, accountID)
	c.roomsMu.Unlock()
}

func (c *AccountCache) requireInitialized() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.initialized {
		return ErrNotInitialized
	}
	return nil
}

// currentLocked must be called with writeMu held.
func (c *AccountCache) currentLocked(id string) (models.Account, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.initialized {
		return models.Account{}, ErrNotInitialized
	}
	idx := c.indexLocked(id)
	if idx < 0 {
		return models.Account{}, ErrAccountNotFound
	}
	return clone(c.accounts[idx]), nil
}

func (c *AccountCache) replace(account models.Account) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx := c.indexLocked(account.ID); idx >= 0 {
		c.accounts[idx] = account
	}
}

func (c *AccountCache) indexLocked(id string) int {
	for i := range c.accounts {
		if c.accounts[i].ID == id {
			return i
		}
	}
	return -1
}

func clone(a models.Account) models.Account {
	if a.Remark != nil {
		r := *a.Remark
		a.Remark = &r
	}
	return a
}
