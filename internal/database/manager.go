package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"golang.org/x/sync/singleflight"

	"github.com/cuixiaotu/lbdm/internal/config"
)

// ErrNotInitialized is returned by every operation issued before Initialize
// or after Close.
var ErrNotInitialized = errors.New("database: connection manager not initialized")

// DefaultDrainDelay is how long a replaced pool stays open for in-flight work.
const DefaultDrainDelay = 5 * time.Second

const (
	setReadCommitted = "SET default_transaction_isolation = 'read committed'"
	resetIsolation   = "RESET default_transaction_isolation"
)

// Observer receives write-path events. The metrics collector implements it.
type Observer interface {
	DeadlockRetried(table string)
	PoolRebuilt()
}

type nopObserver struct{}

func (nopObserver) DeadlockRetried(string) {}
func (nopObserver) PoolRebuilt()           {}

// Opener opens a pool for a DSN. The default is sql.Open("postgres", dsn).
type Opener func(dsn string) (*sql.DB, error)

// TunnelOpener starts an SSH tunnel to target.
type TunnelOpener func(ctx context.Context, cfg config.TunnelConfig, target string, logger *slog.Logger) (*Tunnel, error)

// Option customises a Manager.
type Option func(*Manager)

// WithOpener replaces the pool constructor.
func WithOpener(open Opener) Option {
	return func(m *Manager) { m.open = open }
}

// WithTunnelOpener replaces the SSH tunnel constructor.
func WithTunnelOpener(open TunnelOpener) Option {
	return func(m *Manager) { m.openTunnel = open }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRetryPolicy replaces DefaultRetryPolicy.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(m *Manager) { m.retry = policy }
}

// WithDrainDelay replaces DefaultDrainDelay.
func WithDrainDelay(d time.Duration) Option {
	return func(m *Manager) { m.drainDelay = d }
}

// WithObserver registers a write-path observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithSQLDebug logs every statement at debug level.
func WithSQLDebug(enabled bool) Option {
	return func(m *Manager) { m.debugSQL = enabled }
}

// Manager owns the connection pool to the remote metrics store, the optional
// SSH tunnel in front of it and the credentials the pool authenticates with.
type Manager struct {
	logger     *slog.Logger
	open       Opener
	openTunnel TunnelOpener
	now        func() time.Time
	retry      RetryPolicy
	drainDelay time.Duration
	observer   Observer
	debugSQL   bool

	mu        sync.RWMutex
	db        *sql.DB
	cfg       config.DatabaseConfig
	tunnelCfg config.TunnelConfig
	tunnel    *Tunnel
	endpoint  endpoint
	cred      credentials

	rebuildGroup singleflight.Group
	rebuilds     atomic.Int64
}

// NewManager creates an uninitialised manager.
func NewManager(logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		logger: logger,
		open: func(dsn string) (*sql.DB, error) {
			return sql.Open("postgres", dsn)
		},
		openTunnel: OpenTunnel,
		now:        time.Now,
		retry:      DefaultRetryPolicy(),
		drainDelay: DefaultDrainDelay,
		observer:   nopObserver{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize tears down any previous pool and tunnel, then connects using
// cfg, through an SSH tunnel when tunnelCfg is enabled. It fails fast; there
// is no retry loop.
func (m *Manager) Initialize(ctx context.Context, cfg config.DatabaseConfig, tunnelCfg config.TunnelConfig) error {
	if err := m.Close(); err != nil {
		m.logger.Warn("closing previous database connection failed", "error", err)
	}

	if strings.TrimSpace(cfg.Host) == "" || cfg.Port <= 0 {
		return errors.New("database: host and port are required")
	}
	if cfg.User == "" {
		return errors.New("database: user is required")
	}

	ep := endpoint{host: cfg.Host, port: cfg.Port}
	var tunnel *Tunnel
	if tunnelCfg.Enabled() {
		target := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
		t, err := m.openTunnel(ctx, tunnelCfg, target, m.logger)
		if err != nil {
			return fmt.Errorf("database: open ssh tunnel: %w", err)
		}
		tunnel = t
		ep = endpoint{host: "127.0.0.1", port: t.Port()}
	}

	cred, err := resolveCredentials(cfg, m.now())
	if err != nil {
		closeTunnel(tunnel)
		return err
	}

	db, err := m.connect(ctx, cfg, ep, cred)
	if err != nil {
		closeTunnel(tunnel)
		return err
	}

	m.mu.Lock()
	m.db = db
	m.cfg = cfg
	m.tunnelCfg = tunnelCfg
	m.tunnel = tunnel
	m.endpoint = ep
	m.cred = cred
	m.mu.Unlock()

	m.logger.Info("database connection established", describeAttrs(m.Describe())...)

	if cfg.AutoMigrate {
		if err := m.RunMigrations(ctx); err != nil {
			return err
		}
	}
	return nil
}

// connect opens, tunes and pings a pool.
func (m *Manager) connect(ctx context.Context, cfg config.DatabaseConfig, ep endpoint, cred credentials) (*sql.DB, error) {
	dsn := buildDSN(ep, cred, cfg.Name, cfg.SSLMode, cfg.ConnectTimeout)
	if m.debugSQL {
		m.logger.Debug("opening database pool", "dsn", redactDSN(dsn))
	}

	db, err := m.open(dsn)
	if err != nil {
		return nil, fmt.Errorf("database: open pool: %w", err)
	}

	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database: ping %s: %w", ep, err)
	}
	return db, nil
}

// Pool returns the live pool. When rotating credentials have outlived their
// TTL, the pool is rebuilt first; concurrent callers share one rebuild. The
// replaced pool is closed after the drain delay.
func (m *Manager) Pool(ctx context.Context) (*sql.DB, error) {
	m.mu.RLock()
	db, cred, ttl := m.db, m.cred, m.cfg.EphemeralTTL
	m.mu.RUnlock()

	if db == nil {
		return nil, ErrNotInitialized
	}
	if !cred.expired(m.now(), ttl) {
		return db, nil
	}

	v, err, _ := m.rebuildGroup.Do("rebuild", func() (any, error) {
		return m.rebuild(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*sql.DB), nil
}

func (m *Manager) rebuild(ctx context.Context) (*sql.DB, error) {
	m.mu.RLock()
	db, cfg, ep, cred := m.db, m.cfg, m.endpoint, m.cred
	m.mu.RUnlock()

	if db == nil {
		return nil, ErrNotInitialized
	}
	now := m.now()
	// A caller that arrives right after a finished rebuild sees fresh credentials.
	if !cred.expired(now, cfg.EphemeralTTL) {
		return db, nil
	}

	next, err := resolveCredentials(cfg, now)
	if err != nil {
		return nil, err
	}
	fresh, err := m.connect(ctx, cfg, ep, next)
	if err != nil {
		return nil, fmt.Errorf("database: rebuild pool: %w", err)
	}

	m.mu.Lock()
	if current := m.db; current != db {
		// Closed or re-initialised while connecting.
		m.mu.Unlock()
		fresh.Close()
		if current == nil {
			return nil, ErrNotInitialized
		}
		return current, nil
	}
	old := m.db
	m.db = fresh
	m.cred = next
	m.mu.Unlock()

	m.rebuilds.Add(1)
	m.observer.PoolRebuilt()
	m.logger.Info("database pool rebuilt with fresh credentials", "issued_at", next.issuedAt)

	time.AfterFunc(m.drainDelay, func() {
		if err := old.Close(); err != nil {
			m.logger.Warn("closing drained database pool failed", "error", err)
		}
	})
	return fresh, nil
}

// Rebuilds returns how many times the pool has been rebuilt.
func (m *Manager) Rebuilds() int64 {
	return m.rebuilds.Load()
}

// Initialized reports whether a pool is open.
func (m *Manager) Initialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.db != nil
}

// Close closes the pool and the tunnel and forgets the configuration.
func (m *Manager) Close() error {
	m.mu.Lock()
	db, tunnel := m.db, m.tunnel
	m.db = nil
	m.tunnel = nil
	m.cfg = config.DatabaseConfig{}
	m.tunnelCfg = config.TunnelConfig{}
	m.endpoint = endpoint{}
	m.cred = credentials{}
	m.mu.Unlock()

	var errs []error
	if db != nil {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pool: %w", err))
		}
	}
	if tunnel != nil {
		if err := tunnel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close tunnel: %w", err))
		}
	}
	if db != nil || tunnel != nil {
		m.logger.Info("database connection closed")
	}
	return errors.Join(errs...)
}

// Describe returns a password-free summary of the current connection.
func (m *Manager) Describe() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info := make(map[string]string)
	if m.db == nil {
		info["connection_type"] = "none"
		return info
	}

	info["connection_type"] = "direct"
	if m.tunnel != nil {
		info["connection_type"] = "tunnel"
		info["ssh_host"] = net.JoinHostPort(m.tunnelCfg.Host, strconv.Itoa(m.tunnelCfg.Port))
		info["local"] = m.tunnel.Addr()
	}
	info["host"] = net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	info["database"] = m.cfg.Name
	info["credentials"] = "static"
	if m.cred.rotating {
		info["credentials"] = "rotating"
		info["login"] = m.cfg.User
	} else {
		info["user"] = m.cfg.User
	}
	return info
}

func describeAttrs(info map[string]string) []any {
	attrs := make([]any, 0, len(info)*2)
	for k, v := range info {
		attrs = append(attrs, k, v)
	}
	return attrs
}

func closeTunnel(t *Tunnel) {
	if t != nil {
		t.Close()
	}
}
