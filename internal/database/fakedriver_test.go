package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"
	"sync"
	"time"
)

// fakeDB records every statement issued through pools opened by its opener.
type fakeDB struct {
	mu        sync.Mutex
	dsns      []string
	execs     []string
	commits   int
	rollbacks int

	// onExec, when set, decides the outcome of data statements. Session
	// statements (SET/RESET) always succeed.
	onExec func(query string, args []driver.NamedValue) (int64, error)
}

func (f *fakeDB) opener() Opener {
	return func(dsn string) (*sql.DB, error) {
		f.mu.Lock()
		f.dsns = append(f.dsns, dsn)
		f.mu.Unlock()
		return sql.OpenDB(&fakeConnector{db: f}), nil
	}
}

func (f *fakeDB) statements() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.execs))
	copy(out, f.execs)
	return out
}

func (f *fakeDB) openedDSNs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.dsns))
	copy(out, f.dsns)
	return out
}

func (f *fakeDB) dataStatements() []string {
	var out []string
	for _, q := range f.statements() {
		if !isSessionStatement(q) {
			out = append(out, q)
		}
	}
	return out
}

func isSessionStatement(q string) bool {
	return strings.HasPrefix(q, "SET ") || strings.HasPrefix(q, "RESET ")
}

type fakeConnector struct {
	db *fakeDB
}

func (c *fakeConnector) Connect(context.Context) (driver.Conn, error) {
	return &fakeConn{db: c.db}, nil
}

func (c *fakeConnector) Driver() driver.Driver {
	return fakeDriver{}
}

type fakeDriver struct{}

func (fakeDriver) Open(string) (driver.Conn, error) {
	return nil, errors.New("fake driver: use the connector")
}

type fakeConn struct {
	db *fakeDB
}

func (c *fakeConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("fake driver: prepare not supported")
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) Begin() (driver.Tx, error) {
	return &fakeTx{db: c.db}, nil
}

func (c *fakeConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	return &fakeTx{db: c.db}, nil
}

func (c *fakeConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.db.mu.Lock()
	c.db.execs = append(c.db.execs, query)
	hook := c.db.onExec
	c.db.mu.Unlock()

	if isSessionStatement(query) || hook == nil {
		return driver.RowsAffected(0), nil
	}
	n, err := hook(query, args)
	if err != nil {
		return nil, err
	}
	return driver.RowsAffected(n), nil
}

type fakeTx struct {
	db *fakeDB
}

func (t *fakeTx) Commit() error {
	t.db.mu.Lock()
	t.db.commits++
	t.db.mu.Unlock()
	return nil
}

func (t *fakeTx) Rollback() error {
	t.db.mu.Lock()
	t.db.rollbacks++
	t.db.mu.Unlock()
	return nil
}

// testClock is a settable clock safe for concurrent reads.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
