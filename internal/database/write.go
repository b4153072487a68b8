package database

import (
	"context"
	"database/sql"
	"fmt"
)

// UpsertBatch writes b with ON CONFLICT ... DO UPDATE. Rows are sent in
// sequential chunks, each retried independently on deadlock. The result sums
// every chunk that succeeded before the first failure.
func (m *Manager) UpsertBatch(ctx context.Context, b Batch) (WriteResult, error) {
	return m.writeBatch(ctx, b, true)
}

// InsertBatch writes b as plain multi-row inserts. Conflict settings on b are
// ignored.
func (m *Manager) InsertBatch(ctx context.Context, b Batch) (WriteResult, error) {
	return m.writeBatch(ctx, b, false)
}

// Insert writes a single row.
func (m *Manager) Insert(ctx context.Context, table string, columns []string, values []any) (int64, error) {
	res, err := m.InsertBatch(ctx, Batch{
		Table:   table,
		Columns: columns,
		Rows:    [][]any{values},
	})
	return res.RowsAffected, err
}

func (m *Manager) writeBatch(ctx context.Context, b Batch, upsert bool) (WriteResult, error) {
	var result WriteResult
	if err := b.validate(upsert); err != nil {
		return result, err
	}

	rows := b.Rows
	if upsert {
		rows = b.collapsed()
	}

	for _, chunk := range b.chunks(rows) {
		query, args := b.statement(chunk, upsert)

		var affected int64
		err := retryDeadlocks(ctx, m.retry, func(attempt int, err error) {
			m.observer.DeadlockRetried(b.Table)
			m.logger.Warn("deadlock on write, retrying",
				"table", b.Table,
				"attempt", attempt+1,
				"rows", len(chunk))
		}, func() error {
			n, err := m.exec(ctx, b.Table, query, args)
			affected = n
			return err
		})
		if err != nil {
			return result, fmt.Errorf("write %s chunk %d: %w", b.Table, result.Chunks+1, err)
		}

		result.RowsAffected += affected
		result.Chunks++
	}

	if m.debugSQL {
		m.logger.Debug("batch written",
			"table", b.Table,
			"rows", len(rows),
			"chunks", result.Chunks,
			"affected", result.RowsAffected)
	}
	return result, nil
}

// exec runs one statement. High-contention tables run on a dedicated
// connection at READ COMMITTED; the session setting is always reset before the
// connection returns to the pool.
func (m *Manager) exec(ctx context.Context, table, query string, args []any) (int64, error) {
	db, err := m.Pool(ctx)
	if err != nil {
		return 0, err
	}

	if m.debugSQL {
		m.logger.Debug("exec", "table", table, "query", query, "args", len(args))
	}

	if !IsHighContention(table) {
		res, err := db.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, setReadCommitted); err != nil {
		return 0, fmt.Errorf("set isolation: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.WithoutCancel(ctx), resetIsolation); err != nil {
			m.logger.Warn("reset isolation failed", "table", table, "error", err)
		}
	}()

	res, err := conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Transaction runs fn inside a transaction on a dedicated connection. The
// transaction is committed when fn returns nil and rolled back when it returns
// an error or panics. A deadlock anywhere in the transaction re-runs fn, so fn
// must not have side effects outside tx.
func (m *Manager) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retryDeadlocks(ctx, m.retry, func(attempt int, err error) {
		m.observer.DeadlockRetried("transaction")
		m.logger.Warn("deadlock in transaction, retrying", "attempt", attempt+1)
	}, func() error {
		return m.runTransaction(ctx, fn)
	})
}

func (m *Manager) runTransaction(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	db, err := m.Pool(ctx)
	if err != nil {
		return err
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			m.logger.Warn("rollback failed", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
