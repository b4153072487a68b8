package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/cuixiaotu/lbdm/internal/models"
)

var (
	// ErrNotFound is returned when no account has the requested id.
	ErrNotFound = errors.New("store: account not found")
	// ErrDuplicate is returned when (organization_id, login_name) already exists.
	ErrDuplicate = errors.New("store: account already exists for organization and login")
)

// SQLiteStore is the durable account store backing the in-memory cache.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (or creates) the SQLite database at path and initialises the schema.
func Open(path string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}
	// one writer keeps SQLite away from SQLITE_BUSY under concurrent cache writes
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, logger: logger, now: time.Now}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS accounts (
  id TEXT PRIMARY KEY,
  display_name TEXT NOT NULL DEFAULT '',
  login_name TEXT NOT NULL,
  credential_blob TEXT NOT NULL DEFAULT '',
  organization_id TEXT NOT NULL,
  session_cookie TEXT NOT NULL DEFAULT '',
  csrf_token TEXT NOT NULL DEFAULT '',
  remark TEXT,
  is_valid INTEGER NOT NULL DEFAULT 1,
  failure_count INTEGER NOT NULL DEFAULT 0,
  created_at_ms INTEGER NOT NULL,
  updated_at_ms INTEGER NOT NULL,
  UNIQUE (organization_id, login_name)
);`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("store: init schema: %w", err)
	}
	return nil
}

const selectColumns = `
	SELECT id, display_name, login_name, credential_blob, organization_id,
	       session_cookie, csrf_token, remark, is_valid, failure_count,
	       created_at_ms, updated_at_ms
	FROM accounts`

// List returns every stored account ordered by creation time.
func (s *SQLiteStore) List(ctx context.Context) ([]models.Account, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY created_at_ms, id`)
	if err != nil {
		return nil, fmt.Errorf("store: list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan account: %w", err)
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

// Get returns the account with the given id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (models.Account, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Account{}, ErrNotFound
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("store: get account %s: %w", id, err)
	}
	return account, nil
}

// Create inserts a new account, assigning an id and timestamps when missing.
func (s *SQLiteStore) Create(ctx context.Context, account *models.Account) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	now := s.now()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts
		(id, display_name, login_name, credential_blob, organization_id,
		 session_cookie, csrf_token, remark, is_valid, failure_count,
		 created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		account.ID,
		account.DisplayName,
		account.LoginName,
		account.CredentialBlob,
		account.OrganizationID,
		account.SessionCookie,
		account.CSRFToken,
		nullString(account.Remark),
		account.IsValid,
		account.FailureCount,
		account.CreatedAt.UnixMilli(),
		account.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("store: create account: %w", err)
	}
	return nil
}

// Update writes every mutable field of the account.
func (s *SQLiteStore) Update(ctx context.Context, account *models.Account) error {
	account.UpdatedAt = s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET
			display_name = ?,
			login_name = ?,
			credential_blob = ?,
			organization_id = ?,
			session_cookie = ?,
			csrf_token = ?,
			remark = ?,
			is_valid = ?,
			failure_count = ?,
			updated_at_ms = ?
		WHERE id = ?`,
		account.DisplayName,
		account.LoginName,
		account.CredentialBlob,
		account.OrganizationID,
		account.SessionCookie,
		account.CSRFToken,
		nullString(account.Remark),
		account.IsValid,
		account.FailureCount,
		account.UpdatedAt.UnixMilli(),
		account.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("store: update account %s: %w", account.ID, err)
	}
	return requireOne(res, account.ID)
}

// UpdateValidity sets the validity flag and failure counter.
func (s *SQLiteStore) UpdateValidity(ctx context.Context, id string, valid bool, failureCount int) (time.Time, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET is_valid = ?, failure_count = ?, updated_at_ms = ? WHERE id = ?`,
		valid, failureCount, now.UnixMilli(), id)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: update validity %s: %w", id, err)
	}
	return now, requireOne(res, id)
}

// UpdateCredentials stores a refreshed cookie pair and marks the account valid.
func (s *SQLiteStore) UpdateCredentials(ctx context.Context, id, cookie, csrfToken string) (time.Time, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET session_cookie = ?, csrf_token = ?, is_valid = 1, failure_count = 0, updated_at_ms = ?
		WHERE id = ?`,
		cookie, csrfToken, now.UnixMilli(), id)
	if err != nil {
		return time.Time{}, fmt.Errorf("store: update credentials %s: %w", id, err)
	}
	return now, requireOne(res, id)
}

// Delete removes an account.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete account %s: %w", id, err)
	}
	return requireOne(res, id)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (models.Account, error) {
	var (
		account   models.Account
		remark    sql.NullString
		createdMs int64
		updatedMs int64
	)
	err := row.Scan(
		&account.ID,
		&account.DisplayName,
		&account.LoginName,
		&account.CredentialBlob,
		&account.OrganizationID,
		&account.SessionCookie,
		&account.CSRFToken,
		&remark,
		&account.IsValid,
		&account.FailureCount,
		&createdMs,
		&updatedMs,
	)
	if err != nil {
		return models.Account{}, err
	}
	if remark.Valid {
		r := remark.String
		account.Remark = &r
	}
	account.CreatedAt = time.UnixMilli(createdMs)
	account.UpdatedAt = time.UnixMilli(updatedMs)
	return account, nil
}

func requireOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected for %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
