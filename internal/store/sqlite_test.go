package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/cuixiaotu/lbdm/internal/logging"
	"github.com/cuixiaotu/lbdm/internal/models"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "accounts.sqlite")
	s, err := Open(path, logging.Discard())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newAccount(org, login string) *models.Account {
	return &models.Account{
		DisplayName:    login + " shop",
		LoginName:      login,
		OrganizationID: org,
		SessionCookie:  "sessionid=abc",
		CSRFToken:      "csrf",
		IsValid:        true,
	}
}

func TestCreateAndGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	remark := "flagship"
	account := newAccount("org-1", "alice")
	account.Remark = &remark
	if err := s.Create(ctx, account); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if account.ID == "" {
		t.Fatal("expected Create to assign an id")
	}

	got, err := s.Get(ctx, account.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.LoginName != "alice" || got.OrganizationID != "org-1" {
		t.Errorf("unexpected account: %+v", got)
	}
	if got.Remark == nil || *got.Remark != "flagship" {
		t.Errorf("expected remark to round-trip, got %v", got.Remark)
	}
	if !got.IsValid {
		t.Error("expected account to be valid")
	}
}

func TestCreateRejectsDuplicateLogin(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Create(ctx, newAccount("org-1", "alice")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := s.Create(ctx, newAccount("org-1", "alice"))
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	// same login in another organization is allowed
	if err := s.Create(ctx, newAccount("org-2", "alice")); err != nil {
		t.Fatalf("Create in second org: %v", err)
	}
}

func TestUpdateValidityAndCredentials(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	account := newAccount("org-1", "bob")
	if err := s.Create(ctx, account); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := s.UpdateValidity(ctx, account.ID, false, 2); err != nil {
		t.Fatalf("UpdateValidity: %v", err)
	}
	got, err := s.Get(ctx, account.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.IsValid || got.FailureCount != 2 {
		t.Errorf("expected invalid with 2 failures, got valid=%v failures=%d", got.IsValid, got.FailureCount)
	}

	if _, err := s.UpdateCredentials(ctx, account.ID, "sessionid=new", "csrf-new"); err != nil {
		t.Fatalf("UpdateCredentials: %v", err)
	}
	got, err = s.Get(ctx, account.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.IsValid || got.FailureCount != 0 || got.SessionCookie != "sessionid=new" {
		t.Errorf("unexpected account after refresh: %+v", got)
	}
}

func TestListAndDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	a := newAccount("org-1", "a")
	b := newAccount("org-1", "b")
	for _, acc := range []*models.Account{a, b} {
		if err := s.Create(ctx, acc); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	accounts, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(accounts))
	}

	if err := s.Delete(ctx, a.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
	if _, err := s.Get(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateMissingAccount(t *testing.T) {
	s := testStore(t)
	err := s.Update(context.Background(), &models.Account{ID: "missing", LoginName: "x", OrganizationID: "o"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
