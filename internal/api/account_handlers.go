package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/cuixiaotu/lbdm/internal/cache"
	"github.com/cuixiaotu/lbdm/internal/dashboard"
	"github.com/cuixiaotu/lbdm/internal/models"
	"github.com/cuixiaotu/lbdm/internal/store"
)

// AccountsHandler manages dashboard accounts and their live-room listings.
type AccountsHandler struct {
	accounts Accounts
	monitor  Monitor
	client   dashboard.Client
	logger   *slog.Logger
}

func NewAccountsHandler(accounts Accounts, monitor Monitor, client dashboard.Client, logger *slog.Logger) *AccountsHandler {
	return &AccountsHandler{
		accounts: accounts,
		monitor:  monitor,
		client:   client,
		logger:   logger,
	}
}

// List handles GET /api/accounts?valid_only=true
func (h *AccountsHandler) List(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.accounts.All()
	if err != nil {
		h.logger.Error("failed to list accounts", "error", err)
		writeError(w, h.logger, http.StatusServiceUnavailable, "Failed to list accounts")
		return
	}

	if r.URL.Query().Get("valid_only") == "true" {
		kept := accounts[:0]
		for _, a := range accounts {
			if a.IsValid {
				kept = append(kept, a)
			}
		}
		accounts = kept
	}

	writeJSON(w, h.logger, http.StatusOK, map[string]interface{}{
		"accounts": accounts,
		"count":    len(accounts),
	})
}

// Create handles POST /api/accounts. The login automation calls it after a
// fresh sign-in, so the account starts valid.
func (h *AccountsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, err.Error())
		return
	}

	account, err := h.accounts.Add(r.Context(), models.Account{
		DisplayName:    req.DisplayName,
		LoginName:      req.LoginName,
		OrganizationID: req.OrganizationID,
		CredentialBlob: req.CredentialBlob,
		SessionCookie:  req.SessionCookie,
		CSRFToken:      req.CSRFToken,
		Remark:         req.Remark,
		IsValid:        true,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeError(w, h.logger, http.StatusConflict, "An account with this login already exists in the organization")
			return
		}
		h.logger.Error("failed to create account", "error", err)
		writeError(w, h.logger, http.StatusInternalServerError, "Failed to create account")
		return
	}

	h.logger.Info("account created", "account_id", account.ID, "account", account.Label())
	writeJSON(w, h.logger, http.StatusCreated, account)
}

// Update handles PATCH /api/accounts/{id}
func (h *AccountsHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req UpdateAccountRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, err.Error())
		return
	}

	account, err := h.accounts.Update(r.Context(), id, func(a *models.Account) {
		if req.DisplayName != nil {
			a.DisplayName = strings.TrimSpace(*req.DisplayName)
		}
		if req.Remark != nil {
			remark := *req.Remark
			if remark == "" {
				a.Remark = nil
			} else {
				a.Remark = &remark
			}
		}
	})
	if err != nil {
		h.accountError(w, id, "update", err)
		return
	}

	writeJSON(w, h.logger, http.StatusOK, account)
}

// Delete handles DELETE /api/accounts/{id}. Queued rooms of the account are
// dropped with it.
func (h *AccountsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := h.accounts.Delete(r.Context(), id); err != nil {
		h.accountError(w, id, "delete", err)
		return
	}
	removed := h.monitor.RemoveAccountEntries(id)

	h.logger.Info("account deleted", "account_id", id, "dequeued_rooms", removed)
	writeJSON(w, h.logger, http.StatusOK, map[string]interface{}{
		"deleted":        id,
		"dequeued_rooms": removed,
	})
}

// UpdateCredentials handles POST /api/accounts/{id}/credentials. It is the
// only way an invalid account becomes valid again.
func (h *AccountsHandler) UpdateCredentials(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req CredentialsRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.accounts.UpdateCredentials(r.Context(), id, req.SessionCookie, req.CSRFToken); err != nil {
		h.accountError(w, id, "refresh credentials of", err)
		return
	}

	account, err := h.accounts.Get(id)
	if err != nil {
		h.accountError(w, id, "load", err)
		return
	}
	h.logger.Info("account credentials refreshed", "account_id", id, "account", account.Label())
	writeJSON(w, h.logger, http.StatusOK, account)
}

// LiveRooms handles GET /api/accounts/{id}/rooms. With refresh=true the
// listing is fetched from the dashboard first.
func (h *AccountsHandler) LiveRooms(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	account, err := h.accounts.Get(id)
	if err != nil {
		h.accountError(w, id, "load", err)
		return
	}

	if r.URL.Query().Get("refresh") == "true" {
		rooms, err := h.client.ListRooms(r.Context(), account.Session())
		snapshot := models.RoomSnapshot{
			AccountID:      account.ID,
			OrganizationID: account.OrganizationID,
			Rooms:          rooms,
			FetchedAt:      timeNow(),
			Success:        err == nil,
		}
		if err != nil {
			snapshot.Error = err.Error()
			h.logger.Warn("live room listing failed", "account_id", id, "error", err)
		}
		h.accounts.SetLiveRooms(snapshot)
	}

	snapshot, ok := h.accounts.LiveRooms(id)
	if !ok {
		writeError(w, h.logger, http.StatusNotFound, "No live-room listing fetched for this account yet")
		return
	}
	writeJSON(w, h.logger, http.StatusOK, snapshot)
}

func (h *AccountsHandler) accountError(w http.ResponseWriter, id, action string, err error) {
	switch {
	case errors.Is(err, cache.ErrAccountNotFound), errors.Is(err, store.ErrNotFound):
		writeError(w, h.logger, http.StatusNotFound, "Account not found")
	case errors.Is(err, cache.ErrNotInitialized):
		writeError(w, h.logger, http.StatusServiceUnavailable, "Account cache is not ready")
	default:
		h.logger.Error("account operation failed", "account_id", id, "action", action, "error", err)
		writeError(w, h.logger, http.StatusInternalServerError, "Failed to "+action+" account")
	}
}
