package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuixiaotu/lbdm/internal/ingestion"
	"github.com/cuixiaotu/lbdm/internal/models"
	"github.com/cuixiaotu/lbdm/internal/scheduler"
)

// Accounts is the account cache as seen by the control API.
type Accounts interface {
	All() ([]models.Account, error)
	Get(id string) (models.Account, error)
	Add(ctx context.Context, account models.Account) (models.Account, error)
	Update(ctx context.Context, id string, fn func(*models.Account)) (models.Account, error)
	UpdateCredentials(ctx context.Context, id, cookie, csrfToken string) error
	Delete(ctx context.Context, id string) error
	SetLiveRooms(snapshot models.RoomSnapshot)
	LiveRooms(accountID string) (models.RoomSnapshot, bool)
}

// Monitor is the monitor queue scheduler as seen by the control API.
type Monitor interface {
	Start(ctx context.Context) error
	Stop()
	Running() bool
	PollNow(ctx context.Context) (bool, error)
	AddToMonitorQueue(ctx context.Context, accountID, roomID string) scheduler.QueueResult
	RemoveFromMonitorQueue(ctx context.Context, accountID, roomID string) scheduler.QueueResult
	RemoveAccountEntries(accountID string) int
	Entries() []models.MonitorQueueEntry
	PollInterval() time.Duration
	SetPollInterval(d time.Duration) error
}

// CredentialLoop is the credential validation loop as seen by the control API.
type CredentialLoop interface {
	Running() bool
	UpdateInterval()
	RunOnce(ctx context.Context) scheduler.ValidationReport
}

// Database reports on the remote metrics store.
type Database interface {
	Initialized() bool
	HealthCheck(ctx context.Context) error
	Stats() map[string]interface{}
	Describe() map[string]string
}

// FacetStatuses reports per-facet ingestion health.
type FacetStatuses interface {
	Status() []ingestion.FacetStatus
	CommentStats() ingestion.DeduplicationStats
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, logger *slog.Logger, status int, msg string) {
	writeJSON(w, logger, status, ErrorResponse{Error: msg})
}

var timeNow = time.Now

const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return ValidationError{Field: "body", Message: "request body too large"}
		}
		return ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()}
	}
	return nil
}
