package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuixiaotu/lbdm/internal/config"
	"github.com/cuixiaotu/lbdm/internal/scheduler"
)

// MonitorHandler drives the monitor queue scheduler and the credential loop.
type MonitorHandler struct {
	monitor   Monitor
	validator CredentialLoop
	intervals *config.Intervals
	logger    *slog.Logger
}

func NewMonitorHandler(monitor Monitor, validator CredentialLoop, intervals *config.Intervals, logger *slog.Logger) *MonitorHandler {
	return &MonitorHandler{
		monitor:   monitor,
		validator: validator,
		intervals: intervals,
		logger:    logger,
	}
}

// MonitorStatus is the body of GET /api/monitor/status.
type MonitorStatus struct {
	Running                        bool `json:"running"`
	ValidatorRunning               bool `json:"validator_running"`
	QueueSize                      int  `json:"queue_size"`
	PollIntervalSeconds            int  `json:"poll_interval_seconds"`
	CredentialCheckIntervalSeconds int  `json:"credential_check_interval_seconds"`
}

func (h *MonitorHandler) status() MonitorStatus {
	return MonitorStatus{
		Running:                        h.monitor.Running(),
		ValidatorRunning:               h.validator.Running(),
		QueueSize:                      len(h.monitor.Entries()),
		PollIntervalSeconds:            int(h.monitor.PollInterval() / time.Second),
		CredentialCheckIntervalSeconds: int(h.intervals.CredentialCheck() / time.Second),
	}
}

// Status handles GET /api/monitor/status
func (h *MonitorHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.logger, http.StatusOK, h.status())
}

// Start handles POST /api/monitor/start
func (h *MonitorHandler) Start(w http.ResponseWriter, r *http.Request) {
	if err := h.monitor.Start(r.Context()); err != nil {
		h.logger.Error("failed to start monitor", "error", err)
		writeError(w, h.logger, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, h.logger, http.StatusOK, h.status())
}

// Stop handles POST /api/monitor/stop. It returns once in-flight work drains.
func (h *MonitorHandler) Stop(w http.ResponseWriter, r *http.Request) {
	h.monitor.Stop()
	writeJSON(w, h.logger, http.StatusOK, h.status())
}

// PollNow handles POST /api/monitor/poll
func (h *MonitorHandler) PollNow(w http.ResponseWriter, r *http.Request) {
	ran, err := h.monitor.PollNow(context.WithoutCancel(r.Context()))
	if errors.Is(err, scheduler.ErrNotRunning) {
		writeError(w, h.logger, http.StatusConflict, "Monitor is not running")
		return
	}
	if err != nil {
		writeError(w, h.logger, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]interface{}{
		"ran":        ran,
		"queue_size": len(h.monitor.Entries()),
	})
}

// Queue handles GET /api/monitor/queue
func (h *MonitorHandler) Queue(w http.ResponseWriter, r *http.Request) {
	entries := h.monitor.Entries()
	writeJSON(w, h.logger, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// Enqueue handles POST /api/monitor/queue
func (h *MonitorHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req QueueRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, err.Error())
		return
	}

	res := h.monitor.AddToMonitorQueue(r.Context(), req.AccountID, req.RoomID)
	status := http.StatusCreated
	if !res.OK {
		status = queueStatus(res.Reason)
	}
	writeJSON(w, h.logger, status, res)
}

// Dequeue handles DELETE /api/monitor/queue/{account_id}/{room_id}
func (h *MonitorHandler) Dequeue(w http.ResponseWriter, r *http.Request) {
	res := h.monitor.RemoveFromMonitorQueue(r.Context(), r.PathValue("account_id"), r.PathValue("room_id"))
	status := http.StatusOK
	if !res.OK {
		status = queueStatus(res.Reason)
	}
	writeJSON(w, h.logger, status, res)
}

func queueStatus(reason scheduler.QueueReason) int {
	switch reason {
	case scheduler.ReasonAccountNotFound, scheduler.ReasonRoomNotFound, scheduler.ReasonNotInQueue:
		return http.StatusNotFound
	case scheduler.ReasonAlreadyQueued:
		return http.StatusConflict
	case scheduler.ReasonProbeFailed:
		return http.StatusBadGateway
	default:
		return http.StatusUnprocessableEntity
	}
}

// UpdateIntervals handles PUT /api/monitor/intervals. Running loops pick the
// new values up without a restart.
func (h *MonitorHandler) UpdateIntervals(w http.ResponseWriter, r *http.Request) {
	var req IntervalsRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, err.Error())
		return
	}

	if req.PollIntervalSeconds != nil {
		if err := h.monitor.SetPollInterval(time.Duration(*req.PollIntervalSeconds) * time.Second); err != nil {
			writeError(w, h.logger, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.CredentialCheckIntervalSeconds != nil {
		h.intervals.SetCredentialCheck(time.Duration(*req.CredentialCheckIntervalSeconds) * time.Second)
		h.validator.UpdateInterval()
	}

	writeJSON(w, h.logger, http.StatusOK, h.status())
}

// CheckCredentials handles POST /api/credentials/check
func (h *MonitorHandler) CheckCredentials(w http.ResponseWriter, r *http.Request) {
	report := h.validator.RunOnce(context.WithoutCancel(r.Context()))
	writeJSON(w, h.logger, http.StatusOK, report)
}
