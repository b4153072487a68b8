package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuixiaotu/lbdm/internal/events"
)

// SystemHandler serves health, ingestion status and the notice stream.
type SystemHandler struct {
	db        Database
	facets    FacetStatuses
	bus       *events.Bus
	logger    *slog.Logger
	startTime time.Time
}

func NewSystemHandler(db Database, facets FacetStatuses, bus *events.Bus, logger *slog.Logger) *SystemHandler {
	return &SystemHandler{
		db:        db,
		facets:    facets,
		bus:       bus,
		logger:    logger,
		startTime: time.Now(),
	}
}

// Health handles GET /health. It reports process liveness only.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.logger, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(h.startTime).Round(time.Second).String(),
	})
}

// DatabaseHealth handles GET /api/database/health
func (h *SystemHandler) DatabaseHealth(w http.ResponseWriter, r *http.Request) {
	if !h.db.Initialized() {
		writeJSON(w, h.logger, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "disconnected",
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	body := map[string]interface{}{
		"status":     "ok",
		"connection": h.db.Describe(),
		"stats":      h.db.Stats(),
	}
	status := http.StatusOK
	if err := h.db.HealthCheck(ctx); err != nil {
		body["status"] = "unhealthy"
		body["error"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, h.logger, status, body)
}

// IngestionStatus handles GET /api/ingestion/status
func (h *SystemHandler) IngestionStatus(w http.ResponseWriter, r *http.Request) {
	facets := h.facets.Status()
	writeJSON(w, h.logger, http.StatusOK, map[string]interface{}{
		"facets":         facets,
		"comments":       h.facets.CommentStats(),
		"dropped_events": h.bus.Dropped(),
	})
}

// Events handles GET /api/events as a server-sent event stream of notices.
func (h *SystemHandler) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, h.logger, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	ch, cancel := h.bus.Subscribe(0)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case e, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				h.logger.Error("failed to encode event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Kind, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
