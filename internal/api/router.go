package api

import (
	"log/slog"
	"net/http"

	"github.com/cuixiaotu/lbdm/internal/auth"
	"github.com/cuixiaotu/lbdm/internal/config"
	"github.com/cuixiaotu/lbdm/internal/dashboard"
	"github.com/cuixiaotu/lbdm/internal/events"
)

// Dependencies are the components the control API drives.
type Dependencies struct {
	Accounts  Accounts
	Monitor   Monitor
	Validator CredentialLoop
	Database  Database
	Facets    FacetStatuses
	Client    dashboard.Client
	Bus       *events.Bus
	Intervals *config.Intervals
	Auth      auth.Config
	Metrics   http.Handler
}

// SetupRoutes configures all API routes
func SetupRoutes(mux *http.ServeMux, deps Dependencies, logger *slog.Logger) {
	authHandler := NewAuthHandler(deps.Auth, logger)
	accountsHandler := NewAccountsHandler(deps.Accounts, deps.Monitor, deps.Client, logger)
	monitorHandler := NewMonitorHandler(deps.Monitor, deps.Validator, deps.Intervals, logger)
	systemHandler := NewSystemHandler(deps.Database, deps.Facets, deps.Bus, logger)

	protect := auth.Middleware(deps.Auth)
	private := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, protect(h))
	}

	// Public routes
	mux.HandleFunc("GET /health", systemHandler.Health)
	mux.HandleFunc("POST /api/auth/login", authHandler.Login)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}

	private("GET /api/auth/validate", authHandler.ValidateToken)

	// Accounts
	private("GET /api/accounts", accountsHandler.List)
	private("POST /api/accounts", accountsHandler.Create)
	private("PATCH /api/accounts/{id}", accountsHandler.Update)
	private("DELETE /api/accounts/{id}", accountsHandler.Delete)
	private("POST /api/accounts/{id}/credentials", accountsHandler.UpdateCredentials)
	private("GET /api/accounts/{id}/rooms", accountsHandler.LiveRooms)

	// Monitor queue and loops
	private("GET /api/monitor/status", monitorHandler.Status)
	private("POST /api/monitor/start", monitorHandler.Start)
	private("POST /api/monitor/stop", monitorHandler.Stop)
	private("POST /api/monitor/poll", monitorHandler.PollNow)
	private("PUT /api/monitor/intervals", monitorHandler.UpdateIntervals)
	private("GET /api/monitor/queue", monitorHandler.Queue)
	private("POST /api/monitor/queue", monitorHandler.Enqueue)
	private("DELETE /api/monitor/queue/{account_id}/{room_id}", monitorHandler.Dequeue)
	private("POST /api/credentials/check", monitorHandler.CheckCredentials)

	// Observability
	private("GET /api/database/health", systemHandler.DatabaseHealth)
	private("GET /api/ingestion/status", systemHandler.IngestionStatus)
	private("GET /api/events", systemHandler.Events)
}

// CORS sets permissive cross-origin headers and answers preflight requests.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
