package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cuixiaotu/lbdm/internal/auth"
	"github.com/cuixiaotu/lbdm/internal/cache"
	"github.com/cuixiaotu/lbdm/internal/config"
	"github.com/cuixiaotu/lbdm/internal/dashboard"
	"github.com/cuixiaotu/lbdm/internal/events"
	"github.com/cuixiaotu/lbdm/internal/ingestion"
	"github.com/cuixiaotu/lbdm/internal/logging"
	"github.com/cuixiaotu/lbdm/internal/models"
	"github.com/cuixiaotu/lbdm/internal/scheduler"
	"github.com/cuixiaotu/lbdm/internal/store"
)

type stubConn struct{}

func (stubConn) Initialize(ctx context.Context, cfg config.DatabaseConfig, tunnel config.TunnelConfig) error {
	return nil
}
func (stubConn) Close() error { return nil }

type stubDatabase struct {
	initialized bool
	healthErr   error
}

func (d stubDatabase) Initialized() bool                     { return d.initialized }
func (d stubDatabase) HealthCheck(ctx context.Context) error { return d.healthErr }
func (d stubDatabase) Stats() map[string]interface{}         { return map[string]interface{}{"open_connections": 1} }
func (d stubDatabase) Describe() map[string]string           { return map[string]string{"mode": "direct"} }

type testAPI struct {
	handler http.Handler
	token   string
	client  *dashboard.MockClient
	cache   *cache.AccountCache
	monitor *scheduler.MonitorScheduler
	bus     *events.Bus
}

func newTestAPI(t *testing.T, db Database) *testAPI {
	t.Helper()
	logger := logging.Discard()

	st, err := store.Open(filepath.Join(t.TempDir(), "accounts.sqlite"), logger)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	accounts := cache.New(st, logger)
	if err := accounts.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	client := dashboard.NewMockClient()
	bus := events.NewBus()
	intervals := config.NewIntervals(config.MonitorConfig{PollInterval: time.Hour, CredentialCheckInterval: time.Hour})
	collector := ingestion.NewCollector(client, ingestion.NewWriter(ingestion.NewMemorySink()), logger)
	monitor := scheduler.NewMonitorScheduler(accounts, client, collector, stubConn{}, bus, logger, scheduler.MonitorOptions{Intervals: intervals})
	validator := scheduler.NewValidator(accounts, client, bus, intervals.CredentialCheck, logger)

	hash, err := auth.HashPassword("letmein")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	authCfg := auth.Config{JWTSecret: "test-secret", PasswordHash: hash, TokenDuration: time.Hour}
	token, err := auth.GenerateToken("admin", authCfg.JWTSecret, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	mux := http.NewServeMux()
	SetupRoutes(mux, Dependencies{
		Accounts:  accounts,
		Monitor:   monitor,
		Validator: validator,
		Database:  db,
		Facets:    collector,
		Client:    client,
		Bus:       bus,
		Intervals: intervals,
		Auth:      authCfg,
	}, logger)

	return &testAPI{
		handler: CORS(mux),
		token:   token,
		client:  client,
		cache:   accounts,
		monitor: monitor,
		bus:     bus,
	}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+a.token)
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return v
}

func (a *testAPI) createAccount(t *testing.T, login string) models.Account {
	t.Helper()
	rr := a.do(t, http.MethodPost, "/api/accounts", CreateAccountRequest{
		DisplayName:    login + " shop",
		LoginName:      login,
		OrganizationID: "org-1",
		SessionCookie:  "sessionid=abc",
		CSRFToken:      "csrf",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create account: status %d body %s", rr.Code, rr.Body.String())
	}
	return decode[models.Account](t, rr)
}

func TestLogin(t *testing.T) {
	a := newTestAPI(t, stubDatabase{})

	tests := []struct {
		name     string
		password string
		want     int
	}{
		{name: "wrong password", password: "nope", want: http.StatusUnauthorized},
		{name: "right password", password: "letmein", want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := strings.NewReader(`{"password":"` + tt.password + `"}`)
			req := httptest.NewRequest(http.MethodPost, "/api/auth/login", body)
			rr := httptest.NewRecorder()
			a.handler.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d", rr.Code, tt.want)
			}
			if tt.want != http.StatusOK {
				return
			}

			resp := decode[LoginResponse](t, rr)
			a.token = resp.Token
			if got := a.do(t, http.MethodGet, "/api/auth/validate", nil); got.Code != http.StatusOK {
				t.Fatalf("validate with issued token: %d", got.Code)
			}
		})
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	a := newTestAPI(t, stubDatabase{})

	for _, path := range []string{"/api/accounts", "/api/monitor/queue", "/api/monitor/status"} {
		t.Run(path, func(t *testing.T) {
			rr := httptest.NewRecorder()
			a.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rr.Code)
			}
		})
	}
}

func TestPreflight(t *testing.T) {
	a := newTestAPI(t, stubDatabase{})
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodOptions, "/api/accounts", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("CORS header missing")
	}
}

func TestAccountLifecycle(t *testing.T) {
	a := newTestAPI(t, stubDatabase{})
	ctx := context.Background()

	account := a.createAccount(t, "alice")
	if !account.IsValid {
		t.Fatal("new account should start valid")
	}

	dup := a.do(t, http.MethodPost, "/api/accounts", CreateAccountRequest{
		LoginName: "alice", OrganizationID: "org-1", SessionCookie: "x",
	})
	if dup.Code != http.StatusConflict {
		t.Fatalf("duplicate create: status %d", dup.Code)
	}

	bad := a.do(t, http.MethodPost, "/api/accounts", CreateAccountRequest{OrganizationID: "org-1"})
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("create without login: status %d", bad.Code)
	}

	list := a.do(t, http.MethodGet, "/api/accounts", nil)
	if got := decode[map[string]any](t, list)["count"]; got != float64(1) {
		t.Fatalf("count = %v, want 1", got)
	}

	if _, err := a.cache.SetValid(ctx, account.ID, false); err != nil {
		t.Fatalf("SetValid: %v", err)
	}
	refresh := a.do(t, http.MethodPost, "/api/accounts/"+account.ID+"/credentials", CredentialsRequest{SessionCookie: "sessionid=new", CSRFToken: "csrf2"})
	if refresh.Code != http.StatusOK {
		t.Fatalf("refresh credentials: status %d body %s", refresh.Code, refresh.Body.String())
	}
	if got := decode[models.Account](t, refresh); !got.IsValid || got.FailureCount != 0 {
		t.Fatalf("after refresh valid=%v failures=%d", got.IsValid, got.FailureCount)
	}

	remark := "flagship store"
	patch := a.do(t, http.MethodPatch, "/api/accounts/"+account.ID, UpdateAccountRequest{Remark: &remark})
	if patch.Code != http.StatusOK {
		t.Fatalf("patch: status %d body %s", patch.Code, patch.Body.String())
	}
	if got := decode[models.Account](t, patch); got.Remark == nil || *got.Remark != remark {
		t.Fatalf("remark = %v", got.Remark)
	}

	if rr := a.do(t, http.MethodDelete, "/api/accounts/"+account.ID, nil); rr.Code != http.StatusOK {
		t.Fatalf("delete: status %d", rr.Code)
	}
	if rr := a.do(t, http.MethodDelete, "/api/accounts/"+account.ID, nil); rr.Code != http.StatusNotFound {
		t.Fatalf("second delete: status %d, want 404", rr.Code)
	}
}

func TestLiveRooms(t *testing.T) {
	a := newTestAPI(t, stubDatabase{})
	account := a.createAccount(t, "bob")

	if rr := a.do(t, http.MethodGet, "/api/accounts/"+account.ID+"/rooms", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("listing before fetch: status %d, want 404", rr.Code)
	}

	a.client.SetRooms(account.ID, models.RoomInfo{RoomID: "r1", UniqueID: "bob1", UserID: "u1", Nickname: "Bob", Status: models.RoomStatusLive})
	rr := a.do(t, http.MethodGet, "/api/accounts/"+account.ID+"/rooms?refresh=true", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh listing: status %d", rr.Code)
	}
	snapshot := decode[models.RoomSnapshot](t, rr)
	if !snapshot.Success || len(snapshot.Rooms) != 1 || snapshot.Rooms[0].RoomID != "r1" {
		t.Fatalf("snapshot = %+v", snapshot)
	}
}

func TestQueueEndpoints(t *testing.T) {
	a := newTestAPI(t, stubDatabase{})
	account := a.createAccount(t, "carol")
	a.client.SetRooms(account.ID, models.RoomInfo{RoomID: "r1", UniqueID: "carol1", UserID: "u1", Nickname: "Carol", Status: models.RoomStatusLive})

	tests := []struct {
		name       string
		method     string
		path       string
		body       any
		wantStatus int
		wantReason scheduler.QueueReason
	}{
		{name: "add", method: http.MethodPost, path: "/api/monitor/queue", body: QueueRequest{AccountID: account.ID, RoomID: "r1"}, wantStatus: http.StatusCreated},
		{name: "add again", method: http.MethodPost, path: "/api/monitor/queue", body: QueueRequest{AccountID: account.ID, RoomID: "r1"}, wantStatus: http.StatusConflict, wantReason: scheduler.ReasonAlreadyQueued},
		{name: "add unlisted room", method: http.MethodPost, path: "/api/monitor/queue", body: QueueRequest{AccountID: account.ID, RoomID: "r404"}, wantStatus: http.StatusNotFound, wantReason: scheduler.ReasonRoomNotFound},
		{name: "remove", method: http.MethodDelete, path: "/api/monitor/queue/" + account.ID + "/r1", wantStatus: http.StatusOK},
		{name: "remove again", method: http.MethodDelete, path: "/api/monitor/queue/" + account.ID + "/r1", wantStatus: http.StatusNotFound, wantReason: scheduler.ReasonNotInQueue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := a.do(t, tt.method, tt.path, tt.body)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rr.Code, tt.wantStatus, rr.Body.String())
			}
			res := decode[scheduler.QueueResult](t, rr)
			if res.Reason != tt.wantReason {
				t.Fatalf("reason = %q, want %q", res.Reason, tt.wantReason)
			}
		})
	}

	if rr := a.do(t, http.MethodPost, "/api/monitor/queue", QueueRequest{AccountID: account.ID}); rr.Code != http.StatusBadRequest {
		t.Fatalf("enqueue without room: status %d", rr.Code)
	}
}

func TestDeleteAccountDequeuesRooms(t *testing.T) {
	a := newTestAPI(t, stubDatabase{})
	account := a.createAccount(t, "dave")
	a.client.SetRooms(account.ID, models.RoomInfo{RoomID: "r1", UniqueID: "dave1", UserID: "u1", Nickname: "Dave", Status: models.RoomStatusLive})

	if rr := a.do(t, http.MethodPost, "/api/monitor/queue", QueueRequest{AccountID: account.ID, RoomID: "r1"}); rr.Code != http.StatusCreated {
		t.Fatalf("enqueue: status %d", rr.Code)
	}
	rr := a.do(t, http.MethodDelete, "/api/accounts/"+account.ID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("delete: status %d", rr.Code)
	}
	if got := decode[map[string]any](t, rr)["dequeued_rooms"]; got != float64(1) {
		t.Fatalf("dequeued_rooms = %v, want 1", got)
	}
	if n := len(a.monitor.Entries()); n != 0 {
		t.Fatalf("queue has %d entries after account deletion", n)
	}
}

func TestMonitorControl(t *testing.T) {
	a := newTestAPI(t, stubDatabase{})

	if rr := a.do(t, http.MethodPost, "/api/monitor/poll", nil); rr.Code != http.StatusConflict {
		t.Fatalf("poll while stopped: status %d, want 409", rr.Code)
	}

	start := a.do(t, http.MethodPost, "/api/monitor/start", nil)
	if start.Code != http.StatusOK || !decode[MonitorStatus](t, start).Running {
		t.Fatalf("start: status %d", start.Code)
	}
	if rr := a.do(t, http.MethodPost, "/api/monitor/poll", nil); rr.Code != http.StatusOK {
		t.Fatalf("poll while running: status %d, want 200", rr.Code)
	}

	stop := a.do(t, http.MethodPost, "/api/monitor/stop", nil)
	if stop.Code != http.StatusOK || decode[MonitorStatus](t, stop).Running {
		t.Fatalf("stop: status %d", stop.Code)
	}
}

func TestUpdateIntervals(t *testing.T) {
	a := newTestAPI(t, stubDatabase{})
	secs := func(n int) *int { return &n }

	tests := []struct {
		name string
		body IntervalsRequest
		want int
	}{
		{name: "empty", body: IntervalsRequest{}, want: http.StatusBadRequest},
		{name: "too short", body: IntervalsRequest{PollIntervalSeconds: secs(1)}, want: http.StatusBadRequest},
		{name: "poll", body: IntervalsRequest{PollIntervalSeconds: secs(30)}, want: http.StatusOK},
		{name: "credential check", body: IntervalsRequest{CredentialCheckIntervalSeconds: secs(600)}, want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := a.do(t, http.MethodPut, "/api/monitor/intervals", tt.body)
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rr.Code, tt.want, rr.Body.String())
			}
		})
	}

	status := decode[MonitorStatus](t, a.do(t, http.MethodGet, "/api/monitor/status", nil))
	if status.PollIntervalSeconds != 30 || status.CredentialCheckIntervalSeconds != 600 {
		t.Fatalf("status = %+v", status)
	}
}

func TestCheckCredentials(t *testing.T) {
	a := newTestAPI(t, stubDatabase{})
	account := a.createAccount(t, "erin")
	a.client.FailAccount(account.ID, dashboard.ErrCredentialExpired)

	rr := a.do(t, http.MethodPost, "/api/credentials/check", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	report := decode[scheduler.ValidationReport](t, rr)
	if report.Checked != 1 || report.Expired != 1 {
		t.Fatalf("report = %+v", report)
	}
	got, err := a.cache.Get(account.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.IsValid {
		t.Fatal("account still valid after expired probe")
	}
}

func TestDatabaseHealth(t *testing.T) {
	tests := []struct {
		name string
		db   stubDatabase
		want int
	}{
		{name: "disconnected", db: stubDatabase{}, want: http.StatusServiceUnavailable},
		{name: "healthy", db: stubDatabase{initialized: true}, want: http.StatusOK},
		{name: "unhealthy", db: stubDatabase{initialized: true, healthErr: context.DeadlineExceeded}, want: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAPI(t, tt.db)
			if rr := a.do(t, http.MethodGet, "/api/database/health", nil); rr.Code != tt.want {
				t.Fatalf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestEventStream(t *testing.T) {
	a := newTestAPI(t, stubDatabase{})
	srv := httptest.NewServer(a.handler)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/events: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	a.bus.Publish(events.Event{Kind: events.RoomEvicted, AccountID: "a1", RoomID: "r1", Message: "ended"})

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		defer close(lines)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream closed before the event arrived")
			}
			if line == "event: room_evicted" {
				return
			}
		case <-timeout:
			t.Fatal("event not streamed")
		}
	}
}
