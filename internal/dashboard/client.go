package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/cuixiaotu/lbdm/internal/config"
	"github.com/cuixiaotu/lbdm/internal/models"
)

// Client is the remote metrics API. Calls are stateless; every call carries
// the session of the account it is made for.
type Client interface {
	// Probe is the lightweight call used to detect credential expiry.
	Probe(ctx context.Context, session models.Session) error
	AccountInfo(ctx context.Context, session models.Session) (AccountProfile, error)
	ListRooms(ctx context.Context, session models.Session) ([]models.RoomInfo, error)
	RoomStatus(ctx context.Context, session models.Session, roomID string) (models.RoomAttributes, error)
	RoomMetrics(ctx context.Context, session models.Session, query models.RoomQuery) (models.RoomMetrics, error)
	Flow(ctx context.Context, session models.Session, query models.RoomQuery, scope models.FlowScope) ([]models.FlowItem, error)
	MinuteMetrics(ctx context.Context, session models.Session, query models.RoomQuery) ([]models.MinutePoint, error)
	MinuteWatch(ctx context.Context, session models.Session, query models.RoomQuery) ([]models.MinuteWatchPoint, error)
	Comments(ctx context.Context, session models.Session, query models.RoomQuery) ([]models.Comment, error)
	UserImage(ctx context.Context, session models.Session, query models.RoomQuery, dimension models.ImageDimension) ([]models.ImageBucket, error)
}

// AccountProfile is the account summary returned by the info endpoint.
type AccountProfile struct {
	UserID         string `json:"user_id"`
	Nickname       string `json:"nickname"`
	OrganizationID string `json:"organization_id"`
}

// Endpoint paths relative to the configured base URL.
const (
	pathProbe         = "/api/v1/account/probe"
	pathAccountInfo   = "/api/v1/account/info"
	pathLiveRooms     = "/api/v1/rooms/live"
	pathRoomStatus    = "/api/v1/room/attributes"
	pathRoomMetrics   = "/api/v1/room/metrics"
	pathRoomFlow      = "/api/v1/room/flow"
	pathMinuteMetrics = "/api/v1/room/minute"
	pathMinuteWatch   = "/api/v1/room/minute/watch"
	pathComments      = "/api/v1/room/comments"
	pathUserImage     = "/api/v1/room/user_image"
)

const maxBodyBytes = 8 << 20

// HTTPClient implements Client over the dashboard's JSON API.
type HTTPClient struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
	debug      bool
	logger     *slog.Logger
}

// NewHTTPClient creates a client. debug enables request/response logging.
func NewHTTPClient(cfg config.DashboardConfig, debug bool, logger *slog.Logger) *HTTPClient {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &HTTPClient{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: cfg.UserAgent,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(limit, burst),
		debug:   debug,
		logger:  logger,
	}
}

func (c *HTTPClient) Probe(ctx context.Context, session models.Session) error {
	_, err := get[json.RawMessage](ctx, c, session, pathProbe, nil)
	return err
}

func (c *HTTPClient) AccountInfo(ctx context.Context, session models.Session) (AccountProfile, error) {
	return get[AccountProfile](ctx, c, session, pathAccountInfo, nil)
}

func (c *HTTPClient) ListRooms(ctx context.Context, session models.Session) ([]models.RoomInfo, error) {
	page, err := get[struct {
		Rooms []models.RoomInfo `json:"rooms"`
	}](ctx, c, session, pathLiveRooms, nil)
	if err != nil {
		return nil, err
	}
	return page.Rooms, nil
}

func (c *HTTPClient) RoomStatus(ctx context.Context, session models.Session, roomID string) (models.RoomAttributes, error) {
	params := url.Values{"room_id": {roomID}}
	return get[models.RoomAttributes](ctx, c, session, pathRoomStatus, params)
}

func (c *HTTPClient) RoomMetrics(ctx context.Context, session models.Session, query models.RoomQuery) (models.RoomMetrics, error) {
	return get[models.RoomMetrics](ctx, c, session, pathRoomMetrics, queryParams(query))
}

func (c *HTTPClient) Flow(ctx context.Context, session models.Session, query models.RoomQuery, scope models.FlowScope) ([]models.FlowItem, error) {
	params := queryParams(query)
	params.Set("scope", string(scope))
	return get[[]models.FlowItem](ctx, c, session, pathRoomFlow, params)
}

func (c *HTTPClient) MinuteMetrics(ctx context.Context, session models.Session, query models.RoomQuery) ([]models.MinutePoint, error) {
	return get[[]models.MinutePoint](ctx, c, session, pathMinuteMetrics, queryParams(query))
}

func (c *HTTPClient) MinuteWatch(ctx context.Context, session models.Session, query models.RoomQuery) ([]models.MinuteWatchPoint, error) {
	return get[[]models.MinuteWatchPoint](ctx, c, session, pathMinuteWatch, queryParams(query))
}

func (c *HTTPClient) Comments(ctx context.Context, session models.Session, query models.RoomQuery) ([]models.Comment, error) {
	return get[[]models.Comment](ctx, c, session, pathComments, queryParams(query))
}

func (c *HTTPClient) UserImage(ctx context.Context, session models.Session, query models.RoomQuery, dimension models.ImageDimension) ([]models.ImageBucket, error) {
	params := queryParams(query)
	params.Set("dimension", string(dimension))
	return get[[]models.ImageBucket](ctx, c, session, pathUserImage, params)
}

func queryParams(query models.RoomQuery) url.Values {
	params := url.Values{}
	params.Set("room_id", query.RoomID)
	if query.UniqueID != "" {
		params.Set("unique_id", query.UniqueID)
	}
	if !query.Window.Start.IsZero() {
		params.Set("start_time", strconv.FormatInt(query.Window.Start.Unix(), 10))
	}
	if !query.Window.End.IsZero() {
		params.Set("end_time", strconv.FormatInt(query.Window.End.Unix(), 10))
	}
	return params
}

// get performs one GET request and decodes the envelope into Result[T].
func get[T any](ctx context.Context, c *HTTPClient, session models.Session, path string, params url.Values) (T, error) {
	var zero T

	if err := c.limiter.Wait(ctx); err != nil {
		return zero, fmt.Errorf("dashboard %s: rate limit wait: %w", path, err)
	}

	if params == nil {
		params = url.Values{}
	}
	if session.OrganizationID != "" {
		params.Set("org_id", session.OrganizationID)
	}

	endpoint := c.baseURL + path
	if encoded := params.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return zero, fmt.Errorf("dashboard %s: build request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if session.Cookie != "" {
		req.Header.Set("Cookie", session.Cookie)
	}
	if session.CSRFToken != "" {
		req.Header.Set("X-CSRF-Token", session.CSRFToken)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return zero, fmt.Errorf("dashboard %s: request failed: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return zero, fmt.Errorf("dashboard %s: read body: %w", path, err)
	}

	if c.debug {
		c.logger.Debug("dashboard response",
			"path", path,
			"account_id", session.AccountID,
			"status", resp.StatusCode,
			"duration", time.Since(start),
			"bytes", len(body))
	}

	if resp.StatusCode == http.StatusForbidden {
		return zero, &APIError{Path: path, Code: CodeCredentialExpired, Msg: http.StatusText(resp.StatusCode)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return zero, fmt.Errorf("dashboard %s: unexpected status %d", path, resp.StatusCode)
	}

	var result Result[T]
	if err := json.Unmarshal(body, &result); err != nil {
		return zero, fmt.Errorf("dashboard %s: decode envelope: %w", path, err)
	}
	if err := result.Err(path); err != nil {
		return zero, err
	}
	return result.Data, nil
}
