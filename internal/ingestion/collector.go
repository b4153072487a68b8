package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cuixiaotu/lbdm/internal/dashboard"
	"github.com/cuixiaotu/lbdm/internal/database"
	"github.com/cuixiaotu/lbdm/internal/models"
)

// Target is one live room whose facets are collected in a cycle.
type Target struct {
	Session    models.Session
	Room       RoomRef
	Attributes models.RoomAttributes
	Window     models.TimeWindow
}

// FacetResult is the outcome of one facet for one room.
type FacetResult struct {
	Facet    models.Facet
	Rows     int64
	Duration time.Duration
	Err      error
}

// Recorder observes facet outcomes.
type Recorder interface {
	FacetCollected(facet models.Facet, rows int64, d time.Duration, err error)
}

type nopRecorder struct{}

func (nopRecorder) FacetCollected(models.Facet, int64, time.Duration, error) {}

// FacetStatus is the running health of one facet across every room.
type FacetStatus struct {
	Facet          models.Facet  `json:"facet"`
	Healthy        bool          `json:"healthy"`
	LastRun        time.Time     `json:"last_run"`
	LastError      string        `json:"last_error,omitempty"`
	TotalRows      int64         `json:"total_rows"`
	TotalErrors    int64         `json:"total_errors"`
	AverageLatency time.Duration `json:"average_latency"`
}

func (s *FacetStatus) update(res FacetResult, at time.Time) {
	s.LastRun = at
	s.TotalRows += res.Rows
	if res.Err != nil {
		s.Healthy = false
		s.LastError = res.Err.Error()
		s.TotalErrors++
	} else {
		s.Healthy = true
		s.LastError = ""
	}

	if s.AverageLatency == 0 {
		s.AverageLatency = res.Duration
	} else {
		s.AverageLatency = (s.AverageLatency + res.Duration) / 2
	}
}

// Collector fetches every facet of a room from the dashboard and writes it to
// the sink. Facets are independent: one failing never affects another.
type Collector struct {
	client   dashboard.Client
	writer   *Writer
	retry    RetryPolicy
	recorder Recorder
	logger   *slog.Logger
	comments *CommentDeduplicator

	mu     sync.RWMutex
	status map[models.Facet]*FacetStatus
}

// NewCollector creates a collector.
func NewCollector(client dashboard.Client, writer *Writer, logger *slog.Logger) *Collector {
	status := make(map[models.Facet]*FacetStatus, len(models.AllFacets))
	for _, f := range models.AllFacets {
		status[f] = &FacetStatus{Facet: f, Healthy: true}
	}
	return &Collector{
		client:   client,
		writer:   writer,
		retry:    DefaultRetryPolicy(),
		recorder: nopRecorder{},
		logger:   logger,
		comments: NewCommentDeduplicator(commentMemory),
		status:   status,
	}
}

// commentMemory outlives the facet lookback so a comment is never resent
// while it can still be fetched.
const commentMemory = 25 * time.Hour

// SetRecorder registers a facet observer.
func (c *Collector) SetRecorder(r Recorder) {
	if r == nil {
		r = nopRecorder{}
	}
	c.recorder = r
}

// SetRetryPolicy replaces DefaultRetryPolicy.
func (c *Collector) SetRetryPolicy(p RetryPolicy) {
	c.retry = p
}

// CollectAll runs every facet for target concurrently and returns the results
// in models.AllFacets order.
func (c *Collector) CollectAll(ctx context.Context, target Target) []FacetResult {
	results := make([]FacetResult, len(models.AllFacets))

	var wg sync.WaitGroup
	for i, facet := range models.AllFacets {
		wg.Add(1)
		go func(i int, facet models.Facet) {
			defer wg.Done()
			results[i] = c.Collect(ctx, target, facet)
		}(i, facet)
	}
	wg.Wait()

	return results
}

// Collect runs a single facet. A panic inside the facet is reported as its
// error.
func (c *Collector) Collect(ctx context.Context, target Target, facet models.Facet) (res FacetResult) {
	start := time.Now()
	res.Facet = facet

	defer func() {
		if p := recover(); p != nil {
			res.Err = fmt.Errorf("facet %s panicked: %v", facet, p)
		}
		res.Duration = time.Since(start)
		c.finish(target, res)
	}()

	written, err := c.collect(ctx, target, facet)
	res.Rows = written.RowsAffected
	res.Err = err
	return res
}

func (c *Collector) finish(target Target, res FacetResult) {
	c.mu.Lock()
	if s, ok := c.status[res.Facet]; ok {
		s.update(res, time.Now())
	}
	c.mu.Unlock()

	c.recorder.FacetCollected(res.Facet, res.Rows, res.Duration, res.Err)

	if res.Err != nil {
		c.logger.Warn("facet collection failed",
			"facet", res.Facet,
			"account_id", target.Room.AccountID,
			"room_id", target.Room.RoomID,
			"error", res.Err)
		return
	}
	c.logger.Debug("facet collected",
		"facet", res.Facet,
		"room_id", target.Room.RoomID,
		"rows", res.Rows,
		"duration", res.Duration)
}

func (c *Collector) collect(ctx context.Context, t Target, facet models.Facet) (database.WriteResult, error) {
	query := models.RoomQuery{RoomID: t.Room.RoomID, UniqueID: t.Room.UniqueID, Window: t.Window}

	switch facet {
	case models.FacetFlowAll, models.FacetFlowOrganic:
		scope := models.FlowScopeAll
		if facet == models.FacetFlowOrganic {
			scope = models.FlowScopeOrganic
		}
		items, err := fetch(ctx, c.retry, func() ([]models.FlowItem, error) {
			return c.client.Flow(ctx, t.Session, query, scope)
		})
		if err != nil {
			return database.WriteResult{}, err
		}
		return c.writer.WriteFlow(ctx, t.Room, scope, items)

	case models.FacetRoomMetrics:
		m, err := fetch(ctx, c.retry, func() (models.RoomMetrics, error) {
			return c.client.RoomMetrics(ctx, t.Session, query)
		})
		if err != nil {
			return database.WriteResult{}, err
		}
		return c.writer.WriteRoomMetrics(ctx, t.Room, t.Attributes, m)

	case models.FacetMinuteWatch:
		points, err := fetch(ctx, c.retry, func() ([]models.MinuteWatchPoint, error) {
			return c.client.MinuteWatch(ctx, t.Session, query)
		})
		if err != nil {
			return database.WriteResult{}, err
		}
		return c.writer.WriteMinuteWatch(ctx, t.Room, points)

	case models.FacetMinuteFull:
		points, err := fetch(ctx, c.retry, func() ([]models.MinutePoint, error) {
			return c.client.MinuteMetrics(ctx, t.Session, query)
		})
		if err != nil {
			return database.WriteResult{}, err
		}
		return c.writer.WriteMinuteMetrics(ctx, t.Room, points)

	case models.FacetComments:
		comments, err := fetch(ctx, c.retry, func() ([]models.Comment, error) {
			return c.client.Comments(ctx, t.Session, query)
		})
		if err != nil {
			return database.WriteResult{}, err
		}
		fresh := c.comments.Filter(t.Room.RoomID, comments)
		res, err := c.writer.WriteComments(ctx, t.Room, fresh)
		if err == nil {
			c.comments.Mark(t.Room.RoomID, fresh)
		}
		return res, err

	case models.FacetUserImage:
		return c.collectUserImage(ctx, t, query)
	}

	return database.WriteResult{}, fmt.Errorf("unknown facet %q", facet)
}

// collectUserImage writes each dimension that succeeds and joins the errors
// of those that do not.
func (c *Collector) collectUserImage(ctx context.Context, t Target, query models.RoomQuery) (database.WriteResult, error) {
	var total database.WriteResult
	var errs []error

	for _, dim := range models.ImageDimensions {
		buckets, err := fetch(ctx, c.retry, func() ([]models.ImageBucket, error) {
			return c.client.UserImage(ctx, t.Session, query, dim)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", dim, err))
			continue
		}
		res, err := c.writer.WriteUserImage(ctx, t.Room, dim, buckets)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", dim, err))
			continue
		}
		total.RowsAffected += res.RowsAffected
		total.Chunks += res.Chunks
	}

	return total, errors.Join(errs...)
}

// Status returns a snapshot of every facet's health.
func (c *Collector) Status() []FacetStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]FacetStatus, 0, len(c.status))
	for _, s := range c.status {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Facet < out[j].Facet })
	return out
}

// CommentStats reports how many fetched comments were skipped as already
// stored.
func (c *Collector) CommentStats() DeduplicationStats {
	return c.comments.Stats()
}

func fetch[T any](ctx context.Context, policy RetryPolicy, fn func() (T, error)) (T, error) {
	var out T
	err := Retry(ctx, policy, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
