package ingestion

import (
	"context"
	"time"

	"github.com/cuixiaotu/lbdm/internal/database"
	"github.com/cuixiaotu/lbdm/internal/models"
)

// Remote table names.
const (
	TableRoomMetrics   = "room_metrics"
	TableMinuteMetrics = "room_minute_metrics"
	TableMinuteWatch   = "room_minute_watch"
	TableFlow          = "room_flow"
	TableUserImage     = "room_user_image"
	TableComments      = "room_comments"
)

// RoomRef identifies the room rows are written for.
type RoomRef struct {
	AccountID string
	UniqueID  string
	RoomID    string
}

// Writer turns facet payloads into upsert batches.
type Writer struct {
	sink Sink
	now  func() time.Time
}

// NewWriter creates a writer on sink.
func NewWriter(sink Sink) *Writer {
	return &Writer{sink: sink, now: time.Now}
}

// WriteRoomMetrics upserts the aggregate row for a room.
func (w *Writer) WriteRoomMetrics(ctx context.Context, ref RoomRef, attrs models.RoomAttributes, m models.RoomMetrics) (database.WriteResult, error) {
	return w.sink.UpsertBatch(ctx, database.Batch{
		Table: TableRoomMetrics,
		Columns: []string{
			"unique_id", "room_id", "account_id", "title", "room_status", "started_at", "ended_at",
			"watch_uv", "watch_pv", "max_online", "avg_watch_seconds", "comment_count",
			"like_count", "follow_count", "share_count", "order_count", "gmv", "updated_at",
		},
		Rows: [][]any{{
			ref.UniqueID, ref.RoomID, ref.AccountID, attrs.Title, attrs.Status, nullTime(attrs.StartedAt), nullTime(attrs.EndedAt),
			m.WatchUV, m.WatchPV, m.MaxOnline, m.AvgWatchSeconds, m.CommentCount,
			m.LikeCount, m.FollowCount, m.ShareCount, m.OrderCount, m.GMV, w.now(),
		}},
		ConflictKeys: []string{"unique_id", "room_id"},
		UpdateColumns: []string{
			"account_id", "title", "room_status", "started_at", "ended_at",
			"watch_uv", "watch_pv", "max_online", "avg_watch_seconds", "comment_count",
			"like_count", "follow_count", "share_count", "order_count", "gmv", "updated_at",
		},
	})
}

// WriteMinuteMetrics upserts full per-minute rows.
func (w *Writer) WriteMinuteMetrics(ctx context.Context, ref RoomRef, points []models.MinutePoint) (database.WriteResult, error) {
	now := w.now()
	rows := make([][]any, 0, len(points))
	for _, p := range points {
		rows = append(rows, []any{
			ref.UniqueID, ref.RoomID, p.Minute.UTC(), p.Online, p.EnterCount, p.LeaveCount,
			p.CommentCount, p.LikeCount, p.GMV, now,
		})
	}
	return w.write(ctx, database.Batch{
		Table: TableMinuteMetrics,
		Columns: []string{
			"unique_id", "room_id", "minute", "online", "enter_count", "leave_count",
			"comment_count", "like_count", "gmv", "updated_at",
		},
		Rows:          rows,
		ConflictKeys:  []string{"unique_id", "room_id", "minute"},
		UpdateColumns: []string{"online", "enter_count", "leave_count", "comment_count", "like_count", "gmv", "updated_at"},
	})
}

// WriteMinuteWatch upserts watch-count-only per-minute rows.
func (w *Writer) WriteMinuteWatch(ctx context.Context, ref RoomRef, points []models.MinuteWatchPoint) (database.WriteResult, error) {
	now := w.now()
	rows := make([][]any, 0, len(points))
	for _, p := range points {
		rows = append(rows, []any{ref.UniqueID, ref.RoomID, p.Minute.UTC(), p.WatchCount, now})
	}
	return w.write(ctx, database.Batch{
		Table:         TableMinuteWatch,
		Columns:       []string{"unique_id", "room_id", "minute", "watch_count", "updated_at"},
		Rows:          rows,
		ConflictKeys:  []string{"unique_id", "room_id", "minute"},
		UpdateColumns: []string{"watch_count", "updated_at"},
	})
}

// WriteFlow upserts per-channel traffic for one scope.
func (w *Writer) WriteFlow(ctx context.Context, ref RoomRef, scope models.FlowScope, items []models.FlowItem) (database.WriteResult, error) {
	now := w.now()
	rows := make([][]any, 0, len(items))
	for _, it := range items {
		rows = append(rows, []any{ref.UniqueID, ref.RoomID, string(scope), it.Channel, it.WatchUV, it.Ratio, now})
	}
	return w.write(ctx, database.Batch{
		Table:         TableFlow,
		Columns:       []string{"unique_id", "room_id", "scope", "channel", "watch_uv", "ratio", "updated_at"},
		Rows:          rows,
		ConflictKeys:  []string{"unique_id", "room_id", "scope", "channel"},
		UpdateColumns: []string{"watch_uv", "ratio", "updated_at"},
	})
}

// WriteUserImage upserts the buckets of one audience dimension.
func (w *Writer) WriteUserImage(ctx context.Context, ref RoomRef, dimension models.ImageDimension, buckets []models.ImageBucket) (database.WriteResult, error) {
	now := w.now()
	rows := make([][]any, 0, len(buckets))
	for _, b := range buckets {
		rows = append(rows, []any{ref.UniqueID, ref.RoomID, string(dimension), b.Label, b.Count, b.Ratio, now})
	}
	return w.write(ctx, database.Batch{
		Table:         TableUserImage,
		Columns:       []string{"unique_id", "room_id", "dimension", "label", "count", "ratio", "updated_at"},
		Rows:          rows,
		ConflictKeys:  []string{"unique_id", "room_id", "dimension", "label"},
		UpdateColumns: []string{"count", "ratio", "updated_at"},
	})
}

// WriteComments upserts comments; a stored comment takes the latest nickname
// and content.
func (w *Writer) WriteComments(ctx context.Context, ref RoomRef, comments []models.Comment) (database.WriteResult, error) {
	rows := make([][]any, 0, len(comments))
	for _, c := range comments {
		if c.CommentID == "" {
			continue
		}
		rows = append(rows, []any{ref.RoomID, c.CommentID, ref.UniqueID, c.UserID, c.Nickname, c.Content, c.CreatedAt.UTC()})
	}
	return w.write(ctx, database.Batch{
		Table:        TableComments,
		Columns:      []string{"room_id", "comment_id", "unique_id", "user_id", "nickname", "content", "created_at"},
		Rows:          rows,
		ConflictKeys:  []string{"room_id", "comment_id"},
		UpdateColumns: []string{"nickname", "content"},
	})
}

// write skips empty batches.
func (w *Writer) write(ctx context.Context, b database.Batch) (database.WriteResult, error) {
	if len(b.Rows) == 0 {
		return database.WriteResult{}, nil
	}
	return w.sink.UpsertBatch(ctx, b)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
