package models

import "time"

// Facet names one independently fetched metric category for a room.
type Facet string

const (
	FacetFlowAll     Facet = "flow_all"
	FacetFlowOrganic Facet = "flow_organic"
	FacetRoomMetrics Facet = "room_metrics"
	FacetMinuteWatch Facet = "minute_watch"
	FacetMinuteFull  Facet = "minute_full"
	FacetComments    Facet = "comments"
	FacetUserImage   Facet = "user_image"
)

// AllFacets lists every facet collected per room and poll cycle.
var AllFacets = []Facet{
	FacetFlowAll,
	FacetFlowOrganic,
	FacetRoomMetrics,
	FacetMinuteWatch,
	FacetMinuteFull,
	FacetComments,
	FacetUserImage,
}

// FlowScope selects the traffic population for flow queries.
type FlowScope string

const (
	FlowScopeAll     FlowScope = "all"
	FlowScopeOrganic FlowScope = "organic"
)

// ImageDimension is one audience breakdown of the user-image facet.
type ImageDimension string

const (
	ImageDimensionGender ImageDimension = "gender"
	ImageDimensionAge    ImageDimension = "age"
	ImageDimensionRegion ImageDimension = "region"
)

// ImageDimensions lists the dimensions fetched for the user-image facet.
var ImageDimensions = []ImageDimension{
	ImageDimensionGender,
	ImageDimensionAge,
	ImageDimensionRegion,
}

// TimeWindow bounds a metric query.
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

// RoomQuery identifies the room and window a facet is fetched for.
type RoomQuery struct {
	RoomID   string
	UniqueID string
	Window   TimeWindow
}

// RoomAttributes is the lightweight attribute call used as the liveness check.
type RoomAttributes struct {
	RoomID    string    `json:"room_id"`
	Status    string    `json:"room_status"`
	Title     string    `json:"title"`
	StartedAt time.Time `json:"start_time"`
	EndedAt   time.Time `json:"end_time"`
	CoverURL  string    `json:"cover_url"`
}

// IsLive reports whether the attribute call says the room is broadcasting.
func (a *RoomAttributes) IsLive() bool {
	return a.Status == RoomStatusLive
}

// RoomMetrics is the aggregate metric block for a room.
type RoomMetrics struct {
	WatchUV         int64   `json:"watch_uv"`
	WatchPV         int64   `json:"watch_pv"`
	MaxOnline       int64   `json:"max_online"`
	AvgWatchSeconds float64 `json:"avg_watch_seconds"`
	CommentCount    int64   `json:"comment_count"`
	LikeCount       int64   `json:"like_count"`
	FollowCount     int64   `json:"follow_count"`
	ShareCount      int64   `json:"share_count"`
	OrderCount      int64   `json:"order_count"`
	GMV             float64 `json:"gmv"`
}

// FlowItem is the traffic attributed to one channel.
type FlowItem struct {
	Channel string  `json:"channel"`
	WatchUV int64   `json:"watch_uv"`
	Ratio   float64 `json:"ratio"`
}

// MinutePoint is the full per-minute metric row.
type MinutePoint struct {
	Minute       time.Time `json:"minute"`
	Online       int64     `json:"online"`
	EnterCount   int64     `json:"enter_count"`
	LeaveCount   int64     `json:"leave_count"`
	CommentCount int64     `json:"comment_count"`
	LikeCount    int64     `json:"like_count"`
	GMV          float64   `json:"gmv"`
}

// MinuteWatchPoint is the watch-count-only per-minute row.
type MinuteWatchPoint struct {
	Minute     time.Time `json:"minute"`
	WatchCount int64     `json:"watch_count"`
}

// Comment is one viewer comment.
type Comment struct {
	CommentID string    `json:"comment_id"`
	UserID    string    `json:"user_id"`
	Nickname  string    `json:"nickname"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ImageBucket is one label of a user-image dimension.
type ImageBucket struct {
	Label string  `json:"label"`
	Count int64   `json:"count"`
	Ratio float64 `json:"ratio"`
}
