package models

import "time"

// RoomStatusLive is the dashboard's room_status value for a broadcasting room.
// Every other value is treated as not live.
const RoomStatusLive = "2"

// RoomInfo describes one live room as listed by the dashboard.
type RoomInfo struct {
	UserID            string      `json:"user_id"`
	UniqueID          string      `json:"unique_id"` // anchor handle
	Nickname          string      `json:"nickname"`
	RoomID            string      `json:"room_id"`
	Status            string      `json:"room_status"`
	LiveMetrics       LiveMetrics `json:"live_metrics"`
	ObservedStartTime time.Time   `json:"observed_start_time"`
}

// LiveMetrics are the headline counters reported alongside a room listing.
type LiveMetrics struct {
	StartedAt    time.Time `json:"started_at"`
	DurationSec  int64     `json:"duration_sec"`
	WatchCount   int64     `json:"watch_count"`
	CommentCount int64     `json:"comment_count"`
	LikeCount    int64     `json:"like_count"`
	OnlineCount  int64     `json:"online_count"`
	GMV          float64   `json:"gmv"`
}

// IsLive reports whether the room is currently broadcasting.
func (r *RoomInfo) IsLive() bool {
	return r.Status == RoomStatusLive
}

// Complete reports whether every identifying field is present.
func (r *RoomInfo) Complete() bool {
	return r.RoomID != "" && r.UniqueID != "" && r.UserID != "" && r.Nickname != ""
}

// RoomSnapshot is the most recent room listing fetched for an account.
// It is replaced wholesale on every fetch.
type RoomSnapshot struct {
	AccountID      string     `json:"account_id"`
	OrganizationID string     `json:"organization_id"`
	Rooms          []RoomInfo `json:"rooms"`
	FetchedAt      time.Time  `json:"fetched_at"`
	Success        bool       `json:"success"`
	Error          string     `json:"error,omitempty"`
}

// FindRoom returns the listed room with the given id.
func (s *RoomSnapshot) FindRoom(roomID string) (RoomInfo, bool) {
	for _, room := range s.Rooms {
		if room.RoomID == roomID {
			return room, true
		}
	}
	return RoomInfo{}, false
}
