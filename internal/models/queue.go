package models

import "time"

// QueueKey identifies a monitor queue entry.
type QueueKey struct {
	AccountID string
	RoomID    string
}

// MonitorQueueEntry is one (account, room) pair under active observation.
type MonitorQueueEntry struct {
	RoomID         string    `json:"room_id"`
	AccountID      string    `json:"account_id"`
	AccountName    string    `json:"account_name"`
	OrganizationID string    `json:"organization_id"`
	AnchorNickname string    `json:"anchor_nickname"`
	AddedAt        time.Time `json:"added_at"`
	LastUpdated    time.Time `json:"last_updated"`
	IsActive       bool      `json:"is_active"`
	RoomInfo       RoomInfo  `json:"room_info"`

	// StartSettled is set once RoomInfo.ObservedStartTime has taken its final
	// value at the first poll.
	StartSettled bool `json:"start_settled"`
}

// Key returns the entry's queue key.
func (e *MonitorQueueEntry) Key() QueueKey {
	return QueueKey{AccountID: e.AccountID, RoomID: e.RoomID}
}
