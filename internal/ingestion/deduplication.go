package ingestion

import (
	"sync"
	"time"

	"github.com/cuixiaotu/lbdm/internal/models"
)

// Every poll re-fetches a room's comments from its start, so most of them
// were already written by an earlier cycle.

// DeduplicationStats tracks deduplication metrics.
type DeduplicationStats struct {
	TotalProcessed int     `json:"total_processed"`
	Duplicates     int     `json:"duplicates"`
	Unique         int     `json:"unique"`
	DuplicateRate  float64 `json:"duplicate_rate"`
}

// CommentDeduplicator remembers comments that reached the store so later
// cycles only send new ones. Entries expire after window.
type CommentDeduplicator struct {
	mu        sync.Mutex
	seen      map[commentKey]time.Time
	window    time.Duration
	now       func() time.Time
	lastSweep time.Time
	stats     DeduplicationStats
}

type commentKey struct {
	roomID    string
	commentID string
}

// NewCommentDeduplicator creates an empty deduplicator.
func NewCommentDeduplicator(window time.Duration) *CommentDeduplicator {
	return &CommentDeduplicator{
		seen:   make(map[commentKey]time.Time),
		window: window,
		now:    time.Now,
	}
}

// Filter returns the comments of roomID not yet marked. It does not mark them.
func (d *CommentDeduplicator) Filter(roomID string, comments []models.Comment) []models.Comment {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.sweepLocked(now)

	unique := make([]models.Comment, 0, len(comments))
	for _, c := range comments {
		d.stats.TotalProcessed++
		if at, ok := d.seen[commentKey{roomID, c.CommentID}]; ok && now.Sub(at) < d.window {
			d.stats.Duplicates++
			continue
		}
		unique = append(unique, c)
		d.stats.Unique++
	}

	if d.stats.TotalProcessed > 0 {
		d.stats.DuplicateRate = float64(d.stats.Duplicates) / float64(d.stats.TotalProcessed)
	}
	return unique
}

// Mark records comments as stored. Call it only after a successful write so a
// failed batch is sent again next cycle.
func (d *CommentDeduplicator) Mark(roomID string, comments []models.Comment) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for _, c := range comments {
		if c.CommentID == "" {
			continue
		}
		d.seen[commentKey{roomID, c.CommentID}] = now
	}
}

// Cleanup removes entries marked before olderThan and returns how many.
func (d *CommentDeduplicator) Cleanup(olderThan time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cleanupLocked(olderThan)
}

func (d *CommentDeduplicator) cleanupLocked(olderThan time.Time) int {
	removed := 0
	for key, at := range d.seen {
		if at.Before(olderThan) {
			delete(d.seen, key)
			removed++
		}
	}
	return removed
}

// sweepLocked expires old entries at most four times per window.
func (d *CommentDeduplicator) sweepLocked(now time.Time) {
	if now.Sub(d.lastSweep) < d.window/4 {
		return
	}
	d.lastSweep = now
	d.cleanupLocked(now.Add(-d.window))
}

// Size returns the number of remembered comments.
func (d *CommentDeduplicator) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// Stats returns the current deduplication statistics.
func (d *CommentDeduplicator) Stats() DeduplicationStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}
