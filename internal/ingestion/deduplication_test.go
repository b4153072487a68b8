package ingestion

import (
	"testing"
	"time"

	"github.com/cuixiaotu/lbdm/internal/models"
)

func comments(ids ...string) []models.Comment {
	out := make([]models.Comment, len(ids))
	for i, id := range ids {
		out[i] = models.Comment{CommentID: id, Content: "c" + id}
	}
	return out
}

func ids(cs []models.Comment) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.CommentID
	}
	return out
}

func TestCommentDeduplicator(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	d := NewCommentDeduplicator(time.Hour)
	d.now = func() time.Time { return now }

	first := d.Filter("r1", comments("1", "2"))
	if len(first) != 2 {
		t.Fatalf("first pass kept %v, want both", ids(first))
	}

	// Unmarked comments come through again.
	if again := d.Filter("r1", comments("1", "2")); len(again) != 2 {
		t.Fatalf("unmarked comments filtered: kept %v", ids(again))
	}

	d.Mark("r1", first)
	next := d.Filter("r1", comments("1", "2", "3"))
	if got := ids(next); len(got) != 1 || got[0] != "3" {
		t.Fatalf("kept %v, want [3]", got)
	}

	// Comment ids are scoped to their room.
	if other := d.Filter("r2", comments("1")); len(other) != 1 {
		t.Fatal("comment of another room filtered")
	}

	now = now.Add(2 * time.Hour)
	if expired := d.Filter("r1", comments("1")); len(expired) != 1 {
		t.Fatal("expired entry still filtered")
	}
	if d.Size() != 0 {
		t.Fatalf("Size = %d after sweep, want 0", d.Size())
	}

	stats := d.Stats()
	if stats.Duplicates != 2 || stats.TotalProcessed != 9 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestCommentDeduplicatorCleanup(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	d := NewCommentDeduplicator(time.Hour)
	d.now = func() time.Time { return now }

	d.Mark("r1", comments("1", ""))
	now = now.Add(10 * time.Minute)
	d.Mark("r1", comments("2"))

	if removed := d.Cleanup(now.Add(-5 * time.Minute)); removed != 1 {
		t.Fatalf("removed %d, want 1", removed)
	}
	if d.Size() != 1 {
		t.Fatalf("Size = %d, want 1", d.Size())
	}
}
