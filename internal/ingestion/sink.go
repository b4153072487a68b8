package ingestion

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cuixiaotu/lbdm/internal/database"
)

// Sink receives facet rows. *database.Manager implements it.
type Sink interface {
	UpsertBatch(ctx context.Context, b database.Batch) (database.WriteResult, error)
}

// MemorySink implements Sink in memory for tests and dry runs. Rows are keyed
// by table and conflict-key values, so repeated upserts overwrite.
type MemorySink struct {
	mu     sync.RWMutex
	tables map[string]map[string]map[string]any
	writes int
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{
		tables: make(map[string]map[string]map[string]any),
	}
}

// UpsertBatch stores every row of b.
func (s *MemorySink) UpsertBatch(ctx context.Context, b database.Batch) (database.WriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, ok := s.tables[b.Table]
	if !ok {
		rows = make(map[string]map[string]any)
		s.tables[b.Table] = rows
	}

	for _, values := range b.Rows {
		row := make(map[string]any, len(b.Columns))
		for i, col := range b.Columns {
			row[col] = values[i]
		}
		rows[rowKey(b.ConflictKeys, row)] = row
	}
	s.writes++

	return database.WriteResult{RowsAffected: int64(len(b.Rows)), Chunks: 1}, nil
}

// Rows returns a copy of every row stored for table.
func (s *MemorySink) Rows(table string) []map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]map[string]any, 0, len(s.tables[table]))
	for _, row := range s.tables[table] {
		cp := make(map[string]any, len(row))
		for k, v := range row {
			cp[k] = v
		}
		out = append(out, cp)
	}
	return out
}

// Writes returns how many batches were received.
func (s *MemorySink) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

func rowKey(keys []string, row map[string]any) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprint(row[k])
	}
	return strings.Join(parts, "\x00")
}
