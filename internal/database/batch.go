package database

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/lib/pq"
)

// DefaultChunkSize is the number of rows per statement.
const DefaultChunkSize = 10

// highContention lists tables whose writes use a smaller chunk size and run
// at READ COMMITTED on a dedicated connection.
var highContention = map[string]int{
	"room_minute_metrics": 3,
	"room_minute_watch":   3,
}

// IsHighContention reports whether table gets the reduced chunk size.
func IsHighContention(table string) bool {
	_, ok := highContention[table]
	return ok
}

// Batch is a multi-row write against one table.
type Batch struct {
	Table   string
	Columns []string
	Rows    [][]any

	// ConflictKeys turn the insert into an upsert. UpdateColumns are
	// overwritten from the proposed row on conflict; when empty the
	// conflicting row is left untouched.
	ConflictKeys  []string
	UpdateColumns []string

	// ChunkSize overrides DefaultChunkSize. High-contention tables ignore it.
	ChunkSize int
}

// WriteResult sums the outcome of every chunk of a batch.
type WriteResult struct {
	RowsAffected int64
	Chunks       int
}

func (b *Batch) validate(upsert bool) error {
	if b.Table == "" {
		return errors.New("batch: table is required")
	}
	if len(b.Columns) == 0 {
		return fmt.Errorf("batch %s: no columns", b.Table)
	}
	for i, row := range b.Rows {
		if len(row) != len(b.Columns) {
			return fmt.Errorf("batch %s: row %d has %d values, want %d", b.Table, i, len(row), len(b.Columns))
		}
	}
	if upsert && len(b.ConflictKeys) == 0 {
		return fmt.Errorf("batch %s: upsert requires conflict keys", b.Table)
	}
	if upsert {
		if _, err := b.keyIndexes(); err != nil {
			return err
		}
	}
	return nil
}

func (b *Batch) keyIndexes() ([]int, error) {
	idx := make([]int, len(b.ConflictKeys))
	for i, key := range b.ConflictKeys {
		idx[i] = slices.Index(b.Columns, key)
		if idx[i] < 0 {
			return nil, fmt.Errorf("batch %s: conflict key %q is not a column", b.Table, key)
		}
	}
	return idx, nil
}

// collapsed returns the rows with one row per conflict key. The last row for
// a key wins and takes the position of the first. A single statement may not
// touch the same row twice under ON CONFLICT.
func (b *Batch) collapsed() [][]any {
	idx, err := b.keyIndexes()
	if err != nil || len(b.Rows) < 2 {
		return b.Rows
	}

	pos := make(map[string]int, len(b.Rows))
	out := make([][]any, 0, len(b.Rows))
	var key strings.Builder
	for _, row := range b.Rows {
		key.Reset()
		for _, i := range idx {
			fmt.Fprintf(&key, "%v\x00", row[i])
		}
		if at, ok := pos[key.String()]; ok {
			out[at] = row
			continue
		}
		pos[key.String()] = len(out)
		out = append(out, row)
	}
	return out
}

func (b *Batch) chunkSize() int {
	if size, ok := highContention[b.Table]; ok {
		return size
	}
	if b.ChunkSize > 0 {
		return b.ChunkSize
	}
	return DefaultChunkSize
}

// chunks splits rows into consecutive slices of at most chunkSize rows.
func (b *Batch) chunks(rows [][]any) [][][]any {
	size := b.chunkSize()
	out := make([][][]any, 0, (len(rows)+size-1)/size)
	for start := 0; start < len(rows); start += size {
		end := min(start+size, len(rows))
		out = append(out, rows[start:end])
	}
	return out
}

// statement renders one INSERT for rows with positional placeholders.
func (b *Batch) statement(rows [][]any, upsert bool) (string, []any) {
	var sb strings.Builder
	args := make([]any, 0, len(rows)*len(b.Columns))

	sb.WriteString("INSERT INTO ")
	sb.WriteString(pq.QuoteIdentifier(b.Table))
	sb.WriteString(" (")
	sb.WriteString(quoteList(b.Columns))
	sb.WriteString(") VALUES ")

	n := 1
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j, v := range row {
			if j > 0 {
				sb.WriteString(", ")
			}
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			n++
			args = append(args, v)
		}
		sb.WriteByte(')')
	}

	if upsert {
		sb.WriteString(" ON CONFLICT (")
		sb.WriteString(quoteList(b.ConflictKeys))
		sb.WriteString(")")
		if len(b.UpdateColumns) == 0 {
			sb.WriteString(" DO NOTHING")
		} else {
			sb.WriteString(" DO UPDATE SET ")
			for i, col := range b.UpdateColumns {
				if i > 0 {
					sb.WriteString(", ")
				}
				q := pq.QuoteIdentifier(col)
				sb.WriteString(q)
				sb.WriteString(" = EXCLUDED.")
				sb.WriteString(q)
			}
		}
	}

	return sb.String(), args
}

func quoteList(names []string) string {
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = pq.QuoteIdentifier(name)
	}
	return strings.Join(quoted, ", ")
}
