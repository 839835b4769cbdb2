// Package sqlbuild renders the statements behind the store primitives. Both SQL
// stores share it; they differ only in the bind marker style.
package sqlbuild

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/otherjamesbrown/nls/pkg/store"
)

// MaxParams caps bind parameters per statement, below SQLite's historical limit.
const MaxParams = 900

// Placeholder renders the bind marker for the i-th (1-based) argument.
type Placeholder func(i int) string

// Dollar renders PostgreSQL-style markers ($1, $2, ...).
func Dollar(i int) string { return "$" + strconv.Itoa(i) }

// Question renders SQLite-style markers.
func Question(int) string { return "?" }

// Quote quotes an identifier.
func Quote(name string) string {
	return pq.QuoteIdentifier(name)
}

func quoteAll(names []string) string {
	q := make([]string, len(names))
	for i, n := range names {
		q[i] = Quote(n)
	}
	return strings.Join(q, ", ")
}

// Builder renders statements for one bind marker style.
type Builder struct {
	ph Placeholder
}

// New returns a Builder using ph for bind markers.
func New(ph Placeholder) Builder {
	return Builder{ph: ph}
}

// Placeholder exposes the builder's bind marker style.
func (b Builder) Placeholder(i int) string {
	return b.ph(i)
}

// FindByKey selects id and cols of the row matching key. Nil key values match NULL.
func (b Builder) FindByKey(table string, key store.Columns, cols []string) (string, []any) {
	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(Quote("id"))
	for _, c := range cols {
		sb.WriteString(", ")
		sb.WriteString(Quote(c))
	}
	sb.WriteString(" FROM ")
	sb.WriteString(Quote(table))

	where, args := b.where(key, 1)
	sb.WriteString(where)
	sb.WriteString(" LIMIT 1")
	return sb.String(), args
}

func (b Builder) where(key store.Columns, start int) (string, []any) {
	if len(key) == 0 {
		return "", nil
	}
	var (
		parts []string
		args  []any
	)
	n := start
	for _, k := range key {
		if k.Value == nil {
			parts = append(parts, Quote(k.Name)+" IS NULL")
			continue
		}
		parts = append(parts, Quote(k.Name)+" = "+b.ph(n))
		args = append(args, k.Value)
		n++
	}
	return " WHERE " + strings.Join(parts, " AND "), args
}

// Insert adds one row and returns its id.
func (b Builder) Insert(table string, values store.Columns) (string, []any) {
	marks := make([]string, len(values))
	for i := range values {
		marks[i] = b.ph(i + 1)
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
		Quote(table), quoteAll(values.Names()), strings.Join(marks, ", "), Quote("id"))
	return q, values.Values()
}

// UpdateByID overwrites values on the row with id.
func (b Builder) UpdateByID(table string, id int64, values store.Columns) (string, []any) {
	sets := make([]string, len(values))
	for i, v := range values {
		sets[i] = Quote(v.Name) + " = " + b.ph(i+1)
	}
	args := append(values.Values(), id)
	q := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s",
		Quote(table), strings.Join(sets, ", "), Quote("id"), b.ph(len(values)+1))
	return q, args
}

// Chunk splits rows so that no statement binds more than MaxParams arguments.
func Chunk(rows [][]any, width int) [][][]any {
	if len(rows) == 0 {
		return nil
	}
	per := MaxParams / max(width, 1)
	if per < 1 {
		per = 1
	}
	var out [][][]any
	for len(rows) > per {
		out = append(out, rows[:per])
		rows = rows[per:]
	}
	return append(out, rows)
}

// values renders a multi-row VALUES list. extra is appended verbatim to every tuple.
func (b Builder) values(rows [][]any, extra string) (string, []any) {
	var (
		sb   strings.Builder
		args []any
	)
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
			sb.WriteString(b.ph(n))
			args = append(args, v)
			n++
		}
		if extra != "" {
			sb.WriteString(", ")
			sb.WriteString(extra)
		}
		sb.WriteByte(')')
	}
	return sb.String(), args
}

// InsertIgnore inserts rows, skipping unique-key violations. Callers chunk rows.
func (b Builder) InsertIgnore(table string, columns []string, rows [][]any) (string, []any) {
	vals, args := b.values(rows, "")
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s ON CONFLICT DO NOTHING",
		Quote(table), quoteAll(columns), vals)
	return q, args
}

// UpsertRows inserts rows and updates the non-key columns of existing rows only
// where at least one of them is distinct from the incoming value. Callers chunk rows.
func (b Builder) UpsertRows(spec store.UpsertSpec, rows [][]any) (string, []any) {
	cols := spec.Columns
	extra := ""
	if spec.Touch != "" {
		cols = append(append([]string(nil), cols...), spec.Touch)
		extra = "CURRENT_TIMESTAMP"
	}
	vals, args := b.values(rows, extra)

	update := spec.UpdateColumns()
	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES %s ON CONFLICT (%s)",
		Quote(spec.Table), quoteAll(cols), vals, quoteAll(spec.Conflict))
	if len(update) == 0 {
		sb.WriteString(" DO NOTHING")
		return sb.String(), args
	}

	sets := make([]string, 0, len(update)+1)
	diffs := make([]string, 0, len(update))
	for _, c := range update {
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", Quote(c), Quote(c)))
		diffs = append(diffs, fmt.Sprintf("%s.%s IS DISTINCT FROM excluded.%s", Quote(spec.Table), Quote(c), Quote(c)))
	}
	if spec.Touch != "" {
		sets = append(sets, Quote(spec.Touch)+" = CURRENT_TIMESTAMP")
	}
	fmt.Fprintf(&sb, " DO UPDATE SET %s WHERE %s", strings.Join(sets, ", "), strings.Join(diffs, " OR "))
	return sb.String(), args
}

// IDsByName selects id and name for the given names, restricted by filter.
// Callers chunk names.
func (b Builder) IDsByName(table string, names []string, filter store.Columns) (string, []any) {
	marks := make([]string, len(names))
	args := make([]any, 0, len(names)+len(filter))
	for i, n := range names {
		marks[i] = b.ph(i + 1)
		args = append(args, n)
	}
	q := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s IN (%s)",
		Quote("id"), Quote("name"), Quote(table), Quote("name"), strings.Join(marks, ", "))
	if len(filter) > 0 {
		where, fargs := b.where(filter, len(names)+1)
		q += " AND " + strings.TrimPrefix(where, " WHERE ")
		args = append(args, fargs...)
	}
	return q, args
}

// DropTables renders DROP statements for every domain table, children first.
func DropTables(cascade bool) []string {
	suffix := ""
	if cascade {
		suffix = " CASCADE"
	}
	out := make([]string, 0, len(store.Tables)+1)
	for i := len(store.Tables) - 1; i >= 0; i-- {
		out = append(out, "DROP TABLE IF EXISTS "+Quote(store.Tables[i])+suffix)
	}
	return append(out, "DROP TABLE IF EXISTS "+Quote("schema_migrations")+suffix)
}
