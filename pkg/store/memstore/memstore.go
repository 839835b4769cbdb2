// Package memstore is an in-process implementation of store.Store that enforces
// the city schema's unique keys. It backs --dry-run and the engine tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	pferrors "github.com/otherjamesbrown/nls/pkg/errors"
	"github.com/otherjamesbrown/nls/pkg/store"
)

type tableDef struct {
	hasID   bool
	uniques [][]string
}

var schema = map[string]tableDef{
	store.TableRegions:        {hasID: true, uniques: [][]string{{"name"}}},
	store.TableCountries:      {hasID: true, uniques: [][]string{{"name"}}},
	store.TableCities:         {hasID: true, uniques: [][]string{{"name"}}},
	store.TableCategories:     {hasID: true, uniques: [][]string{{"name"}}},
	store.TableAttributes:     {hasID: true, uniques: [][]string{{"name", "category_id"}}},
	store.TableCityAttributes: {uniques: [][]string{{"city_id", "attribute_id"}}},
	store.TableCityMonthly:    {uniques: [][]string{{"city_id", "attribute_id", "month_number"}}},
	store.TablePhotos:         {hasID: true, uniques: [][]string{{"city_id", "src"}}},
	store.TableProsAndCons:    {hasID: true, uniques: [][]string{{"city_id", "description", "kind"}}},
	store.TableReviews:        {hasID: true, uniques: [][]string{{"city_id", "description"}}},
	store.TableRelationships:  {uniques: [][]string{{"city_id", "related_city_id", "relation_type"}}},
}

type row map[string]any

type table struct {
	def     tableDef
	nextID  int64
	rows    []row
	indexes []map[string]int // one per unique key: encoded key -> row position
	inserts int
	updates int
}

// Stats counts committed writes per table.
type Stats struct {
	Inserts map[string]int
	Updates map[string]int
}

// Store is an in-memory store.Store.
type Store struct {
	mu     sync.Mutex
	tables map[string]*table
	faults map[string]error
	undo   []func()
	inTx   bool

	// Now stamps Touch columns; tests may replace it.
	Now func() time.Time
}

var _ store.Store = (*Store)(nil)

// New returns an empty store with the city schema.
func New() *Store {
	s := &Store{
		tables: make(map[string]*table, len(schema)),
		faults: make(map[string]error),
		Now:    time.Now,
	}
	for name, def := range schema {
		t := &table{def: def, nextID: 1}
		for range def.uniques {
			t.indexes = append(t.indexes, map[string]int{})
		}
		s.tables[name] = t
	}
	return s
}

// Driver returns "memory".
func (s *Store) Driver() string { return "memory" }

// Close is a no-op.
func (s *Store) Close() error { return nil }

// InjectFault makes every subsequent write to table fail with err. A nil err clears it.
func (s *Store) InjectFault(table string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, table)
		return
	}
	s.faults[table] = err
}

// Rows returns a copy of every row of table in insertion order.
func (s *Store) Rows(table string) []store.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[table]
	if !ok {
		return nil
	}
	out := make([]store.Row, len(t.rows))
	for i, r := range t.rows {
		cp := make(store.Row, len(r))
		for k, v := range r {
			cp[k] = v
		}
		out[i] = cp
	}
	return out
}

// Count returns the number of rows in table.
func (s *Store) Count(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tables[table]; ok {
		return len(t.rows)
	}
	return 0
}

// Stats returns the insert and update counts per table.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Inserts: map[string]int{}, Updates: map[string]int{}}
	for name, t := range s.tables {
		if t.inserts > 0 {
			st.Inserts[name] = t.inserts
		}
		if t.updates > 0 {
			st.Updates[name] = t.updates
		}
	}
	return st
}

// TotalUpdates sums updates over all tables.
func (st Stats) TotalUpdates() int {
	n := 0
	for _, v := range st.Updates {
		n += v
	}
	return n
}

// InTx runs fn with all writes journaled; a returned error undoes them.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, q store.Querier) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inTx {
		return fmt.Errorf("memstore: nested transaction")
	}
	s.inTx = true
	s.undo = s.undo[:0]
	defer func() { s.inTx = false }()

	if err := fn(ctx, (*txQuerier)(s)); err != nil {
		for i := len(s.undo) - 1; i >= 0; i-- {
			s.undo[i]()
		}
		s.undo = s.undo[:0]
		return err
	}
	s.undo = s.undo[:0]
	return nil
}

// txQuerier runs primitives with the store lock already held by InTx.
type txQuerier Store

func (q *txQuerier) FindByKey(ctx context.Context, table string, key store.Columns, cols []string) (int64, []any, error) {
	return (*Store)(q).findByKey(table, key, cols)
}

func (q *txQuerier) Insert(ctx context.Context, table string, values store.Columns) (int64, error) {
	return (*Store)(q).insert(table, values)
}

func (q *txQuerier) UpdateByID(ctx context.Context, table string, id int64, values store.Columns) error {
	return (*Store)(q).updateByID(table, id, values)
}

func (q *txQuerier) InsertIgnore(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	return (*Store)(q).insertIgnore(table, columns, rows)
}

func (q *txQuerier) UpsertRows(ctx context.Context, spec store.UpsertSpec, rows [][]any) (int64, error) {
	return (*Store)(q).upsertRows(spec, rows)
}

func (q *txQuerier) IDsByName(ctx context.Context, table string, names []string, filter store.Columns) (map[string]int64, error) {
	return (*Store)(q).idsByName(table, names, filter)
}

// FindByKey implements store.Querier.
func (s *Store) FindByKey(ctx context.Context, table string, key store.Columns, cols []string) (int64, []any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findByKey(table, key, cols)
}

// Insert implements store.Querier.
func (s *Store) Insert(ctx context.Context, table string, values store.Columns) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(table, values)
}

// UpdateByID implements store.Querier.
func (s *Store) UpdateByID(ctx context.Context, table string, id int64, values store.Columns) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateByID(table, id, values)
}

// InsertIgnore implements store.Querier.
func (s *Store) InsertIgnore(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertIgnore(table, columns, rows)
}

// UpsertRows implements store.Querier.
func (s *Store) UpsertRows(ctx context.Context, spec store.UpsertSpec, rows [][]any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertRows(spec, rows)
}

// IDsByName implements store.Querier.
func (s *Store) IDsByName(ctx context.Context, table string, names []string, filter store.Columns) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idsByName(table, names, filter)
}

func (s *Store) lookupTable(name string) (*table, error) {
	t, ok := s.tables[name]
	if !ok {
		return nil, fmt.Errorf("memstore: unknown table %q", name)
	}
	return t, nil
}

func (s *Store) writable(name string) (*table, error) {
	if err := s.faults[name]; err != nil {
		return nil, err
	}
	return s.lookupTable(name)
}

func (s *Store) journal(fn func()) {
	if s.inTx {
		s.undo = append(s.undo, fn)
	}
}

func (s *Store) findByKey(tableName string, key store.Columns, cols []string) (int64, []any, error) {
	t, err := s.lookupTable(tableName)
	if err != nil {
		return 0, nil, err
	}
	if !t.def.hasID {
		return 0, nil, fmt.Errorf("memstore: table %q has no id column", tableName)
	}
	pos, ok := t.lookup(key)
	if !ok {
		return 0, nil, pferrors.ErrNotFound
	}
	r := t.rows[pos]
	vals := make([]any, len(cols))
	for i, c := range cols {
		vals[i] = r[c]
	}
	return r["id"].(int64), vals, nil
}

func (s *Store) insert(tableName string, values store.Columns) (int64, error) {
	t, err := s.writable(tableName)
	if err != nil {
		return 0, err
	}
	r := make(row, len(values)+1)
	for _, c := range values {
		r[c.Name] = store.Normalize(c.Value)
	}
	if t.conflicts(r) {
		return 0, fmt.Errorf("memstore: duplicate key in %q: %w", tableName, pferrors.ErrConflict)
	}
	return s.appendRow(t, r), nil
}

func (s *Store) appendRow(t *table, r row) int64 {
	var id int64
	prevNext := t.nextID
	if t.def.hasID {
		id = t.nextID
		t.nextID++
		r["id"] = id
	}
	pos := len(t.rows)
	t.rows = append(t.rows, r)
	t.index(r, pos)
	t.inserts++

	s.journal(func() {
		t.unindex(r)
		t.rows = t.rows[:pos]
		t.nextID = prevNext
		t.inserts--
	})
	return id
}

func (s *Store) updateByID(tableName string, id int64, values store.Columns) error {
	t, err := s.writable(tableName)
	if err != nil {
		return err
	}
	pos, ok := t.lookup(store.Columns{store.Col("id", id)})
	if !ok {
		return fmt.Errorf("memstore: %s id %d: %w", tableName, id, pferrors.ErrNotFound)
	}
	s.updateRow(t, pos, values)
	return nil
}

func (s *Store) updateRow(t *table, pos int, values store.Columns) {
	old := t.rows[pos]
	next := make(row, len(old))
	for k, v := range old {
		next[k] = v
	}
	for _, c := range values {
		next[c.Name] = store.Normalize(c.Value)
	}
	t.unindex(old)
	t.rows[pos] = next
	t.index(next, pos)
	t.updates++

	s.journal(func() {
		t.unindex(next)
		t.rows[pos] = old
		t.index(old, pos)
		t.updates--
	})
}

func (s *Store) insertIgnore(tableName string, columns []string, rows [][]any) (int64, error) {
	t, err := s.writable(tableName)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, values := range rows {
		r := make(row, len(columns)+1)
		for i, c := range columns {
			r[c] = store.Normalize(values[i])
		}
		if t.conflicts(r) {
			continue
		}
		s.appendRow(t, r)
		n++
	}
	return n, nil
}

func (s *Store) upsertRows(spec store.UpsertSpec, rows [][]any) (int64, error) {
	t, err := s.writable(spec.Table)
	if err != nil {
		return 0, err
	}
	update := spec.UpdateColumns()
	var n int64
	for _, values := range rows {
		cols := make(store.Columns, len(spec.Columns))
		for i, c := range spec.Columns {
			cols[i] = store.Col(c, store.Normalize(values[i]))
		}
		key := make(store.Columns, 0, len(spec.Conflict))
		for _, c := range spec.Conflict {
			v, _ := cols.Get(c)
			key = append(key, store.Col(c, v))
		}

		pos, found := t.lookup(key)
		if !found {
			r := make(row, len(cols)+2)
			for _, c := range cols {
				r[c.Name] = c.Value
			}
			if spec.Touch != "" {
				r[spec.Touch] = s.Now()
			}
			s.appendRow(t, r)
			n++
			continue
		}

		changed := false
		set := make(store.Columns, 0, len(update)+1)
		for _, c := range update {
			v, _ := cols.Get(c)
			if !store.Equal(t.rows[pos][c], v) {
				changed = true
			}
			set = append(set, store.Col(c, v))
		}
		if !changed {
			continue
		}
		if spec.Touch != "" {
			set = append(set, store.Col(spec.Touch, s.Now()))
		}
		s.updateRow(t, pos, set)
		n++
	}
	return n, nil
}

func (s *Store) idsByName(tableName string, names []string, filter store.Columns) (map[string]int64, error) {
	t, err := s.lookupTable(tableName)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(names))
	for _, name := range names {
		key := append(store.Columns{store.Col("name", name)}, filter...)
		if pos, ok := t.lookup(key); ok {
			out[name] = t.rows[pos]["id"].(int64)
		}
	}
	return out, nil
}

// lookup finds the row matching key, through a unique index when key covers one.
func (t *table) lookup(key store.Columns) (int, bool) {
	names := key.Names()
	for i, u := range t.def.uniques {
		if sameSet(u, names) {
			r := make(row, len(key))
			for _, c := range key {
				r[c.Name] = store.Normalize(c.Value)
			}
			pos, ok := t.indexes[i][encode(r, u)]
			return pos, ok
		}
	}
	for pos, r := range t.rows {
		match := true
		for _, c := range key {
			if !store.Equal(r[c.Name], c.Value) {
				match = false
				break
			}
		}
		if match {
			return pos, true
		}
	}
	return 0, false
}

func (t *table) conflicts(r row) bool {
	for i, u := range t.def.uniques {
		if _, ok := t.indexes[i][encode(r, u)]; ok {
			return true
		}
	}
	return false
}

func (t *table) index(r row, pos int) {
	for i, u := range t.def.uniques {
		t.indexes[i][encode(r, u)] = pos
	}
}

func (t *table) unindex(r row) {
	for i, u := range t.def.uniques {
		delete(t.indexes[i], encode(r, u))
	}
}

func encode(r row, cols []string) string {
	var sb strings.Builder
	for _, c := range cols {
		fmt.Fprintf(&sb, "%T:%v\x00", r[c], r[c])
	}
	return sb.String()
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}
