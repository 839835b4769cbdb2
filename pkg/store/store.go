// Package store defines the relational primitives the upsert engine is built on
// and the table names of the city schema. Concrete stores live in the postgres,
// sqlite and memstore subpackages.
package store

import (
	"context"
	"time"
)

// Table names of the city schema.
const (
	TableRegions        = "regions"
	TableCountries      = "countries"
	TableCities         = "cities"
	TableCategories     = "categories"
	TableAttributes     = "attributes"
	TableCityAttributes = "city_attributes"
	TableCityMonthly    = "city_monthly_attributes"
	TablePhotos         = "photos"
	TableProsAndCons    = "pros_and_cons"
	TableReviews        = "reviews"
	TableRelationships  = "city_relationships"
)

// Tables lists every domain table in dependency order (parents first).
var Tables = []string{
	TableRegions,
	TableCountries,
	TableCities,
	TableCategories,
	TableAttributes,
	TableCityAttributes,
	TableCityMonthly,
	TablePhotos,
	TableProsAndCons,
	TableReviews,
	TableRelationships,
}

// Column is one named value bound to a statement.
type Column struct {
	Name  string
	Value any
}

// Col is shorthand for building a Column.
func Col(name string, value any) Column {
	return Column{Name: name, Value: value}
}

// Columns is an ordered set of named values.
type Columns []Column

// Names returns the column names in order.
func (c Columns) Names() []string {
	out := make([]string, len(c))
	for i, col := range c {
		out[i] = col.Name
	}
	return out
}

// Values returns the column values in order.
func (c Columns) Values() []any {
	out := make([]any, len(c))
	for i, col := range c {
		out[i] = col.Value
	}
	return out
}

// Get returns the value of the named column.
func (c Columns) Get(name string) (any, bool) {
	for _, col := range c {
		if col.Name == name {
			return col.Value, true
		}
	}
	return nil, false
}

// UpsertSpec describes a multi-row insert that updates existing rows only when a
// non-key column differs.
type UpsertSpec struct {
	Table string
	// Columns are the inserted columns, in row order.
	Columns []string
	// Conflict are the natural key columns; they must be a subset of Columns.
	Conflict []string
	// Touch names an optional timestamp column set to the current time whenever
	// the row is inserted or actually changed.
	Touch string
}

// UpdateColumns returns the non-key columns of the spec.
func (s UpsertSpec) UpdateColumns() []string {
	key := make(map[string]struct{}, len(s.Conflict))
	for _, c := range s.Conflict {
		key[c] = struct{}{}
	}
	var out []string
	for _, c := range s.Columns {
		if _, ok := key[c]; !ok {
			out = append(out, c)
		}
	}
	return out
}

// Querier is the set of primitives the upsert engine issues inside or outside a
// transaction.
type Querier interface {
	// FindByKey returns the id and the current values of cols for the single row
	// whose key columns equal key. It returns errors.ErrNotFound when no row matches.
	FindByKey(ctx context.Context, table string, key Columns, cols []string) (int64, []any, error)

	// Insert adds one row and returns its generated id.
	Insert(ctx context.Context, table string, values Columns) (int64, error)

	// UpdateByID overwrites the given columns of the row with id.
	UpdateByID(ctx context.Context, table string, id int64, values Columns) error

	// InsertIgnore inserts rows, silently skipping any that violate a unique key.
	// It returns the number of rows actually inserted.
	InsertIgnore(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)

	// UpsertRows inserts rows, updating existing ones only where a non-key value
	// differs. It returns the number of rows inserted or changed.
	UpsertRows(ctx context.Context, spec UpsertSpec, rows [][]any) (int64, error)

	// IDsByName maps each of names to the id of the row with that name, restricted
	// by filter. Names without a row are absent from the result.
	IDsByName(ctx context.Context, table string, names []string, filter Columns) (map[string]int64, error)
}

// Store is a relational store behind the Querier primitives.
type Store interface {
	Querier

	// InTx runs fn inside one transaction. The transaction commits when fn
	// returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(ctx context.Context, q Querier) error) error

	// Driver names the backing engine ("postgres", "sqlite", "memory").
	Driver() string

	// Close releases the store's resources.
	Close() error
}

// WriterLocker is implemented by stores able to guarantee a single writer process.
type WriterLocker interface {
	// AcquireWriterLock takes the store-wide writer lock without waiting. It returns
	// errors.ErrLocked when another process holds it. The returned func releases it.
	AcquireWriterLock(ctx context.Context) (release func(), err error)
}

// Row is one result row keyed by column name.
type Row map[string]any

// RowQuerier is implemented by SQL stores that can run read-only queries.
type RowQuerier interface {
	// Placeholder returns the bind marker for the i-th (1-based) argument.
	Placeholder(i int) string

	// QueryRows runs query and returns all rows.
	QueryRows(ctx context.Context, query string, args ...any) ([]Row, error)
}

// Health reports the reachability of a store.
type Health struct {
	Healthy bool
	Latency time.Duration
	Error   error
}

// Pinger is implemented by stores that can report health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check pings s when it supports it and reports the outcome.
func Check(ctx context.Context, s Store) Health {
	p, ok := s.(Pinger)
	if !ok {
		return Health{Healthy: true}
	}
	start := time.Now()
	err := p.Ping(ctx)
	return Health{Healthy: err == nil, Latency: time.Since(start), Error: err}
}
