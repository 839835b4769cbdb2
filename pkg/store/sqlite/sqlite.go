// Package sqlite implements store.Store on a local SQLite file through the pure Go
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/otherjamesbrown/nls/migrations"
	"github.com/otherjamesbrown/nls/pkg/db"
	pferrors "github.com/otherjamesbrown/nls/pkg/errors"
	"github.com/otherjamesbrown/nls/pkg/logging"
	"github.com/otherjamesbrown/nls/pkg/store"
	"github.com/otherjamesbrown/nls/pkg/store/sqlbuild"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is a SQLite-backed store.Store.
type Store struct {
	querier
	db     *sql.DB
	logger logging.Logger
}

var (
	_ store.Store      = (*Store)(nil)
	_ store.RowQuerier = (*Store)(nil)
)

// Open opens (creating if needed) the database at path. Use ":memory:" for a
// private in-memory database.
func Open(ctx context.Context, path string, logger logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	dsn := path
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One connection: the harvester has a single writer, and every connection to
	// ":memory:" would otherwise see its own empty database.
	conn.SetMaxOpenConns(1)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	return &Store{
		querier: querier{db: conn, b: sqlbuild.New(sqlbuild.Question)},
		db:      conn,
		logger:  logger.With(logging.F("component", "store.sqlite"), logging.F("path", path)),
	}, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Driver returns "sqlite".
func (s *Store) Driver() string { return "sqlite" }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks that the database is usable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// InTx runs fn in a single transaction.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, q store.Querier) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin", err)
	}
	if err := fn(ctx, &querier{db: tx, b: s.b}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("Rollback failed", logging.Err(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify("commit", err)
	}
	return nil
}

// Migrate applies the embedded SQLite schema.
func (s *Store) Migrate(ctx context.Context) (*db.MigrationResult, error) {
	fsys, err := migrations.For("sqlite")
	if err != nil {
		return nil, err
	}
	return db.RunMigrations(ctx, db.SQLTarget{DB: s.db}, fsys)
}

// MigrationStatus reports applied, pending and drifted migrations.
func (s *Store) MigrationStatus(ctx context.Context) (*db.MigrationStatus, error) {
	fsys, err := migrations.For("sqlite")
	if err != nil {
		return nil, err
	}
	return db.GetMigrationStatus(ctx, db.SQLTarget{DB: s.db}, fsys)
}

// DropAll drops every city table and the migration history.
func (s *Store) DropAll(ctx context.Context) error {
	for _, stmt := range sqlbuild.DropTables(false) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return classify("drop tables", err)
		}
	}
	return nil
}

// Placeholder returns SQLite bind markers.
func (s *Store) Placeholder(i int) string { return sqlbuild.Question(i) }

// QueryRows runs a read-only query and returns every row keyed by column name.
func (s *Store) QueryRows(ctx context.Context, query string, args ...any) ([]store.Row, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("query", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, classify("query", err)
	}
	var out []store.Row
	for rows.Next() {
		vals, err := scanValues(rows, len(cols))
		if err != nil {
			return nil, classify("query", err)
		}
		r := make(store.Row, len(cols))
		for i, c := range cols {
			r[c] = vals[i]
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("query", err)
	}
	return out, nil
}

func scanValues(rows *sql.Rows, n int) ([]any, error) {
	vals := make([]any, n)
	ptrs := make([]any, n)
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	for i, v := range vals {
		vals[i] = store.Normalize(v)
	}
	return vals, nil
}

type querier struct {
	db dbtx
	b  sqlbuild.Builder
}

func (q *querier) FindByKey(ctx context.Context, table string, key store.Columns, cols []string) (int64, []any, error) {
	query, args := q.b.FindByKey(table, key, cols)
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, nil, classify("find "+table, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return 0, nil, classify("find "+table, err)
		}
		return 0, nil, pferrors.ErrNotFound
	}
	vals, err := scanValues(rows, len(cols)+1)
	if err != nil {
		return 0, nil, classify("find "+table, err)
	}
	id, ok := vals[0].(int64)
	if !ok {
		return 0, nil, fmt.Errorf("find %s: unexpected id type %T", table, vals[0])
	}
	return id, vals[1:], nil
}

func (q *querier) Insert(ctx context.Context, table string, values store.Columns) (int64, error) {
	query, args := q.b.Insert(table, values)
	var id int64
	if err := q.db.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, classify("insert "+table, err)
	}
	return id, nil
}

func (q *querier) UpdateByID(ctx context.Context, table string, id int64, values store.Columns) error {
	query, args := q.b.UpdateByID(table, id, values)
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return classify("update "+table, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update %s id %d: %w", table, id, pferrors.ErrNotFound)
	}
	return nil
}

func (q *querier) InsertIgnore(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	var total int64
	for _, chunk := range sqlbuild.Chunk(rows, len(columns)) {
		query, args := q.b.InsertIgnore(table, columns, chunk)
		res, err := q.db.ExecContext(ctx, query, args...)
		if err != nil {
			return total, classify("insert "+table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (q *querier) UpsertRows(ctx context.Context, spec store.UpsertSpec, rows [][]any) (int64, error) {
	var total int64
	for _, chunk := range sqlbuild.Chunk(rows, len(spec.Columns)) {
		query, args := q.b.UpsertRows(spec, chunk)
		res, err := q.db.ExecContext(ctx, query, args...)
		if err != nil {
			return total, classify("upsert "+spec.Table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (q *querier) IDsByName(ctx context.Context, table string, names []string, filter store.Columns) (map[string]int64, error) {
	out := make(map[string]int64, len(names))
	per := sqlbuild.MaxParams - len(filter)
	for start := 0; start < len(names); start += per {
		end := min(start+per, len(names))
		query, args := q.b.IDsByName(table, names[start:end], filter)
		if err := q.collectIDs(ctx, table, query, args, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (q *querier) collectIDs(ctx context.Context, table, query string, args []any, out map[string]int64) error {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return classify("ids "+table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id   int64
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return classify("ids "+table, err)
		}
		out[name] = id
	}
	return classify("ids "+table, rows.Err())
}

// classify wraps err with ErrStorageUnavailable when the database file or schema
// can no longer serve writes.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if isFatal(err) {
		return fmt.Errorf("%s: %w: %w", op, pferrors.ErrStorageUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isFatal(err error) bool {
	if errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_NOTADB, sqlite3.SQLITE_CORRUPT,
			sqlite3.SQLITE_FULL, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_READONLY:
			return true
		}
	}
	return strings.Contains(err.Error(), "no such table") || strings.Contains(err.Error(), "database is closed")
}
