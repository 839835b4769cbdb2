// Package postgres implements store.Store on PostgreSQL through a pgx pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/otherjamesbrown/nls/migrations"
	"github.com/otherjamesbrown/nls/pkg/db"
	pferrors "github.com/otherjamesbrown/nls/pkg/errors"
	"github.com/otherjamesbrown/nls/pkg/logging"
	"github.com/otherjamesbrown/nls/pkg/store"
	"github.com/otherjamesbrown/nls/pkg/store/sqlbuild"
)

// writerLockKey is the pg_advisory_lock key held by the single writer.
const writerLockKey int64 = 0x6e6c735f77726974

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	querier
	pool   *pgxpool.Pool
	logger logging.Logger
}

var (
	_ store.Store        = (*Store)(nil)
	_ store.WriterLocker = (*Store)(nil)
	_ store.RowQuerier   = (*Store)(nil)
)

// Connection attempts made by Open while the server comes up.
const (
	connectAttempts   = 3
	connectRetryDelay = 2 * time.Second
)

// Open connects to PostgreSQL using cfg.
func Open(ctx context.Context, cfg *db.Config, logger logging.Logger) (*Store, error) {
	pool, err := db.ConnectWithRetry(ctx, cfg, connectAttempts, connectRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return New(pool, logger), nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool, logger logging.Logger) *Store {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Store{
		querier: querier{db: pool, b: sqlbuild.New(sqlbuild.Dollar)},
		pool:    pool,
		logger:  logger.With(logging.F("component", "store.postgres")),
	}
}

// Pool exposes the underlying pool for metrics and migrations.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Driver returns "postgres".
func (s *Store) Driver() string { return "postgres" }

// Close closes the pool.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InTx runs fn in a single transaction.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, q store.Querier) error) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, &querier{db: tx, b: s.b})
	})
	if err != nil {
		return classify("transaction", err)
	}
	return nil
}

// AcquireWriterLock takes a session-level advisory lock on a dedicated connection.
func (s *Store) AcquireWriterLock(ctx context.Context) (func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, classify("acquire writer lock", err)
	}

	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", writerLockKey).Scan(&ok); err != nil {
		conn.Release()
		return nil, classify("acquire writer lock", err)
	}
	if !ok {
		conn.Release()
		return nil, pferrors.ErrLocked
	}

	s.logger.Debug("Writer lock acquired")
	return func() {
		if _, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", writerLockKey); err != nil {
			s.logger.Warn("Failed to release writer lock", logging.Err(err))
		}
		conn.Release()
	}, nil
}

// Migrate applies the embedded PostgreSQL schema.
func (s *Store) Migrate(ctx context.Context) (*db.MigrationResult, error) {
	fsys, err := migrations.For("postgres")
	if err != nil {
		return nil, err
	}
	return db.RunMigrations(ctx, db.PoolTarget{Pool: s.pool}, fsys)
}

// MigrationStatus reports applied, pending and drifted migrations.
func (s *Store) MigrationStatus(ctx context.Context) (*db.MigrationStatus, error) {
	fsys, err := migrations.For("postgres")
	if err != nil {
		return nil, err
	}
	return db.GetMigrationStatus(ctx, db.PoolTarget{Pool: s.pool}, fsys)
}

// DropAll drops every city table and the migration history.
func (s *Store) DropAll(ctx context.Context) error {
	for _, stmt := range sqlbuild.DropTables(true) {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return classify("drop tables", err)
		}
	}
	return nil
}

// Placeholder returns PostgreSQL bind markers.
func (s *Store) Placeholder(i int) string { return sqlbuild.Dollar(i) }

// QueryRows runs a read-only query and returns every row keyed by column name.
func (s *Store) QueryRows(ctx context.Context, query string, args ...any) ([]store.Row, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("query", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []store.Row
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, classify("query", err)
		}
		r := make(store.Row, len(fields))
		for i, f := range fields {
			r[f.Name] = store.Normalize(vals[i])
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("query", err)
	}
	return out, nil
}

type querier struct {
	db dbtx
	b  sqlbuild.Builder
}

func (q *querier) FindByKey(ctx context.Context, table string, key store.Columns, cols []string) (int64, []any, error) {
	sql, args := q.b.FindByKey(table, key, cols)
	rows, err := q.db.Query(ctx, sql, args...)
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
	vals, err := rows.Values()
	if err != nil {
		return 0, nil, classify("find "+table, err)
	}
	id, ok := store.Normalize(vals[0]).(int64)
	if !ok {
		return 0, nil, fmt.Errorf("find %s: unexpected id type %T", table, vals[0])
	}
	return id, vals[1:], nil
}

func (q *querier) Insert(ctx context.Context, table string, values store.Columns) (int64, error) {
	sql, args := q.b.Insert(table, values)
	var id int64
	if err := q.db.QueryRow(ctx, sql, args...).Scan(&id); err != nil {
		return 0, classify("insert "+table, err)
	}
	return id, nil
}

func (q *querier) UpdateByID(ctx context.Context, table string, id int64, values store.Columns) error {
	sql, args := q.b.UpdateByID(table, id, values)
	tag, err := q.db.Exec(ctx, sql, args...)
	if err != nil {
		return classify("update "+table, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update %s id %d: %w", table, id, pferrors.ErrNotFound)
	}
	return nil
}

func (q *querier) InsertIgnore(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	var n int64
	for _, chunk := range sqlbuild.Chunk(rows, len(columns)) {
		sql, args := q.b.InsertIgnore(table, columns, chunk)
		tag, err := q.db.Exec(ctx, sql, args...)
		if err != nil {
			return n, classify("insert "+table, err)
		}
		n += tag.RowsAffected()
	}
	return n, nil
}

func (q *querier) UpsertRows(ctx context.Context, spec store.UpsertSpec, rows [][]any) (int64, error) {
	var n int64
	for _, chunk := range sqlbuild.Chunk(rows, len(spec.Columns)) {
		sql, args := q.b.UpsertRows(spec, chunk)
		tag, err := q.db.Exec(ctx, sql, args...)
		if err != nil {
			return n, classify("upsert "+spec.Table, err)
		}
		n += tag.RowsAffected()
	}
	return n, nil
}

func (q *querier) IDsByName(ctx context.Context, table string, names []string, filter store.Columns) (map[string]int64, error) {
	out := make(map[string]int64, len(names))
	per := sqlbuild.MaxParams - len(filter)
	for start := 0; start < len(names); start += per {
		end := min(start+per, len(names))
		sql, args := q.b.IDsByName(table, names[start:end], filter)
		rows, err := q.db.Query(ctx, sql, args...)
		if err != nil {
			return nil, classify("ids "+table, err)
		}
		for rows.Next() {
			var (
				id   int64
				name string
			)
			if err := rows.Scan(&id, &name); err != nil {
				rows.Close()
				return nil, classify("ids "+table, err)
			}
			out[name] = id
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, classify("ids "+table, err)
		}
	}
	return out, nil
}

// classify wraps err with ErrStorageUnavailable when the server or schema can no
// longer serve writes.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if isFatal(err) {
		return fmt.Errorf("%s: %w: %w", op, pferrors.ErrStorageUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isFatal(err error) bool {
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception
			return true
		case strings.HasPrefix(pgErr.Code, "57P"): // admin/crash shutdown
			return true
		case pgErr.Code == "3D000": // invalid catalog name
			return true
		case pgErr.Code == "42P01": // undefined table
			return true
		case pgErr.Code == "53300": // too many connections
			return true
		}
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	return strings.Contains(err.Error(), "closed pool") || strings.Contains(err.Error(), "conn closed")
}
