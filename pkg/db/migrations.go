package db

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Migration represents a single migration file.
type Migration struct {
	Version string
	Name    string
}

// MigrationResult holds the result of a migration run.
type MigrationResult struct {
	Applied []string
	Skipped []string
	Errors  []error
}

// MigrationStatusEntry represents a single migration in a status report.
type MigrationStatusEntry struct {
	Version   string
	Name      string
	AppliedAt *time.Time // nil for pending, non-nil for applied/drift
}

// MigrationStatus represents the complete status of migrations.
type MigrationStatus struct {
	Applied []MigrationStatusEntry // applied and has file
	Pending []MigrationStatusEntry // has file but not applied
	Drift   []MigrationStatusEntry // applied but no file
}

// MigrationTarget is a database able to record and apply migrations.
type MigrationTarget interface {
	// EnsureMigrationsTable creates the schema_migrations table if it doesn't exist.
	EnsureMigrationsTable(ctx context.Context) error
	// AppliedMigrations returns applied versions with their applied_at timestamps.
	AppliedMigrations(ctx context.Context) (map[string]time.Time, error)
	// ApplyMigration executes sql and records name in one transaction.
	ApplyMigration(ctx context.Context, name, sql string) error
}

// RunMigrations executes all .sql migration files found at the root of fsys.
// Files are executed in alphabetical order (use numeric prefixes like 001_, 002_).
// Applied versions are recorded in schema_migrations and never re-run.
func RunMigrations(ctx context.Context, target MigrationTarget, fsys fs.FS) (*MigrationResult, error) {
	return runMigrations(ctx, target, fsys, "")
}

// RunMigrationsToTarget executes migrations up to and including targetVersion.
func RunMigrationsToTarget(ctx context.Context, target MigrationTarget, fsys fs.FS, targetVersion string) (*MigrationResult, error) {
	if targetVersion == "" {
		return nil, fmt.Errorf("target version is required")
	}
	return runMigrations(ctx, target, fsys, targetVersion)
}

func runMigrations(ctx context.Context, target MigrationTarget, fsys fs.FS, targetVersion string) (*MigrationResult, error) {
	if target == nil {
		return nil, fmt.Errorf("migration target is nil")
	}

	result := &MigrationResult{}

	if err := target.EnsureMigrationsTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}

	migrations, err := findMigrations(fsys)
	if err != nil {
		return nil, fmt.Errorf("failed to find migrations: %w", err)
	}
	if len(migrations) == 0 {
		return result, nil
	}

	last := len(migrations) - 1
	if targetVersion != "" {
		last = -1
		for i, m := range migrations {
			if m.Version == targetVersion {
				last = i
				break
			}
		}
		if last < 0 {
			return nil, fmt.Errorf("target version %s not found in migrations", targetVersion)
		}
	}

	applied, err := target.AppliedMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}

	for _, m := range migrations[:last+1] {
		if _, ok := applied[m.Version]; ok {
			result.Skipped = append(result.Skipped, m.Version)
			continue
		}

		content, err := fs.ReadFile(fsys, m.Name)
		if err != nil {
			return result, fmt.Errorf("failed to read %s: %w", m.Name, err)
		}
		if strings.TrimSpace(string(content)) == "" {
			return result, fmt.Errorf("migration %s is empty", m.Name)
		}

		if err := target.ApplyMigration(ctx, m.Name, string(content)); err != nil {
			err = fmt.Errorf("migration %s failed: %w", m.Version, err)
			result.Errors = append(result.Errors, err)
			return result, err
		}

		result.Applied = append(result.Applied, m.Version)
	}

	return result, nil
}

// findMigrations discovers all .sql files at the root of fsys.
func findMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, err
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".sql") {
			continue
		}
		migrations = append(migrations, Migration{
			Version: strings.TrimSuffix(name, path.Ext(name)),
			Name:    name,
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

// normalizeVersion removes the .sql suffix from a version string for comparison.
func normalizeVersion(v string) string {
	if len(v) > 4 && strings.ToLower(v[len(v)-4:]) == ".sql" {
		return v[:len(v)-4]
	}
	return v
}

// GetPendingMigrations returns the migrations that have not been applied yet.
func GetPendingMigrations(ctx context.Context, target MigrationTarget, fsys fs.FS) ([]Migration, error) {
	status, err := GetMigrationStatus(ctx, target, fsys)
	if err != nil {
		return nil, err
	}
	pending := make([]Migration, 0, len(status.Pending))
	for _, p := range status.Pending {
		pending = append(pending, Migration{Version: p.Version, Name: p.Name})
	}
	return pending, nil
}

// GetMigrationStatus returns a comprehensive status report of all migrations.
// It categorizes migrations into:
// - Applied: migrations that have been applied and have a corresponding file
// - Pending: migrations that have a file but have not been applied
// - Drift: migrations that have been applied but no longer have a corresponding file
func GetMigrationStatus(ctx context.Context, target MigrationTarget, fsys fs.FS) (*MigrationStatus, error) {
	if target == nil {
		return nil, fmt.Errorf("migration target is nil")
	}

	if err := target.EnsureMigrationsTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure migrations table: %w", err)
	}

	migrations, err := findMigrations(fsys)
	if err != nil {
		return nil, fmt.Errorf("failed to find migrations: %w", err)
	}

	appliedMap, err := target.AppliedMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}

	fileVersions := make(map[string]struct{}, len(migrations))
	for _, m := range migrations {
		fileVersions[m.Version] = struct{}{}
	}

	status := &MigrationStatus{
		Applied: []MigrationStatusEntry{},
		Pending: []MigrationStatusEntry{},
		Drift:   []MigrationStatusEntry{},
	}

	for _, m := range migrations {
		if appliedAt, ok := appliedMap[m.Version]; ok {
			status.Applied = append(status.Applied, MigrationStatusEntry{
				Version:   m.Version,
				Name:      m.Name,
				AppliedAt: &appliedAt,
			})
		} else {
			status.Pending = append(status.Pending, MigrationStatusEntry{
				Version: m.Version,
				Name:    m.Name,
			})
		}
	}

	for version, appliedAt := range appliedMap {
		if _, ok := fileVersions[version]; !ok {
			status.Drift = append(status.Drift, MigrationStatusEntry{
				Version:   version,
				Name:      version + ".sql",
				AppliedAt: &appliedAt,
			})
		}
	}
	sort.Slice(status.Drift, func(i, j int) bool {
		return status.Drift[i].Version < status.Drift[j].Version
	})

	return status, nil
}

// PoolTarget applies migrations through a pgx pool.
type PoolTarget struct {
	Pool *pgxpool.Pool
}

// EnsureMigrationsTable creates schema_migrations if needed.
func (t PoolTarget) EnsureMigrationsTable(ctx context.Context) error {
	_, err := t.Pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)
	`)
	return err
}

// AppliedMigrations returns applied versions with timestamps.
func (t PoolTarget) AppliedMigrations(ctx context.Context) (map[string]time.Time, error) {
	applied := make(map[string]time.Time)

	rows, err := t.Pool.Query(ctx, "SELECT version, applied_at FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var version string
		var appliedAt time.Time
		if err := rows.Scan(&version, &appliedAt); err != nil {
			return nil, err
		}
		applied[normalizeVersion(version)] = appliedAt
	}

	return applied, rows.Err()
}

// ApplyMigration executes the migration and records it in one transaction.
func (t PoolTarget) ApplyMigration(ctx context.Context, name, sql string) error {
	tx, err := t.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // nolint: errcheck

	if _, err := tx.Exec(ctx, sql); err != nil {
		return fmt.Errorf("failed to execute SQL: %w", err)
	}
	if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", name); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// SQLTarget applies migrations through database/sql with ? bind markers.
type SQLTarget struct {
	DB *sql.DB
}

// EnsureMigrationsTable creates schema_migrations if needed.
func (t SQLTarget) EnsureMigrationsTable(ctx context.Context) error {
	_, err := t.DB.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// AppliedMigrations returns applied versions with timestamps.
func (t SQLTarget) AppliedMigrations(ctx context.Context) (map[string]time.Time, error) {
	applied := make(map[string]time.Time)

	rows, err := t.DB.QueryContext(ctx, "SELECT version, applied_at FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var version string
		var appliedAt time.Time
		if err := rows.Scan(&version, &appliedAt); err != nil {
			return nil, err
		}
		applied[normalizeVersion(version)] = appliedAt
	}

	return applied, rows.Err()
}

// ApplyMigration executes the migration and records it in one transaction.
func (t SQLTarget) ApplyMigration(ctx context.Context, name, sql string) error {
	tx, err := t.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // nolint: errcheck

	if _, err := tx.ExecContext(ctx, sql); err != nil {
		return fmt.Errorf("failed to execute SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", name); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}
