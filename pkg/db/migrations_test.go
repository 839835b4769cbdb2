package db

import (
	"context"
	"errors"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTarget records applied migrations in memory.
type fakeTarget struct {
	applied  map[string]time.Time
	executed []string
	failOn   string
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{applied: map[string]time.Time{}}
}

func (f *fakeTarget) EnsureMigrationsTable(ctx context.Context) error { return nil }

func (f *fakeTarget) AppliedMigrations(ctx context.Context) (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(f.applied))
	for k, v := range f.applied {
		out[normalizeVersion(k)] = v
	}
	return out, nil
}

func (f *fakeTarget) ApplyMigration(ctx context.Context, name, sql string) error {
	if name == f.failOn {
		return errors.New("syntax error")
	}
	f.executed = append(f.executed, name)
	f.applied[name] = time.Now()
	return nil
}

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"002_second.sql": {Data: []byte("CREATE TABLE b (id INT);")},
		"001_first.sql":  {Data: []byte("CREATE TABLE a (id INT);")},
		"003_third.sql":  {Data: []byte("CREATE TABLE c (id INT);")},
		"README.md":      {Data: []byte("not a migration")},
	}
}

func TestNormalizeVersion(t *testing.T) {
	tests := map[string]string{
		"001_test.sql": "001_test",
		"002_test.SQL": "002_test",
		"003_test":     "003_test",
		"":             "",
		".sql":         ".sql",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizeVersion(in), in)
	}
}

func TestFindMigrations(t *testing.T) {
	migrations, err := findMigrations(testFS())
	require.NoError(t, err)
	require.Len(t, migrations, 3)
	assert.Equal(t, "001_first", migrations[0].Version)
	assert.Equal(t, "001_first.sql", migrations[0].Name)
	assert.Equal(t, "003_third", migrations[2].Version)
}

func TestRunMigrations_NilTarget(t *testing.T) {
	_, err := RunMigrations(context.Background(), nil, testFS())
	assert.Error(t, err)
}

func TestRunMigrations(t *testing.T) {
	target := newFakeTarget()

	result, err := RunMigrations(context.Background(), target, testFS())
	require.NoError(t, err)
	assert.Equal(t, []string{"001_first", "002_second", "003_third"}, result.Applied)
	assert.Equal(t, []string{"001_first.sql", "002_second.sql", "003_third.sql"}, target.executed)

	result, err = RunMigrations(context.Background(), target, testFS())
	require.NoError(t, err)
	assert.Empty(t, result.Applied)
	assert.Len(t, result.Skipped, 3)
}

func TestRunMigrations_StopsOnFailure(t *testing.T) {
	target := newFakeTarget()
	target.failOn = "002_second.sql"

	result, err := RunMigrations(context.Background(), target, testFS())
	require.Error(t, err)
	assert.Equal(t, []string{"001_first"}, result.Applied)
	assert.Len(t, result.Errors, 1)
}

func TestRunMigrationsToTarget(t *testing.T) {
	target := newFakeTarget()

	result, err := RunMigrationsToTarget(context.Background(), target, testFS(), "002_second")
	require.NoError(t, err)
	assert.Equal(t, []string{"001_first", "002_second"}, result.Applied)

	_, err = RunMigrationsToTarget(context.Background(), target, testFS(), "999_missing")
	assert.Error(t, err)
}

func TestGetMigrationStatus(t *testing.T) {
	target := newFakeTarget()
	target.applied["001_first.sql"] = time.Now()
	target.applied["000_removed"] = time.Now()

	status, err := GetMigrationStatus(context.Background(), target, testFS())
	require.NoError(t, err)

	require.Len(t, status.Applied, 1)
	assert.Equal(t, "001_first", status.Applied[0].Version)
	assert.NotNil(t, status.Applied[0].AppliedAt)

	require.Len(t, status.Pending, 2)
	assert.Nil(t, status.Pending[0].AppliedAt)

	require.Len(t, status.Drift, 1)
	assert.Equal(t, "000_removed", status.Drift[0].Version)

	pending, err := GetPendingMigrations(context.Background(), target, testFS())
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}
