package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/nls/config"
	"github.com/otherjamesbrown/nls/pkg/store"
)

func testDbDeps(t *testing.T, dsn string) (*DbCommandDeps, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	return &DbCommandDeps{
		LoadConfig: func() (*config.Config, error) {
			cfg := config.DefaultConfig()
			cfg.Store.DSN = dsn
			cfg.Log.Level = "error"
			return cfg, nil
		},
		OpenStore: connectToStore,
		Out:       out,
	}, out
}

func runDb(t *testing.T, deps *DbCommandDeps, args ...string) error {
	t.Helper()
	cmd := newDbCommand(deps)
	cmd.SetArgs(args)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	return cmd.ExecuteContext(context.Background())
}

func TestDbCommand_Subcommands(t *testing.T) {
	cmd := NewDbCommand()
	for _, name := range []string{"migrate", "status", "reset", "drop"} {
		found, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, found.Name())
	}
}

func TestDbMigrate_SQLite(t *testing.T) {
	deps, out := testDbDeps(t, "sqlite://"+filepath.Join(t.TempDir(), "nls.db"))

	require.NoError(t, runDb(t, deps, "migrate", "--dry-run"))
	assert.Contains(t, out.String(), "Would apply")

	out.Reset()
	require.NoError(t, runDb(t, deps, "migrate"))
	assert.Contains(t, out.String(), "Applied ")

	out.Reset()
	require.NoError(t, runDb(t, deps, "migrate"))
	assert.Equal(t, "Schema is up to date.\n", out.String())

	out.Reset()
	require.NoError(t, runDb(t, deps, "status"))
	assert.Contains(t, out.String(), "Pending: 0")
	assert.Contains(t, out.String(), "Store:   sqlite (reachable")
}

func TestDbStatus_JSON(t *testing.T) {
	deps, out := testDbDeps(t, "sqlite://"+filepath.Join(t.TempDir(), "nls.db"))
	require.NoError(t, runDb(t, deps, "migrate"))

	out.Reset()
	require.NoError(t, runDb(t, deps, "status", "-o", "json"))

	var status struct {
		Applied []map[string]any
		Pending []map[string]any
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &status))
	assert.NotEmpty(t, status.Applied)
	assert.Empty(t, status.Pending)
}

func TestDbReset_RequiresForce(t *testing.T) {
	deps, out := testDbDeps(t, "sqlite://"+filepath.Join(t.TempDir(), "nls.db"))

	err := runDb(t, deps, "reset")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--force")

	require.NoError(t, runDb(t, deps, "migrate"))
	out.Reset()
	require.NoError(t, runDb(t, deps, "reset", "--force"))
	assert.Contains(t, out.String(), "Applied ", "reset re-applies the whole schema")
}

func TestDbDrop(t *testing.T) {
	deps, out := testDbDeps(t, "sqlite://"+filepath.Join(t.TempDir(), "nls.db"))
	require.NoError(t, runDb(t, deps, "migrate"))

	require.Error(t, runDb(t, deps, "drop"))

	out.Reset()
	require.NoError(t, runDb(t, deps, "drop", "--force"))
	assert.Contains(t, out.String(), "Dropped")

	out.Reset()
	require.NoError(t, runDb(t, deps, "status"))
	assert.Contains(t, out.String(), "Applied: 0")
}

func TestDb_MemoryStoreHasNoSchema(t *testing.T) {
	deps, _ := testDbDeps(t, "memory://")
	err := runDb(t, deps, "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no schema to manage")
}

func TestDb_StoreFlagOverridesConfig(t *testing.T) {
	deps, _ := testDbDeps(t, "memory://")
	path := filepath.Join(t.TempDir(), "flag.db")
	require.NoError(t, runDb(t, deps, "migrate", "--store", "sqlite://"+path))
	assert.FileExists(t, path)
}

func TestPrintHealth(t *testing.T) {
	var buf bytes.Buffer
	printHealth(&buf, "postgres", store.Health{Error: errors.New("connection refused")})
	assert.Equal(t, "Store:   postgres (unreachable: connection refused)\n", buf.String())
}
