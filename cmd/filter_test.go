package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/nls/config"
	"github.com/otherjamesbrown/nls/pkg/logging"
	"github.com/otherjamesbrown/nls/pkg/query"
)

// seededStore scrapes the test site into a sqlite file and returns its DSN.
func seededStore(t *testing.T) string {
	t.Helper()
	srv := newSite(t)
	cfg := testScrapeConfig(t, srv.URL)
	_, err := runScrape(context.Background(), testScrapeDeps(cfg, &fakeRenderer{markup: testListing}, &bytes.Buffer{}), cfg, logging.NewNopLogger())
	require.NoError(t, err)
	return cfg.Store.DSN
}

func runFilter(t *testing.T, dsn string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newFilterCommand(&FilterCommandDeps{
		LoadConfig: func() (*config.Config, error) {
			cfg := config.DefaultConfig()
			cfg.Store.DSN = dsn
			cfg.Log.Level = "error"
			return cfg, nil
		},
		OpenStore: connectToStore,
		Out:       &out,
	})
	cmd.SetArgs(args)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestFilterCommand_Text(t *testing.T) {
	dsn := seededStore(t)

	out, err := runFilter(t, dsn, "--country", "portugal")
	require.NoError(t, err)
	assert.Contains(t, out, "RANK")
	assert.Contains(t, out, "Lisbon")
	assert.Contains(t, out, "Porto")
	assert.Contains(t, out, "2 cities")
}

func TestFilterCommand_JSONRankRange(t *testing.T) {
	dsn := seededStore(t)

	out, err := runFilter(t, dsn, "--rank-from", "2", "-o", "json")
	require.NoError(t, err)

	var cities []query.City
	require.NoError(t, json.Unmarshal([]byte(out), &cities))
	require.Len(t, cities, 1)
	assert.Equal(t, "Porto", cities[0].Name)
}

func TestFilterCommand_NoMatch(t *testing.T) {
	dsn := seededStore(t)

	out, err := runFilter(t, dsn, "--region", "Asia")
	require.NoError(t, err)
	assert.Equal(t, "No cities match.\n", out)
}

func TestFilterCommand_InvalidSort(t *testing.T) {
	_, err := runFilter(t, "memory://", "--sort", "population")
	require.Error(t, err)
}

func TestFilterCommand_MemoryStore(t *testing.T) {
	_, err := runFilter(t, "memory://")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs a SQL store")
}

func TestPrintCities(t *testing.T) {
	rank := int64(4)
	var buf bytes.Buffer
	printCities(&buf, []query.City{
		{Rank: &rank, Name: "Lisbon", Country: "Portugal", Region: "Europe", Fun: "Great"},
		{Name: "Canggu", Country: "Indonesia", Region: "Asia"},
	})
	out := buf.String()
	assert.Contains(t, out, "Great")
	assert.Contains(t, out, "2 cities")
	assert.Regexp(t, `(?m)^-\s+Canggu`, out)
}
