package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/nls/config"
	"github.com/otherjamesbrown/nls/pkg/listing"
	"github.com/otherjamesbrown/nls/pkg/logging"
	"github.com/otherjamesbrown/nls/pkg/pipeline"
	"github.com/otherjamesbrown/nls/pkg/query"
	"github.com/otherjamesbrown/nls/pkg/store"
	"github.com/otherjamesbrown/nls/pkg/store/sqlite"
)

const testListing = `<html><body><ul>
  <li data-type="city" data-slug="lisbon" data-rank="1"><a href="/lisbon"><h2 class="name">Lisbon</h2></a></li>
  <li data-type="city" data-slug="porto" data-rank="2"><a href="/porto"><h2 class="name">Porto</h2></a></li>
  <li data-type="city" data-slug="atlantis" data-rank="3"><a href="/atlantis"><h2 class="name">Atlantis</h2></a></li>
</ul></body></html>`

func detailPage(name string) string {
	return fmt.Sprintf(`<html><body>
  <div class="breadcrumb"><a data-type="region">Europe</a><a data-type="country">Portugal</a></div>
  <h1 class="city-name">%s</h1>
  <div class="tab-scores"><table>
    <tr><td class="key">Fun</td><td class="value" data-value="8"><span class="filling">Great</span></td></tr>
    <tr><td class="key">Cost</td><td class="value" data-value="2"><span class="filling">Cheap</span></td></tr>
  </table></div>
</body></html>`, name)
}

// fakeRenderer serves fixed listing markup.
type fakeRenderer struct {
	markup string
	calls  int
}

func (r *fakeRenderer) Render(_ context.Context, _ string) ([]byte, error) {
	r.calls++
	return []byte(r.markup), nil
}

// newSite serves detail pages for Lisbon and Porto; every other city is a 404.
func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/lisbon":
			fmt.Fprint(w, detailPage("Lisbon"))
		case "/porto":
			fmt.Fprint(w, detailPage("Porto"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testScrapeConfig(t *testing.T, siteURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Site.ListingURL = siteURL + "/"
	cfg.Site.ListingCacheFile = filepath.Join(dir, "listing.html")
	cfg.Store.DSN = "sqlite://" + filepath.Join(dir, "nls.db")
	cfg.Fetch.Concurrency = 2
	cfg.Log.Level = "error"
	cfg.Lookup.Enabled = false
	cfg.Redis.Addr = ""
	return cfg
}

func testScrapeDeps(cfg *config.Config, renderer *fakeRenderer, out *bytes.Buffer) *ScrapeCommandDeps {
	return &ScrapeCommandDeps{
		LoadConfig:  func() (*config.Config, error) { return cfg, nil },
		OpenStore:   connectToStore,
		NewRenderer: func(*config.Config, logging.Logger) listing.Renderer { return renderer },
		Out:         out,
	}
}

func storedCities(t *testing.T, dsn string) []query.City {
	t.Helper()
	ctx := context.Background()
	st, err := sqlite.Open(ctx, dsn[len(schemeSQLite):], nil)
	require.NoError(t, err)
	defer st.Close()
	cities, err := query.Cities(ctx, st, query.Filter{SortBy: query.SortRank})
	require.NoError(t, err)
	return cities
}

func TestRunScrape_EndToEnd(t *testing.T) {
	srv := newSite(t)
	cfg := testScrapeConfig(t, srv.URL)
	renderer := &fakeRenderer{markup: testListing}
	var out bytes.Buffer

	summary, err := runScrape(context.Background(), testScrapeDeps(cfg, renderer, &out), cfg, logging.NewNopLogger())
	require.NoError(t, err)

	assert.Equal(t, pipeline.StatusCompleted, summary.Status)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Successes)
	assert.Equal(t, 1, summary.Failures, "the 404 is isolated")
	assert.Equal(t, 1, renderer.calls)

	_, err = os.Stat(cfg.Site.ListingCacheFile)
	require.NoError(t, err, "rendered listing is cached")

	cities := storedCities(t, cfg.Store.DSN)
	require.Len(t, cities, 2)
	assert.Equal(t, "Lisbon", cities[0].Name)
	assert.Equal(t, "Portugal", cities[0].Country)
	assert.Equal(t, "Europe", cities[0].Region)
	require.NotNil(t, cities[0].Rank)
	assert.Equal(t, int64(1), *cities[0].Rank)
	assert.Equal(t, "Great", cities[0].Fun)
	assert.Equal(t, "Porto", cities[1].Name)
}

func TestRunScrape_FromDiskAndRerun(t *testing.T) {
	srv := newSite(t)
	cfg := testScrapeConfig(t, srv.URL)
	renderer := &fakeRenderer{markup: testListing}
	deps := testScrapeDeps(cfg, renderer, &bytes.Buffer{})

	_, err := runScrape(context.Background(), deps, cfg, logging.NewNopLogger())
	require.NoError(t, err)

	cfg.Site.LoadFromDisk = true
	cfg.Fetch.MaxCities = 1
	summary, err := runScrape(context.Background(), deps, cfg, logging.NewNopLogger())
	require.NoError(t, err)

	assert.Equal(t, 1, renderer.calls, "second run reads the cached listing")
	assert.Equal(t, 1, summary.Total)
	assert.Equal(t, 1, summary.Successes)
	assert.Len(t, storedCities(t, cfg.Store.DSN), 2, "rerun adds no duplicate cities")
}

func TestScrapeCommand_DryRunJSON(t *testing.T) {
	srv := newSite(t)
	cfg := testScrapeConfig(t, srv.URL)
	var out bytes.Buffer
	cmd := newScrapeCommand(testScrapeDeps(cfg, &fakeRenderer{markup: testListing}, &out))
	cmd.SetArgs([]string{"--dry-run", "--output", "json", "--max-cities", "2"})

	require.NoError(t, cmd.ExecuteContext(context.Background()))

	var summary pipeline.Summary
	require.NoError(t, json.Unmarshal(out.Bytes(), &summary))
	assert.Equal(t, pipeline.StatusCompleted, summary.Status)
	assert.Equal(t, 2, summary.Successes)
	assert.Equal(t, schemeMemory, cfg.Store.DSN)

	_, err := os.Stat(filepath.Join(filepath.Dir(cfg.Site.ListingCacheFile), "nls.db"))
	assert.True(t, os.IsNotExist(err), "dry run never touches the sqlite file")
}

func TestScrapeCommand_Flags(t *testing.T) {
	cmd := NewScrapeCommand()
	for _, name := range []string{"concurrency", "max-cities", "rate-limit", "from-disk", "store", "dry-run", "metrics-addr", "output"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "--%s", name)
	}
}

func TestScrapeCommand_FromDiskRejectedInProduction(t *testing.T) {
	t.Setenv("NLS_ENV", "production")
	srv := newSite(t)
	cfg := testScrapeConfig(t, srv.URL)
	renderer := &fakeRenderer{markup: testListing}
	cmd := newScrapeCommand(testScrapeDeps(cfg, renderer, &bytes.Buffer{}))
	cmd.SetArgs([]string{"--from-disk"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load_from_disk")
	assert.Zero(t, renderer.calls)
}

func TestScrapeFlags_OnlyChangedOverride(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Fetch.Concurrency = 3
	cfg.Fetch.MaxCities = 7

	flags := &scrapeFlags{}
	cmd := &cobra.Command{Use: "scrape"}
	flags.register(cmd)
	require.NoError(t, cmd.Flags().Parse([]string{"--max-cities", "5"}))
	flags.apply(cmd, cfg)

	assert.Equal(t, 3, cfg.Fetch.Concurrency, "unset flag keeps the configured value")
	assert.Equal(t, 5, cfg.Fetch.MaxCities)
}

func TestRunScrape_CancelledReturnsSummary(t *testing.T) {
	srv := newSite(t)
	cfg := testScrapeConfig(t, srv.URL)
	cfg.Store.DSN = schemeMemory
	cfg.Site.LoadFromDisk = true
	require.NoError(t, os.WriteFile(cfg.Site.ListingCacheFile, []byte(testListing), 0600))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := runScrape(ctx, testScrapeDeps(cfg, &fakeRenderer{}, &bytes.Buffer{}), cfg, logging.NewNopLogger())
	require.Error(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, pipeline.StatusCancelled, summary.Status)
	assert.Zero(t, summary.Successes)
}

func TestPrintSummary_Text(t *testing.T) {
	var buf bytes.Buffer
	s := &pipeline.Summary{RunID: "run-1", Status: pipeline.StatusCompleted, Total: 3, Successes: 2, Failures: 1, Filtered: 1}
	require.NoError(t, printSummary(&buf, config.OutputFormatText, s))
	assert.Contains(t, buf.String(), "Run run-1 completed")
	assert.Contains(t, buf.String(), "Persisted: 2")
	assert.Contains(t, buf.String(), "Filtered:  1")
}

func TestConnectToStore(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultConfig()

	cfg.Store.DSN = "memory://"
	st, err := connectToStore(ctx, cfg, logging.NewNopLogger())
	require.NoError(t, err)
	assert.Equal(t, "memory", st.Driver())

	cfg.Store.DSN = "sqlite://" + filepath.Join(t.TempDir(), "sub", "nls.db")
	st, err = connectToStore(ctx, cfg, logging.NewNopLogger())
	require.NoError(t, err)
	defer st.Close()
	assert.Equal(t, "sqlite", st.Driver())
	_, ok := st.(store.RowQuerier)
	assert.True(t, ok)

	cfg.Store.DSN = "mysql://root:secret@db/nls"
	_, err = connectToStore(ctx, cfg, logging.NewNopLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "root:****@db")
	assert.NotContains(t, err.Error(), "secret")
}

func TestUserAgentTransport(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	client := &http.Client{Transport: &userAgentTransport{base: http.DefaultTransport, agent: "nls/test"}}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "nls/test", got)
}
