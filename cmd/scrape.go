package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/nls/config"
	"github.com/otherjamesbrown/nls/credentials"
	"github.com/otherjamesbrown/nls/pkg/buildinfo"
	"github.com/otherjamesbrown/nls/pkg/detail"
	pferrors "github.com/otherjamesbrown/nls/pkg/errors"
	"github.com/otherjamesbrown/nls/pkg/fetch"
	"github.com/otherjamesbrown/nls/pkg/listing"
	"github.com/otherjamesbrown/nls/pkg/logging"
	"github.com/otherjamesbrown/nls/pkg/lookup"
	"github.com/otherjamesbrown/nls/pkg/observability"
	"github.com/otherjamesbrown/nls/pkg/pipeline"
	"github.com/otherjamesbrown/nls/pkg/store"
	"github.com/otherjamesbrown/nls/pkg/store/memstore"
	"github.com/otherjamesbrown/nls/pkg/upsert"
)

// ScrapeCommandDeps holds the dependencies of the scrape and schedule commands.
type ScrapeCommandDeps struct {
	LoadConfig  func() (*config.Config, error)
	OpenStore   func(context.Context, *config.Config, logging.Logger) (store.Store, error)
	NewRenderer func(*config.Config, logging.Logger) listing.Renderer
	HTTPClient  *http.Client
	Out         io.Writer
}

// DefaultScrapeDeps returns the dependencies used in production.
func DefaultScrapeDeps() *ScrapeCommandDeps {
	return &ScrapeCommandDeps{
		LoadConfig:  config.LoadConfig,
		OpenStore:   connectToStore,
		NewRenderer: newChromeRenderer,
		Out:         os.Stdout,
	}
}

// scrapeFlags are the per-invocation overrides of the scrape command.
type scrapeFlags struct {
	concurrency int
	maxCities   int
	rateLimit   float64
	fromDisk    bool
	storeDSN    string
	dryRun      bool
	metricsAddr string
	output      string
	debug       bool
}

// apply overlays the flags the user set on cfg.
func (f *scrapeFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("concurrency") {
		cfg.Fetch.Concurrency = f.concurrency
	}
	if flags.Changed("max-cities") {
		cfg.Fetch.MaxCities = f.maxCities
	}
	if flags.Changed("rate-limit") {
		cfg.Fetch.RateLimit = f.rateLimit
	}
	if flags.Changed("from-disk") {
		cfg.Site.LoadFromDisk = f.fromDisk
	}
	if f.storeDSN != "" {
		cfg.Store.DSN = f.storeDSN
	}
	if f.dryRun {
		cfg.Store.DSN = schemeMemory
	}
	if f.metricsAddr != "" {
		cfg.Metrics.ListenAddr = f.metricsAddr
	}
	if f.output != "" {
		cfg.OutputFormat = config.OutputFormat(f.output)
	}
	if f.debug {
		cfg.Debug = true
	}
}

func (f *scrapeFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&f.concurrency, "concurrency", "c", config.DefaultConcurrency, "Maximum detail requests in flight")
	cmd.Flags().IntVarP(&f.maxCities, "max-cities", "n", 0, "Scrape only the first N listed cities (0 = all)")
	cmd.Flags().Float64Var(&f.rateLimit, "rate-limit", 0, "Maximum detail requests per second (0 = unlimited)")
	cmd.Flags().BoolVar(&f.fromDisk, "from-disk", false, "Reuse the cached listing page instead of rendering it")
	cmd.Flags().StringVar(&f.storeDSN, "store", "", "Store DSN: postgres://..., sqlite://path or memory://")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "Persist into a throwaway in-memory store")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9102)")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "Summary format: text, json, yaml")
	cmd.Flags().BoolVar(&f.debug, "debug", false, "Enable debug logging")
}

// NewScrapeCommand creates the scrape command.
func NewScrapeCommand() *cobra.Command {
	return newScrapeCommand(DefaultScrapeDeps())
}

func newScrapeCommand(deps *ScrapeCommandDeps) *cobra.Command {
	flags := &scrapeFlags{}

	cmd := &cobra.Command{
		Use:   "scrape",
		Short: "Scrape every listed city and persist it",
		Long: `Scrape the city listing, fetch every city's detail page concurrently and
upsert the extracted records into the store.

The listing page is rendered in headless Chrome (it scrolls until no more
cities load) and cached to disk; --from-disk reuses that cache. A failed or
empty city never stops the run. A store outage aborts it.

Exit status is non-zero when the run is aborted or interrupted.`,
		Example: `  nls scrape
  nls scrape --max-cities 20 --from-disk
  nls scrape --store postgres://nls@localhost/nomadlist --concurrency 16
  nls scrape --dry-run --output json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := deps.LoadConfig()
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			flags.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			logger := newLogger(cfg, "scrape")
			summary, err := runScrape(cmd.Context(), deps, cfg, logger)
			if summary != nil {
				if perr := printSummary(deps.out(cmd), cfg.OutputFormat, summary); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	flags.register(cmd)
	return cmd
}

func (d *ScrapeCommandDeps) out(cmd *cobra.Command) io.Writer {
	if d.Out != nil {
		return d.Out
	}
	return cmd.OutOrStdout()
}

// runScrape performs one complete run: listing, fetch window and persistence.
func runScrape(ctx context.Context, deps *ScrapeCommandDeps, cfg *config.Config, logger logging.Logger) (*pipeline.Summary, error) {
	st, err := deps.OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	defer closeQuietly(st)

	if err := prepareStore(ctx, st, logger); err != nil {
		return nil, err
	}

	if locker, ok := st.(store.WriterLocker); ok {
		release, err := locker.AcquireWriterLock(ctx)
		if err != nil {
			if pferrors.IsLocked(err) {
				return nil, fmt.Errorf("another scrape is writing to this store: %w", err)
			}
			return nil, fmt.Errorf("acquiring writer lock: %w", err)
		}
		defer release()
	}

	reg, metrics := newRegistry(st, logger)
	if cfg.Metrics.ListenAddr != "" {
		metricsCtx, stopMetrics := context.WithCancel(ctx)
		defer stopMetrics()
		serveMetrics(metricsCtx, cfg.Metrics.ListenAddr, reg, logger)
	}
	tracer := observability.NewTracer()

	ref, closeLookup, err := newLookup(ctx, cfg, deps.HTTPClient, logger)
	if err != nil {
		return nil, err
	}
	defer closeLookup()

	publisher, closePublisher := newPublisher(ctx, cfg, logger)
	defer closePublisher()

	cacheFile, err := config.ExpandPath(cfg.Site.ListingCacheFile)
	if err != nil {
		return nil, err
	}
	source, err := listing.NewSource(listing.SourceConfig{
		URL:       cfg.Site.ListingURL,
		CacheFile: cacheFile,
		FromDisk:  cfg.Site.LoadFromDisk,
		MaxCities: cfg.Fetch.MaxCities,
	}, deps.NewRenderer(cfg, logger), logger)
	if err != nil {
		return nil, err
	}
	refs, err := source.Refs(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading listing: %w", err)
	}
	logger.Info("Listing loaded", logging.F("cities", len(refs)), logging.F("store", st.Driver()))

	extractor, err := detail.New(cfg.Site.ListingURL)
	if err != nil {
		return nil, err
	}
	extractor.Logger = logger
	fetcher := fetch.New(fetch.Config{
		Concurrency: cfg.Fetch.Concurrency,
		Timeout:     cfg.Fetch.Timeout,
		Headers:     cfg.Site.Headers,
		UserAgent:   cfg.Fetch.UserAgent,
		RateLimit:   cfg.Fetch.RateLimit,
		Burst:       cfg.Fetch.Burst,
	}, extractor, ref, fetch.Options{
		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracer,
		Client:  deps.HTTPClient,
	})
	engine := upsert.New(st, upsert.Options{
		AtomicRecords: cfg.Persist.AtomicRecords,
		Logger:        logger,
		Metrics:       metrics,
		Tracer:        tracer,
	})
	driver := pipeline.NewDriver(fetcher, engine, pipeline.Options{
		Concurrency: cfg.Fetch.Concurrency,
		Logger:      logger,
		Metrics:     metrics,
		Tracer:      tracer,
		Publisher:   publisher,
		OnProgress:  progressLogger(logger),
	})

	summary, err := driver.Run(ctx, refs)
	if mem, ok := st.(*memstore.Store); ok && summary != nil {
		logger.Info("Dry run finished",
			logging.F("cities", mem.Count(store.TableCities)),
			logging.F("updates", mem.Stats().TotalUpdates()))
	}
	return summary, err
}

// prepareStore applies the embedded schema to a local SQLite file. PostgreSQL
// schemas are managed with "nls db migrate".
func prepareStore(ctx context.Context, st store.Store, logger logging.Logger) error {
	if st.Driver() != "sqlite" {
		return nil
	}
	m, ok := st.(migrator)
	if !ok {
		return nil
	}
	result, err := m.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("migrating sqlite store: %w", err)
	}
	if len(result.Applied) > 0 {
		logger.Info("Applied migrations", logging.F("migrations", result.Applied))
	}
	return nil
}

// newLookup builds the reference lookup: the API client wrapped in a Redis or
// in-process cache, or lookup.Empty when disabled.
func newLookup(ctx context.Context, cfg *config.Config, httpClient *http.Client, logger logging.Logger) (lookup.Lookup, func(), error) {
	noop := func() {}
	if !cfg.Lookup.Enabled {
		return lookup.Empty, noop, nil
	}

	key, err := resolveSecret(func(c *credentials.Credentials) string { return c.LookupAPIKey })
	if err != nil || key == "" {
		logger.Warn("Lookup enabled without an API key; names are kept as scraped", logging.Err(err))
		return lookup.Empty, noop, nil
	}

	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   lookup.DefaultTimeout,
			Transport: &userAgentTransport{base: http.DefaultTransport, agent: buildinfo.UserAgent()},
		}
	}
	client := lookup.NewClient(lookup.ClientConfig{
		BaseURL:   cfg.Lookup.BaseURL,
		AccessKey: key,
		PageSize:  cfg.Lookup.PageSize,
		MaxPages:  cfg.Lookup.MaxPages,
	}, httpClient, logger)

	if !cfg.Redis.Enabled() {
		return lookup.NewCached(client, lookup.NewMemoryCache(), cfg.Lookup.CacheTTL, logger), noop, nil
	}
	rdb, err := connectToRedis(ctx, cfg)
	if err != nil {
		logger.Warn("Redis unavailable; caching lookups in memory", logging.Err(err))
		return lookup.NewCached(client, lookup.NewMemoryCache(), cfg.Lookup.CacheTTL, logger), noop, nil
	}
	cache := lookup.NewRedisCache(rdb, cfg.Redis.KeyPrefix)
	return lookup.NewCached(client, cache, cfg.Lookup.CacheTTL, logger), func() { closeQuietly(rdb) }, nil
}

// newPublisher returns the Redis event publisher, or a no-op one.
func newPublisher(ctx context.Context, cfg *config.Config, logger logging.Logger) (pipeline.EventPublisher, func()) {
	if !cfg.Redis.Enabled() {
		return pipeline.NopPublisher{}, func() {}
	}
	rdb, err := connectToRedis(ctx, cfg)
	if err != nil {
		logger.Warn("Redis unavailable; run events disabled", logging.Err(err))
		return pipeline.NopPublisher{}, func() {}
	}
	return pipeline.NewRedisPublisher(rdb, logger), func() { closeQuietly(rdb) }
}

func newChromeRenderer(cfg *config.Config, logger logging.Logger) listing.Renderer {
	chrome := listing.DefaultChromeConfig()
	chrome.Headless = cfg.Site.Headless
	if cfg.Fetch.UserAgent != "" {
		chrome.UserAgent = cfg.Fetch.UserAgent
	}
	return listing.NewChromeRenderer(chrome, logger)
}

// progressLogger logs every tenth resolved city.
func progressLogger(logger logging.Logger) func(pipeline.ProgressSnapshot) {
	return func(s pipeline.ProgressSnapshot) {
		if s.Processed == 0 || (s.Processed%10 != 0 && s.Processed != s.Total) {
			return
		}
		fields := []logging.Field{
			logging.F("done", s.Processed),
			logging.F("total", s.Total),
			logging.F("percent", fmt.Sprintf("%.0f", s.Percent)),
		}
		if s.EstimatedRemainingSeconds != nil {
			eta := time.Duration(*s.EstimatedRemainingSeconds * float64(time.Second))
			fields = append(fields, logging.F("eta", eta.Round(time.Second).String()))
		}
		logger.Info("Progress", fields...)
	}
}

// printSummary writes the run summary in format.
func printSummary(w io.Writer, format config.OutputFormat, s *pipeline.Summary) error {
	switch format {
	case config.OutputFormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	case config.OutputFormatYAML:
		return yaml.NewEncoder(w).Encode(s)
	}

	fmt.Fprintf(w, "Run %s %s in %s\n", s.RunID, s.Status, s.Duration().Round(time.Millisecond))
	fmt.Fprintf(w, "  Cities:    %d\n", s.Total)
	fmt.Fprintf(w, "  Persisted: %d\n", s.Successes)
	fmt.Fprintf(w, "  Failed:    %d\n", s.Failures)
	fmt.Fprintf(w, "  Empty:     %d\n", s.Empty)
	if s.Filtered > 0 {
		fmt.Fprintf(w, "  Filtered:  %d\n", s.Filtered)
	}
	if s.Error != "" {
		fmt.Fprintf(w, "  Error:     %s\n", s.Error)
	}
	return nil
}

// userAgentTransport stamps a User-Agent on requests that carry none.
type userAgentTransport struct {
	base  http.RoundTripper
	agent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.agent)
	}
	return t.base.RoundTrip(req)
}
