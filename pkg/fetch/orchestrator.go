// Package fetch retrieves city detail pages concurrently through a bounded
// sliding window and turns each one into a Result.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/otherjamesbrown/nls/pkg/detail"
	pferrors "github.com/otherjamesbrown/nls/pkg/errors"
	"github.com/otherjamesbrown/nls/pkg/logging"
	"github.com/otherjamesbrown/nls/pkg/lookup"
	"github.com/otherjamesbrown/nls/pkg/observability"
	"github.com/otherjamesbrown/nls/pkg/records"
)

const (
	// DefaultConcurrency is the default size of the request window.
	DefaultConcurrency = 8

	// DefaultTimeout bounds one request including the body read.
	DefaultTimeout = 30 * time.Second

	// DefaultUserAgent is sent when no User-Agent header is configured.
	DefaultUserAgent = "Mozilla/5.0 (compatible; nls/1.0)"

	// MaxBodyBytes caps the size of a detail page read into memory.
	MaxBodyBytes = 16 << 20
)

// DetailExtractor turns detail page markup into a record. It returns
// detail.ErrNoData for a page without content.
type DetailExtractor interface {
	Extract(ctx context.Context, markup []byte, ref lookup.Lookup) (*records.Detail, error)
}

// Config configures an Orchestrator.
type Config struct {
	// Concurrency is the window used when FetchAll is called with a non-positive size.
	Concurrency int

	// Timeout bounds one request. Zero means DefaultTimeout.
	Timeout time.Duration

	// Headers are sent with every request.
	Headers map[string]string

	// UserAgent overrides DefaultUserAgent unless Headers sets one.
	UserAgent string

	// RateLimit is the maximum requests per second across the window. Zero disables it.
	RateLimit float64

	// Burst is the limiter's bucket size. Zero means 1.
	Burst int
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		Concurrency: DefaultConcurrency,
		Timeout:     DefaultTimeout,
		UserAgent:   DefaultUserAgent,
	}
}

// Options carries the collaborators of an Orchestrator.
type Options struct {
	Logger  logging.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Client  *http.Client
}

// Orchestrator issues one GET per reference, at most a window's worth at a time.
type Orchestrator struct {
	cfg       Config
	extractor DetailExtractor
	lookup    lookup.Lookup
	client    *http.Client
	limiter   *rate.Limiter
	logger    logging.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer

	filtered atomic.Int64
}

// New creates an orchestrator. A nil ref is replaced by lookup.Empty.
func New(cfg Config, extractor DetailExtractor, ref lookup.Lookup, opts Options) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if ref == nil {
		ref = lookup.Empty
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewNopMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = observability.NewTracer()
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Orchestrator{
		cfg:       cfg,
		extractor: extractor,
		lookup:    ref,
		client:    opts.Client,
		limiter:   limiter,
		logger:    opts.Logger.With(logging.F("component", "fetch")),
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
	}
}

// Filtered returns how many references the most recent FetchAll dropped as invalid.
func (o *Orchestrator) Filtered() int {
	return int(o.filtered.Load())
}

// FetchAll fetches every valid reference and delivers results in completion order.
// At most concurrency requests are unresolved at once; a slot frees only after its
// result has been received, so the caller must drain the channel until it closes.
// Cancelling ctx stops new requests from being issued.
func (o *Orchestrator) FetchAll(ctx context.Context, refs []EntityRef, concurrency int) <-chan Result {
	if concurrency <= 0 {
		concurrency = o.cfg.Concurrency
	}

	valid := make([]EntityRef, 0, len(refs))
	for _, ref := range refs {
		if err := ref.Validate(); err != nil {
			o.logger.Debug("Reference filtered", logging.F("city", ref.Name), logging.F("url", ref.URL), logging.Err(err))
			continue
		}
		valid = append(valid, ref)
	}
	filtered := len(refs) - len(valid)
	o.filtered.Store(int64(filtered))
	if filtered > 0 {
		o.metrics.FetchFiltered.Add(float64(filtered))
		o.logger.Info("Invalid references dropped", logging.F("filtered", filtered))
	}

	out := make(chan Result)
	sem := semaphore.NewWeighted(int64(concurrency))

	go func() {
		var wg sync.WaitGroup
		defer func() {
			wg.Wait()
			close(out)
		}()

		for i, ref := range valid {
			if ctx.Err() != nil {
				o.logger.Info("Fetch stopped", logging.F("remaining", len(valid)-i))
				return
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				o.logger.Info("Fetch stopped", logging.F("remaining", len(valid)-i))
				return
			}
			wg.Add(1)
			go func(ref EntityRef) {
				defer wg.Done()
				defer sem.Release(1)
				out <- o.fetchOne(ctx, ref)
			}(ref)
		}
	}()

	return out
}

func (o *Orchestrator) fetchOne(ctx context.Context, ref EntityRef) Result {
	start := time.Now()
	o.metrics.FetchInflight.Inc()
	defer o.metrics.FetchInflight.Dec()

	ctx, span := o.tracer.StartFetchSpan(ctx, ref.Name, ref.URL)
	defer span.End()
	sh := observability.NewSpanHelper(span)

	res := o.resolve(ctx, ref)
	res.Elapsed = time.Since(start)

	o.metrics.RecordFetch(string(res.Kind), res.Elapsed.Seconds())
	sh.SetResultKind(string(res.Kind))
	if res.StatusCode != 0 {
		sh.SetStatusCode(res.StatusCode)
	}

	if res.Failed() {
		code := pferrors.CodeOf(res.Err)
		sh.SetError(res.Err, string(code), pferrors.IsRetryable(code))
		o.logger.Warn("Detail fetch failed",
			logging.F("city", ref.Name),
			logging.F("url", ref.URL),
			logging.F("kind", res.Kind),
			logging.F("status", res.StatusCode),
			logging.F("error_code", code),
			logging.Err(res.Err))
		return res
	}

	sh.SetSuccess()
	o.logger.Debug("Detail fetched",
		logging.F("city", ref.Name),
		logging.F("kind", res.Kind),
		logging.F("duration_ms", res.Elapsed.Milliseconds()))
	return res
}

func (o *Orchestrator) resolve(ctx context.Context, ref EntityRef) Result {
	res := Result{Ref: ref}

	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			res.Kind = KindHTTPFailure
			res.Err = entityError(pferrors.ClassifyError(err, pferrors.StageFetch), ref.Name)
			return res
		}
	}

	body, status, err := o.get(ctx, ref.URL)
	res.StatusCode = status
	if err != nil {
		res.Kind = KindHTTPFailure
		res.Err = entityError(pferrors.ClassifyError(err, pferrors.StageFetch), ref.Name)
		return res
	}
	if status < 200 || status > 299 {
		res.Kind = KindHTTPFailure
		res.Err = pferrors.NewHTTPStatus(ref.Name, status)
		return res
	}

	rec, err := o.extractor.Extract(ctx, body, o.lookup)
	switch {
	case errors.Is(err, detail.ErrNoData), err == nil && rec == nil:
		res.Kind = KindEmpty
		return res
	case err != nil:
		res.Kind = KindExtractionFailure
		res.Err = entityError(pferrors.ClassifyError(err, pferrors.StageExtract), ref.Name)
		return res
	}

	if rec.Rank == 0 && ref.Rank > 0 {
		rec.Rank = ref.Rank
	}
	if records.NormalizeName(rec.Name) == "" {
		rec.Name = ref.Name
	}
	res.Kind = KindSuccess
	res.Record = rec
	return res
}

func (o *Orchestrator) get(ctx context.Context, rawURL string) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", o.cfg.UserAgent)
	for k, v := range o.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, resp.StatusCode, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	return body, resp.StatusCode, nil
}

func entityError(pe *pferrors.PipelineError, entity string) *pferrors.PipelineError {
	if pe.Entity == "" {
		pe.Entity = entity
	}
	return pe
}
