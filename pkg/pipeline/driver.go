// Package pipeline drives a scrape run: it streams fetch results into the
// upsert engine and accounts for every city.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	pferrors "github.com/otherjamesbrown/nls/pkg/errors"
	"github.com/otherjamesbrown/nls/pkg/fetch"
	"github.com/otherjamesbrown/nls/pkg/logging"
	"github.com/otherjamesbrown/nls/pkg/observability"
	"github.com/otherjamesbrown/nls/pkg/records"
)

// Fetcher streams one result per valid reference. The channel must be drained.
// Filtered is final once FetchAll has returned.
type Fetcher interface {
	FetchAll(ctx context.Context, refs []fetch.EntityRef, concurrency int) <-chan fetch.Result
	Filtered() int
}

// Persister writes one record.
type Persister interface {
	Persist(ctx context.Context, d *records.Detail) error
}

// Summary accounts for one run. Total counts every result received, so
// Total == Successes + Failures + Empty; Filtered references are not in Total.
type Summary struct {
	RunID       string    `json:"run_id" yaml:"run_id"`
	Status      string    `json:"status" yaml:"status"`
	Total       int       `json:"total" yaml:"total"`
	Successes   int       `json:"successes" yaml:"successes"`
	Failures    int       `json:"failures" yaml:"failures"`
	Empty       int       `json:"empty" yaml:"empty"`
	Filtered    int       `json:"filtered" yaml:"filtered"`
	StartedAt   time.Time `json:"started_at" yaml:"started_at"`
	CompletedAt time.Time `json:"completed_at" yaml:"completed_at"`
	Error       string    `json:"error,omitempty" yaml:"error,omitempty"`
}

// Duration is the wall time of the run.
func (s *Summary) Duration() time.Duration {
	if s.CompletedAt.IsZero() {
		return time.Since(s.StartedAt)
	}
	return s.CompletedAt.Sub(s.StartedAt)
}

// Options carries the collaborators of a Driver.
type Options struct {
	Concurrency int
	Logger      logging.Logger
	Metrics     *observability.Metrics
	Tracer      *observability.Tracer
	Publisher   EventPublisher
	OnProgress  func(ProgressSnapshot)
}

// Driver runs listing references through fetch and persistence.
type Driver struct {
	fetcher     Fetcher
	persister   Persister
	concurrency int
	logger      logging.Logger
	metrics     *observability.Metrics
	tracer      *observability.Tracer
	publisher   EventPublisher
	onProgress  func(ProgressSnapshot)

	mu       sync.Mutex
	progress *Progress
}

// NewDriver creates a driver.
func NewDriver(fetcher Fetcher, persister Persister, opts Options) *Driver {
	if opts.Concurrency <= 0 {
		opts.Concurrency = fetch.DefaultConcurrency
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
	if opts.Publisher == nil {
		opts.Publisher = NopPublisher{}
	}
	return &Driver{
		fetcher:     fetcher,
		persister:   persister,
		concurrency: opts.Concurrency,
		logger:      opts.Logger.With(logging.F("component", "pipeline")),
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		publisher:   opts.Publisher,
		onProgress:  opts.OnProgress,
	}
}

// Progress returns the tracker of the current or last run, or nil before the first.
func (d *Driver) Progress() *Progress {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.progress
}

// Run fetches refs and persists every extracted record, one at a time. Per-city
// failures are counted and the run continues. A fatal storage error stops the
// fetch, drains it and is returned with the summary so far; so is the context
// error when ctx is cancelled.
func (d *Driver) Run(ctx context.Context, refs []fetch.EntityRef) (*Summary, error) {
	summary := &Summary{
		RunID:     uuid.New().String(),
		Status:    StatusRunning,
		StartedAt: time.Now(),
	}

	ctx = logging.ContextWithRunID(ctx, summary.RunID)
	logger := d.logger.WithContext(ctx)

	ctx, span := d.tracer.StartRunSpan(ctx, summary.RunID, len(refs), d.concurrency)
	defer span.End()
	sh := observability.NewSpanHelper(span)

	fetchCtx, cancelFetch := context.WithCancel(ctx)
	defer cancelFetch()

	// FetchAll filters invalid references before it returns, so the expected
	// total is known here.
	results := d.fetcher.FetchAll(fetchCtx, refs, d.concurrency)
	expected := max(len(refs)-d.fetcher.Filtered(), 0)

	progress := NewProgress(expected)
	if d.onProgress != nil {
		progress.SetOnUpdate(d.onProgress)
	}
	progress.Start()
	d.mu.Lock()
	d.progress = progress
	d.mu.Unlock()

	logger.Info("Scrape run started",
		logging.F("refs", len(refs)),
		logging.F("expected", expected),
		logging.F("concurrency", d.concurrency))

	var fatal error
	for res := range results {
		if fatal != nil {
			continue
		}
		summary.Total++
		progress.SetCurrent(res.Ref.Name)

		switch res.Kind {
		case fetch.KindSuccess:
			err := d.persister.Persist(ctx, res.Record)
			if err == nil {
				summary.Successes++
				progress.RecordSuccess()
				continue
			}
			summary.Failures++
			progress.RecordFailed()
			if pferrors.IsFatal(err) {
				fatal = err
				cancelFetch()
				logger.Error("Storage unavailable, aborting run",
					logging.F("city", res.Ref.Name),
					logging.Err(err))
				continue
			}
			logger.Warn("Failed to persist city",
				logging.F("city", res.Ref.Name),
				logging.F("error_code", pferrors.CodeOf(err)),
				logging.Err(err))

		case fetch.KindEmpty:
			summary.Empty++
			progress.RecordEmpty()
			logger.Info("Nothing to store for city", logging.F("city", res.Ref.Name))

		default:
			summary.Failures++
			progress.RecordFailed()
		}
	}

	summary.Filtered = d.fetcher.Filtered()
	summary.CompletedAt = time.Now()

	var runErr error
	switch {
	case fatal != nil:
		summary.Status = StatusAborted
		runErr = fatal
	case ctx.Err() != nil:
		summary.Status = StatusCancelled
		runErr = fmt.Errorf("scrape run cancelled: %w", ctx.Err())
	default:
		summary.Status = StatusCompleted
	}
	if runErr != nil {
		summary.Error = runErr.Error()
		code := pferrors.CodeOf(runErr)
		if code == "" && errors.Is(runErr, context.Canceled) {
			code = pferrors.ErrContextCancelled
		}
		sh.SetError(runErr, string(code), false)
	} else {
		sh.SetSuccess()
	}
	progress.Finish(summary.Status)

	d.metrics.RecordRun(summary.Status, summary.Total, summary.Successes, summary.Failures,
		summary.Empty, float64(summary.CompletedAt.Unix()))

	// ctx may already be cancelled here.
	pubCtx, cancelPub := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancelPub()
	if err := d.publisher.PublishRunCompleted(pubCtx, summary); err != nil {
		logger.Warn("Failed to publish run event", logging.Err(err))
	}

	logger.Info("Scrape run finished",
		logging.F("status", summary.Status),
		logging.F("total", summary.Total),
		logging.F("successes", summary.Successes),
		logging.F("failures", summary.Failures),
		logging.F("empty", summary.Empty),
		logging.F("filtered", summary.Filtered),
		logging.F("duration_ms", summary.Duration().Milliseconds()))

	return summary, runErr
}
