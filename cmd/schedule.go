package cmd

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/nls/config"
	"github.com/otherjamesbrown/nls/pkg/logging"
)

// NewScheduleCommand creates the schedule command.
func NewScheduleCommand() *cobra.Command {
	return newScheduleCommand(DefaultScrapeDeps())
}

func newScheduleCommand(deps *ScrapeCommandDeps) *cobra.Command {
	var (
		spec     string
		runFirst bool
	)
	flags := &scrapeFlags{}

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run scrapes on a cron schedule",
		Long: `Run "nls scrape" on a cron schedule until interrupted.

The schedule uses the standard five-field cron syntax or a descriptor such
as @daily or "@every 6h". A run that is still going when the next one is due
causes that tick to be skipped. Interrupting waits for the current run to
wind down.`,
		Example: `  nls schedule --cron "0 3 * * *"
  nls schedule --cron "@every 12h" --run-now --store postgres://nls@db/nomadlist`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := deps.LoadConfig()
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			flags.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			logger := newLogger(cfg, "schedule")

			sched, err := newScheduler(spec, logger, func(ctx context.Context) {
				scheduledRun(ctx, deps, cfg, logger)
			})
			if err != nil {
				return err
			}
			return sched.run(cmd.Context(), runFirst)
		},
	}
	cmd.Flags().StringVar(&spec, "cron", "@daily", "Cron schedule of the runs")
	cmd.Flags().BoolVar(&runFirst, "run-now", false, "Start one run immediately")
	flags.register(cmd)
	return cmd
}

func scheduledRun(ctx context.Context, deps *ScrapeCommandDeps, cfg *config.Config, logger logging.Logger) {
	summary, err := runScrape(ctx, deps, cfg, logger)
	if err != nil {
		logger.Error("Scheduled run failed", logging.Err(err))
	}
	if summary != nil {
		if perr := printSummary(deps.Out, cfg.OutputFormat, summary); perr != nil {
			logger.Warn("Failed to print summary", logging.Err(perr))
		}
	}
}

// scheduler fires job on a cron schedule, never overlapping runs.
type scheduler struct {
	cron    *cron.Cron
	spec    string
	job     func(context.Context)
	logger  logging.Logger
	running atomic.Bool
	ctx     context.Context
}

func newScheduler(spec string, logger logging.Logger, job func(context.Context)) (*scheduler, error) {
	parsed, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron schedule %q: %w", spec, err)
	}
	s := &scheduler{
		cron:   cron.New(),
		spec:   spec,
		job:    job,
		logger: logger,
	}
	s.cron.Schedule(parsed, cron.FuncJob(s.tick))
	return s, nil
}

// tick runs the job unless the previous run is still in progress.
func (s *scheduler) tick() {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("Previous run still in progress; skipping tick", logging.F("schedule", s.spec))
		return
	}
	defer s.running.Store(false)
	s.job(s.ctx)
}

// run blocks until ctx ends, then waits for an in-flight job.
func (s *scheduler) run(ctx context.Context, runFirst bool) error {
	s.ctx = ctx
	s.cron.Start()
	s.logger.Info("Scheduler started", logging.F("schedule", s.spec))

	var first sync.WaitGroup
	if runFirst {
		first.Add(1)
		go func() {
			defer first.Done()
			s.tick()
		}()
	}

	<-ctx.Done()
	s.logger.Info("Scheduler stopping")
	<-s.cron.Stop().Done()
	first.Wait()
	return nil
}
