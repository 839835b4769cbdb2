package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/nls/config"
	"github.com/otherjamesbrown/nls/pkg/db"
	"github.com/otherjamesbrown/nls/pkg/logging"
	"github.com/otherjamesbrown/nls/pkg/store"
)

// DbCommandDeps holds the dependencies for database commands.
type DbCommandDeps struct {
	LoadConfig func() (*config.Config, error)
	OpenStore  func(context.Context, *config.Config, logging.Logger) (store.Store, error)
	Out        io.Writer
}

// DefaultDbDeps returns the default dependencies for production use.
func DefaultDbDeps() *DbCommandDeps {
	return &DbCommandDeps{
		LoadConfig: config.LoadConfig,
		OpenStore:  connectToStore,
		Out:        os.Stdout,
	}
}

// dbFlags are shared by every db subcommand.
type dbFlags struct {
	storeDSN string
	output   string
	dryRun   bool
	force    bool
}

// NewDbCommand creates the root db command with all subcommands.
func NewDbCommand() *cobra.Command {
	return newDbCommand(DefaultDbDeps())
}

func newDbCommand(deps *DbCommandDeps) *cobra.Command {
	flags := &dbFlags{}

	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
		Long: `Manage the schema of the city store.

The schema is embedded in the binary, one migration set per dialect
(PostgreSQL and SQLite). Applied migrations are tracked in the
schema_migrations table. A SQLite store is migrated automatically by
"nls scrape"; a PostgreSQL store must be migrated with "nls db migrate".

The store is taken from --store, NLS_STORE_DSN, DATABASE_URL or the
config file, in that order.`,
		Example: `  nls db status
  nls db migrate --store postgres://nls@localhost/nomadlist
  nls db reset --force`,
		Aliases: []string{"database"},
	}
	cmd.PersistentFlags().StringVar(&flags.storeDSN, "store", "", "Store DSN: postgres://... or sqlite://path")
	cmd.PersistentFlags().StringVarP(&flags.output, "output", "o", "", "Output format: text, json, yaml")

	cmd.AddCommand(newDbMigrateCommand(deps, flags))
	cmd.AddCommand(newDbStatusCommand(deps, flags))
	cmd.AddCommand(newDbResetCommand(deps, flags))
	cmd.AddCommand(newDbDropCommand(deps, flags))
	return cmd
}

func newDbMigrateCommand(deps *DbCommandDeps, flags *dbFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Apply every pending migration in filename order. Each migration runs in its
own transaction; the first failure stops the run.

Use --dry-run to list the pending migrations without applying them.`,
		Example: `  nls db migrate
  nls db migrate --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), deps, flags, func(ctx context.Context, m migrator, out io.Writer, format config.OutputFormat) error {
				if flags.dryRun {
					status, err := m.MigrationStatus(ctx)
					if err != nil {
						return fmt.Errorf("reading migration status: %w", err)
					}
					return render(out, format, status.Pending, func(w io.Writer) {
						if len(status.Pending) == 0 {
							fmt.Fprintln(w, "Schema is up to date.")
							return
						}
						fmt.Fprintf(w, "Would apply %d migration(s):\n", len(status.Pending))
						for _, e := range status.Pending {
							fmt.Fprintf(w, "  %s\n", e.Name)
						}
					})
				}

				result, err := m.Migrate(ctx)
				if err != nil {
					return fmt.Errorf("applying migrations: %w", err)
				}
				return render(out, format, result, func(w io.Writer) { printMigrationResult(w, result) })
			})
		},
	}
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Show what would be applied without executing")
	return cmd
}

func newDbStatusCommand(deps *DbCommandDeps, flags *dbFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show database migration status",
		Long: `Show applied and pending migrations, plus drift: migrations recorded as
applied that are no longer part of the binary.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), deps, flags, func(ctx context.Context, m migrator, out io.Writer, format config.OutputFormat) error {
				status, err := m.MigrationStatus(ctx)
				if err != nil {
					return fmt.Errorf("reading migration status: %w", err)
				}
				return render(out, format, status, func(w io.Writer) {
					if st, ok := m.(store.Store); ok {
						printHealth(w, st.Driver(), store.Check(ctx, st))
					}
					printMigrationStatus(w, status)
				})
			})
		},
	}
}

func newDbResetCommand(deps *DbCommandDeps, flags *dbFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop every city table and re-apply the schema",
		Long: `Drop every city table and the migration history, then apply the schema
again. All scraped data is lost. Requires --force.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !flags.force {
				return fmt.Errorf("refusing to reset without --force")
			}
			return withMigrator(cmd.Context(), deps, flags, func(ctx context.Context, m migrator, out io.Writer, format config.OutputFormat) error {
				if err := m.DropAll(ctx); err != nil {
					return fmt.Errorf("dropping tables: %w", err)
				}
				result, err := m.Migrate(ctx)
				if err != nil {
					return fmt.Errorf("applying migrations: %w", err)
				}
				return render(out, format, result, func(w io.Writer) { printMigrationResult(w, result) })
			})
		},
	}
	cmd.Flags().BoolVar(&flags.force, "force", false, "Confirm the destructive reset")
	return cmd
}

func newDbDropCommand(deps *DbCommandDeps, flags *dbFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drop",
		Short: "Drop every city table",
		Long:  `Drop every city table and the migration history. Requires --force.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !flags.force {
				return fmt.Errorf("refusing to drop tables without --force")
			}
			return withMigrator(cmd.Context(), deps, flags, func(ctx context.Context, m migrator, out io.Writer, format config.OutputFormat) error {
				if err := m.DropAll(ctx); err != nil {
					return fmt.Errorf("dropping tables: %w", err)
				}
				fmt.Fprintln(out, "Dropped all city tables.")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&flags.force, "force", false, "Confirm the destructive drop")
	return cmd
}

// withMigrator opens the configured store and runs fn against it.
func withMigrator(ctx context.Context, deps *DbCommandDeps, flags *dbFlags,
	fn func(context.Context, migrator, io.Writer, config.OutputFormat) error) error {
	cfg, err := deps.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if flags.storeDSN != "" {
		cfg.Store.DSN = flags.storeDSN
	}
	if flags.output != "" {
		cfg.OutputFormat = config.OutputFormat(flags.output)
	}
	if !cfg.OutputFormat.IsValid() {
		return fmt.Errorf("invalid output format %q", cfg.OutputFormat)
	}

	logger := newLogger(cfg, "db")
	st, err := deps.OpenStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer closeQuietly(st)

	m, ok := st.(migrator)
	if !ok {
		return fmt.Errorf("the %s store has no schema to manage", st.Driver())
	}
	out := deps.Out
	if out == nil {
		out = os.Stdout
	}
	return fn(ctx, m, out, cfg.OutputFormat)
}

// render writes v as JSON or YAML, or calls text for the text format.
func render(w io.Writer, format config.OutputFormat, v any, text func(io.Writer)) error {
	switch format {
	case config.OutputFormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case config.OutputFormatYAML:
		return yaml.NewEncoder(w).Encode(v)
	default:
		text(w)
		return nil
	}
}

func printMigrationResult(w io.Writer, r *db.MigrationResult) {
	if len(r.Applied) == 0 {
		fmt.Fprintln(w, "Schema is up to date.")
		return
	}
	fmt.Fprintf(w, "Applied %d migration(s):\n", len(r.Applied))
	for _, name := range r.Applied {
		fmt.Fprintf(w, "  %s\n", name)
	}
}

func printHealth(w io.Writer, driver string, h store.Health) {
	if h.Healthy {
		fmt.Fprintf(w, "Store:   %s (reachable, %s)\n", driver, h.Latency.Round(time.Microsecond))
		return
	}
	fmt.Fprintf(w, "Store:   %s (unreachable: %v)\n", driver, h.Error)
}

func printMigrationStatus(w io.Writer, s *db.MigrationStatus) {
	fmt.Fprintf(w, "Applied: %d\n", len(s.Applied))
	for _, e := range s.Applied {
		at := ""
		if e.AppliedAt != nil {
			at = e.AppliedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "  %-24s %s\n", e.Name, at)
	}
	fmt.Fprintf(w, "Pending: %d\n", len(s.Pending))
	for _, e := range s.Pending {
		fmt.Fprintf(w, "  %s\n", e.Name)
	}
	if len(s.Drift) > 0 {
		fmt.Fprintf(w, "Drift:   %d (applied, missing from this binary)\n", len(s.Drift))
		for _, e := range s.Drift {
			fmt.Fprintf(w, "  %s\n", e.Name)
		}
	}
}
