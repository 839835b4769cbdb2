package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/nls/config"
	"github.com/otherjamesbrown/nls/pkg/logging"
	"github.com/otherjamesbrown/nls/pkg/query"
	"github.com/otherjamesbrown/nls/pkg/store"
)

// FilterCommandDeps holds the dependencies of the filter command.
type FilterCommandDeps struct {
	LoadConfig func() (*config.Config, error)
	OpenStore  func(context.Context, *config.Config, logging.Logger) (store.Store, error)
	Out        io.Writer
}

// DefaultFilterDeps returns the dependencies used in production.
func DefaultFilterDeps() *FilterCommandDeps {
	return &FilterCommandDeps{
		LoadConfig: config.LoadConfig,
		OpenStore:  connectToStore,
		Out:        os.Stdout,
	}
}

// NewFilterCommand creates the filter command.
func NewFilterCommand() *cobra.Command {
	return newFilterCommand(DefaultFilterDeps())
}

func newFilterCommand(deps *FilterCommandDeps) *cobra.Command {
	var (
		f        query.Filter
		storeDSN string
		output   string
	)

	cmd := &cobra.Command{
		Use:   "filter",
		Short: "Query stored cities",
		Long: `List stored cities filtered by country, region and rank range, sorted by
rank, name, country, region or one of the cost, internet, fun and safety
scores. Cities without a value for the sort key come last.

Requires a SQL store (postgres:// or sqlite://).`,
		Example: `  nls filter --country Portugal
  nls filter --region Asia --sort fun --order desc --limit 10
  nls filter --rank-from 1 --rank-to 50 --output json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := deps.LoadConfig()
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			if storeDSN != "" {
				cfg.Store.DSN = storeDSN
			}
			if output != "" {
				cfg.OutputFormat = config.OutputFormat(output)
			}
			if !cfg.OutputFormat.IsValid() {
				return fmt.Errorf("invalid output format %q", cfg.OutputFormat)
			}
			f.Order = strings.ToLower(f.Order)
			if err := f.Validate(); err != nil {
				return err
			}

			ctx := cmd.Context()
			logger := newLogger(cfg, "filter")
			st, err := deps.OpenStore(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer closeQuietly(st)

			rq, ok := st.(store.RowQuerier)
			if !ok {
				return fmt.Errorf("filter needs a SQL store; %s cannot be queried", st.Driver())
			}
			cities, err := query.Cities(ctx, rq, f)
			if err != nil {
				return err
			}

			out := deps.Out
			if out == nil {
				out = cmd.OutOrStdout()
			}
			return render(out, cfg.OutputFormat, cities, func(w io.Writer) { printCities(w, cities) })
		},
	}

	cmd.Flags().StringVar(&f.Country, "country", "", "Only cities in this country (case-insensitive)")
	cmd.Flags().StringVar(&f.Region, "region", "", "Only cities in this region (case-insensitive)")
	cmd.Flags().IntVar(&f.RankFrom, "rank-from", 0, "Lowest rank to include")
	cmd.Flags().IntVar(&f.RankTo, "rank-to", 0, "Highest rank to include")
	cmd.Flags().IntVarP(&f.Limit, "limit", "l", 0, "Maximum number of cities (0 = all)")
	cmd.Flags().StringVar(&f.SortBy, "sort", query.SortRank, "Sort key: "+strings.Join(query.SortKeys, ", "))
	cmd.Flags().StringVar(&f.Order, "order", query.OrderAsc, "Sort order: asc or desc")
	cmd.Flags().StringVar(&storeDSN, "store", "", "Store DSN: postgres://... or sqlite://path")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output format: text, json, yaml")
	return cmd
}

func printCities(w io.Writer, cities []query.City) {
	if len(cities) == 0 {
		fmt.Fprintln(w, "No cities match.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tCITY\tCOUNTRY\tREGION\tCOST\tINTERNET\tFUN\tSAFETY")
	for _, c := range cities {
		rank := "-"
		if c.Rank != nil {
			rank = strconv.FormatInt(*c.Rank, 10)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rank, c.Name, c.Country, c.Region, dash(c.Cost), dash(c.Internet), dash(c.Fun), dash(c.Safety))
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "\n%d cities\n", len(cities))
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
