// Package main provides the nls CLI entry point.
// nls scrapes a city listing site and keeps a relational copy of every city.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/nls/cmd"
	"github.com/otherjamesbrown/nls/config"
	"github.com/otherjamesbrown/nls/pkg/buildinfo"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "nls",
	Short: "City listing harvester",
	Long: `nls scrapes the city listing of a digital-nomad site, fetches every city's
detail page concurrently and upserts the results into PostgreSQL or SQLite.

Configuration is read from ~/.nls/config.yaml (or $NLS_CONFIG_DIR/config.yaml),
then NLS_* environment variables, then command-line flags.

COMMON WORKFLOWS:
  First run:       nls db migrate  →  nls scrape
  Quick look:      nls scrape --dry-run --max-cities 10
  Query results:   nls filter --region Europe --sort cost
  Keep it fresh:   nls schedule --cron "0 3 * * *"`,
	SilenceUsage: true,
}

// Version command flags.
var versionOutputJSON bool

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long: `Print the version, commit hash, and build time of nls.

Use --output-json for machine-readable output.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		info := buildinfo.Get("nls")
		out := cmd.OutOrStdout()
		if versionOutputJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		}
		fmt.Fprintf(out, "nls %s\n", buildinfo.String())
		fmt.Fprintf(out, "  go: %s\n", info.GoVersion)
		return nil
	},
}

// configShowCmd prints the effective configuration.
var configShowCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Print the configuration after the config file and NLS_* environment
variables are applied. Secrets are never part of the configuration.`,
	RunE: func(c *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}
		return yaml.NewEncoder(c.OutOrStdout()).Encode(cfg)
	},
}

var configInitForce bool

// configInitCmd writes the default configuration file.
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Write the default configuration to ~/.nls/config.yaml (or
$NLS_CONFIG_DIR/config.yaml). An existing file is kept unless --force is given.`,
	RunE: func(c *cobra.Command, args []string) error {
		path, err := config.ConfigPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil && !configInitForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return err
		}
		fmt.Fprintf(c.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionOutputJSON, "output-json", false, "output as JSON")
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "overwrite an existing file")
	configShowCmd.AddCommand(configInitCmd)

	rootCmd.AddCommand(cmd.NewScrapeCommand())
	rootCmd.AddCommand(cmd.NewScheduleCommand())
	rootCmd.AddCommand(cmd.NewFilterCommand())
	rootCmd.AddCommand(cmd.NewDbCommand())
	rootCmd.AddCommand(cmd.NewAuthCommand())
	rootCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nReceived interrupt signal, finishing in-flight work...")
		cancel()
		<-sigChan
		fmt.Fprintln(os.Stderr, "Forced exit")
		os.Exit(130)
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
