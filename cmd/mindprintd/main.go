// Command mindprintd serves the mindprint API.
//
// Usage:
//
//	mindprintd serve [--config path]    run the HTTP server
//	mindprintd migrate [--rollback]     apply or roll back database migrations
//	mindprintd config init|show         write or print the configuration
//	mindprintd version                  print version information
//
// Configuration is read from the TOML, YAML or JSON file named by --config
// (default: config.toml in the user config directory, then
// /etc/mindprint/config.toml) and then overridden from the
// environment (MINDPRINT_ENV, MINDPRINT_LISTEN, MINDPRINT_DATABASE_PATH,
// MINDPRINT_SESSION_SECRET, MINDPRINT_CERTIFICATE_SECRET,
// MINDPRINT_SIGNING_SECRET, GOOGLE_API_KEY, GEMINI_API_KEY, MINDPRINT_LOG_LEVEL).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	// Version information (set at build time)
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "mindprintd",
		Short:         "mindprint certificate server",
		Long:          "mindprintd ingests writing telemetry, issues proof-of-human-authorship certificates and verifies them against a hash-chained transparency log.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default: user config dir, then /etc/mindprint)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newConfigCommand(opts))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mindprintd %s (commit %s, built %s)\n", version, commit, buildTime)
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
