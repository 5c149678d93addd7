package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mindprint/internal/config"
)

func newConfigCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or inspect the configuration file",
	}
	cmd.AddCommand(newConfigInitCommand(root), newConfigShowCommand(root))
	return cmd
}

func newConfigInitCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration if no file exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := config.NewLoader(root.configPath).Path()
			if _, created, err := config.LoadOrCreate(path); err != nil {
				return err
			} else if created {
				fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", path)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s already exists and is valid\n", path)
			}
			return nil
		},
	}
}

func newConfigShowCommand(root *rootOptions) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		Long:  "Load the configuration file, apply environment overrides and print the result. Findings that would block startup are returned as an error.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewLoader(root.configPath).Load()
			if err != nil {
				return err
			}
			for _, w := range config.Check(cfg).Warnings() {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s: %s\n", w.Field, w.Message)
			}
			return config.Encode(cmd.OutOrStdout(), cfg.Redacted(), format)
		},
	}
	cmd.Flags().StringVar(&format, "format", "toml", "output format: toml, json or yaml")
	return cmd
}
