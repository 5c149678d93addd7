package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"mindprint/internal/config"
	"mindprint/internal/store"
)

func newMigrateCommand(root *rootOptions) *cobra.Command {
	var (
		dbPath   string
		rollback bool
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long:  "Open the database, apply pending migrations and print the schema status. With --rollback the latest migration is reverted afterwards.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := dbPath
			if path == "" {
				cfg, err := config.NewLoader(root.configPath).Load()
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				if err := cfg.EnsureDirectories(); err != nil {
					return err
				}
				path = cfg.Storage.Path
			}
			return runMigrate(cmd.OutOrStdout(), path, rollback)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "database path (default: storage.path from config)")
	cmd.Flags().BoolVar(&rollback, "rollback", false, "revert the latest migration")
	return cmd
}

func runMigrate(w io.Writer, path string, rollback bool) error {
	st, err := store.Open(path)
	if err != nil {
		return err
	}
	defer st.Close()

	if rollback {
		if err := store.RollbackMigration(st.DB()); err != nil {
			return err
		}
		fmt.Fprintln(w, "Rolled back the latest migration.")
	}

	status, err := store.GetMigrationStatus(st.DB())
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Database:        %s\n", path)
	fmt.Fprintf(w, "Schema version:  %d of %d\n", status.CurrentVersion, status.LatestVersion)
	for _, m := range status.Applied {
		fmt.Fprintf(w, "  applied  %3d  %s  %s\n", m.Version, m.AppliedAt.UTC().Format(time.RFC3339), m.Description)
	}
	for _, m := range status.Pending {
		fmt.Fprintf(w, "  pending  %3d  %s\n", m.Version, m.Description)
	}
	return nil
}
