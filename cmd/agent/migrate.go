package main

import (
	"fmt"

	"github.com/ageniuscoder/corelink/internal/config"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the shared memory schema and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			db, _, driver, err := openStore(cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer db.Close()
			if err := db.Migrate(); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "migration completed (%s)\n", driver)
			return err
		},
	}
}
