package main

import (
	"github.com/ruralpay/ledger/internal/database"
	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.Close()

			return runMigrations(rt)
		},
	}
}

func runMigrations(rt *runtime) error {
	return database.Migrate(rt.db, rt.dbCfg.Name, rt.logger)
}
