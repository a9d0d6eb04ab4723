package main

import (
	"fmt"
	"os"

	"github.com/ruralpay/ledger/internal/config"
	"github.com/spf13/cobra"
)

// @title Ledger API
// @version 1.0
// @description Account provisioning, transfers and audit trail of the ledger core
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ledger",
		Short:         "Ledger and account provisioning service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// A missing .env is fine; the environment still applies.
			if err := config.BindEnv(); err != nil {
				fmt.Fprintf(os.Stderr, "Config file not found, using defaults: %v\n", err)
			}
		},
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newWorkerCommand())
	cmd.AddCommand(newMigrateCommand())

	return cmd
}
