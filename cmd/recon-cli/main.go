// recon-cli runs and inspects payment reconciliations against the configured ledgers.
//
// Usage (from backend directory):
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/recon-cli trigger --from 2025-01-01 --to 2025-01-31
//	go run ./cmd/recon-cli runs --status partial
//	go run ./cmd/recon-cli export <run-id> --format xlsx --out jan.xlsx
//	go run ./cmd/recon-cli purge --older-than 2160h
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "recon-cli",
		Short:         "Payment reconciliation between the app ledger and the gateway",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("guard", "", "Run guard backend (redis, mysql, local); defaults to RECON_GUARD_BACKEND or mysql")

	rootCmd.AddCommand(triggerCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(purgeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
