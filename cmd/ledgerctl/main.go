package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"gudangkas/backend/internal/cli"
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "ledgerctl",
		Short: "Operator tools for the gudangkas ledger",
		Long: `ledgerctl prices receipt payloads, mints operator tokens and triggers
the delivery sync and cash movement replay jobs of a running server.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(cli.QuoteCmd())
	rootCmd.AddCommand(cli.TokenCmd())
	rootCmd.AddCommand(cli.SyncCmd())
	rootCmd.AddCommand(cli.ReplayCmd())
	rootCmd.AddCommand(cli.OutboxCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
