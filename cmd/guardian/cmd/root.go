package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "guardian",
	Short: "A capital-constrained risk and reconciliation engine for Bybit accounts",
	Long: `Guardian watches a Bybit derivatives account and keeps a fixed pool of
trading capital from ever being exceeded.

It provides:
  - Periodic reconciliation of tracked positions against exchange state
  - Phantom position purging before every capacity check
  - Drawdown, utilization and per-position risk evaluation
  - An alert / circuit-breaker / emergency-stop state machine
  - Bounded in-memory audit history with rolling statistics
  - Prometheus metrics and a WebSocket alert stream

Guardian never places or cancels orders; it detects and signals.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}
