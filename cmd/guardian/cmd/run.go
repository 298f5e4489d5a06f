package cmd

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/rustyeddy/guardian/config"
	"github.com/rustyeddy/guardian/engine"
	"github.com/rustyeddy/guardian/risk"
	"github.com/rustyeddy/guardian/stream"
	"github.com/rustyeddy/guardian/venue/bybit"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the engine against a configured account",
	Long: `Start the risk and reconciliation loop using settings from a
configuration file. Venue credentials are read from the environment
(BYBIT_API_KEY, BYBIT_API_SECRET), optionally via a .env file.

Example:
  guardian run -f guardian.yaml`,
	RunE: runRun,
}

var runConfigPath string

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runConfigPath, "config", "f", "", "path to config file (YAML or JSON) (required)")
	runCmd.MarkFlagRequired("config")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(runConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	apiKey := os.Getenv("BYBIT_API_KEY")
	apiSecret := os.Getenv("BYBIT_API_SECRET")
	if apiKey == "" || apiSecret == "" {
		return fmt.Errorf("BYBIT_API_KEY and BYBIT_API_SECRET must be set")
	}

	client := bybit.NewClient(apiKey, apiSecret, cfg.Venue.Testnet)

	eng, err := engine.New(engine.Options{
		Venue:              client,
		Ledger:             cfg.ToLedger(),
		Thresholds:         cfg.ToThresholds(),
		Alerts:             cfg.ToAlerts(),
		Intervals:          cfg.ToIntervals(),
		HealthWindow:       cfg.HealthWindow(),
		MaxAPIErrorRatePct: cfg.Health.MaxAPIErrorRatePct,
		OnEmergencyStop: func(st risk.State) {
			// Position-closing action belongs to the order-management
			// collaborator; here the signal is loud and visible.
			log.Printf("run: EMERGENCY STOP signaled (drawdown %.2f%%, margin %.4f); operator action required",
				st.CurrentDrawdownPct, st.TotalMarginUsed)
		},
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	fmt.Printf("Starting guardian with config: %s\n", runConfigPath)
	fmt.Printf("  Ceiling: %.2f USDT (per position %.2f, max %d concurrent)\n",
		cfg.Ledger.Ceiling, cfg.Ledger.PerPositionCeiling, cfg.Ledger.MaxConcurrentPositions)
	fmt.Printf("  Drawdown limits: soft %.2f%%, emergency %.2f%%\n",
		cfg.Risk.SoftDrawdownPct, cfg.Risk.EmergencyDrawdownPct)
	fmt.Printf("  Operations server: %s (/metrics, /alerts)\n", cfg.Server.ListenAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/alerts", stream.Handler(eng.Hub()))

	srv := &http.Server{Addr: cfg.Server.ListenAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("run: operations server: %v", err)
		}
	}()

	// Mirror every alert into the process log.
	feed, cancelFeed := eng.Hub().Subscribe()
	go func() {
		for a := range feed {
			log.Printf("alert [%s] %s: %s", a.Severity, a.Type, a.Message)
		}
	}()

	<-ctx.Done()
	fmt.Println("\nShutting down...")

	cancelFeed()
	eng.Stop()
	srv.Shutdown(context.Background())

	perfReport := eng.PerformanceReport()
	riskReport := eng.Report()
	fmt.Printf("Final statistics:\n")
	fmt.Printf("  API calls: %d (%.1f%% success, avg %.0fms)\n",
		perfReport.APICalls, perfReport.APISuccessPct, perfReport.AvgLatencyMs)
	fmt.Printf("  Trades: %d (win rate %.1f%%)\n", perfReport.TotalTrades, perfReport.WinRatePct)
	fmt.Printf("  Max drawdown: %.2f%%\n", riskReport.State.MaxDrawdownPct)
	if riskReport.State.EmergencyStopActive {
		fmt.Println("  EMERGENCY STOP still latched; it survives shutdown by design")
	}

	return nil
}
