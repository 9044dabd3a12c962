package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/quantsignal/patterncast/internal/app"
	"github.com/quantsignal/patterncast/internal/config"
)

const (
	appName = "patterncast"
	version = "v1.2.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Market-data consumer tier: pattern cache, fan-out and query surface",
		Version: version,
		Long: `patterncast consumes pattern-detection and indicator events from the
producer bus, caches and indexes them for low-latency queries, and fans
them out over WebSocket sessions with per-subscriber filtering, batching
and rate limiting.`,
	}

	var configPath string
	var logLevel string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace|debug|info|warn|error)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the consumer: subscribe, cache, broadcast, serve queries",
		RunE: func(cmd *cobra.Command, args []string) error {
			applyLogLevel(logLevel)
			return runServe(configPath, cmd.Flags())
		},
	}
	serveCmd.Flags().String("bus-address", "", "bus address override (e.g. localhost:6379)")
	serveCmd.Flags().String("http-listen", "", "HTTP listen address override")

	healthCmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Probe a running instance's health endpoint (exit 0/1)",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			return runHealthcheck(addr)
		},
	}
	healthCmd.Flags().String("addr", "http://localhost:8090", "base URL of the running instance")

	rootCmd.AddCommand(serveCmd, healthCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func runServe(configPath string, flags *pflag.FlagSet) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if v, _ := flags.GetString("bus-address"); v != "" {
		cfg.BusAddress = v
	}
	if v, _ := flags.GetString("http-listen"); v != "" {
		cfg.HTTPListen = v
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	a, err := app.New(initCtx, cfg)
	cancel()
	if err != nil {
		return fmt.Errorf("startup aborted: %w", err)
	}

	return a.Run(ctx)
}

func runHealthcheck(base string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(base + "/health")
	if err != nil {
		return fmt.Errorf("health probe failed: %w", err)
	}
	defer resp.Body.Close()

	var report struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return fmt.Errorf("health probe failed: %w", err)
	}
	fmt.Println(report.Status)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("instance unhealthy: %s", report.Status)
	}
	return nil
}

func applyLogLevel(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}
