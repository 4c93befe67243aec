package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/optionsflow/optionsflow/internal/cache"
	"github.com/optionsflow/optionsflow/internal/config"
	"github.com/optionsflow/optionsflow/internal/domain"
	httpiface "github.com/optionsflow/optionsflow/internal/interfaces/http"
	"github.com/optionsflow/optionsflow/internal/persistence"
	"github.com/optionsflow/optionsflow/internal/persistence/postgres"
	"github.com/optionsflow/optionsflow/internal/pipeline"
	"github.com/optionsflow/optionsflow/internal/provider"
	"github.com/optionsflow/optionsflow/internal/stream"
)

const (
	appName = "optionsflow"
	version = "v0.3.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	var (
		configPath string
		modeFlag   string
	)

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Streaming options flow anomaly pipeline",
		Version: version,
		Long: `optionsflow ingests a high-rate option tick stream and turns it into
calibrated institutional-flow anomaly signals: admission filtering and
adaptive batching, trade-side classification with multi-timeframe pressure
aggregation, streaming data-quality validation behind a circuit breaker, and
incrementally-updated statistical baselines with anomaly scoring.`,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to yaml config (defaults apply when omitted)")
	rootCmd.PersistentFlags().StringVar(&modeFlag, "mode", "", "Override configured mode (development|staging|production)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline against the configured feed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath, modeFlag)
			if err != nil {
				return err
			}
			feed, err := buildFeed(cfg)
			if err != nil {
				return err
			}
			return runPipeline(cmd.Context(), cfg, feed)
		},
	}

	var replayFile string
	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a recorded event capture deterministically",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath, modeFlag)
			if err != nil {
				return err
			}
			// Replays run with development semantics regardless of config.
			cfg.Mode = string(domain.ModeDevelopment)
			feed, err := provider.NewReplayFeed(replayFile)
			if err != nil {
				return err
			}
			return runPipeline(cmd.Context(), cfg, feed)
		},
	}
	replayCmd.Flags().StringVar(&replayFile, "file", "", "Capture file, one event JSON object per line")
	_ = replayCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(runCmd, replayCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("exiting")
		os.Exit(1)
	}
}

func loadConfig(path, modeOverride string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path == "" {
		cfg = config.Default()
	} else {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	}
	if modeOverride != "" {
		cfg.Mode = modeOverride
	}
	if _, err := domain.ParseMode(cfg.Mode); err != nil {
		return nil, err
	}
	return cfg, nil
}

func buildFeed(cfg *config.Config) (provider.Feed, error) {
	mode, _ := domain.ParseMode(cfg.Mode)
	if mode.Policy().SimulatedInput {
		return provider.NewSimulatedFeed(cfg.Pipeline.SimulatedSymbols, cfg.Pipeline.SimulatedRateHz, time.Now().UnixNano()), nil
	}
	url := os.Getenv("OPTIONSFLOW_STREAM_URL")
	if url == "" {
		return nil, fmt.Errorf("OPTIONSFLOW_STREAM_URL required outside development mode")
	}
	return provider.NewWebsocketFeed(url, credentials()), nil
}

func credentials() provider.Credentials {
	return provider.Credentials{
		APIKey:    os.Getenv("OPTIONSFLOW_API_KEY"),
		APISecret: os.Getenv("OPTIONSFLOW_API_SECRET"),
	}
}

func runPipeline(ctx context.Context, cfg *config.Config, feed provider.Feed) error {
	mode, _ := domain.ParseMode(cfg.Mode)
	policy := mode.Policy()

	var repo persistence.BaselineRepo
	if cfg.Postgres.DSN != "" {
		db, err := sqlx.Open("postgres", cfg.Postgres.DSN)
		if err == nil {
			err = db.Ping()
		}
		if err != nil {
			if mode == domain.ModeProduction {
				return fmt.Errorf("postgres required in production: %w", err)
			}
			log.Warn().Err(err).Msg("postgres unavailable, baseline persistence disabled")
		} else {
			repo = postgres.NewBaselineRepo(db, time.Duration(cfg.Postgres.TimeoutSeconds)*time.Second)
			defer db.Close()
		}
	}

	var snapCache cache.SnapshotCache = cache.NewMemoryCache(time.Duration(cfg.Baseline.CacheTTLSeconds) * time.Second)
	if mode == domain.ModeProduction && cfg.Redis.Addr != "" {
		rc := cache.NewRedisCache(cfg.Redis)
		defer rc.Close()
		snapCache = rc
	}

	orch, err := pipeline.New(cfg, feed, credentials(), repo, snapCache, nil)
	if err != nil {
		return err
	}

	metrics := httpiface.NewMetricsRegistry()
	hub := stream.NewHub()
	defer hub.Close()
	orch.AddSignalListener(hub)
	orch.AddSignalListener(metrics)

	server := httpiface.NewServer(cfg.HTTP.Addr, orch, metrics, hub)
	server.Start()

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go metrics.SyncLoop(runCtx, orch, 15*time.Second)

	runErr := orch.Run(runCtx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("operator endpoint shutdown failed")
	}

	if runErr != nil {
		if errors.Is(runErr, pipeline.ErrFatalStop) {
			log.Error().Err(runErr).Msg("pipeline stopped on fatal condition; operator restart required")
		}
		return runErr
	}
	if policy.ShadowSignals {
		log.Info().Int("shadow_signals", len(orch.ShadowSignals())).Msg("staging run complete")
	}
	return nil
}
