// Package main is the entry point for the vigil portfolio risk analytics
// service. It wires the databases, repositories and risk engines into the
// daily batch pipeline, starts the nightly scheduler and waits for a
// shutdown signal.
package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/batch"
	"github.com/aristath/vigil/internal/config"
	"github.com/aristath/vigil/internal/database"
	"github.com/aristath/vigil/internal/marketdata"
	"github.com/aristath/vigil/internal/modules/aggregation"
	"github.com/aristath/vigil/internal/modules/correlation"
	"github.com/aristath/vigil/internal/modules/factors"
	"github.com/aristath/vigil/internal/modules/stress"
	"github.com/aristath/vigil/internal/portfolio"
	"github.com/aristath/vigil/internal/scheduler"
	"github.com/aristath/vigil/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	logger.SetGlobalLogger(log)
	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting vigil")

	analyticsDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "analytics.db"),
		Profile: database.ProfileStandard,
		Name:    "analytics",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open analytics database")
	}
	defer analyticsDB.Close()

	historyDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "history.db"),
		Profile: database.ProfileHistory,
		Name:    "history",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open history database")
	}
	defer historyDB.Close()

	for _, db := range []*database.DB{analyticsDB, historyDB} {
		if err := db.Migrate(); err != nil {
			log.Fatal().Err(err).Str("db", db.Name()).Msg("Failed to migrate database")
		}
	}

	// Repositories.
	portfolioRepo := portfolio.NewRepository(analyticsDB.Conn(), log)
	priceRepo := marketdata.NewPriceRepository(historyDB.Conn(), log)
	factorRepo := factors.NewRepository(analyticsDB.Conn(), log)
	corrRepo := correlation.NewRepository(analyticsDB.Conn(), log)
	stressRepo := stress.NewRepository(analyticsDB.Conn(), log)
	jobRepo := batch.NewJobRepository(analyticsDB.Conn(), log)

	if err := portfolioRepo.SeedFactorProxies(portfolio.DefaultFactorProxies()); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed factor proxies")
	}
	if err := stressRepo.SeedScenarios(stress.DefaultScenarios()); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed stress scenarios")
	}

	// Market data edge: vendor CSV drop behind a circuit breaker.
	provider := marketdata.NewBreakerProvider(
		marketdata.NewCSVProvider(filepath.Join(cfg.DataDir, "bars"), log), log)
	syncService := marketdata.NewSyncService(provider, priceRepo, portfolioRepo,
		cfg.RegressionWindowDays, log)

	// Risk engines.
	aggregator := aggregation.NewService(log)
	rollups := aggregation.NewRollupService(portfolioRepo, aggregator,
		time.Duration(cfg.RollupCacheTTL)*time.Second)
	estimator := factors.NewEstimator(priceRepo, factors.Config{
		WindowDays:         cfg.RegressionWindowDays,
		MinObs:             cfg.RegressionMinObs,
		FullHistoryObs:     cfg.FullHistoryObs,
		BetaCap:            cfg.BetaCap,
		ConditionNumberMax: cfg.ConditionNumberMax,
	}, log)
	corrEngine, err := correlation.NewEngine(priceRepo, cfg.CorrelationThreshold, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build correlation engine")
	}
	stressEngine, err := stress.NewEngine(priceRepo, factorRepo,
		cfg.EWMADecay, cfg.EWMALookbackDays, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build stress engine")
	}

	// Batch pipeline.
	registry := batch.NewRegistry()
	pipeline := batch.NewPipeline(syncService, portfolioRepo, aggregator,
		estimator, factorRepo, corrEngine, corrRepo, stressEngine, stressRepo,
		rollups, cfg.CorrelationDays,
		correlation.Filters{Mode: correlation.FilterValueOnly}, log)
	pipeline.Register(registry)
	if err := registry.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid pipeline registry")
	}

	orchestrator := batch.NewOrchestrator(registry, batch.NewCompletionTracker(),
		jobRepo, portfolioRepo, batch.Options{
			WorkerPoolSize:  cfg.WorkerPoolSize,
			StageTimeout:    time.Duration(cfg.StageTimeoutSec) * time.Second,
			MaxStageRetries: cfg.MaxStageRetries,
		}, log)

	sched := scheduler.New(orchestrator, jobRepo, cfg.NightlyCronSpec,
		time.Duration(cfg.CatchUpGraceHours)*time.Hour, log)
	if err := sched.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start scheduler")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	sched.Stop()
	log.Info().Msg("Shutdown complete")
}
