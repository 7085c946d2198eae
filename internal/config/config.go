// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for all databases (always absolute)
	LogLevel string
	DevMode  bool

	// Regression parameters
	RegressionWindowDays int     // Rolling window for factor regressions
	RegressionMinObs     int     // Minimum aligned observations before degrading
	FullHistoryObs       int     // Sample size at or above which quality = full_history
	BetaCap              float64 // Betas are clipped to +/- this value
	ConditionNumberMax   float64 // Above this the multivariate design matrix is treated as ill-conditioned

	// Correlation parameters
	CorrelationThreshold float64 // Cluster membership threshold, must be in [0,1]
	CorrelationDays      int     // Default correlation lookback

	// Stress parameters
	EWMADecay        float64 // Exponential decay for the factor correlation matrix
	EWMALookbackDays int

	// Batch parameters
	WorkerPoolSize    int    // Concurrent portfolios in the nightly run
	StageTimeoutSec   int    // Per-portfolio per-stage timeout
	MaxStageRetries   int    // Retries before a stage is marked failed
	NightlyCronSpec   string // Cron schedule for the daily batch run
	CatchUpGraceHours int    // Hours after a missed nightly fire within which startup catches up
	RollupCacheTTL    int    // Seconds a display rollup stays cached
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("VIGIL_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		RegressionWindowDays: getEnvAsInt("REGRESSION_WINDOW_DAYS", 252),
		RegressionMinObs:     getEnvAsInt("REGRESSION_MIN_OBS", 60),
		FullHistoryObs:       getEnvAsInt("FULL_HISTORY_OBS", 200),
		BetaCap:              getEnvAsFloat("BETA_CAP", 3.0),
		ConditionNumberMax:   getEnvAsFloat("CONDITION_NUMBER_MAX", 1e4),

		CorrelationThreshold: getEnvAsFloat("CORRELATION_THRESHOLD", 0.7),
		CorrelationDays:      getEnvAsInt("CORRELATION_DAYS", 252),

		EWMADecay:        getEnvAsFloat("EWMA_DECAY", 0.94),
		EWMALookbackDays: getEnvAsInt("EWMA_LOOKBACK_DAYS", 252),

		WorkerPoolSize:    getEnvAsInt("WORKER_POOL_SIZE", 4),
		StageTimeoutSec:   getEnvAsInt("STAGE_TIMEOUT_SEC", 300),
		MaxStageRetries:   getEnvAsInt("MAX_STAGE_RETRIES", 2),
		NightlyCronSpec:   getEnv("NIGHTLY_CRON_SPEC", "30 2 * * *"),
		CatchUpGraceHours: getEnvAsInt("CATCH_UP_GRACE_HOURS", 6),
		RollupCacheTTL:    getEnvAsInt("ROLLUP_CACHE_TTL_SEC", 30),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configured parameters are usable before any engine
// is constructed. Invalid values are fatal, not degraded.
func (c *Config) Validate() error {
	if c.CorrelationThreshold < 0 || c.CorrelationThreshold > 1 {
		return fmt.Errorf("correlation threshold %.4f outside [0,1]", c.CorrelationThreshold)
	}
	if c.EWMADecay <= 0 || c.EWMADecay >= 1 {
		return fmt.Errorf("ewma decay %.4f outside (0,1)", c.EWMADecay)
	}
	if c.RegressionMinObs > c.RegressionWindowDays {
		return fmt.Errorf("regression min obs %d exceeds window %d", c.RegressionMinObs, c.RegressionWindowDays)
	}
	if c.BetaCap <= 0 {
		return fmt.Errorf("beta cap must be positive, got %.4f", c.BetaCap)
	}
	if c.WorkerPoolSize < 1 {
		return fmt.Errorf("worker pool size must be at least 1, got %d", c.WorkerPoolSize)
	}
	if c.CatchUpGraceHours < 0 {
		return fmt.Errorf("catch-up grace hours must be non-negative, got %d", c.CatchUpGraceHours)
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
