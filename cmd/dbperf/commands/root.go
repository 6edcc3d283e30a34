package commands

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/manabihq/manabi/internal/cache"
	"github.com/manabihq/manabi/internal/config"
	"github.com/manabihq/manabi/internal/database"
	"github.com/manabihq/manabi/internal/logging"
)

const Version = "1.0.0"

var cfgFile string

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "dbperf",
	Short: "Database performance toolkit for the Manabi learning platform",
	Long: `dbperf inspects and exercises the Manabi course database: it analyzes
query plans, runs load tests against the connection pools, and manages the
result caches that keep catalog reads fast.`,
	Version: Version,
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "config file path")
}

// environment bundles everything a command needs against one database.
type environment struct {
	cfg       *config.Config
	logger    *zap.Logger
	db        *database.DB
	store     cache.Store
	metrics   *database.Metrics
	optimizer *database.QueryOptimizer
	repo      *database.CourseRepository
	tester    *database.LoadTester
}

// newEnvironment loads configuration and wires the shared components. The
// config manager runs with a noop logger because the real logger is built
// from the loaded configuration.
func newEnvironment() (*environment, error) {
	manager, err := config.NewManager(zap.NewNop(), cfgFile)
	if err != nil {
		return nil, err
	}
	cfg := manager.Get()

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	db, err := database.New(logger, &cfg.Database)
	if err != nil {
		return nil, err
	}

	store, err := cache.NewMemory(logger, cfg.Cache)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	metrics := database.NewMetrics("manabi")
	optimizer := database.NewQueryOptimizer(logger, db, store, metrics, &cfg.Optimizer, &cfg.Analyzer)
	repo := database.NewCourseRepository(logger, db, optimizer, store, metrics, &cfg.Loader)
	tester := database.NewLoadTester(logger, db, metrics)

	env := &environment{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		store:     store,
		metrics:   metrics,
		optimizer: optimizer,
		repo:      repo,
		tester:    tester,
	}

	if cfg.Metrics.Enabled {
		env.serveMetrics()
	}
	return env, nil
}

// serveMetrics exposes the Prometheus registry for scrape-while-testing
// setups. Listen failures are logged, not fatal.
func (e *environment) serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.metrics.Handler())

	go func() {
		e.logger.Info("Metrics endpoint listening", zap.String("addr", e.cfg.Metrics.ListenAddr))
		if err := http.ListenAndServe(e.cfg.Metrics.ListenAddr, mux); err != nil && err != http.ErrServerClosed {
			e.logger.Warn("Metrics endpoint failed", zap.Error(err))
		}
	}()
}

func (e *environment) Close() {
	if err := e.db.Close(); err != nil {
		e.logger.Warn("Failed to close database", zap.Error(err))
	}
	_ = e.logger.Sync()
}
