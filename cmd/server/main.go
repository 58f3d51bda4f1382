package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"order_engine/internal/bootstrap"
	"order_engine/internal/config"
	"order_engine/internal/core"
	"order_engine/internal/infrastructure/metrics"
	"order_engine/internal/pipeline"
	"order_engine/internal/provider"
	"order_engine/internal/queue"
	"order_engine/internal/server"
	"order_engine/internal/store"

	"github.com/shopspring/decimal"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/server.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("order_engine version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	cfg := app.Cfg
	logger := app.Logger

	logger.Info("starting order engine",
		"version", version,
		"addr", cfg.Server.ListenAddr,
		"database", cfg.Database.Path,
	)

	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	sources := buildSources(cfg)
	pipe := pipeline.New(db, sources, pipeline.Config{
		Queue: queue.Policy{
			MaxAttempts: cfg.Queue.MaxAttempts,
			BaseBackoff: cfg.Queue.BaseBackoff(),
		},
		MarketWorkers:  cfg.Workers.Market,
		DefaultWorkers: cfg.Workers.Default,
		SettleDelay:    cfg.Execution.SettleDelay(),
	}, logger)

	srv := server.NewServer(pipe, logger, server.Options{
		Addr:           cfg.Server.ListenAddr,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxConnections: cfg.Server.MaxConnections,
		RateLimit:      cfg.Server.RateLimit,
		RateBurst:      cfg.Server.RateBurst,
		Production:     cfg.Server.Production,
	})

	runners := []bootstrap.Runner{pipe, srv}
	if cfg.Telemetry.EnableMetrics {
		runners = append(runners, metrics.NewServer(cfg.Telemetry.MetricsPort, logger))
	}

	if err := app.Run(runners...); err != nil {
		os.Exit(1)
	}
}

// buildSources constructs the configured liquidity sources, falling back to
// the stock Raydium and Meteora pair. Configuration order is preserved; it is
// the quote tie-break order.
func buildSources(cfg *bootstrap.Config) []core.ISource {
	failAt := decimal.NewFromFloat(cfg.Execution.FailAtAmount)
	if len(cfg.Execution.Sources) == 0 {
		return provider.NewDefaultSources(failAt, cfg.Execution.Seed)
	}

	sources := make([]core.ISource, 0, len(cfg.Execution.Sources))
	for _, sc := range cfg.Execution.Sources {
		if sc.Type == config.SourceTypeHTTP {
			sources = append(sources, provider.NewHTTPSource(sc.Name, sc.URL, sc.Fee, sc.Timeout()))
			continue
		}
		sources = append(sources, provider.NewMockSource(provider.MockConfig{
			Name:         sc.Name,
			Fee:          sc.Fee,
			VarianceLow:  sc.VarianceLow,
			VarianceHigh: sc.VarianceHigh,
			QuoteLatency: 200 * time.Millisecond,
			ExecLatency:  2 * time.Second,
			FailAtAmount: failAt,
			Seed:         cfg.Execution.Seed,
		}))
	}
	return sources
}
