// LandWatch - fraud and anomaly analysis for land records.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/opensource-finance/landwatch/internal/analyzer"
	"github.com/opensource-finance/landwatch/internal/api"
	"github.com/opensource-finance/landwatch/internal/bus"
	"github.com/opensource-finance/landwatch/internal/cache"
	"github.com/opensource-finance/landwatch/internal/config"
	"github.com/opensource-finance/landwatch/internal/domain"
	"github.com/opensource-finance/landwatch/internal/features"
	"github.com/opensource-finance/landwatch/internal/metrics"
	"github.com/opensource-finance/landwatch/internal/repository"
	"github.com/opensource-finance/landwatch/internal/rules"
	"github.com/opensource-finance/landwatch/internal/velocity"
	"github.com/opensource-finance/landwatch/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("LANDWATCH_CONFIG"), "path to a YAML configuration file")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before configuration")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	setupLogger(cfg.Logging)

	slog.Info("starting landwatch",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	m := metrics.New()
	builder := features.NewBuilder(cfg.Analysis.Features)
	velocitySvc := velocity.NewService(repo, cacheImpl)

	engine, err := rules.NewEngine(builder.FeatureNames(), velocitySvc.Counts, 100)
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	if err := loadRules(ctx, repo, engine); err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	typologyEngine := rules.NewTypologyEngine()
	if err := loadTypologies(ctx, repo, typologyEngine); err != nil {
		slog.Error("failed to load typologies", "error", err)
		os.Exit(1)
	}
	slog.Info("typology engine initialized", "typologies_count", typologyEngine.TypologyCount())

	a, err := analyzer.New(cfg.Analysis, analyzer.Deps{
		Builder:    builder,
		Engine:     engine,
		Typologies: typologyEngine,
		Repo:       repo,
		Cache:      cacheImpl,
		Bus:        busImpl,
		Metrics:    m,
		Velocity:   velocitySvc.Counts,
	})
	if err != nil {
		slog.Error("failed to initialize analyzer", "error", err)
		os.Exit(1)
	}

	// Restore persisted models for known tenants. Others start untrained
	// and fall back to rule-based verdicts until POST /model/train.
	for _, tenantID := range cfg.Worker.TenantIDs {
		info, err := a.LoadModel(ctx, tenantID)
		switch {
		case errors.Is(err, analyzer.ErrNoModel):
			slog.Info("no stored model", "tenant_id", tenantID)
		case err != nil:
			slog.Warn("failed to restore model", "tenant_id", tenantID, "error", err)
		default:
			slog.Info("model restored", "tenant_id", tenantID, "version", info.Version)
		}
	}

	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, a, m)
		if err := asyncWorker.Start(worker.Config{
			TenantIDs:     cfg.Worker.TenantIDs,
			ServeRequests: cfg.Worker.ServeRequests,
		}); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		} else {
			slog.Info("async worker started", "tenant_count", len(cfg.Worker.TenantIDs))
		}
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Analyzer:     a,
		Repo:         repo,
		Cache:        cacheImpl,
		Bus:          busImpl,
		Engine:       engine,
		Typologies:   typologyEngine,
		Metrics:      m,
		Version:      Version,
		GlobalIngest: len(cfg.Worker.TenantIDs) == 0,
	})

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("landwatch is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("landwatch shutdown complete")
}

func setupLogger(cfg domain.LoggingConfig) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if os.Getenv("LANDWATCH_DEBUG") == "true" {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// loadRules loads the global rules, seeding the defaults into an empty
// database first.
func loadRules(ctx context.Context, repo domain.Repository, engine *rules.Engine) error {
	dbRules, err := repo.ListRuleConfigs(ctx, domain.GlobalTenantID)
	if err != nil {
		return fmt.Errorf("failed to list rules: %w", err)
	}

	if len(dbRules) == 0 {
		dbRules = rules.DefaultRules()
		for _, rule := range dbRules {
			rule.TenantID = domain.GlobalTenantID
			if err := repo.SaveRuleConfig(ctx, domain.GlobalTenantID, rule); err != nil {
				return fmt.Errorf("failed to seed rule %s: %w", rule.ID, err)
			}
		}
		slog.Info("seeded default rules", "count", len(dbRules))
	}

	return engine.LoadRules(dbRules)
}

// loadTypologies loads the global typologies, seeding the defaults into an
// empty database first.
func loadTypologies(ctx context.Context, repo domain.Repository, engine *rules.TypologyEngine) error {
	dbTypologies, err := repo.ListTypologies(ctx, domain.GlobalTenantID)
	if err != nil {
		return fmt.Errorf("failed to list typologies: %w", err)
	}

	if len(dbTypologies) == 0 {
		dbTypologies = rules.DefaultTypologies()
		for _, t := range dbTypologies {
			t.TenantID = domain.GlobalTenantID
			if err := repo.SaveTypology(ctx, domain.GlobalTenantID, t); err != nil {
				return fmt.Errorf("failed to seed typology %s: %w", t.ID, err)
			}
		}
		slog.Info("seeded default typologies", "count", len(dbTypologies))
	}

	engine.LoadTypologies(dbTypologies)
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  +-------------------------------------------+")
	fmt.Println("  |                LANDWATCH                  |")
	fmt.Println("  |     Land Record Fraud Analysis Engine     |")
	fmt.Println("  +-------------------------------------------+")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /analyze           - Analyze a land record")
	fmt.Println("    POST /analyze/batch     - Analyze up to 1000 records")
	fmt.Println("    POST /records           - Queue a record for async analysis")
	fmt.Println("    GET  /records/{id}      - Get a stored record")
	fmt.Println("    GET  /verdicts/{id}     - Get a verdict by ID")
	fmt.Println("    POST /detect/text       - Run document detectors on text")
	fmt.Println("    POST /model/train       - Train the outlier model")
	fmt.Println("    GET  /model             - Describe the current model")
	fmt.Println("    GET  /rules             - List all rules")
	fmt.Println("    POST /rules/reload      - Hot-reload rules from database")
	fmt.Println("    GET  /typologies        - List all typologies")
	fmt.Println("    POST /typologies/reload - Hot-reload typologies")
	fmt.Println("    GET  /health            - Health check")
	fmt.Println("    GET  /metrics           - Prometheus metrics")
	fmt.Println()
}
